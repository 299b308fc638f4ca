package session

import (
	"fmt"
	"strings"
	"time"
)

// MessageCode identifies a library message. The hundreds digit is the category.
type MessageCode uint16

// Debug messages.
const (
	MsgGeneralDebug MessageCode = iota
	MsgPacketIn
	MsgPacketOut
)

// Informational messages.
const (
	MsgWindow MessageCode = 100 + iota
	MsgUser
	MsgLogChange
	MsgTokensChanged
	MsgMemoryBusy
	MsgDataOpen
	MsgLinkReset
	MsgContinuityFound
	MsgRestoringContinuity
	MsgContinuitySaved
	MsgStation
	MsgConnectionShutdown
	MsgNoIP
)

// Success messages.
const (
	MsgCreated MessageCode = 200 + iota
	MsgRegistered
	MsgDeregWait
	MsgDealloc
	MsgDeregistered
	MsgReadTokens
	MsgTokensRead
	MsgPOCReceived
	MsgWritingContinuity
	MsgSocketOpen
	MsgDeregTimeout
	MsgBalerAck
	MsgConnected
)

// Client faults.
const (
	MsgBadIPAddress MessageCode = 400 + iota
	MsgDataDisabled
	MsgPermission
	MsgPortInUse
	MsgNotRegistered
	MsgInvalidRegistration
	MsgCalibrating
	MsgCommandAborted
	MsgContinuityError
	MsgDataTimeout
	MsgContinuityCRC
	MsgContinuityNotRestored
	MsgStatusTimeout
	MsgContinuityPurged
	MsgWrongPort
)

// Server faults.
const (
	MsgRouteFault MessageCode = 500 + iota
	MsgCantSend
	MsgSocketError
	MsgBindError
	MsgReceiveError
	MsgParameterError
	MsgStructNotValid
	MsgInvalidTokens
	MsgControlOnly
	MsgSpecialOnly
	MsgConsoleOnly
	MsgRetry
	MsgInvalidTokenVersion
	MsgSerialOpen
	MsgInvalidLength
	MsgSequenceGap
	MsgTCPTunnel
	MsgUnknownCommand
)

var messageText = map[MessageCode]string{
	MsgGeneralDebug: "",
	MsgPacketIn:     "Recv",
	MsgPacketOut:    "Sent",

	MsgWindow:              "",
	MsgUser:                "Msg From ",
	MsgLogChange:           "Logical Port Configuration Change",
	MsgTokensChanged:       "DP Tokens have Changed",
	MsgMemoryBusy:          "Memory Operation already in progress",
	MsgDataOpen:            "Sending DT_OPEN",
	MsgLinkReset:           "Link Reset, starting window sequence: ",
	MsgContinuityFound:     "Continuity found: ",
	MsgRestoringContinuity: "Restoring continuity",
	MsgContinuitySaved:     "continuity saved: ",
	MsgStation:             "Station: ",
	MsgConnectionShutdown:  "De-Registration due to reaching maximum connection time",
	MsgNoIP:                "No initial IP Address specified, waiting for POC",

	MsgCreated:           "Station Thread Created",
	MsgRegistered:        "Registered with Q330 ",
	MsgDeregWait:         "De-Registering from Q330, Waiting for Acknowledgement",
	MsgDealloc:           "De-Allocating Data Structures",
	MsgDeregistered:      "De-Registered with Q330",
	MsgReadTokens:        "Starting to read DP Tokens",
	MsgTokensRead:        "DP Tokens loaded, size=",
	MsgPOCReceived:       "POC Received: ",
	MsgWritingContinuity: "Writing Continuity File: ",
	MsgSocketOpen:        "Socket Opened ",
	MsgDeregTimeout:      "De-Registration Timeout",
	MsgBalerAck:          "Baler Acknowledged by Q330",
	MsgConnected:         "Connected to TCP Tunnel",

	MsgBadIPAddress:          "Bad IP Address in Q330 Address Lookup",
	MsgDataDisabled:          "Data Port not enabled in Q330",
	MsgPermission:            "No Permission",
	MsgPortInUse:             "Port in Use, Will retry registration in ",
	MsgNotRegistered:         "Not Registered, Will retry registration in ",
	MsgInvalidRegistration:   "Invalid Registration Request",
	MsgCalibrating:           "Calibration in Progress",
	MsgCommandAborted:        "Command Aborted",
	MsgContinuityError:       "Continuity Error: ",
	MsgDataTimeout:           "Data Timeout, Will retry registration in ",
	MsgContinuityCRC:         "Continuity CRC Error, Ignoring rest of file: ",
	MsgContinuityNotRestored: "Continuity not restored",
	MsgStatusTimeout:         "Status Timeout, Will retry registration in ",
	MsgContinuityPurged:      "Continuity was expired, Ignoring rest of file: ",
	MsgWrongPort:             "Wrong Data Port for Baler",

	MsgRouteFault:          "Possible Router Fault, ",
	MsgCantSend:            "Cannot send, error code: ",
	MsgSocketError:         "Open Socket error: ",
	MsgBindError:           "Bind error: ",
	MsgReceiveError:        "Receive error: ",
	MsgParameterError:      "Parameter Error",
	MsgStructNotValid:      "Structure Not Valid",
	MsgInvalidTokens:       "Invalid Tokens",
	MsgControlOnly:         "Command only valid on Control Port",
	MsgSpecialOnly:         "Command only valid on Special Functions Port",
	MsgConsoleOnly:         "Command only valid on Console or IRDA",
	MsgRetry:               "Retry of command type: ",
	MsgInvalidTokenVersion: "Invalid Token Version",
	MsgSerialOpen:          "Could not open Serial Interface ",
	MsgInvalidLength:       "Invalid Packet Length: ",
	MsgSequenceGap:         "Sequence Gap ",
	MsgTCPTunnel:           "TCP Tunnelling error: ",
	MsgUnknownCommand:      "Unknown Command: ",
}

// MessageCategory is the hundreds digit of a message code.
type MessageCategory uint8

const (
	CategoryDebug       MessageCategory = 0
	CategoryInfo        MessageCategory = 1
	CategorySuccess     MessageCategory = 2
	CategoryClientFault MessageCategory = 4
	CategoryServerFault MessageCategory = 5
)

// Category returns the category of c.
func (c MessageCode) Category() MessageCategory {
	return MessageCategory(c / 100) //nolint:gosec // codes are below 1000
}

// String returns the fixed text of c.
func (c MessageCode) String() string {
	if s, ok := messageText[c]; ok {
		return s
	}

	return fmt.Sprintf("Unknown Message Number %d ", uint16(c))
}

// Message is one entry of the message stream of a session.
type Message struct {
	Code MessageCode
	// Count numbers the messages of a session starting at 1.
	Count uint32
	Time  time.Time
	// DataTime is the time of the last data second when the message was raised.
	DataTime time.Time
	Suffix   string
}

// Text formats the message the way it is written to a log file.
func (m Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{%d}", uint16(m.Code))
	if !m.DataTime.IsZero() {
		fmt.Fprintf(&b, " [%s]", m.DataTime.UTC().Format("2006-01-02 15:04:05"))
	}
	b.WriteByte(' ')
	b.WriteString(m.Code.String())
	b.WriteString(m.Suffix)

	return strings.TrimRight(b.String(), " ")
}
