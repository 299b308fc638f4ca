package continuity

import (
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-q330/opstat"
)

// Checkpoint is the session level state kept in the static header record.
type Checkpoint struct {
	// Serial is the digitizer serial number the checkpoint belongs to.
	Serial uint64
	// Network and Station are the SEED identity of the station.
	Network string
	Station string
	// Written is the time the checkpoint was saved.
	Written time.Time
	// LastData is the time tag of the last second of data received.
	LastData time.Time
	// LastStatus is the time of the last status response.
	LastStatus time.Time
	// PropertyTag and LastReboot are copied from the fixed values of the digitizer.
	PropertyTag uint32
	LastReboot  uint32
	// ZoneAdjust is the time zone offset in seconds, restored when AutoAdjust is set.
	ZoneAdjust int32
	AutoAdjust bool
	// Stats are the operational statistics. After a restore they are already merged with
	// the downtime, or nil when nothing usable remained.
	Stats *opstat.Stats
	// Channels are the channels saved after the header.
	Channels []Channel
}

// System is the digitizer continuity kept in the system record.
type System struct {
	Serial uint64
	// HighFreq is the high frequency configuration the data sequence belongs to.
	HighFreq uint8
	// LastData is the time tag of the last data second and LastQuality its quality.
	LastData    time.Time
	LastQuality uint16
	// LastSequence is the last data record sequence number processed.
	LastSequence uint32
	// CommEvents is the communication event bitmap.
	CommEvents uint32
	// Reboots is the reboot counter of the digitizer.
	Reboots uint32
}

// Channel is the continuity of one statistics or message channel.
type Channel struct {
	Location string
	Name     string
	// Source selects the statistic; SourceMessage marks the message log.
	Source           uint8
	Options          uint32
	FrameLimit       uint16
	GapThreshold     float32
	LastDataSequence uint32
	RecordsWritten   uint32
	ArchiveRecords   uint32
	LastSample       int32
	NextRecordTag    float64
	LastRecordTag    float64
	// Valid is cleared for channels removed by a new configuration. Invalid channels are
	// not saved.
	Valid bool
}

// SourceMessage is the Source of the message log channel.
const SourceMessage = 0x7F

// Key returns the "LL.NNN" lookup key of the channel.
func (c *Channel) Key() string {
	return channelKey(c.Location, c.Name)
}

func channelKey(location, name string) string {
	return strings.TrimSpace(location) + "." + strings.TrimSpace(name)
}

type staticWire struct {
	Version     uint8
	AutoAdjust  uint8
	Network     [2]byte
	Station     [5]byte
	_           [3]byte
	Serial      uint64
	Written     int64
	LastData    int64
	LastStatus  int64
	PropertyTag uint32
	LastReboot  uint32
	ZoneAdjust  int32
	_           uint32
	Stats       opstat.Stats
}

type systemWire struct {
	Version      uint8
	HighFreq     uint8
	LastQuality  uint16
	LastSequence uint32
	Serial       uint64
	LastData     int64
	CommEvents   uint32
	Reboots      uint32
}

type channelWire struct {
	Location         [2]byte
	Name             [3]byte
	Source           uint8
	FrameLimit       uint16
	Options          uint32
	GapThreshold     float32
	LastDataSequence uint32
	RecordsWritten   uint32
	ArchiveRecords   uint32
	LastSample       int32
	NextRecordTag    float64
	LastRecordTag    float64
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}

func trimmed(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func (cp *Checkpoint) marshalStatic(written time.Time) ([]byte, error) {
	w := staticWire{
		Version:     FormatVersion,
		Serial:      cp.Serial,
		Written:     unixNano(written),
		LastData:    unixNano(cp.LastData),
		LastStatus:  unixNano(cp.LastStatus),
		PropertyTag: cp.PropertyTag,
		LastReboot:  cp.LastReboot,
		ZoneAdjust:  cp.ZoneAdjust,
	}
	if cp.AutoAdjust {
		w.AutoAdjust = 1
	}
	copy(w.Network[:], cp.Network)
	copy(w.Station[:], cp.Station)
	if cp.Stats != nil {
		w.Stats = *cp.Stats
	} else {
		w.Stats = *opstat.New()
	}

	return encodePayload(&w)
}

// unmarshalStatic decodes a static payload. Stats are returned as saved, not merged.
func unmarshalStatic(payload []byte) (*Checkpoint, error) {
	if err := checkVersion(payload); err != nil {
		return nil, err
	}
	var w staticWire
	if err := decodePayload(payload, &w); err != nil {
		return nil, err
	}
	stats := w.Stats

	return &Checkpoint{
		Serial:      w.Serial,
		Network:     trimmed(w.Network[:]),
		Station:     trimmed(w.Station[:]),
		Written:     fromUnixNano(w.Written),
		LastData:    fromUnixNano(w.LastData),
		LastStatus:  fromUnixNano(w.LastStatus),
		PropertyTag: w.PropertyTag,
		LastReboot:  w.LastReboot,
		ZoneAdjust:  w.ZoneAdjust,
		AutoAdjust:  w.AutoAdjust != 0,
		Stats:       &stats,
	}, nil
}

func (s *System) marshal() ([]byte, error) {
	return encodePayload(&systemWire{
		Version:      FormatVersion,
		HighFreq:     s.HighFreq,
		LastQuality:  s.LastQuality,
		LastSequence: s.LastSequence,
		Serial:       s.Serial,
		LastData:     unixNano(s.LastData),
		CommEvents:   s.CommEvents,
		Reboots:      s.Reboots,
	})
}

func unmarshalSystem(payload []byte) (*System, error) {
	if err := checkVersion(payload); err != nil {
		return nil, err
	}
	var w systemWire
	if err := decodePayload(payload, &w); err != nil {
		return nil, err
	}

	return &System{
		Serial:       w.Serial,
		HighFreq:     w.HighFreq,
		LastData:     fromUnixNano(w.LastData),
		LastQuality:  w.LastQuality,
		LastSequence: w.LastSequence,
		CommEvents:   w.CommEvents,
		Reboots:      w.Reboots,
	}, nil
}

func (c *Channel) marshal() ([]byte, error) {
	w := channelWire{
		Source:           c.Source,
		FrameLimit:       c.FrameLimit,
		Options:          c.Options,
		GapThreshold:     c.GapThreshold,
		LastDataSequence: c.LastDataSequence,
		RecordsWritten:   c.RecordsWritten,
		ArchiveRecords:   c.ArchiveRecords,
		LastSample:       c.LastSample,
		NextRecordTag:    c.NextRecordTag,
		LastRecordTag:    c.LastRecordTag,
	}
	copy(w.Location[:], c.Location)
	copy(w.Name[:], c.Name)

	return encodePayload(&w)
}

func unmarshalChannel(payload []byte) (Channel, error) {
	var w channelWire
	if err := decodePayload(payload, &w); err != nil {
		return Channel{}, err
	}

	return Channel{
		Location:         trimmed(w.Location[:]),
		Name:             trimmed(w.Name[:]),
		Source:           w.Source,
		Options:          w.Options,
		FrameLimit:       w.FrameLimit,
		GapThreshold:     w.GapThreshold,
		LastDataSequence: w.LastDataSequence,
		RecordsWritten:   w.RecordsWritten,
		ArchiveRecords:   w.ArchiveRecords,
		LastSample:       w.LastSample,
		NextRecordTag:    w.NextRecordTag,
		LastRecordTag:    w.LastRecordTag,
		Valid:            true,
	}, nil
}

func checkVersion(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrFormat)
	}
	if payload[0] != FormatVersion {
		return fmt.Errorf("%w: got=%d expected=%d", ErrVersion, payload[0], FormatVersion)
	}

	return nil
}
