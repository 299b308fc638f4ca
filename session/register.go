package session

import (
	"crypto/md5" //nolint:gosec // the device protocol mandates MD5
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/arloliu/go-q330/qdp"
	"github.com/arloliu/go-q330/transport"
)

func formatSerial(serial uint64) string {
	return fmt.Sprintf("%016X", serial)
}

// ChallengeDigest computes the registration response digest: MD5 over the lowercase
// hex concatenation of the challenge, the data port identity, the auth code, the
// serial number and the counter challenge.
func ChallengeDigest(ch qdp.ServerChallenge, auth, serial, counter uint64) [16]byte {
	equiv := uint64(ch.DPAddr)<<32 | uint64(ch.DPPort)<<16 | uint64(ch.DPReg)
	s := fmt.Sprintf("%016x%016x%016x%016x%016x", ch.Challenge, equiv, auth, serial, counter)

	return md5.Sum([]byte(s)) //nolint:gosec // the device protocol mandates MD5
}

func counterChallenge() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano()) //nolint:gosec // fallback nonce
	}

	return binary.BigEndian.Uint64(b[:])
}

// handleChallenge answers SRVCH with SRVRSP.
func (s *Session) handleChallenge(p *qdp.Packet) {
	var ch qdp.ServerChallenge
	if err := qdp.UnmarshalRecord(p, &ch); err != nil {
		s.protocolError(transport.Control, err)
		return
	}
	s.challenge = ch
	s.counterChal = counterChallenge()

	rsp := &qdp.ServerResponse{
		Serial:           s.cfg.Serial(),
		Challenge:        ch.Challenge,
		DPAddr:           ch.DPAddr,
		DPPort:           ch.DPPort,
		DPReg:            ch.DPReg,
		CounterChallenge: s.counterChal,
		MD5:              ChallengeDigest(ch, s.cfg.AuthCode(), s.cfg.Serial(), s.counterChal),
	}
	s.lastData = s.now()
	s.regStart = s.now()
	s.enqueueRecord(rsp, 0)
}

// handleRegistered completes the registration after the CACK of SRVRSP.
func (s *Session) handleRegistered(now time.Time) {
	s.registered = true
	addr := netip.AddrFrom4([4]byte{
		byte(s.challenge.DPAddr >> 24), byte(s.challenge.DPAddr >> 16),
		byte(s.challenge.DPAddr >> 8), byte(s.challenge.DPAddr),
	})
	s.msg(MsgRegistered, fmt.Sprintf("%s - Data%d (%s)", s.stationLabel(), s.cfg.DataPort(), addr))
	s.startConfigRead(now)
}

// handleBalerReady handles the unsolicited baler ready announcement.
func (s *Session) handleBalerReady(p *qdp.Packet) {
	var brdy qdp.BalerReady
	if err := qdp.UnmarshalRecord(p, &brdy); err != nil {
		s.protocolError(transport.Control, err)
		return
	}
	s.event(StateEvent{Type: EventBalerReady, Info: brdy.Addr})
	if brdy.Serial != s.cfg.Serial() {
		s.logger.Debug("baler ready of another device", "serial", formatSerial(brdy.Serial))
		return
	}
	if s.state != StateAnnounce {
		return
	}
	s.msg(MsgBalerAck, "")
	s.newState(StateRegistering)
	s.enqueueRecord(&qdp.ServerRequest{Serial: s.cfg.Serial()}, 0)
}

func (s *Session) stationLabel() string {
	if s.ident != "" {
		return s.ident
	}

	return formatSerial(s.cfg.Serial())
}
