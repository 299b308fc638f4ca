package qdp

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrTokens is returned for a token stream that cannot be decoded.
var ErrTokens = errors.New("qdp: invalid tokens")

// TokenVersion is the token format understood by DecodeTokens.
const TokenVersion = 1

// Fixed size tokens.
const (
	tokNOP      = 0x00
	tokVersion  = 0x01
	tokNetStat  = 0x02
	tokNetServ  = 0x03
	tokDSS      = 0x04
	tokWeb      = 0x05
	tokClock    = 0x06
	tokMsgTim   = 0x07
	tokCfgID    = 0x08
	tokDataServ = 0x09
)

// Variable size tokens. 0x80..0xBF carry a one byte length, 0xC0..0xFF a two byte length;
// the length counts from the length field itself.
const (
	tokIIR     = 0x80
	tokFIR     = 0x81
	tokLCQ     = 0x82
	tokDPLCQ   = 0x83
	tokCtrl    = 0x84
	tokMHD     = 0x85
	tokThrd    = 0x86
	tokNonComp = 0x87

	tokCommNames = 0xC0
	tokOpaque    = 0xC1
)

// LCQ option bits that append optional fields to a channel token.
const (
	LCQPreEvent uint32 = 0x00000010
	LCQGap      uint32 = 0x00000020
	LCQFrame    uint32 = 0x00000080
)

// DSSTokens configure the data subscription server.
type DSSTokens struct {
	HighPass  string
	MidPass   string
	LowPass   string
	Timeout   int32
	MaxBPS    int32
	Verbosity uint8
	MaxCPU    uint8
	Port      uint16
	MaxMemory uint16
	Reserved  uint16
}

// ClockTokens hold the clock quality settings.
type ClockTokens struct {
	Zone        int32 // seconds
	DegradeTime uint16
	Quality     [8]uint8 // locked, track, hold, off, spare, high, low, never
	Filter      uint16
}

// TokenChannel is one logical channel queue of the data port configuration.
type TokenChannel struct {
	Location string
	Name     string
	// Number is the LCQ number; data port LCQs carry none.
	Number       uint8
	Source       uint8
	Field        uint8
	Options      uint32
	Rate         int16
	PreEvent     uint16
	GapThreshold float32
	FrameLimit   uint8
}

// Key returns the "LL.NNN" name of the channel.
func (c *TokenChannel) Key() string {
	return strings.TrimSpace(c.Location) + "." + strings.TrimSpace(c.Name)
}

// Tokens is the decoded data port configuration read from token memory.
type Tokens struct {
	Version        uint8
	Network        string
	Station        string
	NetServerPort  uint16
	WebPort        uint16
	DataServerPort uint16
	DSS            Optional[DSSTokens]
	Clock          Optional[ClockTokens]

	MessageLocation string
	MessageName     string
	TimingLocation  string
	TimingName      string

	ConfigLocation string
	ConfigName     string
	ConfigFlags    uint8
	ConfigInterval uint16

	Channels   []TokenChannel
	DPChannels []TokenChannel
	CommEvents map[uint8]string
	NonComp    bool
	Opaque     []byte
	// Skipped counts variable size tokens that were not decoded.
	Skipped int
}

// Ident returns the "NN-SSSSS" station identifier.
func (t *Tokens) Ident() string {
	return t.Network + "-" + t.Station
}

// DecodeTokens decodes a token stream.
func DecodeTokens(b []byte) (*Tokens, error) {
	t := &Tokens{}
	r := NewReader(b)
	for r.Remaining() > 0 {
		tok := r.U8()
		switch tok {
		case tokNOP:
		case tokVersion:
			t.Version = r.U8()
			if r.Err() == nil && t.Version != TokenVersion {
				return nil, fmt.Errorf("%w: version %d, expected %d", ErrTokens, t.Version, TokenVersion)
			}
		case tokNetStat:
			t.Network = r.FixedString(2)
			t.Station = r.FixedString(5)
		case tokNetServ:
			t.NetServerPort = r.U16()
		case tokDSS:
			var d DSSTokens
			d.HighPass = r.FixedString(8)
			d.MidPass = r.FixedString(8)
			d.LowPass = r.FixedString(8)
			d.Timeout = r.I32()
			d.MaxBPS = r.I32()
			d.Verbosity = r.U8()
			d.MaxCPU = r.U8()
			d.Port = r.U16()
			d.MaxMemory = r.U16()
			d.Reserved = r.U16()
			t.DSS = Some(d)
		case tokWeb:
			t.WebPort = r.U16()
		case tokClock:
			var c ClockTokens
			c.Zone = r.I32()
			c.DegradeTime = r.U16()
			for i := range c.Quality {
				c.Quality[i] = r.U8()
			}
			c.Filter = r.U16()
			t.Clock = Some(c)
		case tokMsgTim:
			t.MessageLocation = r.FixedString(2)
			t.MessageName = r.FixedString(3)
			t.TimingLocation = r.FixedString(2)
			t.TimingName = r.FixedString(3)
		case tokCfgID:
			t.ConfigLocation = r.FixedString(2)
			t.ConfigName = r.FixedString(3)
			t.ConfigFlags = r.U8()
			t.ConfigInterval = r.U16()
		case tokDataServ:
			t.DataServerPort = r.U16()
		default:
			if tok < 0x80 {
				return nil, fmt.Errorf("%w: unknown fixed token 0x%02X", ErrTokens, tok)
			}
			if err := t.decodeVariable(tok, r); err != nil {
				return nil, err
			}
		}
		if r.Err() != nil {
			return nil, fmt.Errorf("%w: token 0x%02X: %w", ErrTokens, tok, r.Err())
		}
	}
	if t.Network == "" && t.Station == "" {
		return nil, fmt.Errorf("%w: no station identification", ErrTokens)
	}

	return t, nil
}

func (t *Tokens) decodeVariable(tok uint8, r *Reader) error {
	var body []byte
	if tok >= 0xC0 {
		n := int(r.U16())
		if r.Err() == nil && n < 2 {
			return fmt.Errorf("%w: token 0x%02X length %d", ErrTokens, tok, n)
		}
		body = r.Raw(n - 2)
	} else {
		n := int(r.U8())
		if r.Err() == nil && n < 1 {
			return fmt.Errorf("%w: token 0x%02X length %d", ErrTokens, tok, n)
		}
		body = r.Raw(n - 1)
	}
	if r.Err() != nil {
		return nil
	}

	br := NewReader(body)
	switch tok {
	case tokLCQ:
		ch := TokenChannel{Location: br.FixedString(2), Name: br.FixedString(3), Number: br.U8()}
		readChannel(&ch, br)
		t.Channels = append(t.Channels, ch)
	case tokDPLCQ:
		ch := TokenChannel{Location: br.FixedString(2), Name: br.FixedString(3)}
		readChannel(&ch, br)
		t.DPChannels = append(t.DPChannels, ch)
	case tokCommNames:
		if t.CommEvents == nil {
			t.CommEvents = make(map[uint8]string)
		}
		for br.Remaining() > 0 {
			num := br.U8()
			name := string(br.Raw(int(br.U8())))
			if br.Err() == nil && num <= 31 {
				t.CommEvents[num] = name
			}
		}
	case tokOpaque:
		t.Opaque = body
	case tokNonComp:
		t.NonComp = true
	default:
		t.Skipped++
	}
	if br.Err() != nil {
		return fmt.Errorf("%w: token 0x%02X: %w", ErrTokens, tok, br.Err())
	}

	return nil
}

func readChannel(ch *TokenChannel, r *Reader) {
	ch.Source = r.U8()
	ch.Field = r.U8()
	ch.Options = r.U32()
	ch.Rate = r.I16()
	if ch.Options&LCQPreEvent != 0 {
		ch.PreEvent = r.U16()
	}
	if ch.Options&LCQGap != 0 {
		ch.GapThreshold = r.F32()
	}
	if ch.Options&LCQFrame != 0 {
		ch.FrameLimit = r.U8()
	}
}

// Marshal encodes the decoded fields back into a token stream. Skipped tokens are not
// reproduced.
func (t *Tokens) Marshal() []byte {
	w := NewWriter(256)
	w.U8(tokVersion)
	w.U8(TokenVersion)
	w.U8(tokNetStat)
	w.FixedString(t.Network, 2)
	w.FixedString(t.Station, 5)
	if t.NetServerPort != 0 {
		w.U8(tokNetServ)
		w.U16(t.NetServerPort)
	}
	if t.WebPort != 0 {
		w.U8(tokWeb)
		w.U16(t.WebPort)
	}
	if t.DataServerPort != 0 {
		w.U8(tokDataServ)
		w.U16(t.DataServerPort)
	}
	if d, ok := t.DSS.Get(); ok {
		w.U8(tokDSS)
		w.FixedString(d.HighPass, 8)
		w.FixedString(d.MidPass, 8)
		w.FixedString(d.LowPass, 8)
		w.I32(d.Timeout)
		w.I32(d.MaxBPS)
		w.U8(d.Verbosity)
		w.U8(d.MaxCPU)
		w.U16(d.Port)
		w.U16(d.MaxMemory)
		w.U16(d.Reserved)
	}
	if c, ok := t.Clock.Get(); ok {
		w.U8(tokClock)
		w.I32(c.Zone)
		w.U16(c.DegradeTime)
		w.Raw(c.Quality[:])
		w.U16(c.Filter)
	}
	if t.MessageName != "" || t.TimingName != "" {
		w.U8(tokMsgTim)
		w.FixedString(t.MessageLocation, 2)
		w.FixedString(t.MessageName, 3)
		w.FixedString(t.TimingLocation, 2)
		w.FixedString(t.TimingName, 3)
	}
	if t.ConfigName != "" {
		w.U8(tokCfgID)
		w.FixedString(t.ConfigLocation, 2)
		w.FixedString(t.ConfigName, 3)
		w.U8(t.ConfigFlags)
		w.U16(t.ConfigInterval)
	}
	for i := range t.Channels {
		writeChannel(w, tokLCQ, &t.Channels[i])
	}
	for i := range t.DPChannels {
		writeChannel(w, tokDPLCQ, &t.DPChannels[i])
	}
	if len(t.CommEvents) > 0 {
		body := NewWriter(64)
		nums := make([]int, 0, len(t.CommEvents))
		for n := range t.CommEvents {
			nums = append(nums, int(n))
		}
		sort.Ints(nums)
		for _, n := range nums {
			name := t.CommEvents[uint8(n)] //nolint:gosec // keys are uint8
			body.U8(uint8(n))              //nolint:gosec // keys are uint8
			body.U8(uint8(len(name)))      //nolint:gosec // names are short
			body.Raw([]byte(name))
		}
		w.U8(tokCommNames)
		w.U16(uint16(body.Len() + 2)) //nolint:gosec // bounded by memory size
		w.Raw(body.Bytes())
	}
	if t.NonComp {
		w.U8(tokNonComp)
		w.U8(1)
	}
	if len(t.Opaque) > 0 {
		w.U8(tokOpaque)
		w.U16(uint16(len(t.Opaque) + 2)) //nolint:gosec // bounded by memory size
		w.Raw(t.Opaque)
	}

	return w.Bytes()
}

func writeChannel(w *Writer, tok uint8, ch *TokenChannel) {
	body := NewWriter(32)
	body.FixedString(ch.Location, 2)
	body.FixedString(ch.Name, 3)
	if tok == tokLCQ {
		body.U8(ch.Number)
	}
	body.U8(ch.Source)
	body.U8(ch.Field)
	body.U32(ch.Options)
	body.I16(ch.Rate)
	if ch.Options&LCQPreEvent != 0 {
		body.U16(ch.PreEvent)
	}
	if ch.Options&LCQGap != 0 {
		body.F32(ch.GapThreshold)
	}
	if ch.Options&LCQFrame != 0 {
		body.U8(ch.FrameLimit)
	}
	w.U8(tok)
	w.U8(uint8(body.Len() + 1)) //nolint:gosec // channel tokens are short
	w.Raw(body.Bytes())
}
