// Package continuity persists the session state of a station so that a restarted host
// resumes without reacquiring the digitizer from scratch.
//
// A checkpoint is a file pair derived from a base name: "<base>q" holds the system record
// (data sequence continuity of the digitizer) and "<base>t" holds the static header record
// (identity and operational statistics) followed by one record per channel. Every record
// is framed as [type:u16][size:u16][crc:u32][payload] in host byte order, and the CRC
// covers the payload.
//
// A file is trusted entirely or not at all. Restoring the header (pass 1) validates type,
// version, CRC and identity; any failure removes the file and the session starts cold.
// Channels (pass 2) are restored once per Store, stopping at the first bad record. Purge
// marks both files as used by rewriting only their leading type tags, so a client stuck in
// a restart loop never replays the same state twice.
package continuity

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arloliu/go-q330/logger"
	"github.com/arloliu/go-q330/opstat"
)

// maxChannelRecords bounds the number of channel records read in pass 2.
const maxChannelRecords = 10000

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces the time source used for written stamps and the statistics merge.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store reads and writes the checkpoint file pair of one station.
type Store struct {
	base   string
	logger logger.Logger
	now    func() time.Time

	mu           sync.Mutex
	header       *Checkpoint
	channelsDone bool
}

// NewStore creates a store for the files "<base>q" and "<base>t". An empty base disables
// persistence: every operation returns ErrDisabled.
func NewStore(base string, l logger.Logger, opts ...StoreOption) *Store {
	if l == nil {
		l = logger.GetLogger()
	}
	s := &Store{base: base, logger: l, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Enabled reports whether the store has a file name.
func (s *Store) Enabled() bool {
	return s.base != ""
}

// HeaderPath returns the path of the header and channel file.
func (s *Store) HeaderPath() string {
	return s.base + "t"
}

// SystemPath returns the path of the system record file.
func (s *Store) SystemPath() string {
	return s.base + "q"
}

// Save writes the header record followed by the valid channels of cp.
func (s *Store) Save(cp *Checkpoint) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	payload, err := cp.marshalStatic(s.now())
	if err != nil {
		return fmt.Errorf("continuity: encode header: %w", err)
	}
	buf, err := MarshalRecord(TypeStatic, payload)
	if err != nil {
		return err
	}
	for i := range cp.Channels {
		ch := &cp.Channels[i]
		if !ch.Valid {
			continue
		}
		payload, err := ch.marshal()
		if err != nil {
			return fmt.Errorf("continuity: encode channel %s: %w", ch.Key(), err)
		}
		rec, err := MarshalRecord(TypeChannel, payload)
		if err != nil {
			return err
		}
		buf = append(buf, rec...)
	}

	return writeFileAtomic(s.HeaderPath(), buf)
}

// SaveSystem writes the system record.
func (s *Store) SaveSystem(sys *System) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	payload, err := sys.marshal()
	if err != nil {
		return fmt.Errorf("continuity: encode system: %w", err)
	}
	rec, err := MarshalRecord(TypeSystem, payload)
	if err != nil {
		return err
	}

	return writeFileAtomic(s.SystemPath(), rec)
}

// RestoreHeader reads and validates the header record (pass 1).
//
// The statistics of the returned checkpoint are merged with the downtime since it was
// written and are nil when nothing usable remained. A checkpoint of another format,
// version or with a bad CRC is deleted; one of another digitizer is left alone.
func (s *Store) RestoreHeader(serial uint64) (*Checkpoint, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = nil

	path := s.HeaderPath()
	rec, err := readFirstRecord(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}

		return nil, s.discard(path, err)
	}
	switch rec.Type {
	case TypeStatic:
	case TypePurged:
		return nil, s.discard(path, fmt.Errorf("%w: header of %s", ErrPurged, path))
	default:
		return nil, s.discard(path, fmt.Errorf("%w: header has %s record", ErrFormat, rec.Type))
	}

	cp, err := unmarshalStatic(rec.Payload)
	if err != nil {
		return nil, s.discard(path, err)
	}
	if cp.Serial != serial {
		return nil, fmt.Errorf("%w: checkpoint of %016X, expected %016X", ErrIdentity, cp.Serial, serial)
	}

	merged, ok := opstat.Merge(cp.Stats, cp.Written, s.now())
	if !ok {
		merged = nil
	}
	cp.Stats = merged
	s.header = cp

	return cp, nil
}

// RestoreChannels adds the saved channels to table (pass 2) and returns how many were
// restored. It runs once per Store and only after a successful RestoreHeader. Restoring
// stops at the first bad record; channels restored before it stay in table.
func (s *Store) RestoreChannels(table *ChannelTable) (int, error) {
	if !s.Enabled() {
		return 0, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelsDone {
		return 0, ErrAlreadyRestored
	}
	if s.header == nil {
		return 0, ErrNoHeader
	}
	s.channelsDone = true

	f, err := os.Open(s.HeaderPath())
	if err != nil {
		return 0, openError(err)
	}
	defer f.Close()

	// the header was validated by pass 1 and may have been purged since
	if _, err := ReadRecord(f); err != nil && !errors.Is(err, ErrCRC) {
		return 0, fmt.Errorf("%w: header: %w", ErrFormat, err)
	}

	n := 0
	for range maxChannelRecords {
		rec, err := ReadRecord(f)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, s.channelError(n, err)
		}
		switch rec.Type {
		case TypeChannel:
		case TypePurged:
			return n, s.channelError(n, ErrPurged)
		default:
			return n, s.channelError(n, fmt.Errorf("%w: %s record", ErrFormat, rec.Type))
		}
		ch, err := unmarshalChannel(rec.Payload)
		if err != nil {
			return n, s.channelError(n, err)
		}
		table.Add(ch)
		n++
	}

	return n, nil
}

// RestoreSystem reads and validates the system record.
func (s *Store) RestoreSystem(serial uint64) (*System, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	rec, err := readFirstRecord(s.SystemPath())
	if err != nil {
		return nil, err
	}
	switch rec.Type {
	case TypeSystem:
	case TypePurged:
		return nil, ErrPurged
	default:
		return nil, fmt.Errorf("%w: system file has %s record", ErrFormat, rec.Type)
	}
	sys, err := unmarshalSystem(rec.Payload)
	if err != nil {
		return nil, err
	}
	if sys.Serial != serial {
		return nil, fmt.Errorf("%w: system record of %016X, expected %016X", ErrIdentity, sys.Serial, serial)
	}

	return sys, nil
}

// Purge marks the header and the system record as used. Missing files are ignored.
func (s *Store) Purge() error {
	if !s.Enabled() {
		return ErrDisabled
	}

	return errors.Join(purgeTag(s.HeaderPath()), purgeTag(s.SystemPath()))
}

func (s *Store) discard(path string, cause error) error {
	s.logger.Warn("discarding continuity file", "path", path, "reason", cause)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove continuity file", "path", path, "error", err)
	}

	return cause
}

func (s *Store) channelError(restored int, err error) error {
	s.logger.Warn("channel continuity incomplete", "path", s.HeaderPath(), "restored", restored, "reason", err)
	return err
}

func readFirstRecord(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, openError(err)
	}
	defer f.Close()

	rec, err := ReadRecord(f)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return rec, fmt.Errorf("%w: %s is truncated", ErrFormat, path)
		}

		return rec, err
	}

	return rec, nil
}

func openError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}

func purgeTag(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return err
	}
	defer f.Close()

	var tag [2]byte
	if _, err := io.ReadFull(f, tag[:]); err != nil {
		return nil //nolint:nilerr // an empty file has nothing to purge
	}
	if RecordType(byteOrder.Uint16(tag[:])) == TypePurged {
		return nil
	}
	byteOrder.PutUint16(tag[:], uint16(TypePurged))
	if _, err := f.WriteAt(tag[:], 0); err != nil {
		return fmt.Errorf("continuity: purge %s: %w", path, err)
	}

	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("continuity: create %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("continuity: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("continuity: write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("continuity: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("continuity: rename %s: %w", path, err)
	}

	return nil
}
