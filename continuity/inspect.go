package continuity

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Report is a read-only view of a checkpoint file pair.
type Report struct {
	HeaderType RecordType
	Header     *Checkpoint
	HeaderErr  error

	SystemType RecordType
	System     *System
	SystemErr  error

	Channels    []Channel
	ChannelsErr error
}

// Inspect reads the checkpoint files of base without validating identity, merging
// statistics or modifying anything. Purged records are decoded as well.
func Inspect(base string) *Report {
	r := &Report{}
	store := Store{base: base}

	if rec, err := readFirstRecord(store.SystemPath()); err != nil {
		r.SystemErr = err
	} else {
		r.SystemType = rec.Type
		r.System, r.SystemErr = unmarshalSystem(rec.Payload)
	}

	f, err := os.Open(store.HeaderPath())
	if err != nil {
		r.HeaderErr = openError(err)
		return r
	}
	defer f.Close()

	rec, err := ReadRecord(f)
	if err != nil {
		r.HeaderErr = err
		return r
	}
	r.HeaderType = rec.Type
	r.Header, r.HeaderErr = unmarshalStatic(rec.Payload)

	for range maxChannelRecords {
		rec, err := ReadRecord(f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.ChannelsErr = err
			break
		}
		if rec.Type != TypeChannel && rec.Type != TypePurged {
			r.ChannelsErr = fmt.Errorf("%w: %s record", ErrFormat, rec.Type)
			break
		}
		ch, err := unmarshalChannel(rec.Payload)
		if err != nil {
			r.ChannelsErr = err
			break
		}
		r.Channels = append(r.Channels, ch)
	}

	return r
}
