package session

import (
	"errors"
	"strconv"

	"github.com/arloliu/go-q330/continuity"
)

// restoreHeader runs pass 1 of the continuity restore and reads the system record.
// Unusable files start the session cold.
func (s *Session) restoreHeader() {
	if !s.store.Enabled() {
		return
	}
	serial := s.cfg.Serial()

	cp, err := s.store.RestoreHeader(serial)
	if err != nil {
		if errors.Is(err, continuity.ErrNotFound) {
			s.logger.Info("no continuity found", "path", s.store.HeaderPath())
		} else {
			s.continuityError("restore header", err)
		}

		return
	}
	s.checkpoint = cp
	s.msg(MsgContinuityFound, cp.Network+"-"+cp.Station+" written "+cp.Written.UTC().Format("2006-01-02 15:04:05"))
	if cp.Stats != nil {
		s.stats = cp.Stats
	}

	sys, err := s.store.RestoreSystem(serial)
	switch {
	case err == nil:
		s.system = *sys
	case errors.Is(err, continuity.ErrNotFound):
	default:
		s.continuityError("restore system", err)
	}
}

// restoreChannels runs pass 2 of the continuity restore once per session and marks the
// files used.
func (s *Session) restoreChannels() {
	if s.chanRestored || s.checkpoint == nil {
		return
	}
	s.chanRestored = true

	s.msg(MsgRestoringContinuity, "")
	n, err := s.store.RestoreChannels(s.channels)
	if err != nil {
		s.continuityError("restore channels", err)
	}
	s.logger.Info("channel continuity restored", "channels", n)

	if err := s.store.Purge(); err != nil {
		s.logger.Warn("failed to purge continuity", "error", err)
	}
}

// saveContinuity writes the checkpoint and the system record. Nothing is written before
// the session knows its channels, so an older checkpoint is not replaced by an empty one.
func (s *Session) saveContinuity() {
	if !s.store.Enabled() || (s.tokens == nil && !s.chanRestored) {
		return
	}

	cp := &continuity.Checkpoint{
		Serial:     s.cfg.Serial(),
		LastData:   s.system.LastData,
		LastStatus: s.lastStatus,
		Stats:      s.stats.Clone(),
		Channels:   s.channels.All(),
	}
	switch {
	case s.tokens != nil:
		cp.Network = s.tokens.Network
		cp.Station = s.tokens.Station
	case s.checkpoint != nil:
		cp.Network = s.checkpoint.Network
		cp.Station = s.checkpoint.Station
	}
	if s.flags != nil {
		cp.PropertyTag = s.flags.Fixed.PropertyTag
		cp.LastReboot = s.flags.Fixed.LastReboot
	} else if s.checkpoint != nil {
		cp.PropertyTag = s.checkpoint.PropertyTag
		cp.LastReboot = s.checkpoint.LastReboot
	}
	if s.checkpoint != nil {
		cp.ZoneAdjust = s.checkpoint.ZoneAdjust
		cp.AutoAdjust = s.checkpoint.AutoAdjust
	}

	s.msg(MsgWritingContinuity, s.store.HeaderPath())
	if err := s.store.Save(cp); err != nil {
		s.continuityError("save", err)
		return
	}
	sys := s.system
	sys.Serial = s.cfg.Serial()
	if err := s.store.SaveSystem(&sys); err != nil {
		s.continuityError("save system", err)
		return
	}
	s.msg(MsgContinuitySaved, strconv.Itoa(len(cp.Channels))+" channels")
}

func (s *Session) continuityError(op string, err error) {
	cerr := &ContinuityError{Op: op, Err: err}
	s.logger.Warn("continuity not used", "error", cerr)

	switch {
	case errors.Is(err, continuity.ErrCRC):
		s.msg(MsgContinuityCRC, err.Error())
	case errors.Is(err, continuity.ErrPurged):
		s.msg(MsgContinuityPurged, err.Error())
	default:
		s.msg(MsgContinuityError, err.Error())
	}
}
