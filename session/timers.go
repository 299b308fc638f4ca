package session

import (
	"time"

	"github.com/arloliu/go-q330/opstat"
)

// dataOpenInterval is the silence after which DT_OPEN is repeated while running.
const dataOpenInterval = 100 * time.Second

// secondTick runs the cooldowns and watchdogs once per second.
func (s *Session) secondTick(now time.Time) {
	switch s.state {
	case StateWait:
		s.waitTick(now)
	case StateDereg:
		if now.Sub(s.deregStart) >= deregTimeout {
			s.msg(MsgDeregTimeout, "")
			s.finishDeregistration(false)
		}
	case StateConnecting, StateAnnounce, StateRegistering:
		if now.Sub(s.regStart) >= s.cfg.RegisterTimeout() {
			s.registrationTimeout()
		}
	case StateRun:
		s.runTick(now)
	}

	if s.state.IsConfigured() {
		if timeout := s.cfg.StatusTimeout(); now.Sub(s.lastStatus) >= timeout {
			retry := s.cfg.StatusTimeoutRetry()
			s.queue.Purge()
			clear(s.pending)
			s.msg(MsgStatusTimeout, formatMinutes(retry))
			s.waitFor(ReasonStatusTimeout, retry, ReasonStatusTimeout)
			s.lastStatus = now
		}
	}
	if (s.state == StateRun || s.state == StateRunWait) && s.target != StateWait {
		if interval := s.cfg.StatusInterval(); interval > 0 && !now.Before(s.nextStatus) {
			s.nextStatus = now.Add(interval)
			s.enqueueStatus(s.cfg.StatusBitmap() | s.req.extraStatus)
		}
	}

	if s.registered {
		s.stats.Add(opstat.Duty, 1)
	}
	if s.link != nil {
		s.event(StateEvent{Type: EventTick})
	}
	if !now.Before(s.nextMinute) {
		s.nextMinute = now.Add(time.Minute)
		s.rollMinute()
	}
}

// waitTick ends the cooldown of Wait. A session with a dynamic address keeps waiting
// until a point of contact supplied one.
func (s *Session) waitTick(now time.Time) {
	if s.target != StateWait || now.Before(s.waitUntil) {
		return
	}
	if s.cfg.DynamicIP() && s.cfg.Address() == "" {
		if !s.noIPLogged {
			s.msg(MsgNoIP, "")
			s.noIPLogged = true
		}

		return
	}
	s.setTarget(StateRunWait, ReasonNone, nil)
}

// registrationTimeout gives up the registration attempt. After the configured number of
// failed attempts the session hibernates instead of using the registration retry.
func (s *Session) registrationTimeout() {
	s.regFails++
	wait := s.cfg.RegisterRetry()
	if hib, attempts := s.cfg.Hibernate(); hib > 0 && attempts > 0 && s.regFails >= attempts {
		s.logger.Warn("registration attempts exhausted, hibernating", "attempts", s.regFails, "wait", hib)
		wait = hib
		s.regFails = 0
	}
	s.waitFor(ReasonRegistrationTimeout, wait, ReasonRegistrationTimeout)
}

// runTick runs the data watchdog and the connection time limit.
func (s *Session) runTick(now time.Time) {
	silence := now.Sub(s.lastData)
	if silence >= s.cfg.DataTimeout() {
		retry := s.cfg.DataTimeoutRetry()
		s.queue.Purge()
		clear(s.pending)
		s.msg(MsgDataTimeout, formatMinutes(retry))
		s.waitFor(ReasonDataTimeout, retry, ReasonDataTimeout)

		return
	}

	if limit, wait := s.cfg.ConnectionTime(); limit > 0 && now.Sub(s.runStart) >= limit {
		s.msg(MsgConnectionShutdown, "")
		s.waitFor(ReasonConnectionShutdown, wait, nil)

		return
	}

	if silence >= dataOpenInterval && now.Sub(s.lastOpen) >= dataOpenInterval {
		s.sendDataOpen(now)
	}
}

// rollMinute closes the statistics minute.
func (s *Session) rollMinute() {
	packets := s.stats.Acc[opstat.Packets].Accum
	missing := s.stats.Acc[opstat.Missing].Accum
	if s.state == StateRun && packets+missing > 0 {
		s.stats.Set(opstat.CommEfficiency, packets*1000/(packets+missing))
	} else {
		s.stats.Set(opstat.CommEfficiency, opstat.InvalidEntry)
	}
	s.stats.RollMinute()
	s.event(StateEvent{Type: EventOpStat})
}
