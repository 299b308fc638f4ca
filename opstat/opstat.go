// Package opstat keeps the operational statistics of a station session.
//
// Each statistic (AccType) has an accumulator for the running minute, a ring of the last
// 60 minutes and a ring of the last 24 hours. The session adds counts as events happen and
// rolls the minute once every 60 seconds. Totals summarises the last minute, hour and day.
//
// Stats have a fixed binary layout so that the continuity layer can persist them, and
// Merge blends a restored copy with the downtime that passed since it was written.
package opstat

import (
	"fmt"
	"math"
)

// AccType identifies one statistic.
type AccType uint8

const (
	Gaps AccType = iota
	Boots
	Read
	Write
	CommAttempts
	CommSuccess
	Packets
	CommEfficiency
	POCs
	NewIP
	Duty
	Throughput
	Missing
	Fill
	CmdTimeouts
	SeqErrors
	Checksum
	IOErrors

	// NumAccTypes is the number of statistics.
	NumAccTypes = int(IOErrors) + 1
)

var accTypeNames = [NumAccTypes]string{
	"gaps", "boots", "read", "write", "comm_attempts", "comm_success", "packets",
	"comm_efficiency", "pocs", "new_ip", "duty", "throughput", "missing", "fill",
	"cmd_timeouts", "seq_errors", "checksum", "io_errors",
}

func (t AccType) String() string {
	if int(t) < NumAccTypes {
		return accTypeNames[t]
	}

	return fmt.Sprintf("acctype(%d)", uint8(t))
}

const (
	// InvalidEntry marks a slot without data.
	InvalidEntry int32 = -1
	// MinutesPerHour is the size of the minute ring.
	MinutesPerHour = 60
	// HoursPerDay is the size of the hour ring.
	HoursPerDay = 24
	// MinutesPerDay bounds the history kept.
	MinutesPerDay = MinutesPerHour * HoursPerDay
)

// Accumulator holds one statistic.
type Accumulator struct {
	Accum   int32
	Minutes [MinutesPerHour]int32
	Hours   [HoursPerDay]int32
}

// Stats holds all statistics of a session. The zero value is not ready for use, see New.
type Stats struct {
	Acc [NumAccTypes]Accumulator
	// StatMinutes is the minute slot being accumulated.
	StatMinutes int32
	// StatHours is the hour slot being accumulated.
	StatHours int32
	// TotalMinutes counts the rolled minutes, up to one day.
	TotalMinutes int32
}

// Totals is the summary of one statistic.
type Totals struct {
	Minute int32
	Hour   int32
	Day    int32
}

// New returns empty statistics.
func New() *Stats {
	s := &Stats{}
	s.invalidateCommEfficiency()

	return s
}

func (s *Stats) invalidateCommEfficiency() {
	acc := &s.Acc[CommEfficiency]
	for i := range acc.Minutes {
		acc.Minutes[i] = InvalidEntry
	}
	for i := range acc.Hours {
		acc.Hours[i] = InvalidEntry
	}
}

// Clone returns a deep copy of s.
func (s *Stats) Clone() *Stats {
	c := *s
	return &c
}

// Add adds n to the running minute of t.
func (s *Stats) Add(t AccType, n int32) {
	if int(t) < NumAccTypes {
		s.Acc[t].Accum += n
	}
}

// Set replaces the running minute of t. It is used for values measured rather than
// counted, such as the communication efficiency in tenths of a percent.
func (s *Stats) Set(t AccType, v int32) {
	if int(t) < NumAccTypes {
		s.Acc[t].Accum = v
	}
}

// RollMinute stores the running minutes into their slot and starts a new minute. At the
// end of an hour the minutes are folded into the hour slot.
func (s *Stats) RollMinute() {
	last := s.StatMinutes
	s.StatMinutes = (s.StatMinutes + 1) % MinutesPerHour
	newHour := s.StatMinutes == 0

	for t := range s.Acc {
		acc := &s.Acc[t]
		acc.Minutes[last] = acc.Accum
		acc.Accum = 0
		if newHour {
			acc.Hours[s.StatHours] = hourTotal(AccType(t), acc.Minutes[:])
		}
	}

	if newHour {
		s.StatHours = (s.StatHours + 1) % HoursPerDay
		for t := range s.Acc {
			s.Acc[t].Hours[s.StatHours] = 0
		}
		s.Acc[CommEfficiency].Hours[s.StatHours] = InvalidEntry
	}
	if s.TotalMinutes < MinutesPerDay {
		s.TotalMinutes++
	}
}

// hourTotal folds a minute ring. Communication efficiency is an average that skips
// invalid minutes, extrapolated to a full hour.
func hourTotal(t AccType, minutes []int32) int32 {
	var total int64
	if t != CommEfficiency {
		for _, v := range minutes {
			total += int64(v)
		}

		return int32(total)
	}

	valid := 0
	for _, v := range minutes {
		if v != InvalidEntry {
			valid++
			total += int64(v)
		}
	}
	if valid == 0 {
		return InvalidEntry
	}

	return int32(math.Round(float64(total) / (float64(valid) / MinutesPerHour)))
}

// Totals returns the last minute, the last hour and the last day of t, scaled to the
// unit of the statistic. Periods without data are InvalidEntry.
func (s *Stats) Totals(t AccType) Totals {
	if int(t) >= NumAccTypes {
		return Totals{InvalidEntry, InvalidEntry, InvalidEntry}
	}
	acc := &s.Acc[t]
	res := Totals{Minute: InvalidEntry, Hour: InvalidEntry, Day: InvalidEntry}

	if s.TotalMinutes >= 1 {
		last := (s.StatMinutes + MinutesPerHour - 1) % MinutesPerHour
		res.Minute = scale(t, int64(acc.Minutes[last]), 60)
	}

	minutes := min(int(s.TotalMinutes), MinutesPerHour)
	if minutes > 0 {
		total, valid := sumSlots(t, acc.Minutes[:minutes])
		if t == CommEfficiency {
			if valid > 0 {
				res.Hour = int32(total / int64(valid))
			}
		} else {
			res.Hour = scale(t, total, 60*int64(minutes))
		}
	}

	hours := min(int(s.TotalMinutes)/MinutesPerHour, HoursPerDay)
	if hours > 0 {
		total, valid := sumSlots(t, acc.Hours[:hours])
		if t == CommEfficiency {
			if valid > 0 {
				res.Day = int32(total / (60 * int64(valid)))
			}
		} else {
			res.Day = scale(t, total, 3600*int64(hours))
		}
	}

	return res
}

// Summary returns the totals of every statistic.
func (s *Stats) Summary() [NumAccTypes]Totals {
	var out [NumAccTypes]Totals
	for t := range out {
		out[t] = s.Totals(AccType(t))
	}

	return out
}

func sumSlots(t AccType, slots []int32) (int64, int) {
	var total int64
	valid := 0
	for _, v := range slots {
		if t == CommEfficiency && v == InvalidEntry {
			continue
		}
		valid++
		total += int64(v)
	}

	return total, valid
}

// scale converts a total over secs seconds into the unit of t: rates per second for
// byte counters, permille for duty and hundredths for throughput. Plain counters are
// returned unscaled.
func scale(t AccType, total, secs int64) int32 {
	switch t {
	case Read, Write:
		return int32(total / secs)
	case Duty:
		return int32(total * 1000 / secs)
	case Throughput:
		return int32(total * 100 / secs)
	default:
		return int32(total)
	}
}
