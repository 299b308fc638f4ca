package opstat

import "time"

// Merge blends statistics restored from a checkpoint written at written with the downtime
// until now.
//
// The restored history is shifted by the elapsed minutes so that the downtime shows up as
// empty slots. It reports false, and returns nil, when nothing usable remains: the
// checkpoint is a day old or more, lies in the future, or the history is shorter than the
// downtime. Restored communication efficiency slots that were not carried over are
// InvalidEntry.
func Merge(saved *Stats, written, now time.Time) (*Stats, bool) {
	if saved == nil {
		return nil, false
	}
	elapsed := now.Sub(written)
	if elapsed < 0 {
		return nil, false
	}
	tdiff := int(elapsed / time.Minute)
	if tdiff >= MinutesPerDay {
		return nil, false
	}

	newTotal := min(MinutesPerDay, int(saved.TotalMinutes)+tdiff)
	useable := newTotal - tdiff
	if useable <= 0 {
		return nil, false
	}

	out := New()
	out.TotalMinutes = int32(newTotal)
	endMinutes := int(saved.StatMinutes) + tdiff
	out.StatMinutes = int32(endMinutes % MinutesPerHour)
	out.StatHours = int32((int(saved.StatHours) + endMinutes/MinutesPerHour) % HoursPerDay)

	uhours := useable / MinutesPerHour
	umins := useable % MinutesPerHour
	if uhours > 0 {
		src := int(saved.StatHours)
		dst := int(out.StatHours)
		for range uhours {
			src = prevSlot(src, HoursPerDay)
			dst = prevSlot(dst, HoursPerDay)
			for t := range out.Acc {
				out.Acc[t].Hours[dst] = saved.Acc[t].Hours[src]
			}
		}
		for t := range out.Acc {
			out.Acc[t].Minutes = saved.Acc[t].Minutes
		}
	} else {
		src := int(saved.StatMinutes)
		dst := int(out.StatMinutes)
		for range umins {
			src = prevSlot(src, MinutesPerHour)
			dst = prevSlot(dst, MinutesPerHour)
			for t := range out.Acc {
				out.Acc[t].Minutes[dst] = saved.Acc[t].Minutes[src]
			}
		}
	}

	// the running minute is only meaningful when no minute boundary passed
	if tdiff == 0 {
		for t := range out.Acc {
			out.Acc[t].Accum = saved.Acc[t].Accum
		}
	}

	return out, true
}

func prevSlot(i, n int) int {
	if i == 0 {
		return n - 1
	}

	return i - 1
}
