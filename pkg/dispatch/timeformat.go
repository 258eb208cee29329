package dispatch

import (
	"fmt"
	"time"
)

// TimeFormat selects one of the six tcpdump -t* timestamp render modes
// (spec.md §4.5 "Time format states"). The mode is fixed at session start.
type TimeFormat int

const (
	TimeAbsoluteLocal TimeFormat = iota // default: HH:MM:SS.ffffff
	TimeNone                            // -t: no timestamp at all
	TimeAbsoluteSeconds                 // -tt: seconds.micro since epoch
	TimeDeltaFromPrev                   // -ttt: delta from previous packet
	TimeAbsoluteWithDate                // -tttt: date + HH:MM:SS.ffffff
	TimeDeltaFromFirst                  // -ttttt: delta from the first packet
)

// clock tracks the first- and previous-packet timestamps a Dispatcher needs
// to render delta modes. It is reset whenever a new capture session starts
// (not per packet).
type clock struct {
	haveFirst bool
	first     time.Time
	prev      time.Time
}

func (c *clock) render(mode TimeFormat, ts time.Time) string {
	switch mode {
	case TimeNone:
		return ""
	case TimeAbsoluteSeconds:
		s := ts.Unix()
		us := ts.Nanosecond() / 1000
		return fmt.Sprintf("%d.%06d", s, us)
	case TimeAbsoluteWithDate:
		return ts.Format("2006-01-02 15:04:05.000000")
	case TimeDeltaFromPrev:
		var d time.Duration
		if c.haveFirst {
			d = ts.Sub(c.prev)
		}
		c.mark(ts)
		return formatDelta(d)
	case TimeDeltaFromFirst:
		if !c.haveFirst {
			c.mark(ts)
			return formatDelta(0)
		}
		d := ts.Sub(c.first)
		c.mark(ts)
		return formatDelta(d)
	case TimeAbsoluteLocal:
		fallthrough
	default:
		return ts.Format("15:04:05.000000")
	}
}

func (c *clock) mark(ts time.Time) {
	if !c.haveFirst {
		c.first = ts
		c.haveFirst = true
	}
	c.prev = ts
}

// formatDelta never produces a negative string — spec.md §8 property 5
// requires every delta-from-first render to be non-negative, and the first
// packet's delta to be exactly 0.
func formatDelta(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d.%06d", int64(d/time.Second), int64(d%time.Second)/1000)
}
