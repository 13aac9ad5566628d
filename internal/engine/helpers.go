package engine

import (
	"fmt"
	"time"

	"ml-trading-bot/internal/tradelog"
)

// sessionWindow is the IST trading session on weekdays. A window that is
// not enforced allows everything.
type sessionWindow struct {
	enforce  bool
	from, to int // minutes after midnight
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func newSessionWindow(enforce bool, from, to string) (sessionWindow, error) {
	if !enforce {
		return sessionWindow{}, nil
	}
	o, err := parseClock(from)
	if err != nil {
		return sessionWindow{}, err
	}
	c, err := parseClock(to)
	if err != nil {
		return sessionWindow{}, err
	}
	return sessionWindow{enforce: true, from: o, to: c}, nil
}

func (w sessionWindow) allows(t time.Time) bool {
	if !w.enforce {
		return true
	}
	ist := t.In(tradelog.IST)
	if wd := ist.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	m := ist.Hour()*60 + ist.Minute()
	return m >= w.from && m < w.to
}

func dayKey(t time.Time) string {
	return t.In(tradelog.IST).Format("2006-01-02")
}
