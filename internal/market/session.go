package market

import (
	"fmt"
	"time"
)

// Session answers exchange-local time questions: open hours, the entry
// cutoff after which no new positions open, and the hard exit time that
// force-closes everything still open.
type Session struct {
	loc         *time.Location
	open        dayMinute
	close       dayMinute
	entryCutoff dayMinute
	hardExit    dayMinute
}

type dayMinute struct {
	hour, minute int
}

func parseDayMinute(s string) (dayMinute, error) {
	var dm dayMinute
	if _, err := fmt.Sscanf(s, "%d:%d", &dm.hour, &dm.minute); err != nil {
		return dm, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	if dm.hour < 0 || dm.hour > 23 || dm.minute < 0 || dm.minute > 59 {
		return dm, fmt.Errorf("clock time %q out of range", s)
	}
	return dm, nil
}

// NewSession builds a session from an IANA timezone and HH:MM boundaries.
func NewSession(timezone, open, close, entryCutoff, hardExit string) (*Session, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	s := &Session{loc: loc}
	if s.open, err = parseDayMinute(open); err != nil {
		return nil, err
	}
	if s.close, err = parseDayMinute(close); err != nil {
		return nil, err
	}
	if s.entryCutoff, err = parseDayMinute(entryCutoff); err != nil {
		return nil, err
	}
	if s.hardExit, err = parseDayMinute(hardExit); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) at(t time.Time, dm dayMinute) time.Time {
	local := t.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), dm.hour, dm.minute, 0, 0, s.loc)
}

// IsOpen reports whether t falls inside [open, close).
func (s *Session) IsOpen(t time.Time) bool {
	local := t.In(s.loc)
	return !local.Before(s.at(t, s.open)) && local.Before(s.at(t, s.close))
}

// AfterEntryCutoff reports whether new entries are forbidden at t.
func (s *Session) AfterEntryCutoff(t time.Time) bool {
	return !t.In(s.loc).Before(s.at(t, s.entryCutoff))
}

// AfterHardExit reports whether t is at/past the forced-exit time.
func (s *Session) AfterHardExit(t time.Time) bool {
	return !t.In(s.loc).Before(s.at(t, s.hardExit))
}

// AfterClose reports whether the session has ended at t.
func (s *Session) AfterClose(t time.Time) bool {
	return !t.In(s.loc).Before(s.at(t, s.close))
}

// Day is the exchange-local calendar date of t, used for day-flag rollover.
func (s *Session) Day(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}
