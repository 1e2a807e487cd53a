// Package timespec parses and evaluates dialplan time specifications of the
// form "times,weekdays,monthdays,months[,timezone]".
package timespec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("invalid time specification")

const minutesPerDay = 24 * 60

var weekdayNames = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

var monthNames = []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}

// Spec is a compiled time specification. Times are kept as one bit per
// minute of the day.
type Spec struct {
	raw       string
	minutes   [minutesPerDay/64 + 1]uint64
	weekdays  uint8
	monthdays uint32
	months    uint16
	loc       *time.Location
}

// Parse compiles a comma-separated specification with 4 or 5 fields.
func Parse(s string) (*Spec, error) {
	fields := strings.Split(s, ",")
	if len(fields) < 4 || len(fields) > 5 {
		return nil, fmt.Errorf("%w: %q: want 4 or 5 fields, got %d", ErrInvalid, s, len(fields))
	}
	return ParseFields(fields)
}

// ParseFields compiles already-split fields. An omitted timezone means
// the check uses the location of the time it is given.
func ParseFields(fields []string) (*Spec, error) {
	if len(fields) < 4 || len(fields) > 5 {
		return nil, fmt.Errorf("%w: want 4 or 5 fields, got %d", ErrInvalid, len(fields))
	}
	sp := &Spec{raw: strings.Join(fields, ",")}

	if err := sp.parseTimes(strings.TrimSpace(fields[0])); err != nil {
		return nil, err
	}
	wd, err := parseNamed(strings.TrimSpace(fields[1]), weekdayNames)
	if err != nil {
		return nil, fmt.Errorf("weekdays: %w", err)
	}
	sp.weekdays = uint8(wd)

	md, err := parseNumeric(strings.TrimSpace(fields[2]), 1, 31)
	if err != nil {
		return nil, fmt.Errorf("monthdays: %w", err)
	}
	sp.monthdays = uint32(md)

	mo, err := parseNamed(strings.TrimSpace(fields[3]), monthNames)
	if err != nil {
		return nil, fmt.Errorf("months: %w", err)
	}
	sp.months = uint16(mo)

	if len(fields) == 5 {
		if tz := strings.TrimSpace(fields[4]); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, tz, err)
			}
			sp.loc = loc
		}
	}
	return sp, nil
}

// String returns the specification as it was parsed.
func (s *Spec) String() string { return s.raw }

// Check reports whether t falls inside the specification.
func (s *Spec) Check(t time.Time) bool {
	if s.loc != nil {
		t = t.In(s.loc)
	}
	if s.months&(1<<uint(t.Month()-1)) == 0 {
		return false
	}
	if s.monthdays&(1<<uint(t.Day()-1)) == 0 {
		return false
	}
	if s.weekdays&(1<<uint(t.Weekday())) == 0 {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	return s.minutes[m/64]&(1<<uint(m%64)) != 0
}

func (s *Spec) setMinute(m int) { s.minutes[m/64] |= 1 << uint(m%64) }

func (s *Spec) parseTimes(field string) error {
	if field == "" || field == "*" {
		for m := 0; m < minutesPerDay; m++ {
			s.setMinute(m)
		}
		return nil
	}
	for _, item := range strings.Split(field, "&") {
		start, end, isRange := strings.Cut(strings.TrimSpace(item), "-")
		from, err := parseHHMM(start)
		if err != nil {
			return err
		}
		to := from
		if isRange {
			if to, err = parseHHMM(end); err != nil {
				return err
			}
		}
		// Ranges are inclusive and may wrap past midnight.
		for m := from; ; m = (m + 1) % minutesPerDay {
			s.setMinute(m)
			if m == to {
				break
			}
		}
	}
	return nil
}

func parseHHMM(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: time %q: want HH:MM", ErrInvalid, s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("%w: hour in %q", ErrInvalid, s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("%w: minute in %q", ErrInvalid, s)
	}
	return hh*60 + mm, nil
}

// parseNamed parses a named field ("mon-fri&sun") into a bitmask where
// bit i corresponds to names[i].
func parseNamed(field string, names []string) (uint64, error) {
	return parseMask(field, len(names), func(v string) (int, error) {
		v = strings.ToLower(strings.TrimSpace(v))
		for i, n := range names {
			if v == n {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: unknown name %q", ErrInvalid, v)
	})
}

// parseNumeric parses a numeric field into a bitmask where bit 0 is lo.
func parseNumeric(field string, lo, hi int) (uint64, error) {
	return parseMask(field, hi-lo+1, func(v string) (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < lo || n > hi {
			return 0, fmt.Errorf("%w: value %q out of range %d-%d", ErrInvalid, v, lo, hi)
		}
		return n - lo, nil
	})
}

func parseMask(field string, width int, index func(string) (int, error)) (uint64, error) {
	if field == "" || field == "*" {
		return (1 << uint(width)) - 1, nil
	}
	var mask uint64
	for _, item := range strings.Split(field, "&") {
		start, end, isRange := strings.Cut(item, "-")
		from, err := index(start)
		if err != nil {
			return 0, err
		}
		to := from
		if isRange {
			if to, err = index(end); err != nil {
				return 0, err
			}
		}
		for i := from; ; i = (i + 1) % width {
			mask |= 1 << uint(i)
			if i == to {
				break
			}
		}
	}
	return mask, nil
}
