package node

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed five-field cron expression: minute, hour,
// day-of-month, month, day-of-week. Day-of-month and day-of-week combine
// with the classical cron rule: if both are wildcards, any day matches; if
// exactly one is a wildcard, only the other constrains; if neither is a
// wildcard, a day matching either one is accepted.
type cronSchedule struct {
	minute  fieldSet
	hour    fieldSet
	dom     fieldSet
	month   fieldSet
	dow     fieldSet
	domWild bool
	dowWild bool
}

// fieldSet is the set of values a single cron field may hold.
type fieldSet map[int]struct{}

// scanHorizon bounds how far forward nextAfter will search before giving
// up, roughly two years of minutes, so an impossible expression such as
// "0 0 31 2 *" (February 31st) fails instead of spinning forever.
const scanHorizon = 2 * 366 * 24 * 60

// parseCron parses a five-field cron string. It rejects strings without
// exactly five fields and any field with an out-of-range or non-increasing
// range.
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	minute, _, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute field: %w", err)
	}
	hour, _, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour field: %w", err)
	}
	dom, domWild, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	month, _, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month field: %w", err)
	}
	dow, dowWild, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week field: %w", err)
	}
	// 0 and 7 both mean Sunday.
	if _, ok := dow[7]; ok {
		dow[0] = struct{}{}
		delete(dow, 7)
	}

	return &cronSchedule{
		minute:  minute,
		hour:    hour,
		dom:     dom,
		month:   month,
		dow:     dow,
		domWild: domWild,
		dowWild: dowWild,
	}, nil
}

func parseField(raw string, lo, hi int) (fieldSet, bool, error) {
	set := make(fieldSet)
	isWild := raw == "*"

	for _, part := range strings.Split(raw, ",") {
		if err := parsePart(part, lo, hi, set); err != nil {
			return nil, false, err
		}
	}
	if len(set) == 0 {
		return nil, false, fmt.Errorf("empty field %q", raw)
	}
	return set, isWild, nil
}

func parsePart(part string, lo, hi int, set fieldSet) error {
	step := 1
	hasStep := false
	body := part
	if i := strings.IndexByte(part, '/'); i >= 0 {
		body = part[:i]
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = n
		hasStep = true
	}

	var start, end int
	switch {
	case body == "*":
		start, end = lo, hi
	case strings.Contains(body, "-"):
		bounds := strings.SplitN(body, "-", 2)
		a, err := strconv.Atoi(bounds[0])
		if err != nil {
			return fmt.Errorf("invalid range start in %q", part)
		}
		b, err := strconv.Atoi(bounds[1])
		if err != nil {
			return fmt.Errorf("invalid range end in %q", part)
		}
		if a > b {
			return fmt.Errorf("non-increasing range %q", part)
		}
		start, end = a, b
	default:
		v, err := strconv.Atoi(body)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		start, end = v, v
		if hasStep {
			// "value/n" runs from value to the field maximum.
			end = hi
		}
	}

	if start < lo || end > hi {
		return fmt.Errorf("value out of range [%d,%d] in %q", lo, hi, part)
	}

	for v := start; v <= end; v += step {
		set[v] = struct{}{}
	}
	return nil
}

func (s *cronSchedule) matches(t time.Time) bool {
	if _, ok := s.minute[t.Minute()]; !ok {
		return false
	}
	if _, ok := s.hour[t.Hour()]; !ok {
		return false
	}
	if _, ok := s.month[int(t.Month())]; !ok {
		return false
	}

	_, domOK := s.dom[t.Day()]
	_, dowOK := s.dow[int(t.Weekday())]

	switch {
	case s.domWild && s.dowWild:
		return true
	case s.domWild && !s.dowWild:
		return dowOK
	case !s.domWild && s.dowWild:
		return domOK
	default:
		return domOK || dowOK
	}
}

// nextAfter returns the earliest minute-aligned instant strictly after from
// (in loc) that matches the schedule, scanning at most scanHorizon minutes
// forward.
func (s *cronSchedule) nextAfter(from time.Time, loc *time.Location) (time.Time, error) {
	t := from.In(loc).Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < scanHorizon; i++ {
		if s.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron: no matching time found within scan horizon")
}
