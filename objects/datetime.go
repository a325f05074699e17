package objects

import (
	"fmt"
	"strings"
	"time"
)

// DateTimeKind distinguishes the three ways a .NET DateTime can be
// serialized: with no timezone information at all (Unspecified), tagged as
// UTC ("Z" suffix), or tagged with a specific UTC offset (Local). Go's
// time.Time cannot represent this distinction on its own — a zero-offset
// time.Time is ambiguous between Unspecified and UTC — so DateTime carries
// the Kind explicitly alongside the instant.
type DateTimeKind int

const (
	// DateTimeUnspecified carries no timezone information; it round-trips
	// with neither a "Z" suffix nor an offset.
	DateTimeUnspecified DateTimeKind = iota
	// DateTimeUTC round-trips with a "Z" suffix.
	DateTimeUTC
	// DateTimeLocal round-trips with an explicit "+HH:MM"/"-HH:MM" offset.
	DateTimeLocal
)

// DateTime is a PSRP DateTime value: an instant plus the Kind under which it
// was (or will be) serialized. For DateTimeLocal, Offset is the UTC offset
// that was present on the wire and must be preserved verbatim, independent
// of the process's own local timezone.
type DateTime struct {
	Time   time.Time
	Kind   DateTimeKind
	Offset time.Duration
}

// NewUnspecifiedDateTime builds a DateTime with no timezone information.
func NewUnspecifiedDateTime(t time.Time) DateTime {
	return DateTime{Time: t, Kind: DateTimeUnspecified}
}

// NewUTCDateTime builds a DateTime tagged as UTC.
func NewUTCDateTime(t time.Time) DateTime {
	return DateTime{Time: t.UTC(), Kind: DateTimeUTC}
}

// NewLocalDateTime builds a DateTime tagged with an explicit UTC offset.
func NewLocalDateTime(t time.Time, offset time.Duration) DateTime {
	return DateTime{Time: t, Kind: DateTimeLocal, Offset: offset}
}

// cliXMLDateTimeLayout matches .NET's round-trip DateTime format: a
// 100-nanosecond-tick fraction (7 digits), instant of the timezone suffix.
const cliXMLDateTimeLayout = "2006-01-02T15:04:05.9999999"

// String renders the DateTime the way CLIXML's <DT> element body does.
func (dt DateTime) String() string {
	base := dt.Time.Format(cliXMLDateTimeLayout)
	if !strings.Contains(base, ".") {
		base += ".0000000"
	}
	switch dt.Kind {
	case DateTimeUTC:
		return base + "Z"
	case DateTimeLocal:
		return base + formatOffset(dt.Offset)
	default:
		return base
	}
}

func formatOffset(d time.Duration) string {
	sign := "+"
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%s%02d:%02d", sign, h, m)
}

// ParseDateTime parses a CLIXML <DT> element body, recovering the exact Kind
// (Unspecified, UTC, or Local+offset) that was on the wire.
func ParseDateTime(s string) (DateTime, error) {
	switch {
	case strings.HasSuffix(s, "Z"):
		t, err := time.Parse(cliXMLDateTimeLayout+"Z", s)
		if err != nil {
			return DateTime{}, fmt.Errorf("parse UTC datetime %q: %w", s, err)
		}
		return NewUTCDateTime(t), nil

	case hasOffsetSuffix(s):
		t, err := time.Parse(cliXMLDateTimeLayout+"Z07:00", s)
		if err != nil {
			return DateTime{}, fmt.Errorf("parse local datetime %q: %w", s, err)
		}
		_, offsetSecs := t.Zone()
		return NewLocalDateTime(t, time.Duration(offsetSecs)*time.Second), nil

	default:
		t, err := time.Parse(cliXMLDateTimeLayout, s)
		if err != nil {
			return DateTime{}, fmt.Errorf("parse unspecified datetime %q: %w", s, err)
		}
		return NewUnspecifiedDateTime(t), nil
	}
}

// hasOffsetSuffix reports whether s ends in a "+HH:MM" or "-HH:MM" offset,
// as opposed to carrying no timezone marker at all.
func hasOffsetSuffix(s string) bool {
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	if tail[0] != '+' && tail[0] != '-' {
		return false
	}
	if tail[3] != ':' {
		return false
	}
	for i, c := range tail {
		if i == 0 || i == 3 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
