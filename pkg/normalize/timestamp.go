package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts seen across backends, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // Swift listings: no zone, UTC implied
	"2006-01-02T15:04:05.999999999Z0700",
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC850,
	time.ANSIC,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds is in the year 5138; 1e11 milliseconds is March 1973.
const epochMillisThreshold = 1e11

// ParseTimestamp converts a backend timestamp into UTC.
//
// Accepted forms: RFC 3339 with or without zone, RFC 1123 (HTTP dates),
// and epoch seconds or milliseconds, integer or fractional. Returns nil
// when the value is empty or unparseable.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if t, ok := parseEpoch(s); ok {
		return &t
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

func parseEpoch(s string) (time.Time, bool) {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return time.Time{}, false
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}

// FormatRFC3339 renders t the way S3 listings do (millisecond precision, Z).
func FormatRFC3339(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatSwift renders t the way Swift listings do (microseconds, no zone).
func FormatSwift(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}

// FormatHTTP renders t as an HTTP date.
func FormatHTTP(t time.Time) string {
	return t.UTC().Format(time.RFC1123)
}
