package tpmlog

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrParseFallback marks a line where some fields could not be extracted
// and defaults were used. The entry is still usable.
var ErrParseFallback = errors.New("parse fallback")

var (
	canIDPattern     = regexp.MustCompile(`CAN ID: (.+?) .`)
	messagePattern   = regexp.MustCompile(`(.+?) CAN`)
	timestampPattern = regexp.MustCompile(`Timestamp: (.+?) .`)
)

// FallbackError lists the fields that fell back to defaults.
type FallbackError struct {
	Fields []string
}

func (e *FallbackError) Error() string {
	return "parse fallback: " + strings.Join(e.Fields, ", ")
}

func (e *FallbackError) Is(target error) bool { return target == ErrParseFallback }

// Parser extracts LogEntry fields from bus message lines of the form
// "<message> CAN ID: <id> . Timestamp: <seconds> .".
type Parser struct {
	// Now supplies the default timestamp. Nil means time.Now.
	Now func() time.Time
}

// Parse never fails outright. A non-nil error is a *FallbackError naming the
// defaulted fields; the returned entry is valid either way.
func (p Parser) Parse(line string) (LogEntry, error) {
	text := Printable(line)
	entry := LogEntry{Count: 1}
	var missing []string

	if m := canIDPattern.FindStringSubmatch(text); m != nil {
		if id, err := strconv.Atoi(strings.TrimSpace(m[1])); err == nil {
			entry.CanID = &id
		}
	}
	if entry.CanID == nil {
		missing = append(missing, "CanId")
	}

	if m := messagePattern.FindStringSubmatch(text); m != nil {
		entry.Message = m[1]
	} else {
		missing = append(missing, "Message")
	}

	ts, ok := 0.0, false
	if m := timestampPattern.FindStringSubmatch(text); m != nil {
		ts, ok = parseSeconds(m[1])
	}
	if !ok {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		ts = unixSeconds(now())
		missing = append(missing, "Timestamp")
	}
	entry.Timestamp = ts

	if len(missing) > 0 {
		return entry, &FallbackError{Fields: missing}
	}
	return entry, nil
}

func parseSeconds(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Printable drops every rune outside printable ASCII and ASCII whitespace.
func Printable(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x20 && r <= 0x7e:
			return r
		case r == '\t', r == '\n', r == '\r', r == '\v', r == '\f':
			return r
		default:
			return -1
		}
	}, s)
}
