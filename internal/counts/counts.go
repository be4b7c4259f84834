// Package counts defines the vehicle count data model shared by the store,
// the broadcast stream, and the HTTP API, together with the boundary
// validation applied to loosely-typed payloads before they enter the system.
package counts

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxPayloadSize is the byte cap applied to any serialized payload before it
// is persisted or broadcast.
const MaxPayloadSize = 1 << 20 // 1 MiB

// Categories lists the tracked vehicle categories in canonical order. The
// order matches the persisted schema columns and the CSV export header.
var Categories = []string{"cars", "vans", "motors", "buses", "bicycles"}

// DatetimeLayout is the human-readable form stored alongside each record's
// epoch timestamp.
const DatetimeLayout = "2006-01-02 15:04:05.000"

var (
	// ErrInvalid reports a payload that failed schema or bound checking.
	ErrInvalid = errors.New("invalid payload")
	// ErrOversize reports a serialized payload over MaxPayloadSize.
	ErrOversize = errors.New("payload exceeds size limit")
)

// Counts holds one snapshot of the five tracked category counts. All fields
// are non-negative once a payload has passed Validate or Sanitize.
type Counts struct {
	Cars     int `json:"cars"`
	Vans     int `json:"vans"`
	Motors   int `json:"motors"`
	Buses    int `json:"buses"`
	Bicycles int `json:"bicycles"`
}

// ByCategory returns the count for a canonical category name.
func (c Counts) ByCategory(name string) int {
	switch name {
	case "cars":
		return c.Cars
	case "vans":
		return c.Vans
	case "motors":
		return c.Motors
	case "buses":
		return c.Buses
	case "bicycles":
		return c.Bicycles
	}
	return 0
}

// Payload is the boundary representation of an inbound count submission: the
// five category counts plus an optional producer-supplied timestamp.
type Payload struct {
	Counts
	Timestamp    float64
	HasTimestamp bool
}

// Record is one persisted count snapshot. Records are immutable after
// insertion and are removed only by the retention sweep.
type Record struct {
	ID          int64   `json:"id"`
	Timestamp   float64 `json:"timestamp"`
	DatetimeStr string  `json:"datetime_str"`
	Cars        int     `json:"cars"`
	Vans        int     `json:"vans"`
	Motors      int     `json:"motors"`
	Buses       int     `json:"buses"`
	Bicycles    int     `json:"bicycles"`
}

// Counts projects the record's category fields.
func (r Record) Counts() Counts {
	return Counts{
		Cars:     r.Cars,
		Vans:     r.Vans,
		Motors:   r.Motors,
		Buses:    r.Buses,
		Bicycles: r.Bicycles,
	}
}

// FormatTimestamp renders an epoch-seconds timestamp in DatetimeLayout,
// millisecond precision, local time.
func FormatTimestamp(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Format(DatetimeLayout)
}

// intValue reports the integral value of a decoded JSON number. The second
// return is false for non-numeric values and for numbers with a fractional
// part.
func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if math.Trunc(n) != n {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// numeric reports whether v is any decoded JSON number.
func numeric(v interface{}) bool {
	switch n := v.(type) {
	case int, int64, float64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

// Validate checks that raw is a keyed payload carrying exactly the five
// required category counts, each a non-negative integer. An optional numeric
// "timestamp" field is permitted. Any missing field, wrong type, or negative
// value is rejected.
func Validate(raw map[string]interface{}) error {
	if raw == nil {
		return fmt.Errorf("payload is not an object: %w", ErrInvalid)
	}
	for _, name := range Categories {
		v, ok := raw[name]
		if !ok {
			return fmt.Errorf("missing category %q: %w", name, ErrInvalid)
		}
		n, ok := intValue(v)
		if !ok {
			return fmt.Errorf("category %q is not an integer: %w", name, ErrInvalid)
		}
		if n < 0 {
			return fmt.Errorf("category %q is negative (%d): %w", name, n, ErrInvalid)
		}
	}
	if ts, ok := raw["timestamp"]; ok && !numeric(ts) {
		return fmt.Errorf("timestamp is not numeric: %w", ErrInvalid)
	}
	return nil
}

// Sanitize projects raw onto the recognized keys, coercing each value to a
// non-negative integer and discarding everything else. It is the defensive
// step applied before a payload is signed or persisted.
func Sanitize(raw map[string]interface{}) Payload {
	var p Payload
	for _, name := range Categories {
		v, ok := raw[name]
		if !ok {
			continue
		}
		n := coerceNonNegative(v)
		switch name {
		case "cars":
			p.Cars = n
		case "vans":
			p.Vans = n
		case "motors":
			p.Motors = n
		case "buses":
			p.Buses = n
		case "bicycles":
			p.Bicycles = n
		}
	}
	if v, ok := raw["timestamp"]; ok {
		if f, ok := floatValue(v); ok {
			p.Timestamp = f
			p.HasTimestamp = true
		}
	}
	return p
}

func coerceNonNegative(v interface{}) int {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0
		}
		return n
	case int64:
		if n < 0 {
			return 0
		}
		return int(n)
	case float64:
		if n < 0 {
			return 0
		}
		return int(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			if f < 0 {
				return 0
			}
			return int(f)
		}
	}
	return 0
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// CheckSize rejects serialized payloads over MaxPayloadSize.
func CheckSize(b []byte) error {
	if len(b) > MaxPayloadSize {
		return fmt.Errorf("%d bytes: %w", len(b), ErrOversize)
	}
	return nil
}
