package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrFormat is the class of every malformed-payload error.
var ErrFormat = errors.New("format error")

// FormatError reports a malformed wire record. It is fatal to the request only.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Field == "" {
		return "format error: " + e.Reason
	}
	return fmt.Sprintf("format error: %s: %s", e.Field, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// Record is one wire object as decoded from JSON (or about to be encoded).
type Record map[string]any

// Canonical returns a copy of r with every known alias renamed to camelCase.
// Unknown keys and the same field given in both conventions are rejected.
// Nested values are left untouched.
func Canonical(r Record) (Record, error) {
	out := make(Record, len(r))
	for k, v := range r {
		c, ok := canonical[k]
		if !ok {
			return nil, &FormatError{Field: k, Reason: "unknown field"}
		}
		if _, dup := out[c]; dup {
			return nil, &FormatError{Field: c, Reason: "field given in both conventions"}
		}
		out[c] = v
	}
	return out, nil
}

// Rename returns a copy of r with known keys renamed to conv, recursively
// through nested records, maps and slices. Unknown keys are kept as they are.
func Rename(r Record, conv Convention) Record {
	out := make(Record, len(r))
	for k, v := range r {
		name := k
		if c, ok := canonical[k]; ok {
			name = Name(c, conv)
		}
		out[name] = renameValue(v, conv)
	}
	return out
}

func renameValue(v any, conv Convention) any {
	switch x := v.(type) {
	case Record:
		return Rename(x, conv)
	case map[string]any:
		return Rename(Record(x), conv)
	case []Record:
		out := make([]Record, len(x))
		for i := range x {
			out[i] = Rename(x[i], conv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = renameValue(x[i], conv)
		}
		return out
	default:
		return v
	}
}

// Getters operate on canonical (camelCase) records.

func getString(r Record, key string, required bool) (string, error) {
	v, ok := r[key]
	if !ok || v == nil {
		if required {
			return "", &FormatError{Field: key, Reason: "missing required field"}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &FormatError{Field: key, Reason: "expected string"}
	}
	return s, nil
}

func getInt64(r Record, key string, required bool) (int64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		if required {
			return 0, &FormatError{Field: key, Reason: "missing required field"}
		}
		return 0, nil
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, &FormatError{Field: key, Reason: "expected integer"}
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, &FormatError{Field: key, Reason: "expected integer"}
		}
		return i, nil
	case string:
		// Query strings carry numbers as text.
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, &FormatError{Field: key, Reason: "expected integer"}
		}
		return i, nil
	default:
		return 0, &FormatError{Field: key, Reason: "expected integer"}
	}
}

func getBool(r Record, key string) (bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		p, err := strconv.ParseBool(b)
		if err != nil {
			return false, &FormatError{Field: key, Reason: "expected boolean"}
		}
		return p, nil
	default:
		return false, &FormatError{Field: key, Reason: "expected boolean"}
	}
}

func getTime(r Record, key string, required bool) (*time.Time, error) {
	v, ok := r[key]
	if !ok || v == nil {
		if required {
			return nil, &FormatError{Field: key, Reason: "missing required field"}
		}
		return nil, nil
	}
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case string:
		p, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, &FormatError{Field: key, Reason: "expected RFC 3339 timestamp"}
		}
		t = p
	default:
		return nil, &FormatError{Field: key, Reason: "expected RFC 3339 timestamp"}
	}
	t = t.UTC()
	return &t, nil
}

// String reads an optional string field from a canonical record.
func String(r Record, key string) (string, error) { return getString(r, key, false) }

// RequiredString reads a required string field from a canonical record.
func RequiredString(r Record, key string) (string, error) { return getString(r, key, true) }

// Int64 reads an optional integer field from a canonical record.
func Int64(r Record, key string) (int64, error) { return getInt64(r, key, false) }

// RequiredInt64 reads a required integer field from a canonical record.
func RequiredInt64(r Record, key string) (int64, error) { return getInt64(r, key, true) }

// Bool reads an optional boolean field from a canonical record.
func Bool(r Record, key string) (bool, error) { return getBool(r, key) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
