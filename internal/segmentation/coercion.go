package segmentation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

/*
 * Type coercion for rule values and customer attributes.
 *
 * Numbers arrive from JSON as float64, from Postgres JSONB as float64 or
 * json.Number, and from in-process callers as any Go integer type; all are
 * widened to float64. Timestamps accept time.Time or RFC 3339 / date-only
 * strings. Text is lenient (scalars are formatted), booleans are strict.
 *
 * A failed coercion of a customer attribute is treated like absence: the
 * leaf evaluates to false.
 */

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", s)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		// whitespace-only strings are not numbers
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := parseTimestamp(t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func toText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// coerce converts v to the canonical representation of ft: float64 for
// numeric fields, time.Time for timestamps, string, bool, or []any.
func coerce(v any, ft FieldType) (any, bool) {
	switch ft {
	case FieldInteger, FieldDecimal:
		return toNumber(v)
	case FieldTimestamp:
		return toTimestamp(v)
	case FieldString:
		return toText(v)
	case FieldBoolean:
		return toBool(v)
	case FieldList:
		return toList(v)
	default:
		return nil, false
	}
}

// compareTyped performs a three-way comparison of two canonical values of
// type ft. ok is false when the values cannot be ordered (booleans only
// support equality and report 0 or 1).
func compareTyped(ft FieldType, a, b any) (int, bool) {
	switch ft {
	case FieldInteger, FieldDecimal:
		x, ok1 := a.(float64)
		y, ok2 := b.(float64)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case FieldTimestamp:
		x, ok1 := a.(time.Time)
		y, ok2 := b.(time.Time)
		if !ok1 || !ok2 {
			return 0, false
		}
		return x.Compare(y), true
	case FieldString:
		x, ok1 := a.(string)
		y, ok2 := b.(string)
		if !ok1 || !ok2 {
			return 0, false
		}
		return strings.Compare(x, y), true
	case FieldBoolean:
		x, ok1 := a.(bool)
		y, ok2 := b.(bool)
		if !ok1 || !ok2 {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}
