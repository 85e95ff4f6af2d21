// Package logstore reads raw behavior events from the log query service.
package logstore

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Querier runs a time-ranged query against the log store. The window bounds
// are bound as the first two positional parameters, followed by args. Rows
// come back in no particular order; an empty window yields no rows and no error.
type Querier interface {
	Query(ctx context.Context, from, to time.Time, query string, args ...any) ([]Row, error)
}

// Row is one loosely typed record.
type Row map[string]any

// String returns the value at key rendered as a trimmed string, "" when absent.
func (r Row) String(key string) string {
	switch v := deref(r[key]).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Time returns the value at key as a UTC time. Accepts time values, unix
// seconds (integer, float or numeric string) and common textual layouts.
func (r Row) Time(key string) (time.Time, bool) {
	switch v := deref(r[key]).(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC(), true
	case int64:
		return unix(v)
	case int:
		return unix(int64(v))
	case int32:
		return unix(int64(v))
	case uint32:
		return unix(int64(v))
	case uint64:
		return unix(int64(v))
	case float64:
		return unix(int64(v))
	case string:
		return parseTime(strings.TrimSpace(v))
	case []byte:
		return parseTime(strings.TrimSpace(string(v)))
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unix(n)
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func unix(sec int64) (time.Time, bool) {
	if sec <= 0 {
		return time.Time{}, false
	}
	// Millisecond timestamps
	if sec > 1e12 {
		return time.UnixMilli(sec).UTC(), true
	}
	return time.Unix(sec, 0).UTC(), true
}

func deref(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
