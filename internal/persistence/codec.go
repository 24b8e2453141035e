package persistence

import (
	"encoding/json"
	"fmt"
	"time"
)

// encodeJSON serializes v into a TEXT column value. nil maps and slices are
// stored as "" so reads can tell "never set" from "empty".
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

// decodeJSON decodes a TEXT column produced by encodeJSON into T. An empty
// column yields the zero value.
func decodeJSON[T any](data string) (T, error) {
	var out T
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

func encodeContext(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	return encodeJSON(m)
}

func decodeContext(data string) (map[string]string, error) {
	m, err := decodeJSON[map[string]string](data)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
