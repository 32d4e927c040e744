package domain

import (
	"strconv"
	"time"
)

// Metadata is the open-ended key/value bag stored with jobs and alerts.
type Metadata map[string]any

// Clone returns a shallow copy that is safe to mutate.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func (m Metadata) Bool(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time reads an RFC3339 timestamp, returning the zero time when absent.
func (m Metadata) Time(key string) time.Time {
	raw := m.String(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// PowerState is the live state of a backend instance.
type PowerState string

const (
	PowerRunning     PowerState = "running"
	PowerStopped     PowerState = "stopped"
	PowerDeallocated PowerState = "deallocated"
	PowerNotFound    PowerState = "not_found"
	PowerUnknown     PowerState = "unknown"
	PowerError       PowerState = "error"
)

// Present reports whether an instance exists but is not running.
func (p PowerState) Present() bool {
	return p == PowerStopped || p == PowerDeallocated
}
