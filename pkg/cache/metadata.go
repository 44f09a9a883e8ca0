package cache

import (
	"sort"
	"strconv"
	"strings"
)

// Metadata is a string key/value dictionary attached to cached batches and
// network messages.
type Metadata map[string]string

// Clone returns a copy of m.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Get returns the value for key, or "" if absent.
func (m Metadata) Get(key string) string { return m[key] }

// Set stores value under key and returns m for chaining.
func (m Metadata) Set(key, value string) Metadata {
	m[key] = value
	return m
}

// SetInt stores an integer value.
func (m Metadata) SetInt(key string, v int64) Metadata {
	m[key] = strconv.FormatInt(v, 10)
	return m
}

// SetBool stores a boolean value as "true" or "false".
func (m Metadata) SetBool(key string, v bool) Metadata {
	m[key] = strconv.FormatBool(v)
	return m
}

// Int parses the value for key as an integer.
func (m Metadata) Int(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IntOr returns the integer value for key or def if absent or malformed.
func (m Metadata) IntOr(key string, def int64) int64 {
	if n, ok := m.Int(key); ok {
		return n
	}
	return def
}

// Bool returns true only if the value for key is "true".
func (m Metadata) Bool(key string) bool {
	return m[key] == "true"
}

// String renders the metadata with sorted keys, for logs.
func (m Metadata) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k])
	}
	sb.WriteByte('}')
	return sb.String()
}
