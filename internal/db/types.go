package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// StringSet is a set of strings persisted as a JSON array in a text column.
// Used for robot capabilities, tags, and job capability requirements.
// Membership order is not significant; Value serializes in sorted order so
// that identical sets always produce identical column values.
type StringSet []string

// Scan implements sql.Scanner.
func (s *StringSet) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into StringSet", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Value implements driver.Valuer.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	cp := make([]string, len(s))
	copy(cp, s)
	sort.Strings(cp)
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Contains reports whether v is a member of the set.
func (s StringSet) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every element of required is a member of the
// set. This is the capability subset test used by the router: a robot is
// eligible for a job iff required ⊆ robot capabilities.
func (s StringSet) ContainsAll(required StringSet) bool {
	for _, r := range required {
		if !s.Contains(r) {
			return false
		}
	}
	return true
}

// Add returns a set containing v, without duplicating existing members.
func (s StringSet) Add(v string) StringSet {
	if s.Contains(v) {
		return s
	}
	return append(s, v)
}

// Remove returns a set without v.
func (s StringSet) Remove(v string) StringSet {
	out := s[:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// JSONMap is a string-keyed map persisted as a JSON object in a text column.
// Used for job inputs, robot metrics snapshots, history event data, and
// robot log extras. Values round-trip through encoding/json, so numbers come
// back as float64.
type JSONMap map[string]any

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into JSONMap", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
