package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lib/pq"
)

// SeatLabels is a custom type for handling TEXT[] seat label arrays in PostgreSQL
type SeatLabels []string

// Value implements the driver.Valuer interface
func (a SeatLabels) Value() (driver.Value, error) {
	if a == nil {
		return pq.Array([]string{}).Value()
	}
	return pq.Array([]string(a)).Value()
}

// Scan implements the sql.Scanner interface
func (a *SeatLabels) Scan(src interface{}) error {
	if src == nil {
		*a = SeatLabels{}
		return nil
	}
	slice := (*[]string)(a)
	return pq.Array(slice).Scan(src)
}

// Contains reports whether label is in the set
func (a SeatLabels) Contains(label string) bool {
	for _, s := range a {
		if s == label {
			return true
		}
	}
	return false
}

// Union returns a sorted copy of a with every label of other added
func (a SeatLabels) Union(other []string) SeatLabels {
	seen := make(map[string]struct{}, len(a)+len(other))
	out := make(SeatLabels, 0, len(a)+len(other))
	for _, s := range append(append([]string{}, a...), other...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Minus returns a sorted copy of a without the labels in other
func (a SeatLabels) Minus(other []string) SeatLabels {
	drop := make(map[string]struct{}, len(other))
	for _, s := range other {
		drop[s] = struct{}{}
	}
	out := make(SeatLabels, 0, len(a))
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
// Returns JSON as string for compatibility with simple protocol mode
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// PassengerManifest is stored as a JSONB array, one entry per seat
type PassengerManifest []Passenger

// Value implements the driver.Valuer interface
func (m PassengerManifest) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (m *PassengerManifest) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported passenger manifest source type %T", value)
	}
}
