package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Payload is an opaque JSON object stored in a JSONB column.
type Payload map[string]any

func (p Payload) Value() (driver.Value, error) { return jsonValue(p) }

func (p *Payload) Scan(src any) error { return jsonScan(src, p) }

// Capabilities is a predicate map (requirements) or an advertised capability
// set (peers). Keys are capability names.
type Capabilities map[string]any

func (c Capabilities) Value() (driver.Value, error) { return jsonValue(c) }

func (c *Capabilities) Scan(src any) error { return jsonScan(src, c) }

// StringMap is a flat string map stored as JSONB.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) { return jsonValue(m) }

func (m *StringMap) Scan(src any) error { return jsonScan(src, m) }

// StringList is an ordered list of strings stored as JSONB.
type StringList []string

func (l StringList) Value() (driver.Value, error) { return jsonValue(l) }

func (l *StringList) Scan(src any) error { return jsonScan(src, l) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func jsonScan(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dest)
	}
}

// SamePayload reports whether two payloads are equal after JSON
// normalization, so a payload read back from the database compares equal to
// the one that was submitted.
func SamePayload(a, b Payload) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
