package service

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ignatij/leaseflow/pkg/models"
	"github.com/samber/lo"
)

// payload keys that imply a capability requirement, mapped to the
// capability name peers advertise
var (
	boolRequirementKeys = map[string]string{
		"requires_gpu": "gpu",
		"gpu":          "gpu",
	}
	minimumRequirementKeys = map[string]string{
		"min_memory_gb": "memory_gb",
		"min_cpu_cores": "cpu_cores",
		"min_vram_gb":   "vram_gb",
	}
	listRequirementKeys = map[string]string{
		"required_models": "models",
		"models":          "models",
	}
)

// DeriveRequirements builds a capability predicate from well-known payload
// fields. Unknown fields are ignored.
func DeriveRequirements(payload models.Payload) models.Capabilities {
	required := models.Capabilities{}
	for key, value := range payload {
		if name, ok := boolRequirementKeys[key]; ok {
			if b, ok := value.(bool); ok && b {
				required[name] = true
			}
			continue
		}
		if name, ok := minimumRequirementKeys[key]; ok {
			if _, ok := toFloat(value); ok {
				required[name] = value
			}
			continue
		}
		if name, ok := listRequirementKeys[key]; ok {
			if list, ok := toStringList(value); ok && len(list) > 0 {
				required[name] = list
			}
		}
	}
	return required
}

// Satisfies reports whether advertised capabilities meet every requirement.
// Booleans must match exactly, numbers must reach the required minimum,
// lists must be a superset, and anything else must be deeply equal.
func Satisfies(advertised, required models.Capabilities) bool {
	for name, want := range required {
		have, ok := advertised[name]
		if !ok {
			return false
		}
		if !satisfiesOne(have, want) {
			return false
		}
	}
	return true
}

func satisfiesOne(have, want interface{}) bool {
	if wantBool, ok := want.(bool); ok {
		haveBool, ok := have.(bool)
		return ok && haveBool == wantBool
	}
	if wantNum, ok := toFloat(want); ok {
		haveNum, ok := toFloat(have)
		return ok && haveNum >= wantNum
	}
	if wantList, ok := toStringList(want); ok {
		haveList, ok := toStringList(have)
		return ok && lo.Every(haveList, wantList)
	}
	return reflect.DeepEqual(have, want)
}

// SelectPeer returns the first peer, in input order, that satisfies required.
func SelectPeer(peers []PeerInfo, required models.Capabilities) (PeerInfo, bool) {
	return lo.Find(peers, func(p PeerInfo) bool {
		return p.PeerID != "" && Satisfies(p.Capabilities, required)
	})
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStringList(v interface{}) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []interface{}:
		return lo.Map(l, func(item interface{}, _ int) string {
			if s, ok := item.(string); ok {
				return s
			}
			return fmt.Sprint(item)
		}), true
	}
	return nil, false
}
