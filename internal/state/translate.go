package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-hubsync/internal/mapping"
)

type valueKind int

const (
	kindAny valueKind = iota
	kindBool
	kindNumber
	kindMode
)

// keyKinds constrains the value type of semantic keys. Keys not listed are
// passed through unchanged.
var keyKinds = map[string]valueKind{
	mapping.KeyOn:           kindBool,
	mapping.KeyPressed:      kindBool,
	mapping.KeyRinging:      kindBool,
	mapping.KeyAvailability: kindBool,
	"open":                  kindBool,
	"motion":                kindBool,
	"moving":                kindBool,

	mapping.KeyBrightness:  kindNumber,
	mapping.KeyPosition:    kindNumber,
	mapping.KeyCurrentTemp: kindNumber,
	mapping.KeyTarget:      kindNumber,
	mapping.KeyHeatMin:     kindNumber,
	mapping.KeyHeatMax:     kindNumber,
	mapping.KeyCoolMin:     kindNumber,
	mapping.KeyCoolMax:     kindNumber,
	mapping.KeyHumidity:    kindNumber,
	mapping.KeyBattery:     kindNumber,
	mapping.KeyPowerPhase1: kindNumber,
	mapping.KeyPowerPhase2: kindNumber,
	mapping.KeyPowerPhase3: kindNumber,
	mapping.KeyEnergyTotal: kindNumber,
	"color_temp":           kindNumber,
	"tilt":                 kindNumber,

	mapping.KeyHVACMode: kindMode,
}

// HVAC modes after normalisation.
const (
	ModeHeat = "heat"
	ModeCool = "cool"
	ModeAuto = "auto"
	ModeOff  = "off"
)

// Translate maps raw hub properties of one device to semantic fields and
// computes derived fields. base is the current record for incremental
// updates and nil for a full poll; derived fields are computed over base
// overlaid with the translated properties. Unknown raw properties are ignored.
func Translate(category string, raw map[string]any, base *Record) (map[string]any, error) {
	table, ok := mapping.Lookup(category)
	if !ok {
		return nil, fmt.Errorf("%w: unknown category %q", ErrConversion, category)
	}

	patch := make(map[string]any, len(raw))
	for prop, value := range raw {
		key, ok := table.SemanticKey(prop)
		if !ok {
			continue
		}
		v, err := convert(key, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrConversion, category, prop, err)
		}
		patch[key] = v
	}

	derive(category, patch, base)
	return patch, nil
}

func convert(key string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch keyKinds[key] {
	case kindBool:
		return toBool(value)
	case kindNumber:
		return toFloat(value)
	case kindMode:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("mode %v is not a string", value)
		}
		return normaliseMode(s), nil
	default:
		return value, nil
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed, nil
		}
	}
	return false, fmt.Errorf("value %v (%T) is not a boolean", v, v)
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("value %v (%T) is not a number", v, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not finite", f)
	}
	return f, nil
}

func normaliseMode(s string) string {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "heating":
		return ModeHeat
	case "cooling":
		return ModeCool
	case "heat_cool", "automatic":
		return ModeAuto
	default:
		return m
	}
}

// derive adds category-specific derived fields to patch.
func derive(category string, patch map[string]any, base *Record) {
	switch category {
	case mapping.CategoryClimate:
		deriveTargetBounds(patch, base)
	case mapping.CategoryEnergyMeter:
		derivePower(patch, base)
	}
}

// merged returns key from patch, falling back to base.
func merged(patch map[string]any, base *Record, key string) (any, bool) {
	if v, ok := patch[key]; ok {
		return v, true
	}
	if base == nil {
		return nil, false
	}
	return base.Get(key)
}

func anyPresent(patch map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := patch[k]; ok {
			return true
		}
	}
	return false
}

// deriveTargetBounds sets target_temp_min/max from the active mode's bounds.
// In auto mode the range spans the heat minimum to the cool maximum.
func deriveTargetBounds(patch map[string]any, base *Record) {
	if !anyPresent(patch, mapping.KeyHVACMode, mapping.KeyHeatMin, mapping.KeyHeatMax,
		mapping.KeyCoolMin, mapping.KeyCoolMax) {
		return
	}

	modeVal, _ := merged(patch, base, mapping.KeyHVACMode)
	mode, _ := modeVal.(string)

	var minKey, maxKey string
	switch mode {
	case ModeHeat:
		minKey, maxKey = mapping.KeyHeatMin, mapping.KeyHeatMax
	case ModeCool:
		minKey, maxKey = mapping.KeyCoolMin, mapping.KeyCoolMax
	case ModeAuto:
		minKey, maxKey = mapping.KeyHeatMin, mapping.KeyCoolMax
	default:
		return
	}

	if v, ok := merged(patch, base, minKey); ok {
		if f, isNum := v.(float64); isNum {
			patch[mapping.KeyTargetMin] = f
		}
	}
	if v, ok := merged(patch, base, maxKey); ok {
		if f, isNum := v.(float64); isNum {
			patch[mapping.KeyTargetMax] = f
		}
	}
}

// derivePower sets power to the sum of the available phase powers.
func derivePower(patch map[string]any, base *Record) {
	if !anyPresent(patch, mapping.PowerPhaseKeys...) {
		return
	}

	var total float64
	found := false
	for _, k := range mapping.PowerPhaseKeys {
		v, ok := merged(patch, base, k)
		if !ok {
			continue
		}
		if f, isNum := v.(float64); isNum {
			total += f
			found = true
		}
	}
	if found {
		patch[mapping.KeyPower] = total
	}
}
