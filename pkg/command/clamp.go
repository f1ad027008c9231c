package command

import (
	"github.com/openhearth/hearthd/pkg/types"
)

// Hard temperature bounds, Celsius. Used when neither the shared nor the
// device bucket carries safety limits.
const (
	defaultSafetyMin = 7.2
	defaultSafetyMax = 35.0
)

// temperatureFields are the value keys subject to the safety clamp.
var temperatureFields = []string{
	"target_temperature",
	"target_temperature_high",
	"target_temperature_low",
	"away_temperature_high",
	"away_temperature_low",
}

// safetyBounds resolves the clamp range for a serial: shared bucket first,
// then device, then defaults.
func (s *Service) safetyBounds(serial string) (min, max float64) {
	min, max = defaultSafetyMin, defaultSafetyMax

	lookup := func(key string) (float64, float64, bool) {
		b := s.cache.Get(serial, key)
		if b == nil {
			return 0, 0, false
		}
		lo, loOK := toFloat(b.Value["lower_safety_temp"])
		hi, hiOK := toFloat(b.Value["upper_safety_temp"])
		if !loOK || !hiOK || lo >= hi {
			return 0, 0, false
		}
		return lo, hi, true
	}

	if lo, hi, ok := lookup(types.SharedKey(serial)); ok {
		return lo, hi
	}
	if lo, hi, ok := lookup(types.DeviceKey(serial)); ok {
		return lo, hi
	}
	return min, max
}

// clampTemperatures bounds every temperature field present in updates to
// [min, max], logging a warning for each adjustment.
func (s *Service) clampTemperatures(serial string, updates map[string]any) {
	min, max := s.safetyBounds(serial)
	for _, field := range temperatureFields {
		raw, ok := updates[field]
		if !ok {
			continue
		}
		v, numeric := toFloat(raw)
		if !numeric {
			continue
		}
		clamped := v
		if clamped < min {
			clamped = min
		}
		if clamped > max {
			clamped = max
		}
		if clamped != v {
			s.logger.Warn().
				Str("serial", serial).
				Str("field", field).
				Float64("requested", v).
				Float64("clamped", clamped).
				Msg("temperature clamped to safety bounds")
			updates[field] = clamped
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
