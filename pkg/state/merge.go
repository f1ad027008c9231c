package state

import (
	"strings"

	"github.com/openhearth/hearthd/pkg/types"
)

// asNumber coerces a JSON-decoded value to float64. Returns 0 for anything
// non-numeric.
func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}

// fanTimerActive reports whether a fan_timer_timeout value is non-zero and in
// the future. Firmware sends epoch seconds; operator writes use epoch
// milliseconds, so both are accepted.
func fanTimerActive(v any, nowMs int64) bool {
	n := asNumber(v)
	if n == 0 {
		return false
	}
	ms := n
	if n < 1e12 {
		ms = n * 1000
	}
	return int64(ms) > nowMs
}

// explicitlyStopsFan reports whether an incoming update turns the fan off:
// fan_timer_timeout set to 0, or fan_control_state set to false.
func explicitlyStopsFan(updates map[string]any) bool {
	if v, ok := updates["fan_timer_timeout"]; ok && asNumber(v) == 0 {
		return true
	}
	if v, ok := updates["fan_control_state"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return true
		}
	}
	return false
}

// isFanField reports whether a value key belongs to the fan control group.
func isFanField(key string) bool {
	return strings.HasPrefix(key, "fan_")
}

// mergeValue overlays updates onto the stored value (shallow, top-level keys)
// and applies the fan-timer preservation rule: while a fan timer is running
// and the update does not explicitly stop the fan, stored fan fields survive
// unless the update names them.
func mergeValue(stored, updates map[string]any, nowMs int64) map[string]any {
	merged := types.CloneValue(stored)
	if merged == nil {
		merged = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		merged[k] = v
	}

	if stored != nil && fanTimerActive(stored["fan_timer_timeout"], nowMs) && !explicitlyStopsFan(updates) {
		for k, v := range stored {
			if !isFanField(k) {
				continue
			}
			if _, inUpdate := updates[k]; !inUpdate {
				merged[k] = v
			}
		}
	}

	return merged
}

// changedFields returns the top-level keys whose value differs between prior
// and merged, sorted by map iteration order of merged (callers treat the
// slice as a set).
func changedFields(prior, merged map[string]any) []string {
	var out []string
	for k, v := range merged {
		pv, ok := prior[k]
		if !ok || !types.ValueEqual(map[string]any{"v": pv}, map[string]any{"v": v}) {
			out = append(out, k)
		}
	}
	return out
}
