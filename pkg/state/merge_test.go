package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeValueShallowOverlay(t *testing.T) {
	stored := map[string]any{"mode": "heat", "target": 21.0}
	updates := map[string]any{"target": 22.5, "humidity": 45.0}

	merged := mergeValue(stored, updates, 1_000_000_000_000)

	assert.Equal(t, "heat", merged["mode"])
	assert.Equal(t, 22.5, merged["target"])
	assert.Equal(t, 45.0, merged["humidity"])
	// Inputs stay untouched.
	assert.Equal(t, 21.0, stored["target"])
}

func TestMergeValueNilStored(t *testing.T) {
	merged := mergeValue(nil, map[string]any{"a": 1.0}, 0)
	assert.Equal(t, map[string]any{"a": 1.0}, merged)
}

func TestFanTimerActive(t *testing.T) {
	nowMs := int64(1_700_000_000_000)

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil value", nil, false},
		{"zero", float64(0), false},
		{"future epoch seconds", float64(1_700_000_100), true},
		{"past epoch seconds", float64(1_600_000_000), false},
		{"future epoch millis", float64(1_700_000_100_000), true},
		{"past epoch millis", float64(1_600_000_000_000), false},
		{"non-numeric", "soon", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fanTimerActive(tt.v, nowMs))
		})
	}
}

func TestMergeValuePreservesFanFields(t *testing.T) {
	nowMs := int64(1_700_000_000_000)
	stored := map[string]any{
		"fan_timer_timeout": float64(1_700_000_100), // running
		"fan_control_state": true,
		"mode":              "heat",
	}

	merged := mergeValue(stored, map[string]any{"target_temperature": 21.0}, nowMs)

	assert.Equal(t, float64(1_700_000_100), merged["fan_timer_timeout"])
	assert.Equal(t, true, merged["fan_control_state"])
	assert.Equal(t, 21.0, merged["target_temperature"])
}

func TestMergeValueExplicitFanStop(t *testing.T) {
	nowMs := int64(1_700_000_000_000)
	stored := map[string]any{
		"fan_timer_timeout": float64(1_700_000_100),
		"fan_control_state": true,
	}

	merged := mergeValue(stored, map[string]any{"fan_timer_timeout": float64(0)}, nowMs)
	assert.Equal(t, float64(0), merged["fan_timer_timeout"])

	merged = mergeValue(stored, map[string]any{"fan_control_state": false}, nowMs)
	assert.Equal(t, false, merged["fan_control_state"])
}

func TestMergeValueExpiredTimerNotPreserved(t *testing.T) {
	nowMs := int64(1_700_000_000_000)
	stored := map[string]any{
		"fan_timer_timeout": float64(1_600_000_000), // long past
		"fan_control_state": true,
	}

	// Nothing special happens: the overlay keeps stored fields anyway, but
	// the preservation branch must not resurrect a stopped timer.
	merged := mergeValue(stored, map[string]any{"fan_timer_timeout": float64(0)}, nowMs)
	assert.Equal(t, float64(0), merged["fan_timer_timeout"])
}

func TestChangedFields(t *testing.T) {
	prior := map[string]any{"a": 1.0, "b": "x"}
	merged := map[string]any{"a": 1.0, "b": "y", "c": true}

	got := changedFields(prior, merged)
	assert.ElementsMatch(t, []string{"b", "c"}, got)
}

func TestChangedFieldsNumericEquivalence(t *testing.T) {
	// int from server code vs float64 from decoded JSON must compare equal.
	prior := map[string]any{"rev": 7}
	merged := map[string]any{"rev": float64(7)}
	assert.Empty(t, changedFields(prior, merged))
}
