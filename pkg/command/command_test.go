package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearthd/pkg/fanout"
	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
)

const testSerial = "ABCDEFGH1234"

func newTestService(t *testing.T) (*Service, *state.Cache, *fanout.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := state.NewCache(store)
	require.NoError(t, cache.Warm())
	registry := fanout.NewRegistry(10)
	return NewService(cache, registry), cache, registry
}

func TestExecuteUnknownCommand(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(testSerial, "self_destruct", nil)
	require.Error(t, err)
	assert.Equal(t, 400, httperr.Status(err))
}

func TestSetModeMapping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"off", "off"},
		{"heat", "heat"},
		{"cool", "cool"},
		{"range", "range"},
		{"heat-cool", "range"},
		{"heat_cool", "range"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			svc, cache, _ := newTestService(t)
			b, err := svc.Execute(testSerial, "set_mode", tt.in)
			require.NoError(t, err)
			assert.Equal(t, types.DeviceKey(testSerial), b.Key)
			assert.Equal(t, tt.want, b.Value["target_temperature_type"])
			assert.NotNil(t, cache.Get(testSerial, types.DeviceKey(testSerial)))
		})
	}
}

func TestSetModeRejectsUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Execute(testSerial, "set_mode", "turbo")
	assert.Equal(t, 400, httperr.Status(err))
}

func TestSetTemperatureScalarAndRange(t *testing.T) {
	svc, _, _ := newTestService(t)

	b, err := svc.Execute(testSerial, "set_temperature", 21.5)
	require.NoError(t, err)
	assert.Equal(t, 21.5, b.Value["target_temperature"])

	b, err = svc.Execute(testSerial, "set_temperature", map[string]any{"high": 24.0, "low": 18.0})
	require.NoError(t, err)
	assert.Equal(t, 24.0, b.Value["target_temperature_high"])
	assert.Equal(t, 18.0, b.Value["target_temperature_low"])
}

func TestSetTemperatureClampedToDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	b, err := svc.Execute(testSerial, "set_temperature", 50.0)
	require.NoError(t, err)
	assert.Equal(t, defaultSafetyMax, b.Value["target_temperature"])

	b, err = svc.Execute(testSerial, "set_temperature", 1.0)
	require.NoError(t, err)
	assert.Equal(t, defaultSafetyMin, b.Value["target_temperature"])
}

func TestSetTemperatureClampedToDeviceBounds(t *testing.T) {
	svc, cache, _ := newTestService(t)

	_, _, err := cache.Upsert(testSerial, types.SharedKey(testSerial), map[string]any{
		"lower_safety_temp": 10.0,
		"upper_safety_temp": 28.0,
	})
	require.NoError(t, err)

	b, err := svc.Execute(testSerial, "set_temperature", 30.0)
	require.NoError(t, err)
	assert.Equal(t, 28.0, b.Value["target_temperature"])
}

func TestSetAwayTargetsStructureWhenPresent(t *testing.T) {
	svc, cache, _ := newTestService(t)

	b, err := svc.Execute(testSerial, "set_away", true)
	require.NoError(t, err)
	assert.Equal(t, types.SharedKey(testSerial), b.Key)

	_, _, err = cache.Upsert(testSerial, types.DeviceKey(testSerial), map[string]any{
		"structure_id": "struct1",
	})
	require.NoError(t, err)

	b, err = svc.Execute(testSerial, "set_away", false)
	require.NoError(t, err)
	assert.Equal(t, types.StructureKey("struct1"), b.Key)
	assert.Equal(t, false, b.Value["away"])
}

func TestSetFanOnAndAuto(t *testing.T) {
	svc, _, _ := newTestService(t)

	b, err := svc.Execute(testSerial, "set_fan", "on")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceKey(testSerial), b.Key)
	assert.Equal(t, true, b.Value["fan_control_state"])
	timeout, ok := b.Value["fan_timer_timeout"].(int64)
	require.True(t, ok)
	// Epoch seconds, roughly now + 15 minutes.
	assert.Greater(t, timeout, int64(1_000_000_000))

	b, err = svc.Execute(testSerial, "set_fan", "auto")
	require.NoError(t, err)
	assert.Equal(t, false, b.Value["fan_control_state"])
	assert.Equal(t, 0, b.Value["fan_timer_timeout"])
}

func TestSetEcoTemperatures(t *testing.T) {
	svc, _, _ := newTestService(t)

	b, err := svc.Execute(testSerial, "set_eco_temperatures", map[string]any{"high": 26.0, "low": 16.0})
	require.NoError(t, err)
	assert.Equal(t, types.DeviceKey(testSerial), b.Key)
	assert.Equal(t, 26.0, b.Value["away_temperature_high"])
	assert.Equal(t, true, b.Value["away_temperature_high_enabled"])
	assert.Equal(t, 16.0, b.Value["away_temperature_low"])
}

func TestExecuteWakesSubscribers(t *testing.T) {
	svc, _, registry := newTestService(t)

	w, err := registry.Add(testSerial, "s1", map[string]int64{types.SharedKey(testSerial): 0}, false)
	require.NoError(t, err)

	_, err = svc.Execute(testSerial, "set_temperature", 21.0)
	require.NoError(t, err)

	select {
	case got := <-w.Ch():
		require.Len(t, got, 1)
		assert.Equal(t, types.SharedKey(testSerial), got[0].Key)
	default:
		t.Fatal("expected subscriber wake after command")
	}
}
