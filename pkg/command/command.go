package command

import (
	"time"

	"github.com/openhearth/hearthd/pkg/fanout"
	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/types"
	"github.com/rs/zerolog"
)

// actionFunc maps a command value to the bucket key to write and the field
// updates to apply.
type actionFunc func(s *Service, serial string, value any) (string, map[string]any, error)

// Service translates operator commands into bucket mutations.
type Service struct {
	cache    *state.Cache
	registry *fanout.Registry
	logger   zerolog.Logger
	actions  map[string]actionFunc
	nowMs    func() int64
}

// NewService builds the command dispatch table.
func NewService(cache *state.Cache, registry *fanout.Registry) *Service {
	s := &Service{
		cache:    cache,
		registry: registry,
		logger:   log.WithComponent("command"),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
	s.actions = map[string]actionFunc{
		"set_mode":             setMode,
		"set_temperature":      setTemperature,
		"set_away":             setAway,
		"set_fan":              setFan,
		"set_eco_temperatures": setEcoTemperatures,
	}
	return s
}

// Commands returns the supported command names.
func (s *Service) Commands() []string {
	out := make([]string, 0, len(s.actions))
	for name := range s.actions {
		out = append(out, name)
	}
	return out
}

// Execute runs a named command against a device. The mutation flows through
// the cache like a device write, then the fan-out registry is notified
// explicitly so open subscriptions wake for operator-initiated changes.
func (s *Service) Execute(serial, command string, value any) (*types.Bucket, error) {
	action, ok := s.actions[command]
	if !ok {
		return nil, httperr.Newf(httperr.KindBadRequest, "unknown command %q", command)
	}

	key, updates, err := action(s, serial, value)
	if err != nil {
		return nil, err
	}

	s.clampTemperatures(serial, updates)

	bucket, changed, err := s.cache.Upsert(serial, key, updates)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, "command write failed", err)
	}

	s.logger.Info().
		Str("serial", serial).
		Str("command", command).
		Str("object_key", key).
		Bool("changed", changed).
		Msg("command executed")

	if changed {
		s.registry.Notify(serial, []*types.Bucket{bucket})
	}
	return bucket, nil
}

var modeNames = map[string]string{
	"off":       "off",
	"heat":      "heat",
	"cool":      "cool",
	"range":     "range",
	"heat-cool": "range",
	"heat_cool": "range", // Home Assistant spelling
}

func setMode(s *Service, serial string, value any) (string, map[string]any, error) {
	mode, ok := value.(string)
	if !ok {
		return "", nil, httperr.New(httperr.KindBadRequest, "set_mode expects a string value")
	}
	mapped, ok := modeNames[mode]
	if !ok {
		return "", nil, httperr.Newf(httperr.KindBadRequest, "unknown mode %q", mode)
	}
	return types.DeviceKey(serial), map[string]any{"target_temperature_type": mapped}, nil
}

func setTemperature(s *Service, serial string, value any) (string, map[string]any, error) {
	switch v := value.(type) {
	case float64:
		return types.SharedKey(serial), map[string]any{"target_temperature": v}, nil
	case map[string]any:
		high, hiOK := toFloat(v["high"])
		low, loOK := toFloat(v["low"])
		if !hiOK || !loOK {
			return "", nil, httperr.New(httperr.KindBadRequest, "set_temperature range needs numeric high and low")
		}
		return types.SharedKey(serial), map[string]any{
			"target_temperature_high": high,
			"target_temperature_low":  low,
		}, nil
	default:
		if f, ok := toFloat(value); ok {
			return types.SharedKey(serial), map[string]any{"target_temperature": f}, nil
		}
		return "", nil, httperr.New(httperr.KindBadRequest, "set_temperature expects a number or {high, low}")
	}
}

func setAway(s *Service, serial string, value any) (string, map[string]any, error) {
	away, ok := value.(bool)
	if !ok {
		return "", nil, httperr.New(httperr.KindBadRequest, "set_away expects a boolean value")
	}

	// Away lives on the structure when the device belongs to one.
	key := types.SharedKey(serial)
	if device := s.cache.Get(serial, types.DeviceKey(serial)); device != nil {
		if sid, _ := device.Value["structure_id"].(string); sid != "" {
			key = types.StructureKey(sid)
		}
	}
	return key, map[string]any{"away": away}, nil
}

// defaultFanDuration applies when set_fan "on" carries no duration.
const defaultFanDuration = 15 * time.Minute

func setFan(s *Service, serial string, value any) (string, map[string]any, error) {
	var mode string
	duration := defaultFanDuration

	switch v := value.(type) {
	case string:
		mode = v
	case map[string]any:
		mode, _ = v["mode"].(string)
		if secs, ok := toFloat(v["duration"]); ok && secs > 0 {
			duration = time.Duration(secs) * time.Second
		}
	default:
		return "", nil, httperr.New(httperr.KindBadRequest, "set_fan expects \"on\", \"auto\", or {mode, duration}")
	}

	switch mode {
	case "on":
		timeout := (s.nowMs() + duration.Milliseconds()) / 1000
		return types.DeviceKey(serial), map[string]any{
			"fan_timer_timeout": timeout,
			"fan_control_state": true,
		}, nil
	case "auto":
		return types.DeviceKey(serial), map[string]any{
			"fan_timer_timeout": 0,
			"fan_control_state": false,
		}, nil
	default:
		return "", nil, httperr.Newf(httperr.KindBadRequest, "unknown fan mode %q", mode)
	}
}

func setEcoTemperatures(s *Service, serial string, value any) (string, map[string]any, error) {
	v, ok := value.(map[string]any)
	if !ok {
		return "", nil, httperr.New(httperr.KindBadRequest, "set_eco_temperatures expects {high, low}")
	}
	updates := map[string]any{}
	if high, ok := toFloat(v["high"]); ok {
		updates["away_temperature_high"] = high
		updates["away_temperature_high_enabled"] = true
	}
	if low, ok := toFloat(v["low"]); ok {
		updates["away_temperature_low"] = low
		updates["away_temperature_low_enabled"] = true
	}
	if len(updates) == 0 {
		return "", nil, httperr.New(httperr.KindBadRequest, "set_eco_temperatures needs high or low")
	}
	return types.DeviceKey(serial), updates, nil
}
