package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearthd/pkg/config"
	"github.com/openhearth/hearthd/pkg/state"
)

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic      string
		wantSerial string
		wantCmd    string
		wantOK     bool
	}{
		{"hearthd/abcdefgh1234/mode/set", "ABCDEFGH1234", "set_mode", true},
		{"hearthd/abcdefgh1234/temperature/set", "ABCDEFGH1234", "set_temperature", true},
		{"hearthd/abcdefgh1234/away/set", "ABCDEFGH1234", "set_away", true},
		{"hearthd/abcdefgh1234/fan/set", "ABCDEFGH1234", "set_fan", true},
		{"hearthd/abcdefgh1234/eco/set", "ABCDEFGH1234", "set_eco_temperatures", true},
		{"hearthd/abcdefgh1234/reboot/set", "", "", false},
		{"hearthd/abcdefgh1234/mode/get", "", "", false},
		{"hearthd/abcdefgh1234/mode", "", "", false},
		{"hearthd/a/b/c/mode/set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			serial, cmd, ok := parseCommandTopic(tt.topic)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSerial, serial)
			assert.Equal(t, tt.wantCmd, cmd)
		})
	}
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "heat", "heat"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"whole number", 21.0, "21"},
		{"fraction", 21.5, "21.50"},
		{"object", map[string]any{"a": 1}, `{"a":1}`},
		{"array", []any{1.0, 2.0}, "[1,2]"},
		{"nil", nil, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodePayload(tt.in))
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"number", "21.5", 21.5},
		{"bool", "true", true},
		{"json object", `{"high": 24, "low": 18}`, map[string]any{"high": 24.0, "low": 18.0}},
		{"bare string", "heat", "heat"},
		{"padded string", "  auto  ", "auto"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodePayload([]byte(tt.in)))
		})
	}
}

func TestStateTopicLayout(t *testing.T) {
	b := New(config.MQTTConfig{TopicPrefix: "hearthd"}, nil, nil)

	assert.Equal(t, "hearthd/abcdefgh1234/device/target_temperature_type",
		b.topic("ABCDEFGH1234", "device/target_temperature_type"))
	assert.Equal(t, "hearthd/abcdefgh1234/availability",
		b.topic("ABCDEFGH1234", "availability"))
}

func TestOnChangeNeverBlocksTheWriter(t *testing.T) {
	b := New(config.MQTTConfig{TopicPrefix: "hearthd"}, nil, nil)

	// The dispatcher is not running; filling the buffer past capacity must
	// drop rather than stall.
	for i := 0; i < eventBuffer+10; i++ {
		b.OnChange(state.ChangeEvent{Serial: "ABCDEFGH1234", Key: "device.ABCDEFGH1234"})
	}
	assert.Len(t, b.events, eventBuffer)
}
