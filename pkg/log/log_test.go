package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildLoggersCarryField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	tests := []struct {
		name string
		log  func()
		want string
	}{
		{"component", func() { l := WithComponent("transport"); l.Info().Msg("x") }, `"component":"transport"`},
		{"serial", func() { l := WithSerial("ABCDEFGH1234"); l.Info().Msg("x") }, `"serial":"ABCDEFGH1234"`},
		{"session", func() { l := WithSession("s-42"); l.Debug().Msg("x") }, `"session":"s-42"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestInitDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	Logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	Logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
