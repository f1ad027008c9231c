// Package bridge mirrors device state onto an MQTT broker and accepts
// commands back, in the topic layout Home Assistant expects.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openhearth/hearthd/pkg/command"
	"github.com/openhearth/hearthd/pkg/config"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/types"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// eventBuffer bounds the change-stream handoff. The cache delivers
	// events on the writer's goroutine; the bridge must never block it.
	eventBuffer = 256
)

// topicCommands maps the command segment of a `<prefix>/<serial>/<cmd>/set`
// topic onto the command surface.
var topicCommands = map[string]string{
	"mode":        "set_mode",
	"temperature": "set_temperature",
	"away":        "set_away",
	"fan":         "set_fan",
	"eco":         "set_eco_temperatures",
}

// Bridge projects bucket changes to MQTT state topics and routes command
// topics through the command surface.
type Bridge struct {
	cfg      config.MQTTConfig
	cache    *state.Cache
	commands *command.Service
	logger   zerolog.Logger

	client mqtt.Client
	events chan state.ChangeEvent

	mu         sync.Mutex
	discovered map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the bridge. Call Start to connect; OnChange must be registered
// with the cache's change stream by the caller.
func New(cfg config.MQTTConfig, cache *state.Cache, commands *command.Service) *Bridge {
	return &Bridge{
		cfg:        cfg,
		cache:      cache,
		commands:   commands,
		logger:     log.WithComponent("bridge"),
		events:     make(chan state.ChangeEvent, eventBuffer),
		discovered: make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start connects to the broker and begins dispatching change events. A
// single dispatch goroutine preserves per-serial publish ordering.
func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL()).
		SetClientID("hearthd-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(connectTimeout).
		SetWill(b.cfg.TopicPrefix+"/bridge/availability", "offline", 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn().Err(err).Msg("broker connection lost")
			metrics.UpdateComponent("mqtt", false, "connection lost")
		})
	if b.cfg.User != "" {
		opts.SetUsername(b.cfg.User)
		opts.SetPassword(b.cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	if tok := b.client.Connect(); tok.WaitTimeout(connectTimeout) && tok.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", tok.Error())
	}

	go b.dispatch()
	b.logger.Info().Str("broker", b.cfg.BrokerURL()).Msg("mqtt bridge started")
	return nil
}

// Stop drains the dispatcher and disconnects.
func (b *Bridge) Stop() {
	close(b.stopCh)
	<-b.doneCh
	if b.client != nil && b.client.IsConnected() {
		b.publish(b.cfg.TopicPrefix+"/bridge/availability", "offline", true)
		b.client.Disconnect(250)
	}
}

// OnChange receives cache change events. It only enqueues; a full buffer
// drops the event rather than stalling the writer.
func (b *Bridge) OnChange(ev state.ChangeEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn().Str("serial", ev.Serial).Str("key", ev.Key).Msg("event buffer full, dropping")
	}
}

// OnPresence publishes device availability transitions.
func (b *Bridge) OnPresence(serial string, online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	b.publish(b.topic(serial, "availability"), payload, true)
}

func (b *Bridge) onConnect(c mqtt.Client) {
	b.logger.Info().Msg("broker connected")
	metrics.UpdateComponent("mqtt", true, "")
	b.publish(b.cfg.TopicPrefix+"/bridge/availability", "online", true)

	filter := b.cfg.TopicPrefix + "/+/+/set"
	tok := c.Subscribe(filter, 1, b.onCommand)
	if tok.WaitTimeout(connectTimeout) && tok.Error() != nil {
		b.logger.Error().Err(tok.Error()).Str("filter", filter).Msg("command subscribe failed")
	}

	// Re-announce discovery after a broker restart.
	b.mu.Lock()
	b.discovered = make(map[string]bool)
	b.mu.Unlock()
}

func (b *Bridge) dispatch() {
	defer close(b.doneCh)
	for {
		select {
		case ev := <-b.events:
			b.handleChange(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bridge) handleChange(ev state.ChangeEvent) {
	kind := types.KindOf(ev.Key)
	switch kind {
	case types.KindDevice, types.KindShared, types.KindStructure:
	default:
		return
	}

	b.ensureDiscovery(ev.Serial)

	for _, field := range ev.ChangedFields {
		v, ok := ev.Value[field]
		if !ok {
			continue
		}
		b.publish(b.topic(ev.Serial, kind+"/"+field), encodePayload(v), true)
		metrics.BridgePublishes.Inc()
	}
}

// ensureDiscovery publishes the Home Assistant climate entity config once
// per serial per broker session.
func (b *Bridge) ensureDiscovery(serial string) {
	b.mu.Lock()
	if b.discovered[serial] {
		b.mu.Unlock()
		return
	}
	b.discovered[serial] = true
	b.mu.Unlock()

	cfg := map[string]any{
		"name":      "Thermostat " + serial,
		"unique_id": "hearthd_" + strings.ToLower(serial),
		"modes":     []string{"off", "heat", "cool", "heat_cool"},

		"mode_state_topic":          b.topic(serial, "device/target_temperature_type"),
		"mode_command_topic":        b.topic(serial, "mode/set"),
		"temperature_state_topic":   b.topic(serial, "shared/target_temperature"),
		"temperature_command_topic": b.topic(serial, "temperature/set"),
		"current_temperature_topic": b.topic(serial, "shared/current_temperature"),
		"availability_topic":        b.topic(serial, "availability"),

		"temp_step": 0.5,
		"min_temp":  9,
		"max_temp":  32,
		"device": map[string]any{
			"identifiers":  []string{serial},
			"manufacturer": "hearthd",
			"model":        "Legacy Thermostat",
		},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error().Err(err).Str("serial", serial).Msg("discovery marshal failed")
		return
	}
	topic := fmt.Sprintf("%s/climate/%s/config", b.cfg.DiscoveryPrefix, strings.ToLower(serial))
	b.publish(topic, string(data), true)
}

func (b *Bridge) onCommand(_ mqtt.Client, msg mqtt.Message) {
	serial, cmd, ok := parseCommandTopic(msg.Topic())
	if !ok {
		b.logger.Warn().Str("topic", msg.Topic()).Msg("unknown command topic")
		return
	}

	value := decodePayload(msg.Payload())
	metrics.BridgeCommands.Inc()

	if _, err := b.commands.Execute(serial, cmd, value); err != nil {
		b.logger.Error().Err(err).
			Str("serial", serial).
			Str("command", cmd).
			Msg("mqtt command failed")
	}
}

// parseCommandTopic splits a `<prefix>/<serial>/<cmd>/set` topic into the
// uppercased serial and the mapped command name.
func parseCommandTopic(topic string) (serial, cmd string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "set" {
		return "", "", false
	}
	cmd, ok = topicCommands[parts[2]]
	if !ok {
		return "", "", false
	}
	return strings.ToUpper(parts[1]), cmd, true
}

func (b *Bridge) topic(serial, suffix string) string {
	return b.cfg.TopicPrefix + "/" + strings.ToLower(serial) + "/" + suffix
}

func (b *Bridge) publish(topic, payload string, retained bool) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	tok := b.client.Publish(topic, 1, retained, payload)
	if tok.WaitTimeout(publishTimeout) && tok.Error() != nil {
		b.logger.Warn().Err(tok.Error()).Str("topic", topic).Msg("publish failed")
	}
}

// encodePayload renders a bucket field value for a state topic. Scalars go
// bare; everything else is JSON.
func encodePayload(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%.2f", t), ".00")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// decodePayload parses a command payload: JSON when it looks like JSON, raw
// string otherwise.
func decodePayload(p []byte) any {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
