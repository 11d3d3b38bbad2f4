// Package mqtt exposes accessories over MQTT: retained state topics on every
// change and a command topic per device.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/accessory"
	"github.com/dokzlo13/dsbridge/internal/eventbus"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxQoS            = 2
	commandQueueSize  = 64

	payloadOnline  = "online"
	payloadOffline = "offline"
)

var (
	ErrNotConnected    = errors.New("mqtt: not connected")
	ErrUnknownDevice   = errors.New("mqtt: unknown device")
	ErrInvalidTopic    = errors.New("mqtt: invalid topic")
	ErrInvalidCommand  = errors.New("mqtt: invalid command payload")
	ErrConnectFailed   = errors.New("mqtt: connection failed")
	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
)

// Config holds the broker connection settings.
type Config struct {
	Broker      string // tcp://host:1883 or ssl://host:8883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Bridge publishes accessory state and routes commands to accessories.
type Bridge struct {
	cfg    Config
	topics Topics
	client pahomqtt.Client

	mu          sync.RWMutex
	accessories map[string]accessory.Accessory

	// commands decouples controller calls from paho's message router
	commands   chan inboundCommand
	workerOnce sync.Once
}

type inboundCommand struct {
	topic   string
	payload []byte
}

// NewBridge creates a bridge for the given accessories. Connect must be
// called before anything is published.
func NewBridge(cfg Config, accessories []accessory.Accessory) *Bridge {
	if cfg.QoS > maxQoS {
		cfg.QoS = maxQoS
	}

	b := &Bridge{
		cfg:         cfg,
		topics:      Topics{Prefix: cfg.TopicPrefix},
		accessories: make(map[string]accessory.Accessory, len(accessories)),
		commands:    make(chan inboundCommand, commandQueueSize),
	}
	for _, acc := range accessories {
		b.accessories[acc.DeviceID()] = acc
	}
	return b
}

// Topics returns the topic builder used by the bridge.
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Connect dials the broker. Subscriptions and availability are restored by
// the on-connect handler on every (re)connect.
func (b *Bridge) Connect(ctx context.Context) error {
	b.startCommandWorker(ctx)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.topics.Status(), payloadOffline, b.cfg.QoS, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.onConnect(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", b.cfg.Broker).Msg("MQTT connection lost, reconnecting")
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	log.Info().Str("broker", b.cfg.Broker).Str("prefix", b.cfg.TopicPrefix).Msg("Connected to MQTT broker")
	return nil
}

func (b *Bridge) onConnect(c pahomqtt.Client) {
	token := c.Subscribe(b.topics.AllCommands(), b.cfg.QoS, b.handleMessage)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", b.topics.AllCommands()).Msg("Failed to subscribe to command topic")
	}

	c.Publish(b.topics.Status(), b.cfg.QoS, true, payloadOnline)

	// Retained state may be stale after a broker restart
	b.PublishAll()
}

// HandleStateChanged publishes a state change event. Changes that arrive
// while the broker is unreachable are skipped; the on-connect handler
// republishes everything.
func (b *Bridge) HandleStateChanged(e eventbus.Event) {
	acc, ok := e.Data.(accessory.Accessory)
	if !ok {
		log.Warn().Str("device_id", e.DeviceID).Msg("State change event without accessory")
		return
	}

	b.mu.RLock()
	_, known := b.accessories[acc.DeviceID()]
	b.mu.RUnlock()
	if !known {
		return
	}

	if err := b.PublishState(acc); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warn().Err(err).Str("device_id", acc.DeviceID()).Msg("Failed to publish state")
	}
}

// PublishAll publishes the state of every accessory that has one.
func (b *Bridge) PublishAll() {
	b.mu.RLock()
	accessories := make([]accessory.Accessory, 0, len(b.accessories))
	for _, acc := range b.accessories {
		accessories = append(accessories, acc)
	}
	b.mu.RUnlock()

	for _, acc := range accessories {
		if _, known := acc.State(); !known {
			continue
		}
		if err := b.PublishState(acc); err != nil {
			log.Debug().Err(err).Str("device_id", acc.DeviceID()).Msg("Skipped state publish")
		}
	}
}

// PublishState publishes the retained state of one accessory.
func (b *Bridge) PublishState(acc accessory.Accessory) error {
	if b.client == nil || !b.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := statePayload(acc)
	if err != nil {
		return err
	}

	token := b.client.Publish(b.topics.State(acc.DeviceID()), b.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

type stateMessage struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	accessory.State
}

func statePayload(acc accessory.Accessory) ([]byte, error) {
	state, _ := acc.State()
	return json.Marshal(stateMessage{
		Name:  acc.Name(),
		Kind:  string(acc.Kind()),
		State: state,
	})
}

// handleMessage queues the command and returns at once. Execution can wait
// on the rate limiter and a controller request.
func (b *Bridge) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	cmd := inboundCommand{topic: msg.Topic(), payload: append([]byte(nil), msg.Payload()...)}
	select {
	case b.commands <- cmd:
	default:
		log.Warn().Str("topic", msg.Topic()).Msg("MQTT command queue full, dropping command")
	}
}

// startCommandWorker executes queued commands in arrival order until ctx
// is cancelled.
func (b *Bridge) startCommandWorker(ctx context.Context) {
	b.workerOnce.Do(func() {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case cmd := <-b.commands:
					b.execute(ctx, cmd)
				}
			}
		}()
	})
}

func (b *Bridge) execute(ctx context.Context, cmd inboundCommand) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", cmd.topic).Msg("Panic in MQTT command handler")
		}
	}()

	if err := b.HandleCommand(ctx, cmd.topic, cmd.payload); err != nil {
		log.Warn().Err(err).Str("topic", cmd.topic).Msg("Rejected MQTT command")
	}
}

// HandleCommand decodes a command payload and executes it on the addressed
// accessory.
func (b *Bridge) HandleCommand(ctx context.Context, topic string, payload []byte) error {
	id, ok := b.topics.DeviceFromCommand(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	b.mu.RLock()
	acc, ok := b.accessories[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	var cmd accessory.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.On == nil && cmd.Brightness == nil && cmd.Position == nil {
		return fmt.Errorf("%w: no recognized fields", ErrInvalidCommand)
	}

	log.Debug().
		Str("device_id", id).
		RawJSON("command", payload).
		Msg("Executing MQTT command")

	if !acc.Execute(ctx, cmd) {
		log.Debug().Str("device_id", id).Msg("Command not confirmed by controller")
	}
	return nil
}

// Close publishes the graceful offline status and disconnects.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.topics.Status(), b.cfg.QoS, true, payloadOffline)
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
	log.Info().Msg("Disconnected from MQTT broker")
}
