// Package mqtt mirrors the dashboard onto an MQTT broker: the current view
// as a retained message, engine events as they happen, and a command topic
// that feeds the same dispatcher as the HTTP API.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"greennanny-dashboard/internal/config"
	"greennanny-dashboard/internal/engine"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
	commandQueue  = 16
	eventBuffer   = 64
)

// Dashboard is the part of the engine the bridge drives.
type Dashboard interface {
	View() (engine.ViewModel, bool)
	Subscribe(buffer int) (<-chan engine.Event, func())
	Dispatch(ctx context.Context, name string, params json.RawMessage) (engine.CommandResult, error)
}

type topics struct {
	status   string
	view     string
	events   string
	commands string
	results  string
}

func newTopics(prefix string) topics {
	return topics{
		status:   prefix + "/status",
		view:     prefix + "/view",
		events:   prefix + "/events",
		commands: prefix + "/commands/+",
		results:  prefix + "/results/",
	}
}

type command struct {
	name   string
	params json.RawMessage
}

// commandReply is published on <prefix>/results/<name>.
type commandReply struct {
	engine.CommandResult
	Error string `json:"error,omitempty"`
}

type Bridge struct {
	client    mqtt.Client
	cfg       config.Config
	dashboard Dashboard
	logger    *slog.Logger
	topics    topics
	mu        sync.RWMutex
	connected bool

	commands chan command

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBridge(cfg config.Config, dashboard Dashboard, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		dashboard: dashboard,
		logger:    logger,
		topics:    newTopics(cfg.MQTTTopicPrefix),
		commands:  make(chan command, commandQueue),
		stopCh:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)
	opts.SetWill(b.topics.status, statusOffline, 1, true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// A clean session loses its subscriptions, so they are renewed on every
	// (re)connect. connected flips only once the command topic is live.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := b.subscribe(c); err != nil {
			logger.Error("mqtt subscribe failed", "error", err)
			return
		}
		b.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		if err := b.publish(b.topics.status, 1, true, []byte(statusOnline)); err != nil {
			logger.Warn("mqtt status publish failed", "error", err)
		}
		b.publishView()
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Run connects, then mirrors the dashboard until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	events, unsubscribe := b.dashboard.Subscribe(eventBuffer)
	defer unsubscribe()

	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer b.Disconnect()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				b.forward(ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-b.commands:
				b.execute(ctx, cmd)
			}
		}
	})
	return g.Wait()
}

// Connect establishes the connection to the broker.
// This function waits for the initial connection, and respects ctx and Disconnect().
func (b *Bridge) Connect(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return errors.New("bridge stopped")
	default:
	}

	if b.IsConnected() {
		return nil
	}

	token := b.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			b.client.Disconnect(0)
			return ctx.Err()
		case <-b.stopCh:
			b.client.Disconnect(0)
			return errors.New("bridge stopped")
		default:
		}
	}
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	topic := b.topics.commands
	qos := byte(1) // At least once delivery

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	b.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

// handleMessage runs on the client's callback goroutine. It must not wait on
// tokens there, so it only queues; params are validated by Dispatch.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	b.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	name := topic[strings.LastIndex(topic, "/")+1:]
	if name == "" {
		b.logger.Warn("mqtt command without a name", "topic", topic)
		return
	}
	select {
	case b.commands <- command{name: name, params: json.RawMessage(append([]byte(nil), payload...))}:
	default:
		b.logger.Warn("mqtt command queue full, dropping command", "command", name)
	}
}

func (b *Bridge) execute(ctx context.Context, cmd command) {
	if b.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CommandTimeout)
		defer cancel()
	}
	res, err := b.dashboard.Dispatch(ctx, cmd.name, cmd.params)
	if err != nil {
		b.logger.Warn("mqtt command failed", "command", cmd.name, "error", err)
	} else {
		b.logger.Debug("processed mqtt command", "command", cmd.name, "message", res.Message)
	}
	b.reply(cmd.name, res, err)
}

func (b *Bridge) reply(name string, res engine.CommandResult, err error) {
	r := commandReply{CommandResult: res}
	r.Command = name
	if err != nil {
		r.OK = false
		r.Error = err.Error()
	}
	data, mErr := json.Marshal(r)
	if mErr != nil {
		b.logger.Error("marshal command reply", "error", mErr)
		return
	}
	if pErr := b.publish(b.topics.results+name, 1, false, data); pErr != nil {
		b.logger.Warn("mqtt reply publish failed", "command", name, "error", pErr)
	}
}

func (b *Bridge) forward(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshal event", "error", err)
		return
	}
	if err := b.publish(b.topics.events, 0, false, data); err != nil {
		b.logger.Debug("mqtt event publish skipped", "type", ev.Type, "error", err)
	}
	switch ev.Type {
	case engine.CycleSucceeded, engine.CycleFailed, engine.HistoryCleared:
		b.publishView()
	}
}

// publishView replaces the retained view, if there is one yet.
func (b *Bridge) publishView() {
	vm, ok := b.dashboard.View()
	if !ok {
		return
	}
	data, err := json.Marshal(vm)
	if err != nil {
		b.logger.Error("marshal view", "error", err)
		return
	}
	if err := b.publish(b.topics.view, 1, true, data); err != nil {
		b.logger.Debug("mqtt view publish skipped", "error", err)
		return
	}
	b.logger.Debug("published view", "topic", b.topics.view, "token", vm.Token)
}

func (b *Bridge) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !b.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

// IsConnected returns whether the bridge is connected and subscribed.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Disconnect marks the bridge offline and closes the connection.
// Idempotent and safe to call multiple times.
func (b *Bridge) Disconnect() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	if b.IsConnected() {
		if err := b.publish(b.topics.status, 1, true, []byte(statusOffline)); err != nil {
			b.logger.Debug("mqtt status publish failed", "error", err)
		}
		token := b.client.Unsubscribe(b.topics.commands)
		token.WaitTimeout(2 * time.Second)
	}

	b.client.Disconnect(250)

	b.setConnected(false)
	b.logger.Info("mqtt bridge disconnected")
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}
