// Package emitter republishes detection batches to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
)

// Config controls the MQTT emitter. An empty Broker disables it.
type Config struct {
	Broker         string        `yaml:"broker"` // host:port
	ClientID       string        `yaml:"client_id"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// DefaultConfig is disabled until a broker is set.
func DefaultConfig() Config {
	return Config{
		Topic:          "detections",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// publisher is the part of mqtt.Client the publish loop needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	Session    string                `json:"session"`
	Seq        uint64                `json:"seq"`
	ReceivedAt time.Time             `json:"received_at"`
	Detections []detection.Detection `json:"detections"`
}

// Stats contains emitter statistics
type Stats struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Emitter publishes batches from a bounded queue so callers never wait on the
// broker.
type Emitter struct {
	cfg     Config
	session string
	topic   string

	client mqtt.Client
	pub    publisher

	queue     chan detection.Batch
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	connected atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64
}

// New creates an emitter. Call Connect before publishing.
func New(cfg Config) *Emitter {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	session := uuid.NewString()
	if cfg.ClientID == "" {
		cfg.ClientID = "stream-client-" + session[:8]
	}
	return &Emitter{
		cfg:     cfg,
		session: session,
		topic:   strings.TrimRight(cfg.Topic, "/") + "/" + session,
		queue:   make(chan detection.Batch, 16),
		done:    make(chan struct{}),
	}
}

// Enabled reports whether a broker is configured.
func (e *Emitter) Enabled() bool {
	return e != nil && e.cfg.Broker != ""
}

// Topic returns the topic batches are published to.
func (e *Emitter) Topic() string { return e.topic }

// Connect establishes connection to the MQTT broker and starts the publish
// loop. It is a no-op when disabled.
func (e *Emitter) Connect(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.connected.Store(true)
		logger.Info("Emitter", "MQTT connected to %s (topic=%s)", broker, e.topic)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.connected.Store(false)
		logger.Warn("Emitter", "MQTT connection lost, will auto-reconnect: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()

	timeout := e.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}
	e.connected.Store(true)
	e.start(e.client)
	return nil
}

func (e *Emitter) start(pub publisher) {
	e.pub = pub
	e.wg.Add(1)
	go e.run()
}

// Publish queues a batch. It never blocks; a full queue drops the batch.
func (e *Emitter) Publish(b detection.Batch) bool {
	if !e.Enabled() || e.pub == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.queue <- b:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case b := <-e.queue:
			if err := e.publish(b); err != nil {
				e.errs.Add(1)
				logger.Debug("Emitter", "Publish failed: %v", err)
			}
		}
	}
}

func (e *Emitter) publish(b detection.Batch) error {
	dets := b.Detections
	if dets == nil {
		dets = []detection.Detection{}
	}
	payload, err := json.Marshal(message{
		Session:    e.session,
		Seq:        b.Seq,
		ReceivedAt: b.ReceivedAt,
		Detections: dets,
	})
	if err != nil {
		return errors.Wrap(err, "marshal batch")
	}
	token := e.pub.Publish(e.topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	e.published.Add(1)
	return nil
}

// Close stops the publish loop and disconnects.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.client != nil && e.client.IsConnected() {
			e.client.Disconnect(250) // 250ms grace period
			logger.Info("Emitter", "MQTT disconnected")
		}
		e.connected.Store(false)
	})
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return Stats{
		Enabled:   e.Enabled(),
		Connected: e.connected.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errs.Load(),
	}
}
