// Package client maintains the persistent connection to the inference service.
package client

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/dj-oyu/live-detection/stream-client/internal/detection"
	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
)

// Config controls how the client reaches the inference service.
type Config struct {
	BaseURL          string        `yaml:"base_url"`       // e.g. http://localhost:8000
	HealthTimeout    time.Duration `yaml:"health_timeout"` // per probe
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// DefaultConfig targets a service on localhost:8000.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:8000",
		HealthTimeout:    3 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// link is one open socket and its goroutines.
type link struct {
	conn      *websocket.Conn
	frames    chan []byte
	settings  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// Client owns at most one websocket to the inference service.
type Client struct {
	cfg      Config
	listener Listener
	metrics  *metrics.Metrics
	http     *http.Client
	dialer   *websocket.Dialer

	mu            sync.Mutex
	state         State
	link          *link
	gen           uint64
	cancelConnect context.CancelFunc

	seq atomic.Uint64
}

// New creates an idle client. listener may be nil; m may be nil.
func New(cfg Config, listener Listener, m *metrics.Metrics) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Client{
		cfg:      cfg,
		listener: listener,
		metrics:  m,
		http:     &http.Client{Timeout: cfg.HealthTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Connect probes the service health endpoint and then opens the socket. It
// returns once the socket is open or the attempt has failed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Open {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	defer cancel()

	c.notify(Connecting, nil)
	logger.Info("Client", "Connecting to %s", c.cfg.BaseURL)

	if err := probe(ctx, c.http, healthURL(c.cfg.BaseURL)); err != nil {
		return c.fail(gen, err)
	}

	wsURL, err := socketURL(c.cfg.BaseURL)
	if err != nil {
		return c.fail(gen, errors.Wrap(ErrHandshakeFailed, err.Error()))
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return c.fail(gen, errors.Wrap(ErrHandshakeFailed, err.Error()))
	}

	l := &link{
		conn:     conn,
		frames:   make(chan []byte, 1),
		settings: make(chan []byte, 1),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return errors.Wrap(context.Canceled, "connect aborted")
	}
	c.link = l
	c.cancelConnect = nil
	c.setStateLocked(Open)
	c.mu.Unlock()

	c.metrics.Connects.Add(1)
	logger.Info("Client", "Connected to %s", wsURL)
	c.notify(Open, nil)

	go c.readLoop(l)
	go c.writeLoop(l)
	return nil
}

// fail moves an attempt to Failed unless Disconnect superseded it.
func (c *Client) fail(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errors.Wrap(context.Canceled, "connect aborted")
	}
	c.cancelConnect = nil
	c.setStateLocked(Failed)
	c.mu.Unlock()

	c.metrics.ConnectFailures.Add(1)
	logger.Warn("Client", "Connection failed: %v", err)
	c.notify(Failed, err)
	return err
}

// Disconnect closes the socket if open and returns to Idle. Safe to call in
// any state, any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.state
	l := c.link
	c.link = nil
	c.gen++
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	c.setStateLocked(Idle)
	c.mu.Unlock()

	if l != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		l.close()
		logger.Info("Client", "Disconnected")
	}
	if prev != Idle {
		c.notify(Idle, nil)
	}
}

// Send queues one encoded frame. It never blocks: a frame still waiting to be
// written is replaced by the newer one. Returns false when not open.
func (c *Client) Send(frame []byte) bool {
	l := c.openLink()
	if l == nil {
		c.metrics.FramesDropped.Add(1)
		return false
	}
	payload := []byte(base64.StdEncoding.EncodeToString(frame))
	for {
		select {
		case l.frames <- payload:
			return true
		default:
		}
		select {
		case <-l.frames:
			c.metrics.FramesDropped.Add(1)
		default:
		}
	}
}

// SendSettings forwards a settings update if open; otherwise it is dropped.
func (c *Client) SendSettings(s detection.Settings) bool {
	l := c.openLink()
	if l == nil {
		c.metrics.SettingsDropped.Add(1)
		logger.Warn("Client", "Settings not sent: not connected")
		return false
	}
	data, err := detection.MarshalSettingsMessage(s)
	if err != nil {
		logger.Error("Client", "Settings encode error: %v", err)
		return false
	}
	for {
		select {
		case l.settings <- data:
			return true
		default:
		}
		select {
		case <-l.settings:
		default:
		}
	}
}

// IsOpen reports whether frames can currently be sent.
func (c *Client) IsOpen() bool {
	return c.State() == Open
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the counters accumulated since construction.
func (c *Client) Stats() Stats {
	return Stats{
		FramesSent:      c.metrics.FramesSent.Load(),
		FramesDropped:   c.metrics.FramesDropped.Load(),
		SettingsSent:    c.metrics.SettingsSent.Load(),
		SettingsDropped: c.metrics.SettingsDropped.Load(),
		Batches:         c.metrics.BatchesReceived.Load(),
		Malformed:       c.metrics.MalformedMessages.Load(),
	}
}

func (c *Client) openLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return nil
	}
	return c.link
}

func (c *Client) current(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == l
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.metrics.ConnectionState.Store(uint64(s))
}

func (c *Client) notify(s State, err error) {
	if c.listener != nil {
		c.listener.OnStateChange(s, err)
	}
}

func (c *Client) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			c.lost(l, err)
			return
		}

		batch, err := detection.ParseBatch(data)
		if err != nil {
			c.metrics.MalformedMessages.Add(1)
			logger.Warn("Client", "Dropping message: %v", err)
			continue
		}
		if !c.current(l) {
			return
		}
		batch.ReceivedAt = time.Now()
		batch.Seq = c.seq.Add(1)
		c.metrics.ObserveBatch(batch.Len(), batch.ReceivedAt)
		logger.Debug("Client", "Batch #%d: %d detections", batch.Seq, batch.Len())
		if c.listener != nil {
			c.listener.OnBatch(batch)
		}
	}
}

func (c *Client) writeLoop(l *link) {
	for {
		// Settings go ahead of a pending frame.
		select {
		case msg := <-l.settings:
			if !c.write(l, msg) {
				return
			}
			c.metrics.SettingsSent.Add(1)
			continue
		default:
		}

		select {
		case <-l.done:
			return
		case msg := <-l.settings:
			if !c.write(l, msg) {
				return
			}
			c.metrics.SettingsSent.Add(1)
		case frame := <-l.frames:
			if !c.write(l, frame) {
				return
			}
			c.metrics.FramesSent.Add(1)
		}
	}
}

func (c *Client) write(l *link, data []byte) bool {
	_ = l.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.lost(l, err)
		return false
	}
	return true
}

// lost handles a socket that closed without a local Disconnect.
func (c *Client) lost(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		l.close()
		return
	}
	c.link = nil
	c.setStateLocked(Closed)
	c.mu.Unlock()

	l.close()
	c.metrics.ConnectionsLost.Add(1)
	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Warn("Client", "Connection lost: %v", cause)
	} else {
		logger.Info("Client", "Connection closed: %v", cause)
	}
	c.notify(Closed, errors.Wrap(ErrConnectionLost, cause.Error()))
}
