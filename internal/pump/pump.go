// Package pump drives frames from the active source to the connection at a
// fixed rate.
package pump

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/live-detection/stream-client/internal/logger"
	"github.com/dj-oyu/live-detection/stream-client/internal/metrics"
)

// GrabFunc returns the next encoded frame, or nil when none is ready.
type GrabFunc func() ([]byte, error)

// Sender accepts encoded frames without blocking.
type Sender interface {
	Send(frame []byte) bool
}

// Config controls the pump rate.
type Config struct {
	FPS   int         `yaml:"fps"`
	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig runs at 10 fps on the wall clock.
func DefaultConfig() Config {
	return Config{FPS: 10, Clock: clock.New()}
}

// Stats counts pump activity.
type Stats struct {
	Ticks   uint64 `json:"ticks"`
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
	Errors  uint64 `json:"errors"`
}

// Pump calls the current GrabFunc once per tick and hands the result to the
// sender. Nothing is buffered: a tick with no frame is skipped.
type Pump struct {
	clock    clock.Clock
	interval time.Duration
	sender   Sender
	metrics  *metrics.Metrics

	grab atomic.Pointer[GrabFunc]

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	ticks   atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64
	errs    atomic.Uint64
}

// New creates a stopped pump. m may be nil.
func New(cfg Config, sender Sender, m *metrics.Metrics) *Pump {
	def := DefaultConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pump{
		clock:    cfg.Clock,
		interval: time.Second / time.Duration(cfg.FPS),
		sender:   sender,
		metrics:  m,
	}
}

// SetGrab swaps the frame provider. It takes effect on the next tick and may
// be called while running. nil disables grabbing.
func (p *Pump) SetGrab(fn GrabFunc) {
	if fn == nil {
		p.grab.Store(nil)
		return
	}
	p.grab.Store(&fn)
}

// Start begins ticking. A second Start while running is a no-op.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	// Create the ticker before the goroutine so a mock clock sees it immediately.
	ticker := p.clock.Ticker(p.interval)
	go p.run(ticker, p.stop, p.done)
	logger.Info("Pump", "Started (interval=%v)", p.interval)
}

// Stop halts ticking and waits for an in-flight tick to finish. Safe to call
// when not running.
func (p *Pump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	logger.Info("Pump", "Stopped")
}

// Running reports whether the pump is ticking.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns the counters since construction.
func (p *Pump) Stats() Stats {
	return Stats{
		Ticks:   p.ticks.Load(),
		Sent:    p.sent.Load(),
		Skipped: p.skipped.Load(),
		Errors:  p.errs.Load(),
	}
}

func (p *Pump) run(ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pump) tick() {
	p.ticks.Add(1)
	p.metrics.PumpTicks.Add(1)

	fn := p.grab.Load()
	if fn == nil {
		p.skip()
		return
	}
	data, err := (*fn)()
	if err != nil {
		p.errs.Add(1)
		p.metrics.GrabErrors.Add(1)
		logger.Debug("Pump", "Grab failed: %v", err)
		return
	}
	if data == nil {
		p.skip()
		return
	}
	if p.sender.Send(data) {
		p.sent.Add(1)
	}
}

func (p *Pump) skip() {
	p.skipped.Add(1)
	p.metrics.FramesSkipped.Add(1)
}
