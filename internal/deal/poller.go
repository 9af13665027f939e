package deal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesio-ai/be-deal-constructor/internal/logger"
	"github.com/pesio-ai/be-deal-constructor/internal/metrics"
)

// StatusObserver reads an externally persisted status
type StatusObserver interface {
	GetExternalStatus(ctx context.Context, resourceID string) (ApprovalStatus, error)
}

// StatusObserverFunc adapts a function to StatusObserver
type StatusObserverFunc func(ctx context.Context, resourceID string) (ApprovalStatus, error)

// GetExternalStatus calls f
func (f StatusObserverFunc) GetExternalStatus(ctx context.Context, resourceID string) (ApprovalStatus, error) {
	return f(ctx, resourceID)
}

// PollerConfig configures a Poller
type PollerConfig struct {
	// Kind labels logs and metrics
	Kind WatchKind
	// Interval is the default time between polls
	Interval time.Duration
	// RetryAttempts bounds the reads attempted within one tick
	RetryAttempts int
	// RetryDelay separates attempts within one tick
	RetryDelay time.Duration
	// ReadTimeout bounds a single read; zero means the interval
	ReadTimeout time.Duration
}

// StatusHandler receives a changed status. A non-nil error leaves the status
// undelivered so the next tick offers it again.
type StatusHandler func(ApprovalStatus) error

// Poller watches external statuses, one timer per resource. The handler fires
// only when the observed status differs from the last one delivered, starting
// from StatusNone, and polling stops by itself once a terminal status is
// delivered.
type Poller struct {
	observer StatusObserver
	cfg      PollerConfig
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active map[string]*PollHandle
	wg     sync.WaitGroup
}

// NewPoller creates a poller reading from observer
func NewPoller(observer StatusObserver, cfg PollerConfig, log *logger.Logger, m *metrics.Metrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Poller{
		observer: observer,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		active:   make(map[string]*PollHandle),
	}
}

// PollHandle cancels one polling loop
type PollHandle struct {
	resourceID string
	cancel     context.CancelFunc
	cancelled  atomic.Bool
	done       chan struct{}
}

// Cancel stops the loop without waiting for it. No callback starts after
// Cancel returns, but one that already started runs to completion, so a
// callback that must not act after cancellation checks Cancelled under the
// same lock its canceller holds.
func (h *PollHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	h.cancel()
}

// Cancelled reports whether Cancel was called
func (h *PollHandle) Cancelled() bool {
	return h == nil || h.cancelled.Load()
}

// Done is closed when the loop has exited
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// Start polls resourceID every interval (the configured one when zero) and
// replaces any loop already running for the same resource.
func (p *Poller) Start(resourceID string, interval time.Duration, onChange StatusHandler) *PollHandle {
	if interval <= 0 {
		interval = p.cfg.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &PollHandle{
		resourceID: resourceID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	if prev, ok := p.active[resourceID]; ok {
		prev.Cancel()
	}
	p.active[resourceID] = h
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx, h, interval, onChange)

	p.log.Debug().
		Str("kind", string(p.cfg.Kind)).
		Str("resource_id", resourceID).
		Dur("interval", interval).
		Msg("Status polling started")
	return h
}

// Stop cancels the loop for resourceID, if any
func (p *Poller) Stop(resourceID string) {
	p.mu.Lock()
	h, ok := p.active[resourceID]
	if ok {
		delete(p.active, resourceID)
	}
	p.mu.Unlock()
	if ok {
		h.Cancel()
	}
}

// Active reports whether resourceID is being polled
func (p *Poller) Active(resourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.active[resourceID]
	return ok && !h.Cancelled()
}

// Close cancels every loop and waits for them to exit
func (p *Poller) Close() {
	p.mu.Lock()
	for id, h := range p.active {
		h.Cancel()
		delete(p.active, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) release(h *PollHandle) {
	p.mu.Lock()
	if cur, ok := p.active[h.resourceID]; ok && cur == h {
		delete(p.active, h.resourceID)
	}
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context, h *PollHandle, interval time.Duration, onChange StatusHandler) {
	defer p.wg.Done()
	defer close(h.done)
	defer p.release(h)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := StatusNone
	for {
		status, ok := p.read(ctx, h.resourceID, interval)
		if ctx.Err() != nil {
			return
		}
		if ok && status != last {
			if h.Cancelled() {
				return
			}
			if err := onChange(status); err != nil {
				p.log.Warn().
					Err(err).
					Str("kind", string(p.cfg.Kind)).
					Str("resource_id", h.resourceID).
					Str("status", string(status)).
					Msg("Status change not applied; retrying next interval")
			} else {
				last = status
				if status.Terminal() {
					p.log.Debug().
						Str("kind", string(p.cfg.Kind)).
						Str("resource_id", h.resourceID).
						Str("status", string(status)).
						Msg("Status polling reached terminal status")
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// read fetches the status with a bounded number of attempts. Failures are
// logged and reported as ok=false; the next tick tries again.
func (p *Poller) read(ctx context.Context, resourceID string, interval time.Duration) (ApprovalStatus, bool) {
	timeout := p.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = interval
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		status, err := p.observer.GetExternalStatus(readCtx, resourceID)
		cancel()
		if err == nil {
			p.metrics.ObservePoll(string(p.cfg.Kind), "ok")
			return status, true
		}
		lastErr = err
		p.metrics.ObservePoll(string(p.cfg.Kind), "error")

		if ctx.Err() != nil || attempt == p.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return StatusNone, false
		case <-time.After(p.cfg.RetryDelay):
		}
	}

	if ctx.Err() == nil {
		p.log.Warn().
			Err(lastErr).
			Str("kind", string(p.cfg.Kind)).
			Str("resource_id", resourceID).
			Int("attempts", p.cfg.RetryAttempts).
			Msg("Status poll failed; retrying next interval")
	}
	return StatusNone, false
}
