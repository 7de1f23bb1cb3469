// Package session implements the generic supervised device session: it
// owns the transport lifecycle of one device, runs one polling iteration
// per tick under cancellation, reconnects with backoff after faults, and
// exposes the publish-allowed gate that couples reading to user demand.
//
// Concrete device behavior (robot streaming, PLC polling) is supplied
// through the Hooks interface; the supervisor itself is concrete code.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/twinsync/gateway/pkg/model"
)

// ErrAlreadyConnected is returned by Connect on a session that is running.
var ErrAlreadyConnected = errors.New("session: already connected")

// Hooks is the surface a concrete session implements. The supervisor
// calls OnConnect/OnDisconnect around the transport lifecycle and
// ReadFrame once per polling iteration.
type Hooks interface {
	// OnConnect establishes the device transport. Called for the initial
	// connect and for every reconnect attempt.
	OnConnect(ctx context.Context) error

	// OnDisconnect tears the transport down. Errors are logged and
	// swallowed; cleanup must be total.
	OnDisconnect(ctx context.Context) error

	// ReadFrame performs one polling iteration and returns the sampled
	// frame. Returning (nil, nil) means "nothing this tick". Any error
	// other than cancellation is classified as a transport fault.
	ReadFrame(ctx context.Context) (model.Frame, error)
}

// Events carries the observer callbacks of a session. Nil callbacks are
// skipped. Callbacks are invoked from the supervisor goroutine, so
// observers see status transitions in order.
type Events struct {
	StatusChanged         func(status model.DeviceStatus, err error)
	FrameReceived         func(frame model.Frame)
	PublishAllowedChanged func(allowed bool)
}

// Config configures a Supervisor.
type Config struct {
	Key model.DeviceKey

	// ReadWhileGated lets ReadFrame run even when publishing is
	// disabled. Default false: with no user demand the loop idles
	// instead of polling the device.
	ReadWhileGated bool

	// IdleDelay is the sleep between iterations while gated.
	// Default 50ms.
	IdleDelay time.Duration

	// BackoffStep and BackoffMax bound the reconnect delay:
	// min(BackoffMax, BackoffStep × attempt). Defaults 500ms / 10s.
	BackoffStep time.Duration
	BackoffMax  time.Duration
}

func (c *Config) setDefaults() {
	if c.IdleDelay == 0 {
		c.IdleDelay = 50 * time.Millisecond
	}
	if c.BackoffStep == 0 {
		c.BackoffStep = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 10 * time.Second
	}
}

// Supervisor drives one device session.
type Supervisor struct {
	cfg    Config
	hooks  Hooks
	events Events

	mu             sync.Mutex
	status         model.DeviceStatus
	publishAllowed bool
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
}

// New creates a Supervisor over the given hooks. The session starts in
// StatusDisconnected with publishing disabled.
func New(cfg Config, hooks Hooks, events Events) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{cfg: cfg, hooks: hooks, events: events}
}

// Key returns the device key of the session.
func (s *Supervisor) Key() model.DeviceKey { return s.cfg.Key }

// Status returns the current session status.
func (s *Supervisor) Status() model.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PublishAllowed reports whether upstream publishing is enabled.
func (s *Supervisor) PublishAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishAllowed
}

// SetPublishAllowed sets the publish gate. The change event fires only on
// an actual transition.
func (s *Supervisor) SetPublishAllowed(allowed bool) {
	s.mu.Lock()
	changed := s.publishAllowed != allowed
	s.publishAllowed = allowed
	s.mu.Unlock()
	if changed && s.events.PublishAllowedChanged != nil {
		s.events.PublishAllowedChanged(allowed)
	}
}

// Connect establishes the device transport and starts the run loop.
// A failure of the very first connect is returned to the caller; faults
// after that are observable only through StatusChanged.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.running = true
	s.mu.Unlock()

	s.setStatus(model.StatusConnecting, nil)
	if err := s.hooks.OnConnect(ctx); err != nil {
		s.SetPublishAllowed(false)
		s.setStatus(model.StatusFaulted, err)
		s.cleanup(ctx)
		s.setStatus(model.StatusDisconnected, nil)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.setStatus(model.StatusConnected, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.supervise(runCtx)
	s.setStatus(model.StatusStreaming, nil)
	return nil
}

// Disconnect stops the session. It is idempotent: disconnecting a stopped
// session is a no-op. Cancellation of the run loop is a normal exit path.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	s.SetPublishAllowed(false)
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.cleanup(ctx)
	s.setStatus(model.StatusDisconnected, nil)
	return nil
}

// supervise runs the poll loop and, after a fault, the reconnect loop.
func (s *Supervisor) supervise(ctx context.Context) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	defer close(done)

	for {
		err := s.runLoop(ctx)
		if err == nil {
			// Canceled: Disconnect owns cleanup and the final status.
			return
		}

		slog.Warn("session fault", "device", s.cfg.Key.String(), "error", err)
		s.SetPublishAllowed(false)
		s.setStatus(model.StatusFaulted, err)
		s.cleanup(ctx)
		s.setStatus(model.StatusDisconnected, nil)

		if !s.reconnect(ctx) {
			return
		}
	}
}

// runLoop performs polling iterations until cancellation (returns nil) or
// a transport fault (returns the error).
func (s *Supervisor) runLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.cfg.ReadWhileGated && !s.PublishAllowed() {
			if !sleep(ctx, s.cfg.IdleDelay) {
				return nil
			}
			continue
		}
		frame, err := s.hooks.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			// A deadline expiry with the parent still live is a
			// connection-loss signal, not a caller stop.
			return err
		}
		if frame != nil && s.events.FrameReceived != nil {
			s.events.FrameReceived(frame)
		}
	}
}

// reconnect retries OnConnect with capped linear backoff. Returns false
// when the context is canceled.
func (s *Supervisor) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if !sleep(ctx, s.backoff(attempt)) {
			return false
		}
		s.setStatus(model.StatusConnecting, nil)
		err := s.hooks.OnConnect(ctx)
		if err == nil {
			s.setStatus(model.StatusConnected, nil)
			s.setStatus(model.StatusStreaming, nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("session reconnect failed",
			"device", s.cfg.Key.String(), "attempt", attempt, "error", err)
		s.setStatus(model.StatusFaulted, err)
		s.cleanup(ctx)
		s.setStatus(model.StatusDisconnected, nil)
	}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffStep * time.Duration(attempt)
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

// cleanup tears the transport down, swallowing errors after logging.
func (s *Supervisor) cleanup(ctx context.Context) {
	if err := s.hooks.OnDisconnect(ctx); err != nil {
		slog.Warn("session disconnect error", "device", s.cfg.Key.String(), "error", err)
	}
}

func (s *Supervisor) setStatus(status model.DeviceStatus, err error) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if s.events.StatusChanged != nil {
		s.events.StatusChanged(status, err)
	}
}

// sleep waits for d or cancellation. Returns false when canceled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
