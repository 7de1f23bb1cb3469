// Package robot implements the telemetry device session: plan union over
// multi-tenant user plans with heartbeat leases, the GET_FAST streaming
// loop, and the line-protocol frame parser.
package robot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/session"
)

// Config configures a robot session.
type Config struct {
	Key  model.DeviceKey
	Name string

	// ReadTimeout bounds each GET_FAST read phase. Its expiry is a
	// connection-loss signal. Default 500ms.
	ReadTimeout time.Duration

	// StreamPeriod is the base pacing of the stream loop. Default 30ms.
	// Plans may override it via periodMs, clamped to MinStreamPeriod.
	StreamPeriod time.Duration

	// LeaseTimeout is how long a user plan survives without heartbeats.
	// Default 60s.
	LeaseTimeout time.Duration

	// ReapInterval is the lease reaper tick. Default 5s.
	ReapInterval time.Duration

	// BackoffStep and BackoffMax bound the reconnect delay; zero values
	// use the session defaults (500ms / 10s).
	BackoffStep time.Duration
	BackoffMax  time.Duration
}

// MinStreamPeriod is the lower clamp for plan-provided periods.
const MinStreamPeriod = 50 * time.Millisecond

func (c *Config) setDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.StreamPeriod == 0 {
		c.StreamPeriod = 30 * time.Millisecond
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 60 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 5 * time.Second
	}
}

type userPlan struct {
	plan     model.TelemetryPlan
	periodMs int
	lastSeen time.Time
}

// Session is a robot device session. It layers plan-union semantics and
// the streaming loop on the generic supervisor.
type Session struct {
	cfg       Config
	transport Transport
	sup       *session.Supervisor

	// ioMu serializes plan commands against streaming reads on the one
	// transport.
	ioMu sync.Mutex

	planMu       sync.Mutex
	plans        map[string]*userPlan
	applied      model.TelemetryPlan
	appliedValid bool

	connected atomic.Bool
	period    atomic.Int64 // stream period in nanoseconds
	seq       atomic.Int64
	next      time.Time // pacing boundary, run-loop goroutine only

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// NewSession creates a robot session over the given transport.
func NewSession(cfg Config, transport Transport, events session.Events) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:       cfg,
		transport: transport,
		plans:     make(map[string]*userPlan),
	}
	s.period.Store(int64(cfg.StreamPeriod))
	s.sup = session.New(session.Config{
		Key:         cfg.Key,
		BackoffStep: cfg.BackoffStep,
		BackoffMax:  cfg.BackoffMax,
	}, (*hooks)(s), events)
	return s
}

// Key returns the device key.
func (s *Session) Key() model.DeviceKey { return s.cfg.Key }

// Status returns the current session status.
func (s *Session) Status() model.DeviceStatus { return s.sup.Status() }

// PublishAllowed reports whether upstream publishing is enabled.
func (s *Session) PublishAllowed() bool { return s.sup.PublishAllowed() }

// Connect establishes the transport, applies the current union plan, and
// starts the stream loop and the lease reaper.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.sup.Connect(ctx); err != nil {
		return err
	}
	reapCtx, cancel := context.WithCancel(context.Background())
	s.reapCancel = cancel
	s.reapDone = make(chan struct{})
	go s.reapLoop(reapCtx)
	return nil
}

// Disconnect stops the session. Idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.reapCancel != nil {
		s.reapCancel()
		<-s.reapDone
		s.reapCancel = nil
	}
	return s.sup.Disconnect(ctx)
}

// ApplyTelemetryPlan creates or replaces the user's plan and refreshes
// its lease. periodMs, when positive, requests a stream period (clamped
// to MinStreamPeriod).
func (s *Session) ApplyTelemetryPlan(user string, plan model.TelemetryPlan, periodMs int) {
	s.planMu.Lock()
	s.plans[user] = &userPlan{plan: plan, periodMs: periodMs, lastSeen: time.Now()}
	s.planMu.Unlock()
	s.plansChanged()
}

// ApplyMachineDataPlan is a no-op: robots carry no machine-data plans.
func (s *Session) ApplyMachineDataPlan(user string, plan model.MachineDataPlan, periodMs int) {}

// TouchUser refreshes the user's lease. Heartbeats for unknown users are
// ignored.
func (s *Session) TouchUser(user string) {
	s.planMu.Lock()
	if up, ok := s.plans[user]; ok {
		up.lastSeen = time.Now()
	}
	s.planMu.Unlock()
}

// RemoveUser deletes the user's plan.
func (s *Session) RemoveUser(user string) {
	s.planMu.Lock()
	_, ok := s.plans[user]
	delete(s.plans, user)
	s.planMu.Unlock()
	if ok {
		s.plansChanged()
	}
}

// Users returns the active user count.
func (s *Session) Users() int {
	s.planMu.Lock()
	defer s.planMu.Unlock()
	return len(s.plans)
}

// AppliedPlan returns the plan last applied to the device.
func (s *Session) AppliedPlan() (model.TelemetryPlan, bool) {
	s.planMu.Lock()
	defer s.planMu.Unlock()
	return s.applied, s.appliedValid
}

// plansChanged recomputes demand and pushes the union to the device.
func (s *Session) plansChanged() {
	s.planMu.Lock()
	hasUsers := len(s.plans) > 0
	s.period.Store(int64(s.desiredPeriodLocked()))
	s.planMu.Unlock()

	s.sup.SetPublishAllowed(hasUsers)

	if !s.connected.Load() {
		return
	}
	if err := s.applyIfChanged(context.Background()); err != nil {
		// Force a read fault so the supervisor reconnects and re-applies.
		slog.Warn("robot plan apply failed", "device", s.cfg.Key.String(), "error", err)
		s.transport.Close()
	}
}

// desiredPeriodLocked returns the minimum of all clamped user-requested
// periods, or the configured default when no user requests one.
func (s *Session) desiredPeriodLocked() time.Duration {
	best := s.cfg.StreamPeriod
	requested := false
	for _, up := range s.plans {
		if up.periodMs <= 0 {
			continue
		}
		p := time.Duration(up.periodMs) * time.Millisecond
		if p < MinStreamPeriod {
			p = MinStreamPeriod
		}
		if !requested || p < best {
			best = p
			requested = true
		}
	}
	return best
}

// applyIfChanged sends the union plan to the device if it differs from
// the last applied one. Each PLAN command must be acknowledged with OK.
func (s *Session) applyIfChanged(ctx context.Context) error {
	s.planMu.Lock()
	union := s.unionLocked()
	if s.appliedValid && union.Equal(s.applied) {
		s.planMu.Unlock()
		return nil
	}
	s.planMu.Unlock()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	for _, cmd := range PlanCommands(union) {
		if err := s.exec(ctx, cmd); err != nil {
			return err
		}
	}

	s.planMu.Lock()
	s.applied = union
	s.appliedValid = true
	s.planMu.Unlock()
	return nil
}

func (s *Session) unionLocked() model.TelemetryPlan {
	plans := make([]model.TelemetryPlan, 0, len(s.plans))
	for _, up := range s.plans {
		plans = append(plans, up.plan)
	}
	return UnionPlans(plans)
}

// exec sends one command and checks the OK acknowledgement. Caller holds
// ioMu.
func (s *Session) exec(ctx context.Context, cmd string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	if err := s.transport.WriteLine(cmdCtx, cmd); err != nil {
		return fmt.Errorf("robot: send %q: %w", cmd, err)
	}
	resp, err := s.transport.ReadLine(cmdCtx)
	if err != nil {
		return fmt.Errorf("robot: ack %q: %w", cmd, err)
	}
	if resp != okResponse {
		return fmt.Errorf("robot: command %q rejected: %q", cmd, resp)
	}
	return nil
}

// reapLoop removes user plans whose lease expired.
func (s *Session) reapLoop(ctx context.Context) {
	defer close(s.reapDone)
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Session) reap() {
	now := time.Now()
	s.planMu.Lock()
	var expired []string
	for user, up := range s.plans {
		if now.Sub(up.lastSeen) > s.cfg.LeaseTimeout {
			expired = append(expired, user)
		}
	}
	for _, user := range expired {
		delete(s.plans, user)
	}
	s.planMu.Unlock()

	if len(expired) > 0 {
		slog.Info("robot leases expired", "device", s.cfg.Key.String(), "users", expired)
		s.plansChanged()
	}
}

// hooks adapts Session to the supervisor's hook surface without widening
// the public API.
type hooks Session

func (h *hooks) session() *Session { return (*Session)(h) }

func (h *hooks) OnConnect(ctx context.Context) error {
	s := h.session()
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	// The device forgot its plan across the connection: re-send the
	// full union before the first frame read.
	s.planMu.Lock()
	s.appliedValid = false
	s.planMu.Unlock()
	s.connected.Store(true)
	if err := s.applyIfChanged(ctx); err != nil {
		s.connected.Store(false)
		s.transport.Close()
		return err
	}
	// A fault clears the gate; re-derive it from current demand so
	// streaming resumes when users are still present.
	s.sup.SetPublishAllowed(s.Users() > 0)
	return nil
}

func (h *hooks) OnDisconnect(ctx context.Context) error {
	s := h.session()
	s.connected.Store(false)
	return s.transport.Close()
}

// ReadFrame performs one paced GET_FAST exchange.
func (h *hooks) ReadFrame(ctx context.Context) (model.Frame, error) {
	s := h.session()

	// Fixed-period pacing; on drift collapse back to now instead of
	// bursting to catch up.
	period := time.Duration(s.period.Load())
	now := time.Now()
	if s.next.IsZero() || s.next.Before(now.Add(-period)) {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s.next = s.next.Add(period)
	if s.next.Before(time.Now()) {
		s.next = time.Now()
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	if err := s.transport.WriteLine(readCtx, "GET_FAST"); err != nil {
		return nil, fmt.Errorf("robot: send GET_FAST: %w", err)
	}
	frame := &model.TelemetryFrame{TS: model.NowMilli()}
	for {
		line, err := s.transport.ReadLine(readCtx)
		if err != nil {
			return nil, fmt.Errorf("robot: read frame: %w", err)
		}
		if line == endSentinel {
			break
		}
		if err := parseFastLine(frame, line); err != nil {
			return nil, err
		}
	}
	frame.Seq = s.seq.Add(1)
	return frame, nil
}
