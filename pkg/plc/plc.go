// Package plc implements the machine-data device session: union of tag
// item plans with heartbeat leases and a paced whole-union polling loop
// over a tag-oriented transport.
package plc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/session"
)

// Transport is the tag-level connection to a PLC. UDT expansion and
// [a..b] range reads are transport responsibilities; the session only
// presents the union item list.
type Transport interface {
	// Connect (re)establishes the connection.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call when not connected.
	Close() error

	// ReadTags reads every item in one call. The result is keyed by
	// item path exactly as given. The context deadline bounds the read.
	ReadTags(ctx context.Context, items []model.PlanItem) (map[string]model.PlcValue, error)
}

// Config configures a PLC session.
type Config struct {
	Key  model.DeviceKey
	Name string

	// DefaultPeriod is the soft-pace sleep between reads. Default
	// 200ms. Plans may override it via periodMs, clamped to
	// MinPollPeriod.
	DefaultPeriod time.Duration

	// Timeout bounds one ReadTags call; the effective bound is
	// max(200ms, Timeout).
	Timeout time.Duration

	// MaxItems truncates the union item list. Default 50.
	MaxItems int

	// IdleDelay is the sleep when the union is empty but users exist.
	// Default 50ms.
	IdleDelay time.Duration

	// LeaseTimeout / ReapInterval drive the user-plan lease reaper.
	// Defaults 60s / 5s.
	LeaseTimeout time.Duration
	ReapInterval time.Duration

	BackoffStep time.Duration
	BackoffMax  time.Duration
}

// MinPollPeriod is the lower clamp for plan-provided periods.
const MinPollPeriod = 50 * time.Millisecond

// minReadTimeout is the floor of the per-read deadline.
const minReadTimeout = 200 * time.Millisecond

func (c *Config) setDefaults() {
	if c.DefaultPeriod == 0 {
		c.DefaultPeriod = 200 * time.Millisecond
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.IdleDelay == 0 {
		c.IdleDelay = 50 * time.Millisecond
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 60 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 5 * time.Second
	}
}

func (c *Config) readTimeout() time.Duration {
	if c.Timeout > minReadTimeout {
		return c.Timeout
	}
	return minReadTimeout
}

type userPlan struct {
	plan     model.MachineDataPlan
	periodMs int
	lastSeen time.Time
}

// Session is a PLC device session.
type Session struct {
	cfg       Config
	transport Transport
	sup       *session.Supervisor

	planMu sync.Mutex
	plans  map[string]*userPlan
	union  []model.PlanItem

	period atomic.Int64 // poll period in nanoseconds
	seq    atomic.Int64
	last   time.Time // previous read completion, run-loop goroutine only

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// NewSession creates a PLC session over the given transport.
func NewSession(cfg Config, transport Transport, events session.Events) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:       cfg,
		transport: transport,
		plans:     make(map[string]*userPlan),
	}
	s.period.Store(int64(cfg.DefaultPeriod))
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

// Connect establishes the transport and starts the poll loop and the
// lease reaper.
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

// ApplyTelemetryPlan is a no-op: PLCs carry no telemetry plans.
func (s *Session) ApplyTelemetryPlan(user string, plan model.TelemetryPlan, periodMs int) {}

// ApplyMachineDataPlan creates or replaces the user's plan and refreshes
// its lease.
func (s *Session) ApplyMachineDataPlan(user string, plan model.MachineDataPlan, periodMs int) {
	s.planMu.Lock()
	s.plans[user] = &userPlan{plan: plan, periodMs: periodMs, lastSeen: time.Now()}
	s.planMu.Unlock()
	s.plansChanged()
}

// TouchUser refreshes the user's lease.
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

// UnionPlan returns the current union item list.
func (s *Session) UnionPlan() []model.PlanItem {
	s.planMu.Lock()
	defer s.planMu.Unlock()
	out := make([]model.PlanItem, len(s.union))
	copy(out, s.union)
	return out
}

// plansChanged recomputes the union, the poll period, and the gate.
func (s *Session) plansChanged() {
	s.planMu.Lock()
	plans := make([]model.MachineDataPlan, 0, len(s.plans))
	best := s.cfg.DefaultPeriod
	requested := false
	for _, up := range s.plans {
		plans = append(plans, up.plan)
		if up.periodMs > 0 {
			p := time.Duration(up.periodMs) * time.Millisecond
			if p < MinPollPeriod {
				p = MinPollPeriod
			}
			if !requested || p < best {
				best = p
				requested = true
			}
		}
	}
	s.union = UnionItems(plans, s.cfg.MaxItems)
	hasUsers := len(s.plans) > 0
	s.planMu.Unlock()

	s.period.Store(int64(best))
	s.sup.SetPublishAllowed(hasUsers)
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
		slog.Info("plc leases expired", "device", s.cfg.Key.String(), "users", expired)
		s.plansChanged()
	}
}

// hooks adapts Session to the supervisor's hook surface.
type hooks Session

func (h *hooks) session() *Session { return (*Session)(h) }

func (h *hooks) OnConnect(ctx context.Context) error {
	s := h.session()
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	s.sup.SetPublishAllowed(s.Users() > 0)
	return nil
}

func (h *hooks) OnDisconnect(ctx context.Context) error {
	return h.session().transport.Close()
}

// ReadFrame reads the whole union in one transport call, soft-pacing
// between reads.
func (h *hooks) ReadFrame(ctx context.Context) (model.Frame, error) {
	s := h.session()

	if !s.last.IsZero() {
		elapsed := time.Since(s.last)
		if wait := time.Duration(s.period.Load()) - elapsed; wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}

	s.planMu.Lock()
	items := make([]model.PlanItem, len(s.union))
	copy(items, s.union)
	s.planMu.Unlock()

	if len(items) == 0 {
		// Users exist (the loop is ungated) but request nothing yet:
		// idle instead of issuing spurious reads.
		t := time.NewTimer(s.cfg.IdleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		return nil, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.readTimeout())
	defer cancel()
	values, err := s.transport.ReadTags(readCtx, items)
	if err != nil {
		return nil, err
	}
	s.last = time.Now()
	return &model.PlcFrame{
		TS:     model.NowMilli(),
		Seq:    s.seq.Add(1),
		Values: values,
	}, nil
}
