// Package egress moves device frames and the device roster to the cloud
// broker. The pump publishes at most one frame per device per tick and
// drops a device's cached frame the moment its publishing is disabled.
package egress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/twinsync/gateway/pkg/ingress"
	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/mqtt"
)

// Publisher is the broker-facing write surface. Both *mqtt.Conn and
// *mqtt.Server satisfy it.
type Publisher interface {
	WriteToTopic(ctx context.Context, b []byte, topic string, opts ...mqtt.WriteOption) error
}

// Envelope is the egress data message.
type Envelope struct {
	PubSeq     int64           `json:"pubSeq"`
	TS         model.Milli     `json:"ts"`
	FrameSeq   int64           `json:"frameSeq"`
	DeviceType string          `json:"deviceType"`
	DeviceID   string          `json:"deviceId"`
	Payload    json.RawMessage `json:"payload"`
}

// DefaultPumpPeriod is the tick interval when the config gives none.
const DefaultPumpPeriod = 30 * time.Millisecond

type slot struct {
	enabled bool
	latest  model.Frame
	pubSeq  int64
}

// Pump batches the freshest frame of every enabled device and publishes
// one envelope per device per tick. Only the latest frame survives
// between ticks; older ones are coalesced away.
type Pump struct {
	period time.Duration
	pub    Publisher

	mu    sync.Mutex
	slots map[model.DeviceKey]*slot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPump creates a pump publishing through pub. period <= 0 selects
// DefaultPumpPeriod.
func NewPump(period time.Duration, pub Publisher) *Pump {
	if period <= 0 {
		period = DefaultPumpPeriod
	}
	return &Pump{
		period: period,
		pub:    pub,
		slots:  make(map[model.DeviceKey]*slot),
	}
}

// Start launches the tick loop.
func (p *Pump) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Close stops the tick loop. Idempotent.
func (p *Pump) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// OnFrame caches the device's freshest frame. Frames arriving while the
// device is disabled are dropped.
func (p *Pump) OnFrame(key model.DeviceKey, f model.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sl, ok := p.slots[key]
	if !ok {
		sl = &slot{}
		p.slots[key] = sl
	}
	if !sl.enabled {
		return
	}
	sl.latest = f
}

// SetEnabled flips a device's publish gate. Disabling discards the
// cached frame, so a later enable can never replay pre-disable data.
func (p *Pump) SetEnabled(key model.DeviceKey, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sl, ok := p.slots[key]
	if !ok {
		sl = &slot{}
		p.slots[key] = sl
	}
	sl.enabled = enabled
	if !enabled {
		sl.latest = nil
	}
}

// Forget drops a device's slot entirely.
func (p *Pump) Forget(key model.DeviceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, key)
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

type outbound struct {
	topic string
	body  []byte
}

// tick snapshots publishable frames under the lock, then publishes
// outside it so a slow broker never blocks frame intake.
func (p *Pump) tick(ctx context.Context) {
	var batch []outbound

	p.mu.Lock()
	for key, sl := range p.slots {
		if !sl.enabled || sl.latest == nil {
			continue
		}
		f := sl.latest
		payload, err := json.Marshal(f)
		if err != nil {
			slog.Error("egress marshal failed", "device", key.String(), "error", err)
			continue
		}
		sl.pubSeq++
		body, err := json.Marshal(Envelope{
			PubSeq:     sl.pubSeq,
			TS:         f.FrameTime(),
			FrameSeq:   f.FrameSeq(),
			DeviceType: key.DeviceType,
			DeviceID:   key.DeviceID,
			Payload:    payload,
		})
		if err != nil {
			slog.Error("egress marshal failed", "device", key.String(), "error", err)
			continue
		}
		batch = append(batch, outbound{topic: ingress.DataTopic(key), body: body})
	}
	p.mu.Unlock()

	for _, out := range batch {
		if err := p.pub.WriteToTopic(ctx, out.body, out.topic); err != nil {
			slog.Warn("egress publish failed", "topic", out.topic, "error", err)
		}
	}
}
