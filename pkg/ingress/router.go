package ingress

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/mqtt"
)

// Target is the session surface the router drives. Robot sessions accept
// telemetry plans, PLC sessions machine-data plans; each treats the
// other kind as a no-op.
type Target interface {
	ApplyTelemetryPlan(user string, plan model.TelemetryPlan, periodMs int)
	ApplyMachineDataPlan(user string, plan model.MachineDataPlan, periodMs int)
	TouchUser(user string)
	RemoveUser(user string)
}

// Registry maps device keys to their sessions.
type Registry struct {
	targets *xsync.Map[model.DeviceKey, Target]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: xsync.NewMap[model.DeviceKey, Target]()}
}

// Add registers a session under its key, replacing any previous one.
func (r *Registry) Add(key model.DeviceKey, t Target) {
	r.targets.Store(key, t)
}

// Remove drops a session.
func (r *Registry) Remove(key model.DeviceKey) {
	r.targets.Delete(key)
}

// Lookup returns the session for a key.
func (r *Registry) Lookup(key model.DeviceKey) (Target, bool) {
	return r.targets.Load(key)
}

// planEnvelope is the JSON body of a plan message. The plan fields are
// flat next to kind and periodMs; which set is meaningful depends on the
// kind.
type planEnvelope struct {
	Kind     string `json:"kind"`
	PeriodMs int    `json:"periodMs"`

	DI  []int    `json:"di"`
	GI  []int    `json:"gi"`
	GO  []int    `json:"go"`
	DO  []int    `json:"do"`
	R   []int    `json:"r"`
	Var []string `json:"var"`

	Items []model.PlanItem `json:"items"`
}

const (
	kindTelemetry   = "telemetry"
	kindMachineData = "machineData"
)

// Router dispatches control messages to registered sessions. Malformed
// topics and payloads, unknown devices, and unknown plan kinds are
// logged and dropped; nothing on the ingress path reaches the broker as
// an error.
type Router struct {
	registry *Registry
}

// NewRouter returns a router over the given registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

var _ mqtt.Handler = (*Router)(nil)

// HandleMessage implements mqtt.Handler.
func (rt *Router) HandleMessage(m mqtt.Message) error {
	ctl, err := ParseControl(m.Packet.Topic)
	if err != nil {
		slog.Warn("ingress drop", "error", err)
		return nil
	}
	target, ok := rt.registry.Lookup(ctl.Key)
	if !ok {
		slog.Warn("ingress drop", "error", fmt.Sprintf("unknown device %s", ctl.Key.String()))
		return nil
	}

	switch ctl.Verb {
	case VerbPlan:
		rt.handlePlan(ctl, target, m.Packet.Payload)
	case VerbHB:
		target.TouchUser(ctl.User)
	case VerbLeave:
		target.RemoveUser(ctl.User)
	}
	return nil
}

func (rt *Router) handlePlan(ctl Control, target Target, payload []byte) {
	var env planEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("ingress drop", "device", ctl.Key.String(), "user", ctl.User, "error", err)
		return
	}
	kind := env.Kind
	if kind == "" {
		kind = kindTelemetry
	}
	switch kind {
	case kindTelemetry:
		target.ApplyTelemetryPlan(ctl.User, model.TelemetryPlan{
			DI:  env.DI,
			GI:  env.GI,
			GO:  env.GO,
			DO:  env.DO,
			R:   env.R,
			Var: env.Var,
		}, env.PeriodMs)
	case kindMachineData:
		target.ApplyMachineDataPlan(ctl.User, model.MachineDataPlan(env.Items), env.PeriodMs)
	default:
		slog.Warn("ingress drop", "device", ctl.Key.String(), "user", ctl.User,
			"error", fmt.Sprintf("unknown plan kind %q", env.Kind))
	}
}
