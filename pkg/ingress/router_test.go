package ingress_test

import (
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/twinsync/gateway/pkg/ingress"
	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/mqtt"
)

type call struct {
	op       string
	user     string
	tele     model.TelemetryPlan
	machine  model.MachineDataPlan
	periodMs int
}

type fakeTarget struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeTarget) ApplyTelemetryPlan(user string, plan model.TelemetryPlan, periodMs int) {
	f.record(call{op: "telemetry", user: user, tele: plan, periodMs: periodMs})
}

func (f *fakeTarget) ApplyMachineDataPlan(user string, plan model.MachineDataPlan, periodMs int) {
	f.record(call{op: "machineData", user: user, machine: plan, periodMs: periodMs})
}

func (f *fakeTarget) TouchUser(user string)  { f.record(call{op: "touch", user: user}) }
func (f *fakeTarget) RemoveUser(user string) { f.record(call{op: "remove", user: user}) }

func (f *fakeTarget) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTarget) all() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func robotKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "acme", GatewayID: "plant1", DeviceType: "robot-fanuc", DeviceID: "R1"}
}

func plcKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "acme", GatewayID: "plant1", DeviceType: "plc-logix", DeviceID: "PLC1"}
}

func msg(topic, payload string) mqtt.Message {
	return mqtt.Message{Packet: &paho.Publish{Topic: topic, Payload: []byte(payload)}}
}

func TestParseControl(t *testing.T) {
	tests := []struct {
		topic   string
		want    ingress.Control
		wantErr bool
	}{
		{
			topic: "twinsync/acme/plant1/plan/robot-fanuc/R1/alice",
			want: ingress.Control{
				Key: robotKey(), Verb: ingress.VerbPlan, User: "alice",
			},
		},
		{
			// Root and verb are case-insensitive.
			topic: "TwinSync/acme/plant1/HB/robot-fanuc/R1/alice",
			want: ingress.Control{
				Key: robotKey(), Verb: ingress.VerbHB, User: "alice",
			},
		},
		{
			// Empty segments are dropped before counting, so a doubled
			// slash still parses when seven segments remain.
			topic: "twinsync//acme/plant1/plan/robot-fanuc/R1/alice",
			want: ingress.Control{
				Key: robotKey(), Verb: ingress.VerbPlan, User: "alice",
			},
		},
		{
			topic: "/twinsync/acme/plant1/leave/robot-fanuc/R1/alice/",
			want: ingress.Control{
				Key: robotKey(), Verb: ingress.VerbLeave, User: "alice",
			},
		},
		{topic: "twinsync/acme/plant1/plan/robot-fanuc/R1", wantErr: true},
		{topic: "twinsync/acme/plant1/plan/robot-fanuc/R1/alice/extra", wantErr: true},
		{topic: "twinsync/acme/plant1/subscribe/robot-fanuc/R1/alice", wantErr: true},
		{topic: "other/acme/plant1/plan/robot-fanuc/R1/alice", wantErr: true},
		// Six segments after the empty one is dropped.
		{topic: "twinsync/acme/plant1/plan/robot-fanuc//alice", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ingress.ParseControl(tt.topic)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseControl(%q): want error, got %+v", tt.topic, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseControl(%q): %v", tt.topic, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseControl(%q) = %+v, want %+v", tt.topic, got, tt.want)
		}
	}
}

func TestRouter_TelemetryPlanDefaultKind(t *testing.T) {
	reg := ingress.NewRegistry()
	robot := &fakeTarget{}
	reg.Add(robotKey(), robot)
	rt := ingress.NewRouter(reg)

	err := rt.HandleMessage(msg(
		"twinsync/acme/plant1/plan/robot-fanuc/R1/alice",
		`{"di":[105,113],"gi":[1],"periodMs":100}`,
	))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	calls := robot.all()
	if len(calls) != 1 || calls[0].op != "telemetry" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].user != "alice" || calls[0].periodMs != 100 {
		t.Errorf("call = %+v", calls[0])
	}
	want := model.TelemetryPlan{DI: []int{105, 113}, GI: []int{1}}
	if !calls[0].tele.Equal(want) {
		t.Errorf("plan = %+v, want %+v", calls[0].tele, want)
	}
}

func TestRouter_MachineDataPlan(t *testing.T) {
	reg := ingress.NewRegistry()
	plc := &fakeTarget{}
	reg.Add(plcKey(), plc)
	rt := ingress.NewRouter(reg)

	rt.HandleMessage(msg(
		"twinsync/acme/plant1/plan/plc-logix/PLC1/bob",
		`{"kind":"machineData","items":[{"path":"Station1Status","expand":"udt"}]}`,
	))
	calls := plc.all()
	if len(calls) != 1 || calls[0].op != "machineData" {
		t.Fatalf("calls = %+v", calls)
	}
	if len(calls[0].machine) != 1 || calls[0].machine[0].Path != "Station1Status" {
		t.Errorf("plan = %+v", calls[0].machine)
	}
}

func TestRouter_HeartbeatAndLeave(t *testing.T) {
	reg := ingress.NewRegistry()
	robot := &fakeTarget{}
	reg.Add(robotKey(), robot)
	rt := ingress.NewRouter(reg)

	rt.HandleMessage(msg("twinsync/acme/plant1/hb/robot-fanuc/R1/alice", ""))
	rt.HandleMessage(msg("twinsync/acme/plant1/leave/robot-fanuc/R1/alice", ""))

	calls := robot.all()
	if len(calls) != 2 || calls[0].op != "touch" || calls[1].op != "remove" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestRouter_BadIngressDropped(t *testing.T) {
	reg := ingress.NewRegistry()
	robot := &fakeTarget{}
	reg.Add(robotKey(), robot)
	rt := ingress.NewRouter(reg)

	// Malformed JSON, short topic, unknown device, unknown plan kind:
	// all dropped without an error and without touching the session.
	drops := []mqtt.Message{
		msg("twinsync/acme/plant1/plan/robot-fanuc/R1/alice", `{not json`),
		msg("twinsync/acme/plant1/plan", `{}`),
		msg("twinsync/acme/plant1/plan/robot-fanuc/GHOST/alice", `{}`),
		msg("twinsync/acme/plant1/plan/robot-fanuc/R1/alice", `{"kind":"mystery"}`),
	}
	for _, m := range drops {
		if err := rt.HandleMessage(m); err != nil {
			t.Errorf("HandleMessage(%s): %v", m.Packet.Topic, err)
		}
	}
	if calls := robot.all(); len(calls) != 0 {
		t.Fatalf("dropped messages reached the session: %+v", calls)
	}

	// The router keeps working afterwards.
	rt.HandleMessage(msg("twinsync/acme/plant1/plan/robot-fanuc/R1/alice", `{"di":[1]}`))
	if calls := robot.all(); len(calls) != 1 || calls[0].op != "telemetry" {
		t.Fatalf("router wedged after bad ingress: %+v", calls)
	}
}

func TestRouter_TenantIsolation(t *testing.T) {
	reg := ingress.NewRegistry()
	robot := &fakeTarget{}
	reg.Add(robotKey(), robot)
	rt := ingress.NewRouter(reg)

	// Same device id under a different tenant must not match.
	rt.HandleMessage(msg("twinsync/OTHER/plant1/plan/robot-fanuc/R1/alice", `{"di":[1]}`))
	if calls := robot.all(); len(calls) != 0 {
		t.Fatalf("cross-tenant message reached the session: %+v", calls)
	}
}

func TestControlPatterns(t *testing.T) {
	got := ingress.ControlPatterns("acme", "plant1")
	want := []string{
		"twinsync/acme/plant1/plan/+/+/+",
		"twinsync/acme/plant1/hb/+/+/+",
		"twinsync/acme/plant1/leave/+/+/+",
	}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pattern[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDataAndRosterTopics(t *testing.T) {
	if got := ingress.DataTopic(robotKey()); got != "twinsync/acme/plant1/data/robot-fanuc/R1" {
		t.Errorf("DataTopic = %q", got)
	}
	if got := ingress.RosterTopic("acme", "plant1"); got != "twinsync/acme/plant1/devices" {
		t.Errorf("RosterTopic = %q", got)
	}
}
