package plc

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/session"
)

func testKey() model.DeviceKey {
	return model.DeviceKey{TenantID: "T", GatewayID: "G", DeviceID: "PLC1", DeviceType: "plc-logix"}
}

func TestUnionItems_DedupeAndSort(t *testing.T) {
	plans := []model.MachineDataPlan{
		{{Path: " Zeta "}, {Path: "alpha", Expand: "udt"}},
		{{Path: "ALPHA", Expand: "UDT"}, {Path: ""}, {Path: "alpha"}},
		{{Path: "beta"}},
	}
	got := UnionItems(plans, 0)
	want := []model.PlanItem{
		{Path: "alpha", Expand: ""},
		{Path: "alpha", Expand: "udt"},
		{Path: "beta"},
		{Path: "Zeta"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("union = %v, want %v", got, want)
	}
}

func TestUnionItems_OrderIndependent(t *testing.T) {
	a := model.MachineDataPlan{{Path: "x"}, {Path: "y", Expand: "udt"}}
	b := model.MachineDataPlan{{Path: "Y", Expand: "udt"}, {Path: "z"}}
	u1 := UnionItems([]model.MachineDataPlan{a, b}, 0)
	u2 := UnionItems([]model.MachineDataPlan{b, a}, 0)
	if len(u1) != 3 || len(u2) != 3 {
		t.Fatalf("union sizes = %d, %d, want 3", len(u1), len(u2))
	}
	// The kept path spelling follows first occurrence, so only compare
	// the dedupe identity.
	for i := range u1 {
		if !slices.Equal(
			[]string{u1[i].Expand},
			[]string{u2[i].Expand},
		) {
			t.Errorf("expand mismatch at %d: %v vs %v", i, u1, u2)
		}
	}
}

func TestUnionItems_Cap(t *testing.T) {
	var plan model.MachineDataPlan
	for i := 0; i < 80; i++ {
		plan = append(plan, model.PlanItem{Path: string(rune('a'+i%26)) + string(rune('a'+i/26))})
	}
	got := UnionItems([]model.MachineDataPlan{plan}, 50)
	if len(got) != 50 {
		t.Errorf("len = %d, want 50", len(got))
	}
}

// plcSink collects frames from a session.
type plcSink struct {
	mu     sync.Mutex
	frames []*model.PlcFrame
}

func (ps *plcSink) events() session.Events {
	return session.Events{
		FrameReceived: func(f model.Frame) {
			ps.mu.Lock()
			ps.frames = append(ps.frames, f.(*model.PlcFrame))
			ps.mu.Unlock()
		},
	}
}

func (ps *plcSink) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.frames)
}

func (ps *plcSink) waitFrames(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for ps.count() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ps.count() < n {
		t.Fatalf("got %d frames, want >= %d", ps.count(), n)
	}
}

func (ps *plcSink) lastFrame() *model.PlcFrame {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.frames[len(ps.frames)-1]
}

func fastConfig() Config {
	return Config{
		Key:           testKey(),
		DefaultPeriod: 2 * time.Millisecond,
		LeaseTimeout:  time.Hour,
		ReapInterval:  time.Hour,
		BackoffStep:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	}
}

func TestSession_UDTExpand(t *testing.T) {
	sim := NewSimTransport()
	sink := &plcSink{}
	s := NewSession(fastConfig(), sim, sink.events())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(context.Background())

	s.ApplyMachineDataPlan("u", model.MachineDataPlan{
		{Path: "Station1Status", Expand: "udt"},
	}, 0)

	sink.waitFrames(t, 2, 2*time.Second)
	v, ok := sink.lastFrame().Values["Station1Status"]
	if !ok {
		t.Fatal("frame missing Station1Status")
	}
	if v.Kind != model.KindStruct {
		t.Fatalf("kind = %v, want struct", v.Kind)
	}
	for _, member := range []string{"Run", "Faulted", "FaultCode", "Speed", "Temp0", "Temp1"} {
		if _, ok := v.Fields[member]; !ok {
			t.Errorf("struct missing member %s: %v", member, v.Fields)
		}
	}
	if v.Fields["Run"].Kind != model.KindBool || !v.Fields["Run"].Bool {
		t.Errorf("Run = %+v", v.Fields["Run"])
	}
}

func TestSession_OneReadPerTick(t *testing.T) {
	sim := NewSimTransport()
	sink := &plcSink{}
	cfg := fastConfig()
	cfg.DefaultPeriod = 20 * time.Millisecond
	s := NewSession(cfg, sim, sink.events())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(context.Background())

	s.ApplyMachineDataPlan("u", model.MachineDataPlan{
		{Path: "Program:MainProgram.PartCount"},
		{Path: "Program:MainProgram.MotorRunning"},
	}, 0)

	sink.waitFrames(t, 3, 2*time.Second)
	// Both items arrive from a single transport call per emitted frame.
	if reads, frames := sim.Reads(), int64(sink.count()); reads > frames+1 {
		t.Errorf("reads = %d for %d frames; expected one read per tick", reads, frames)
	}
	last := sink.lastFrame()
	if last.Values["Program:MainProgram.PartCount"].Kind != model.KindInt32 {
		t.Errorf("PartCount = %+v", last.Values["Program:MainProgram.PartCount"])
	}
	if last.Values["Program:MainProgram.MotorRunning"].Kind != model.KindBool {
		t.Errorf("MotorRunning = %+v", last.Values["Program:MainProgram.MotorRunning"])
	}
}

func TestSession_ArrayRangeCapped(t *testing.T) {
	sim := NewSimTransport()
	sim.MaxArrayElements = 4
	sink := &plcSink{}
	s := NewSession(fastConfig(), sim, sink.events())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(context.Background())

	s.ApplyMachineDataPlan("u", model.MachineDataPlan{
		{Path: "Line1.Temps[0..9]"},
	}, 0)

	sink.waitFrames(t, 1, 2*time.Second)
	v := sink.lastFrame().Values["Line1.Temps[0..9]"]
	if v.Kind != model.KindArray {
		t.Fatalf("kind = %v, want array", v.Kind)
	}
	if len(v.Elems) != 4 {
		t.Errorf("len = %d, want cap 4", len(v.Elems))
	}
}

func TestSession_EmptyUnionNoReads(t *testing.T) {
	sim := NewSimTransport()
	sink := &plcSink{}
	cfg := fastConfig()
	cfg.IdleDelay = time.Millisecond
	s := NewSession(cfg, sim, sink.events())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(context.Background())

	// A user with an empty plan ungates the loop but must not trigger
	// transport reads.
	s.ApplyMachineDataPlan("u", model.MachineDataPlan{}, 0)
	time.Sleep(30 * time.Millisecond)
	if n := sim.Reads(); n != 0 {
		t.Errorf("reads = %d with empty union", n)
	}
	if !s.PublishAllowed() {
		t.Error("publishAllowed must be true with a user present")
	}
}

func TestSession_FaultAndRecover(t *testing.T) {
	sim := NewSimTransport()
	sink := &plcSink{}
	s := NewSession(fastConfig(), sim, sink.events())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(context.Background())

	s.ApplyMachineDataPlan("u", model.MachineDataPlan{{Path: "Program:MainProgram.PartCount"}}, 0)
	sink.waitFrames(t, 1, 2*time.Second)

	before := sink.count()
	sim.Break()

	// The session reconnects and keeps polling: new frames arrive.
	sink.waitFrames(t, before+2, 2*time.Second)
}

func TestSession_PlcValuesKeyedByOriginalPath(t *testing.T) {
	sim := NewSimTransport()
	sim.Tags["MixedCase.Tag"] = func(int64) model.PlcValue { return model.PlcInt32(7) }
	sink := &plcSink{}
	s := NewSession(fastConfig(), sim, sink.events())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect(context.Background())

	s.ApplyMachineDataPlan("u", model.MachineDataPlan{{Path: "MixedCase.Tag"}}, 0)
	sink.waitFrames(t, 1, 2*time.Second)
	if _, ok := sink.lastFrame().Values["MixedCase.Tag"]; !ok {
		t.Errorf("values not keyed by original path: %v", sink.lastFrame().Values)
	}
}
