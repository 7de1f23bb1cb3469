package robot

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// SimTransport is an in-memory robot controller speaking the line
// protocol. It honors PLAN commands, answers GET_FAST from its applied
// plan, and can inject faults for reconnect testing.
type SimTransport struct {
	mu        sync.Mutex
	connected bool
	broken    bool // next I/O fails, cleared by Connect
	plan      simPlan
	commands  []string // every accepted command line, in order
	tick      int

	lines chan string
}

type simPlan struct {
	di, gi, gout, do, r []int
	vars                []string
}

// NewSimTransport returns a disconnected simulator.
func NewSimTransport() *SimTransport {
	return &SimTransport{lines: make(chan string, 256)}
}

// Commands returns every command line the simulator accepted.
func (t *SimTransport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.commands))
	copy(out, t.commands)
	return out
}

// PlanCommands returns only the PLAN_* command lines.
func (t *SimTransport) PlanCommands() []string {
	var out []string
	for _, c := range t.Commands() {
		if strings.HasPrefix(c, "PLAN_") {
			out = append(out, c)
		}
	}
	return out
}

// Break makes every subsequent I/O call fail until the next Connect,
// simulating a cut wire.
func (t *SimTransport) Break() {
	t.mu.Lock()
	t.broken = true
	t.connected = false
	t.mu.Unlock()
	// Unblock a pending ReadLine.
	select {
	case t.lines <- "":
	default:
	}
}

func (t *SimTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.broken = false
	t.plan = simPlan{} // the device forgets its plan
	t.mu.Unlock()

	// Drop unread response lines from the previous connection.
	for {
		select {
		case <-t.lines:
		default:
			return nil
		}
	}
}

func (t *SimTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *SimTransport) WriteLine(ctx context.Context, line string) error {
	t.mu.Lock()
	if !t.connected || t.broken {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.commands = append(t.commands, line)
	resp := t.respond(line)
	t.mu.Unlock()

	for _, l := range resp {
		select {
		case t.lines <- l:
		default:
			return fmt.Errorf("robot sim: response buffer full")
		}
	}
	return nil
}

func (t *SimTransport) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-t.lines:
		t.mu.Lock()
		bad := t.broken || !t.connected
		t.mu.Unlock()
		if bad {
			return "", net.ErrClosed
		}
		return line, nil
	}
}

// respond produces the response lines for one command. Caller holds mu.
func (t *SimTransport) respond(line string) []string {
	if line == "GET_FAST" {
		t.tick++
		return t.fastResponse()
	}
	if rest, ok := strings.CutPrefix(line, "PLAN_DI="); ok {
		t.plan.di = parseSimInts(rest)
		return []string{okResponse}
	}
	if rest, ok := strings.CutPrefix(line, "PLAN_GI="); ok {
		t.plan.gi = parseSimInts(rest)
		return []string{okResponse}
	}
	if rest, ok := strings.CutPrefix(line, "PLAN_GO="); ok {
		t.plan.gout = parseSimInts(rest)
		return []string{okResponse}
	}
	if rest, ok := strings.CutPrefix(line, "PLAN_DO="); ok {
		t.plan.do = parseSimInts(rest)
		return []string{okResponse}
	}
	if rest, ok := strings.CutPrefix(line, "PLAN_R="); ok {
		t.plan.r = parseSimInts(rest)
		return []string{okResponse}
	}
	if rest, ok := strings.CutPrefix(line, "PLAN_VAR="); ok {
		t.plan.vars = nil
		if rest != "" {
			t.plan.vars = strings.Split(rest, ",")
		}
		return []string{okResponse}
	}
	return []string{"ERR unknown command"}
}

// fastResponse renders one telemetry snapshot for the applied plan.
// Values are deterministic functions of the index and tick so tests can
// assert on them.
func (t *SimTransport) fastResponse() []string {
	lines := []string{
		fmt.Sprintf("J=%.1f,%.1f,%.1f,%.1f,%.1f,%.1f",
			10.0, 20.0, 30.0, 40.0, 50.0, 60.0+float64(t.tick%10)),
	}
	if len(t.plan.di) > 0 {
		lines = append(lines, "DI="+simIntMap(t.plan.di, func(k int) int { return k % 2 }))
	}
	if len(t.plan.gi) > 0 {
		lines = append(lines, "GI="+simIntMap(t.plan.gi, func(k int) int { return k * 10 }))
	}
	if len(t.plan.gout) > 0 {
		lines = append(lines, "GO="+simIntMap(t.plan.gout, func(k int) int { return k }))
	}
	if len(t.plan.do) > 0 {
		lines = append(lines, "DO="+simIntMap(t.plan.do, func(k int) int { return (k + 1) % 2 }))
	}
	if len(t.plan.r) > 0 {
		var parts []string
		for _, k := range t.plan.r {
			parts = append(parts, fmt.Sprintf("%d:%d|%d.5", k, k*100, k))
		}
		lines = append(lines, "R="+strings.Join(parts, ","))
	}
	if len(t.plan.vars) > 0 {
		var parts []string
		for _, name := range t.plan.vars {
			parts = append(parts, name+":val-"+name)
		}
		lines = append(lines, "VAR="+strings.Join(parts, ","))
	}
	return append(lines, endSentinel)
}

func simIntMap(keys []int, val func(int) int) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%d", k, val(k)))
	}
	return strings.Join(parts, ",")
}

func parseSimInts(rest string) []int {
	if rest == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(rest, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
