package plc

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/twinsync/gateway/pkg/model"
)

// DefaultMaxArrayElements caps [a..b] range expansion.
const DefaultMaxArrayElements = 32

// TagFunc produces the value of one scalar tag at a given read tick.
type TagFunc func(tick int64) model.PlcValue

// SimTransport is an in-memory PLC. Scalar tags are generator functions
// of the read tick; the type map drives UDT expansion; [a..b] paths read
// each index as a scalar.
type SimTransport struct {
	// Tags maps scalar tag paths to value generators.
	Tags map[string]TagFunc

	// Types maps UDT type-carrying tag paths to their member names.
	Types map[string][]string

	// MaxArrayElements caps range expansion. Default 32.
	MaxArrayElements int

	mu        sync.Mutex
	connected bool
	broken    bool
	tick      int64
	reads     int64
}

// NewSimTransport returns a simulator preloaded with the bench layout:
// the MainProgram scalar tags and the Station1Status UDT.
func NewSimTransport() *SimTransport {
	return &SimTransport{
		Tags: map[string]TagFunc{
			"Program:MainProgram.MotorRunning": func(tick int64) model.PlcValue {
				return model.PlcBool(tick/5%2 == 0)
			},
			"Program:MainProgram.PartCount": func(tick int64) model.PlcValue {
				return model.PlcInt32(int32(tick))
			},
			"Station1Status.Run":       func(int64) model.PlcValue { return model.PlcBool(true) },
			"Station1Status.Faulted":   func(int64) model.PlcValue { return model.PlcBool(false) },
			"Station1Status.FaultCode": func(int64) model.PlcValue { return model.PlcInt32(0) },
			"Station1Status.Speed": func(tick int64) model.PlcValue {
				return model.PlcDouble(1200 + float64(tick%5))
			},
			"Station1Status.Temp0": func(int64) model.PlcValue { return model.PlcFloat(21.5) },
			"Station1Status.Temp1": func(int64) model.PlcValue { return model.PlcFloat(22.5) },
		},
		Types: map[string][]string{
			"Station1Status": {"Run", "Faulted", "FaultCode", "Speed", "Temp0", "Temp1"},
		},
		MaxArrayElements: DefaultMaxArrayElements,
	}
}

// Reads returns the number of ReadTags calls served.
func (t *SimTransport) Reads() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

// Break makes every subsequent call fail until the next Connect.
func (t *SimTransport) Break() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken = true
	t.connected = false
}

func (t *SimTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	t.broken = false
	return nil
}

func (t *SimTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

// rangePattern matches a trailing [a..b] index range.
var rangePattern = regexp.MustCompile(`^(.+)\[(\d+)\.\.(\d+)\]$`)

func (t *SimTransport) ReadTags(ctx context.Context, items []model.PlanItem) (map[string]model.PlcValue, error) {
	t.mu.Lock()
	if !t.connected || t.broken {
		t.mu.Unlock()
		return nil, net.ErrClosed
	}
	t.tick++
	t.reads++
	tick := t.tick
	maxElems := t.MaxArrayElements
	if maxElems <= 0 {
		maxElems = DefaultMaxArrayElements
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]model.PlcValue, len(items))
	for _, item := range items {
		out[item.Path] = t.readItem(item, tick, maxElems)
	}
	return out, nil
}

func (t *SimTransport) readItem(item model.PlanItem, tick int64, maxElems int) model.PlcValue {
	if item.Expand == "udt" {
		members, ok := t.Types[item.Path]
		if !ok {
			return model.PlcNull()
		}
		fields := make(map[string]model.PlcValue, len(members))
		for _, m := range members {
			fields[m] = t.readScalar(item.Path+"."+m, tick)
		}
		return model.PlcStruct(fields)
	}
	if m := rangePattern.FindStringSubmatch(item.Path); m != nil {
		lo, _ := strconv.Atoi(m[2])
		hi, _ := strconv.Atoi(m[3])
		if hi < lo {
			return model.PlcArray()
		}
		n := hi - lo + 1
		if n > maxElems {
			n = maxElems
		}
		elems := make([]model.PlcValue, 0, n)
		for i := 0; i < n; i++ {
			elems = append(elems, t.readScalar(fmt.Sprintf("%s[%d]", m[1], lo+i), tick))
		}
		return model.PlcArray(elems...)
	}
	return t.readScalar(item.Path, tick)
}

func (t *SimTransport) readScalar(path string, tick int64) model.PlcValue {
	t.mu.Lock()
	gen, ok := t.Tags[path]
	t.mu.Unlock()
	if !ok {
		return model.PlcNull()
	}
	return gen(tick)
}
