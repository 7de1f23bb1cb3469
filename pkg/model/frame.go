package model

// Frame is one sampled snapshot from a device. Implementations are
// TelemetryFrame (robots) and PlcFrame (PLCs); the egress serializer
// switches exhaustively on the concrete type.
type Frame interface {
	// FrameSeq returns the per-session sequence number. It starts at 1
	// after session construction and is strictly monotonic.
	FrameSeq() int64

	// FrameTime returns the sample timestamp.
	FrameTime() Milli

	frame()
}

// RegisterValue is the value of one robot register: the integer and real
// interpretations reported by the controller.
type RegisterValue struct {
	I int64   `json:"i"`
	R float64 `json:"r"`
}

// TelemetryFrame is one robot telemetry sample. Nil/empty fields were not
// part of the applied plan and are omitted from the egress payload.
type TelemetryFrame struct {
	// TS and Seq travel in the egress envelope, not the payload body.
	TS  Milli `json:"-"`
	Seq int64 `json:"-"`

	J   *[6]float64           `json:"j,omitempty"`
	DI  map[int]int           `json:"di,omitempty"`
	GI  map[int]int           `json:"gi,omitempty"`
	GO  map[int]int           `json:"go,omitempty"`
	DO  map[int]int           `json:"do,omitempty"`
	R   map[int]RegisterValue `json:"r,omitempty"`
	Var map[string]string     `json:"v,omitempty"`
}

func (f *TelemetryFrame) FrameSeq() int64  { return f.Seq }
func (f *TelemetryFrame) FrameTime() Milli { return f.TS }
func (f *TelemetryFrame) frame()           {}

// PlcFrame is one PLC sample: the values of every item in the union plan,
// keyed by the item path exactly as the user wrote it.
type PlcFrame struct {
	TS     Milli               `json:"-"`
	Seq    int64               `json:"-"`
	Values map[string]PlcValue `json:"values"`
}

func (f *PlcFrame) FrameSeq() int64  { return f.Seq }
func (f *PlcFrame) FrameTime() Milli { return f.TS }
func (f *PlcFrame) frame()           {}
