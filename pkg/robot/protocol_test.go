package robot

import (
	"testing"

	"github.com/twinsync/gateway/pkg/model"
)

func TestParseFastLine_Joints(t *testing.T) {
	var f model.TelemetryFrame
	if err := parseFastLine(&f, "J=0.5,-1.25,90,180.001,0,45.5"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.J == nil {
		t.Fatal("J not set")
	}
	want := [6]float64{0.5, -1.25, 90, 180.001, 0, 45.5}
	if *f.J != want {
		t.Errorf("J = %v, want %v", *f.J, want)
	}
}

func TestParseFastLine_JointsWrongArity(t *testing.T) {
	var f model.TelemetryFrame
	if err := parseFastLine(&f, "J=1,2,3"); err == nil {
		t.Error("expected error for 3 joint values")
	}
}

func TestParseFastLine_IntMaps(t *testing.T) {
	var f model.TelemetryFrame
	for _, line := range []string{"DI=105:1,113:0", "GI=1:10", "GO=1:1", "DO=2:0"} {
		if err := parseFastLine(&f, line); err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
	}
	if f.DI[105] != 1 || f.DI[113] != 0 {
		t.Errorf("DI = %v", f.DI)
	}
	if f.GI[1] != 10 || f.GO[1] != 1 || f.DO[2] != 0 {
		t.Errorf("GI/GO/DO = %v %v %v", f.GI, f.GO, f.DO)
	}
}

func TestParseFastLine_RegistersSkipErr(t *testing.T) {
	var f model.TelemetryFrame
	if err := parseFastLine(&f, "R=1:42|3.14,2:ERR,3:-7|0.5"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.R) != 2 {
		t.Fatalf("R = %v, want 2 entries", f.R)
	}
	if f.R[1] != (model.RegisterValue{I: 42, R: 3.14}) {
		t.Errorf("R[1] = %+v", f.R[1])
	}
	if f.R[3] != (model.RegisterValue{I: -7, R: 0.5}) {
		t.Errorf("R[3] = %+v", f.R[3])
	}
	if _, ok := f.R[2]; ok {
		t.Error("ERR entry must be skipped")
	}
}

func TestParseFastLine_VarsVerbatim(t *testing.T) {
	var f model.TelemetryFrame
	if err := parseFastLine(&f, "VAR=mode:auto:fast,count:12"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Only the first ':' splits; the rest is verbatim.
	if f.Var["mode"] != "auto:fast" {
		t.Errorf("Var[mode] = %q", f.Var["mode"])
	}
	if f.Var["count"] != "12" {
		t.Errorf("Var[count] = %q", f.Var["count"])
	}
}

func TestParseFastLine_UnknownPrefixIgnored(t *testing.T) {
	var f model.TelemetryFrame
	if err := parseFastLine(&f, "XYZZY=whatever"); err != nil {
		t.Errorf("unknown prefix must be ignored, got %v", err)
	}
	if err := parseFastLine(&f, "no equals sign here"); err != nil {
		t.Errorf("non-kv line must be ignored, got %v", err)
	}
}

func TestParseFastLine_MalformedKnownPrefix(t *testing.T) {
	var f model.TelemetryFrame
	if err := parseFastLine(&f, "DI=abc:def"); err == nil {
		t.Error("expected error for non-numeric DI entry")
	}
	if err := parseFastLine(&f, "R=1:noseparator"); err == nil {
		t.Error("expected error for register without '|'")
	}
}
