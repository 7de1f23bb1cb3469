package robot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twinsync/gateway/pkg/model"
)

// The robot speaks a line-oriented command protocol:
//
//	> PLAN_DI=105,113          < OK
//	> GET_FAST                 < J=0.1,0.2,0.3,0.4,0.5,0.6
//	                           < DI=105:1,113:0
//	                           < R=1:42|3.14,2:ERR
//	                           < VAR=mode:auto
//	                           < END
//
// Unknown response prefixes are ignored; malformed values under a known
// prefix are a protocol error.

// endSentinel terminates a GET_FAST response.
const endSentinel = "END"

// okResponse acknowledges a plan command.
const okResponse = "OK"

// PlanCommands renders the six plan commands for a union plan. Every
// field is sent on each application so a cleared field clears on the
// device too.
func PlanCommands(p model.TelemetryPlan) []string {
	return []string{
		"PLAN_DI=" + joinInts(p.DI),
		"PLAN_GI=" + joinInts(p.GI),
		"PLAN_GO=" + joinInts(p.GO),
		"PLAN_DO=" + joinInts(p.DO),
		"PLAN_R=" + joinInts(p.R),
		"PLAN_VAR=" + strings.Join(p.Var, ","),
	}
}

func joinInts(vs []int) string {
	if len(vs) == 0 {
		return ""
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// parseFastLine merges one GET_FAST response line into the frame.
// Lines with unknown prefixes are ignored.
func parseFastLine(f *model.TelemetryFrame, line string) error {
	prefix, rest, ok := strings.Cut(line, "=")
	if !ok {
		return nil
	}
	switch prefix {
	case "J":
		return parseJoints(f, rest)
	case "DI":
		m, err := parseIntMap(rest)
		if err != nil {
			return fmt.Errorf("robot: DI line: %w", err)
		}
		f.DI = m
	case "GI":
		m, err := parseIntMap(rest)
		if err != nil {
			return fmt.Errorf("robot: GI line: %w", err)
		}
		f.GI = m
	case "GO":
		m, err := parseIntMap(rest)
		if err != nil {
			return fmt.Errorf("robot: GO line: %w", err)
		}
		f.GO = m
	case "DO":
		m, err := parseIntMap(rest)
		if err != nil {
			return fmt.Errorf("robot: DO line: %w", err)
		}
		f.DO = m
	case "R":
		m, err := parseRegisters(rest)
		if err != nil {
			return fmt.Errorf("robot: R line: %w", err)
		}
		f.R = m
	case "VAR":
		f.Var = parseVars(rest)
	}
	return nil
}

func parseJoints(f *model.TelemetryFrame, rest string) error {
	parts := strings.Split(rest, ",")
	if len(parts) != 6 {
		return fmt.Errorf("robot: J line has %d values, want 6", len(parts))
	}
	var j [6]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return fmt.Errorf("robot: J line: %w", err)
		}
		j[i] = v
	}
	f.J = &j
	return nil
}

// parseIntMap parses "k:v,k:v" into a map.
func parseIntMap(rest string) (map[int]int, error) {
	if rest == "" {
		return nil, nil
	}
	m := make(map[int]int)
	for _, entry := range strings.Split(rest, ",") {
		ks, vs, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q missing ':'", entry)
		}
		k, err := strconv.Atoi(strings.TrimSpace(ks))
		if err != nil {
			return nil, err
		}
		v, err := strconv.Atoi(strings.TrimSpace(vs))
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// parseRegisters parses "k:i|r,..." into register values. Entries the
// controller reports as "k:ERR" are skipped.
func parseRegisters(rest string) (map[int]model.RegisterValue, error) {
	if rest == "" {
		return nil, nil
	}
	m := make(map[int]model.RegisterValue)
	for _, entry := range strings.Split(rest, ",") {
		ks, vs, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q missing ':'", entry)
		}
		if vs == "ERR" {
			continue
		}
		k, err := strconv.Atoi(strings.TrimSpace(ks))
		if err != nil {
			return nil, err
		}
		is, rs, ok := strings.Cut(vs, "|")
		if !ok {
			return nil, fmt.Errorf("entry %q missing '|'", entry)
		}
		iv, err := strconv.ParseInt(strings.TrimSpace(is), 10, 64)
		if err != nil {
			return nil, err
		}
		rv, err := strconv.ParseFloat(strings.TrimSpace(rs), 64)
		if err != nil {
			return nil, err
		}
		m[k] = model.RegisterValue{I: iv, R: rv}
	}
	return m, nil
}

// parseVars parses "name:rest,...". The value after the first ':' is
// kept verbatim.
func parseVars(rest string) map[string]string {
	if rest == "" {
		return nil
	}
	m := make(map[string]string)
	for _, entry := range strings.Split(rest, ",") {
		name, val, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		m[name] = val
	}
	return m
}
