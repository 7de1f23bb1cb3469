package model

import (
	"slices"
	"strings"
)

// TelemetryPlan is one user's subscription request for robot signals:
// register/IO indexes per group plus named variables.
type TelemetryPlan struct {
	DI  []int    `json:"di,omitempty"`
	GI  []int    `json:"gi,omitempty"`
	GO  []int    `json:"go,omitempty"`
	DO  []int    `json:"do,omitempty"`
	R   []int    `json:"r,omitempty"`
	Var []string `json:"var,omitempty"`
}

// IsEmpty reports whether the plan requests nothing.
func (p TelemetryPlan) IsEmpty() bool {
	return len(p.DI) == 0 && len(p.GI) == 0 && len(p.GO) == 0 &&
		len(p.DO) == 0 && len(p.R) == 0 && len(p.Var) == 0
}

// Equal reports whether two plans request the same signals in the same order.
func (p TelemetryPlan) Equal(o TelemetryPlan) bool {
	return slices.Equal(p.DI, o.DI) && slices.Equal(p.GI, o.GI) &&
		slices.Equal(p.GO, o.GO) && slices.Equal(p.DO, o.DO) &&
		slices.Equal(p.R, o.R) && slices.Equal(p.Var, o.Var)
}

// PlanItem is one entry of a machine-data plan: a tag path, optionally
// marked for UDT expansion.
type PlanItem struct {
	Path   string `json:"path"`
	Expand string `json:"expand,omitempty"`
}

// MachineDataPlan is one user's subscription request for PLC tags.
type MachineDataPlan []PlanItem

// IsEmpty reports whether the plan requests nothing.
func (p MachineDataPlan) IsEmpty() bool { return len(p) == 0 }

// Equal reports whether two plans list the same items in the same order.
func (p MachineDataPlan) Equal(o MachineDataPlan) bool {
	return slices.Equal(p, o)
}

// NormalizeExpand maps the expand marker to its canonical form: "udt"
// (any case) stays "udt", everything else collapses to empty.
func NormalizeExpand(expand string) string {
	if strings.EqualFold(strings.TrimSpace(expand), "udt") {
		return "udt"
	}
	return ""
}
