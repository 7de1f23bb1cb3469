package robot

import (
	"slices"
	"strings"

	"github.com/twinsync/gateway/pkg/model"
)

// FieldCap is the per-field limit of the union plan. The device rejects
// longer plan commands, so the union truncates after sorting.
const FieldCap = 10

// UnionPlans computes the deterministic union of all user plans: per
// field, union the contributions, drop non-positives and empty strings,
// deduplicate, sort ascending, truncate to FieldCap. The result depends
// only on the multiset of plans, never on insertion order.
func UnionPlans(plans []model.TelemetryPlan) model.TelemetryPlan {
	var u model.TelemetryPlan
	u.DI = unionInts(plans, func(p model.TelemetryPlan) []int { return p.DI })
	u.GI = unionInts(plans, func(p model.TelemetryPlan) []int { return p.GI })
	u.GO = unionInts(plans, func(p model.TelemetryPlan) []int { return p.GO })
	u.DO = unionInts(plans, func(p model.TelemetryPlan) []int { return p.DO })
	u.R = unionInts(plans, func(p model.TelemetryPlan) []int { return p.R })
	u.Var = unionStrings(plans, func(p model.TelemetryPlan) []string { return p.Var })
	return u
}

func unionInts(plans []model.TelemetryPlan, field func(model.TelemetryPlan) []int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, p := range plans {
		for _, v := range field(p) {
			if v <= 0 {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	slices.Sort(out)
	if len(out) > FieldCap {
		out = out[:FieldCap]
	}
	return out
}

func unionStrings(plans []model.TelemetryPlan, field func(model.TelemetryPlan) []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range plans {
		for _, v := range field(p) {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	slices.Sort(out)
	if len(out) > FieldCap {
		out = out[:FieldCap]
	}
	return out
}
