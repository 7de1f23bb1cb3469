package plc

import (
	"sort"
	"strings"

	"github.com/twinsync/gateway/pkg/model"
)

// DefaultMaxItems bounds the union item list when the config does not.
const DefaultMaxItems = 50

// UnionItems computes the deterministic union of all machine-data plans:
// paths trimmed, empties dropped, duplicates removed case-insensitively
// on (path, normalized expand), sorted by path then expand, truncated to
// maxItems. The first occurrence's original path spelling is kept, since
// frame values are keyed by the path exactly as the user wrote it.
func UnionItems(plans []model.MachineDataPlan, maxItems int) []model.PlanItem {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	type dedupeKey struct {
		path   string
		expand string
	}
	seen := make(map[dedupeKey]struct{})
	var out []model.PlanItem
	for _, plan := range plans {
		for _, item := range plan {
			path := strings.TrimSpace(item.Path)
			if path == "" {
				continue
			}
			expand := model.NormalizeExpand(item.Expand)
			key := dedupeKey{path: strings.ToLower(path), expand: expand}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, model.PlanItem{Path: path, Expand: expand})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := strings.ToLower(out[i].Path), strings.ToLower(out[j].Path)
		if pi != pj {
			return pi < pj
		}
		return out[i].Expand < out[j].Expand
	})
	if len(out) > maxItems {
		out = out[:maxItems]
	}
	return out
}
