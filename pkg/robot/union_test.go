package robot

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/twinsync/gateway/pkg/model"
)

func TestUnionPlans_TwoUsers(t *testing.T) {
	userA := model.TelemetryPlan{DI: []int{105}, GI: []int{1}, GO: []int{1}}
	userB := model.TelemetryPlan{DI: []int{113, 105}, GI: []int{2}, GO: []int{}}

	u := UnionPlans([]model.TelemetryPlan{userA, userB})

	if !slices.Equal(u.DI, []int{105, 113}) {
		t.Errorf("DI = %v, want [105 113]", u.DI)
	}
	if !slices.Equal(u.GI, []int{1, 2}) {
		t.Errorf("GI = %v, want [1 2]", u.GI)
	}
	if !slices.Equal(u.GO, []int{1}) {
		t.Errorf("GO = %v, want [1]", u.GO)
	}
	if len(u.DO) != 0 || len(u.R) != 0 || len(u.Var) != 0 {
		t.Errorf("unexpected content in empty fields: %+v", u)
	}
}

func TestUnionPlans_OrderIndependent(t *testing.T) {
	plans := []model.TelemetryPlan{
		{DI: []int{3, 1}, Var: []string{"b", "a"}},
		{DI: []int{2}, R: []int{7}},
		{GI: []int{9, 9, 9}, Var: []string{" a ", "c"}},
	}
	want := UnionPlans(plans)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := slices.Clone(plans)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := UnionPlans(shuffled); !got.Equal(want) {
			t.Fatalf("union depends on order: %+v vs %+v", got, want)
		}
	}
}

func TestUnionPlans_DropsAndSorts(t *testing.T) {
	u := UnionPlans([]model.TelemetryPlan{
		{DI: []int{0, -5, 7, 3, 7}, Var: []string{"", "  ", "z", " m "}},
	})
	if !slices.Equal(u.DI, []int{3, 7}) {
		t.Errorf("DI = %v, want [3 7]", u.DI)
	}
	if !slices.Equal(u.Var, []string{"m", "z"}) {
		t.Errorf("Var = %v, want [m z]", u.Var)
	}
}

func TestUnionPlans_Cap(t *testing.T) {
	var p model.TelemetryPlan
	for i := 1; i <= 25; i++ {
		p.DI = append(p.DI, i)
		p.Var = append(p.Var, "v"+string(rune('a'+i%26)))
	}
	u := UnionPlans([]model.TelemetryPlan{p})
	if len(u.DI) != FieldCap {
		t.Errorf("len(DI) = %d, want %d", len(u.DI), FieldCap)
	}
	if len(u.Var) > FieldCap {
		t.Errorf("len(Var) = %d, want <= %d", len(u.Var), FieldCap)
	}
	// Truncation keeps the smallest values.
	if !slices.Equal(u.DI, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Errorf("DI = %v", u.DI)
	}
}

func TestPlanCommands(t *testing.T) {
	cmds := PlanCommands(model.TelemetryPlan{
		DI: []int{105, 113}, GI: []int{1, 2}, GO: []int{1}, Var: []string{"mode"},
	})
	want := []string{
		"PLAN_DI=105,113",
		"PLAN_GI=1,2",
		"PLAN_GO=1",
		"PLAN_DO=",
		"PLAN_R=",
		"PLAN_VAR=mode",
	}
	if !slices.Equal(cmds, want) {
		t.Errorf("commands = %v, want %v", cmds, want)
	}
}
