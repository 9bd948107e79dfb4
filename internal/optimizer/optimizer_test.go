package optimizer

import (
	"testing"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/locks"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/policy"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/radar"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Build(
		[]graph.Station{
			{StationID: "U", Platforms: 1, MinDwellMin: 2},
			{StationID: "V", Platforms: 1, MinDwellMin: 2},
		},
		[]graph.Block{
			{BlockID: "UV", U: "U", V: "V", MinRunTimeMin: 10, HeadwayMin: 5, Capacity: 1},
		},
	)
	if err != nil {
		t.Fatalf("graph build: %v", err)
	}
	return g
}

func TestOptimizeHeadwayRiskProposesHold(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskHeadway, Severity: radar.SeverityCritical, LeadMin: 2, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 3},
	}
	out, err := Optimize(Input{
		Graph:   g,
		Risks:   risks,
		Policy:  policy.Empty(),
		Locks:   locks.Set{},
		T0:      time.Now(),
		Horizon: time.Hour,
	})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(out.Plan.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(out.Plan.Actions))
	}
	a := out.Plan.Actions[0]
	if a.Type != ActionHold || a.Train != "B" {
		t.Errorf("expected HOLD(B), got %+v", a)
	}
	if a.Minutes < 3 {
		t.Errorf("expected at least the required hold of 3 min, got %v", a.Minutes)
	}
	if a.ActionID == "" {
		t.Error("expected a non-empty action_id")
	}
	if out.Plan.Version == "" {
		t.Error("expected a non-empty plan_version")
	}
}

func TestOptimizeRespectsMaxHoldMin(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskHeadway, Severity: radar.SeverityCritical, LeadMin: 1, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 50},
	}
	maxHold := 6.0
	out, err := Optimize(Input{
		Graph:  g,
		Risks:  risks,
		Policy: &policy.Policy{MaxHoldMin: &maxHold},
		Locks:  locks.Set{},
	})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if out.Plan.Actions[0].Minutes > maxHold {
		t.Errorf("hold %v exceeds policy cap %v", out.Plan.Actions[0].Minutes, maxHold)
	}
	found := false
	for _, c := range out.Plan.Actions[0].BindingConstraints {
		if c == "max_hold_min_reached" {
			found = true
		}
	}
	if !found {
		t.Error("expected binding_constraints to flag max_hold_min_reached")
	}
}

func TestOptimizePrecedencePinForcesFollower(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskHeadway, Severity: radar.SeverityHigh, LeadMin: 10, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 3},
	}
	lockSet := locks.Set{PrecedencePins: []locks.PrecedencePin{{BlockID: "UV", Leader: "B", Follower: "A"}}}
	out, err := Optimize(Input{Graph: g, Risks: risks, Policy: policy.Empty(), Locks: lockSet})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if out.Plan.Actions[0].Train != "A" {
		t.Errorf("expected precedence pin to force follower=A, got %q", out.Plan.Actions[0].Train)
	}
}

func TestOptimizePlatformOverflowOffersReassign(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskPlatformOverflow, Severity: radar.SeverityHigh, LeadMin: 5, ResourceRef: "V", TrainIDs: []string{"Y"}, RequiredHoldMin: 1},
	}
	out, err := Optimize(Input{Graph: g, Risks: risks, Policy: policy.Empty(), Locks: locks.Set{}})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	hasReassign := false
	for _, a := range out.AltOptions[0] {
		if a.Type == ActionPlatformReassign {
			hasReassign = true
		}
	}
	if !hasReassign {
		t.Error("expected a PLATFORM_REASSIGN alternative")
	}
}

func TestOptimizeLockedStationSkipsReassign(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskPlatformOverflow, Severity: radar.SeverityHigh, LeadMin: 5, ResourceRef: "V", TrainIDs: []string{"Y"}, RequiredHoldMin: 1},
	}
	lockSet := locks.Set{ResourceLocks: []locks.ResourceLock{{Type: locks.ResourcePlatform, ID: "V", Locked: true}}}
	out, err := Optimize(Input{Graph: g, Risks: risks, Policy: policy.Empty(), Locks: lockSet})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	for _, a := range out.AltOptions[0] {
		if a.Type == ActionPlatformReassign {
			t.Error("expected no PLATFORM_REASSIGN alternative when the station is locked")
		}
	}
}

func TestOptimizeFairnessCapEscalatesInsteadOfSecondHold(t *testing.T) {
	g := buildGraph(t)
	limits := map[string]int{"A": 1, "T": 1}
	risks := []radar.Risk{
		{Type: radar.RiskHeadway, Severity: radar.SeverityCritical, LeadMin: 1, ResourceRef: "UV", TrainIDs: []string{"A", "T"}, RequiredHoldMin: 3},
		{Type: radar.RiskHeadway, Severity: radar.SeverityCritical, LeadMin: 2, ResourceRef: "UV", TrainIDs: []string{"T", "A"}, RequiredHoldMin: 3},
		{Type: radar.RiskHeadway, Severity: radar.SeverityCritical, LeadMin: 3, ResourceRef: "UV", TrainIDs: []string{"A", "T"}, RequiredHoldMin: 3},
	}
	out, err := Optimize(Input{
		Graph:  g,
		Risks:  risks,
		Policy: &policy.Policy{FairnessLimits: &limits},
		Locks:  locks.Set{},
	})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(out.Plan.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(out.Plan.Actions))
	}

	holdsOnT := 0
	for _, a := range out.Plan.Actions {
		if a.Type == ActionHold && a.Train == "T" {
			holdsOnT++
		}
	}
	if holdsOnT != 1 {
		t.Errorf("expected exactly one HOLD on T once its fairness cap is hit, got %d", holdsOnT)
	}

	third := out.Plan.Actions[2]
	if third.Type == ActionHold {
		t.Errorf("expected the cap-exhausted third risk to escalate rather than emit a second HOLD, got %+v", third)
	}
	found := false
	for _, c := range third.BindingConstraints {
		if c == "fairness_cap_reached" {
			found = true
		}
	}
	if !found {
		t.Error("expected binding_constraints to flag fairness_cap_reached")
	}
}

func TestOptimizeGAFallbackUsedWhenForced(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskHeadway, Severity: radar.SeverityHigh, LeadMin: 10, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 3},
	}
	out, err := Optimize(Input{Graph: g, Risks: risks, Policy: policy.Empty(), Locks: locks.Set{}, UseGA: true, Seed: 42})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if out.Audit.Strategy != "ga" {
		t.Errorf("expected strategy=ga, got %q", out.Audit.Strategy)
	}
}

func TestOptimizeDeterministicGASeed(t *testing.T) {
	g := buildGraph(t)
	risks := []radar.Risk{
		{Type: radar.RiskHeadway, Severity: radar.SeverityHigh, LeadMin: 10, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 3},
		{Type: radar.RiskBlockCapacity, Severity: radar.SeverityMedium, LeadMin: 40, ResourceRef: "UV", TrainIDs: []string{"A", "B", "C"}, RequiredHoldMin: 2},
	}
	out1, err := Optimize(Input{Graph: g, Risks: risks, Policy: policy.Empty(), Locks: locks.Set{}, UseGA: true, Seed: 7})
	if err != nil {
		t.Fatalf("optimize 1: %v", err)
	}
	out2, err := Optimize(Input{Graph: g, Risks: risks, Policy: policy.Empty(), Locks: locks.Set{}, UseGA: true, Seed: 7})
	if err != nil {
		t.Fatalf("optimize 2: %v", err)
	}
	if out1.Plan.Version != out2.Plan.Version {
		t.Errorf("expected identical seed to produce identical plan versions: %s vs %s", out1.Plan.Version, out2.Plan.Version)
	}
}

func TestOptimizeEmptyRisksProducesEmptyPlan(t *testing.T) {
	g := buildGraph(t)
	out, err := Optimize(Input{Graph: g, Policy: policy.Empty(), Locks: locks.Set{}})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(out.Plan.Actions) != 0 {
		t.Errorf("expected no actions for no risks, got %d", len(out.Plan.Actions))
	}
}
