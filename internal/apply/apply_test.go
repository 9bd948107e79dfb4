package apply

import (
	"testing"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/optimizer"
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

func t0(hhmm string) time.Time {
	tt, _ := time.Parse("2006-01-02T15:04:05Z", "2024-01-01T"+hhmm+"Z")
	return tt
}

func tp(tt time.Time) *time.Time { return &tt }

// TestApplyHoldResolvesHeadwayRisk mirrors the documented headway-resolution
// scenario: after applying a HOLD, the post-apply twin has zero headway
// violations in the radar window.
func TestApplyHoldResolvesHeadwayRisk(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
		{TrainID: "B", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:02:00"))},
		{TrainID: "B", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:12:00"))},
	}

	plan := optimizer.Plan{Actions: []optimizer.Action{
		{Type: optimizer.ActionHold, Train: "B", AtStation: "U", Minutes: 3},
	}}

	result, err := Run(events, g, plan, t0("07:00:00"), 2*time.Hour)
	if err != nil {
		t.Fatalf("apply run: %v", err)
	}

	if !result.ValidateAfter.OkHeadwayEnforced {
		t.Error("expected headway to be enforced after applying the hold")
	}
	if result.KPIAfter.RiskCountByType["headway"] > 0 {
		t.Errorf("expected no headway risks after apply, got %d", result.KPIAfter.RiskCountByType["headway"])
	}
}

func TestApplyNeverMutatesSourceEvents(t *testing.T) {
	g := buildGraph(t)
	originalDep := t0("08:02:00")
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
		{TrainID: "B", StationID: "U", StopSeq: 0, ActDep: &originalDep},
		{TrainID: "B", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:12:00"))},
	}
	plan := optimizer.Plan{Actions: []optimizer.Action{
		{Type: optimizer.ActionHold, Train: "B", AtStation: "U", Minutes: 5},
	}}
	_, err := Run(events, g, plan, t0("07:00:00"), 2*time.Hour)
	if err != nil {
		t.Fatalf("apply run: %v", err)
	}
	if !events[2].ActDep.Equal(originalDep) {
		t.Errorf("source event was mutated: %v != %v", events[2].ActDep, originalDep)
	}
}

func TestApplySpeedTuneAffectsAfterRunOnly(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, SchedDep: tp(t0("08:00:00")), ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, SchedArr: tp(t0("08:10:00")), ActArr: tp(t0("08:10:00"))},
	}
	plan := optimizer.Plan{Actions: []optimizer.Action{
		{Type: optimizer.ActionSpeedTune, Train: "A", Block: "UV", Factor: 0.8},
	}}
	result, err := Run(events, g, plan, t0("07:00:00"), 2*time.Hour)
	if err != nil {
		t.Fatalf("apply run: %v", err)
	}
	if len(result.AppliedEvents) != 2 {
		t.Fatalf("expected 2 applied events, got %d", len(result.AppliedEvents))
	}
}

func TestApplyEmptyPlanLeavesKPIsUnchanged(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
	}
	result, err := Run(events, g, optimizer.Plan{}, t0("07:00:00"), 2*time.Hour)
	if err != nil {
		t.Fatalf("apply run: %v", err)
	}
	if result.KPIBefore.RiskCountTotal != result.KPIAfter.RiskCountTotal {
		t.Errorf("expected an empty plan to leave risk counts unchanged: before=%d after=%d",
			result.KPIBefore.RiskCountTotal, result.KPIAfter.RiskCountTotal)
	}
}
