package radar

import (
	"testing"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/twin"
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

func TestDetectHeadwayRiskNearMiss(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
		{TrainID: "B", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:01:00"))},
		{TrainID: "B", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:11:00"))},
	}
	res, err := twin.Replay(events, g, twin.Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	risks := Detect(g, res, Options{T0: t0("07:00:00"), Horizon: 2 * time.Hour})
	found := false
	for _, r := range risks {
		if r.Type == RiskHeadway && r.ResourceRef == "UV" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a headway risk on block UV, got %+v", risks)
	}
}

func TestDetectBlockCapacityRisk(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
		{TrainID: "B", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:30"))},
		{TrainID: "B", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:30"))},
	}
	res, err := twin.Replay(events, g, twin.Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	risks := Detect(g, res, Options{T0: t0("07:00:00"), Horizon: 2 * time.Hour})

	hasCapacity := false
	for _, r := range risks {
		if r.Type == RiskBlockCapacity {
			hasCapacity = true
		}
	}
	if !hasCapacity {
		t.Errorf("expected a block_capacity risk, got %+v", risks)
	}
}

func TestSeverityTiers(t *testing.T) {
	cases := []struct {
		lead float64
		want Severity
	}{
		{1, SeverityCritical},
		{5, SeverityCritical},
		{5.5, SeverityHigh},
		{30, SeverityHigh},
		{31, SeverityMedium},
		{120, SeverityMedium},
		{121, SeverityLow},
	}
	for _, c := range cases {
		if got := severityFor(c.lead); got != c.want {
			t.Errorf("severityFor(%v) = %v, want %v", c.lead, got, c.want)
		}
	}
}

func TestDetectOutsideHorizonExcluded(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
		{TrainID: "B", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:01:00"))},
		{TrainID: "B", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:11:00"))},
	}
	res, err := twin.Replay(events, g, twin.Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	risks := Detect(g, res, Options{T0: t0("20:00:00"), Horizon: 30 * time.Minute})
	if len(risks) != 0 {
		t.Errorf("expected no risks within a horizon far from the events, got %+v", risks)
	}
}

func TestMitigateHold2And5(t *testing.T) {
	risks := []Risk{
		{Type: RiskHeadway, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 1.5},
		{Type: RiskHeadway, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 4},
		{Type: RiskHeadway, ResourceRef: "UV", TrainIDs: []string{"A", "B"}, RequiredHoldMin: 9},
	}
	res := &twin.Result{}
	previews := Mitigate(risks, res, buildGraph(t))
	if !previews[0].Hold2Resolves || !previews[0].Hold5Resolves {
		t.Errorf("1.5min required hold should resolve under both 2 and 5 min holds: %+v", previews[0])
	}
	if previews[1].Hold2Resolves || !previews[1].Hold5Resolves {
		t.Errorf("4min required hold should resolve only under a 5 min hold: %+v", previews[1])
	}
	if previews[2].Hold2Resolves || previews[2].Hold5Resolves {
		t.Errorf("9min required hold should resolve under neither: %+v", previews[2])
	}
}

func TestValidateDetectsRegression(t *testing.T) {
	g := buildGraph(t)
	occ := []twin.BlockOccupancy{
		{TrainID: "A", BlockID: "UV", EntryTime: t0("08:00:00"), ExitTime: t0("08:10:00")},
		{TrainID: "B", BlockID: "UV", EntryTime: t0("08:11:00"), ExitTime: t0("08:21:00")}, // violates 5min headway
	}
	result := Validate(occ, g, nil)
	if result.OkHeadwayEnforced {
		t.Error("expected headway violation to be detected")
	}
}

func TestValidateCleanSchedulePasses(t *testing.T) {
	g := buildGraph(t)
	occ := []twin.BlockOccupancy{
		{TrainID: "A", BlockID: "UV", EntryTime: t0("08:00:00"), ExitTime: t0("08:10:00")},
		{TrainID: "B", BlockID: "UV", EntryTime: t0("08:15:00"), ExitTime: t0("08:25:00")},
	}
	result := Validate(occ, g, nil)
	if !result.OkHeadwayEnforced || !result.OkPostNoOverlap {
		t.Errorf("expected a clean schedule to validate, got %+v", result)
	}
}
