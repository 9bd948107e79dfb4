package twin

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/monitoring"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Build(
		[]graph.Station{
			{StationID: "U", Platforms: 2, MinDwellMin: 2},
			{StationID: "V", Platforms: 2, MinDwellMin: 2},
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

func TestReplayHeadwayEnforced(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
		{TrainID: "B", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:03:00"))},
		{TrainID: "B", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:13:00"))},
	}

	res, err := Replay(events, g, Options{})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	var occA, occB BlockOccupancy
	for _, o := range res.BlockOccupancy {
		if o.TrainID == "A" {
			occA = o
		} else if o.TrainID == "B" {
			occB = o
		}
	}

	minGap := occA.ExitTime.Add(5 * time.Minute)
	if occB.EntryTime.Before(minGap) {
		t.Errorf("headway not enforced: A exits %v, B enters %v (want >= %v)", occA.ExitTime, occB.EntryTime, minGap)
	}
}

func TestReplayValidatesMinRunTime(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
	}
	res, err := Replay(events, g, Options{})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(res.BlockOccupancy) != 1 {
		t.Fatalf("expected 1 block occupancy, got %d", len(res.BlockOccupancy))
	}
	occ := res.BlockOccupancy[0]
	if occ.ExitTime.Sub(occ.EntryTime) < 10*time.Minute-time.Second {
		t.Errorf("run time too short: %v", occ.ExitTime.Sub(occ.EntryTime))
	}
}

func TestReplayKPIsTrainsServed(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00")), SchedDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00")), SchedDep: tp(t0("08:12:00"))},
	}
	res, err := Replay(events, g, Options{})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if res.KPIs.TrainsServed != 1 {
		t.Errorf("TrainsServed = %d, want 1", res.KPIs.TrainsServed)
	}
}

func TestReplaySkipsUnconnectedHopAndLogs(t *testing.T) {
	g, err := graph.Build(
		[]graph.Station{
			{StationID: "U", Platforms: 2, MinDwellMin: 2},
			{StationID: "V", Platforms: 2, MinDwellMin: 2},
			{StationID: "W", Platforms: 2, MinDwellMin: 2},
		},
		[]graph.Block{
			{BlockID: "UV", U: "U", V: "V", MinRunTimeMin: 10, HeadwayMin: 5, Capacity: 1},
		},
	)
	if err != nil {
		t.Fatalf("graph build: %v", err)
	}

	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	var logged string
	monitoring.SetLogger(func(format string, v ...interface{}) { logged = fmt.Sprintf(format, v...) })

	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "W", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
	}
	if _, err := Replay(events, g, Options{}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !strings.Contains(logged, "A") || !strings.Contains(logged, "U") || !strings.Contains(logged, "W") {
		t.Errorf("expected skipped-hop log to name train and stations, got %q", logged)
	}
}

func TestReplayIdempotent(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, ActDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, ActArr: tp(t0("08:10:00"))},
	}
	r1, err := Replay(events, g, Options{})
	if err != nil {
		t.Fatalf("replay 1: %v", err)
	}
	r2, err := Replay(events, g, Options{})
	if err != nil {
		t.Fatalf("replay 2: %v", err)
	}
	if len(r1.BlockOccupancy) != len(r2.BlockOccupancy) {
		t.Fatalf("non-deterministic occupancy count")
	}
	for i := range r1.BlockOccupancy {
		if !r1.BlockOccupancy[i].EntryTime.Equal(r2.BlockOccupancy[i].EntryTime) ||
			!r1.BlockOccupancy[i].ExitTime.Equal(r2.BlockOccupancy[i].ExitTime) {
			t.Errorf("replay not idempotent at index %d", i)
		}
	}
}

func TestReplaySpeedTuneFactor(t *testing.T) {
	g := buildGraph(t)
	events := []normalize.TrainEvent{
		{TrainID: "A", StationID: "U", StopSeq: 0, SchedDep: tp(t0("08:00:00"))},
		{TrainID: "A", StationID: "V", StopSeq: 1, SchedArr: tp(t0("08:10:00"))},
	}
	opts := Options{PerTrainSpeed: map[string]map[string]float64{"A": {"UV": 0.8}}}
	res, err := Replay(events, g, opts)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	occ := res.BlockOccupancy[0]
	runTime := occ.ExitTime.Sub(occ.EntryTime)
	if runTime <= 10*time.Minute {
		t.Errorf("expected slower run time under speed_tune, got %v", runTime)
	}
}
