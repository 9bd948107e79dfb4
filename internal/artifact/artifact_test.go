package artifact

import (
	"testing"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/fsutil"
)

type kpiRow struct {
	TrainID string  `json:"train_id"`
	Delay   float64 `json:"delay_min"`
}

func TestWriteJSONThenReadJSONRoundTrips(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s := New(fs, "artifacts")

	in := map[string]int{"actions": 2, "conflicts_targeted": 1}
	if err := s.WriteJSON("sec-1", "2026-07-31", PlanMetrics, in); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var out map[string]int
	if err := s.ReadJSON("sec-1", "2026-07-31", PlanMetrics, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out["actions"] != 2 || out["conflicts_targeted"] != 1 {
		t.Fatalf("unexpected round-tripped value: %+v", out)
	}
}

func TestWriteTableWritesOneRecordPerLine(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s := New(fs, "artifacts")

	rows := []kpiRow{{TrainID: "T1", Delay: 2.5}, {TrainID: "T2", Delay: 0}}
	if err := s.WriteTable("sec-1", "2026-07-31", SimKPIs, rows); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	data, err := fs.ReadFile("artifacts/sec-1/2026-07-31/" + SimKPIs)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 ndjson lines, got %d", lines)
	}
}

func TestReadTableRoundTripsWriteTable(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s := New(fs, "artifacts")

	rows := []kpiRow{{TrainID: "T1", Delay: 2.5}, {TrainID: "T2", Delay: 0}}
	if err := s.WriteTable("sec-1", "2026-07-31", SimKPIs, rows); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	out, err := ReadTable[kpiRow](s, "sec-1", "2026-07-31", SimKPIs)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(out) != 2 || out[0].TrainID != "T1" || out[1].Delay != 0 {
		t.Fatalf("unexpected round-tripped rows: %+v", out)
	}
}

func TestWriteTableRejectsNonSlice(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s := New(fs, "artifacts")
	if err := s.WriteTable("sec-1", "2026-07-31", SimKPIs, kpiRow{TrainID: "T1"}); err == nil {
		t.Fatal("expected error for non-slice rows")
	}
}

func TestExistsReflectsWrites(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s := New(fs, "artifacts")
	if s.Exists("sec-1", "2026-07-31", RecPlan) {
		t.Fatal("expected artifact not to exist before write")
	}
	if err := s.WriteJSON("sec-1", "2026-07-31", RecPlan, map[string]string{"version": "v1"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if !s.Exists("sec-1", "2026-07-31", RecPlan) {
		t.Fatal("expected artifact to exist after write")
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	s := New(fs, "artifacts")
	if err := s.WriteJSON("../escape", "2026-07-31", RecPlan, map[string]int{}); err == nil {
		t.Fatal("expected traversal in scope to be rejected")
	}
}
