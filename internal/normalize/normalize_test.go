package normalize

import (
	"testing"
)

func TestDeriveClass(t *testing.T) {
	cases := map[string]TrainClass{
		"12951 Mumbai Rajdhani Express": ClassSuperfast,
		"Howrah Mail":                   ClassExpress,
		"Local EMU":                     ClassEMU,
		"Passenger Special":             ClassPassenger,
		"Goods Rake":                    ClassFreight,
		"Unnamed":                       ClassPassenger,
	}
	for name, want := range cases {
		if got := DeriveClass(name); got != want {
			t.Errorf("DeriveClass(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestColumnMappingCaseInsensitive(t *testing.T) {
	rec := RawRecord{
		"  Train_ID  ": "T1",
		"STATION":      "Central",
		"Sched_Arr":    "08:00:00",
		"Sched_Dep":    "08:05:00",
		"Service_Date": "2024-01-01",
	}
	reg := NewStationRegistry()
	events, err := Batch([]RawRecord{rec}, reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].TrainID != "T1" || events[0].StationID != "S1" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestMidnightRollover(t *testing.T) {
	records := []RawRecord{
		{"train_id": "T1", "station": "A", "stop_seq": "1", "service_date": "2024-01-01", "act_arr": "23:50:00"},
		{"train_id": "T1", "station": "B", "stop_seq": "2", "service_date": "2024-01-01", "act_arr": "00:05:00"},
		{"train_id": "T1", "station": "C", "stop_seq": "3", "service_date": "2024-01-01", "act_arr": "00:20:00"},
	}
	events, err := Batch(records, NewStationRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].ActArr.Format("2006-01-02T15:04Z") != "2024-01-01T23:50Z" {
		t.Errorf("row0 = %v", events[0].ActArr)
	}
	if events[1].ActArr.Format("2006-01-02T15:04Z") != "2024-01-02T00:05Z" {
		t.Errorf("row1 = %v", events[1].ActArr)
	}
	if events[2].ActArr.Format("2006-01-02T15:04Z") != "2024-01-02T00:20Z" {
		t.Errorf("row2 = %v", events[2].ActArr)
	}
	if !events[0].ActArr.Before(*events[1].ActArr) || !events[1].ActArr.Before(*events[2].ActArr) {
		t.Error("expected monotonic timestamps after rollover")
	}
}

func TestStationRegistryStableAcrossRuns(t *testing.T) {
	reg := NewStationRegistry()
	id1 := reg.ResolveOrAssign("Central")
	snapshot := reg.Snapshot()

	reg2 := NewStationRegistry()
	reg2.Restore(snapshot)
	id2 := reg2.ResolveOrAssign("Central")
	id3 := reg2.ResolveOrAssign("NewStation")

	if id1 != id2 {
		t.Errorf("station id not preserved across restore: %q vs %q", id1, id2)
	}
	if id3 == id1 {
		t.Errorf("new station should not reuse existing id")
	}
}

func TestZeroTimePlaceholderBecomesNull(t *testing.T) {
	records := []RawRecord{
		{"train_id": "T1", "station": "A", "stop_seq": "1", "service_date": "2024-01-01", "act_arr": "00:00:00", "sched_dep": "08:00:00"},
	}
	events, err := Batch(records, NewStationRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].ActArr != nil {
		t.Errorf("expected act_arr to be nil for placeholder, got %v", events[0].ActArr)
	}
}

func TestMissingTrainIDSkipsRow(t *testing.T) {
	records := []RawRecord{
		{"station": "A", "sched_arr": "08:00:00"},
	}
	_, err := Batch(records, NewStationRegistry())
	if err == nil {
		t.Fatal("expected error when no row carries a train_id")
	}
}
