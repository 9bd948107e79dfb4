package canon

import "testing"

func TestJSONKeyOrderStable(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}
	ja, err := JSON(a)
	if err != nil {
		t.Fatalf("JSON(a): %v", err)
	}
	jb, err := JSON(b)
	if err != nil {
		t.Fatalf("JSON(b): %v", err)
	}
	if string(ja) != string(jb) {
		t.Errorf("canonical JSON differs for equal maps: %s vs %s", ja, jb)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(ja) != want {
		t.Errorf("JSON(a) = %s, want %s", ja, want)
	}
}

func TestHashDeterministic(t *testing.T) {
	type action struct {
		Train   string `json:"train"`
		Minutes int    `json:"minutes"`
	}
	h1, err := Hash(action{Train: "T1", Minutes: 3})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(action{Train: "T1", Minutes: 3})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 40 {
		t.Errorf("expected a 40-char hex SHA-1 digest, got %d chars", len(h1))
	}
}

func TestHashDiffersOnContent(t *testing.T) {
	h1, _ := Hash(map[string]any{"minutes": 2})
	h2, _ := Hash(map[string]any{"minutes": 5})
	if h1 == h2 {
		t.Error("expected different hashes for different content")
	}
}
