package policy

import (
	"testing"
	"time"
)

func TestDefaultsWhenEmpty(t *testing.T) {
	p := Empty()
	if p.PriorityWeight("T1") != 1.0 {
		t.Errorf("default priority weight = %v, want 1.0", p.PriorityWeight("T1"))
	}
	if p.MaxHoldBudget("T1") != 3 {
		t.Errorf("default hold budget = %v, want 3", p.MaxHoldBudget("T1"))
	}
	if p.GetMaxHoldMin() != 10.0 {
		t.Errorf("default max hold min = %v, want 10.0", p.GetMaxHoldMin())
	}
	if p.Flag("use_ga") {
		t.Error("expected default flag to be false")
	}
}

func TestOverridesTakePriority(t *testing.T) {
	weights := map[string]float64{"T1": 2.5}
	p := &Policy{PriorityWeights: &weights}
	if p.PriorityWeight("T1") != 2.5 {
		t.Errorf("PriorityWeight(T1) = %v, want 2.5", p.PriorityWeight("T1"))
	}
	if p.PriorityWeight("T2") != 1.0 {
		t.Errorf("PriorityWeight(T2) = %v, want default 1.0", p.PriorityWeight("T2"))
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	badMax := -1.0
	p := &Policy{MaxHoldMin: &badMax}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for non-positive max_hold_min")
	}

	badEps := 1.5
	p2 := &Policy{Epsilon: &badEps}
	if err := p2.Validate(); err == nil {
		t.Error("expected validation error for epsilon outside [0,1]")
	}
}

func TestValidateRejectsPerClassPriorityWeights(t *testing.T) {
	weights := map[string]float64{"Superfast": 2.0, "Freight": 0.5}
	p := &Policy{PriorityWeights: &weights}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for class-keyed priority_weights")
	}
}

func TestValidateAcceptsPerTrainPriorityWeights(t *testing.T) {
	weights := map[string]float64{"12301": 2.0, "T-4502": 0.5}
	p := &Policy{PriorityWeights: &weights}
	if err := p.Validate(); err != nil {
		t.Errorf("expected per-train keys to validate, got %v", err)
	}
}

func TestStoreUpdateStampsProvenance(t *testing.T) {
	store := NewStore(nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Update(Empty(), "controller-1", now); err != nil {
		t.Fatalf("update: %v", err)
	}
	prov := store.Provenance()
	if prov.UpdatedBy != "controller-1" || !prov.LastPolicyUpdateTS.Equal(now) {
		t.Errorf("unexpected provenance: %+v", prov)
	}
}

func TestStoreUpdateRejectsInvalidPolicy(t *testing.T) {
	store := NewStore(nil)
	badMax := 0.0
	if err := store.Update(&Policy{MaxHoldMin: &badMax}, "controller-1", time.Now()); err == nil {
		t.Error("expected update to reject an invalid policy")
	}
}
