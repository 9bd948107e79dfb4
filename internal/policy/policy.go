// Package policy holds the versioned, read-mostly tuning knobs the
// optimizer consumes each tick: priority weights, hold budgets, fairness
// limits, solver SLAs and feature flags. It follows the same
// pointer-field-plus-Get-accessor shape used elsewhere in this codebase so
// partial JSON updates are safe and defaults stay centralised.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
)

// Policy is the root configuration consumed by the optimizer. Fields are
// pointers so a partial JSON document leaves the rest at their defaults.
type Policy struct {
	PriorityWeights *map[string]float64 `json:"priority_weights,omitempty"` // train_id -> weight
	HoldBudgets     *map[string]int     `json:"hold_budgets,omitempty"`     // train_id or class -> max holds per horizon
	MaxHoldMin      *float64            `json:"max_hold_min,omitempty"`
	FairnessLimits  *map[string]int     `json:"fairness_limits,omitempty"` // train_id -> max holds per horizon
	SolverSLASec    *float64            `json:"solver_sla_sec,omitempty"`
	Epsilon         *float64            `json:"epsilon,omitempty"` // chance-constraint level
	Flags           *map[string]bool    `json:"flags,omitempty"`
}

// Provenance records who last touched the policy and when.
type Provenance struct {
	LastPolicyUpdateTS time.Time `json:"last_policy_update_ts"`
	UpdatedBy          string    `json:"updated_by"`
}

// Empty returns a Policy with every field nil; Get* accessors supply defaults.
func Empty() *Policy { return &Policy{} }

// Load reads a Policy from a JSON file, validating size and extension the
// same way the rest of this codebase validates config file input.
func Load(path string) (*Policy, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("policy file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("policy file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p := Empty()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// classPriorityKeys are the train-class names a per-class priority_weights
// map would use; priority_weights is resolved per-train (spec.md 9 Open
// Question #1), so any of these appearing as a key means the file was
// authored for the rejected per-class interpretation.
var classPriorityKeys = map[string]bool{
	string(normalize.ClassSuperfast): true,
	string(normalize.ClassExpress):   true,
	string(normalize.ClassEMU):       true,
	string(normalize.ClassPassenger): true,
	string(normalize.ClassFreight):   true,
}

// Validate checks internal consistency of set fields.
func (p *Policy) Validate() error {
	if p.MaxHoldMin != nil && *p.MaxHoldMin <= 0 {
		return fmt.Errorf("max_hold_min must be positive, got %f", *p.MaxHoldMin)
	}
	if p.Epsilon != nil && (*p.Epsilon < 0 || *p.Epsilon > 1) {
		return fmt.Errorf("epsilon must be in [0,1], got %f", *p.Epsilon)
	}
	if p.SolverSLASec != nil && *p.SolverSLASec <= 0 {
		return fmt.Errorf("solver_sla_sec must be positive, got %f", *p.SolverSLASec)
	}
	if p.PriorityWeights != nil {
		for key := range *p.PriorityWeights {
			if classPriorityKeys[key] {
				return fmt.Errorf("priority_weights is keyed by train_id, not train class: got class key %q", key)
			}
		}
	}
	return nil
}

// PriorityWeight returns the weight for a train, defaulting to 1.0.
func (p *Policy) PriorityWeight(trainID string) float64 {
	if p.PriorityWeights == nil {
		return 1.0
	}
	if w, ok := (*p.PriorityWeights)[trainID]; ok {
		return w
	}
	return 1.0
}

// MaxHoldBudget returns the hold budget cap for a train or class key.
func (p *Policy) MaxHoldBudget(key string) int {
	if p.HoldBudgets == nil {
		return 3 // default: 3 holds per horizon
	}
	if b, ok := (*p.HoldBudgets)[key]; ok {
		return b
	}
	return 3
}

// FairnessLimit returns the max holds allowed for a train in the horizon.
func (p *Policy) FairnessLimit(trainID string) int {
	if p.FairnessLimits == nil {
		return 2
	}
	if l, ok := (*p.FairnessLimits)[trainID]; ok {
		return l
	}
	return 2
}

// GetMaxHoldMin returns the max hold cap applied to every HOLD/OVERTAKE action.
func (p *Policy) GetMaxHoldMin() float64 {
	if p.MaxHoldMin == nil {
		return 10.0
	}
	return *p.MaxHoldMin
}

// GetSolverSLASec returns the optimizer's time budget in seconds.
func (p *Policy) GetSolverSLASec() float64 {
	if p.SolverSLASec == nil {
		return 2.0
	}
	return *p.SolverSLASec
}

// GetEpsilon returns the chance-constraint level used to derive risk-heat thresholds.
func (p *Policy) GetEpsilon() float64 {
	if p.Epsilon == nil {
		return 0.1
	}
	return *p.Epsilon
}

// Flag returns a named feature flag, defaulting to false.
func (p *Policy) Flag(name string) bool {
	if p.Flags == nil {
		return false
	}
	return (*p.Flags)[name]
}

// Store is a thread-safe holder for the current policy and its provenance.
// Consumers read the latest version at the start of each optimizer call;
// mid-tick updates never take effect until the next Get.
type Store struct {
	mu         sync.RWMutex
	current    *Policy
	provenance Provenance
}

// NewStore wraps an initial policy (defaults if nil).
func NewStore(initial *Policy) *Store {
	if initial == nil {
		initial = Empty()
	}
	return &Store{current: initial}
}

// Get returns the currently active policy snapshot.
func (s *Store) Get() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update replaces the active policy and stamps provenance.
func (s *Store) Update(p *Policy, updatedBy string, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = p
	s.provenance = Provenance{LastPolicyUpdateTS: now, UpdatedBy: updatedBy}
	return nil
}

// Provenance returns the last update's timestamp and author.
func (s *Store) Provenance() Provenance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provenance
}
