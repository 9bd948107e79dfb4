// Package optimizer turns ranked risks into a small, explainable plan of
// corrective actions: micro-holds, platform reassignments, speed tuning and
// overtakes, subject to policy (max hold, per-train fairness, priority) and
// any active locks/precedence pins. When the heuristic yields nothing, or
// the caller asks for it, a seeded genetic search picks hold durations
// instead.
package optimizer

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/canon"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/locks"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/policy"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/radar"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/twin"
	"gonum.org/v1/gonum/stat/distuv"
)

// ActionType enumerates the four corrective move kinds.
type ActionType string

const (
	ActionHold             ActionType = "HOLD"
	ActionPlatformReassign ActionType = "PLATFORM_REASSIGN"
	ActionSpeedTune        ActionType = "SPEED_TUNE"
	ActionOvertake         ActionType = "OVERTAKE"
)

// Action is one proposed corrective move, self-describing for audit.
type Action struct {
	Type      ActionType
	Train     string // train held/tuned, or train_to_hold for OVERTAKE
	AtStation string // HOLD/OVERTAKE: station the hold takes effect at
	Minutes   float64
	Station   string // PLATFORM_REASSIGN
	Slot      *int   // PLATFORM_REASSIGN; nil means "any"
	Block     string // SPEED_TUNE
	Factor    float64

	ActionID           string
	Reason             string
	BindingConstraints []string
	Why                string
	Impact             map[string]int
	SafetyChecks       []string
}

// hashable is the subset of Action fields that determine its identity; the
// action_id is excluded from its own hash input.
type hashable struct {
	Type      ActionType `json:"type"`
	Train     string     `json:"train"`
	AtStation string     `json:"at_station,omitempty"`
	Minutes   float64    `json:"minutes,omitempty"`
	Station   string     `json:"station,omitempty"`
	Slot      *int       `json:"slot,omitempty"`
	Block     string     `json:"block,omitempty"`
	Factor    float64    `json:"factor,omitempty"`
}

func (a *Action) assignID() error {
	id, err := canon.Hash(hashable{
		Type: a.Type, Train: a.Train, AtStation: a.AtStation, Minutes: a.Minutes,
		Station: a.Station, Slot: a.Slot, Block: a.Block, Factor: a.Factor,
	})
	if err != nil {
		return err
	}
	a.ActionID = id
	return nil
}

// Recommendation pairs a primary action with its scored alternatives.
type Recommendation struct {
	Primary      Action
	Alternatives []Action
}

// Plan is the ordered, versioned output of one optimizer run.
type Plan struct {
	Actions []Action
	Version string
}

// Metrics summarises what a plan targets.
type Metrics struct {
	Actions           int
	ConflictsTargeted int
	ExpectedReduction float64 // minutes of delay expected to be absorbed
}

// AuditLog captures how the plan was produced.
type AuditLog struct {
	Strategy   string // "heuristic" or "ga"; a heuristic pass cut short by the solver SLA reports "heuristic"
	RuntimeSec float64
	T0         time.Time
	Horizon    time.Duration
	Caps       map[string]float64
}

// Output is everything one optimizer run returns.
type Output struct {
	Plan            Plan
	AltOptions      [][]Action
	Metrics         Metrics
	Audit           AuditLog
	Recommendations []Recommendation
}

// Input bundles everything the optimizer reads on one tick.
type Input struct {
	Graph       *graph.Graph
	Occupancy   []twin.BlockOccupancy
	Risks       []radar.Risk
	Policy      *policy.Policy
	Locks       locks.Set
	RiskHeat    map[string]float64 // block_id -> probability of conflict
	Priorities  map[string]int     // train_id -> priority (higher = more important)
	UseGA       bool
	Seed        int64
	T0          time.Time
	Horizon     time.Duration
}

type holdState struct {
	used map[string]int
}

func newHoldState() *holdState { return &holdState{used: map[string]int{}} }

func (h *holdState) exhausted(train string, pol *policy.Policy) bool {
	return h.used[train] >= pol.FairnessLimit(train)
}

func (h *holdState) record(train string) { h.used[train]++ }

// Optimize ranks the given risks and proposes a plan of corrective actions.
func Optimize(in Input) (*Output, error) {
	start := time.Now()
	pol := in.Policy
	if pol == nil {
		pol = policy.Empty()
	}

	ranked := rankRisks(in.Risks, in.Priorities)

	holds := newHoldState()
	var recs []Recommendation

	slaExceeded := false
	for _, r := range ranked {
		if time.Since(start).Seconds() > pol.GetSolverSLASec() {
			slaExceeded = true
			break
		}
		switch r.Type {
		case radar.RiskHeadway, radar.RiskBlockCapacity:
			rec, err := proposeHeadwayOrCapacity(r, in, holds, pol)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				recs = append(recs, *rec)
			}
		case radar.RiskPlatformOverflow:
			rec, err := proposePlatformOverflow(r, in, holds, pol)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				recs = append(recs, *rec)
			}
		}
	}

	strategy := "heuristic"
	if !slaExceeded && (len(recs) == 0 || in.UseGA) {
		gaRecs, err := gaFallback(ranked, in, pol)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			recs = gaRecs
			strategy = "ga"
		} else if in.UseGA {
			recs = gaRecs
			strategy = "ga"
		}
	}

	actions := make([]Action, 0, len(recs))
	altOptions := make([][]Action, 0, len(recs))
	for i := range recs {
		if err := recs[i].Primary.assignID(); err != nil {
			return nil, err
		}
		for j := range recs[i].Alternatives {
			if err := recs[i].Alternatives[j].assignID(); err != nil {
				return nil, err
			}
		}
		actions = append(actions, recs[i].Primary)
		altOptions = append(altOptions, recs[i].Alternatives)
	}

	version, err := canon.Hash(actions)
	if err != nil {
		return nil, err
	}

	expectedReduction := 0.0
	for _, a := range actions {
		if a.Type == ActionHold || a.Type == ActionOvertake {
			expectedReduction += a.Minutes
		}
	}

	return &Output{
		Plan:       Plan{Actions: actions, Version: version},
		AltOptions: altOptions,
		Metrics: Metrics{
			Actions:           len(actions),
			ConflictsTargeted: len(recs),
			ExpectedReduction: expectedReduction,
		},
		Audit: AuditLog{
			Strategy:   strategy,
			RuntimeSec: time.Since(start).Seconds(),
			T0:         in.T0,
			Horizon:    in.Horizon,
			Caps: map[string]float64{
				"max_hold_min":   pol.GetMaxHoldMin(),
				"solver_sla_sec": pol.GetSolverSLASec(),
			},
		},
		Recommendations: recs,
	}, nil
}

// rankRisks orders risks by (severity_rank ASC, lead_min ASC, max_priority DESC).
func rankRisks(risks []radar.Risk, priorities map[string]int) []radar.Risk {
	out := make([]radar.Risk, len(risks))
	copy(out, risks)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := radar.SeverityRank(out[i].Severity), radar.SeverityRank(out[j].Severity)
		if si != sj {
			return si < sj
		}
		if out[i].LeadMin != out[j].LeadMin {
			return out[i].LeadMin < out[j].LeadMin
		}
		return maxPriority(out[i], priorities) > maxPriority(out[j], priorities)
	})
	return out
}

func maxPriority(r radar.Risk, priorities map[string]int) int {
	best := 0
	for _, id := range r.TrainIDs {
		if p, ok := priorities[id]; ok && p > best {
			best = p
		}
	}
	return best
}

func clampHold(minutes, cap float64) float64 {
	if minutes < 2.0 {
		minutes = 2.0
	}
	if minutes > cap {
		minutes = cap
	}
	return minutes
}

func proposeHeadwayOrCapacity(r radar.Risk, in Input, holds *holdState, pol *policy.Policy) (*Recommendation, error) {
	if len(r.TrainIDs) == 0 {
		return nil, nil
	}

	leader := r.TrainIDs[0]
	follower := r.TrainIDs[len(r.TrainIDs)-1]

	if pin, ok := in.Locks.PinFor(r.ResourceRef); ok {
		leader, follower = pin.Leader, pin.Follower
	}

	swapped := false
	if len(r.TrainIDs) == 2 && holds.exhausted(follower, pol) && !holds.exhausted(leader, pol) {
		leader, follower = follower, leader
		swapped = true
	}

	// S4: once swapping the leader/follower still leaves the follower at its
	// fairness cap, the cap is a hard stop — escalate instead of a second HOLD.
	if holds.exhausted(follower, pol) {
		return escalateFairnessCap(r, in, pol, follower, leader), nil
	}

	hold := r.RequiredHoldMin
	if hold <= 0 {
		hold = 2.0
	}
	hold = clampHold(hold, pol.GetMaxHoldMin())

	epsilon := pol.GetEpsilon()
	thresholdHi := 0.5
	if 1-epsilon > thresholdHi {
		thresholdHi = 1 - epsilon
	}
	thresholdLo := thresholdHi - 0.2
	heat := in.RiskHeat[r.ResourceRef]
	switch {
	case heat >= thresholdHi:
		hold += 2
	case heat >= thresholdLo:
		hold += 1
	}
	hold = clampHold(hold, pol.GetMaxHoldMin())

	var binding []string
	if hold >= pol.GetMaxHoldMin() {
		binding = append(binding, "max_hold_min_reached")
	}
	if swapped {
		binding = append(binding, "hold_budget_swap")
	}

	atStation := stationFor(in.Graph, r.ResourceRef, true)
	primary := Action{
		Type:      ActionHold,
		Train:     follower,
		AtStation: atStation,
		Minutes:   hold,
		Reason:    string(r.Type),
		Why:       fmt.Sprintf("hold %s %.1f min at %s to restore %s on %s", follower, hold, atStation, r.Type, r.ResourceRef),
		Impact:    map[string]int{"risks_targeted": 1},
		SafetyChecks: []string{
			"hold_within_max_hold_min",
		},
		BindingConstraints: binding,
	}
	holds.record(follower)

	alt2 := primary
	alt2.Minutes = clampHold(2, pol.GetMaxHoldMin())
	alt2.Why = fmt.Sprintf("alternative: hold %s 2 min", follower)

	alt5 := primary
	alt5.Minutes = clampHold(5, pol.GetMaxHoldMin())
	alt5.Why = fmt.Sprintf("alternative: hold %s 5 min", follower)

	alternatives := []Action{alt2, alt5}

	if priorityFavoursFollower(r, in.Priorities, leader, follower) {
		alternatives = append(alternatives, Action{
			Type:      ActionOvertake,
			Train:     leader,
			AtStation: stationFor(in.Graph, r.ResourceRef, true),
			Minutes:   hold,
			Reason:    string(r.Type),
			Why:       fmt.Sprintf("alternative: overtake — hold leader %s instead, %s has priority", leader, follower),
			Impact:    map[string]int{"risks_targeted": 1},
		})
	}

	alternatives = append(alternatives, Action{
		Type:    ActionSpeedTune,
		Train:   follower,
		Block:   r.ResourceRef,
		Factor:  0.95,
		Reason:  string(r.Type),
		Why:     fmt.Sprintf("alternative: speed-tune %s on %s by 0.95", follower, r.ResourceRef),
		Impact:  map[string]int{"risks_targeted": 1},
	})

	return &Recommendation{Primary: primary, Alternatives: alternatives}, nil
}

// escalateFairnessCap handles a risk whose would-be HOLD train is already at
// policy.max_holds_per_train: the primary action becomes a speed-tune (never
// a second HOLD on that train), and — when a second train is party to the
// risk — the alternatives carry the HOLD the cap is blocking, so a
// controller can still apply it manually if they choose to override fairness.
func escalateFairnessCap(r radar.Risk, in Input, pol *policy.Policy, exhausted, other string) *Recommendation {
	primary := Action{
		Type:               ActionSpeedTune,
		Train:              exhausted,
		Block:              r.ResourceRef,
		Factor:             0.95,
		Reason:             string(r.Type),
		Why:                fmt.Sprintf("%s is already at its fairness cap of holds; speed-tuning on %s instead of a second HOLD", exhausted, r.ResourceRef),
		Impact:             map[string]int{"risks_targeted": 1},
		BindingConstraints: []string{"fairness_cap_reached"},
	}

	var alternatives []Action
	if other != "" && other != exhausted {
		alternatives = append(alternatives, Action{
			Type:      ActionHold,
			Train:     other,
			AtStation: stationFor(in.Graph, r.ResourceRef, true),
			Minutes:   clampHold(r.RequiredHoldMin, pol.GetMaxHoldMin()),
			Reason:    string(r.Type),
			Why:       fmt.Sprintf("alternative: hold %s instead — %s is at its fairness cap", other, exhausted),
			Impact:    map[string]int{"risks_targeted": 1},
		})
	}
	return &Recommendation{Primary: primary, Alternatives: alternatives}
}

func priorityFavoursFollower(r radar.Risk, priorities map[string]int, leader, follower string) bool {
	if len(r.TrainIDs) != 2 {
		return false
	}
	return priorities[follower] > priorities[leader]
}

func stationFor(g *graph.Graph, blockID string, upstream bool) string {
	b, ok := g.Block(blockID)
	if !ok {
		return blockID
	}
	if upstream {
		return b.U
	}
	return b.V
}

func proposePlatformOverflow(r radar.Risk, in Input, holds *holdState, pol *policy.Policy) (*Recommendation, error) {
	if len(r.TrainIDs) == 0 {
		return nil, nil
	}
	train := r.TrainIDs[0]

	if holds.exhausted(train, pol) {
		return escalatePlatformFairnessCap(r, in, train), nil
	}

	hold := clampHold(r.RequiredHoldMin, pol.GetMaxHoldMin())

	primary := Action{
		Type:      ActionHold,
		Train:     train,
		AtStation: r.ResourceRef,
		Minutes:   hold,
		Reason:    string(r.Type),
		Why:       fmt.Sprintf("hold %s %.1f min upstream of %s to relieve platform overflow", train, hold, r.ResourceRef),
		Impact:    map[string]int{"risks_targeted": 1},
	}
	holds.record(train)

	var alternatives []Action
	if !in.Locks.IsLocked(locks.ResourcePlatform, r.ResourceRef) {
		slot := 0
		alternatives = append(alternatives, Action{
			Type:    ActionPlatformReassign,
			Train:   train,
			Station: r.ResourceRef,
			Slot:    &slot,
			Reason:  string(r.Type),
			Why:     fmt.Sprintf("alternative: reassign %s to the earliest free platform slot at %s", train, r.ResourceRef),
			Impact:  map[string]int{"risks_targeted": 1},
		})
	}

	return &Recommendation{Primary: primary, Alternatives: alternatives}, nil
}

// escalatePlatformFairnessCap is escalateFairnessCap's platform-overflow
// counterpart: the exhausted train gets a reassignment attempt instead of a
// second HOLD, since a platform-side risk has no block to speed-tune on.
func escalatePlatformFairnessCap(r radar.Risk, in Input, exhausted string) *Recommendation {
	primary := Action{
		Type:               ActionPlatformReassign,
		Train:              exhausted,
		Station:            r.ResourceRef,
		Reason:             string(r.Type),
		Why:                fmt.Sprintf("%s is already at its fairness cap of holds; reassigning platforms at %s instead of a second HOLD", exhausted, r.ResourceRef),
		Impact:             map[string]int{"risks_targeted": 1},
		BindingConstraints: []string{"fairness_cap_reached"},
	}
	if in.Locks.IsLocked(locks.ResourcePlatform, r.ResourceRef) {
		primary.BindingConstraints = append(primary.BindingConstraints, "platform_locked")
	}
	return &Recommendation{Primary: primary}
}

// gaFallback runs a seeded genetic search choosing a hold gene per risk from
// {0,2,3,5} minutes, minimising conflicts_remaining + 0.02*total_hold.
func gaFallback(risks []radar.Risk, in Input, pol *policy.Policy) ([]Recommendation, error) {
	genes := []float64{0, 2, 3, 5}
	n := len(risks)
	if n == 0 {
		return nil, nil
	}

	const popSize = 40
	const iterations = 40
	const eliteFrac = 0.2
	const mutationRate = 0.15

	unif := distuv.Uniform{Min: 0, Max: 1, Src: rand.NewSource(in.Seed)}
	randIntn := func(n int) int {
		i := int(unif.Rand() * float64(n))
		if i >= n {
			i = n - 1
		}
		return i
	}

	type individual struct {
		genes   []int // index into genes per risk
		fitness float64
	}

	randomIndividual := func() individual {
		g := make([]int, n)
		for i := range g {
			g[i] = randIntn(len(genes))
		}
		return individual{genes: g}
	}

	fitness := func(ind individual) float64 {
		conflictsRemaining := 0
		totalHold := 0.0
		for i, r := range risks {
			hold := genes[ind.genes[i]]
			totalHold += hold
			required := r.RequiredHoldMin
			if required <= 0 {
				required = 2
			}
			if hold < required {
				conflictsRemaining++
			}
		}
		return float64(conflictsRemaining) + 0.02*totalHold
	}

	pop := make([]individual, popSize)
	for i := range pop {
		pop[i] = randomIndividual()
		pop[i].fitness = fitness(pop[i])
	}

	eliteCount := int(popSize * eliteFrac)
	if eliteCount < 1 {
		eliteCount = 1
	}

	for iter := 0; iter < iterations; iter++ {
		sort.Slice(pop, func(i, j int) bool { return pop[i].fitness < pop[j].fitness })
		next := make([]individual, 0, popSize)
		next = append(next, pop[:eliteCount]...)
		for len(next) < popSize {
			a := pop[randIntn(eliteCount)]
			b := pop[randIntn(popSize)]
			child := individual{genes: make([]int, n)}
			cut := randIntn(n + 1)
			for i := 0; i < n; i++ {
				if i < cut {
					child.genes[i] = a.genes[i]
				} else {
					child.genes[i] = b.genes[i]
				}
				if unif.Rand() < mutationRate {
					child.genes[i] = randIntn(len(genes))
				}
			}
			child.fitness = fitness(child)
			next = append(next, child)
		}
		pop = next
	}

	sort.Slice(pop, func(i, j int) bool { return pop[i].fitness < pop[j].fitness })
	best := pop[0]

	var recs []Recommendation
	for i, r := range risks {
		hold := genes[best.genes[i]]
		if hold <= 0 || len(r.TrainIDs) == 0 {
			continue
		}
		follower := r.TrainIDs[len(r.TrainIDs)-1]
		atStation := r.ResourceRef
		if r.Type != radar.RiskPlatformOverflow {
			atStation = stationFor(in.Graph, r.ResourceRef, true)
		}
		recs = append(recs, Recommendation{
			Primary: Action{
				Type:      ActionHold,
				Train:     follower,
				AtStation: atStation,
				Minutes:   hold,
				Reason:    string(r.Type) + "_ga",
				Why:       fmt.Sprintf("genetic search selected a %.0f min hold for %s", hold, follower),
				Impact:    map[string]int{"risks_targeted": 1},
			},
		})
	}
	return recs, nil
}
