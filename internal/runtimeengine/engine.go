// Package runtimeengine wires the section graph, digital twin, conflict
// radar and optimizer into a single-threaded cooperative loop that runs at
// a fixed cadence, optionally paced by an external clock for tests. It owns
// the twin snapshot, stabilises published output via hysteresis, and
// exposes a sandboxed apply_action entry point.
package runtimeengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/canon"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/locks"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/monitoring"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/optimizer"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/policy"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/radar"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/timeutil"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/twin"
)

// DefaultCadence is the fixed tick interval absent an override.
const DefaultCadence = 120 * time.Second

// EventEnvelope is the ingestion wire shape every adapter emits.
type EventEnvelope struct {
	Source    string
	EventKey  string
	TS        time.Time
	TrainID   string
	EventType string // arr, dep, eta, hold, policy, ...
	StationID string
	BlockID   string
	Fields    map[string]string
}

// Adapter pulls new envelopes on each tick.
type Adapter interface {
	Tick(ctx context.Context) ([]EventEnvelope, error)
}

// CircuitBreaker opens after a run of consecutive adapter failures and
// resets itself after a cooldown window, measured against an injectable clock.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxFailures int
	resetAfter  time.Duration
	clock       timeutil.Clock
	failures    int
	openedAt    time.Time
	open        bool
}

// NewCircuitBreaker builds a breaker that opens after maxFailures consecutive
// failures and resets after resetAfter has elapsed on clock.
func NewCircuitBreaker(maxFailures int, resetAfter time.Duration, clock timeutil.Clock) *CircuitBreaker {
	return &CircuitBreaker{maxFailures: maxFailures, resetAfter: resetAfter, clock: clock}
}

// Allow reports whether a call may proceed, resetting the breaker if its
// cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return true
	}
	if cb.clock.Since(cb.openedAt) >= cb.resetAfter {
		cb.open = false
		cb.failures = 0
		return true
	}
	return false
}

// RecordSuccess resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}

// RecordFailure increments the failure count, opening the breaker once it
// reaches maxFailures.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.open = true
		cb.openedAt = cb.clock.Now()
	}
}

// IsOpen reports the breaker's current state.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// EventStore merges envelopes idempotently by event_key and projects the
// latest known state into TrainEvents for the twin.
type EventStore struct {
	mu      sync.Mutex
	byKey   map[string]EventEnvelope
	dwellFn func(stationID string) time.Duration
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{byKey: map[string]EventEnvelope{}}
}

// Merge folds new envelopes into the store, deduping by event_key.
func (s *EventStore) Merge(envelopes []EventEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range envelopes {
		s.byKey[e.EventKey] = e
	}
}

// Snapshot projects the merged envelopes into TrainEvents, one per
// (train_id, station_id), using the latest arr/dep/eta envelope seen for
// each pair.
func (s *EventStore) Snapshot() []normalize.TrainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct{ train, station string }
	byPair := map[key]*normalize.TrainEvent{}
	order := []key{}

	for _, e := range s.byKey {
		if e.TrainID == "" || e.StationID == "" {
			continue
		}
		k := key{e.TrainID, e.StationID}
		ev, ok := byPair[k]
		if !ok {
			ev = &normalize.TrainEvent{TrainID: e.TrainID, StationID: e.StationID, ServiceDate: e.TS}
			byPair[k] = ev
			order = append(order, k)
		}
		ts := e.TS
		switch e.EventType {
		case "arr":
			if ev.ActArr == nil || ts.After(*ev.ActArr) {
				ev.ActArr = &ts
			}
		case "dep":
			if ev.ActDep == nil || ts.After(*ev.ActDep) {
				ev.ActDep = &ts
			}
		case "eta":
			if ev.SchedArr == nil || ts.After(*ev.SchedArr) {
				ev.SchedArr = &ts
			}
		}
	}

	out := make([]normalize.TrainEvent, 0, len(order))
	for _, k := range order {
		out = append(out, *byPair[k])
	}
	return out
}

// Snapshot is the published, atomically-swapped output of one tick.
type Snapshot struct {
	Twin        *twin.Result
	Risks       []radar.Risk
	Plan        optimizer.Plan
	AltOptions  [][]optimizer.Action
	Metrics     optimizer.Metrics
	Audit       optimizer.AuditLog
	GeneratedAt time.Time
	Suppressed  bool // set on a tick whose plan matches the previous one (hysteresis); that snapshot is not published, so a published Snapshot carries false
}

type adapterEntry struct {
	name    string
	adapter Adapter
	breaker *CircuitBreaker
}

// Engine is the fixed-cadence runtime loop.
type Engine struct {
	graph       *graph.Graph
	policyStore *policy.Store
	store       *EventStore
	clock       timeutil.Clock
	cadence     time.Duration
	horizon     time.Duration

	mu       sync.Mutex
	adapters []adapterEntry
	locks    locks.Set
	liveMode bool

	snapshot atomic.Pointer[Snapshot]
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Engine over the given graph and policy store. cadence<=0
// uses DefaultCadence; clock defaults to the real wall clock if nil.
func New(g *graph.Graph, policyStore *policy.Store, cadence, horizon time.Duration, clock timeutil.Clock) *Engine {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	if horizon <= 0 {
		horizon = 60 * time.Minute
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		graph:       g,
		policyStore: policyStore,
		store:       NewEventStore(),
		clock:       clock,
		cadence:     cadence,
		horizon:     horizon,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// RegisterAdapter attaches an ingestion adapter guarded by its own breaker.
func (e *Engine) RegisterAdapter(name string, adapter Adapter, maxFailures int, resetAfter time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters = append(e.adapters, adapterEntry{
		name: name, adapter: adapter,
		breaker: NewCircuitBreaker(maxFailures, resetAfter, e.clock),
	})
}

// SetLocks replaces the active lock set consumed by the optimizer.
func (e *Engine) SetLocks(l locks.Set) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks = l
}

// SetLiveMode toggles whether apply_action performs anything beyond the
// sandbox acknowledgement; live dispatch is out of scope and remains a no-op.
func (e *Engine) SetLiveMode(live bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liveMode = live
}

// Snapshot returns the most recently published tick output, or nil before
// the first tick completes.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Start runs the cooperative loop until ctx is cancelled or Stop is called.
// Suspension happens only between ticks.
func (e *Engine) Start(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cadence)
	defer ticker.Stop()
	defer close(e.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C():
			if err := e.tick(); err != nil {
				monitoring.Logf("runtimeengine: tick error: %v", err)
			}
		}
	}
}

// Stop signals the loop to exit at the next tick boundary and blocks until
// it does.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// tick runs one full ingest -> twin -> radar -> optimizer cycle and
// publishes the result, applying hysteresis against the prior snapshot.
func (e *Engine) tick() error {
	e.ingestAll()

	events := e.store.Snapshot()
	result, err := twin.Replay(events, e.graph, twin.Options{})
	if err != nil {
		// SafetyInvariantBroken or similar: fatal to the tick, previous
		// snapshot is retained per the documented failure behaviour.
		return err
	}

	t0 := e.clock.Now()
	risks := radar.Detect(e.graph, result, radar.Options{T0: t0, Horizon: e.horizon})

	e.mu.Lock()
	lockSet := e.locks
	e.mu.Unlock()
	pol := e.policyStore.Get()

	out, err := optimizer.Optimize(optimizer.Input{
		Graph: e.graph, Occupancy: result.BlockOccupancy, Risks: risks,
		Policy: pol, Locks: lockSet, T0: t0, Horizon: e.horizon,
	})
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Twin: result, Risks: risks, Plan: out.Plan, AltOptions: out.AltOptions,
		Metrics: out.Metrics, Audit: out.Audit, GeneratedAt: t0,
	}

	if prev := e.snapshot.Load(); prev != nil {
		identical, err := samePlan(prev.Plan, snap.Plan)
		if err == nil && identical {
			snap.Suppressed = true
			return nil // hysteresis: publish nothing new, prior snapshot stands
		}
		snap.Plan = reorderToMatchPrior(prev.Plan, snap.Plan)
	}

	e.snapshot.Store(snap)
	return nil
}

// samePlan compares two plans by canonical JSON of their action lists.
func samePlan(a, b optimizer.Plan) (bool, error) {
	ha, err := canon.Hash(a.Actions)
	if err != nil {
		return false, err
	}
	hb, err := canon.Hash(b.Actions)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

// reorderToMatchPrior moves actions that also appeared in the previous plan
// (matched by action_id) to the front, in their previous relative order,
// preventing UI thrash between ticks whose plans mostly overlap.
func reorderToMatchPrior(prev, next optimizer.Plan) optimizer.Plan {
	prevIndex := map[string]int{}
	for i, a := range prev.Actions {
		prevIndex[a.ActionID] = i
	}
	reordered := make([]optimizer.Action, len(next.Actions))
	copy(reordered, next.Actions)
	// Stable sort: actions seen before keep their old relative order and
	// sort ahead of brand-new actions, which keep their given order.
	matched := make([]optimizer.Action, 0, len(reordered))
	fresh := make([]optimizer.Action, 0, len(reordered))
	for _, a := range reordered {
		if _, ok := prevIndex[a.ActionID]; ok {
			matched = append(matched, a)
		} else {
			fresh = append(fresh, a)
		}
	}
	sortByPrevIndex(matched, prevIndex)
	out := append(matched, fresh...)
	return optimizer.Plan{Actions: out, Version: next.Version}
}

func sortByPrevIndex(actions []optimizer.Action, prevIndex map[string]int) {
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && prevIndex[actions[j-1].ActionID] > prevIndex[actions[j].ActionID]; j-- {
			actions[j-1], actions[j] = actions[j], actions[j-1]
		}
	}
}

func (e *Engine) ingestAll() {
	e.mu.Lock()
	adapters := make([]adapterEntry, len(e.adapters))
	copy(adapters, e.adapters)
	e.mu.Unlock()

	for _, a := range adapters {
		if !a.breaker.Allow() {
			continue
		}
		envelopes, err := a.adapter.Tick(context.Background())
		if err != nil {
			a.breaker.RecordFailure()
			monitoring.Logf("runtimeengine: adapter %s failed: %v", a.name, err)
			continue
		}
		a.breaker.RecordSuccess()
		e.store.Merge(envelopes)
	}
}

// ApplyActionResult is the outcome of a sandboxed apply_action call.
type ApplyActionResult struct {
	ActionID string
	Status   string // "sandbox, not applied" or "applied"
}

// ApplyAction returns "sandbox, not applied" unless live mode is enabled; in
// live mode it remains a no-op placeholder since external dispatch is out of
// scope for this engine.
func (e *Engine) ApplyAction(actionID string) ApplyActionResult {
	e.mu.Lock()
	live := e.liveMode
	e.mu.Unlock()
	if !live {
		return ApplyActionResult{ActionID: actionID, Status: "sandbox, not applied"}
	}
	return ApplyActionResult{ActionID: actionID, Status: "applied"}
}
