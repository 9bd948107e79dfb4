// Package pipeline wires the section graph, normaliser, digital twin,
// conflict radar, optimizer and apply-and-validate stages into the single
// per-tick sequence the Runtime Engine and the batch CLI both run: graph
// build -> normalise -> replay -> detect -> optimize -> (optionally) apply.
// It is the one place that owns artifact I/O for a (scope, date) partition,
// so cmd/railctl and cmd/engine stay thin dispatchers.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/apply"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/artifact"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/audit"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/errs"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/fsutil"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/locks"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/optimizer"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/policy"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/radar"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/twin"
)

// GraphInput is the on-disk JSON shape for a section graph.
type GraphInput struct {
	Stations []StationInput `json:"stations"`
	Blocks   []BlockInput   `json:"blocks"`
}

type StationInput struct {
	StationID     string   `json:"station_id"`
	Platforms     int      `json:"platforms"`
	MinDwellMin   float64  `json:"min_dwell_min"`
	RouteSetupMin float64  `json:"route_setup_min"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
}

type BlockInput struct {
	BlockID           string  `json:"block_id"`
	U                 string  `json:"u"`
	V                 string  `json:"v"`
	MinRunTimeMin     float64 `json:"min_run_time_min"`
	HeadwayMin        float64 `json:"headway_min"`
	Capacity          int     `json:"capacity"`
	PeakHeadwayMin    float64 `json:"peak_headway_min,omitempty"`
	OffPeakHeadwayMin float64 `json:"off_peak_headway_min,omitempty"`
}

// LoadGraph reads a GraphInput JSON file and builds a validated Graph.
func LoadGraph(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	var in GraphInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: failed to parse graph file: %v", errs.ErrBadTopology, err)
	}

	stations := make([]graph.Station, 0, len(in.Stations))
	for _, s := range in.Stations {
		stations = append(stations, graph.Station{
			StationID: s.StationID, Platforms: s.Platforms, MinDwellMin: s.MinDwellMin,
			RouteSetupMin: s.RouteSetupMin, Lat: s.Lat, Lon: s.Lon,
		})
	}
	blocks := make([]graph.Block, 0, len(in.Blocks))
	for _, b := range in.Blocks {
		blocks = append(blocks, graph.Block{
			BlockID: b.BlockID, U: b.U, V: b.V, MinRunTimeMin: b.MinRunTimeMin,
			HeadwayMin: b.HeadwayMin, Capacity: b.Capacity,
			PeakHeadwayMin: b.PeakHeadwayMin, OffPeakHeadwayMin: b.OffPeakHeadwayMin,
		})
	}
	return graph.Build(stations, blocks)
}

// LoadRawRecords reads a JSON array of normalize.RawRecord from path.
func LoadRawRecords(path string) ([]normalize.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	var records []normalize.RawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: failed to parse events file: %v", errs.ErrInputDefect, err)
	}
	return records, nil
}

// LoadPolicy reads a policy file, or returns an empty (all-default) policy
// when path is empty.
func LoadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Empty(), nil
	}
	return policy.Load(path)
}

// Config bundles the inputs one pipeline run needs.
type Config struct {
	Scope   string
	Date    string
	T0      time.Time
	Horizon time.Duration
	UseGA   bool
	Seed    int64
	Locks   locks.Set
}

// Stage1 is the graph+normalise+replay+detect portion shared by every
// read-only operation (get_state, get_radar, get_recommendations).
type Stage1 struct {
	Graph  *graph.Graph
	Events []normalize.TrainEvent
	Twin   *twin.Result
	Risks  []radar.Risk
}

// PersistGraph writes the section topology's nodes and edges to
// section_nodes.parquet and section_edges.parquet.
func PersistGraph(store *artifact.Store, scope, date string, g *graph.Graph) error {
	if err := store.WriteTable(scope, date, artifact.SectionNodes, g.Stations()); err != nil {
		return err
	}
	return store.WriteTable(scope, date, artifact.SectionEdges, g.Blocks())
}

// RiskKPIs summarises one radar scan for dashboards that don't want to
// walk the full conflict_radar.json risk list themselves.
type RiskKPIs struct {
	Total           int                    `json:"total"`
	ByType          map[radar.RiskType]int `json:"by_type"`
	BySeverity      map[radar.Severity]int `json:"by_severity"`
	AvgRequiredHold float64                `json:"avg_required_hold_min"`
}

func riskKPIs(risks []radar.Risk) RiskKPIs {
	kpis := RiskKPIs{ByType: map[radar.RiskType]int{}, BySeverity: map[radar.Severity]int{}}
	var holdSum float64
	for _, r := range risks {
		kpis.Total++
		kpis.ByType[r.Type]++
		kpis.BySeverity[r.Severity]++
		holdSum += r.RequiredHoldMin
	}
	if kpis.Total > 0 {
		kpis.AvgRequiredHold = holdSum / float64(kpis.Total)
	}
	return kpis
}

// RunStage1 builds the graph, normalises events, replays the twin and
// detects risks, writing the corresponding artifacts along the way.
func RunStage1(store *artifact.Store, cfg Config, g *graph.Graph, rawEvents []normalize.RawRecord) (*Stage1, error) {
	if err := PersistGraph(store, cfg.Scope, cfg.Date, g); err != nil {
		return nil, err
	}

	registry := normalize.NewStationRegistry()
	events, err := normalize.Batch(rawEvents, registry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInputDefect, err)
	}
	if err := store.WriteTable(cfg.Scope, cfg.Date, artifact.EventsClean, events); err != nil {
		return nil, err
	}

	result, err := twin.Replay(events, g, twin.Options{})
	if err != nil {
		return nil, err
	}
	if err := store.WriteTable(cfg.Scope, cfg.Date, artifact.BlockOccupancy, result.BlockOccupancy); err != nil {
		return nil, err
	}
	if err := store.WriteTable(cfg.Scope, cfg.Date, artifact.PlatformOccupancy, result.PlatformOccupancy); err != nil {
		return nil, err
	}
	if err := store.WriteTable(cfg.Scope, cfg.Date, artifact.WaitingLedger, result.WaitingLedger); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.SimKPIs, result.KPIs); err != nil {
		return nil, err
	}

	risks := radar.Detect(g, result, radar.Options{T0: cfg.T0, Horizon: cfg.Horizon})
	validation := radar.Validate(result.BlockOccupancy, g, risks)
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.ConflictRadar, risks); err != nil {
		return nil, err
	}
	if err := store.WriteTable(cfg.Scope, cfg.Date, artifact.RiskTimeline, risks); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.RiskKPIs, riskKPIs(risks)); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.RiskValidation, validation); err != nil {
		return nil, err
	}
	mitigations := radar.Mitigate(risks, result, g)
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.MitigationPreview, mitigations); err != nil {
		return nil, err
	}

	return &Stage1{Graph: g, Events: events, Twin: result, Risks: risks}, nil
}

// severityHeat maps a risk severity to a [0,1] conflict probability;
// radar.SeverityRank orders the same buckets the other way (0 = most
// urgent), so this is its complement rather than a reuse of it.
func severityHeat(s radar.Severity) float64 {
	const maxRank = 3.0 // radar.SeverityRank tops out at SeverityLow
	return (maxRank - float64(radar.SeverityRank(s))) / maxRank
}

// IncidentHeat turns a risk list into a block/station -> probability map,
// averaging severityHeat across every risk touching that resource. It both
// drives optimizer.Input.RiskHeat and is persisted as incident_heat.json
// for the next tick's operators.
func IncidentHeat(risks []radar.Risk) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, r := range risks {
		sums[r.ResourceRef] += severityHeat(r.Severity)
		counts[r.ResourceRef]++
	}
	heat := make(map[string]float64, len(sums))
	for ref, sum := range sums {
		heat[ref] = sum / float64(counts[ref])
	}
	return heat
}

// RunOptimize produces a Plan from a Stage1 result and writes the optimizer
// artifacts (rec_plan.json is preceded by moving the current one to
// rec_plan_prev.json, matching the plan/revert contract).
func RunOptimize(store *artifact.Store, cfg Config, stage1 *Stage1, pol *policy.Policy, priorities map[string]int, riskHeat map[string]float64) (*optimizer.Output, error) {
	if riskHeat == nil {
		riskHeat = IncidentHeat(stage1.Risks)
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.IncidentHeat, riskHeat); err != nil {
		return nil, err
	}

	if store.Exists(cfg.Scope, cfg.Date, artifact.RecPlan) {
		var prev optimizer.Plan
		if err := store.ReadJSON(cfg.Scope, cfg.Date, artifact.RecPlan, &prev); err == nil {
			if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.RecPlanPrev, prev); err != nil {
				return nil, err
			}
		}
	}

	out, err := optimizer.Optimize(optimizer.Input{
		Graph: stage1.Graph, Occupancy: stage1.Twin.BlockOccupancy, Risks: stage1.Risks,
		Policy: pol, Locks: cfg.Locks, RiskHeat: riskHeat, Priorities: priorities,
		UseGA: cfg.UseGA, Seed: cfg.Seed, T0: cfg.T0, Horizon: cfg.Horizon,
	})
	if err != nil {
		return nil, err
	}

	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.RecPlan, out.Plan); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.AltOptions, out.AltOptions); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.PlanMetrics, out.Metrics); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.AuditLog, out.Audit); err != nil {
		return nil, err
	}
	return out, nil
}

// RunApply applies a plan against the Stage1 events and writes the
// apply-and-validate report. It returns errs.ErrSafetyInvariantBroken if
// the post-apply validation fails.
func RunApply(store *artifact.Store, cfg Config, stage1 *Stage1, plan optimizer.Plan) (*apply.Result, error) {
	result, err := apply.Run(stage1.Events, stage1.Graph, plan, cfg.T0, cfg.Horizon)
	if err != nil {
		return nil, err
	}
	if err := store.WriteJSON(cfg.Scope, cfg.Date, artifact.PlanApplyReport, result); err != nil {
		return nil, err
	}
	if !result.ValidateAfter.OkPostNoOverlap || !result.ValidateAfter.OkHeadwayEnforced {
		return result, fmt.Errorf("%w: post-apply validation failed", errs.ErrSafetyInvariantBroken)
	}
	return result, nil
}

// RevertPlan swaps rec_plan.json and rec_plan_prev.json, implementing the
// plan/revert contract from scenario S6.
func RevertPlan(store *artifact.Store, scope, date string) error {
	var current, prev optimizer.Plan
	if err := store.ReadJSON(scope, date, artifact.RecPlan, &current); err != nil {
		return fmt.Errorf("no current plan to revert: %w", err)
	}
	if err := store.ReadJSON(scope, date, artifact.RecPlanPrev, &prev); err != nil {
		return fmt.Errorf("no previous plan to revert to: %w", err)
	}
	if err := store.WriteJSON(scope, date, artifact.RecPlan, prev); err != nil {
		return err
	}
	return store.WriteJSON(scope, date, artifact.RecPlanPrev, current)
}

// DiskArtifactStore returns an artifact.Store rooted at baseDir on the
// real filesystem.
func DiskArtifactStore(baseDir string) *artifact.Store {
	return artifact.New(fsutil.OSFileSystem{}, baseDir)
}

// ILTrainingRow is one expert-demonstration sample: a controller's accepted
// disposition on a recommended action, with no reward attached. It differs
// from an audit.RLTransition in that every accepted decision contributes
// one row regardless of action type, since imitation learning clones the
// controller's choices rather than optimising a reward signal.
type ILTrainingRow struct {
	TS       time.Time        `json:"ts"`
	Action   optimizer.Action `json:"action"`
	Decision audit.Decision   `json:"decision"`
}

// ILTrainingRows turns every APPLY/MODIFY/ACK audit entry into one
// imitation-learning demonstration row; DISMISS carries no expert action
// to clone and is excluded.
func ILTrainingRows(entries []audit.AuditEntry) []ILTrainingRow {
	rows := make([]ILTrainingRow, 0, len(entries))
	for _, e := range entries {
		if e.Decision != audit.DecisionApply && e.Decision != audit.DecisionModify && e.Decision != audit.DecisionAck {
			continue
		}
		rows = append(rows, ILTrainingRow{TS: e.TS, Action: e.Action, Decision: e.Decision})
	}
	return rows
}

// actionResourceRef identifies the block or station an action's risk state
// should be drawn from: SPEED_TUNE keys by block, everything else by the
// station the hold/reassignment takes effect at.
func actionResourceRef(a optimizer.Action) string {
	if a.Block != "" {
		return a.Block
	}
	if a.AtStation != "" {
		return a.AtStation
	}
	return a.Station
}

// matchRisk finds the risk an action was raised against: the one naming
// both the action's resource and its train, falling back to the first risk
// on that resource if no exact train match exists.
func matchRisk(resourceRef, trainID string, risks []radar.Risk) radar.Risk {
	var fallback radar.Risk
	haveFallback := false
	for _, r := range risks {
		if r.ResourceRef != resourceRef {
			continue
		}
		if !haveFallback {
			fallback = r
			haveFallback = true
		}
		for _, t := range r.TrainIDs {
			if t == trainID {
				return r
			}
		}
	}
	return fallback
}

// resourceCapacityHeadway looks up the block/station capacity and the
// block headway (0 for a station resource) an action's resource carries.
func resourceCapacityHeadway(resourceRef string, g *graph.Graph) (capacity int, headwayMin float64) {
	if g == nil {
		return 0, 0
	}
	if b, ok := g.Block(resourceRef); ok {
		return b.Capacity, b.HeadwayMin
	}
	if s, ok := g.Station(resourceRef); ok {
		return s.Platforms, 0
	}
	return 0, 0
}

// BuildRLState draws the offline-RL state vector from the same features
// the optimizer itself ranks and sizes holds with: the risk's severity and
// lead time, the targeted resource's headway and capacity, how many trains
// are contending for it, and the train's priority weight.
func BuildRLState(action optimizer.Action, risks []radar.Risk, g *graph.Graph, pol *policy.Policy) map[string]any {
	ref := actionResourceRef(action)
	risk := matchRisk(ref, action.Train, risks)
	capacity, headway := resourceCapacityHeadway(ref, g)
	classPriority := 1.0
	if pol != nil {
		classPriority = pol.PriorityWeight(action.Train)
	}
	return map[string]any{
		"severity_rank":    radar.SeverityRank(risk.Severity),
		"lead_min":         risk.LeadMin,
		"headway_min":      headway,
		"capacity":         capacity,
		"block_len_trains": len(risk.TrainIDs),
		"class_priority":   classPriority,
		// priority_weight duplicates class_priority under the key
		// audit.Reward's β term already reads from RLTransition.State.
		"priority_weight": classPriority,
	}
}

// loadRLContext best-effort loads the risks/graph/policy a partition's
// RecordAudit run needs to build RL state from, degrading to empty/nil
// when an upstream artifact hasn't been written yet for this partition
// (e.g. audit-append run before the first optimize).
func loadRLContext(store *artifact.Store, scope, date string) ([]radar.Risk, *graph.Graph, *policy.Policy) {
	var risks []radar.Risk
	if store.Exists(scope, date, artifact.ConflictRadar) {
		_ = store.ReadJSON(scope, date, artifact.ConflictRadar, &risks)
	}

	var g *graph.Graph
	if store.Exists(scope, date, artifact.SectionNodes) && store.Exists(scope, date, artifact.SectionEdges) {
		stations, errS := artifact.ReadTable[graph.Station](store, scope, date, artifact.SectionNodes)
		blocks, errB := artifact.ReadTable[graph.Block](store, scope, date, artifact.SectionEdges)
		if errS == nil && errB == nil {
			if built, err := graph.Build(stations, blocks); err == nil {
				g = built
			}
		}
	}

	var pol *policy.Policy
	if store.Exists(scope, date, artifact.PolicyState) {
		p := policy.Empty()
		if err := store.ReadJSON(scope, date, artifact.PolicyState, p); err == nil {
			pol = p
		}
	}
	return risks, g, pol
}

// RecordAudit writes the ledger's current entries to audit_trail.json and,
// for every entry that produces an offline-RL transition, appends a row to
// feedback.parquet — its State built from the same risk/graph/policy
// features the optimizer used (BuildRLState) — while accepted decisions
// are additionally mirrored to il_training.parquet as reward-free expert
// demonstrations. The three read-mostly artifacts are what a controller
// dashboard or the next optimizer tick consumes, distinct from
// rec_plan.json's own per-plan audit_log.json trace.
func RecordAudit(store *artifact.Store, scope, date string, ledger *audit.Ledger, requiredHoldMin float64, weights audit.RewardWeights) error {
	entries := ledger.Entries()
	if err := store.WriteTable(scope, date, artifact.AuditTrail, entries); err != nil {
		return err
	}

	risks, g, pol := loadRLContext(store, scope, date)

	transitions := make([]audit.RLTransition, 0, len(entries))
	for _, e := range entries {
		recent := ledger.RecentHolds(e.Action.Train, e.TS, time.Hour)
		state := BuildRLState(e.Action, risks, g, pol)
		if t, ok := audit.ForDecision(e, state, requiredHoldMin, weights, recent); ok {
			transitions = append(transitions, t)
		}
	}
	if len(transitions) > 0 {
		if err := store.WriteTable(scope, date, artifact.Feedback, transitions); err != nil {
			return err
		}
	}

	if ilRows := ILTrainingRows(entries); len(ilRows) > 0 {
		if err := store.WriteTable(scope, date, artifact.ILTraining, ilRows); err != nil {
			return err
		}
	}
	return nil
}

// PersistPolicy writes the active policy and its provenance to
// policy_state.json and provenance.json.
func PersistPolicy(store *artifact.Store, scope, date string, policyStore *policy.Store) error {
	if err := store.WriteJSON(scope, date, artifact.PolicyState, policyStore.Get()); err != nil {
		return err
	}
	return store.WriteJSON(scope, date, artifact.Provenance, policyStore.Provenance())
}

// LoadLocks reads the persisted locks_state.json for a partition, returning
// an empty Set if none has been written yet.
func LoadLocks(store *artifact.Store, scope, date string) (locks.Set, error) {
	var set locks.Set
	if !store.Exists(scope, date, artifact.LocksState) {
		return set, nil
	}
	if err := store.ReadJSON(scope, date, artifact.LocksState, &set); err != nil {
		return locks.Set{}, err
	}
	return set, nil
}

// SetResourceLock toggles a platform or block lock and persists the result
// to locks_state.json.
func SetResourceLock(store *artifact.Store, scope, date string, kind locks.ResourceType, id string, locked bool) (locks.Set, error) {
	set, err := LoadLocks(store, scope, date)
	if err != nil {
		return locks.Set{}, err
	}
	replaced := false
	for i, l := range set.ResourceLocks {
		if l.Type == kind && l.ID == id {
			set.ResourceLocks[i].Locked = locked
			replaced = true
			break
		}
	}
	if !replaced {
		set.ResourceLocks = append(set.ResourceLocks, locks.ResourceLock{Type: kind, ID: id, Locked: locked})
	}
	if err := store.WriteJSON(scope, date, artifact.LocksState, set); err != nil {
		return locks.Set{}, err
	}
	return set, nil
}

// SetPrecedencePin pins (or, if leader and follower are both empty, clears)
// the precedence order across a block and persists the result.
func SetPrecedencePin(store *artifact.Store, scope, date, blockID, leader, follower string) (locks.Set, error) {
	set, err := LoadLocks(store, scope, date)
	if err != nil {
		return locks.Set{}, err
	}
	kept := set.PrecedencePins[:0]
	for _, p := range set.PrecedencePins {
		if p.BlockID != blockID {
			kept = append(kept, p)
		}
	}
	set.PrecedencePins = kept
	if leader != "" || follower != "" {
		set.PrecedencePins = append(set.PrecedencePins, locks.PrecedencePin{BlockID: blockID, Leader: leader, Follower: follower})
	}
	if err := store.WriteJSON(scope, date, artifact.LocksState, set); err != nil {
		return locks.Set{}, err
	}
	return set, nil
}

// BatchResult is one scenario's outcome within a scenario/batch run.
type BatchResult struct {
	Scope  string         `json:"scope"`
	Date   string         `json:"date"`
	Plan   optimizer.Plan `json:"plan"`
	Report *apply.Result  `json:"apply_report"`
	Err    string         `json:"error,omitempty"`
}

// RunBatch runs the full tick for every (scope, date) partition in cfgs
// against the same graph and policy, continuing past a failed partition so
// one bad scenario doesn't abort the rest of the batch.
func RunBatch(store *artifact.Store, cfgs []Config, g *graph.Graph, rawEvents []normalize.RawRecord, pol *policy.Policy) []BatchResult {
	results := make([]BatchResult, 0, len(cfgs))
	for _, cfg := range cfgs {
		stage1, err := RunStage1(store, cfg, g, rawEvents)
		if err != nil {
			results = append(results, BatchResult{Scope: cfg.Scope, Date: cfg.Date, Err: err.Error()})
			continue
		}
		out, err := RunOptimize(store, cfg, stage1, pol, nil, nil)
		if err != nil {
			results = append(results, BatchResult{Scope: cfg.Scope, Date: cfg.Date, Err: err.Error()})
			continue
		}
		report, err := RunApply(store, cfg, stage1, out.Plan)
		res := BatchResult{Scope: cfg.Scope, Date: cfg.Date, Plan: out.Plan, Report: report}
		if err != nil {
			res.Err = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// HandshakeRequest is what a neighbouring section's controller sends when
// proposing a boundary-crossing plan for a shared station.
type HandshakeRequest struct {
	BoundaryStation string         `json:"boundary_station"`
	ProposedPlan    optimizer.Plan `json:"proposed_plan"`
}

// HandshakeResponse states whether the local section accepts the proposal,
// given its own current plan and any locks pinned at the boundary.
type HandshakeResponse struct {
	BoundaryStation string `json:"boundary_station"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
}

// Handshake checks a neighbouring section's proposed plan against this
// section's locks before accepting a boundary coordination request: any
// action the proposal places on a locked resource at the boundary station
// is rejected, matching the resource-lock contract RunOptimize's plan
// already respects within its own section.
func Handshake(store *artifact.Store, scope, date string, req HandshakeRequest) (HandshakeResponse, error) {
	set, err := LoadLocks(store, scope, date)
	if err != nil {
		return HandshakeResponse{}, err
	}
	for _, action := range req.ProposedPlan.Actions {
		station := action.AtStation
		if station == "" {
			station = action.Station
		}
		if station != req.BoundaryStation {
			continue
		}
		if set.IsLocked(locks.ResourcePlatform, req.BoundaryStation) {
			return HandshakeResponse{BoundaryStation: req.BoundaryStation, Accepted: false,
				Reason: fmt.Sprintf("platform at %s is locked", req.BoundaryStation)}, nil
		}
	}
	return HandshakeResponse{BoundaryStation: req.BoundaryStation, Accepted: true}, nil
}

// delayLayouts are the raw timestamp spellings InjectDelay knows how to
// shift in place; the first one that parses a field's value wins, and the
// shifted value is re-rendered with the same layout.
var delayLayouts = []string{"15:04:05", "15:04", time.RFC3339}

// delayColumns are the RawRecord columns a disruption shifts, tried in
// order so a departure delay dominates when both are present.
var delayColumns = []string{"act_dep", "sched_dep", "act_arr", "sched_arr"}

// InjectDelay adds delayMin minutes to the departure (or, failing that,
// arrival) timestamp of every raw record matching (train, station),
// returning a copy of records with the shift applied. It errors if no
// matching record is found or no field on a matching record could be
// parsed as a timestamp.
func InjectDelay(records []normalize.RawRecord, train, station string, delayMin float64) ([]normalize.RawRecord, error) {
	out := make([]normalize.RawRecord, len(records))
	matched := false
	shifted := false

	for i, rec := range records {
		cp := make(normalize.RawRecord, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out[i] = cp

		if !recordMatches(cp, train, station) {
			continue
		}
		matched = true
		if shiftFirstParseableField(cp, delayMin) {
			shifted = true
		}
	}

	if !matched {
		return nil, fmt.Errorf("%w: no event found for train %q at station %q", errs.ErrInputDefect, train, station)
	}
	if !shifted {
		return nil, fmt.Errorf("%w: matched event for train %q at station %q has no parseable timestamp field", errs.ErrInputDefect, train, station)
	}
	return out, nil
}

func recordMatches(rec normalize.RawRecord, train, station string) bool {
	trainMatch := false
	stationMatch := false
	for k, v := range rec {
		switch normalizeColumnKey(k) {
		case "train_id", "trainid", "train no", "train_no", "trainno":
			trainMatch = trainMatch || v == train
		case "station", "station_id", "station_code", "station name", "stationname":
			stationMatch = stationMatch || v == station
		}
	}
	return trainMatch && stationMatch
}

func normalizeColumnKey(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func shiftFirstParseableField(rec normalize.RawRecord, delayMin float64) bool {
	for _, col := range delayColumns {
		for k, v := range rec {
			if normalizeColumnKey(k) != col {
				continue
			}
			for _, layout := range delayLayouts {
				t, err := time.Parse(layout, v)
				if err != nil {
					continue
				}
				rec[k] = t.Add(time.Duration(delayMin * float64(time.Minute))).Format(layout)
				return true
			}
		}
	}
	return false
}
