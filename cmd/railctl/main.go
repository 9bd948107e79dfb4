// Command railctl is the batch CLI surface for the decision-support
// engine: it runs one (scope, date) partition through graph build,
// normalisation, replay, conflict detection, optimization and
// apply-and-validate, reading and writing the artifacts/<scope>/<date>/
// tree that the HTTP layer and the Runtime Engine also consume.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/artifact"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/audit"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/errs"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/fsutil"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/locks"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/pipeline"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/policy"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/version"
)

const (
	exitSuccess          = 0
	exitMissingArtifacts = 2
	exitBadTopology      = 3
	exitSafetyInvariant  = 4
)

type commonFlags struct {
	artifactDir string
	scope       string
	date        string
	graphPath   string
	eventsPath  string
	policyPath  string
	horizon     time.Duration
	useGA       bool
	seed        int64
}

func registerCommon(fs *flag.FlagSet, c *commonFlags) {
	fs.StringVar(&c.artifactDir, "artifacts", "artifacts", "artifact tree root directory")
	fs.StringVar(&c.scope, "scope", "default", "section scope name")
	fs.StringVar(&c.date, "date", time.Now().UTC().Format("2006-01-02"), "partition date (YYYY-MM-DD)")
	fs.StringVar(&c.graphPath, "graph", "", "path to section graph JSON file")
	fs.StringVar(&c.eventsPath, "events", "", "path to raw event records JSON file")
	fs.StringVar(&c.policyPath, "policy", "", "path to policy JSON file (optional)")
	fs.DurationVar(&c.horizon, "horizon", 60*time.Minute, "radar detection horizon")
	fs.BoolVar(&c.useGA, "use-ga", false, "force the genetic-algorithm fallback")
	fs.Int64Var(&c.seed, "seed", 1, "deterministic seed for the genetic-algorithm fallback")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: railctl <version|get-state|get-radar|get-recommendations|optimize|apply|scenario-run|scenario-batch|disruption|plan-revert|locks-resource|locks-precedence|coord-handshake|audit-append> [flags]")
		os.Exit(exitMissingArtifacts)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	var err error

	switch cmd {
	case "version":
		fmt.Printf("railctl %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	case "get-state":
		err = runStage1Only(cmd, args)
	case "get-radar":
		err = runStage1Only(cmd, args)
	case "get-recommendations", "optimize":
		err = runOptimize(cmd, args)
	case "apply":
		err = runApply(cmd, args)
	case "scenario-run":
		err = runScenario(cmd, args)
	case "disruption":
		err = runDisruption(cmd, args)
	case "plan-revert":
		err = runPlanRevert(args)
	case "scenario-batch":
		err = runScenarioBatch(args)
	case "locks-resource":
		err = runLocksResource(args)
	case "locks-precedence":
		err = runLocksPrecedence(args)
	case "coord-handshake":
		err = runCoordHandshake(args)
	case "audit-append":
		err = runAuditAppend(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(exitMissingArtifacts)
	}

	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	switch {
	case errors.Is(err, errs.ErrBadTopology):
		return exitBadTopology
	case errors.Is(err, errs.ErrSafetyInvariantBroken):
		return exitSafetyInvariant
	case errors.Is(err, errs.ErrInputDefect), errors.Is(err, errs.ErrMissingServiceDate):
		return exitMissingArtifacts
	default:
		return exitMissingArtifacts
	}
}

func loadInputs(c *commonFlags) (*pipeline.Config, *pipeline.Stage1, error) {
	if c.graphPath == "" || c.eventsPath == "" {
		return nil, nil, fmt.Errorf("%w: -graph and -events are required", errs.ErrInputDefect)
	}
	g, err := pipeline.LoadGraph(c.graphPath)
	if err != nil {
		return nil, nil, err
	}
	rawEvents, err := pipeline.LoadRawRecords(c.eventsPath)
	if err != nil {
		return nil, nil, err
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)

	cfg := pipeline.Config{Scope: c.scope, Date: c.date, Horizon: c.horizon, UseGA: c.useGA, Seed: c.seed}
	stage1, err := pipeline.RunStage1(store, cfg, g, rawEvents)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, stage1, nil
}

func runStage1Only(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, stage1, err := loadInputs(c)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if name == "get-radar" {
		return enc.Encode(stage1.Risks)
	}
	return enc.Encode(stage1.Twin)
}

func runOptimize(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, stage1, err := loadInputs(c)
	if err != nil {
		return err
	}
	pol, err := pipeline.LoadPolicy(c.policyPath)
	if err != nil {
		return err
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)
	out, err := pipeline.RunOptimize(store, *cfg, stage1, pol, nil, nil)
	if err != nil {
		return err
	}
	polStore := policy.NewStore(pol)
	if err := polStore.Update(pol, "railctl", time.Now().UTC()); err != nil {
		return err
	}
	if err := pipeline.PersistPolicy(store, c.scope, c.date, polStore); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runApply(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, stage1, err := loadInputs(c)
	if err != nil {
		return err
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)
	pol, err := pipeline.LoadPolicy(c.policyPath)
	if err != nil {
		return err
	}
	out, err := pipeline.RunOptimize(store, *cfg, stage1, pol, nil, nil)
	if err != nil {
		return err
	}
	result, err := pipeline.RunApply(store, *cfg, stage1, out.Plan)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runScenario runs the full tick once: graph -> normalise -> replay ->
// detect -> optimize -> apply, writing every artifact along the way.
func runScenario(name string, args []string) error {
	return runApply(name, args)
}

// runDisruption shifts the matching (train, station) timestamp by
// delayMin before re-running the scenario.
func runDisruption(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	var train, station string
	var delayMin float64
	fs.StringVar(&train, "train", "", "train_id to delay")
	fs.StringVar(&station, "station", "", "station_id where the delay is injected")
	fs.Float64Var(&delayMin, "delay-min", 5, "delay to inject, in minutes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if train == "" || station == "" {
		return fmt.Errorf("%w: -train and -station are required", errs.ErrInputDefect)
	}

	if c.graphPath == "" || c.eventsPath == "" {
		return fmt.Errorf("%w: -graph and -events are required", errs.ErrInputDefect)
	}
	rawEvents, err := pipeline.LoadRawRecords(c.eventsPath)
	if err != nil {
		return err
	}
	rawEvents, err = pipeline.InjectDelay(rawEvents, train, station, delayMin)
	if err != nil {
		return err
	}

	g, err := pipeline.LoadGraph(c.graphPath)
	if err != nil {
		return err
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)
	cfg := pipeline.Config{Scope: c.scope, Date: c.date, Horizon: c.horizon, UseGA: c.useGA, Seed: c.seed}
	stage1, err := pipeline.RunStage1(store, cfg, g, rawEvents)
	if err != nil {
		return err
	}
	pol, err := pipeline.LoadPolicy(c.policyPath)
	if err != nil {
		return err
	}
	out, err := pipeline.RunOptimize(store, cfg, stage1, pol, nil, nil)
	if err != nil {
		return err
	}
	_, err = pipeline.RunApply(store, cfg, stage1, out.Plan)
	return err
}

func runPlanRevert(args []string) error {
	fs := flag.NewFlagSet("plan-revert", flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)
	return pipeline.RevertPlan(store, c.scope, c.date)
}

// runLocksResource toggles a platform or block lock for a (scope, date)
// partition, persisting the result to locks_state.json.
func runLocksResource(args []string) error {
	fs := flag.NewFlagSet("locks-resource", flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	var kind, id string
	var lock bool
	fs.StringVar(&kind, "kind", "", "resource kind: platform or block")
	fs.StringVar(&id, "id", "", "resource id (station_id for platform, block_id for block)")
	fs.BoolVar(&lock, "lock", true, "true to lock, false to release")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rt := locks.ResourceType(kind)
	if rt != locks.ResourcePlatform && rt != locks.ResourceBlock {
		return fmt.Errorf("%w: -kind must be platform or block, got %q", errs.ErrInputDefect, kind)
	}
	if id == "" {
		return fmt.Errorf("%w: -id is required", errs.ErrInputDefect)
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)
	set, err := pipeline.SetResourceLock(store, c.scope, c.date, rt, id, lock)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

// runLocksPrecedence pins (or, with both -leader and -follower empty,
// clears) the precedence order across a block.
func runLocksPrecedence(args []string) error {
	fs := flag.NewFlagSet("locks-precedence", flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	var block, leader, follower string
	fs.StringVar(&block, "block", "", "block_id the pin applies to")
	fs.StringVar(&leader, "leader", "", "train_id that goes first")
	fs.StringVar(&follower, "follower", "", "train_id that yields")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if block == "" {
		return fmt.Errorf("%w: -block is required", errs.ErrInputDefect)
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)
	set, err := pipeline.SetPrecedencePin(store, c.scope, c.date, block, leader, follower)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

// runScenarioBatch runs the full tick for every date in -dates (a
// comma-separated list) against the same graph, events and policy,
// reporting every partition's outcome even if one fails.
func runScenarioBatch(args []string) error {
	fs := flag.NewFlagSet("scenario-batch", flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	var dates string
	fs.StringVar(&dates, "dates", "", "comma-separated list of partition dates")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if dates == "" {
		return fmt.Errorf("%w: -dates is required", errs.ErrInputDefect)
	}
	if c.graphPath == "" || c.eventsPath == "" {
		return fmt.Errorf("%w: -graph and -events are required", errs.ErrInputDefect)
	}
	g, err := pipeline.LoadGraph(c.graphPath)
	if err != nil {
		return err
	}
	rawEvents, err := pipeline.LoadRawRecords(c.eventsPath)
	if err != nil {
		return err
	}
	pol, err := pipeline.LoadPolicy(c.policyPath)
	if err != nil {
		return err
	}
	store := pipeline.DiskArtifactStore(c.artifactDir)

	var cfgs []pipeline.Config
	for _, d := range splitComma(dates) {
		cfgs = append(cfgs, pipeline.Config{Scope: c.scope, Date: d, Horizon: c.horizon, UseGA: c.useGA, Seed: c.seed})
	}
	results := pipeline.RunBatch(store, cfgs, g, rawEvents, pol)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// runAuditAppend records a controller's decision (APPLY/DISMISS/MODIFY/ACK)
// against one action from the partition's current rec_plan.json, then
// regenerates audit_trail.json, feedback.parquet and il_training.parquet
// from the full ledger.
func runAuditAppend(args []string) error {
	fs := flag.NewFlagSet("audit-append", flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	var actionID, who, role, decision, reason string
	fs.StringVar(&actionID, "action-id", "", "action_id from rec_plan.json to record a decision against")
	fs.StringVar(&who, "who", "", "controller or crew identifier")
	fs.StringVar(&role, "role", "", "controller role")
	fs.StringVar(&decision, "decision", "", "APPLY, DISMISS, MODIFY or ACK")
	fs.StringVar(&reason, "reason", "", "optional free-text reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if actionID == "" || who == "" || decision == "" {
		return fmt.Errorf("%w: -action-id, -who and -decision are required", errs.ErrInputDefect)
	}

	store := pipeline.DiskArtifactStore(c.artifactDir)
	var fullPlan struct {
		Actions []json.RawMessage `json:"Actions"`
		Version string            `json:"Version"`
	}
	if err := store.ReadJSON(c.scope, c.date, artifact.RecPlan, &fullPlan); err != nil {
		return err
	}
	found := false
	var action json.RawMessage
	for _, raw := range fullPlan.Actions {
		var probe struct {
			ActionID string `json:"ActionID"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.ActionID == actionID {
			action = raw
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: action_id %q not found in rec_plan.json", errs.ErrInputDefect, actionID)
	}
	var entry audit.AuditEntry
	if err := json.Unmarshal(action, &entry.Action); err != nil {
		return fmt.Errorf("%w: failed to parse action: %v", errs.ErrInputDefect, err)
	}
	entry.TS = time.Now().UTC()
	entry.Who = who
	entry.Role = role
	entry.Decision = audit.Decision(decision)
	entry.Reason = reason
	entry.PlanVersion = fullPlan.Version

	ledgerPath := filepath.Join(c.scope, c.date, "audit_ledger.json")
	ledger, err := audit.NewLedger(fsutil.OSFileSystem{}, c.artifactDir, ledgerPath, nil)
	if err != nil {
		return err
	}
	if err := ledger.Append(entry); err != nil {
		return err
	}
	return pipeline.RecordAudit(store, c.scope, c.date, ledger, 2, audit.DefaultRewardWeights)
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// runCoordHandshake reads a proposed plan JSON file from a neighbouring
// section and checks it against this section's locks at the boundary
// station.
func runCoordHandshake(args []string) error {
	fs := flag.NewFlagSet("coord-handshake", flag.ExitOnError)
	c := &commonFlags{}
	registerCommon(fs, c)
	var boundary, planPath string
	fs.StringVar(&boundary, "boundary-station", "", "shared boundary station_id")
	fs.StringVar(&planPath, "proposed-plan", "", "path to the neighbouring section's proposed plan JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if boundary == "" || planPath == "" {
		return fmt.Errorf("%w: -boundary-station and -proposed-plan are required", errs.ErrInputDefect)
	}
	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("failed to read proposed plan file: %w", err)
	}
	var req pipeline.HandshakeRequest
	req.BoundaryStation = boundary
	if err := json.Unmarshal(data, &req.ProposedPlan); err != nil {
		return fmt.Errorf("%w: failed to parse proposed plan: %v", errs.ErrInputDefect, err)
	}

	store := pipeline.DiskArtifactStore(c.artifactDir)
	resp, err := pipeline.Handshake(store, c.scope, c.date, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
