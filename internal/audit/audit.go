// Package audit implements the append-only decision ledger: every APPLY,
// DISMISS, MODIFY or ACK on a proposed Action is written once and never
// mutated, mirrored into a tabular analytics store, and — for accepted
// HOLD actions — turned into an offline-RL transition for the feedback
// loop. The durable log uses a write-to-temp-then-atomic-rename strategy
// so a crash mid-write never corrupts the prior, already-durable state.
package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/canon"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/fsutil"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/optimizer"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/security"
	"github.com/google/uuid"
)

// Decision is the controller/crew disposition on a recommended action.
type Decision string

const (
	DecisionApply   Decision = "APPLY"
	DecisionDismiss Decision = "DISMISS"
	DecisionModify  Decision = "MODIFY"
	DecisionAck     Decision = "ACK"
)

// AuditEntry is one immutable decision record. EntryID identifies this
// specific record (a given action_id can be decided on more than once —
// e.g. ACK then later DISMISS — so it can't serve as the record's own key).
type AuditEntry struct {
	EntryID     string           `json:"entry_id"`
	TS          time.Time        `json:"ts"`
	Who         string           `json:"who"`
	Role        string           `json:"role"`
	ActionID    string           `json:"action_id"`
	Decision    Decision         `json:"decision"`
	Details     string           `json:"details,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	PlanVersion string           `json:"plan_version"`
	Action      optimizer.Action `json:"action"`
}

// RLTransition is one (state, action, reward, info) offline-RL sample.
type RLTransition struct {
	TS     time.Time        `json:"ts"`
	State  map[string]any   `json:"state"`
	Action optimizer.Action `json:"action"`
	Reward float64          `json:"reward"`
	Info   map[string]any   `json:"info"`
}

// RewardWeights are the coefficients in reward = resolved − α·minutes −
// β·priority_weight·minutes − γ·recent_holds.
type RewardWeights struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// DefaultRewardWeights are the coefficients the audit-append command passes
// to pipeline.RecordAudit.
var DefaultRewardWeights = RewardWeights{Alpha: 0.05, Beta: 0.02, Gamma: 0.1}

// Reward computes the offline-RL reward for one accepted HOLD action.
func Reward(resolved bool, minutes, priorityWeight float64, recentHolds int, w RewardWeights) float64 {
	r := 0.0
	if resolved {
		r = 1.0
	}
	return r - w.Alpha*minutes - w.Beta*priorityWeight*minutes - w.Gamma*float64(recentHolds)
}

// Ledger is the append-only decision log for one (scope, date) partition.
type Ledger struct {
	mu       sync.Mutex
	fs       fsutil.FileSystem
	path     string
	entries  []AuditEntry
	mirror   *Store // optional SQLite analytics mirror; nil disables mirroring
}

// NewLedger opens (or creates) the ledger file at path on fs. An existing
// file's entries are loaded so recommendations/decisions accumulate across
// process restarts.
func NewLedger(fs fsutil.FileSystem, baseDir, path string, mirror *Store) (*Ledger, error) {
	clean := filepath.Join(baseDir, path)
	if err := security.ValidatePathWithinDirectory(clean, baseDir); err != nil {
		return nil, fmt.Errorf("invalid ledger path: %w", err)
	}
	l := &Ledger{fs: fs, path: clean, mirror: mirror}

	if fs.Exists(clean) {
		data, err := fs.ReadFile(clean)
		if err != nil {
			return nil, fmt.Errorf("failed to read existing ledger: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &l.entries); err != nil {
				return nil, fmt.Errorf("failed to parse existing ledger: %w", err)
			}
		}
	}
	return l, nil
}

// Append writes one immutable decision. It derives action_id/plan_version
// if either is missing from the caller-supplied entry.
func (l *Ledger) Append(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.ActionID == "" {
		id, err := canon.Hash(hashableOf(entry.Action))
		if err != nil {
			return fmt.Errorf("failed to derive action_id: %w", err)
		}
		entry.ActionID = id
	}
	if entry.PlanVersion == "" {
		version, err := canon.Hash([]optimizer.Action{entry.Action})
		if err != nil {
			return fmt.Errorf("failed to derive plan_version: %w", err)
		}
		entry.PlanVersion = version
	}

	l.entries = append(l.entries, entry)
	if err := l.flush(); err != nil {
		return err
	}

	if l.mirror != nil {
		if err := l.mirror.InsertAuditEntry(entry); err != nil {
			return fmt.Errorf("failed to mirror audit entry: %w", err)
		}
	}
	return nil
}

// flush persists the full entry list via write-to-temp-then-atomic-rename,
// so a crash mid-write leaves the prior durable file intact.
func (l *Ledger) flush() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := l.fs.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp ledger file: %w", err)
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to atomically rename ledger file: %w", err)
	}
	return nil
}

// Entries returns a defensive copy of the full immutable entry list.
func (l *Ledger) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Completeness returns decisions_logged / recommendations.
func (l *Ledger) Completeness(recommendations int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if recommendations == 0 {
		return 0
	}
	return float64(len(l.entries)) / float64(recommendations)
}

// RecentHolds counts HOLD decisions recorded for a train within window,
// measured back from now — used as the γ·recent_holds reward term.
func (l *Ledger) RecentHolds(trainID string, now time.Time, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, e := range l.entries {
		if e.Action.Type != optimizer.ActionHold {
			continue
		}
		if e.Action.Train != trainID {
			continue
		}
		if now.Sub(e.TS) <= window && !e.TS.After(now) {
			count++
		}
	}
	return count
}

// ForDecision produces an RLTransition for an accepted HOLD action, deriving
// the resolved flag from whether the applied minutes met the risk's
// required hold.
func ForDecision(entry AuditEntry, state map[string]any, requiredHoldMin float64, weights RewardWeights, recentHolds int) (RLTransition, bool) {
	if entry.Action.Type != optimizer.ActionHold {
		return RLTransition{}, false
	}
	if entry.Decision != DecisionApply && entry.Decision != DecisionModify && entry.Decision != DecisionAck {
		return RLTransition{}, false
	}
	resolved := entry.Action.Minutes >= requiredHoldMin
	reward := Reward(resolved, entry.Action.Minutes, priorityWeightFromState(state), recentHolds, weights)
	info := map[string]any{"resolved": resolved, "required_hold_min": requiredHoldMin}
	return RLTransition{TS: entry.TS, State: state, Action: entry.Action, Reward: reward, Info: info}, true
}

func priorityWeightFromState(state map[string]any) float64 {
	if v, ok := state["priority_weight"]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 1.0
}

// hashableOf mirrors the optimizer's own action_id hash input, so a ledger
// entry missing an action_id reproduces the same identity the optimizer
// would have assigned at proposal time.
func hashableOf(a optimizer.Action) any {
	return struct {
		Type      optimizer.ActionType `json:"type"`
		Train     string               `json:"train"`
		AtStation string               `json:"at_station,omitempty"`
		Minutes   float64              `json:"minutes,omitempty"`
		Station   string               `json:"station,omitempty"`
		Slot      *int                 `json:"slot,omitempty"`
		Block     string               `json:"block,omitempty"`
		Factor    float64              `json:"factor,omitempty"`
	}{a.Type, a.Train, a.AtStation, a.Minutes, a.Station, a.Slot, a.Block, a.Factor}
}

// SortByTS returns entries ordered oldest-first, stable on ties.
func SortByTS(entries []AuditEntry) []AuditEntry {
	out := make([]AuditEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}
