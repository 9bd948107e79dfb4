// Package radar implements the forward-looking conflict detector: given the
// current twin occupancy, it scans a rolling horizon for headway, block
// capacity and platform overflow risks, ranks them by severity, and offers a
// cheap mitigation preview (2min/5min hold resolution + ETA delta).
package radar

import (
	"sort"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/twin"
)

// RiskType enumerates the kinds of conflict the radar detects.
type RiskType string

const (
	RiskHeadway          RiskType = "headway"
	RiskBlockCapacity    RiskType = "block_capacity"
	RiskPlatformOverflow RiskType = "platform_overflow"
)

// Severity buckets a risk by how soon it bites.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// SeverityRank orders severities for sorting (lower is more urgent).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

func severityFor(leadMin float64) Severity {
	switch {
	case leadMin <= 5:
		return SeverityCritical
	case leadMin <= 30:
		return SeverityHigh
	case leadMin <= 120:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Risk is one detected forward-looking conflict.
type Risk struct {
	Type            RiskType
	Severity        Severity
	LeadMin         float64
	WindowStart     time.Time
	WindowEnd       time.Time
	ResourceRef     string // block_id or station_id
	TrainIDs        []string
	RequiredHoldMin float64
}

// MitigationPreview estimates whether a short hold resolves a risk.
type MitigationPreview struct {
	RiskIndex       int
	Hold2Resolves   bool
	Hold5Resolves   bool
	RequiredHoldMin float64
	EtaDelta2Min    float64
	EtaDelta5Min    float64
}

// Options configures a radar scan.
type Options struct {
	T0      time.Time     // default: earliest entry in the twin
	Horizon time.Duration // default: 60 minutes
	Bucket  time.Duration // default: 5 minutes
}

func (o Options) withDefaults(earliest time.Time) Options {
	if o.T0.IsZero() {
		o.T0 = earliest
	}
	if o.Horizon <= 0 {
		o.Horizon = 60 * time.Minute
	}
	if o.Bucket <= 0 {
		o.Bucket = 5 * time.Minute
	}
	return o
}

type preWindow struct {
	trainID    string
	blockID    string
	preEntry   time.Time
	preExit    time.Time
	headway    time.Duration
}

// Detect scans the twin's current occupancy within [t0, t0+H] and returns
// the risks found, ordered by (severity ascending, lead_min ascending).
func Detect(g *graph.Graph, result *twin.Result, opts Options) []Risk {
	earliest := earliestEntry(result)
	opts = opts.withDefaults(earliest)

	var risks []Risk
	risks = append(risks, detectBlockRisks(g, result, opts)...)
	risks = append(risks, detectPlatformRisks(g, result, opts)...)

	filtered := risks[:0]
	for _, r := range risks {
		if !r.WindowStart.Before(opts.T0) && !r.WindowStart.After(opts.T0.Add(opts.Horizon)) {
			r.LeadMin = r.WindowStart.Sub(opts.T0).Minutes()
			r.Severity = severityFor(r.LeadMin)
			filtered = append(filtered, r)
		}
	}
	risks = filtered

	sort.SliceStable(risks, func(i, j int) bool {
		if SeverityRank(risks[i].Severity) != SeverityRank(risks[j].Severity) {
			return SeverityRank(risks[i].Severity) < SeverityRank(risks[j].Severity)
		}
		return risks[i].LeadMin < risks[j].LeadMin
	})

	return risks
}

func earliestEntry(result *twin.Result) time.Time {
	var earliest time.Time
	for _, o := range result.BlockOccupancy {
		if earliest.IsZero() || o.EntryTime.Before(earliest) {
			earliest = o.EntryTime
		}
	}
	return earliest
}

func detectBlockRisks(g *graph.Graph, result *twin.Result, opts Options) []Risk {
	byBlock := make(map[string][]preWindow)
	for _, o := range result.BlockOccupancy {
		headway := time.Duration(o.HeadwayAppliedMin * float64(time.Minute))
		byBlock[o.BlockID] = append(byBlock[o.BlockID], preWindow{
			trainID:  o.TrainID,
			blockID:  o.BlockID,
			preEntry: o.EntryTime.Add(-headway),
			preExit:  o.ExitTime.Add(-headway),
			headway:  headway,
		})
	}

	var risks []Risk
	for blockID, windows := range byBlock {
		sort.Slice(windows, func(i, j int) bool { return windows[i].preEntry.Before(windows[j].preEntry) })
		block, _ := g.Block(blockID)

		var active []preWindow
		for _, w := range windows {
			// drop windows that have fully exited before this one's entry
			live := active[:0]
			for _, a := range active {
				if a.preExit.After(w.preEntry) {
					live = append(live, a)
				}
			}
			active = live

			if len(active) >= block.Capacity {
				trains := make([]string, 0, len(active)+1)
				for _, a := range active {
					trains = append(trains, a.trainID)
				}
				trains = append(trains, w.trainID)
				risks = append(risks, Risk{
					Type:        RiskBlockCapacity,
					WindowStart: w.preEntry,
					WindowEnd:   w.preExit,
					ResourceRef: blockID,
					TrainIDs:    trains,
				})
			}

			if len(active) > 0 {
				latest := active[0]
				for _, a := range active {
					if a.preExit.After(latest.preExit) {
						latest = a
					}
				}
				headwaySatisfied := latest.preExit.Add(w.headway)
				if w.preEntry.Before(headwaySatisfied) {
					gap := headwaySatisfied.Sub(w.preEntry).Minutes()
					risks = append(risks, Risk{
						Type:            RiskHeadway,
						WindowStart:     w.preEntry,
						WindowEnd:       w.preExit,
						ResourceRef:     blockID,
						TrainIDs:        []string{latest.trainID, w.trainID},
						RequiredHoldMin: gap,
					})
				}
			}

			active = append(active, w)
		}
	}
	return risks
}

func detectPlatformRisks(g *graph.Graph, result *twin.Result, opts Options) []Risk {
	var risks []Risk

	fromLedger := make(map[string]bool)
	for _, w := range result.WaitingLedger {
		if w.Reason == twin.ReasonPlatformBusy {
			risks = append(risks, Risk{
				Type:            RiskPlatformOverflow,
				WindowStart:     w.StartTime,
				WindowEnd:       w.EndTime,
				ResourceRef:     w.ID,
				TrainIDs:        []string{w.TrainID},
				RequiredHoldMin: w.Minutes,
			})
			fromLedger[w.ID] = true
		}
	}

	byStation := make(map[string][]twin.PlatformOccupancy)
	for _, o := range result.PlatformOccupancy {
		if fromLedger[o.StationID] {
			continue
		}
		byStation[o.StationID] = append(byStation[o.StationID], o)
	}
	for stationID, occs := range byStation {
		station, ok := g.Station(stationID)
		if !ok {
			continue
		}
		sort.Slice(occs, func(i, j int) bool { return occs[i].ArrPlatform.Before(occs[j].ArrPlatform) })
		var active []twin.PlatformOccupancy
		for _, o := range occs {
			live := active[:0]
			for _, a := range active {
				if a.DepPlatform.After(o.ArrPlatform) {
					live = append(live, a)
				}
			}
			active = live
			if len(active) >= station.Platforms {
				risks = append(risks, Risk{
					Type:        RiskPlatformOverflow,
					WindowStart: o.ArrPlatform,
					WindowEnd:   o.DepPlatform,
					ResourceRef: stationID,
					TrainIDs:    []string{o.TrainID},
				})
			}
			active = append(active, o)
		}
	}

	return risks
}

// Mitigate computes, per risk, whether a 2 or 5 minute hold resolves it and
// the resulting ETA shift on the primary (later/follower) train.
func Mitigate(risks []Risk, result *twin.Result, g *graph.Graph) []MitigationPreview {
	out := make([]MitigationPreview, len(risks))
	for i, r := range risks {
		required := r.RequiredHoldMin
		if required <= 0 {
			required = 2
		}
		preview := MitigationPreview{
			RiskIndex:       i,
			RequiredHoldMin: required,
			Hold2Resolves:   required <= 2,
			Hold5Resolves:   required <= 5,
		}
		preview.EtaDelta2Min = forwardShiftDelay(r, result, 2)
		preview.EtaDelta5Min = forwardShiftDelay(r, result, 5)
		out[i] = preview
	}
	return out
}

// forwardShiftDelay estimates the downstream ETA shift on the primary train
// (the follower, i.e. the last train id in TrainIDs) if held for holdMin.
func forwardShiftDelay(r Risk, result *twin.Result, holdMin float64) float64 {
	if len(r.TrainIDs) == 0 {
		return 0
	}
	primary := r.TrainIDs[len(r.TrainIDs)-1]
	hopCount := 0
	for _, o := range result.BlockOccupancy {
		if o.TrainID == primary && o.EntryTime.After(r.WindowStart) {
			hopCount++
		}
	}
	if hopCount == 0 {
		return holdMin
	}
	return holdMin // flat propagation unless a downstream hop absorbs slack; kept conservative
}

// ValidateResult is the outcome of independently re-checking a twin.
type ValidateResult struct {
	OkPostNoOverlap    bool
	OkHeadwayEnforced  bool
	MinCriticalLeadMin float64
}

// Validate independently verifies the post-enforcement twin has zero
// capacity overlap and zero headway violations on blocks of capacity 1;
// blocks with a capacity above 1 are not checked. It is used by
// apply-and-validate to detect regressions after a plan is applied.
func Validate(occ []twin.BlockOccupancy, g *graph.Graph, risks []Risk) ValidateResult {
	result := ValidateResult{OkPostNoOverlap: true, OkHeadwayEnforced: true}

	byBlock := make(map[string][]twin.BlockOccupancy)
	for _, o := range occ {
		byBlock[o.BlockID] = append(byBlock[o.BlockID], o)
	}
	for blockID, windows := range byBlock {
		block, ok := g.Block(blockID)
		if !ok || block.Capacity > 1 {
			continue
		}
		sort.Slice(windows, func(i, j int) bool { return windows[i].EntryTime.Before(windows[j].EntryTime) })
		headway := time.Duration(block.HeadwayMin * float64(time.Minute))
		for i := 1; i < len(windows); i++ {
			prev := windows[i-1]
			succ := windows[i]
			if succ.EntryTime.Before(prev.ExitTime) {
				result.OkPostNoOverlap = false
			}
			if succ.EntryTime.Before(prev.ExitTime.Add(headway)) {
				result.OkHeadwayEnforced = false
			}
		}
	}

	minLead := -1.0
	for _, r := range risks {
		if r.Severity != SeverityCritical {
			continue
		}
		if minLead < 0 || r.LeadMin < minLead {
			minLead = r.LeadMin
		}
	}
	if minLead >= 0 {
		result.MinCriticalLeadMin = minLead
	}

	return result
}
