// Package apply implements the apply-and-validate loop: a pure function
// over (events, graph, plan) that clones the event set, applies a plan's
// holds/speed-tunes/platform-overrides, re-replays the digital twin, re-runs
// the conflict radar, and reports before/after KPI deltas. It never mutates
// the source event set; persistence is a separate, explicit call made by
// the caller.
package apply

import (
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/optimizer"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/radar"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/twin"
)

// KPISummary is a per-horizon aggregate over one twin+radar run.
type KPISummary struct {
	RiskCountTotal  int
	RiskCountByType map[radar.RiskType]int
	WaitMinutes     float64
	OTPExitPct      float64
	AvgExitDelayMin float64
}

// Result is the full before/after picture of one apply-and-validate call.
type Result struct {
	KPIBefore      KPISummary
	KPIAfter       KPISummary
	RisksBefore    []radar.Risk
	RisksAfter     []radar.Risk
	ValidateBefore radar.ValidateResult
	ValidateAfter  radar.ValidateResult
	AppliedEvents  []normalize.TrainEvent
}

// Run applies plan to events over the section graph g within [t0, t0+horizon]
// and returns the before/after comparison. events is never mutated; a
// cloned slice is returned in Result.AppliedEvents for the caller to persist
// explicitly if desired.
func Run(events []normalize.TrainEvent, g *graph.Graph, plan optimizer.Plan, t0 time.Time, horizon time.Duration) (*Result, error) {
	before, err := twin.Replay(events, g, twin.Options{})
	if err != nil {
		return nil, err
	}
	risksBefore := radar.Detect(g, before, radar.Options{T0: t0, Horizon: horizon})
	validateBefore := radar.Validate(before.BlockOccupancy, g, risksBefore)

	cloned := cloneEvents(events)
	speedOverride, platformOverride := applyActions(cloned, g, plan)

	after, err := twin.Replay(cloned, g, twin.Options{
		PerTrainSpeed:    speedOverride,
		PlatformOverride: platformOverride,
	})
	if err != nil {
		return nil, err
	}
	risksAfter := radar.Detect(g, after, radar.Options{T0: t0, Horizon: horizon})
	validateAfter := radar.Validate(after.BlockOccupancy, g, risksAfter)

	return &Result{
		KPIBefore:      summarize(before, risksBefore),
		KPIAfter:       summarize(after, risksAfter),
		RisksBefore:    risksBefore,
		RisksAfter:     risksAfter,
		ValidateBefore: validateBefore,
		ValidateAfter:  validateAfter,
		AppliedEvents:  cloned,
	}, nil
}

func cloneEvents(events []normalize.TrainEvent) []normalize.TrainEvent {
	out := make([]normalize.TrainEvent, len(events))
	for i, e := range events {
		clone := e
		clone.SchedArr = clonePtr(e.SchedArr)
		clone.SchedDep = clonePtr(e.SchedDep)
		clone.ActArr = clonePtr(e.ActArr)
		clone.ActDep = clonePtr(e.ActDep)
		out[i] = clone
	}
	return out
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// applyActions mutates cloned in place for HOLD/OVERTAKE (shifting act_dep)
// and collects the speed-tune and platform-override maps twin.Replay expects.
func applyActions(cloned []normalize.TrainEvent, g *graph.Graph, plan optimizer.Plan) (map[string]map[string]float64, map[string]map[string]int) {
	speedOverride := map[string]map[string]float64{}
	platformOverride := map[string]map[string]int{}

	for _, a := range plan.Actions {
		switch a.Type {
		case optimizer.ActionHold, optimizer.ActionOvertake:
			shiftDeparture(cloned, a.Train, a.AtStation, a.Minutes)
		case optimizer.ActionSpeedTune:
			if speedOverride[a.Train] == nil {
				speedOverride[a.Train] = map[string]float64{}
			}
			speedOverride[a.Train][a.Block] = a.Factor
		case optimizer.ActionPlatformReassign:
			if a.Slot == nil {
				continue // "any": advisory only, no override pin
			}
			if platformOverride[a.Train] == nil {
				platformOverride[a.Train] = map[string]int{}
			}
			platformOverride[a.Train][a.Station] = *a.Slot
		}
	}

	return speedOverride, platformOverride
}

func shiftDeparture(events []normalize.TrainEvent, train, station string, minutes float64) {
	shift := time.Duration(minutes * float64(time.Minute))
	for i := range events {
		e := &events[i]
		if e.TrainID != train || e.StationID != station {
			continue
		}
		if e.ActDep != nil {
			shifted := e.ActDep.Add(shift)
			e.ActDep = &shifted
			continue
		}
		if e.SchedDep != nil {
			shifted := e.SchedDep.Add(shift)
			e.ActDep = &shifted
		}
	}
}

func summarize(result *twin.Result, risks []radar.Risk) KPISummary {
	byType := map[radar.RiskType]int{}
	for _, r := range risks {
		byType[r.Type]++
	}
	return KPISummary{
		RiskCountTotal:  len(risks),
		RiskCountByType: byType,
		WaitMinutes:     result.KPIs.TotalWaitMin,
		OTPExitPct:      result.KPIs.OTPExitPct,
		AvgExitDelayMin: result.KPIs.AvgExitDelayMin,
	}
}
