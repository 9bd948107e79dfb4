// Package twin implements the event-driven digital twin replay: given
// normalised train events and the section graph, it produces a
// conflict-free schedule honouring block capacity/headway and platform
// capacity/dwell, with a waiting ledger explaining every deviation.
package twin

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/errs"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/graph"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/monitoring"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/normalize"
	"gonum.org/v1/gonum/stat"
)

// Source discriminates the origin of a time value used in an occupancy row.
type Source string

const (
	SourceActual    Source = "actual"
	SourceScheduled Source = "scheduled"
	SourceHybrid    Source = "hybrid"
	SourceInferred  Source = "inferred"
)

// WaitReason enumerates why a train waited.
type WaitReason string

const (
	ReasonBlockOrHeadway        WaitReason = "block_or_headway"
	ReasonPlatformBusy          WaitReason = "platform_busy"
	ReasonPlatformBusyOrRoute   WaitReason = "platform_busy_or_route"
)

// BlockOccupancy is one train's allocated window on one track slot of a block.
type BlockOccupancy struct {
	TrainID           string
	BlockID           string
	U, V              string
	EntryTime         time.Time
	ExitTime          time.Time
	HeadwayAppliedMin float64
	Source            Source
}

// PlatformOccupancy is one train's allocated arrival/departure window at a station.
type PlatformOccupancy struct {
	TrainID     string
	StationID   string
	ArrPlatform time.Time
	DepPlatform time.Time
	SlotIndex   int
}

// WaitEntry is one append-only ledger row explaining a deviation.
type WaitEntry struct {
	TrainID   string
	Resource  string // "block" or "platform"
	ID        string // block_id or station_id
	StartTime time.Time
	EndTime   time.Time
	Minutes   float64
	Reason    WaitReason
}

// SimKPIs summarises replay quality.
type SimKPIs struct {
	TrainsServed    int
	OTPExitPct      float64
	AvgExitDelayMin float64
	P90ExitDelayMin float64
	TotalWaitMin    float64
	WaitByReason    map[WaitReason]float64
}

// Result is the full output of a replay.
type Result struct {
	BlockOccupancy    []BlockOccupancy
	PlatformOccupancy []PlatformOccupancy
	WaitingLedger     []WaitEntry
	KPIs              SimKPIs
}

// Options configures a replay: per-train speed tuning and platform overrides
// as accepted from an apply-and-validate run.
type Options struct {
	// PerTrainSpeed maps train_id -> block_id -> speed factor in [0.8, 1.0].
	PerTrainSpeed map[string]map[string]float64
	// PlatformOverride maps train_id -> station_id -> pinned slot index.
	PlatformOverride map[string]map[string]int
}

// blockHeap is a min-heap of per-track "next available" timestamps for one block.
type blockHeap []time.Time

func (h blockHeap) Len() int            { return len(h) }
func (h blockHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h blockHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x interface{}) { *h = append(*h, x.(time.Time)) }
func (h *blockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type stationSlots struct {
	nextFree []time.Time // one per platform slot
}

func newStationSlots(n int) *stationSlots {
	s := &stationSlots{nextFree: make([]time.Time, n)}
	for i := range s.nextFree {
		s.nextFree[i] = time.Time{} // zero value acts as -inf
	}
	return s
}

// allocate picks a slot (earliest free, unless pinned), returns start time
// and slot index, and writes back the new next-free time for that slot.
func (s *stationSlots) allocate(request time.Time, dwell time.Duration, pin int) (time.Time, int) {
	idx := pin
	if idx < 0 || idx >= len(s.nextFree) {
		idx = 0
		best := s.nextFree[0]
		for i, t := range s.nextFree {
			if t.Before(best) {
				best = t
				idx = i
			}
		}
	}
	start := request
	if s.nextFree[idx].After(start) {
		start = s.nextFree[idx]
	}
	s.nextFree[idx] = start.Add(dwell)
	return start, idx
}

type trainItinerary struct {
	trainID string
	stops   []normalize.TrainEvent
}

// Replay executes the digital twin over a normalised event set.
func Replay(events []normalize.TrainEvent, g *graph.Graph, opts Options) (*Result, error) {
	itineraries := buildItineraries(events)

	sort.Slice(itineraries, func(i, j int) bool {
		return earliestKnownTime(itineraries[i]) < earliestKnownTime(itineraries[j])
	})

	blockHeaps := make(map[string]*blockHeap)
	stations := make(map[string]*stationSlots)
	for _, b := range g.Blocks() {
		h := make(blockHeap, b.Capacity) // each track starts available at -inf (zero time)
		heap.Init(&h)
		blockHeaps[b.BlockID] = &h
	}
	for _, s := range g.Stations() {
		stations[s.StationID] = newStationSlots(s.Platforms)
	}

	result := &Result{WaitingLedger: []WaitEntry{}}
	var exitDelays []float64

	for _, itin := range itineraries {
		if len(itin.stops) == 0 {
			continue
		}

		first := itin.stops[0]
		firstStation, ok := stations[first.StationID]
		if !ok {
			continue // malformed row: unknown station, skip this train
		}

		dwellDur := minDwellFor(g, first.StationID)
		arrRequest, arrSource := firstKnownArrival(first.ActArr, first.SchedArr, first.ActDep, first.SchedDep, dwellDur)
		pin := platformPin(opts, itin.trainID, first.StationID)
		arrStart, slot := firstStation.allocate(arrRequest, dwellDur, pin)
		if arrStart.After(arrRequest) {
			result.WaitingLedger = append(result.WaitingLedger, WaitEntry{
				TrainID: itin.trainID, Resource: "platform", ID: first.StationID,
				StartTime: arrRequest, EndTime: arrStart, Minutes: arrStart.Sub(arrRequest).Minutes(),
				Reason: ReasonPlatformBusy,
			})
		}

		depFloor := arrStart.Add(dwellDur)
		depFloor = laterOf(depFloor, first.ActDep, first.SchedDep)
		result.PlatformOccupancy = append(result.PlatformOccupancy, PlatformOccupancy{
			TrainID: itin.trainID, StationID: first.StationID,
			ArrPlatform: arrStart, DepPlatform: depFloor, SlotIndex: slot,
		})

		current := depFloor
		currentSource := arrSource

		for i := 0; i+1 < len(itin.stops); i++ {
			u := itin.stops[i]
			v := itin.stops[i+1]
			blockID, ok := g.BlockBetween(u.StationID, v.StationID)
			if !ok {
				monitoringSkip(itin.trainID, u.StationID, v.StationID)
				current = laterOf(current, v.ActArr, v.SchedArr)
				continue
			}
			block, _ := g.Block(blockID)
			bh := blockHeaps[blockID]

			runMin := block.MinRunTimeMin
			source := SourceScheduled
			if u.ActDep != nil && v.ActArr != nil {
				runMin = v.ActArr.Sub(*u.ActDep).Minutes()
				source = SourceActual
			}
			if factor, ok := opts.PerTrainSpeed[itin.trainID][blockID]; ok && factor > 0 {
				runMin = runMin / clampFactor(factor)
				if source == SourceScheduled {
					source = SourceHybrid
				}
			}
			if runMin <= 0 {
				runMin = block.MinRunTimeMin
			}

			headway := time.Duration(block.HeadwayMin * float64(time.Minute))
			popped := heap.Pop(bh).(time.Time)
			entry := current
			if popped.After(entry) {
				entry = popped
			}
			if entry.After(current) {
				result.WaitingLedger = append(result.WaitingLedger, WaitEntry{
					TrainID: itin.trainID, Resource: "block", ID: blockID,
					StartTime: current, EndTime: entry, Minutes: entry.Sub(current).Minutes(),
					Reason: ReasonBlockOrHeadway,
				})
			}
			exit := entry.Add(time.Duration(runMin * float64(time.Minute)))
			if v.ActArr != nil && exit.Before(*v.ActArr) {
				exit = *v.ActArr // never arrive earlier than observed reality
			}
			heap.Push(bh, exit.Add(headway))

			result.BlockOccupancy = append(result.BlockOccupancy, BlockOccupancy{
				TrainID: itin.trainID, BlockID: blockID, U: u.StationID, V: v.StationID,
				EntryTime: entry, ExitTime: exit, HeadwayAppliedMin: block.HeadwayMin, Source: source,
			})
			currentSource = source

			routeSetup := time.Duration(routeSetupFor(g, v.StationID) * float64(time.Minute))
			vSlots := stations[v.StationID]
			if vSlots == nil {
				current = exit.Add(routeSetup)
				continue
			}
			vDwell := minDwellFor(g, v.StationID)
			vPin := platformPin(opts, itin.trainID, v.StationID)
			platRequest := exit.Add(routeSetup)
			platStart, vSlot := vSlots.allocate(platRequest, vDwell, vPin)
			if platStart.After(platRequest) {
				result.WaitingLedger = append(result.WaitingLedger, WaitEntry{
					TrainID: itin.trainID, Resource: "platform", ID: v.StationID,
					StartTime: platRequest, EndTime: platStart, Minutes: platStart.Sub(platRequest).Minutes(),
					Reason: ReasonPlatformBusyOrRoute,
				})
			}

			vDepFloor := platStart.Add(vDwell)
			vDepFloor = laterOf(vDepFloor, v.ActDep, v.SchedDep)
			result.PlatformOccupancy = append(result.PlatformOccupancy, PlatformOccupancy{
				TrainID: itin.trainID, StationID: v.StationID,
				ArrPlatform: platStart, DepPlatform: vDepFloor, SlotIndex: vSlot,
			})

			current = vDepFloor
		}

		last := itin.stops[len(itin.stops)-1]
		delay := exitDelayMinutes(last, current)
		exitDelays = append(exitDelays, delay)
		_ = currentSource
	}

	if err := validateNoOverlap(result.BlockOccupancy, g); err != nil {
		return nil, err
	}

	result.KPIs = computeKPIs(len(itineraries), exitDelays, result.WaitingLedger)
	return result, nil
}

func monitoringSkip(trainID, u, v string) {
	monitoring.Logf("twin: train %s has no block between %s and %s, skipping hop", trainID, u, v)
}

func clampFactor(f float64) float64 {
	if f < 0.8 {
		return 0.8
	}
	if f > 1.0 {
		return 1.0
	}
	return f
}

func platformPin(opts Options, train, station string) int {
	if m, ok := opts.PlatformOverride[train]; ok {
		if slot, ok := m[station]; ok {
			return slot
		}
	}
	return -1
}

func minDwellFor(g *graph.Graph, stationID string) time.Duration {
	if s, ok := g.Station(stationID); ok {
		return time.Duration(s.MinDwellMin * float64(time.Minute))
	}
	return 0
}

func routeSetupFor(g *graph.Graph, stationID string) float64 {
	if s, ok := g.Station(stationID); ok {
		return s.RouteSetupMin
	}
	return 0
}

func laterOf(base time.Time, candidates ...*time.Time) time.Time {
	out := base
	for _, c := range candidates {
		if c != nil && c.After(out) {
			out = *c
		}
	}
	return out
}

// firstKnownArrival determines a train's arrival time at its origin when
// only some fields are known: actual/scheduled arrival directly, or
// departure minus dwell when only a departure is known (§4.C step 1).
func firstKnownArrival(actArr, schedArr, actDep, schedDep *time.Time, dwell time.Duration) (time.Time, Source) {
	if actArr != nil {
		return *actArr, SourceActual
	}
	if schedArr != nil {
		return *schedArr, SourceScheduled
	}
	if actDep != nil {
		return actDep.Add(-dwell), SourceInferred
	}
	if schedDep != nil {
		return schedDep.Add(-dwell), SourceInferred
	}
	return time.Time{}, SourceInferred
}

func exitDelayMinutes(last normalize.TrainEvent, actualDep time.Time) float64 {
	sched := last.SchedDep
	if sched == nil {
		sched = last.SchedArr
	}
	if sched == nil {
		return 0
	}
	return actualDep.Sub(*sched).Minutes()
}

func buildItineraries(events []normalize.TrainEvent) []trainItinerary {
	byTrain := make(map[string][]normalize.TrainEvent)
	order := []string{}
	for _, e := range events {
		if _, ok := byTrain[e.TrainID]; !ok {
			order = append(order, e.TrainID)
		}
		byTrain[e.TrainID] = append(byTrain[e.TrainID], e)
	}
	out := make([]trainItinerary, 0, len(order))
	for _, id := range order {
		stops := byTrain[id]
		sort.SliceStable(stops, func(i, j int) bool {
			if stops[i].StopSeq != stops[j].StopSeq {
				return stops[i].StopSeq < stops[j].StopSeq
			}
			return stopRefTime(stops[i]).Before(stopRefTime(stops[j]))
		})
		out = append(out, trainItinerary{trainID: id, stops: stops})
	}
	return out
}

func stopRefTime(e normalize.TrainEvent) time.Time {
	for _, t := range []*time.Time{e.ActArr, e.SchedArr, e.ActDep, e.SchedDep} {
		if t != nil {
			return *t
		}
	}
	return e.ServiceDate
}

func earliestKnownTime(itin trainItinerary) int64 {
	if len(itin.stops) == 0 {
		return 0
	}
	return stopRefTime(itin.stops[0]).Unix()
}

func computeKPIs(trainsServed int, exitDelays []float64, ledger []WaitEntry) SimKPIs {
	k := SimKPIs{TrainsServed: trainsServed, WaitByReason: map[WaitReason]float64{}}

	onTime := 0
	absDelays := make([]float64, len(exitDelays))
	for i, d := range exitDelays {
		abs := d
		if abs < 0 {
			abs = -abs
		}
		if abs <= 5 {
			onTime++
		}
		absDelays[i] = abs
	}
	if len(exitDelays) > 0 {
		k.OTPExitPct = 100 * float64(onTime) / float64(len(exitDelays))
		k.AvgExitDelayMin = stat.Mean(absDelays, nil)
		k.P90ExitDelayMin = percentile90(absDelays)
	}

	for _, w := range ledger {
		k.TotalWaitMin += w.Minutes
		k.WaitByReason[w.Reason] += w.Minutes
	}
	return k
}

// percentile90 expects values already made non-negative by the caller;
// stat.Quantile requires its input sorted ascending.
func percentile90(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.9, stat.Empirical, sorted, nil)
}

func validateNoOverlap(occ []BlockOccupancy, g *graph.Graph) error {
	byBlock := make(map[string][]BlockOccupancy)
	for _, o := range occ {
		byBlock[o.BlockID] = append(byBlock[o.BlockID], o)
	}
	for blockID, windows := range byBlock {
		sort.Slice(windows, func(i, j int) bool { return windows[i].EntryTime.Before(windows[j].EntryTime) })
		block, _ := g.Block(blockID)
		headway := time.Duration(block.HeadwayMin * float64(time.Minute))
		for i := 1; i < len(windows); i++ {
			prev := windows[i-1]
			succ := windows[i]
			if succ.EntryTime.Before(prev.ExitTime.Add(headway)) && block.Capacity <= 1 {
				return fmt.Errorf("%w: block %s successor entry %v precedes predecessor exit+headway %v",
					errs.ErrSafetyInvariantBroken, blockID, succ.EntryTime, prev.ExitTime.Add(headway))
			}
		}
	}
	return nil
}
