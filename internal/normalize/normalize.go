// Package normalize canonicalises heterogeneous train event records into the
// engine's TrainEvent schema: UTC timestamps, monotonic per-train sequence
// (midnight rollover applied), and a stable station_id assignment.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/errs"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/monitoring"
)

// SchemaVersion is stamped onto every normalised batch.
const SchemaVersion = "1"

// TrainClass is derived from the train name when not supplied explicitly.
type TrainClass string

const (
	ClassSuperfast TrainClass = "Superfast"
	ClassExpress   TrainClass = "Express"
	ClassEMU       TrainClass = "EMU"
	ClassPassenger TrainClass = "Passenger"
	ClassFreight   TrainClass = "Freight"
)

// trainClassKeywords mirrors the reference implementation's keyword table:
// first matching keyword (case-insensitive substring) wins, in this order.
var trainClassKeywords = []struct {
	keyword string
	class   TrainClass
}{
	{"superfast", ClassSuperfast},
	{"rajdhani", ClassSuperfast},
	{"shatabdi", ClassSuperfast},
	{"express", ClassExpress},
	{"mail", ClassExpress},
	{"emu", ClassEMU},
	{"memu", ClassEMU},
	{"passenger", ClassPassenger},
	{"freight", ClassFreight},
	{"goods", ClassFreight},
}

// DeriveClass guesses a TrainClass from a free-text train name. Passenger is
// the fallback when no keyword matches.
func DeriveClass(name string) TrainClass {
	lower := strings.ToLower(name)
	for _, kw := range trainClassKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.class
		}
	}
	return ClassPassenger
}

// RawRecord is one heterogeneous input row: raw column name -> raw value.
type RawRecord map[string]string

// TrainEvent is the canonical, normalised event record.
type TrainEvent struct {
	TrainID     string
	TrainName   string
	StationID   string
	ServiceDate time.Time // date-only, UTC midnight
	StopSeq     int

	SchedArr *time.Time
	SchedDep *time.Time
	ActArr   *time.Time
	ActDep   *time.Time

	Priority int
	Class    TrainClass
}

// Key uniquely identifies a TrainEvent: (train_id, station_id, service_date, stop_seq).
func (e TrainEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.TrainID, e.StationID, e.ServiceDate.Format("2006-01-02"), e.StopSeq)
}

// Validate checks the TrainEvent's own invariants (sched_dep >= sched_arr,
// act_dep >= act_arr when both present).
func (e TrainEvent) Validate() error {
	if e.SchedArr != nil && e.SchedDep != nil && e.SchedDep.Before(*e.SchedArr) {
		return fmt.Errorf("%w: train %s at %s: sched_dep before sched_arr", errs.ErrInputDefect, e.TrainID, e.StationID)
	}
	if e.ActArr != nil && e.ActDep != nil && e.ActDep.Before(*e.ActArr) {
		return fmt.Errorf("%w: train %s at %s: act_dep before act_arr", errs.ErrInputDefect, e.TrainID, e.StationID)
	}
	return nil
}

// columnAliases maps a canonical field name to every raw column spelling the
// fixed dictionary recognises, compared case- and whitespace-insensitively.
var columnAliases = map[string][]string{
	"train_id":    {"train_id", "trainid", "train no", "train_no", "trainno"},
	"train_name":  {"train_name", "trainname", "name"},
	"station":     {"station", "station_id", "station_code", "station name", "stationname"},
	"stop_seq":    {"stop_seq", "stopseq", "seq", "sequence"},
	"sched_arr":   {"sched_arr", "scheduled_arrival", "arr_time", "arrival"},
	"sched_dep":   {"sched_dep", "scheduled_departure", "dep_time", "departure"},
	"act_arr":     {"act_arr", "actual_arrival", "actual_arr"},
	"act_dep":     {"act_dep", "actual_departure", "actual_dep"},
	"priority":    {"priority", "train_priority"},
	"service_date": {"service_date", "date", "run_date"},
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// resolveColumn finds a raw value in a record for a canonical field,
// matching column names case- and whitespace-insensitively against the
// alias table.
func resolveColumn(rec RawRecord, canonical string) (string, bool) {
	wanted := columnAliases[canonical]
	for rawCol, val := range rec {
		key := normalizeKey(rawCol)
		for _, alias := range wanted {
			if key == alias {
				return strings.TrimSpace(val), true
			}
		}
	}
	return "", false
}

// zeroTimePlaceholders are sentinel strings meaning "no value" at first/last
// stops, replaced with NULL rather than parsed as midnight.
var zeroTimePlaceholders = map[string]bool{
	"00:00":    true,
	"00:00:00": true,
}

// parseTimeOfDayOrDateTime parses either a bare HH:MM(:SS) time-of-day
// (combined with serviceDate, UTC) or a full datetime string. Placeholder
// zero-times return (nil, nil).
func parseTimeOfDayOrDateTime(raw string, serviceDate time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if zeroTimePlaceholders[raw] {
		return nil, nil
	}

	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			combined := time.Date(serviceDate.Year(), serviceDate.Month(), serviceDate.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
			return &combined, nil
		}
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}

	return nil, fmt.Errorf("%w: unparseable timestamp %q", errs.ErrInputDefect, raw)
}

// deriveServiceDate finds the earliest parseable full-datetime column among
// a train's records, to use as its service_date when none is supplied.
func deriveServiceDate(records []RawRecord) (time.Time, error) {
	var earliest *time.Time
	for _, rec := range records {
		for _, field := range []string{"sched_arr", "sched_dep", "act_arr", "act_dep"} {
			raw, ok := resolveColumn(rec, field)
			if !ok || raw == "" {
				continue
			}
			for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
				if t, err := time.Parse(layout, raw); err == nil {
					t = t.UTC()
					if earliest == nil || t.Before(*earliest) {
						earliest = &t
					}
				}
			}
		}
	}
	if earliest == nil {
		return time.Time{}, fmt.Errorf("%w", errs.ErrMissingServiceDate)
	}
	d := time.Date(earliest.Year(), earliest.Month(), earliest.Day(), 0, 0, 0, 0, time.UTC)
	return d, nil
}

// StationRegistry assigns stable station_ids to human-readable station
// names: append-only, never renumbered, so re-running normalisation on a
// growing dataset preserves earlier ids.
type StationRegistry struct {
	byName map[string]string
	next   int
}

// NewStationRegistry creates an empty registry.
func NewStationRegistry() *StationRegistry {
	return &StationRegistry{byName: make(map[string]string)}
}

// Restore seeds the registry from a previously persisted name->id mapping,
// preserving prior allocations across runs.
func (r *StationRegistry) Restore(existing map[string]string) {
	maxSeen := 0
	for name, id := range existing {
		r.byName[name] = id
		var n int
		if _, err := fmt.Sscanf(id, "S%d", &n); err == nil && n > maxSeen {
			maxSeen = n
		}
	}
	r.next = maxSeen
}

// ResolveOrAssign returns the station_id for a raw station token, resolved
// via the stable name->id mapping and assigning a new S<n> id only when the
// name has never been seen. Every token goes through this mapping: a token
// that is already a station code is mapped like any name, not returned as-is.
func (r *StationRegistry) ResolveOrAssign(raw string) string {
	name := strings.TrimSpace(raw)
	if id, ok := r.byName[name]; ok {
		return id
	}
	r.next++
	id := fmt.Sprintf("S%d", r.next)
	r.byName[name] = id
	return id
}

// Snapshot returns the current name->id mapping for persistence.
func (r *StationRegistry) Snapshot() map[string]string {
	out := make(map[string]string, len(r.byName))
	for k, v := range r.byName {
		out[k] = v
	}
	return out
}

// Batch normalises a set of heterogeneous raw records into TrainEvents.
// Records with no resolvable train_id are skipped with a diagnostic log line
// (InputDefect, local recovery) rather than aborting the batch; a record's
// station is not checked here and goes through the registry as given. The
// batch only fails entirely when every row is defective.
func Batch(records []RawRecord, registry *StationRegistry) ([]TrainEvent, error) {
	if registry == nil {
		registry = NewStationRegistry()
	}

	byTrain := make(map[string][]RawRecord)
	order := make([]string, 0)
	for _, rec := range records {
		trainID, ok := resolveColumn(rec, "train_id")
		if !ok || trainID == "" {
			monitoring.Logf("normalize: skipping record with no resolvable train_id: %v", rec)
			continue
		}
		if _, seen := byTrain[trainID]; !seen {
			order = append(order, trainID)
		}
		byTrain[trainID] = append(byTrain[trainID], rec)
	}

	if len(byTrain) == 0 {
		return nil, fmt.Errorf("%w: no record carried a resolvable train_id", errs.ErrInputDefect)
	}

	var out []TrainEvent
	var defects int
	var total int
	for _, trainID := range order {
		group := byTrain[trainID]
		total += len(group)
		events, err := normalizeTrainGroup(trainID, group, registry)
		if err != nil {
			monitoring.Logf("normalize: train %s failed: %v", trainID, err)
			defects += len(group)
			continue
		}
		out = append(out, events...)
	}

	if len(out) == 0 && defects == total {
		return nil, fmt.Errorf("%w: every row was defective", errs.ErrInputDefect)
	}

	return out, nil
}

func normalizeTrainGroup(trainID string, group []RawRecord, registry *StationRegistry) ([]TrainEvent, error) {
	serviceDate, err := groupServiceDate(group)
	if err != nil {
		return nil, err
	}

	type rowTimes struct {
		idx                int
		stopSeq            int
		schedArr, schedDep *time.Time
		actArr, actDep     *time.Time
		refTime            time.Time
	}

	rows := make([]rowTimes, 0, len(group))
	for i, rec := range group {
		stopSeq := i
		if raw, ok := resolveColumn(rec, "stop_seq"); ok {
			fmt.Sscanf(raw, "%d", &stopSeq)
		}

		rt := rowTimes{idx: i, stopSeq: stopSeq}
		for field, dst := range map[string]**time.Time{
			"sched_arr": &rt.schedArr,
			"sched_dep": &rt.schedDep,
			"act_arr":   &rt.actArr,
			"act_dep":   &rt.actDep,
		} {
			raw, ok := resolveColumn(rec, field)
			if !ok {
				continue
			}
			t, err := parseTimeOfDayOrDateTime(raw, serviceDate)
			if err != nil {
				return nil, err
			}
			*dst = t
		}

		rt.refTime = firstNonNil(rt.actArr, rt.schedArr, rt.actDep, rt.schedDep, &serviceDate)
		rows = append(rows, rt)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].stopSeq != rows[j].stopSeq {
			return rows[i].stopSeq < rows[j].stopSeq
		}
		return rows[i].refTime.Before(rows[j].refTime)
	})

	// Cumulative midnight rollover: whenever the reference time regresses
	// relative to the previous row, every time field on this row and all
	// following rows is shifted forward by a further day until the running
	// offset restores monotonicity.
	var offset time.Duration
	var prevRef time.Time
	events := make([]TrainEvent, 0, len(rows))
	for i := range rows {
		rt := &rows[i]
		shift := func(t *time.Time) *time.Time {
			if t == nil {
				return nil
			}
			shifted := t.Add(offset)
			return &shifted
		}

		ref := rt.refTime.Add(offset)
		if i > 0 && ref.Before(prevRef) {
			offset += 24 * time.Hour
			ref = rt.refTime.Add(offset)
			shift = func(t *time.Time) *time.Time {
				if t == nil {
					return nil
				}
				shifted := t.Add(offset)
				return &shifted
			}
		}
		prevRef = ref

		rec := group[rt.idx]
		stationRaw, _ := resolveColumn(rec, "station")
		stationID := registry.ResolveOrAssign(stationRaw)

		priority := 0
		if raw, ok := resolveColumn(rec, "priority"); ok {
			fmt.Sscanf(raw, "%d", &priority)
		}

		trainName, _ := resolveColumn(rec, "train_name")
		class := DeriveClass(trainName)
		if trainName == "" {
			class = DeriveClass(trainID)
		}

		ev := TrainEvent{
			TrainID:     trainID,
			TrainName:   trainName,
			StationID:   stationID,
			ServiceDate: serviceDate,
			StopSeq:     rt.stopSeq,
			SchedArr:    shift(rt.schedArr),
			SchedDep:    shift(rt.schedDep),
			ActArr:      shift(rt.actArr),
			ActDep:      shift(rt.actDep),
			Priority:    priority,
			Class:       class,
		}
		if err := ev.Validate(); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, nil
}

func groupServiceDate(group []RawRecord) (time.Time, error) {
	for _, rec := range group {
		if raw, ok := resolveColumn(rec, "service_date"); ok && raw != "" {
			for _, layout := range []string{"2006-01-02", time.RFC3339} {
				if t, err := time.Parse(layout, raw); err == nil {
					return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
				}
			}
		}
	}
	return deriveServiceDate(group)
}

func firstNonNil(times ...*time.Time) time.Time {
	for _, t := range times {
		if t != nil {
			return *t
		}
	}
	return time.Time{}
}
