// Package errs defines the closed taxonomy of errors shared across the
// decision-support engine's components. Components wrap one of these
// sentinels with fmt.Errorf("%w", ...) and callers discriminate with
// errors.Is/errors.As rather than string matching.
package errs

import "errors"

var (
	// ErrBadTopology: the section graph tables are inconsistent (unknown
	// endpoints, duplicate ids, non-positive capacities/run-times).
	// Fatal to the tick that loaded the graph.
	ErrBadTopology = errors.New("bad topology")

	// ErrMissingServiceDate: the event normaliser could not establish a
	// service_date for a train group from any parseable timestamp.
	ErrMissingServiceDate = errors.New("missing service date")

	// ErrInputDefect: a record could not be parsed (unknown column,
	// unparseable timestamp, unknown station). Locally recoverable; the
	// normaliser skips or maps the row and keeps going.
	ErrInputDefect = errors.New("input defect")

	// ErrSafetyInvariantBroken: a post-enforcement overlap or headway
	// violation was detected. Fatal — the engine tick aborts and the
	// previous snapshot is retained.
	ErrSafetyInvariantBroken = errors.New("safety invariant broken")

	// ErrOptimizerSLA: the solver exceeded its time budget. The optimizer
	// still returns its best-so-far plan annotated strategy=heuristic.
	ErrOptimizerSLA = errors.New("optimizer exceeded solver SLA")

	// ErrExternalIngestFailure: an ingestion adapter's circuit breaker is
	// open. The twin continues with the last-known events.
	ErrExternalIngestFailure = errors.New("external ingest failure")

	// ErrPersistence: a transient artifact write failure. The artifact
	// store retries a failed write-to-temp + atomic rename once and returns
	// this error when the second attempt also fails.
	ErrPersistence = errors.New("persistence error")
)
