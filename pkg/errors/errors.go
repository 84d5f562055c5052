// Package errors defines the pipeline error taxonomy. Ingestion and
// calculation anomalies are recovered locally (drop, flag, continue);
// workflow-facing conditions bias toward manual review or rejection,
// never toward approval.
package errors

import "errors"

var (
	// ErrMalformedEvent marks an inbound event that failed schema or
	// required-field validation. Rejected before it reaches a partition.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownSecurity marks an event referencing a security absent from
	// reference data.
	ErrUnknownSecurity = errors.New("unknown security")

	// ErrStaleOrDuplicate marks an event whose sequence number is at or below
	// the highest already applied for its partition key. Dropped idempotently.
	ErrStaleOrDuplicate = errors.New("stale or duplicate sequence")

	// ErrOutOfWindow marks an event that arrived too far out of order to be
	// buffered in the reorder window. Dropped with an anomaly.
	ErrOutOfWindow = errors.New("event outside reorder window")

	// ErrPartitionBackpressure marks an event dropped because its partition
	// buffer was full. Ingestion never blocks on downstream computation.
	ErrPartitionBackpressure = errors.New("partition buffer full")

	// ErrLimitDataUnavailable marks a missing or stale client/unit limit.
	// Consumers treat this as inconclusive, never as unlimited.
	ErrLimitDataUnavailable = errors.New("limit data unavailable")

	// ErrReservationConflict marks a locate reservation that could not be
	// honored against current availability. The approval rolls back to
	// manual review.
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrTimeoutExceeded marks a workflow evaluation that outran its budget.
	ErrTimeoutExceeded = errors.New("timeout exceeded")
)

// Is reports whether err matches target, following wrapped chains.
func Is(err, target error) bool { return errors.Is(err, target) }
