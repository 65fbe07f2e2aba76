package ingestion

import (
	"reflect"
	"time"
)

// stateRank orders states along the forward path. Both terminal states share the top rank.
func stateRank(s State) int {
	switch s {
	case StatePending:
		return 0
	case StateProcessing:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

// ApplyTransition merges an observed update into the current record and reports
// whether anything changed. It is the single transition function for both the
// polling and the webhook paths and never touches timestamps or retry bookkeeping.
//
// Rules:
//   - COMPLETED absorbs every update.
//   - FAILED only accepts further FAILED reports (error/metadata refresh).
//     Leaving FAILED is the retry policy's job, not an observer's.
//   - A report ranked behind the current state is stale and dropped whole.
//   - Metadata merges key by key: new keys win, absent keys are preserved, keys
//     owned by this service are never overwritten from outside.
func ApplyTransition(current IngestionStatus, update Update) (IngestionStatus, bool) {
	if current.State == StateCompleted {
		return current, false
	}
	target := update.State
	if target == "" {
		target = current.State
	}
	if !target.Valid() {
		return current, false
	}
	if current.State == StateFailed && target != StateFailed {
		return current, false
	}
	if stateRank(target) < stateRank(current.State) {
		return current, false
	}

	next := current
	next.Metadata = current.Metadata.clone()
	changed := false

	if target != current.State {
		next.State = target
		changed = true
	}

	if target == StateFailed {
		if update.Error != nil && (next.Error == nil || *next.Error != *update.Error) {
			msg := *update.Error
			next.Error = &msg
			changed = true
		}
	} else if next.Error != nil {
		next.Error = nil
		changed = true
	}

	for k, v := range update.Metadata {
		if _, reserved := reservedMetadataKeys[k]; reserved {
			continue
		}
		if existing, ok := next.Metadata.Extra[k]; ok && reflect.DeepEqual(existing, v) {
			continue
		}
		if next.Metadata.Extra == nil {
			next.Metadata.Extra = make(map[string]any, len(update.Metadata))
		}
		next.Metadata.Extra[k] = v
		changed = true
	}

	return next, changed
}

// applyRetryPolicy consumes one retry for a FAILED record. While the budget
// lasts the record goes back to PENDING with the error cleared; the attempt
// that exhausts the budget leaves it FAILED for good. retried reports a move
// back to PENDING, changed reports any mutation.
func applyRetryPolicy(st IngestionStatus, maxRetries int, now time.Time) (next IngestionStatus, retried, changed bool) {
	if st.State != StateFailed || st.Metadata.RetryCount >= maxRetries {
		return st, false, false
	}
	next = st
	next.Metadata = st.Metadata.clone()
	next.Metadata.RetryCount = st.Metadata.RetryCount + 1
	if next.Metadata.RetryCount >= maxRetries {
		return next, false, true
	}
	next.State = StatePending
	next.Error = nil
	next.Metadata.LastRetry = timePtr(now)
	return next, true, true
}

// isTerminal reports whether no further automatic transition can happen.
func isTerminal(st IngestionStatus, maxRetries int) bool {
	switch st.State {
	case StateCompleted:
		return true
	case StateFailed:
		return st.Metadata.RetryCount >= maxRetries
	default:
		return false
	}
}
