package ingestion

import (
	"reflect"
	"testing"
	"time"
)

func pendingStatus() IngestionStatus {
	start := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	return IngestionStatus{
		ID:         1,
		DocumentID: 10,
		State:      StatePending,
		Metadata: Metadata{
			StartTime: timePtr(start),
			Transport: TransportHTTP,
			FileName:  "report.pdf",
		},
		StartedAt: start,
		CreatedAt: start,
		UpdatedAt: start,
	}
}

func TestApplyTransitionIsIdempotent(t *testing.T) {
	update := Update{State: StateProcessing, Metadata: map[string]any{"pages": float64(3), "stage": "ocr"}}

	once, changed := ApplyTransition(pendingStatus(), update)
	if !changed {
		t.Fatalf("expected first application to change the record")
	}
	twice, changed := ApplyTransition(once, update)
	if changed {
		t.Fatalf("expected second application to be a no-op")
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expected identical records, got %+v vs %+v", once, twice)
	}
}

func TestApplyTransitionMergesMetadata(t *testing.T) {
	current := pendingStatus()
	current.Metadata.Extra = map[string]any{"stage": "upload", "pages": float64(1)}

	next, changed := ApplyTransition(current, Update{
		State:    StateProcessing,
		Metadata: map[string]any{"stage": "ocr", "lang": "en", "retryCount": float64(99), "fileName": "evil"},
	})
	if !changed {
		t.Fatalf("expected change")
	}
	want := map[string]any{"stage": "ocr", "pages": float64(1), "lang": "en"}
	if !reflect.DeepEqual(next.Metadata.Extra, want) {
		t.Fatalf("unexpected extra metadata %v", next.Metadata.Extra)
	}
	if next.Metadata.RetryCount != 0 || next.Metadata.FileName != "report.pdf" {
		t.Fatalf("owned metadata must not be overwritten: %+v", next.Metadata)
	}
	if current.Metadata.Extra["stage"] != "upload" {
		t.Fatalf("input record was mutated")
	}
}

func TestApplyTransitionGuards(t *testing.T) {
	failMsg := "boom"
	cases := []struct {
		name    string
		current State
		update  Update
		want    State
		changed bool
	}{
		{name: "completed absorbs failure", current: StateCompleted, update: Update{State: StateFailed, Error: &failMsg}, want: StateCompleted},
		{name: "completed absorbs stale processing", current: StateCompleted, update: Update{State: StateProcessing}, want: StateCompleted},
		{name: "processing never regresses", current: StateProcessing, update: Update{State: StatePending}, want: StateProcessing},
		{name: "failed ignores processing", current: StateFailed, update: Update{State: StateProcessing}, want: StateFailed},
		{name: "failed ignores completed", current: StateFailed, update: Update{State: StateCompleted}, want: StateFailed},
		{name: "pending to completed", current: StatePending, update: Update{State: StateCompleted}, want: StateCompleted, changed: true},
		{name: "processing to failed", current: StateProcessing, update: Update{State: StateFailed, Error: &failMsg}, want: StateFailed, changed: true},
		{name: "unknown state ignored", current: StatePending, update: Update{State: State("DONE")}, want: StatePending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			current := pendingStatus()
			current.State = tc.current
			next, changed := ApplyTransition(current, tc.update)
			if next.State != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, next.State)
			}
			if changed != tc.changed {
				t.Fatalf("expected changed=%v, got %v", tc.changed, changed)
			}
		})
	}
}

func TestApplyTransitionRecordsError(t *testing.T) {
	msg := "unsupported format"
	next, _ := ApplyTransition(pendingStatus(), Update{State: StateFailed, Error: &msg})
	if next.Error == nil || *next.Error != msg {
		t.Fatalf("expected error %q, got %v", msg, next.Error)
	}
	msg = "changed after"
	if *next.Error != "unsupported format" {
		t.Fatalf("stored error aliases the update")
	}
}

func TestRetryPolicyBound(t *testing.T) {
	now := time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC)
	st := pendingStatus()
	errMsg := "worker crashed"

	for want := 1; want <= 2; want++ {
		st.State = StateFailed
		st.Error = &errMsg
		var retried, changed bool
		st, retried, changed = applyRetryPolicy(st, 3, now)
		if !retried || !changed {
			t.Fatalf("attempt %d: expected retry", want)
		}
		if st.State != StatePending || st.Error != nil || st.Metadata.RetryCount != want {
			t.Fatalf("attempt %d: unexpected record %+v", want, st)
		}
		if st.Metadata.LastRetry == nil || !st.Metadata.LastRetry.Equal(now) {
			t.Fatalf("attempt %d: expected lastRetry", want)
		}
	}

	st.State = StateFailed
	st, retried, changed := applyRetryPolicy(st, 3, now)
	if retried || !changed {
		t.Fatalf("expected final failure to consume the budget without retrying")
	}
	if st.State != StateFailed || st.Metadata.RetryCount != 3 {
		t.Fatalf("expected FAILED with retryCount 3, got %s/%d", st.State, st.Metadata.RetryCount)
	}
	if !isTerminal(st, 3) {
		t.Fatalf("expected exhausted record to be terminal")
	}

	again, retried, changed := applyRetryPolicy(st, 3, now)
	if retried || changed || again.Metadata.RetryCount != 3 {
		t.Fatalf("exhausted record must stay put, got %+v", again)
	}
}

func TestRetryPolicyZeroBudget(t *testing.T) {
	st := pendingStatus()
	st.State = StateFailed
	if !isTerminal(st, 0) {
		t.Fatalf("expected FAILED to be terminal with no retries")
	}
	if _, retried, changed := applyRetryPolicy(st, 0, time.Now()); retried || changed {
		t.Fatalf("expected no retry with zero budget")
	}
}

func TestParseState(t *testing.T) {
	if s, ok := ParseState(" completed "); !ok || s != StateCompleted {
		t.Fatalf("expected COMPLETED, got %q %v", s, ok)
	}
	if _, ok := ParseState("done"); ok {
		t.Fatalf("expected unknown state to be rejected")
	}
}

func TestMetadataJSONIsFlat(t *testing.T) {
	start := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	m := Metadata{
		RetryCount: 2,
		StartTime:  &start,
		Transport:  TransportQueue,
		Size:       512,
		Extra:      map[string]any{"pages": float64(4), "retryCount": float64(40)},
	}
	payload, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Metadata
	if err := decoded.UnmarshalJSON(payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RetryCount != 2 || decoded.Size != 512 || decoded.Transport != TransportQueue {
		t.Fatalf("unexpected decoded metadata %+v", decoded)
	}
	if decoded.StartTime == nil || !decoded.StartTime.Equal(start) {
		t.Fatalf("unexpected start time %v", decoded.StartTime)
	}
	if len(decoded.Extra) != 1 || decoded.Extra["pages"] != float64(4) {
		t.Fatalf("unexpected extra %v", decoded.Extra)
	}
}
