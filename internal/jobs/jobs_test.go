package jobs

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"mediagen/internal/logging"
	"mediagen/internal/models"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestParseState(t *testing.T) {
	cases := map[string]State{
		"pending":          StatePending,
		"STARTED":          StateStarted,
		" Attempt_Failed ": StateAttemptFailed,
		"complete_failure": StateCompleteFailure,
		"dead":             StateDead,
		"COMPLETE_SUCCESS": StateCompleteSuccess,
		"":                 StateUnknown,
		"complete-success": StateUnknown,
		"something_new_v2": StateUnknown,
	}
	for raw, want := range cases {
		if got := ParseState(raw); got != want {
			t.Fatalf("ParseState(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []State{StateCompleteSuccess, StateCompleteFailure, StateDead}
	nonTerminal := []State{StateUnknown, StatePending, StateStarted, StateAttemptFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestFromResponseToleratesMissingFields(t *testing.T) {
	rec := FromResponse("job_1", models.KindTTSInference, models.JobStatusResponse{Status: "started"})
	want := Record{JobToken: "job_1", Kind: models.KindTTSInference, State: StateStarted}
	if !reflect.DeepEqual(rec, want) {
		t.Fatalf("record = %+v, want %+v", rec, want)
	}

	rec = FromResponse("job_1", models.KindTTSInference, models.JobStatusResponse{})
	if rec.State != StateUnknown {
		t.Fatalf("missing status should map to UNKNOWN, got %s", rec.State)
	}
}

func TestFromResponseIsIdempotent(t *testing.T) {
	payload := models.JobStatusResponse{
		Success:                     true,
		Status:                      "complete_success",
		AttemptCount:                intPtr(2),
		MaybeResultToken:            strPtr("res_1"),
		MaybeExtraStatusDescription: strPtr("done"),
		CreatedAt:                   "2026-01-02T03:04:05Z",
		UpdatedAt:                   "2026-01-02T03:05:05.123Z",
	}
	a := FromResponse("job_1", models.KindLipsyncInference, payload)
	b := FromResponse("job_1", models.KindLipsyncInference, payload)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("records differ: %+v vs %+v", a, b)
	}
	if a.AttemptCount != 2 || a.ResultToken != "res_1" || a.ExtraStatusDescription != "done" {
		t.Fatalf("unexpected record: %+v", a)
	}
	if !a.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("created_at = %s", a.CreatedAt)
	}
}

func TestFromResponseEnforcesFieldInvariants(t *testing.T) {
	started := FromResponse("j", models.KindTTSInference, models.JobStatusResponse{
		Status:             "started",
		MaybeResultToken:   strPtr("res"),
		MaybeFailureReason: strPtr("boom"),
	})
	if started.ResultToken != "" || started.FailureReason != "" {
		t.Fatalf("non-terminal record kept terminal fields: %+v", started)
	}

	failed := FromResponse("j", models.KindTTSInference, models.JobStatusResponse{
		Status:             "dead",
		MaybeResultToken:   strPtr("res"),
		MaybeFailureReason: strPtr("out of retries"),
	})
	if failed.ResultToken != "" || failed.FailureReason != "out of retries" {
		t.Fatalf("dead record = %+v", failed)
	}

	noResult := FromResponse("j", models.KindTTSInference, models.JobStatusResponse{Status: "complete_success"})
	if noResult.State != StateUnknown {
		t.Fatalf("success without result token should be UNKNOWN, got %s", noResult.State)
	}
	if !Malformed(models.JobStatusResponse{Status: "complete_success"}) {
		t.Fatal("expected payload to be reported malformed")
	}
}

func TestEnqueueThenList(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if err := reg.Enqueue("job_1", models.KindTTSInference); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	recs := reg.List(models.KindTTSInference)
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	if recs[0].State != StatePending || recs[0].AttemptCount != 0 {
		t.Fatalf("record = %+v", recs[0])
	}
	if len(reg.List(models.KindModelUpload)) != 0 {
		t.Fatal("kind filter leaked records")
	}
}

func TestEnqueueRejectsDuplicatesAndEmpty(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if err := reg.Enqueue("job_1", models.KindTTSInference); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := reg.Enqueue("job_1", models.KindLipsyncInference); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}
	if err := reg.Enqueue("", models.KindTTSInference); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("err = %v, want ErrEmptyToken", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d", reg.Len())
	}
}

// TestUpdateLifecycle walks a TTS job to completion and checks terminal records stay put.
func TestUpdateLifecycle(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	_ = reg.Enqueue("job_1", models.KindTTSInference)

	reg.Update("job_1", models.JobStatusResponse{Status: "started"})
	if rec, _ := reg.Get("job_1"); rec.State != StateStarted {
		t.Fatalf("state = %s, want STARTED", rec.State)
	}

	reg.Update("job_1", models.JobStatusResponse{Status: "complete_success", MaybeResultToken: strPtr("res_1")})
	done, _ := reg.Get("job_1")
	if done.State != StateCompleteSuccess || done.ResultToken != "res_1" {
		t.Fatalf("record = %+v", done)
	}

	if reg.Update("job_1", models.JobStatusResponse{Status: "started", AttemptCount: intPtr(9)}) {
		t.Fatal("update of terminal record reported a change")
	}
	after, _ := reg.Get("job_1")
	if !reflect.DeepEqual(after, done) {
		t.Fatalf("terminal record changed: %+v -> %+v", done, after)
	}
}

func TestUpdateUnknownTokenIsNoop(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if reg.Update("ghost", models.JobStatusResponse{Status: "started"}) {
		t.Fatal("expected no-op")
	}
	if reg.Len() != 0 {
		t.Fatal("update must not create records")
	}
}

func TestUpdateKeepsCreatedAtWhenOmitted(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }
	_ = reg.Enqueue("job_1", models.KindModelUpload)

	reg.Update("job_1", models.JobStatusResponse{Status: "attempt_failed", AttemptCount: intPtr(1)})
	rec, _ := reg.Get("job_1")
	if !rec.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %s, want %s", rec.CreatedAt, fixed)
	}
	if rec.State != StateAttemptFailed || rec.AttemptCount != 1 || IsTerminal(rec) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	tokens := []string{"c", "a", "b"}
	for _, tok := range tokens {
		_ = reg.Enqueue(tok, models.KindLipsyncInference)
	}
	reg.Update("b", models.JobStatusResponse{Status: "started"})
	reg.Update("c", models.JobStatusResponse{Status: "dead", MaybeFailureReason: strPtr("x")})

	for pass := 0; pass < 2; pass++ {
		var got []string
		for rec := range reg.All() {
			got = append(got, rec.JobToken)
		}
		if !reflect.DeepEqual(got, tokens) {
			t.Fatalf("pass %d order = %v, want %v", pass, got, tokens)
		}
	}

	pending := reg.Pending(models.KindLipsyncInference)
	if len(pending) != 2 || pending[0].JobToken != "a" || pending[1].JobToken != "b" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestPredicates(t *testing.T) {
	ok := Record{State: StateCompleteSuccess}
	bad := Record{State: StateDead}
	running := Record{State: StateAttemptFailed}
	if !Succeeded(ok) || Failed(ok) || InProgress(ok) {
		t.Fatal("success predicates wrong")
	}
	if !Failed(bad) || Succeeded(bad) {
		t.Fatal("dead predicates wrong")
	}
	if !InProgress(running) || IsTerminal(running) {
		t.Fatal("attempt_failed must keep polling")
	}
}
