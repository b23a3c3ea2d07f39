package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mediagen/internal/config"
	"mediagen/internal/idempotency"
	"mediagen/internal/logging"
	"mediagen/internal/models"
)

func newTestClient(t *testing.T, h http.Handler, attempts int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Config{
		APIBaseURL:         srv.URL,
		SessionCookie:      "sess-1",
		HTTPTimeout:        2 * time.Second,
		EnqueueMaxAttempts: attempts,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
	}
	return New(cfg, logging.Discard(), WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func TestEnqueueRetriesWithSameToken(t *testing.T) {
	var mu sync.Mutex
	var tokens []string
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/enqueue-tts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls++
		n := calls
		tokens = append(tokens, body[models.IdempotencyField])
		mu.Unlock()
		if n < 3 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(models.EnqueueResponse{Success: true, InferenceJobToken: "job_abc"})
	})
	c := newTestClient(t, h, 4)

	f := idempotency.NewFactoryWith(func() string { return "idem-1" })
	sub := f.NewSubmission(models.KindTTSInference, map[string]string{"inference_text": "hello"})
	token, err := c.Enqueue(context.Background(), sub)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if token != "job_abc" {
		t.Fatalf("token = %q", token)
	}
	if len(tokens) != 3 {
		t.Fatalf("calls = %d, want 3", len(tokens))
	}
	for _, tok := range tokens {
		if tok != "idem-1" {
			t.Fatalf("retry used token %q, want idem-1", tok)
		}
	}
}

func TestEnqueueRejectedIsNotRetried(t *testing.T) {
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.EnqueueResponse{
			Success:     false,
			ErrorType:   "BAD_INPUT",
			ErrorFields: map[string]string{"inference_text": "required"},
		})
	})
	c := newTestClient(t, h, 4)

	sub := idempotency.NewFactory().NewSubmission(models.KindTTSInference, nil)
	_, err := c.Enqueue(context.Background(), sub)
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if rej.ErrorType != "BAD_INPUT" || rej.ErrorFields["inference_text"] != "required" {
		t.Fatalf("rejection = %+v", rej)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !strings.Contains(err.Error(), "inference_text: required") {
		t.Fatalf("error text = %q", err.Error())
	}
}

func TestEnqueueGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newTestClient(t, h, 3)

	_, err := c.Enqueue(context.Background(), idempotency.NewFactory().NewSubmission(models.KindLipsyncInference, nil))
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestEnqueueUnknownKind(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), 1)
	sub := idempotency.Submission{Kind: "Nope", Token: "x"}
	if _, err := c.Enqueue(context.Background(), sub); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestJobStatus(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(SessionCookieName); err != nil || cookie.Value != "sess-1" {
			t.Errorf("missing session cookie")
		}
		switch r.URL.Path {
		case "/v1/job-status/job_1":
			_, _ = io.WriteString(w, `{"success":true,"status":"complete_success","attempt_count":1,"maybe_result_token":"res_1","created_at":"2026-01-01T00:00:00Z"}`)
		case "/v1/job-status/job_2":
			_, _ = io.WriteString(w, `{"success":false}`)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	})
	c := newTestClient(t, h, 1)

	resp, err := c.JobStatus(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Status != "complete_success" || resp.MaybeResultToken == nil || *resp.MaybeResultToken != "res_1" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.MaybeFailureReason != nil {
		t.Fatal("absent field decoded as present")
	}

	if _, err := c.JobStatus(context.Background(), "job_2"); !IsTransient(err) {
		t.Fatalf("success:false err = %v, want transient", err)
	}
	if _, err := c.JobStatus(context.Background(), "job_3"); !IsTransient(err) {
		t.Fatalf("502 err = %v, want transient", err)
	}
}

func TestJobStatusMalformedBody(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":tru`)
	})
	c := newTestClient(t, h, 1)
	if _, err := c.JobStatus(context.Background(), "job_1"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestUploadMediaAndLoad(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/media/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if r.FormValue(models.IdempotencyField) != "up-1" {
				t.Errorf("idempotency token = %q", r.FormValue(models.IdempotencyField))
			}
			file, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				return
			}
			data, _ := io.ReadAll(file)
			if string(data) != "RIFFdata" || hdr.Filename != "voice.wav" {
				t.Errorf("file = %q %q", hdr.Filename, data)
			}
			_ = json.NewEncoder(w).Encode(models.UploadResponse{Success: true, MediaFileToken: "m1"})
		case r.URL.Path == "/v1/media/m1":
			_ = json.NewEncoder(w).Encode(models.MediaFileResponse{Success: true, MediaFile: &models.MediaFile{Token: "m1", ContentType: "audio/wav"}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"success":false}`)
		}
	})
	c := newTestClient(t, h, 1)

	src := UploadSource{
		Filename:    "voice.wav",
		ContentType: "audio/wav",
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("RIFFdata")), nil
		},
	}
	token, err := c.UploadMedia(context.Background(), "up-1", src)
	if err != nil || token != "m1" {
		t.Fatalf("upload = %q, %v", token, err)
	}

	mf, err := c.MediaFile(context.Background(), "m1")
	if err != nil || mf.ContentType != "audio/wav" {
		t.Fatalf("media file = %+v, %v", mf, err)
	}
	if _, err := c.MediaFile(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSession(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"logged_in":true,"user":{"username":"ada","can_upload":true}}`)
	})
	c := newTestClient(t, h, 1)
	s, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !s.LoggedIn || s.User == nil || s.User.Username != "ada" {
		t.Fatalf("session = %+v", s)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 60); b < max/2 || b > max {
		t.Fatalf("backoff not capped: %s", b)
	}
	for _, attempt := range []int{64, 200, 2000} {
		if b := backoffWithJitter(base, max, attempt); b < max/2 || b > max {
			t.Fatalf("attempt %d overflowed the cap: %s", attempt, b)
		}
	}
	if b := backoffWithJitter(0, max, 2); b != 0 {
		t.Fatalf("zero base should not wait: %s", b)
	}
}
