package devserver

import (
	"fmt"
	"time"

	"mediagen/internal/models"
	"mediagen/internal/store"
)

// Each outcome is the status sequence a job reports on successive status reads. The last
// entry repeats forever.
var scripts = map[string][]string{
	store.OutcomeSuccess: {models.StatusPending, models.StatusStarted, models.StatusCompleteSuccess},
	store.OutcomeFailure: {models.StatusPending, models.StatusStarted, models.StatusAttemptFailed, models.StatusStarted, models.StatusCompleteFailure},
	store.OutcomeFlaky:   {models.StatusPending, models.StatusStarted, models.StatusAttemptFailed, models.StatusStarted, models.StatusCompleteSuccess},
	store.OutcomeDead:    {models.StatusPending, models.StatusStarted, models.StatusAttemptFailed, models.StatusStarted, models.StatusAttemptFailed, models.StatusDead},
}

func validOutcome(outcome string) bool {
	_, ok := scripts[outcome]
	return ok
}

func terminalStatus(status string) bool {
	switch status {
	case models.StatusCompleteSuccess, models.StatusCompleteFailure, models.StatusDead:
		return true
	}
	return false
}

// advance moves job one step along its script. It reports whether the job became terminal
// on this step.
func advance(job *store.Job, now time.Time, newResult func() string) bool {
	if terminalStatus(job.Status) {
		return false
	}
	script, ok := scripts[job.Outcome]
	if !ok {
		script = scripts[store.OutcomeSuccess]
	}
	idx := min(job.Reads, len(script)-1)
	job.Reads++
	step := script[idx]
	job.Status = step
	job.AttemptCount = countStarts(script[:idx+1])
	job.UpdatedAt = now

	switch step {
	case models.StatusCompleteSuccess:
		if job.ResultToken == "" {
			job.ResultToken = newResult()
		}
	case models.StatusCompleteFailure:
		job.FailureReason = "inference failed after retries"
	case models.StatusDead:
		job.FailureReason = fmt.Sprintf("job abandoned after %d attempts", job.AttemptCount)
	}
	return terminalStatus(step)
}

func countStarts(steps []string) int {
	n := 0
	for _, s := range steps {
		if s == models.StatusStarted {
			n++
		}
	}
	return n
}

func statusResponse(job store.Job) models.JobStatusResponse {
	resp := models.JobStatusResponse{
		Success:   true,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.AttemptCount > 0 {
		n := job.AttemptCount
		resp.AttemptCount = &n
	}
	if job.Status == models.StatusCompleteSuccess && job.ResultToken != "" {
		tok := job.ResultToken
		resp.MaybeResultToken = &tok
	}
	if job.FailureReason != "" {
		reason := job.FailureReason
		resp.MaybeFailureReason = &reason
	}
	if job.Status == models.StatusStarted || job.Status == models.StatusAttemptFailed {
		desc := fmt.Sprintf("attempt %d", job.AttemptCount)
		resp.MaybeExtraStatusDescription = &desc
	}
	return resp
}
