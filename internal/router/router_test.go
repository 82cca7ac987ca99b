package router

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/providers"
)

func validSubmitRequest() SubmitRequest {
	return SubmitRequest{
		Prompt:          "a lighthouse at dusk",
		N:               4,
		M:               2,
		MaxIterations:   1,
		Alpha:           0.5,
		Temperature:     1,
		Descriptiveness: 2,
		EnsembleSize:    1,
		RankingMode:     string(jobs.RankingModeScore),
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	if err := Validate(validSubmitRequest()); err != nil {
		t.Fatalf("expected a well-formed request to validate, got %v", err)
	}
}

func TestValidateRejectsOddN(t *testing.T) {
	req := validSubmitRequest()
	req.N = 3
	err := Validate(req)
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
	}
	if verr.Field != "n" {
		t.Fatalf("expected field %q, got %q", "n", verr.Field)
	}
}

func TestValidateRejectsMNotDividingN(t *testing.T) {
	req := validSubmitRequest()
	req.N, req.M = 4, 3
	err := Validate(req)
	verr, ok := err.(*ValidationError)
	if !ok || verr.Field != "m" {
		t.Fatalf("expected a validation error on field %q, got %v", "m", err)
	}
}

func TestValidateRejectsEvenEnsembleSize(t *testing.T) {
	req := validSubmitRequest()
	req.EnsembleSize = 2
	err := Validate(req)
	verr, ok := err.(*ValidationError)
	if !ok || verr.Field != "ensembleSize" {
		t.Fatalf("expected a validation error on field %q, got %v", "ensembleSize", err)
	}
}

func TestValidateRejectsUnknownRankingMode(t *testing.T) {
	req := validSubmitRequest()
	req.RankingMode = "weighted"
	err := Validate(req)
	verr, ok := err.(*ValidationError)
	if !ok || verr.Field != "rankingMode" {
		t.Fatalf("expected a validation error on field %q, got %v", "rankingMode", err)
	}
}

func newTestRouter() *Router {
	return New(Config{
		Providers: providers.Bundle{
			Text:     providers.NewMockTextProvider(),
			ImageGen: providers.NewMockImageGenProvider().AsProvider(),
			Vision:   providers.NewMockVisionProvider(),
			VLM:      providers.NewMockVLMProvider(),
		},
	})
}

// TestSubmitRejectsInvalidRequestWithoutRegisteringJob exercises spec §6's
// synchronous-validation contract: an invalid request never reaches the
// registry, so List stays empty.
func TestSubmitRejectsInvalidRequestWithoutRegisteringJob(t *testing.T) {
	r := newTestRouter()
	req := validSubmitRequest()
	req.Prompt = ""

	_, err := r.Submit(context.Background(), req)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected no job registered after a failed validation, got %d", len(r.List()))
	}
}

// TestSubmitRunsJobToCompletion exercises the happy path: Submit returns
// immediately with a running job, and the spawned orchestrator goroutine
// eventually drives it to a terminal status.
func TestSubmitRunsJobToCompletion(t *testing.T) {
	r := newTestRouter()
	job, err := r.Submit(context.Background(), validSubmitRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		status := job.GetStatus()
		if status == jobs.StatusComplete || status == jobs.StatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not reach a terminal status within 2s, last status %s", status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if job.GetStatus() != jobs.StatusComplete {
		t.Fatalf("expected job to complete, got status %s", job.GetStatus())
	}

	got, err := r.Get(job.ID)
	if err != nil || got.ID != job.ID {
		t.Fatalf("expected Get to resolve the submitted job, err=%v got=%v", err, got)
	}
}

// TestSubscribeUnknownJobReturnsNotFound exercises spec §4.9's
// `error{message:"job not found"}` reconnect case.
func TestSubscribeUnknownJobReturnsNotFound(t *testing.T) {
	r := newTestRouter()
	_, err := r.Subscribe("does-not-exist")
	if err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// TestSubscribeKnownJobReceivesEvents confirms a subscriber attached before
// the job finishes observes at least one event on the bus.
func TestSubscribeKnownJobReceivesEvents(t *testing.T) {
	r := newTestRouter()
	job, err := r.Submit(context.Background(), validSubmitRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sub, err := r.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		ev, ok := sub.Next()
		if ok {
			_ = ev.Type
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one event before the 2s deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestCancelIsIdempotent exercises spec §8's cancellation idempotence:
// cancelling an already-terminal or already-cancelled job never errors.
func TestCancelIsIdempotent(t *testing.T) {
	r := newTestRouter()
	job, err := r.Submit(context.Background(), validSubmitRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := r.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("second Cancel (idempotent) returned error: %v", err)
	}
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	r := newTestRouter()
	err := r.Cancel(context.Background(), "does-not-exist")
	if err != jobs.ErrNotFound {
		t.Fatalf("expected jobs.ErrNotFound, got %v", err)
	}
}
