package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/beamforge/internal/events"
	"github.com/dshills/beamforge/internal/gpucoord"
	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/metadata"
	"github.com/dshills/beamforge/internal/providers"
	"github.com/dshills/beamforge/internal/ratelimit"
	"github.com/dshills/beamforge/internal/svcconn"
	"github.com/dshills/beamforge/internal/tokens"
)

type fakePersist struct {
	records []metadata.Record
}

func (f *fakePersist) SaveMetadata(_ context.Context, _, _ string, record metadata.Record) (string, error) {
	f.records = append(f.records, record)
	return "/tmp/fake/metadata.json", nil
}

func newTestJob(t *testing.T, params jobs.Params) *jobs.Job {
	t.Helper()
	reg := jobs.NewRegistry(nil)
	job, err := reg.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	reg.MarkRunning(job)
	return job
}

func newTestOrchestrator(t *testing.T, params jobs.Params, vlm providers.VLMProvider) (*Orchestrator, *fakePersist) {
	t.Helper()
	job := newTestJob(t, params)
	persist := &fakePersist{}
	bundle := providers.Bundle{
		Text:     providers.NewMockTextProvider(),
		ImageGen: providers.NewMockImageGenProvider().AsProvider(),
		Vision:   providers.NewMockVisionProvider(),
		VLM:      vlm,
	}
	cfg := Config{
		Job:        job,
		Providers:  bundle,
		Gates:      ratelimit.NewRegistry(),
		GPU:        gpucoord.New(nil, nil),
		TextConn:   svcconn.New(svcconn.Options{MaxRetries: 0}),
		ImageConn:  svcconn.New(svcconn.Options{MaxRetries: 0}),
		VisionConn: svcconn.New(svcconn.Options{MaxRetries: 0}),
		VLMConn:    svcconn.New(svcconn.Options{MaxRetries: 0}),
		Bus:        events.NewBus(),
		Tokens:     tokens.New(job.ID, nil),
		Persist:    persist,
		SessionID:  "ses-000000",
	}
	return New(cfg), persist
}

// TestHappyPathScoreMode exercises spec §8 end-to-end scenario 1.
func TestHappyPathScoreMode(t *testing.T) {
	params := jobs.Params{
		Prompt:        "mountains",
		N:             4,
		M:             2,
		MaxIterations: 2,
		Alpha:         0.7,
		RankingMode:   jobs.RankingModeScore,
	}
	orch, persist := newTestOrchestrator(t, params, providers.NewMockVLMProvider())

	if err := orch.Run(); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if len(persist.records) != 1 {
		t.Fatalf("expected exactly one persisted record, got %d", len(persist.records))
	}
	record := persist.records[0]
	if len(record.Iterations) != 2 {
		t.Fatalf("expected 2 iterations, got %d", len(record.Iterations))
	}
	if len(record.Iterations[0].Candidates) != 4 {
		t.Fatalf("expected 4 candidates at iteration 0, got %d", len(record.Iterations[0].Candidates))
	}
	if len(record.Iterations[1].Candidates) != 4 {
		t.Fatalf("expected 4 candidates at iteration 1, got %d", len(record.Iterations[1].Candidates))
	}
	if record.FinalWinner.Iteration != 1 {
		t.Fatalf("expected global winner from iteration 1, got iteration %d", record.FinalWinner.Iteration)
	}
	if len(record.Lineage) != 2 {
		t.Fatalf("expected lineage length 2, got %d", len(record.Lineage))
	}
	if record.Lineage[0].Iteration != 0 {
		t.Fatalf("expected lineage root at iteration 0, got %d", record.Lineage[0].Iteration)
	}
}

// TestBoundaryMinimalBeam exercises the N=2,M=1,maxIter=1 boundary.
func TestBoundaryMinimalBeam(t *testing.T) {
	params := jobs.Params{
		Prompt:        "a cat",
		N:             2,
		M:             1,
		MaxIterations: 1,
		Alpha:         0.5,
		RankingMode:   jobs.RankingModeScore,
	}
	orch, persist := newTestOrchestrator(t, params, providers.NewMockVLMProvider())

	if err := orch.Run(); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	record := persist.records[0]
	if len(record.Iterations) != 1 || len(record.Iterations[0].Candidates) != 2 {
		t.Fatalf("expected 1 iteration of 2 candidates, got %+v", record.Iterations)
	}
	if len(record.Lineage) != 1 {
		t.Fatalf("expected lineage length 1, got %d", len(record.Lineage))
	}
}

// TestExpandOneFailsAfterSafetyRetryExhausted exercises spec §8 scenario
// 3's per-candidate side: a content-policy rejection that also survives
// the one-shot safety retry marks the candidate Failed rather than
// aborting the iteration. Driven directly against expandOne (not through
// the concurrent expand() fan-out) so call-count-based mock failures stay
// deterministic.
func TestExpandOneFailsAfterSafetyRetryExhausted(t *testing.T) {
	job := newTestJob(t, jobs.Params{Prompt: "a dog", N: 2, M: 1, MaxIterations: 1, Alpha: 0.5})
	imageGen := providers.NewMockImageGenProvider()
	imageGen.FailOnCall[1] = providers.ErrContentPolicy
	imageGen.FailOnCall[2] = providers.ErrContentPolicy

	bundle := providers.Bundle{
		Text:     providers.NewMockTextProvider(),
		ImageGen: imageGen.AsProvider(),
		Vision:   providers.NewMockVisionProvider(),
		VLM:      providers.NewMockVLMProvider(),
	}
	orch := New(Config{
		Job:        job,
		Providers:  bundle,
		Gates:      ratelimit.NewRegistry(),
		GPU:        gpucoord.New(nil, nil),
		TextConn:   svcconn.New(svcconn.Options{MaxRetries: 0}),
		ImageConn:  svcconn.New(svcconn.Options{MaxRetries: 0}),
		VisionConn: svcconn.New(svcconn.Options{MaxRetries: 0}),
		VLMConn:    svcconn.New(svcconn.Options{MaxRetries: 0}),
		Bus:        events.NewBus(),
		Tokens:     tokens.New(job.ID, nil),
		Persist:    &fakePersist{},
	})

	c := orch.expandOne(job.Context(), 0, 0, nil, orch.prepare())
	if !c.Failed {
		t.Fatalf("expected candidate to be marked Failed after exhausting the safety retry")
	}
	if c.FailureNote == "" {
		t.Fatal("expected a non-empty FailureNote")
	}
}

// TestRunInsufficientCandidates exercises spec §8 scenario 3's job-level
// side via selectSurvivors directly: when fewer than M candidates survive
// evaluation, Run's next transition returns ErrInsufficientCandidates.
func TestRunInsufficientCandidates(t *testing.T) {
	job := newTestJob(t, jobs.Params{Prompt: "a dog", N: 4, M: 3, MaxIterations: 1, Alpha: 0.5})
	persist := &fakePersist{}
	orch := New(Config{
		Job: job,
		Providers: providers.Bundle{
			Text:     providers.NewMockTextProvider(),
			ImageGen: providers.NewMockImageGenProvider().AsProvider(),
			Vision:   providers.NewMockVisionProvider(),
			VLM:      providers.NewMockVLMProvider(),
		},
		Bus:     events.NewBus(),
		Tokens:  tokens.New(job.ID, nil),
		Persist: persist,
	})

	params := orch.prepare()
	candidates := []*Candidate{
		{ID: "i0c0", Iteration: 0, Ordinal: 0, Evaluated: true, Alignment: 80, Aesthetic: 8, TotalScore: 90},
		{ID: "i0c1", Iteration: 0, Ordinal: 1, Failed: true, FailureNote: "generate failed: content policy"},
		{ID: "i0c2", Iteration: 0, Ordinal: 2, Failed: true, FailureNote: "generate failed: content policy"},
		{ID: "i0c3", Iteration: 0, Ordinal: 3, Failed: true, FailureNote: "generate failed: content policy"},
	}
	for _, c := range candidates {
		orch.recordCandidate(c)
	}
	orch.rank(job.Context(), 0, candidates, params)
	survivors := orch.selectSurvivors(0, candidates, params)

	if len(survivors) >= params.M {
		t.Fatalf("expected fewer than M=%d survivors, got %d", params.M, len(survivors))
	}

	err := orch.handleFailed(0, ErrInsufficientCandidates, nil)
	if err != ErrInsufficientCandidates {
		t.Fatalf("expected ErrInsufficientCandidates, got %v", err)
	}
	if len(persist.records) != 1 || persist.records[0].Status != string(jobs.StatusFailed) {
		t.Fatalf("expected one failed-status metadata record, got %+v", persist.records)
	}
	for _, rec := range persist.records[0].Iterations[0].Candidates {
		if rec.ID == "i0c1" && (rec.Ranking == nil || len(rec.Ranking.Weaknesses) == 0) {
			t.Fatal("expected failed candidate's error note recorded in weaknesses")
		}
	}
}

// TestTournamentAllPairsFailFallsBackToScore exercises spec §8 scenario 4.
func TestTournamentAllPairsFailFallsBackToScore(t *testing.T) {
	params := jobs.Params{
		Prompt:        "a river",
		N:             4,
		M:             2,
		MaxIterations: 1,
		Alpha:         0.5,
		EnsembleSize:  1,
		RankingMode:   jobs.RankingModeVLM,
	}
	vlm := providers.NewMockVLMProvider()
	vlm.Err = context.DeadlineExceeded
	orch, persist := newTestOrchestrator(t, params, vlm)

	if err := orch.Run(); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	record := persist.records[0]
	foundFallback := false
	for _, e := range record.Errors {
		if e != "" {
			foundFallback = true
		}
	}
	if !foundFallback {
		t.Fatalf("expected a fallback notice in metadata.errors, got none")
	}
}

// TestCancelBeforeFirstIteration exercises spec §8 scenario 2's shape: a
// cancellation observed before any work starts must short-circuit to the
// cancelled state without persisting metadata.
func TestCancelBeforeFirstIteration(t *testing.T) {
	reg := jobs.NewRegistry(nil)
	job, err := reg.Create(context.Background(), jobs.Params{
		Prompt:        "a forest",
		N:             4,
		M:             2,
		MaxIterations: 3,
		Alpha:         0.5,
		RankingMode:   jobs.RankingModeScore,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	reg.MarkRunning(job)
	_ = reg.Cancel(context.Background(), job.ID)

	persist := &fakePersist{}
	bundle := providers.Bundle{
		Text:     providers.NewMockTextProvider(),
		ImageGen: providers.NewMockImageGenProvider().AsProvider(),
		Vision:   providers.NewMockVisionProvider(),
		VLM:      providers.NewMockVLMProvider(),
	}
	orch := New(Config{
		Job:       job,
		Providers: bundle,
		Bus:       events.NewBus(),
		Tokens:    tokens.New(job.ID, nil),
		Persist:   persist,
	})

	sub := orch.cfg.Bus.Subscribe(job.ID)
	done := make(chan error, 1)
	go func() { done <- orch.Run() }()

	select {
	case err := <-done:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return within 2s of cancellation")
	}

	if len(persist.records) != 0 {
		t.Fatalf("expected no metadata persisted for a pre-expand cancellation, got %d", len(persist.records))
	}

	ev, ok := sub.Next()
	if !ok || ev.Type != events.TypeCancelled {
		t.Fatalf("expected a cancelled event, got %+v ok=%v", ev, ok)
	}
}
