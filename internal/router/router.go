// Package router validates job submit requests, allocates and registers
// jobs, and spawns one orchestrator goroutine per job — the glue between
// an external transport (cmd/beamserver's HTTP/WebSocket surface) and
// internal/orchestrator. It never imports net/http: the wire format is the
// edge's concern, not this package's.
package router

import (
	"context"
	"fmt"
	"log"

	"github.com/dshills/beamforge/internal/events"
	"github.com/dshills/beamforge/internal/gpucoord"
	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/metadata"
	"github.com/dshills/beamforge/internal/orchestrator"
	"github.com/dshills/beamforge/internal/providers"
	"github.com/dshills/beamforge/internal/ratelimit"
	"github.com/dshills/beamforge/internal/svcconn"
	"github.com/dshills/beamforge/internal/tokens"
)

// SubmitRequest is the validated shape of a job submit request (spec §6).
type SubmitRequest struct {
	Prompt          string
	N               int
	M               int
	MaxIterations   int
	Alpha           float64
	Temperature     float64
	Descriptiveness int
	EnsembleSize    int
	RankingMode     string // "score" or "vlm"
	Models          map[string]string
	ProviderFamily  map[string]string
	FaceFix         *jobs.FaceFixOptions
	PassThrough     map[string]any
}

// ValidationError names the offending submit-request field, matching spec
// §6's "structured error with the offending field" requirement.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("router: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks a SubmitRequest against spec §3/§6's constraints. It
// never mutates req and never touches the registry — validation failures
// surface synchronously, before any job is created.
func Validate(req SubmitRequest) error {
	if req.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must be non-empty"}
	}
	if req.N < 2 || req.N%2 != 0 {
		return &ValidationError{Field: "n", Reason: "must be an even integer >= 2"}
	}
	if req.M < 1 || req.N%req.M != 0 || req.M > req.N/2 {
		return &ValidationError{Field: "m", Reason: "must divide n and be <= n/2"}
	}
	if req.MaxIterations < 1 {
		return &ValidationError{Field: "maxIterations", Reason: "must be >= 1"}
	}
	if req.Alpha < 0 || req.Alpha > 1 {
		return &ValidationError{Field: "alpha", Reason: "must be in [0,1]"}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return &ValidationError{Field: "temperature", Reason: "must be in [0,2]"}
	}
	if req.Descriptiveness < 1 || req.Descriptiveness > 3 {
		return &ValidationError{Field: "descriptiveness", Reason: "must be 1, 2, or 3"}
	}
	if req.EnsembleSize < 1 || req.EnsembleSize%2 == 0 {
		return &ValidationError{Field: "ensembleSize", Reason: "must be an odd integer >= 1"}
	}
	switch jobs.RankingMode(req.RankingMode) {
	case jobs.RankingModeScore, jobs.RankingModeVLM:
	default:
		return &ValidationError{Field: "rankingMode", Reason: `must be "score" or "vlm"`}
	}
	if req.FaceFix != nil {
		if req.FaceFix.RestorationStrength < 0 || req.FaceFix.RestorationStrength > 1 {
			return &ValidationError{Field: "faceFix.restorationStrength", Reason: "must be in [0,1]"}
		}
		if req.FaceFix.FaceUpscale != 0 && req.FaceFix.FaceUpscale != 1 && req.FaceFix.FaceUpscale != 2 {
			return &ValidationError{Field: "faceFix.faceUpscale", Reason: "must be 1 or 2"}
		}
	}
	return nil
}

// Config wires a Router's shared, process-wide collaborators. Per-job
// state (the Job, its Orchestrator) is never stored here.
type Config struct {
	Registry  *jobs.Registry
	Bus       *events.Bus
	Providers providers.Bundle
	Gates     *ratelimit.Registry
	GPU       *gpucoord.Coordinator
	TextConn  *svcconn.Connection
	ImageConn *svcconn.Connection
	VisionConn *svcconn.Connection
	VLMConn   *svcconn.Connection
	Pricing   tokens.PricingTable
	Persist   metadata.Persist
	Metrics   *orchestrator.Metrics
	Logger    *log.Logger
}

// Router is the job submit/subscribe/cancel surface.
type Router struct {
	cfg Config
}

// New constructs a Router from cfg, filling in the same defaults
// orchestrator.New would for any nil dependency so a minimally-configured
// Router is still usable in tests.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = jobs.NewRegistry(nil)
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Gates == nil {
		cfg.Gates = ratelimit.NewRegistry()
	}
	if cfg.GPU == nil {
		cfg.GPU = gpucoord.New(nil, cfg.Logger)
	}
	return &Router{cfg: cfg}
}

// Submit validates req, allocates a job, wires an Orchestrator for it, and
// runs it on a new goroutine. It returns as soon as the job is registered
// and running — the caller does not block on job completion.
func (r *Router) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	params := jobs.Params{
		Prompt:          req.Prompt,
		N:               req.N,
		M:               req.M,
		MaxIterations:   req.MaxIterations,
		Alpha:           req.Alpha,
		Temperature:     req.Temperature,
		Descriptiveness: req.Descriptiveness,
		EnsembleSize:    req.EnsembleSize,
		RankingMode:     jobs.RankingMode(req.RankingMode),
		Models:          req.Models,
		ProviderFamily:  req.ProviderFamily,
		FaceFix:         req.FaceFix,
		PassThrough:     req.PassThrough,
	}

	job, err := r.cfg.Registry.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	tracker := tokens.New(job.ID, r.cfg.Pricing)
	orch := orchestrator.New(orchestrator.Config{
		Job:        job,
		Providers:  r.cfg.Providers,
		Gates:      r.cfg.Gates,
		GPU:        r.cfg.GPU,
		TextConn:   r.cfg.TextConn,
		ImageConn:  r.cfg.ImageConn,
		VisionConn: r.cfg.VisionConn,
		VLMConn:    r.cfg.VLMConn,
		Bus:        r.cfg.Bus,
		Tokens:     tracker,
		Persist:    r.cfg.Persist,
		Metrics:    r.cfg.Metrics,
		Logger:     r.cfg.Logger,
	})

	r.cfg.Registry.MarkRunning(job)
	go func() {
		if err := orch.Run(); err != nil {
			r.cfg.Logger.Printf("router: job %s ended: %v", job.ID, err)
		}
		r.cfg.Registry.MarkTerminal(context.Background(), job, job.GetStatus())
	}()

	return job, nil
}

// ErrJobNotFound mirrors jobs.ErrNotFound for callers that only import
// this package.
var ErrJobNotFound = jobs.ErrNotFound

// Subscribe attaches a subscription to jobID's event stream. It returns
// ErrJobNotFound (spec §4.9's `error{message:"job not found"}` case)
// without creating a subscription if the job is unknown.
func (r *Router) Subscribe(jobID string) (*events.Subscription, error) {
	if _, err := r.cfg.Registry.Get(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	return r.cfg.Bus.Subscribe(jobID), nil
}

// Cancel trips jobID's cancellation token. Cancelling an already-terminal
// or unknown job is handled by jobs.Registry.Cancel's own semantics.
func (r *Router) Cancel(ctx context.Context, jobID string) error {
	return r.cfg.Registry.Cancel(ctx, jobID)
}

// Get returns the job record for jobID.
func (r *Router) Get(jobID string) (*jobs.Job, error) {
	return r.cfg.Registry.Get(jobID)
}

// List returns every job the router's registry currently knows about.
func (r *Router) List() []*jobs.Job {
	return r.cfg.Registry.List()
}
