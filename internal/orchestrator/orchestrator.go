// Package orchestrator implements the beam-search state machine for one
// job (spec §4.7), the hardest and largest piece of this module.
//
// This generalizes the teacher's graph.Engine[S] from a generic node/edge
// workflow graph to the fixed PREPARE→EXPAND→EVALUATE→RANK→SELECT→FINALIZE
// shape, keeping: the RNG-per-run seeding idiom (seeded per job, though no
// stage currently draws from it), the NodePolicy/RetryPolicy-style per-stage retry via
// internal/svcconn, and the checkpoint/event-emission wiring style of
// engine.go — reimplemented as an explicit state machine per spec §9's
// design note rather than the teacher's generic node graph, since this
// domain's control flow is fixed, not user-composed.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
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

// Config wires one Orchestrator instance. All dependencies are injected —
// per spec §9's design note, there are no module-level singletons here, so
// tests can instantiate fully isolated orchestrators.
type Config struct {
	Job        *jobs.Job
	Providers  providers.Bundle
	Gates      *ratelimit.Registry
	GPU        *gpucoord.Coordinator
	TextConn   *svcconn.Connection
	ImageConn  *svcconn.Connection
	VisionConn *svcconn.Connection
	VLMConn    *svcconn.Connection
	Bus        *events.Bus
	Tokens     *tokens.Tracker
	Persist    metadata.Persist
	SessionID  string
	Metrics    *Metrics
	Logger     *log.Logger
}

// Orchestrator runs one job's beam search end to end.
type Orchestrator struct {
	cfg Config

	mu         sync.Mutex
	candidates map[string]*Candidate   // all candidates ever created, by id
	byIter     map[int][]*Candidate    // ordered per iteration

	rng *rand.Rand
}

// New constructs an Orchestrator for one job, filling in defaults for any
// nil optional dependency.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Gates == nil {
		cfg.Gates = ratelimit.NewRegistry()
	}
	if cfg.GPU == nil {
		cfg.GPU = gpucoord.New(nil, cfg.Logger)
	}
	if cfg.TextConn == nil {
		cfg.TextConn = svcconn.New(svcconn.Options{})
	}
	if cfg.ImageConn == nil {
		cfg.ImageConn = svcconn.New(svcconn.Options{})
	}
	if cfg.VisionConn == nil {
		cfg.VisionConn = svcconn.New(svcconn.Options{})
	}
	if cfg.VLMConn == nil {
		cfg.VLMConn = svcconn.New(svcconn.Options{})
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = tokens.New(cfg.Job.ID, nil)
	}
	if cfg.Persist == nil {
		cfg.Persist = metadata.NewFilePersist("./output")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = metadata.DefaultPathBuilder{}.NewSessionID(time.Now())
	}

	return &Orchestrator{
		cfg:        cfg,
		candidates: map[string]*Candidate{},
		byIter:     map[int][]*Candidate{},
		rng:        initRNG(cfg.Job.ID),
	}
}

// initRNG derives a deterministic per-job RNG seed from a SHA-256 hash of
// the job id, the same idiom as the teacher's engine.go initRNG. No stage
// draws from it: scoring and ranking are deterministic, and an even
// ensemble vote goes to candidate A.
func initRNG(jobID string) *rand.Rand {
	sum := sha256.Sum256([]byte(jobID))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic tie-break jitter, not security-sensitive
}

// Run executes the full state machine for the orchestrator's job. It
// returns nil on successful completion, ErrCancelled if the job's
// cancellation token tripped, or the terminal error otherwise. In every
// case exactly one terminal event (complete, cancelled, or error) is
// published before Run returns, per spec §7's propagation policy.
func (o *Orchestrator) Run() error {
	ctx := o.cfg.Job.Context()
	params := o.prepare()

	var survivors []*Candidate
	k := 0
	var allNotices []string

	for {
		if o.cancelled(ctx) {
			return o.handleCancelled(k)
		}

		candidates, err := o.expand(ctx, k, survivors, params)
		if err != nil {
			return o.handleFatal(k, err)
		}

		if o.cancelled(ctx) {
			return o.handleCancelled(k)
		}

		o.evaluate(ctx, k, candidates, params)

		if o.cancelled(ctx) {
			return o.handleCancelled(k)
		}

		allNotices = append(allNotices, o.rank(ctx, k, candidates, params)...)

		survivors = o.selectSurvivors(k, candidates, params)
		if len(survivors) < params.M {
			return o.handleFailed(k, ErrInsufficientCandidates, allNotices)
		}

		if k+1 >= params.MaxIterations {
			return o.finalize(k, allNotices)
		}
		k++
	}
}

type clampedParams struct {
	Prompt          string
	N               int
	M               int
	MaxIterations   int
	Alpha           float64
	Descriptiveness int
	EnsembleSize    int
	RankingMode     jobs.RankingMode
}

// prepare loads providers (already injected), clamps parameters to their
// valid ranges, and initializes the token tracker's job scope (already
// constructed in New). This is the PREPARE state; its output feeds
// directly into EXPAND(0).
func (o *Orchestrator) prepare() clampedParams {
	p := o.cfg.Job.Params
	cp := clampedParams{
		Prompt:          p.Prompt,
		N:               p.N,
		M:               p.M,
		MaxIterations:   p.MaxIterations,
		Alpha:           clamp(p.Alpha, 0, 1),
		Descriptiveness: clampInt(p.Descriptiveness, 1, 3),
		EnsembleSize:    p.EnsembleSize,
		RankingMode:     p.RankingMode,
	}
	if cp.N < 2 {
		cp.N = 2
	}
	if cp.M < 1 {
		cp.M = 1
	}
	if cp.MaxIterations < 1 {
		cp.MaxIterations = 1
	}
	if cp.EnsembleSize < 1 {
		cp.EnsembleSize = 1
	}
	if cp.RankingMode == "" {
		cp.RankingMode = jobs.RankingModeScore
	}
	o.cfg.Job.SetStatus(jobs.StatusRunning)
	return cp
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (o *Orchestrator) publish(e events.Event) {
	e.JobID = o.cfg.Job.ID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.RunningCostUSD = o.cfg.Tokens.Totals().TotalCostUSD
	o.cfg.Bus.Publish(e)
}

func (o *Orchestrator) recordCandidate(c *Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.candidates[c.ID] = c
	o.byIter[c.Iteration] = append(o.byIter[c.Iteration], c)
}

func (o *Orchestrator) getCandidate(id string) (*Candidate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.candidates[id]
	return c, ok
}

// withHeartbeat runs fn, publishing an `operation` heartbeat event every
// 5s while fn is in flight so subscribers can detect a stalled upstream
// call well before their own 35s stall threshold (spec §5).
func (o *Orchestrator) withHeartbeat(stage string, fn func() error) error {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.publish(events.Event{Type: events.TypeOperation, Stage: stage, Status: "in-progress"})
			case <-stop:
				return
			}
		}
	}()
	err := fn()
	close(stop)
	return err
}

func (o *Orchestrator) family(capability ratelimit.Capability) ratelimit.Family {
	override, ok := o.cfg.Job.Params.ProviderFamily[string(capability)]
	if ok {
		if override == string(ratelimit.FamilyLocal) {
			return ratelimit.FamilyLocal
		}
		return ratelimit.FamilyRemote
	}
	if capability == ratelimit.CapabilityVLM {
		return ratelimit.FamilyLocal
	}
	return ratelimit.FamilyRemote
}

func (o *Orchestrator) recordUsage(bucket tokens.Bucket, u providers.Usage) {
	o.cfg.Tokens.Record(tokens.Usage{
		Provider:     u.Provider,
		Operation:    u.Operation,
		Bucket:       bucket,
		Model:        u.Model,
		Dimension:    u.Dimension,
		OutputTokens: u.Tokens,
	})
}

// withGPU routes a GPU-resident capability's call through the
// GPUCoordinator; text refinement is treated as always-remote in this
// module (GPU exclusion only matters for image/vision/vlm, the
// capabilities that can be co-resident on the one shared GPU). The swap
// counter only increments on an actual unload-then-load transition, not
// on every call (spec §8's end-to-end scenario 6 expects exactly one
// transition per image→vlm handoff).
func (o *Orchestrator) withGPU(ctx context.Context, capability gpucoord.Capability, body func(ctx context.Context) error) error {
	states := o.cfg.GPU.GetStates()
	wasLoaded := states[capability]
	var othersLoaded bool
	for cap, loaded := range states {
		if cap != capability && loaded {
			othersLoaded = true
		}
	}

	err := o.cfg.GPU.WithOperation(ctx, capability, body)
	if !wasLoaded && othersLoaded {
		o.cfg.Metrics.IncGPUSwap()
	}
	return err
}

var errUnsupportedGeneration = errors.New("orchestrator: provider returned neither url nor local path")

func validateGenerateResult(r providers.GenerateResult) error {
	if r.URL == "" && r.LocalPath == "" {
		return errUnsupportedGeneration
	}
	if r.URL != "" && r.LocalPath != "" {
		return fmt.Errorf("orchestrator: generate result set both url and localPath")
	}
	return nil
}
