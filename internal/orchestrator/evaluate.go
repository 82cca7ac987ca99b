package orchestrator

import (
	"context"
	"sync"

	"github.com/dshills/beamforge/internal/gpucoord"
	"github.com/dshills/beamforge/internal/providers"
	"github.com/dshills/beamforge/internal/ratelimit"
	"github.com/dshills/beamforge/internal/svcconn"
	"github.com/dshills/beamforge/internal/tokens"
)

// evaluate runs EVALUATE(k): every surviving (non-Failed) candidate is
// scored by VisionProvider.Analyze in parallel, bounded by the vision
// RateGate. A candidate whose analyze call fails after retries is marked
// Failed rather than aborting the iteration (spec §7's per-candidate
// UpstreamUnavailable scoping).
func (o *Orchestrator) evaluate(ctx context.Context, k int, candidates []*Candidate, params clampedParams) {
	var wg sync.WaitGroup
	for _, c := range candidates {
		if c.Failed {
			continue
		}
		wg.Add(1)
		go func(c *Candidate) {
			defer wg.Done()
			o.evaluateOne(ctx, c, params)
		}(c)
	}
	wg.Wait()
}

func (o *Orchestrator) evaluateOne(ctx context.Context, c *Candidate, params clampedParams) {
	if o.cancelled(ctx) {
		return
	}

	gate := o.cfg.Gates.Gate(ratelimit.CapabilityVision, o.family(ratelimit.CapabilityVision))
	var result providers.AnalyzeResult
	err := gate.Execute(ctx, func(ctx context.Context) error {
		return o.withGPU(ctx, gpucoord.CapabilityVision, func(ctx context.Context) error {
			return o.withHeartbeat("evaluate", func() error {
				res, err := svcconn.WithRetry(ctx, o.cfg.VisionConn, func(ctx context.Context) (providers.AnalyzeResult, error) {
					return o.cfg.Providers.Vision.Analyze(ctx, c.Image(), o.cfg.Job.Params.Prompt, providers.AnalyzeOptions{})
				})
				result = res
				return err
			})
		})
	})
	if err != nil {
		c.Failed = true
		c.FailureNote = "evaluate failed: " + err.Error()
		return
	}

	o.recordUsage(tokens.BucketVision, result.Usage)

	c.Evaluated = true
	c.Alignment = result.AlignmentScore
	c.Aesthetic = result.AestheticScore
	c.Caption = result.Caption
	c.TotalScore = Score(params.Alpha, c.Alignment, c.Aesthetic)

	o.publish(candidateEvent(c))
}
