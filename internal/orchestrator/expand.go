package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/beamforge/internal/critique"
	"github.com/dshills/beamforge/internal/events"
	"github.com/dshills/beamforge/internal/gpucoord"
	"github.com/dshills/beamforge/internal/providers"
	"github.com/dshills/beamforge/internal/ratelimit"
	"github.com/dshills/beamforge/internal/svcconn"
	"github.com/dshills/beamforge/internal/tokens"
)

// expand runs EXPAND(k): at k=0 it creates N seed candidates from the user
// prompt; at k>0 each of the M survivors is expanded into N/M children.
// Candidate creation is fully parallel, bounded by the per-capability
// RateGate (spec §4.7).
func (o *Orchestrator) expand(ctx context.Context, k int, survivors []*Candidate, params clampedParams) ([]*Candidate, error) {
	type job struct {
		ordinal  int
		parent   *Candidate
	}

	var jobs []job
	if k == 0 {
		for i := 0; i < params.N; i++ {
			jobs = append(jobs, job{ordinal: i})
		}
	} else {
		childrenPer := params.N / params.M
		ordinal := 0
		for _, s := range survivors {
			for c := 0; c < childrenPer; c++ {
				jobs = append(jobs, job{ordinal: ordinal, parent: s})
				ordinal++
			}
		}
	}

	results := make([]*Candidate, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			o.cfg.Metrics.IncInflight()
			defer o.cfg.Metrics.DecInflight()
			c := o.expandOne(ctx, k, j.ordinal, j.parent, params)
			results[i] = c
		}(i, j)
	}
	wg.Wait()

	var succeeded []*Candidate
	for _, c := range results {
		if c == nil {
			continue
		}
		o.recordCandidate(c)
		if !c.Failed {
			succeeded = append(succeeded, c)
		} else {
			succeeded = append(succeeded, c) // failed candidates stay in the iteration record but are excluded from ranking separately
		}
	}
	if len(succeededOnly(succeeded)) < params.M {
		// Let Run's SELECT stage discover this via selectSurvivors; expand
		// itself never returns an error.
	}
	return succeeded, nil
}

func succeededOnly(cands []*Candidate) []*Candidate {
	var out []*Candidate
	for _, c := range cands {
		if !c.Failed {
			out = append(out, c)
		}
	}
	return out
}

// expandOne builds a single candidate: paired what/how refinement, combine,
// generate, with the one-shot safety-retry rephrase on a content-policy
// rejection. A failure anywhere marks the candidate Failed rather than
// aborting the whole expansion (spec §7's per-candidate failure policy).
func (o *Orchestrator) expandOne(ctx context.Context, k, ordinal int, parent *Candidate, params clampedParams) *Candidate {
	id := CandidateID(k, ordinal)
	c := &Candidate{ID: id, Iteration: k, Ordinal: ordinal}
	if parent != nil {
		c.ParentID = parent.ID
	}

	if o.cancelled(ctx) {
		c.Failed = true
		c.FailureNote = "cancelled before refinement"
		return c
	}

	var crit *providers.Critique
	if parent != nil {
		cr := critique.Build(critique.ParentEvaluation{
			Alignment:  parent.Alignment,
			Aesthetic:  parent.Aesthetic,
			Strengths:  parent.Ranking.strengthsOrEmpty(),
			Weaknesses: parent.Ranking.weaknessesOrEmpty(),
		})
		crit = &providers.Critique{Critique: cr.Critique, Recommendation: cr.Recommendation, Reason: cr.Reason}
	}

	seedPrompt := params.Prompt
	if parent != nil {
		seedPrompt = parent.Combined
	}

	what, how, err := o.refinePair(ctx, seedPrompt, crit, params)
	if err != nil {
		c.Failed = true
		c.FailureNote = fmt.Sprintf("refine failed: %v", err)
		return c
	}
	c.WhatPrompt, c.HowPrompt = what, how

	combined, err := o.combine(ctx, what, how, params)
	if err != nil {
		c.Failed = true
		c.FailureNote = fmt.Sprintf("combine failed: %v", err)
		return c
	}
	c.Combined = combined

	result, err := o.generateWithSafetyRetry(ctx, c, combined, k)
	if err != nil {
		c.Failed = true
		c.FailureNote = fmt.Sprintf("generate failed: %v", err)
		return c
	}
	c.ImageURL = result.URL
	c.ImageLocalPath = result.LocalPath
	o.publish(candidateEvent(c))
	return c
}

// refinePair calls TextProvider.Refine in parallel for the what and how
// dimensions, paired as spec §4.7 step 1 describes.
func (o *Orchestrator) refinePair(ctx context.Context, prompt string, crit *providers.Critique, params clampedParams) (what, how string, err error) {
	var wg sync.WaitGroup
	var whatErr, howErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		what, whatErr = o.refineOne(ctx, prompt, providers.DimensionWhat, crit, params)
	}()
	go func() {
		defer wg.Done()
		how, howErr = o.refineOne(ctx, prompt, providers.DimensionHow, crit, params)
	}()
	wg.Wait()
	if whatErr != nil {
		return "", "", whatErr
	}
	if howErr != nil {
		return "", "", howErr
	}
	return what, how, nil
}

func (o *Orchestrator) refineOne(ctx context.Context, prompt string, dim providers.Dimension, crit *providers.Critique, params clampedParams) (string, error) {
	gate := o.cfg.Gates.Gate(ratelimit.CapabilityText, o.family(ratelimit.CapabilityText))
	var result providers.RefineResult
	err := gate.Execute(ctx, func(ctx context.Context) error {
		return o.withHeartbeat("refine", func() error {
			res, err := svcconn.WithRetry(ctx, o.cfg.TextConn, func(ctx context.Context) (providers.RefineResult, error) {
				return o.cfg.Providers.Text.Refine(ctx, prompt, providers.RefineOptions{
					Dimension:  dim,
					Critique:   crit,
					UserPrompt: o.cfg.Job.Params.Prompt,
				})
			})
			result = res
			return err
		})
	})
	if err != nil {
		return "", err
	}
	o.recordUsage(tokens.BucketText, result.Usage)
	return result.RefinedPrompt, nil
}

func (o *Orchestrator) combine(ctx context.Context, what, how string, params clampedParams) (string, error) {
	gate := o.cfg.Gates.Gate(ratelimit.CapabilityText, o.family(ratelimit.CapabilityText))
	var result providers.CombineResult
	err := gate.Execute(ctx, func(ctx context.Context) error {
		return o.withHeartbeat("combine", func() error {
			res, err := svcconn.WithRetry(ctx, o.cfg.TextConn, func(ctx context.Context) (providers.CombineResult, error) {
				return o.cfg.Providers.Text.Combine(ctx, what, how, providers.CombineOptions{Descriptiveness: params.Descriptiveness})
			})
			result = res
			return err
		})
	})
	if err != nil {
		return "", err
	}
	o.recordUsage(tokens.BucketText, result.Usage)
	return result.CombinedPrompt, nil
}

// generateWithSafetyRetry calls ImageGenProvider.Generate, retrying once
// with a rephrased prompt on a content-policy rejection (spec §4.7's
// safety retry). A second rejection fails the candidate, not the job.
func (o *Orchestrator) generateWithSafetyRetry(ctx context.Context, c *Candidate, combined string, iteration int) (providers.GenerateResult, error) {
	result, err := o.generate(ctx, combined, c, iteration)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, providers.ErrContentPolicy) {
		return providers.GenerateResult{}, err
	}

	o.publish(events.Event{Type: events.TypeStep, CandidateID: c.ID, Iteration: iteration, Stage: "safety", Status: "rephrasing"})

	rephrased, rerr := o.refineOne(ctx, combined, providers.DimensionWhat, &providers.Critique{
		Recommendation: "adjust-content",
		Reason:         "content policy rejection",
	}, clampedParams{Descriptiveness: 2})
	if rerr != nil {
		o.publish(events.Event{Type: events.TypeStep, CandidateID: c.ID, Iteration: iteration, Stage: "safety", Status: "failed"})
		return providers.GenerateResult{}, fmt.Errorf("safety rephrase failed: %w", rerr)
	}

	result, err = o.generate(ctx, rephrased, c, iteration)
	if err != nil {
		o.publish(events.Event{Type: events.TypeStep, CandidateID: c.ID, Iteration: iteration, Stage: "safety", Status: "failed"})
		return providers.GenerateResult{}, err
	}
	o.publish(events.Event{Type: events.TypeStep, CandidateID: c.ID, Iteration: iteration, Stage: "safety", Status: "recovered"})
	c.Combined = rephrased
	return result, nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, c *Candidate, iteration int) (providers.GenerateResult, error) {
	gate := o.cfg.Gates.Gate(ratelimit.CapabilityImage, o.family(ratelimit.CapabilityImage))
	var result providers.GenerateResult
	err := gate.Execute(ctx, func(ctx context.Context) error {
		return o.withGPU(ctx, gpucoord.CapabilityImage, func(ctx context.Context) error {
			return o.withHeartbeat("generate", func() error {
				res, err := svcconn.WithRetry(ctx, o.cfg.ImageConn, func(ctx context.Context) (providers.GenerateResult, error) {
					r, err := o.cfg.Providers.ImageGen.Generate(ctx, prompt, providers.GenerateOptions{
						CandidateID: c.ID,
						Iteration:   iteration,
						SessionID:   o.cfg.SessionID,
					})
					if err != nil {
						return providers.GenerateResult{}, err
					}
					if verr := validateGenerateResult(r); verr != nil {
						return providers.GenerateResult{}, verr
					}
					return r, nil
				})
				result = res
				return err
			})
		})
	})
	if err != nil {
		return providers.GenerateResult{}, err
	}
	o.recordUsage(tokens.BucketImageGen, result.Usage)
	return result, nil
}
