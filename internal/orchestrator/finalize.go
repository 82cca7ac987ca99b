package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/dshills/beamforge/internal/events"
	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/metadata"
)

// finalize runs FINALIZE: compute the global ranking across every
// iteration, build lineage from the globally #1 candidate back to
// iteration 0, assemble and persist the metadata record, publish
// `complete`, and mark the job Complete.
func (o *Orchestrator) finalize(lastIteration int, notices []string) error {
	o.assignGlobalRanking()

	record, winnerID := o.buildRecord(string(jobs.StatusComplete), notices)

	if winnerID != "" {
		lineage, err := metadata.BuildLineage(winnerID, o.candidateLookup())
		if err != nil {
			record.Errors = append(record.Errors, "lineage: "+err.Error())
		} else {
			record.Lineage = lineage
		}
	}

	ctx := context.Background()
	path, err := o.cfg.Persist.SaveMetadata(ctx, o.cfg.Job.ID, o.cfg.SessionID, record)
	if err != nil {
		record.Errors = append(record.Errors, "persist: "+err.Error())
	}

	o.cfg.Job.SetStatus(jobs.StatusComplete)
	o.publish(events.Event{Type: events.TypeComplete, Metadata: record, Message: path})

	o.mu.Lock()
	for _, cs := range o.byIter {
		for _, c := range cs {
			if c.Ranking != nil {
				o.publish(globalRankingEvent(c))
			}
		}
	}
	o.mu.Unlock()

	return nil
}

// assignGlobalRanking orders every successfully-ranked candidate across
// all iterations: primary key totalScore desc (always computed regardless
// of ranking mode), ties broken by higher iteration first, then by
// iteration rank asc, then ordinal asc.
func (o *Orchestrator) assignGlobalRanking() {
	o.mu.Lock()
	var all []*Candidate
	for _, c := range o.candidates {
		if !c.Failed && c.Ranking != nil {
			all = append(all, c)
		}
	}
	o.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.Iteration != b.Iteration {
			return a.Iteration > b.Iteration
		}
		if a.Ranking.IterationRank != b.Ranking.IterationRank {
			return a.Ranking.IterationRank < b.Ranking.IterationRank
		}
		return a.Ordinal < b.Ordinal
	})
	for i, c := range all {
		c.Ranking.GlobalRank = i + 1
	}
}

// buildRecord assembles the persisted metadata.Record from every
// candidate created so far, regardless of terminal status — used by
// finalize, and by the cancelled/fatal/failed handlers for best-effort
// partial records.
func (o *Orchestrator) buildRecord(status string, notices []string) (metadata.Record, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var iterations []metadata.IterationRecord
	var winnerID string
	iterKeys := make([]int, 0, len(o.byIter))
	for k := range o.byIter {
		iterKeys = append(iterKeys, k)
	}
	sort.Ints(iterKeys)

	for _, k := range iterKeys {
		cs := append([]*Candidate(nil), o.byIter[k]...)
		sort.Slice(cs, func(i, j int) bool { return cs[i].Ordinal < cs[j].Ordinal })

		var recs []metadata.CandidateRecord
		for _, c := range cs {
			rec := candidateToRecord(c)
			recs = append(recs, rec)
			if c.Ranking != nil && c.Ranking.GlobalRank == 1 {
				winnerID = c.ID
			}
		}
		iterations = append(iterations, metadata.IterationRecord{Iteration: k, Candidates: recs})
	}

	totals := o.cfg.Tokens.Totals()
	byBucket := make(map[string]float64, len(totals.ByBucket))
	for b, v := range totals.ByBucket {
		byBucket[string(b)] = v
	}

	var winner metadata.Winner
	if winnerID != "" {
		if c, ok := o.candidates[winnerID]; ok {
			winner = metadata.Winner{Iteration: c.Iteration, CandidateID: c.ID}
		}
	}

	record := metadata.Record{
		UserPrompt:  o.cfg.Job.Params.Prompt,
		Config:      o.cfg.Job.Params,
		Iterations:  iterations,
		FinalWinner: winner,
		Costs:       metadata.Costs{TotalUSD: totals.TotalCostUSD, ByBucket: byBucket},
		Status:      status,
		Errors:      notices,
		GeneratedAt: time.Now(),
	}
	return record, winnerID
}

func candidateToRecord(c *Candidate) metadata.CandidateRecord {
	rec := metadata.CandidateRecord{
		ID:         c.ID,
		ParentID:   c.ParentID,
		WhatPrompt: c.WhatPrompt,
		HowPrompt:  c.HowPrompt,
		Combined:   c.Combined,
		Image:      c.Image(),
		Evaluation: metadata.EvaluationRecord{Alignment: c.Alignment, Aesthetic: c.Aesthetic, Caption: c.Caption},
		TotalScore: c.TotalScore,
		Survived:   c.Survived,
	}
	switch {
	case c.Failed:
		// spec §7: a failed candidate carries its error note in weaknesses.
		rec.Ranking = &metadata.RankingRecord{Weaknesses: []string{c.FailureNote}}
	case c.Ranking != nil:
		rec.Ranking = &metadata.RankingRecord{
			IterationRank: c.Ranking.IterationRank,
			GlobalRank:    c.Ranking.GlobalRank,
			Tie:           c.Ranking.Tie,
			Reason:        c.Ranking.Reason,
			Strengths:     c.Ranking.Strengths,
			Weaknesses:    c.Ranking.Weaknesses,
			Wins:          c.Ranking.Wins,
			TotalPairs:    c.Ranking.TotalPairs,
		}
	}
	return rec
}

// candidateLookup adapts the orchestrator's candidate map to
// metadata.CandidateLookup for BuildLineage.
func (o *Orchestrator) candidateLookup() metadata.CandidateLookup {
	return func(id string) (metadata.CandidateRecord, int, bool) {
		o.mu.Lock()
		c, ok := o.candidates[id]
		o.mu.Unlock()
		if !ok {
			return metadata.CandidateRecord{}, 0, false
		}
		return candidateToRecord(c), c.Iteration, true
	}
}
