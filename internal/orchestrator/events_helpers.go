package orchestrator

import "github.com/dshills/beamforge/internal/events"

// candidateEvent projects a Candidate's current state into the wire
// `candidate` event (spec §6's event envelope). Called after a candidate
// is generated and again after it is evaluated, so subscribers see
// incremental field population rather than waiting for one final event.
func candidateEvent(c *Candidate) events.Event {
	return events.Event{
		Type:        events.TypeCandidate,
		CandidateID: c.ID,
		Iteration:   c.Iteration,
		ParentID:    c.ParentID,
		WhatPrompt:  c.WhatPrompt,
		HowPrompt:   c.HowPrompt,
		Combined:    c.Combined,
		Image:       c.Image(),
		Alignment:   c.Alignment,
		Aesthetic:   c.Aesthetic,
		TotalScore:  c.TotalScore,
		Survived:    c.Survived,
	}
}

// rankedEvent projects one candidate's ranking into the wire `ranked`
// event. Emitted in rank order starting at 1 per iteration (spec §5's
// ordering guarantee: the rank-1 event is the "new ranking round"
// sentinel).
func rankedEvent(c *Candidate) events.Event {
	e := events.Event{
		Type:        events.TypeRanked,
		CandidateID: c.ID,
		Iteration:   c.Iteration,
	}
	if c.Ranking != nil {
		e.IterationRank = c.Ranking.IterationRank
		e.Reason = c.Ranking.Reason
		e.Strengths = c.Ranking.Strengths
		e.Weaknesses = c.Ranking.Weaknesses
	}
	return e
}

// globalRankingEvent projects one candidate's final global rank (FINALIZE).
func globalRankingEvent(c *Candidate) events.Event {
	e := events.Event{
		Type:        events.TypeGlobalRanking,
		CandidateID: c.ID,
		Iteration:   c.Iteration,
	}
	if c.Ranking != nil {
		e.GlobalRank = c.Ranking.GlobalRank
	}
	return e
}
