package orchestrator

import "fmt"

// Candidate is one generated image and its evaluation within an iteration.
// Identifier form is `i<iter>c<idx>` per spec §3. ParentID is empty only
// for iteration 0.
type Candidate struct {
	ID         string
	Iteration  int
	Ordinal    int
	ParentID   string
	WhatPrompt string
	HowPrompt  string
	Combined   string

	ImageURL       string
	ImageLocalPath string

	Evaluated  bool
	Alignment  float64 // 0-100
	Aesthetic  float64 // 0-10
	Caption    string
	TotalScore float64

	Ranking *Ranking

	Survived    bool
	Failed      bool
	FailureNote string
}

// CandidateID formats the `i<iter>c<idx>` identifier.
func CandidateID(iteration, ordinal int) string {
	return fmt.Sprintf("i%dc%d", iteration, ordinal)
}

// Image returns whichever of URL/local path is set — exactly one is
// non-empty for a successfully generated candidate.
func (c *Candidate) Image() string {
	if c.ImageURL != "" {
		return c.ImageURL
	}
	return c.ImageLocalPath
}

// Ranking is the per-candidate ranking result (spec §3).
type Ranking struct {
	IterationRank int
	GlobalRank    int
	Tie           bool
	Reason        string
	Strengths     []string
	Weaknesses    []string
	Wins          int
	TotalPairs    int
}

// Score computes `total = α·alignment + (1-α)·aesthetic·10` per spec §3.
func Score(alpha, alignment, aesthetic float64) float64 {
	return alpha*alignment + (1-alpha)*aesthetic*10
}

// strengthsOrEmpty lets critique-building read a parent's ranking before
// RANK has necessarily populated one (e.g. a score-mode parent with no
// VLM-derived strengths).
func (r *Ranking) strengthsOrEmpty() []string {
	if r == nil {
		return nil
	}
	return r.Strengths
}

func (r *Ranking) weaknessesOrEmpty() []string {
	if r == nil {
		return nil
	}
	return r.Weaknesses
}
