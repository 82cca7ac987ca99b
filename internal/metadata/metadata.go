// Package metadata assembles the persisted per-job metadata record,
// reconstructs lineage by walking parent pointers from the global #1
// candidate, and defines the injected Persist and PathBuilder contracts
// spec §4.7/§6 delegate disk layout to.
//
// This package has no dependency on internal/orchestrator: the
// orchestrator builds a Record from its own Candidate slice at FINALIZE and
// hands it to Persist, keeping the dependency edge one-directional.
package metadata

import (
	"context"
	"fmt"
	"time"
)

// CandidateRecord is the persisted shape of one candidate within an
// iteration.
type CandidateRecord struct {
	ID         string         `json:"id"`
	ParentID   string         `json:"parentId,omitempty"`
	WhatPrompt string         `json:"whatPrompt"`
	HowPrompt  string         `json:"howPrompt"`
	Combined   string         `json:"combined"`
	Image      string         `json:"image"`
	Evaluation EvaluationRecord `json:"evaluation"`
	TotalScore float64        `json:"totalScore"`
	Survived   bool           `json:"survived"`
	Ranking    *RankingRecord `json:"ranking,omitempty"`
}

// EvaluationRecord is the persisted VisionProvider.Analyze output.
type EvaluationRecord struct {
	Alignment float64 `json:"alignment"`
	Aesthetic float64 `json:"aesthetic"`
	Caption   string  `json:"caption,omitempty"`
}

// RankingRecord is the persisted ranking result for one candidate.
type RankingRecord struct {
	IterationRank int      `json:"iterationRank"`
	GlobalRank    int      `json:"globalRank,omitempty"`
	Tie           bool     `json:"tie,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Strengths     []string `json:"strengths,omitempty"`
	Weaknesses    []string `json:"weaknesses,omitempty"`
	Wins          int      `json:"wins,omitempty"`
	TotalPairs    int      `json:"totalPairs,omitempty"`
}

// IterationRecord groups every candidate produced in one iteration.
type IterationRecord struct {
	Iteration  int               `json:"iteration"`
	Candidates []CandidateRecord `json:"candidates"`
}

// Winner identifies the globally top-ranked candidate.
type Winner struct {
	Iteration   int    `json:"iteration"`
	CandidateID string `json:"candidateId"`
}

// LineageEntry is one hop of the winner's ancestry, root to winner.
type LineageEntry struct {
	Iteration   int    `json:"iteration"`
	CandidateID string `json:"candidateId"`
}

// Costs is the persisted cost summary, sourced from internal/tokens.Totals.
type Costs struct {
	TotalUSD float64            `json:"totalUsd"`
	ByBucket map[string]float64 `json:"byBucket"`
}

// Record is the full metadata record FINALIZE writes, matching spec §4.7's
// layout: `{userPrompt, config, iterations, finalWinner, lineage, costs}`.
type Record struct {
	UserPrompt  string            `json:"userPrompt"`
	Config      any               `json:"config"`
	Iterations  []IterationRecord `json:"iterations"`
	FinalWinner Winner            `json:"finalWinner"`
	Lineage     []LineageEntry    `json:"lineage"`
	Costs       Costs             `json:"costs"`
	Status      string            `json:"status"`
	Errors      []string          `json:"errors,omitempty"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// CandidateLookup resolves a candidate id to its record and iteration,
// given to BuildLineage so it can walk parent pointers without depending
// on the orchestrator's own Candidate type.
type CandidateLookup func(id string) (rec CandidateRecord, iteration int, ok bool)

// BuildLineage walks parent pointers from winnerID back to an iteration-0
// candidate (parentId == ""), returning the chain in root-to-winner order.
func BuildLineage(winnerID string, lookup CandidateLookup) ([]LineageEntry, error) {
	var reversed []LineageEntry
	id := winnerID
	for {
		rec, iteration, ok := lookup(id)
		if !ok {
			return nil, fmt.Errorf("metadata: candidate %q not found while building lineage", id)
		}
		reversed = append(reversed, LineageEntry{Iteration: iteration, CandidateID: id})
		if rec.ParentID == "" {
			break
		}
		id = rec.ParentID
	}
	lineage := make([]LineageEntry, len(reversed))
	for i, e := range reversed {
		lineage[len(reversed)-1-i] = e
	}
	return lineage, nil
}

// Persist is the injected contract that writes a finalized metadata record
// to disk. The core never picks the on-disk layout itself beyond the
// default PathBuilder below — disk layout is explicitly out of scope per
// spec §1.
type Persist interface {
	SaveMetadata(ctx context.Context, jobID string, sessionID string, record Record) (path string, err error)
}

// PathBuilder constructs the file path a job's metadata.json is written
// to: `<outputDir>/<YYYY-MM-DD>/<sessionId>/metadata.json`, session id
// format `ses-<HHMMSS>` (spec §6). Callers may inject an alternative
// PathBuilder; this is the spec-mandated default.
type PathBuilder interface {
	MetadataPath(outputDir string, sessionID string, at time.Time) string
	NewSessionID(at time.Time) string
}

// DefaultPathBuilder implements the naming convention spec §6 describes.
type DefaultPathBuilder struct{}

func (DefaultPathBuilder) MetadataPath(outputDir string, sessionID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/metadata.json", outputDir, at.Format("2006-01-02"), sessionID)
}

func (DefaultPathBuilder) NewSessionID(at time.Time) string {
	return "ses-" + at.Format("150405")
}
