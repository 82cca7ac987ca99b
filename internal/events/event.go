// Package events implements the in-process pub/sub bus keyed by job id
// (spec §4.6) and the WebSocket fan-out that forwards bus events to live
// transports (spec §4.10).
//
// Events are one tagged struct: Type names the variant, and only the payload
// fields belonging to that variant are set. There are no per-variant payload
// types, and the compiler does not check that a switch over Type covers
// every variant.
package events

import "time"

// Type is the tag of the Event sum type.
type Type string

const (
	TypeSubscribed    Type = "subscribed"
	TypeCandidate     Type = "candidate"
	TypeIteration     Type = "iteration"
	TypeOperation     Type = "operation"
	TypeStep          Type = "step"
	TypeRanked        Type = "ranked"
	TypeGlobalRanking Type = "globalRanking"
	TypeComplete      Type = "complete"
	TypeCancelled     Type = "cancelled"
	TypeError         Type = "error"
)

// Event is a single timestamped record keyed by job id. Only the field(s)
// matching Type are meaningful for a given event; the payload fields are
// kept on one struct (rather than an interface-typed Payload) so JSON
// marshaling for the wire envelope (spec §6) is direct and the zero value
// is always valid to marshal.
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`

	// RunningCostUSD is the job's running cost at publish time; the
	// orchestrator sets it on every event it publishes.
	RunningCostUSD float64 `json:"runningCostUsd,omitempty"`

	// Candidate payload (TypeCandidate).
	CandidateID  string   `json:"candidateId,omitempty"`
	Iteration    int      `json:"iteration,omitempty"`
	ParentID     string   `json:"parentId,omitempty"`
	WhatPrompt   string   `json:"whatPrompt,omitempty"`
	HowPrompt    string   `json:"howPrompt,omitempty"`
	Combined     string   `json:"combined,omitempty"`
	Image        string   `json:"image,omitempty"`
	Alignment    float64  `json:"alignment,omitempty"`
	Aesthetic    float64  `json:"aesthetic,omitempty"`
	TotalScore   float64  `json:"totalScore,omitempty"`
	Survived     bool     `json:"survived,omitempty"`

	// Ranked payload (TypeRanked).
	IterationRank int      `json:"iterationRank,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Strengths     []string `json:"strengths,omitempty"`
	Weaknesses    []string `json:"weaknesses,omitempty"`

	// GlobalRanking payload (TypeGlobalRanking).
	GlobalRank int `json:"globalRank,omitempty"`

	// Operation / Step payload.
	Stage  string `json:"stage,omitempty"`
	Status string `json:"status,omitempty"`

	// Complete payload.
	Metadata any `json:"metadata,omitempty"`

	// Error / cancelled / lag payload.
	Message string `json:"message,omitempty"`
	Lag     bool   `json:"lag,omitempty"`
}
