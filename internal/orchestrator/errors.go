package orchestrator

import "errors"

// ErrInsufficientCandidates is returned when fewer than M candidates
// survive EVALUATE in some iteration (spec §7).
var ErrInsufficientCandidates = errors.New("orchestrator: fewer than M candidates survived evaluation")

// ErrCancelled is the terminal error Run returns when the job's
// cancellation token trips before FINALIZE.
var ErrCancelled = errors.New("orchestrator: job cancelled")
