package orchestrator

import (
	"context"

	"github.com/dshills/beamforge/internal/events"
	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/metadata"
)

// handleCancelled implements the CANCELLED terminal state: GPU is
// released, metadata is persisted only if at least one iteration
// completed (spec §7's Cancelled taxonomy entry), and exactly one
// `cancelled` event is published.
func (o *Orchestrator) handleCancelled(lastIteration int) error {
	o.cfg.GPU.CleanupAll(context.Background())
	o.cfg.Job.SetStatus(jobs.StatusCancelled)

	if o.hasCompletedIteration() {
		record, winnerID := o.buildRecord(string(jobs.StatusCancelled), nil)
		if winnerID != "" {
			if lineage, err := metadata.BuildLineage(winnerID, o.candidateLookup()); err == nil {
				record.Lineage = lineage
			}
		}
		//nolint:errcheck // best-effort per spec §7
		o.cfg.Persist.SaveMetadata(context.Background(), o.cfg.Job.ID, o.cfg.SessionID, record)
	}

	o.publish(events.Event{Type: events.TypeCancelled, Message: "job cancelled"})
	return ErrCancelled
}

// handleFatal implements the Fatal taxonomy entry: job marked failed,
// best-effort metadata written, exactly one `error` event published.
func (o *Orchestrator) handleFatal(lastIteration int, cause error) error {
	o.cfg.GPU.CleanupAll(context.Background())
	o.cfg.Job.SetStatus(jobs.StatusFailed)

	record, winnerID := o.buildRecord(string(jobs.StatusFailed), []string{cause.Error()})
	if winnerID != "" {
		if lineage, err := metadata.BuildLineage(winnerID, o.candidateLookup()); err == nil {
			record.Lineage = lineage
		}
	}
	o.cfg.Persist.SaveMetadata(context.Background(), o.cfg.Job.ID, o.cfg.SessionID, record) //nolint:errcheck // best-effort per spec §7

	o.publish(events.Event{Type: events.TypeError, Message: cause.Error()})
	return cause
}

// handleFailed implements InsufficientCandidates: fewer than M survivors
// after EVALUATE/RANK. The job is marked failed and a partial metadata
// record is written (spec §7).
func (o *Orchestrator) handleFailed(lastIteration int, cause error, notices []string) error {
	o.cfg.GPU.CleanupAll(context.Background())
	o.cfg.Job.SetStatus(jobs.StatusFailed)

	record, winnerID := o.buildRecord(string(jobs.StatusFailed), append(notices, cause.Error()))
	if winnerID != "" {
		if lineage, err := metadata.BuildLineage(winnerID, o.candidateLookup()); err == nil {
			record.Lineage = lineage
		}
	}
	o.cfg.Persist.SaveMetadata(context.Background(), o.cfg.Job.ID, o.cfg.SessionID, record) //nolint:errcheck // best-effort per spec §7

	o.publish(events.Event{Type: events.TypeError, Message: cause.Error()})
	return cause
}

func (o *Orchestrator) hasCompletedIteration() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cs := range o.byIter {
		for _, c := range cs {
			if c.Survived {
				return true
			}
		}
	}
	return false
}
