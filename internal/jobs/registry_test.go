package jobs

import (
	"context"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(nil)
	job, err := r.Create(context.Background(), Params{Prompt: "mountains", N: 4, M: 2, MaxIterations: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %v, want pending", got.Status)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("no-such-job")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelTripsToken(t *testing.T) {
	r := NewRegistry(nil)
	job, _ := r.Create(context.Background(), Params{})
	if err := r.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !job.Cancelled() {
		t.Fatal("expected job to be cancelled")
	}
	if job.GetStatus() != StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", job.GetStatus())
	}
}

func TestCancelAlreadyTerminalIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	job, _ := r.Create(context.Background(), Params{})
	r.MarkTerminal(context.Background(), job, StatusComplete)
	if err := r.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel on terminal job: %v", err)
	}
	if job.GetStatus() != StatusComplete {
		t.Fatalf("Status = %v, want complete (unchanged)", job.GetStatus())
	}
}

func TestMarkTerminalRemovesFromPendingIndex(t *testing.T) {
	idx := NewMemoryPendingIndex()
	r := NewRegistry(idx)
	job, _ := r.Create(context.Background(), Params{})
	if _, ok, _ := idx.Get(context.Background(), job.ID); !ok {
		t.Fatal("expected job in pending index after Create")
	}
	r.MarkTerminal(context.Background(), job, StatusComplete)
	if _, ok, _ := idx.Get(context.Background(), job.ID); ok {
		t.Fatal("expected job removed from pending index after MarkTerminal")
	}
}
