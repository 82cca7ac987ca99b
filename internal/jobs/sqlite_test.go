package jobs

import (
	"context"
	"testing"
	"time"
)

func TestSQLitePendingIndexRoundTrip(t *testing.T) {
	idx, err := NewSQLitePendingIndex(":memory:")
	if err != nil {
		t.Fatalf("NewSQLitePendingIndex: %v", err)
	}
	defer idx.Close()

	entry := PendingEntry{JobID: "job-1", StartTime: time.Now().UTC().Truncate(time.Second), Params: Params{Prompt: "mountains", N: 4, M: 2}}
	if err := idx.Put(context.Background(), entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := idx.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("Get: got=%+v ok=%v err=%v", got, ok, err)
	}
	if got.Params.Prompt != "mountains" {
		t.Fatalf("Params.Prompt = %q, want mountains", got.Params.Prompt)
	}

	if err := idx.Remove(context.Background(), "job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := idx.Get(context.Background(), "job-1"); ok {
		t.Fatal("expected entry removed")
	}
}
