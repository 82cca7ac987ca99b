package metadata

import (
	"testing"
	"time"
)

func TestBuildLineageWalksToRoot(t *testing.T) {
	records := map[string]struct {
		rec       CandidateRecord
		iteration int
	}{
		"i0c0": {CandidateRecord{ID: "i0c0"}, 0},
		"i1c0": {CandidateRecord{ID: "i1c0", ParentID: "i0c0"}, 1},
		"i2c0": {CandidateRecord{ID: "i2c0", ParentID: "i1c0"}, 2},
	}
	lookup := func(id string) (CandidateRecord, int, bool) {
		e, ok := records[id]
		return e.rec, e.iteration, ok
	}

	lineage, err := BuildLineage("i2c0", lookup)
	if err != nil {
		t.Fatalf("BuildLineage: %v", err)
	}
	if len(lineage) != 3 {
		t.Fatalf("len(lineage) = %d, want 3", len(lineage))
	}
	if lineage[0].Iteration != 0 || lineage[0].CandidateID != "i0c0" {
		t.Fatalf("lineage[0] = %+v, want iteration 0 / i0c0", lineage[0])
	}
	if lineage[len(lineage)-1].CandidateID != "i2c0" {
		t.Fatalf("lineage[last] = %+v, want i2c0", lineage[len(lineage)-1])
	}
}

func TestBuildLineageUnknownCandidate(t *testing.T) {
	_, err := BuildLineage("missing", func(id string) (CandidateRecord, int, bool) {
		return CandidateRecord{}, 0, false
	})
	if err == nil {
		t.Fatal("expected error for unknown candidate")
	}
}

func TestDefaultPathBuilder(t *testing.T) {
	pb := DefaultPathBuilder{}
	at := mustParse(t, "2026-07-31T14:05:06Z")
	sessionID := pb.NewSessionID(at)
	if sessionID != "ses-140506" {
		t.Fatalf("sessionID = %q, want ses-140506", sessionID)
	}
	path := pb.MetadataPath("/out", sessionID, at)
	if path != "/out/2026-07-31/ses-140506/metadata.json" {
		t.Fatalf("path = %q", path)
	}
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return parsed
}
