package critique

import "testing"

func TestBuildIsDeterministic(t *testing.T) {
	parent := ParentEvaluation{Alignment: 90, Aesthetic: 8, Strengths: []string{"good composition"}}
	a := Build(parent)
	b := Build(parent)
	if a != b {
		t.Fatalf("Build is not deterministic: %+v vs %+v", a, b)
	}
}

func TestBuildRecommendsPreserveWhenBothStrong(t *testing.T) {
	got := Build(ParentEvaluation{Alignment: 90, Aesthetic: 9})
	if got.Recommendation != string(RecommendPreserve) {
		t.Fatalf("Recommendation = %q, want preserve", got.Recommendation)
	}
}

func TestBuildRecommendsReworkWhenBothWeak(t *testing.T) {
	got := Build(ParentEvaluation{Alignment: 20, Aesthetic: 2})
	if got.Recommendation != string(RecommendRework) {
		t.Fatalf("Recommendation = %q, want rework", got.Recommendation)
	}
}

func TestBuildRecommendsAdjustContentWhenAlignmentWeak(t *testing.T) {
	got := Build(ParentEvaluation{Alignment: 30, Aesthetic: 8})
	if got.Recommendation != string(RecommendAdjustContent) {
		t.Fatalf("Recommendation = %q, want adjust-content", got.Recommendation)
	}
}

func TestBuildRecommendsAdjustStyleWhenAestheticWeak(t *testing.T) {
	got := Build(ParentEvaluation{Alignment: 90, Aesthetic: 2})
	if got.Recommendation != string(RecommendAdjustStyle) {
		t.Fatalf("Recommendation = %q, want adjust-style", got.Recommendation)
	}
}
