package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockTextProvider is a thread-safe, deterministic TextProvider for tests
// and the demo operator binary. It appends a short marker to the input so
// call sequences are visible in assertions, and counts its calls in Calls.
type MockTextProvider struct {
	mu         sync.Mutex
	RefineErr  error
	CombineErr error
	Calls      int
}

func NewMockTextProvider() *MockTextProvider {
	return &MockTextProvider{}
}

func (m *MockTextProvider) Refine(_ context.Context, prompt string, opts RefineOptions) (RefineResult, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.RefineErr != nil {
		return RefineResult{}, m.RefineErr
	}
	suffix := string(opts.Dimension)
	if opts.Critique != nil && opts.Critique.Recommendation != "" {
		suffix += ":" + opts.Critique.Recommendation
	}
	refined := stripPreamble(prompt) + " [" + suffix + "]"
	return RefineResult{
		RefinedPrompt: refined,
		Usage:         Usage{Provider: "mock", Operation: "refine", Tokens: len(refined) / 4, Model: "mock-text", Dimension: string(opts.Dimension)},
	}, nil
}

func (m *MockTextProvider) Combine(_ context.Context, what, how string, opts CombineOptions) (CombineResult, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.CombineErr != nil {
		return CombineResult{}, m.CombineErr
	}
	if what == "" {
		what = "(none)"
	}
	if how == "" {
		how = "(none)"
	}
	combined := fmt.Sprintf("%s, %s style, detail level %d", what, how, opts.Descriptiveness)
	return CombineResult{
		CombinedPrompt: combined,
		Usage:          Usage{Provider: "mock", Operation: "combine", Tokens: len(combined) / 4, Model: "mock-text"},
	}, nil
}

// stripPreamble removes the conversational scaffolding a raw model response
// commonly wraps refined text in — quoted wrappers, a leading label line,
// and a trailing "Explanation:" block.
func stripPreamble(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "Explanation:"); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	for _, label := range []string{"Improved WHAT tags:", "Improved HOW tags:", "Refined prompt:"} {
		if strings.HasPrefix(s, label) {
			s = strings.TrimSpace(s[len(label):])
		}
	}
	s = strings.Trim(s, "\"'")
	return s
}

// MockImageGenProvider returns a deterministic local path per call and can
// be configured to fail on specific call indices, used to exercise the
// safety-retry and InsufficientCandidates paths in orchestrator tests.
type MockImageGenProvider struct {
	mu           sync.Mutex
	calls        int
	FailOnCall   map[int]error // 1-indexed call number -> error to return
	Batchable    bool
}

func NewMockImageGenProvider() *MockImageGenProvider {
	return &MockImageGenProvider{FailOnCall: map[int]error{}}
}

func (m *MockImageGenProvider) Generate(_ context.Context, prompt string, opts GenerateOptions) (GenerateResult, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	if err, ok := m.FailOnCall[n]; ok {
		return GenerateResult{}, err
	}
	path := fmt.Sprintf("/tmp/gen/%s-%d.png", opts.CandidateID, opts.Iteration)
	return GenerateResult{
		LocalPath: path,
		Metadata:  map[string]any{"prompt": prompt},
		Usage:     Usage{Provider: "mock", Operation: "generate", Tokens: 0, Model: "mock-image"},
	}, nil
}

func (m *MockImageGenProvider) GenerateBatch(ctx context.Context, prompts []string, opts []GenerateOptions) ([]GenerateResult, error) {
	results := make([]GenerateResult, len(prompts))
	for i, p := range prompts {
		r, err := m.Generate(ctx, p, opts[i])
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

// mockBatchWrapper exposes GenerateBatch only when Batchable is set, so
// tests can check both outcomes of the SupportsBatch probe from the same
// underlying mock.
type mockBatchWrapper struct {
	*MockImageGenProvider
}

// AsProvider returns an ImageGenProvider that also satisfies
// BatchImageGenProvider when the mock is configured for it, otherwise a
// plain (non-batch) wrapper that deliberately does not promote
// GenerateBatch — lets tests flip SupportsBatch behavior via the interface
// satisfaction check itself, not a field read.
func (m *MockImageGenProvider) AsProvider() ImageGenProvider {
	if m.Batchable {
		return mockBatchWrapper{m}
	}
	return &plainMockImageGen{m}
}

// plainMockImageGen forwards only Generate; it intentionally does not embed
// *MockImageGenProvider so GenerateBatch is not promoted onto it, keeping it
// outside BatchImageGenProvider for SupportsBatch probes.
type plainMockImageGen struct {
	inner *MockImageGenProvider
}

func (p *plainMockImageGen) Generate(ctx context.Context, prompt string, opts GenerateOptions) (GenerateResult, error) {
	return p.inner.Generate(ctx, prompt, opts)
}

// MockVisionProvider returns fixed or sequential scores.
type MockVisionProvider struct {
	mu      sync.Mutex
	calls   int
	Scores  []AnalyzeResult // cycled through; falls back to a default if empty
	Err     error
}

func NewMockVisionProvider() *MockVisionProvider {
	return &MockVisionProvider{}
}

func (m *MockVisionProvider) Analyze(_ context.Context, _ string, _ string, _ AnalyzeOptions) (AnalyzeResult, error) {
	if m.Err != nil {
		return AnalyzeResult{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Scores) == 0 {
		return AnalyzeResult{AlignmentScore: 70, AestheticScore: 7}, nil
	}
	r := m.Scores[m.calls%len(m.Scores)]
	m.calls++
	return r, nil
}

// MockVLMProvider compares two candidates by a deterministic score lookup
// keyed by image path; an unregistered path scores 0, and equal scores
// choose "A".
type MockVLMProvider struct {
	mu      sync.Mutex
	Scores  map[string]float64
	Err     error
	calls   int
}

func NewMockVLMProvider() *MockVLMProvider {
	return &MockVLMProvider{Scores: map[string]float64{}}
}

func (m *MockVLMProvider) Compare(_ context.Context, imageA, imageB, _ string) (CompareResult, error) {
	if m.Err != nil {
		return CompareResult{}, m.Err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	scoreA := m.Scores[imageA]
	scoreB := m.Scores[imageB]
	choice := "A"
	if scoreB > scoreA {
		choice = "B"
	}
	return CompareResult{
		Choice:     choice,
		RankA:      CompareRanks{Alignment: scoreA, Aesthetic: scoreA},
		RankB:      CompareRanks{Alignment: scoreB, Aesthetic: scoreB},
		Confidence: 0.9,
		Usage:      Usage{Provider: "mock", Operation: "compare", Model: "mock-vlm"},
	}, nil
}
