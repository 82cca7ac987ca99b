// Package tokens records per-call usage and running estimated cost for one
// job, split into the {text, vision, imageGen} buckets spec.md settles on
// (the source material mixes "llm"/"imageGen"/"vision" and
// "text"/"image"/"vision" bucket names in different places; this module
// uses the spec's names throughout).
//
// This generalizes graph/cost.go's CostTracker from a flat model-keyed
// ledger to the three-bucket shape, keeping the same injected-pricing-table
// pattern — no rate is ever hard-coded here.
package tokens

import (
	"fmt"
	"sync"
	"time"
)

// Bucket is one of the three cost categories a job tracks spend across.
type Bucket string

const (
	BucketText     Bucket = "text"
	BucketVision   Bucket = "vision"
	BucketImageGen Bucket = "imageGen"
)

// ModelPricing is a per-model rate: input/output cost per million tokens,
// plus a flat per-image constant used when a call has no token count (most
// image-gen providers bill per image, not per token).
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
	PerImage    float64
}

// PricingTable maps a model id to its rates. The core never hard-codes
// rates; callers inject this table (e.g. loaded from an operator-provided
// file, out of this package's scope per spec.md's Non-goals on config file
// loading).
type PricingTable map[string]ModelPricing

// Usage is one recorded call.
type Usage struct {
	Provider  string
	Operation string
	Bucket    Bucket
	Model     string
	Dimension string
	InputTokens  int
	OutputTokens int
	Timestamp time.Time
}

// Totals is the running ledger returned by Tracker.Totals.
type Totals struct {
	TotalCostUSD float64
	ByBucket     map[Bucket]float64
	InputTokens  int
	OutputTokens int
	CallCount    int
}

// Tracker is a per-job running cost ledger. All state is per-job; the core
// performs no cross-job aggregation.
type Tracker struct {
	mu      sync.RWMutex
	jobID   string
	pricing PricingTable
	calls   []Usage
	byBucket map[Bucket]float64
	inputTokens  int
	outputTokens int
}

// New constructs a Tracker for one job against an injected pricing table.
func New(jobID string, pricing PricingTable) *Tracker {
	if pricing == nil {
		pricing = PricingTable{}
	}
	return &Tracker{
		jobID:    jobID,
		pricing:  pricing,
		byBucket: map[Bucket]float64{},
	}
}

// Record logs one call's usage and updates the running cost for its
// bucket. Cost always comes from the pricing table: an image-gen call with
// InputTokens and OutputTokens both zero costs the model's PerImage rate,
// and every other call is priced by its token counts. A cost reported by
// the provider is not recorded or used.
func (t *Tracker) Record(u Usage) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	cost := t.costOf(u)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, u)
	t.byBucket[u.Bucket] += cost
	t.inputTokens += u.InputTokens
	t.outputTokens += u.OutputTokens
}

func (t *Tracker) costOf(u Usage) float64 {
	rate, ok := t.pricing[u.Model]
	if !ok {
		return 0
	}
	if u.Bucket == BucketImageGen && u.InputTokens == 0 && u.OutputTokens == 0 {
		return rate.PerImage
	}
	return float64(u.InputTokens)/1_000_000*rate.InputPer1M + float64(u.OutputTokens)/1_000_000*rate.OutputPer1M
}

// Totals returns the running ledger snapshot.
func (t *Tracker) Totals() Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := Totals{
		ByBucket:     make(map[Bucket]float64, len(t.byBucket)),
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		CallCount:    len(t.calls),
	}
	for b, v := range t.byBucket {
		out.ByBucket[b] = v
		out.TotalCostUSD += v
	}
	return out
}

// Summary renders a human-readable one-line cost summary.
func (t *Tracker) Summary() string {
	tot := t.Totals()
	return fmt.Sprintf("job %s: $%.4f total (text=$%.4f vision=$%.4f imageGen=$%.4f, %d calls)",
		t.jobID, tot.TotalCostUSD, tot.ByBucket[BucketText], tot.ByBucket[BucketVision], tot.ByBucket[BucketImageGen], tot.CallCount)
}

// OptimizationReport is a simple heuristic summary: a list of findings,
// each a human-readable string. This is deliberately not a scoring system — per
// spec.md's Non-goals, scoring semantics live only in the weighted formula
// used by the orchestrator; this report is advisory text only.
type OptimizationReport struct {
	Findings []string
}

// expansionTokenThreshold flags any single refine/combine call that used
// more tokens than this as worth a closer look.
const expansionTokenThreshold = 2000

// OptimizationReport flags each refine/combine call whose token count is
// above expansionTokenThreshold and recommends a cheaper model tier if the
// bulk of spend concentrates in one operation.
func (t *Tracker) OptimizationReport() OptimizationReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := OptimizationReport{}
	opCost := map[string]float64{}
	var total float64
	for _, c := range t.calls {
		cost := t.costOf(c)
		opCost[c.Operation] += cost
		total += cost
		if (c.Operation == "refine" || c.Operation == "combine") && c.InputTokens+c.OutputTokens > expansionTokenThreshold {
			report.Findings = append(report.Findings,
				fmt.Sprintf("%s call for %s used %d tokens (above %d threshold)", c.Operation, c.Model, c.InputTokens+c.OutputTokens, expansionTokenThreshold))
		}
	}
	if total > 0 {
		for op, cost := range opCost {
			if cost/total > 0.9 {
				report.Findings = append(report.Findings,
					fmt.Sprintf("%.0f%% of spend is in %q calls; consider a cheaper model tier for this operation", cost/total*100, op))
			}
		}
	}
	return report
}
