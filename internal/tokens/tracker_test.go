package tokens

import "testing"

func TestRecordAccumulatesBuckets(t *testing.T) {
	pricing := PricingTable{
		"text-model":  {InputPer1M: 1_000_000, OutputPer1M: 2_000_000}, // $1/token in, $2/token out for easy math
		"image-model": {PerImage: 0.04},
	}
	tr := New("job-1", pricing)
	tr.Record(Usage{Operation: "refine", Bucket: BucketText, Model: "text-model", InputTokens: 1, OutputTokens: 1})
	tr.Record(Usage{Operation: "generate", Bucket: BucketImageGen, Model: "image-model"})

	totals := tr.Totals()
	if totals.CallCount != 2 {
		t.Fatalf("CallCount = %d, want 2", totals.CallCount)
	}
	if got := totals.ByBucket[BucketText]; got != 3.0 {
		t.Fatalf("text bucket = %v, want 3.0", got)
	}
	if got := totals.ByBucket[BucketImageGen]; got != 0.04 {
		t.Fatalf("imageGen bucket = %v, want 0.04", got)
	}
}

func TestUnknownModelCostsZero(t *testing.T) {
	tr := New("job-2", PricingTable{})
	tr.Record(Usage{Bucket: BucketVision, Model: "unknown", InputTokens: 500})
	if got := tr.Totals().TotalCostUSD; got != 0 {
		t.Fatalf("cost = %v, want 0 for unpriced model", got)
	}
}

func TestOptimizationReportFlagsLargeCalls(t *testing.T) {
	tr := New("job-3", PricingTable{"m": {InputPer1M: 1}})
	tr.Record(Usage{Operation: "refine", Bucket: BucketText, Model: "m", InputTokens: 3000})
	report := tr.OptimizationReport()
	if len(report.Findings) == 0 {
		t.Fatal("expected at least one finding for a call above the threshold")
	}
}
