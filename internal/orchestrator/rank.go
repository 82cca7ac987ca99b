package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/dshills/beamforge/internal/gpucoord"
	"github.com/dshills/beamforge/internal/jobs"
	"github.com/dshills/beamforge/internal/providers"
	"github.com/dshills/beamforge/internal/ratelimit"
	"github.com/dshills/beamforge/internal/svcconn"
	"github.com/dshills/beamforge/internal/tokens"
)

// rank runs RANK(k): score-mode sort or tournament-mode pairwise VLM
// comparison, depending on params.RankingMode. It returns any ranking
// error strings worth surfacing in the job's final metadata.errors (e.g.
// a fallback notice), never a fatal error — ranking always produces an
// order, degrading to Score mode when tournament mode cannot.
func (o *Orchestrator) rank(ctx context.Context, k int, candidates []*Candidate, params clampedParams) []string {
	live := succeededOnly(candidates)
	if len(live) == 0 {
		return nil
	}

	var notices []string
	if params.RankingMode == jobs.RankingModeVLM {
		ok, n := o.rankTournament(ctx, k, live, params)
		notices = append(notices, n...)
		if !ok {
			notices = append(notices, "tournament ranking: all pairs failed, fell back to score mode")
			o.rankByScore(live)
		}
	} else {
		o.rankByScore(live)
	}

	sort.Slice(live, func(i, j int) bool { return live[i].Ranking.IterationRank < live[j].Ranking.IterationRank })
	for _, c := range live {
		o.publish(rankedEvent(c))
	}
	return notices
}

// rankByScore implements Score mode: sort by totalScore desc, tie-break
// by alignment desc, then ordinal asc (spec §4.7).
func (o *Orchestrator) rankByScore(live []*Candidate) {
	sorted := append([]*Candidate(nil), live...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.Alignment != b.Alignment {
			return a.Alignment > b.Alignment
		}
		return a.Ordinal < b.Ordinal
	})
	for i, c := range sorted {
		c.Ranking = &Ranking{
			IterationRank: i + 1,
			Reason:        "score mode",
		}
	}
}

type pairResult struct {
	a, b     *Candidate
	winner   *Candidate // nil if undecided (error)
	errored  bool
	aRanks   providers.CompareRanks
	bRanks   providers.CompareRanks
	winnerS  []string
	loserW   []string
}

// rankTournament implements tournament/VLM mode: build all pairs, compare
// with ensemble voting, apply transitive-inference pruning, then order by
// wins desc, Buchholz (sum of opponent wins) desc, ordinal asc. Returns
// false if every pair failed (caller falls back to Score mode).
func (o *Orchestrator) rankTournament(ctx context.Context, k int, live []*Candidate, params clampedParams) (bool, []string) {
	n := len(live)
	beat := make(map[string]map[string]bool, n) // beat[winnerID][loserID]
	decided := make(map[string]bool)            // "idA|idB" pairs already resolved (direct or inferred)
	wins := make(map[string]int, n)
	strengths := make(map[string][]string, n)
	weaknesses := make(map[string][]string, n)

	var mu sync.Mutex
	decidedCount := 0
	totalPairs := 0
	var notices []string

	for i := 0; i < n; i++ {
		beat[live[i].ID] = map[string]bool{}
	}

	markPair := func(a, b *Candidate) bool {
		key := pairKey(a.ID, b.ID)
		if decided[key] {
			return true
		}
		return false
	}

	var pairs [][2]*Candidate
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, [2]*Candidate{live[i], live[j]})
		}
	}
	totalPairs = len(pairs)

	for _, p := range pairs {
		mu.Lock()
		skip := markPair(p[0], p[1])
		mu.Unlock()
		if skip {
			continue
		}
		if o.cancelled(ctx) {
			break
		}

		result := o.compareEnsemble(ctx, p[0], p[1], params)

		mu.Lock()
		key := pairKey(p[0].ID, p[1].ID)
		decided[key] = true
		if result.errored {
			mu.Unlock()
			continue
		}
		decidedCount++
		beat[result.winner.ID][loserOf(p, result.winner).ID] = true
		wins[result.winner.ID]++
		if len(result.winnerS) > 0 {
			strengths[result.winner.ID] = append(strengths[result.winner.ID], result.winnerS...)
		}
		loser := loserOf(p, result.winner)
		if len(result.loserW) > 0 {
			weaknesses[loser.ID] = append(weaknesses[loser.ID], result.loserW...)
		}

		// Transitive-inference pruning: if winner already beat some X, and X
		// is the loser's other known victim, we don't gain anything new
		// here since we only prune forward pairs not yet visited. Apply the
		// simple one-hop rule against already-processed candidates: for any
		// c that the loser is known to have beaten, infer winner beats c.
		for other, beatenByLoser := range beat[loser.ID] {
			if beatenByLoser {
				ik := pairKey(result.winner.ID, other)
				if !decided[ik] {
					decided[ik] = true
					beat[result.winner.ID][other] = true
					wins[result.winner.ID]++
					decidedCount++
				}
			}
		}
		mu.Unlock()
	}

	if decidedCount == 0 {
		return false, notices
	}

	buchholz := make(map[string]int, n)
	for _, c := range live {
		sum := 0
		for _, opp := range live {
			if opp.ID == c.ID {
				continue
			}
			sum += wins[opp.ID]
		}
		buchholz[c.ID] = sum
	}

	sorted := append([]*Candidate(nil), live...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if wins[a.ID] != wins[b.ID] {
			return wins[a.ID] > wins[b.ID]
		}
		if buchholz[a.ID] != buchholz[b.ID] {
			return buchholz[a.ID] > buchholz[b.ID]
		}
		return a.Ordinal < b.Ordinal
	})

	for i, c := range sorted {
		c.Ranking = &Ranking{
			IterationRank: i + 1,
			Reason:        "tournament mode",
			Strengths:     consolidate(strengths[c.ID]),
			Weaknesses:    consolidate(weaknesses[c.ID]),
			Wins:          wins[c.ID],
			TotalPairs:    totalPairs,
		}
	}

	return true, notices
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func loserOf(p [2]*Candidate, winner *Candidate) *Candidate {
	if p[0].ID == winner.ID {
		return p[1]
	}
	return p[0]
}

// compareEnsemble calls VLMProvider.Compare E times (ensemble size) and
// takes the majority vote; ties (even E) go to A, matching spec §4.7.
func (o *Orchestrator) compareEnsemble(ctx context.Context, a, b *Candidate, params clampedParams) pairResult {
	votesA := 0
	total := params.EnsembleSize
	var lastResult providers.CompareResult
	var sawSuccess bool

	for i := 0; i < total; i++ {
		res, err := o.compareOne(ctx, a, b)
		if err != nil {
			continue
		}
		sawSuccess = true
		lastResult = res
		if res.Choice == "A" {
			votesA++
		}
	}

	if !sawSuccess {
		return pairResult{a: a, b: b, errored: true}
	}

	aWinsMajority := votesA*2 >= total // ties go to A
	var winner *Candidate
	if aWinsMajority {
		winner = a
	} else {
		winner = b
	}
	return pairResult{
		a: a, b: b, winner: winner,
		aRanks:  lastResult.RankA,
		bRanks:  lastResult.RankB,
		winnerS: lastResult.WinnerStrengths,
		loserW:  lastResult.LoserWeaknesses,
	}
}

func (o *Orchestrator) compareOne(ctx context.Context, a, b *Candidate) (providers.CompareResult, error) {
	gate := o.cfg.Gates.Gate(ratelimit.CapabilityVLM, o.family(ratelimit.CapabilityVLM))
	var result providers.CompareResult
	err := gate.Execute(ctx, func(ctx context.Context) error {
		return o.withGPU(ctx, gpucoord.CapabilityVLM, func(ctx context.Context) error {
			return o.withHeartbeat("rank", func() error {
				res, err := svcconn.WithRetry(ctx, o.cfg.VLMConn, func(ctx context.Context) (providers.CompareResult, error) {
					return o.cfg.Providers.VLM.Compare(ctx, a.Image(), b.Image(), o.cfg.Job.Params.Prompt)
				})
				result = res
				return err
			})
		})
	})
	if err != nil {
		return providers.CompareResult{}, err
	}
	o.recordUsage(tokens.BucketVision, result.Usage)
	return result, nil
}

// consolidate deduplicates near-identical strings accumulated across
// repeated ensemble votes, using normalized Levenshtein distance: two
// strings within consolidateDistanceRatio of each other's length are
// treated as the same observation and only the first is kept.
const consolidateDistanceRatio = 0.2

func consolidate(items []string) []string {
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			maxLen := len(item)
			if len(existing) > maxLen {
				maxLen = len(existing)
			}
			if maxLen == 0 {
				continue
			}
			dist := levenshtein.ComputeDistance(item, existing)
			if float64(dist)/float64(maxLen) < consolidateDistanceRatio {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return out
}
