package orchestrator

import "sort"

// selectSurvivors implements SELECT(k): survivors are the top M candidates
// by iteration rank; every candidate's Survived field is set accordingly
// (spec §4.7 — "mark survived=true on those, false on the rest").
func (o *Orchestrator) selectSurvivors(k int, candidates []*Candidate, params clampedParams) []*Candidate {
	ranked := succeededOnly(candidates)
	sort.Slice(ranked, func(i, j int) bool {
		ri, rj := rankOf(ranked[i]), rankOf(ranked[j])
		return ri < rj
	})

	m := params.M
	if m > len(ranked) {
		m = len(ranked)
	}

	survivors := make([]*Candidate, 0, m)
	for i, c := range ranked {
		c.Survived = i < m
		if c.Survived {
			survivors = append(survivors, c)
		}
		o.publish(candidateEvent(c))
	}
	for _, c := range candidates {
		if c.Failed {
			o.publish(candidateEvent(c))
		}
	}
	return survivors
}

func rankOf(c *Candidate) int {
	if c.Ranking == nil {
		return int(^uint(0) >> 1) // unranked candidates sort last
	}
	return c.Ranking.IterationRank
}
