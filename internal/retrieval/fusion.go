package retrieval

import (
	"sort"
)

// fuseRRF scores each candidate with reciprocal rank fusion:
// the sum over signals of 1/(k + rank), ranks starting at 1. A candidate
// absent from a signal gets nothing from it.
func fuseRRF(cands []*candidate, k float64) {
	for _, c := range cands {
		c.fused = 0
	}
	for _, sig := range []struct {
		has   func(*candidate) bool
		score func(*candidate) float64
	}{
		{func(c *candidate) bool { return c.hasLex }, func(c *candidate) float64 { return finite(c.lexical) }},
		{func(c *candidate) bool { return c.hasVec }, func(c *candidate) float64 { return finite(c.vector) }},
	} {
		ranked := make([]*candidate, 0, len(cands))
		for _, c := range cands {
			if sig.has(c) {
				ranked = append(ranked, c)
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := sig.score(ranked[i]), sig.score(ranked[j])
			if a != b {
				return a > b
			}
			return newer(ranked[i], ranked[j])
		})
		for rank, c := range ranked {
			c.fused += 1 / (k + float64(rank+1))
		}
	}
}

// fuseWeighted min-max normalizes each signal over the candidate set and
// combines them linearly. Missing and NaN scores count as 0 before
// normalization; a signal with no spread normalizes to 0 everywhere.
func fuseWeighted(cands []*candidate, w Weights) {
	lex := make([]float64, len(cands))
	vec := make([]float64, len(cands))
	for i, c := range cands {
		if c.hasLex {
			lex[i] = finite(c.lexical)
		}
		if c.hasVec {
			vec[i] = finite(c.vector)
		}
	}
	minMax(lex)
	minMax(vec)
	for i, c := range cands {
		c.fused = w.Lexical*lex[i] + w.Vector*vec[i]
	}
}

func minMax(xs []float64) {
	if len(xs) == 0 {
		return
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	spread := hi - lo
	for i := range xs {
		if spread == 0 {
			xs[i] = 0
			continue
		}
		xs[i] = (xs[i] - lo) / spread
	}
}

// sortByFused orders by fused score; ties go to the most recent message.
func sortByFused(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].fused != cands[j].fused {
			return cands[i].fused > cands[j].fused
		}
		return newer(cands[i], cands[j])
	})
}

func newer(a, b *candidate) bool {
	if !a.msg.SentAt.Equal(b.msg.SentAt) {
		return a.msg.SentAt.After(b.msg.SentAt)
	}
	return a.rowID > b.rowID
}
