package ranker

import (
	"math"
	"sort"

	"github.com/samber/lo"
)

// RankableCandidate contains the data needed for ranking one candidate.
type RankableCandidate struct {
	ID     int64
	Traits []int
}

// RankedCandidate is a candidate with its distance from the desired profile.
// Lower distance means a more compatible candidate.
type RankedCandidate struct {
	RankableCandidate
	Distance float64
}

// Rank scores candidates against a desired-partner vector and orders them by
// ascending distance. Ties keep their input order.
func Rank(desired []int, candidates []RankableCandidate) []RankedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	ranked := lo.Map(candidates, func(c RankableCandidate, _ int) RankedCandidate {
		return RankedCandidate{
			RankableCandidate: c,
			Distance:          Distance(desired, c.Traits),
		}
	})

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})

	return ranked
}

// IDs returns the candidate identifiers of ranked in order.
func IDs(ranked []RankedCandidate) []int64 {
	return lo.Map(ranked, func(r RankedCandidate, _ int) int64 {
		return r.ID
	})
}

// Distance is the Euclidean distance over the dimensions both vectors share.
// The longer vector is truncated; two vectors with no shared dimensions are
// at distance zero.
func Distance(a, b []int) float64 {
	n := min(len(a), len(b))

	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
