package matching

import (
	"math/rand/v2"

	"github.com/samber/lo"
)

// Solution is the outcome of one solver run.
type Solution struct {
	// Assignments holds up to K candidate IDs per participant, best first.
	// Every participant of the run has an entry, possibly empty.
	Assignments map[int64][]int64
	// Counts is how often each candidate was handed out, top-up included.
	Counts map[int64]int
	// CappedCounts is Counts at the greedy fixed point, before top-up.
	// No value exceeds the policy cap.
	CappedCounts map[int64]int
	// Order is the shuffled processing order that produced the result.
	Order []int64
	// Passes is the number of greedy passes, the final unchanged one included.
	Passes int
	// TopUps is the number of assignments added while ignoring the cap.
	TopUps int
}

// Overflow returns, per candidate handed out more than limit times, the
// number of assignments beyond limit.
func (s *Solution) Overflow(limit int) map[int64]int {
	over := make(map[int64]int)
	for id, n := range s.Counts {
		if n > limit {
			over[id] = n - limit
		}
	}
	return over
}

// Solver runs the bounded-degree greedy assignment.
type Solver struct {
	policy Policy
	rng    *rand.Rand
}

// NewSolver creates a solver. rng drives both the processing order shuffle
// and the top-up draws.
func NewSolver(policy Policy, rng *rand.Rand) (*Solver, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Solver{policy: policy, rng: rng}, nil
}

// Solve assigns candidates to participants. participants lists everyone in
// the run; prefs maps each of them to their candidates ordered best first.
// Participants missing from prefs have no candidates.
//
// Processing order is shuffled once. Greedy passes repeat until one pass
// adds nothing; during these passes no candidate is handed out more than
// Cap times. Anyone still below K then receives random picks from the rest
// of their ranked list regardless of the cap.
func (s *Solver) Solve(participants []int64, prefs map[int64][]int64) *Solution {
	order := make([]int64, len(participants))
	copy(order, participants)
	s.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	assigned := make(map[int64][]int64, len(order))
	for _, id := range order {
		assigned[id] = []int64{}
	}
	counts := make(map[int64]int)

	passes := 0
	for {
		passes++
		changed := false
		for _, p := range order {
			if s.greedyFill(p, prefs[p], assigned, counts) {
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	capped := make(map[int64]int, len(counts))
	for id, n := range counts {
		capped[id] = n
	}

	topUps := 0
	for _, p := range order {
		topUps += s.topUp(p, prefs[p], assigned, counts)
	}

	return &Solution{
		Assignments:  assigned,
		Counts:       counts,
		CappedCounts: capped,
		Order:        order,
		Passes:       passes,
		TopUps:       topUps,
	}
}

// greedyFill scans p's ranking and takes the first candidates that are
// still under the cap. It reports whether anything was added.
func (s *Solver) greedyFill(p int64, ranked []int64, assigned map[int64][]int64, counts map[int64]int) bool {
	added := false
	for _, c := range ranked {
		if len(assigned[p]) >= s.policy.K {
			break
		}
		if c == p || lo.Contains(assigned[p], c) {
			continue
		}
		if counts[c] >= s.policy.Cap {
			continue
		}
		assigned[p] = append(assigned[p], c)
		counts[c]++
		added = true
	}
	return added
}

// topUp fills p up to K with uniform random picks from the unused part of
// its ranking, ignoring the cap. It returns the number of picks.
func (s *Solver) topUp(p int64, ranked []int64, assigned map[int64][]int64, counts map[int64]int) int {
	missing := s.policy.K - len(assigned[p])
	if missing <= 0 {
		return 0
	}

	remaining := lo.Filter(ranked, func(c int64, _ int) bool {
		return c != p && !lo.Contains(assigned[p], c)
	})
	remaining = lo.Uniq(remaining)

	picks := 0
	for ; picks < missing && len(remaining) > 0; picks++ {
		i := s.rng.IntN(len(remaining))
		c := remaining[i]
		remaining = append(remaining[:i], remaining[i+1:]...)

		assigned[p] = append(assigned[p], c)
		counts[c]++
	}
	return picks
}
