package matching

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"

	"coffee-match-bot/ranker"
	"coffee-match-bot/tokens"
)

// TokenIssuer hands out one anonymity token per participant.
type TokenIssuer interface {
	Issue(n int) ([]string, error)
}

// Engine runs the whole matching pipeline over an in-memory snapshot.
// An Engine is not safe for concurrent use; runs are expected to be
// serialized by the caller.
type Engine struct {
	policy Policy
	issuer TokenIssuer
	rng    *rand.Rand
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets K and the per-candidate cap.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRand sets the random source for order shuffling and top-up draws.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = r
	}
}

// WithClock sets the function used to stamp batches (for testing).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a matching engine.
func NewEngine(issuer TokenIssuer, opts ...Option) (*Engine, error) {
	e := &Engine{
		policy: DefaultPolicy(),
		issuer: issuer,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	return e, nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Run matches one snapshot of participants and returns the assembled batch.
// The snapshot is not modified. It returns ErrNoEligibleParticipants when
// nobody passes the eligibility filter.
func (e *Engine) Run(participants []Participant) (*Batch, error) {
	startedAt := e.now()

	eligible := EligibleParticipants(participants)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleParticipants
	}

	prefs := Preferences(eligible)

	solver, err := NewSolver(e.policy, e.rng)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(eligible, func(p Participant, _ int) int64 {
		return p.ID
	})
	sol := solver.Solve(ids, prefs)

	issued, err := e.issuer.Issue(len(eligible))
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	batch, err := Assemble(startedAt, eligible, sol, issued)
	if err != nil {
		return nil, fmt.Errorf("assemble batch: %w", err)
	}
	batch.Stats.OverCap = len(sol.Overflow(e.policy.Cap))
	batch.Stats.DuplicateTokens = tokens.Duplicates(issued)

	return batch, nil
}

// Preferences builds every participant's ranked candidate list: the
// participant's partner survey against each acceptable candidate's own
// survey, closest first.
func Preferences(eligible []Participant) map[int64][]int64 {
	prefs := make(map[int64][]int64, len(eligible))
	for _, p := range eligible {
		rankable := lo.Map(Candidates(p, eligible), func(c Participant, _ int) ranker.RankableCandidate {
			return ranker.RankableCandidate{ID: c.ID, Traits: c.SelfSurvey}
		})
		prefs[p.ID] = ranker.IDs(ranker.Rank(p.PartnerSurvey, rankable))
	}
	return prefs
}
