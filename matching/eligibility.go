package matching

import (
	"strings"

	"github.com/samber/lo"
)

// Eligible reports whether p takes part in a run at all.
func Eligible(p Participant) bool {
	return !p.BotBlocked && !p.MatchingBlocked && p.ProfileComplete
}

// EligibleParticipants keeps the eligible participants in input order.
func EligibleParticipants(participants []Participant) []Participant {
	return lo.Filter(participants, func(p Participant, _ int) bool {
		return Eligible(p)
	})
}

// Acceptable reports whether c may be offered to p. Exclusions are read only
// from p's side: c excluding p does not stop c being offered to p.
func Acceptable(p, c Participant) bool {
	if c.ID == p.ID {
		return false
	}
	if lo.Contains(p.Exclusions, c.ID) {
		return false
	}
	return strings.EqualFold(c.Sex, p.DesiredSex)
}

// Candidates returns the members of pool acceptable to p, in pool order.
func Candidates(p Participant, pool []Participant) []Participant {
	return lo.Filter(pool, func(c Participant, _ int) bool {
		return Acceptable(p, c)
	})
}
