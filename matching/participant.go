package matching

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleParticipants means a run had nothing to match. Callers
	// should treat it as a no-op.
	ErrNoEligibleParticipants = errors.New("no eligible participants")
	// ErrInvalidPolicy is returned for a non-positive K or cap.
	ErrInvalidPolicy = errors.New("invalid matching policy")
)

// Profile is the display information shown to whoever is matched with a
// participant. It is copied by value into a batch.
type Profile struct {
	Username    string `json:"username"`
	Name        string `json:"name"`
	ProgramName string `json:"program_name,omitempty"`
	ProgramYear int    `json:"program_year,omitempty"`
	About       string `json:"about,omitempty"`
}

// Participant is one snapshot record handed to the engine.
type Participant struct {
	ID              int64
	Sex             string
	DesiredSex      string
	SelfSurvey      []int
	PartnerSurvey   []int
	Exclusions      []int64
	BotBlocked      bool
	MatchingBlocked bool
	ProfileComplete bool
	Profile         Profile
}

// Policy bounds the assignment: every participant gets at most K candidates
// and the greedy pass hands out any single candidate at most Cap times.
type Policy struct {
	K   int
	Cap int
}

// DefaultPolicy is two names per participant, each name given out at most twice.
func DefaultPolicy() Policy {
	return Policy{K: 2, Cap: 2}
}

// Validate rejects policies that cannot produce an assignment.
func (p Policy) Validate() error {
	if p.K <= 0 {
		return fmt.Errorf("%w: K must be positive, got %d", ErrInvalidPolicy, p.K)
	}
	if p.Cap <= 0 {
		return fmt.Errorf("%w: cap must be positive, got %d", ErrInvalidPolicy, p.Cap)
	}
	return nil
}
