package matching

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// BatchIDLayout formats a run's start time into its batch identifier.
const BatchIDLayout = "2006-01-02_15:04:05"

// Introduction is one assigned candidate as the participant will see them.
type Introduction struct {
	ID      int64   `json:"id"`
	Token   string  `json:"token"`
	Profile Profile `json:"profile"`
}

// Entry is a participant's share of a batch.
type Entry struct {
	ParticipantID int64          `json:"participant_id"`
	Token         string         `json:"token"`
	Profile       Profile        `json:"profile"`
	Assignments   []Introduction `json:"assignments"`
}

// AssignmentIDs returns the assigned candidate IDs in order.
func (e Entry) AssignmentIDs() []int64 {
	return lo.Map(e.Assignments, func(in Introduction, _ int) int64 {
		return in.ID
	})
}

// Stats summarises how a batch was produced.
type Stats struct {
	Participants    int `json:"participants"`
	Passes          int `json:"passes"`
	TopUps          int `json:"top_ups"`
	OverCap         int `json:"over_cap"`
	DuplicateTokens int `json:"duplicate_tokens"`
	Unassigned      int `json:"unassigned"`
}

// Batch is the finished artifact of one matching run.
type Batch struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Entries   []Entry   `json:"entries"`
	Stats     Stats     `json:"stats"`
}

// Entry returns the entry of participant id.
func (b *Batch) Entry(id int64) (Entry, bool) {
	return lo.Find(b.Entries, func(e Entry) bool {
		return e.ParticipantID == id
	})
}

// Assemble joins a solution, the issued tokens and the participants' display
// info into a batch. tokens[i] belongs to participants[i]. Profiles are
// copied, so later edits to the participants do not reach the batch.
func Assemble(startedAt time.Time, participants []Participant, sol *Solution, tokens []string) (*Batch, error) {
	if len(tokens) != len(participants) {
		return nil, fmt.Errorf("got %d tokens for %d participants", len(tokens), len(participants))
	}

	tokenByID := make(map[int64]string, len(participants))
	profileByID := make(map[int64]Profile, len(participants))
	for i, p := range participants {
		tokenByID[p.ID] = tokens[i]
		profileByID[p.ID] = p.Profile
	}

	entries := make([]Entry, 0, len(participants))
	unassigned := 0
	for _, p := range participants {
		ids := sol.Assignments[p.ID]
		intros := make([]Introduction, 0, len(ids))
		for _, id := range ids {
			profile, ok := profileByID[id]
			if !ok {
				return nil, fmt.Errorf("participant %d assigned unknown candidate %d", p.ID, id)
			}
			intros = append(intros, Introduction{
				ID:      id,
				Token:   tokenByID[id],
				Profile: profile,
			})
		}
		if len(intros) == 0 {
			unassigned++
		}

		entries = append(entries, Entry{
			ParticipantID: p.ID,
			Token:         tokenByID[p.ID],
			Profile:       p.Profile,
			Assignments:   intros,
		})
	}

	return &Batch{
		ID:        startedAt.Format(BatchIDLayout),
		CreatedAt: startedAt,
		Entries:   entries,
		Stats: Stats{
			Participants: len(participants),
			Passes:       sol.Passes,
			TopUps:       sol.TopUps,
			Unassigned:   unassigned,
		},
	}, nil
}
