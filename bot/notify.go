package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"coffee-match-bot/matching"
	"coffee-match-bot/matchrun"
)

const asymmetryReminder = "Remember that matching is asymmetric: the people you drew most likely did not draw you."

// Notifier renders a batch into Telegram messages.
type Notifier struct {
	sender         MessageSender
	adminIDs       []int64
	inlineLimit    int
	maxAssignments int
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithInlineLimit sets the length above which the admin summary is sent as a
// document instead of a message.
func WithInlineLimit(n int) NotifierOption {
	return func(nt *Notifier) {
		nt.inlineLimit = n
	}
}

// WithMaxAssignments sets the largest assignment list a participant may get.
func WithMaxAssignments(k int) NotifierOption {
	return func(nt *Notifier) {
		nt.maxAssignments = k
	}
}

// NewNotifier creates a notifier that reports to adminIDs.
func NewNotifier(sender MessageSender, adminIDs []int64, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		sender:         sender,
		adminIDs:       adminIDs,
		inlineLimit:    4000,
		maxAssignments: 2,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyParticipant sends a participant their token and introductions.
func (n *Notifier) NotifyParticipant(ctx context.Context, entry matching.Entry) error {
	if len(entry.Assignments) > n.maxAssignments {
		return fmt.Errorf("participant %d has %d assignments, at most %d allowed",
			entry.ParticipantID, len(entry.Assignments), n.maxAssignments)
	}

	for _, text := range ParticipantMessages(entry) {
		if _, err := n.sender.SendMessage(ctx, entry.ParticipantID, text, true); err != nil {
			if errors.Is(err, ErrBotBlocked) {
				return fmt.Errorf("notify %d: %w", entry.ParticipantID, matchrun.ErrRecipientBlocked)
			}
			return fmt.Errorf("notify %d: %w", entry.ParticipantID, err)
		}
	}
	return nil
}

// NotifyAdmins sends the batch summary to every administrator.
func (n *Notifier) NotifyAdmins(ctx context.Context, batch *matching.Batch, dryRun bool) error {
	body, err := AdminSummaryJSON(batch)
	if err != nil {
		return err
	}

	header := FormatBatchHeader(batch, dryRun)

	var errs []error
	for _, adminID := range n.adminIDs {
		err := sendSummary(ctx, n.sender, adminID, n.inlineLimit, header, body, summaryFileName(batch.ID))
		if err != nil {
			errs = append(errs, fmt.Errorf("admin %d: %w", adminID, err))
		}
	}
	return errors.Join(errs...)
}

// ParticipantMessages returns the messages a participant receives, in order.
func ParticipantMessages(entry matching.Entry) []string {
	msgs := []string{
		fmt.Sprintf("Hi! The coffee matching results are in.\n\nYour token: %s", html.EscapeString(entry.Token)),
	}

	switch len(entry.Assignments) {
	case 0:
		msgs = append(msgs, "This time nobody was drawn for you to write to. "+
			"Perhaps your blacklist is too long.\n\n"+
			"Take someone off it and your chances next time will be better.")
	case 1:
		msgs = append(msgs,
			"This time you drew only one person to write to:",
			FormatIntroduction(entry.Assignments[0]),
			"Send them their token and they will know they were drawn for coffee with you.")
	default:
		for _, in := range entry.Assignments {
			msgs = append(msgs, FormatIntroduction(in))
		}
		msgs = append(msgs, "Send them their tokens and they will know they were drawn for coffee with you.")
	}

	return append(msgs, asymmetryReminder)
}

// FormatIntroduction formats one assigned candidate for display in Telegram.
func FormatIntroduction(in matching.Introduction) string {
	var sb strings.Builder

	name := in.Profile.Name
	if name == "" {
		name = in.Profile.Username
	}
	sb.WriteString("<b>" + html.EscapeString(name) + "</b>")
	if in.Profile.Username != "" {
		sb.WriteString(" (@" + html.EscapeString(in.Profile.Username) + ")")
	}
	if in.Profile.ProgramName != "" {
		sb.WriteString(" from " + html.EscapeString(in.Profile.ProgramName))
		if in.Profile.ProgramYear > 0 {
			sb.WriteString("'" + strconv.Itoa(in.Profile.ProgramYear))
		}
	}
	sb.WriteString(".\nTheir token: " + html.EscapeString(in.Token))
	if in.Profile.About != "" {
		sb.WriteString("\n\nAbout: " + html.EscapeString(in.Profile.About))
	}
	return sb.String()
}

// FormatBatchHeader formats the first line of the admin summary.
func FormatBatchHeader(batch *matching.Batch, dryRun bool) string {
	title := "Matching"
	if dryRun {
		title = "Pseudo-matching (not saved)"
	}
	s := batch.Stats
	return fmt.Sprintf("<b>%s %s</b>\n"+
		"Participants: %d | passes: %d | top-ups: %d | over cap: %d | duplicate tokens: %d | unassigned: %d",
		title, html.EscapeString(batch.ID),
		s.Participants, s.Passes, s.TopUps, s.OverCap, s.DuplicateTokens, s.Unassigned)
}

type adminSummaryEntry struct {
	Username    string   `json:"username"`
	Token       string   `json:"token"`
	Assignments []string `json:"assignments"`
}

// AdminSummaryJSON renders the batch keyed by participant ID, with each
// assignment shown by username. Display info beyond the username is omitted.
func AdminSummaryJSON(batch *matching.Batch) (string, error) {
	summary := make(map[string]adminSummaryEntry, len(batch.Entries))
	for _, e := range batch.Entries {
		summary[strconv.FormatInt(e.ParticipantID, 10)] = adminSummaryEntry{
			Username: e.Profile.Username,
			Token:    e.Token,
			Assignments: lo.Map(e.Assignments, func(in matching.Introduction, _ int) string {
				if in.Profile.Username != "" {
					return in.Profile.Username
				}
				return strconv.FormatInt(in.ID, 10)
			}),
		}
	}

	data, err := json.MarshalIndent(summary, "", "   ")
	if err != nil {
		return "", fmt.Errorf("marshal admin summary: %w", err)
	}
	return string(data), nil
}

func stripTags(s string) string {
	return strings.NewReplacer("<b>", "", "</b>", "").Replace(html.UnescapeString(s))
}
