package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/samber/lo"

	"coffee-match-bot/matching"
)

// ParticipantInfo is the view of a participant record shown to admins.
type ParticipantInfo struct {
	ID                   int64    `json:"id"`
	Username             string   `json:"username"`
	Name                 string   `json:"name"`
	Sex                  string   `json:"sex,omitempty"`
	DesiredSex           string   `json:"desired_sex,omitempty"`
	ProgramName          string   `json:"program_name,omitempty"`
	ProgramYear          int      `json:"program_year,omitempty"`
	About                string   `json:"about,omitempty"`
	ProfileComplete      bool     `json:"profile_complete"`
	SurveyAnswers        int      `json:"survey_answers"`
	PartnerSurveyAnswers int      `json:"partner_survey_answers"`
	Blacklist            []string `json:"blacklist"`
	BotBlocked           bool     `json:"bot_blocked"`
	MatchingBlocked      bool     `json:"matching_blocked"`
}

// Ready reports whether the participant would be considered by the next
// matching run when questionCount answers are required per survey.
func (p ParticipantInfo) Ready(questionCount int) bool {
	return p.ProfileComplete &&
		p.SurveyAnswers == questionCount &&
		p.PartnerSurveyAnswers == questionCount &&
		!p.BotBlocked &&
		!p.MatchingBlocked
}

// HandleUser handles the /user command.
func (h *CommandHandler) HandleUser(ctx context.Context, msg Message, args string) error {
	username := normalizeUsername(args)
	if !validUsername(username) {
		return h.reply(ctx, msg.ChatID, "Usage: /user @user")
	}

	info, err := h.participants.GetParticipant(ctx, username)
	if err != nil {
		return h.participantError(ctx, msg.ChatID, "get participant", err)
	}

	body, err := json.MarshalIndent(info, "", "   ")
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}

	header := fmt.Sprintf("<b>@%s</b>\nReady for matching: %s",
		html.EscapeString(info.Username), yesNo(info.Ready(h.questionCount)))
	return sendSummary(ctx, h.sender, msg.ChatID, h.replyLimit, header, string(body), "user_"+info.Username+".json")
}

// HandleAllUsers handles the /all_users command.
func (h *CommandHandler) HandleAllUsers(ctx context.Context, msg Message) error {
	list, err := h.participants.ListParticipants(ctx)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	if len(list) == 0 {
		return h.reply(ctx, msg.ChatID, "No participants yet.")
	}

	ready := lo.CountBy(list, func(p ParticipantInfo) bool {
		return p.Ready(h.questionCount)
	})
	body, err := json.MarshalIndent(list, "", "   ")
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	header := fmt.Sprintf("<b>Participants: %d</b>\nReady for matching: %d", len(list), ready)
	return sendSummary(ctx, h.sender, msg.ChatID, h.replyLimit, header, string(body), "all_users.json")
}

// HandleLastMatch handles the /last_match command.
func (h *CommandHandler) HandleLastMatch(ctx context.Context, msg Message) error {
	if h.archive == nil {
		return h.reply(ctx, msg.ChatID, "Match history is not available.")
	}

	id, payload, err := h.archive.LatestMatch(ctx)
	if errors.Is(err, ErrNoMatches) {
		return h.reply(ctx, msg.ChatID, "No matching has been saved yet.")
	}
	if err != nil {
		return fmt.Errorf("latest match: %w", err)
	}

	var batch matching.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("decode match %s: %w", id, err)
	}
	if batch.ID == "" {
		batch.ID = id
	}

	body, err := AdminSummaryJSON(&batch)
	if err != nil {
		return err
	}
	return sendSummary(ctx, h.sender, msg.ChatID, h.replyLimit,
		FormatBatchHeader(&batch, false), body, summaryFileName(batch.ID))
}

// sendSummary sends header and a JSON body as one HTML message, or uploads
// the body as a document when the message would exceed limit.
func sendSummary(ctx context.Context, sender MessageSender, chatID int64, limit int, header, body, fileName string) error {
	text := header + "\n<pre>" + html.EscapeString(body) + "</pre>"
	if len(text) > limit {
		return sender.SendDocument(ctx, chatID, fileName, []byte(body), stripTags(header))
	}
	_, err := sender.SendMessage(ctx, chatID, text, true)
	return err
}

func summaryFileName(batchID string) string {
	return "matching_" + strings.ReplaceAll(batchID, ":", "-") + ".json"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
