package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coffee-match-bot/config"
	"coffee-match-bot/matchrun"
)

// Sentinel errors for dependency interfaces
var (
	ErrSettingNotFound     = errors.New("setting not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNoMatches           = errors.New("no match batch saved")
)

// Setting keys persisted by the schedule command.
const (
	SettingMatchDay  = "match_day"
	SettingMatchTime = "match_time"
)

// MessageSender sends messages to Telegram.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error)
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
	SendChoices(ctx context.Context, chatID int64, text string, choices []string) error
}

// SettingsStore manages persistent settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// ParticipantStore manages participant records.
type ParticipantStore interface {
	EnsureParticipant(ctx context.Context, id int64, username, name string) (bool, error)
	FindByUsername(ctx context.Context, username string) (int64, error)
	GetBlacklist(ctx context.Context, id int64) ([]string, error)
	AddToBlacklist(ctx context.Context, id int64, username string) (bool, error)
	RemoveFromBlacklist(ctx context.Context, id int64, username string) (bool, error)
	SetMatchingBlocked(ctx context.Context, id int64, blocked bool) (bool, error)
	SaveProfile(ctx context.Context, id int64, p Profile) error
	SaveSurvey(ctx context.Context, id int64, kind SurveyKind, answers map[string]any) error
	GetParticipant(ctx context.Context, username string) (*ParticipantInfo, error)
	ListParticipants(ctx context.Context) ([]ParticipantInfo, error)
}

// MatchArchive gives access to saved match batches.
type MatchArchive interface {
	// LatestMatch returns the ID and payload of the newest batch, or
	// ErrNoMatches.
	LatestMatch(ctx context.Context) (string, []byte, error)
}

// ScheduleUpdater inspects and changes the weekly matching schedule.
type ScheduleUpdater interface {
	Reschedule(day time.Weekday, timeStr string) error
	NextRun(now time.Time) (time.Time, bool)
	Current() (time.Weekday, string, bool)
}

// MatchRunner triggers matching runs.
type MatchRunner interface {
	Run(ctx context.Context) (*matchrun.Result, error)
	DryRun(ctx context.Context) (*matchrun.Result, error)
}

// Message is an incoming text message.
type Message struct {
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
	Text      string
}

// CommandHandler handles bot commands.
type CommandHandler struct {
	sender        MessageSender
	participants  ParticipantStore
	settings      SettingsStore
	schedUpdater  ScheduleUpdater
	runner        MatchRunner
	archive       MatchArchive
	isAdmin       func(userID int64) bool
	now           func() time.Time
	questionCount int
	replyLimit    int

	dialogsMu sync.Mutex
	dialogs   map[int64]*dialog
}

// HandlerOption configures a CommandHandler.
type HandlerOption func(*CommandHandler)

// WithScheduleUpdater enables the /schedule command.
func WithScheduleUpdater(u ScheduleUpdater) HandlerOption {
	return func(h *CommandHandler) {
		h.schedUpdater = u
	}
}

// WithMatchRunner enables the /match and /pseudo_match commands.
func WithMatchRunner(r MatchRunner) HandlerOption {
	return func(h *CommandHandler) {
		h.runner = r
	}
}

// WithMatchArchive enables the /last_match command.
func WithMatchArchive(a MatchArchive) HandlerOption {
	return func(h *CommandHandler) {
		h.archive = a
	}
}

// WithQuestionCount sets how many survey statements are asked. It is capped
// at the length of the questionnaire.
func WithQuestionCount(n int) HandlerOption {
	return func(h *CommandHandler) {
		h.questionCount = min(max(n, 1), len(SurveyQuestions))
	}
}

// WithReplyLimit sets the length above which JSON replies to admins are sent
// as documents.
func WithReplyLimit(n int) HandlerOption {
	return func(h *CommandHandler) {
		h.replyLimit = n
	}
}

// WithClock sets the time source (for testing).
func WithClock(now func() time.Time) HandlerOption {
	return func(h *CommandHandler) {
		h.now = now
	}
}

// NewCommandHandler creates a new command handler. isAdmin decides who may
// run administrative commands.
func NewCommandHandler(
	sender MessageSender,
	participants ParticipantStore,
	settings SettingsStore,
	isAdmin func(userID int64) bool,
	opts ...HandlerOption,
) *CommandHandler {
	h := &CommandHandler{
		sender:       sender,
		participants: participants,
		settings:     settings,
		isAdmin:       isAdmin,
		now:           time.Now,
		questionCount: len(SurveyQuestions),
		replyLimit:    4000,
		dialogs:       make(map[int64]*dialog),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispatches a message to its command handler. Plain text answers the
// user's open dialog, if any. Any command ends an open dialog. Admin commands
// from non-admins get a refusal.
func (h *CommandHandler) Handle(ctx context.Context, msg Message) error {
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return h.continueDialog(ctx, msg)
	}
	cancelled := h.cancelDialog(msg.UserID)

	switch cmd {
	case "cancel":
		if !cancelled {
			return h.reply(ctx, msg.ChatID, "Nothing to cancel.")
		}
		return h.sender.SendChoices(ctx, msg.ChatID, "Cancelled. Nothing was saved.", nil)
	case "start", "help":
		return h.HandleStart(ctx, msg)
	case "profile":
		return h.HandleProfile(ctx, msg)
	case "survey":
		return h.HandleSurvey(ctx, msg, SelfSurvey)
	case "partner_survey":
		return h.HandleSurvey(ctx, msg, PartnerSurvey)
	case "blacklist":
		return h.HandleBlacklist(ctx, msg, args)
	}

	if !h.isAdmin(msg.UserID) {
		switch cmd {
		case "admin", "match", "pseudo_match", "block_matching", "unblock_matching", "schedule",
			"user", "all_users", "last_match":
			slog.Warn("admin command refused", "user_id", msg.UserID, "command", cmd)
			return h.reply(ctx, msg.ChatID, "This command is available to administrators only.")
		}
		return h.reply(ctx, msg.ChatID, "Unknown command. Send /help to see what I can do.")
	}

	switch cmd {
	case "admin":
		return h.HandleAdmin(ctx, msg)
	case "match":
		return h.HandleMatch(ctx, msg, false)
	case "pseudo_match":
		return h.HandleMatch(ctx, msg, true)
	case "block_matching":
		return h.HandleBlockMatching(ctx, msg, args, true)
	case "unblock_matching":
		return h.HandleBlockMatching(ctx, msg, args, false)
	case "schedule":
		return h.HandleSchedule(ctx, msg, args)
	case "user":
		return h.HandleUser(ctx, msg, args)
	case "all_users":
		return h.HandleAllUsers(ctx, msg)
	case "last_match":
		return h.HandleLastMatch(ctx, msg)
	default:
		return h.reply(ctx, msg.ChatID, "Unknown command. Send /admin to see the admin commands.")
	}
}

// HandleStart handles the /start command.
func (h *CommandHandler) HandleStart(ctx context.Context, msg Message) error {
	created, err := h.participants.EnsureParticipant(ctx, msg.UserID, msg.Username, msg.FirstName)
	if err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}
	if created {
		slog.Info("registered participant", "user_id", msg.UserID, "username", msg.Username)
	}

	text := "Welcome to Random Coffee! ☕\n\n" +
		"Once a week everyone gets up to two people to invite for coffee, " +
		"picked by how well your survey answers fit.\n\n" +
		"To take part fill in /profile, then /survey and /partner_survey.\n\n" +
		"Commands:\n" +
		"/profile - Fill in or update your profile\n" +
		"/survey - Rate statements about yourself\n" +
		"/partner_survey - Rate statements about who you would like to meet\n" +
		"/blacklist - Show the people you never want to be offered\n" +
		"/blacklist add @user - Add someone to your blacklist\n" +
		"/blacklist remove @user - Take someone off your blacklist\n" +
		"/cancel - Stop the current questionnaire"
	if msg.Username == "" {
		text += "\n\nSet a Telegram username so that your matches can find you."
	}
	if h.isAdmin(msg.UserID) {
		text += "\n\nYou are an administrator: send /admin for the admin commands."
	}
	return h.reply(ctx, msg.ChatID, text)
}

// HandleBlacklist handles the /blacklist command.
func (h *CommandHandler) HandleBlacklist(ctx context.Context, msg Message, args string) error {
	if _, err := h.participants.EnsureParticipant(ctx, msg.UserID, msg.Username, msg.FirstName); err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return h.showBlacklist(ctx, msg)
	}
	if len(fields) != 2 {
		return h.sendBlacklistUsage(ctx, msg.ChatID)
	}

	username := normalizeUsername(fields[1])
	if !validUsername(username) {
		return h.reply(ctx, msg.ChatID, "That does not look like a Telegram username. Use /blacklist add @person_tg")
	}

	switch strings.ToLower(fields[0]) {
	case "add":
		if strings.EqualFold(username, msg.Username) {
			return h.reply(ctx, msg.ChatID, "You cannot blacklist yourself.")
		}
		added, err := h.participants.AddToBlacklist(ctx, msg.UserID, username)
		if err != nil {
			return h.participantError(ctx, msg.ChatID, "add to blacklist", err)
		}
		if !added {
			return h.reply(ctx, msg.ChatID, fmt.Sprintf("@%s is already on your blacklist.", username))
		}
		return h.reply(ctx, msg.ChatID, fmt.Sprintf("Added @%s to your blacklist.", username))

	case "remove":
		removed, err := h.participants.RemoveFromBlacklist(ctx, msg.UserID, username)
		if err != nil {
			return h.participantError(ctx, msg.ChatID, "remove from blacklist", err)
		}
		if !removed {
			return h.reply(ctx, msg.ChatID, fmt.Sprintf("@%s is not on your blacklist.", username))
		}
		return h.reply(ctx, msg.ChatID, fmt.Sprintf("Removed @%s from your blacklist.", username))

	default:
		return h.sendBlacklistUsage(ctx, msg.ChatID)
	}
}

func (h *CommandHandler) showBlacklist(ctx context.Context, msg Message) error {
	list, err := h.participants.GetBlacklist(ctx, msg.UserID)
	if err != nil {
		return h.participantError(ctx, msg.ChatID, "get blacklist", err)
	}

	text := "People on your blacklist are never offered to you.\n\n"
	if len(list) == 0 {
		text += "Your blacklist is empty."
	} else {
		text += "Your blacklist:\n"
		for _, u := range list {
			text += "@" + u + "\n"
		}
	}
	text += "\n\nUse /blacklist add @user or /blacklist remove @user to change it."
	return h.reply(ctx, msg.ChatID, strings.TrimRight(text, "\n"))
}

func (h *CommandHandler) sendBlacklistUsage(ctx context.Context, chatID int64) error {
	text := "Usage:\n" +
		"/blacklist - Show your blacklist\n" +
		"/blacklist add @user - Add someone\n" +
		"/blacklist remove @user - Remove someone"
	return h.reply(ctx, chatID, text)
}

// HandleAdmin handles the /admin command.
func (h *CommandHandler) HandleAdmin(ctx context.Context, msg Message) error {
	text := "Admin commands:\n\n" +
		"/match - Run matching, save it and notify everyone\n" +
		"/pseudo_match - Run matching and send only the summary to admins\n" +
		"/block_matching @user - Exclude someone from matching\n" +
		"/unblock_matching @user - Include someone in matching again\n" +
		"/schedule - Show the weekly schedule\n" +
		"/schedule <day> HH:MM - Change the weekly schedule\n" +
		"/user @user - Show someone's record\n" +
		"/all_users - Show everyone and who is ready for matching\n" +
		"/last_match - Show the last saved matching"
	return h.reply(ctx, msg.ChatID, text)
}

// HandleMatch handles the /match and /pseudo_match commands.
func (h *CommandHandler) HandleMatch(ctx context.Context, msg Message, dryRun bool) error {
	if h.runner == nil {
		return h.reply(ctx, msg.ChatID, "Matching is not available.")
	}

	slog.Info("matching requested", "user_id", msg.UserID, "dry_run", dryRun)
	if err := h.reply(ctx, msg.ChatID, "Matching started..."); err != nil {
		return err
	}

	var (
		result *matchrun.Result
		err    error
	)
	if dryRun {
		result, err = h.runner.DryRun(ctx)
	} else {
		result, err = h.runner.Run(ctx)
	}

	switch {
	case errors.Is(err, matchrun.ErrRunInProgress):
		return h.reply(ctx, msg.ChatID, "A matching run is already in progress.")
	case err != nil:
		slog.Error("matching run failed", "dry_run", dryRun, "error", err)
		return h.reply(ctx, msg.ChatID, "Matching failed: "+err.Error())
	}

	return h.reply(ctx, msg.ChatID, FormatRunResult(result))
}

// HandleBlockMatching handles /block_matching and /unblock_matching.
func (h *CommandHandler) HandleBlockMatching(ctx context.Context, msg Message, args string, block bool) error {
	command := "/block_matching"
	if !block {
		command = "/unblock_matching"
	}

	username := normalizeUsername(args)
	if !validUsername(username) {
		return h.reply(ctx, msg.ChatID, "Usage: "+command+" @user")
	}

	id, err := h.participants.FindByUsername(ctx, username)
	if err != nil {
		return h.participantError(ctx, msg.ChatID, "find participant", err)
	}

	changed, err := h.participants.SetMatchingBlocked(ctx, id, block)
	if err != nil {
		return fmt.Errorf("set matching blocked: %w", err)
	}

	slog.Info("matching block updated", "admin_id", msg.UserID, "participant_id", id, "blocked", block, "changed", changed)

	switch {
	case block && !changed:
		return h.reply(ctx, msg.ChatID, fmt.Sprintf("@%s is already blocked from matching.", username))
	case block:
		return h.reply(ctx, msg.ChatID, fmt.Sprintf("@%s is now blocked from matching.", username))
	case !changed:
		return h.reply(ctx, msg.ChatID, fmt.Sprintf("@%s is already unblocked.", username))
	default:
		return h.reply(ctx, msg.ChatID, fmt.Sprintf("@%s takes part in matching again.", username))
	}
}

// HandleSchedule handles the /schedule command.
func (h *CommandHandler) HandleSchedule(ctx context.Context, msg Message, args string) error {
	if h.schedUpdater == nil {
		return h.reply(ctx, msg.ChatID, "Scheduling is not available.")
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return h.displaySchedule(ctx, msg.ChatID)
	}
	if len(fields) != 2 {
		return h.sendScheduleUsage(ctx, msg.ChatID)
	}

	day, err := config.ParseWeekday(fields[0])
	if err != nil {
		return h.reply(ctx, msg.ChatID, "Invalid day. Use a weekday name, e.g. monday.")
	}
	timeStr := fields[1]
	if !config.ValidMatchTime(timeStr) {
		return h.reply(ctx, msg.ChatID, "Invalid time format. Use HH:MM (e.g., 09:00, 18:30)")
	}

	if err := h.schedUpdater.Reschedule(day, timeStr); err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if err := h.settings.SetSetting(ctx, SettingMatchDay, strings.ToLower(day.String())); err != nil {
		return fmt.Errorf("save %s: %w", SettingMatchDay, err)
	}
	if err := h.settings.SetSetting(ctx, SettingMatchTime, timeStr); err != nil {
		return fmt.Errorf("save %s: %w", SettingMatchTime, err)
	}

	slog.Info("matching rescheduled", "admin_id", msg.UserID, "day", day, "time", timeStr)
	return h.reply(ctx, msg.ChatID, fmt.Sprintf("✅ Matching now runs every %s at %s", day, timeStr))
}

func (h *CommandHandler) displaySchedule(ctx context.Context, chatID int64) error {
	day, timeStr, ok := h.schedUpdater.Current()
	if !ok {
		return h.reply(ctx, chatID, "Matching is not scheduled.")
	}

	text := fmt.Sprintf("Matching runs every %s at %s", day, timeStr)
	if next, ok := h.schedUpdater.NextRun(h.now()); ok {
		text += fmt.Sprintf("\nNext run: %s", next.Format("Mon 2006-01-02 15:04 MST"))
	}
	text += "\n\nChange with:\n/schedule <day> HH:MM"
	return h.reply(ctx, chatID, text)
}

func (h *CommandHandler) sendScheduleUsage(ctx context.Context, chatID int64) error {
	text := "Usage:\n" +
		"/schedule - Show the weekly schedule\n" +
		"/schedule <day> HH:MM - Change it, e.g. /schedule friday 18:30"
	return h.reply(ctx, chatID, text)
}

func (h *CommandHandler) participantError(ctx context.Context, chatID int64, op string, err error) error {
	if errors.Is(err, ErrParticipantNotFound) {
		return h.reply(ctx, chatID, "I don't know this user yet. They need to send /start first.")
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (h *CommandHandler) reply(ctx context.Context, chatID int64, text string) error {
	_, err := h.sender.SendMessage(ctx, chatID, text, false)
	return err
}

// FormatRunResult formats a run result for the admin who requested it.
func FormatRunResult(r *matchrun.Result) string {
	if r.NoOp {
		return "No eligible participants, nothing to match."
	}
	if r.DryRun {
		return fmt.Sprintf("Pseudo-matching %s done: %d participants. Nothing was saved or sent.",
			r.BatchID, r.Participants)
	}
	return fmt.Sprintf("Matching %s done: %d participants, %d notified, %d failed, %d blocked the bot.",
		r.BatchID, r.Participants, r.Notified, r.Failed, r.BotBlocked)
}

// parseCommand splits "/cmd@bot args" into its command and argument parts.
func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	cmd, args, _ := strings.Cut(text[1:], " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	if cmd == "" {
		return "", "", false
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}

func normalizeUsername(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

// validUsername accepts Telegram handles: letters, digits and underscores.
func validUsername(s string) bool {
	if len(s) < 3 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
