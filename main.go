package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"

	"coffee-match-bot/bot"
	"coffee-match-bot/config"
	"coffee-match-bot/matching"
	"coffee-match-bot/matchrun"
	"coffee-match-bot/scheduler"
	"coffee-match-bot/storage"
	"coffee-match-bot/survey"
	"coffee-match-bot/tokens"
)

func main() {
	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("starting coffee match bot")

	// Load configuration
	configPath := config.GetConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	slog.Info("config loaded", "path", configPath, "log_level", level)

	// Initialize database
	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database initialized", "path", cfg.DBPath)

	// Initialize Telegram bot
	if err := tgbotapi.SetLogger(slog.NewLogLogger(handler, slog.LevelWarn)); err != nil {
		slog.Warn("failed to set telegram logger", "error", err)
	}
	tgBot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		slog.Error("failed to initialize Telegram bot", "error", err)
		os.Exit(1)
	}
	slog.Info("telegram bot initialized", "username", tgBot.Self.UserName)

	// Initialize matching engine
	issuer, err := tokens.NewIssuer(tokens.DefaultPool())
	if err != nil {
		slog.Error("failed to initialize token issuer", "error", err)
		os.Exit(1)
	}
	slog.Info("token pool built", "size", issuer.PoolSize())

	engine, err := matching.NewEngine(issuer, matching.WithPolicy(matching.Policy{
		K:   cfg.AssignmentsPerParticipant,
		Cap: cfg.CandidateCap,
	}))
	if err != nil {
		slog.Error("failed to initialize matching engine", "error", err)
		os.Exit(1)
	}

	sender := bot.NewTelegramSender(tgBot)
	notifier := bot.NewNotifier(sender, cfg.AdminIDs,
		bot.WithInlineLimit(cfg.SummaryInlineLimit),
		bot.WithMaxAssignments(cfg.AssignmentsPerParticipant),
	)
	runner := matchrun.NewRunner(&matchStorageAdapter{db}, engine, notifier,
		matchrun.WithQuestionCount(cfg.QuestionCount),
	)

	// Initialize scheduler
	sched, err := scheduler.NewScheduler(cfg.Timezone)
	if err != nil {
		slog.Error("failed to initialize scheduler", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	// Create app instance
	app := &App{
		cfg:       cfg,
		db:        db,
		tgBot:     tgBot,
		runner:    runner,
		scheduler: sched,
	}
	app.commands = bot.NewCommandHandler(
		sender,
		&participantStoreAdapter{db},
		&settingsAdapter{db},
		cfg.IsAdmin,
		bot.WithScheduleUpdater(&scheduleAdapter{app}),
		bot.WithMatchRunner(runner),
		bot.WithMatchArchive(&matchArchiveAdapter{db}),
		bot.WithQuestionCount(cfg.QuestionCount),
		bot.WithReplyLimit(cfg.SummaryInlineLimit),
	)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Schedule weekly matching, preferring a schedule changed at runtime
	day, matchTime := app.storedSchedule(ctx)
	if err := app.reschedule(day, matchTime); err != nil {
		slog.Error("failed to schedule matching", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()
	if next, ok := sched.NextRun(time.Now()); ok {
		slog.Info("matching scheduled", "day", day, "time", matchTime, "timezone", cfg.Timezone, "next_run", next)
	}

	// Run the bot
	slog.Info("starting bot polling")
	app.run(ctx)
	slog.Info("bot stopped")
}

// App holds all application dependencies.
type App struct {
	cfg       *config.Config
	db        *storage.DB
	tgBot     *tgbotapi.BotAPI
	runner    *matchrun.Runner
	scheduler *scheduler.Scheduler
	commands  *bot.CommandHandler
	wg        sync.WaitGroup
}

func (a *App) run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := a.tgBot.GetUpdatesChan(u)
	defer a.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			a.tgBot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(ctx, update.Message)
			}()
		}
	}
}

func (a *App) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Text == "" || msg.From == nil || !msg.Chat.IsPrivate() {
		return
	}

	slog.Info("received message", "chat_id", msg.Chat.ID, "user_id", msg.From.ID, "text", msg.Text)

	err := a.commands.Handle(ctx, bot.Message{
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		Text:      msg.Text,
	})
	if err != nil {
		slog.Warn("failed to handle message", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (a *App) storedSchedule(ctx context.Context) (time.Weekday, string) {
	day := a.cfg.Weekday()
	if stored, err := a.db.GetSetting(ctx, bot.SettingMatchDay); err == nil {
		if d, err := config.ParseWeekday(stored); err == nil {
			day = d
		} else {
			slog.Warn("ignoring stored match day", "value", stored, "error", err)
		}
	}

	matchTime := a.cfg.MatchTime
	if stored, err := a.db.GetSetting(ctx, bot.SettingMatchTime); err == nil {
		if config.ValidMatchTime(stored) {
			matchTime = stored
		} else {
			slog.Warn("ignoring stored match time", "value", stored)
		}
	}
	return day, matchTime
}

func (a *App) reschedule(day time.Weekday, timeStr string) error {
	return a.scheduler.Schedule(day, timeStr, func() {
		a.runScheduledMatch(context.Background())
	})
}

func (a *App) runScheduledMatch(ctx context.Context) {
	slog.Info("scheduled matching triggered")
	result, err := a.runner.Run(ctx)
	if err != nil {
		slog.Error("scheduled matching failed", "error", err)
		return
	}
	if result.NoOp {
		return
	}
	slog.Info("scheduled matching finished", "batch_id", result.BatchID, "notified", result.Notified)
}

// Adapter types to bridge between storage and the bot and matchrun interfaces

type scheduleAdapter struct {
	app *App
}

func (s *scheduleAdapter) Reschedule(day time.Weekday, timeStr string) error {
	return s.app.reschedule(day, timeStr)
}

func (s *scheduleAdapter) NextRun(now time.Time) (time.Time, bool) {
	return s.app.scheduler.NextRun(now)
}

func (s *scheduleAdapter) Current() (time.Weekday, string, bool) {
	return s.app.scheduler.Current()
}

type settingsAdapter struct {
	db *storage.DB
}

func (s *settingsAdapter) GetSetting(ctx context.Context, key string) (string, error) {
	v, err := s.db.GetSetting(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", bot.ErrSettingNotFound
	}
	return v, err
}

func (s *settingsAdapter) SetSetting(ctx context.Context, key, value string) error {
	return s.db.SetSetting(ctx, key, value)
}

type participantStoreAdapter struct {
	db *storage.DB
}

func (p *participantStoreAdapter) EnsureParticipant(ctx context.Context, id int64, username, name string) (bool, error) {
	created, err := p.db.EnsureParticipant(ctx, id, username, name)
	if err != nil {
		return false, err
	}
	// Writing to the bot means the user no longer blocks it
	if changed, err := p.db.SetBotBlocked(ctx, id, false); err != nil {
		return created, err
	} else if changed {
		slog.Info("participant unblocked the bot", "user_id", id)
	}
	return created, nil
}

func (p *participantStoreAdapter) FindByUsername(ctx context.Context, username string) (int64, error) {
	participant, err := p.db.GetParticipantByUsername(ctx, username)
	if err != nil {
		return 0, notFound(err)
	}
	return participant.ID, nil
}

func (p *participantStoreAdapter) GetBlacklist(ctx context.Context, id int64) ([]string, error) {
	list, err := p.db.GetBlacklist(ctx, id)
	return list, notFound(err)
}

func (p *participantStoreAdapter) AddToBlacklist(ctx context.Context, id int64, username string) (bool, error) {
	added, err := p.db.AddToBlacklist(ctx, id, username)
	return added, notFound(err)
}

func (p *participantStoreAdapter) RemoveFromBlacklist(ctx context.Context, id int64, username string) (bool, error) {
	removed, err := p.db.RemoveFromBlacklist(ctx, id, username)
	return removed, notFound(err)
}

func (p *participantStoreAdapter) SetMatchingBlocked(ctx context.Context, id int64, blocked bool) (bool, error) {
	changed, err := p.db.SetMatchingBlocked(ctx, id, blocked)
	return changed, notFound(err)
}

func (p *participantStoreAdapter) SaveProfile(ctx context.Context, id int64, profile bot.Profile) error {
	return notFound(p.db.SaveProfile(ctx, id, storage.Profile{
		Name:        profile.Name,
		Sex:         profile.Sex,
		DesiredSex:  profile.DesiredSex,
		ProgramName: profile.ProgramName,
		ProgramYear: profile.ProgramYear,
		About:       profile.About,
	}))
}

func (p *participantStoreAdapter) SaveSurvey(ctx context.Context, id int64, kind bot.SurveyKind, answers map[string]any) error {
	if kind == bot.PartnerSurvey {
		return notFound(p.db.SavePartnerSurvey(ctx, id, answers))
	}
	return notFound(p.db.SaveSurvey(ctx, id, answers))
}

func (p *participantStoreAdapter) GetParticipant(ctx context.Context, username string) (*bot.ParticipantInfo, error) {
	participant, err := p.db.GetParticipantByUsername(ctx, username)
	if err != nil {
		return nil, notFound(err)
	}
	info := participantInfo(participant)
	return &info, nil
}

func (p *participantStoreAdapter) ListParticipants(ctx context.Context) ([]bot.ParticipantInfo, error) {
	participants, err := p.db.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(participants, func(participant *storage.Participant, _ int) bot.ParticipantInfo {
		return participantInfo(participant)
	}), nil
}

func participantInfo(p *storage.Participant) bot.ParticipantInfo {
	return bot.ParticipantInfo{
		ID:                   p.ID,
		Username:             p.Username,
		Name:                 p.Name,
		Sex:                  p.Sex,
		DesiredSex:           p.DesiredSex,
		ProgramName:          p.ProgramName,
		ProgramYear:          p.ProgramYear,
		About:                p.About,
		ProfileComplete:      p.ProfileComplete,
		SurveyAnswers:        len(survey.Vector(p.Survey)),
		PartnerSurveyAnswers: len(survey.Vector(p.PartnerSurvey)),
		Blacklist:            p.Blacklist,
		BotBlocked:           p.BotBlocked,
		MatchingBlocked:      p.MatchingBlocked,
	}
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return bot.ErrParticipantNotFound
	}
	return err
}

type matchStorageAdapter struct {
	db *storage.DB
}

func (m *matchStorageAdapter) ListParticipants(ctx context.Context) ([]*matchrun.ParticipantRecord, error) {
	participants, err := m.db.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*matchrun.ParticipantRecord, len(participants))
	for i, p := range participants {
		records[i] = &matchrun.ParticipantRecord{
			ID:              p.ID,
			Username:        p.Username,
			Name:            p.Name,
			Sex:             p.Sex,
			DesiredSex:      p.DesiredSex,
			ProgramName:     p.ProgramName,
			ProgramYear:     p.ProgramYear,
			About:           p.About,
			Survey:          p.Survey,
			PartnerSurvey:   p.PartnerSurvey,
			Blacklist:       p.Blacklist,
			BotBlocked:      p.BotBlocked,
			MatchingBlocked: p.MatchingBlocked,
			ProfileComplete: p.ProfileComplete,
		}
	}
	return records, nil
}

func (m *matchStorageAdapter) SaveMatch(ctx context.Context, batchID string, createdAt time.Time, payload []byte) error {
	return m.db.SaveMatch(ctx, &storage.Match{
		ID:        batchID,
		CreatedAt: createdAt,
		Payload:   payload,
	})
}

func (m *matchStorageAdapter) SetBotBlocked(ctx context.Context, participantID int64) error {
	_, err := m.db.SetBotBlocked(ctx, participantID, true)
	return err
}

type matchArchiveAdapter struct {
	db *storage.DB
}

func (m *matchArchiveAdapter) LatestMatch(ctx context.Context) (string, []byte, error) {
	id, err := m.db.LatestMatchID(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, bot.ErrNoMatches
	}
	if err != nil {
		return "", nil, err
	}
	match, err := m.db.GetMatch(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return match.ID, match.Payload, nil
}
