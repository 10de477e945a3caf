package matchrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"coffee-match-bot/matching"
	"coffee-match-bot/survey"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is
	// still executing.
	ErrRunInProgress = errors.New("matching run already in progress")
	// ErrRecipientBlocked marks a notification that failed because the
	// participant blocked the bot.
	ErrRecipientBlocked = errors.New("recipient blocked the bot")
)

// ParticipantRecord is a participant as the store keeps it.
type ParticipantRecord struct {
	ID              int64
	Username        string
	Name            string
	Sex             string
	DesiredSex      string
	ProgramName     string
	ProgramYear     int
	About           string
	Survey          map[string]any
	PartnerSurvey   map[string]any
	Blacklist       []string
	BotBlocked      bool
	MatchingBlocked bool
	ProfileComplete bool
}

// Storage provides persistence operations.
type Storage interface {
	ListParticipants(ctx context.Context) ([]*ParticipantRecord, error)
	SaveMatch(ctx context.Context, batchID string, createdAt time.Time, payload []byte) error
	SetBotBlocked(ctx context.Context, participantID int64) error
}

// Engine matches one snapshot of participants.
type Engine interface {
	Run(participants []matching.Participant) (*matching.Batch, error)
}

// Notifier delivers a batch to participants and administrators.
// NotifyParticipant returns an error wrapping ErrRecipientBlocked when the
// participant blocked the bot.
type Notifier interface {
	NotifyParticipant(ctx context.Context, entry matching.Entry) error
	NotifyAdmins(ctx context.Context, batch *matching.Batch, dryRun bool) error
}

// Result describes what a run did.
type Result struct {
	BatchID      string
	DryRun       bool
	NoOp         bool
	Participants int
	Notified     int
	Failed       int
	BotBlocked   int
	Stats        matching.Stats
}

// Runner orchestrates a matching run: snapshot, engine, persistence and
// notification. At most one run executes at a time.
type Runner struct {
	storage       Storage
	engine        Engine
	notifier      Notifier
	questionCount int
	concurrency   int
	mu            sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithQuestionCount sets the number of survey answers a complete profile has.
func WithQuestionCount(n int) Option {
	return func(r *Runner) {
		r.questionCount = n
	}
}

// WithConcurrency sets how many participant notifications are sent at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		r.concurrency = n
	}
}

// NewRunner creates a new matching runner.
func NewRunner(storage Storage, engine Engine, notifier Notifier, opts ...Option) *Runner {
	r := &Runner{
		storage:       storage,
		engine:        engine,
		notifier:      notifier,
		questionCount: 10,
		concurrency:   4,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.concurrency < 1 {
		r.concurrency = 1
	}
	return r
}

// Run executes a real matching run: the batch is saved, administrators get
// the summary and every participant is notified. An empty eligible set is a
// no-op and not an error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	return r.run(ctx, false)
}

// DryRun matches the current participants and sends only the administrator
// summary. Nothing is saved and no participant is contacted.
func (r *Runner) DryRun(ctx context.Context) (*Result, error) {
	return r.run(ctx, true)
}

func (r *Runner) run(ctx context.Context, dryRun bool) (*Result, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	slog.Info("starting matching run", "dry_run", dryRun)

	// Step 1: Load snapshot
	records, err := r.storage.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	snapshot := Snapshot(records, r.questionCount)
	slog.Info("loaded participant snapshot", "count", len(snapshot))

	// Step 2: Match
	batch, err := r.engine.Run(snapshot)
	if errors.Is(err, matching.ErrNoEligibleParticipants) {
		slog.Info("no eligible participants, nothing to match")
		return &Result{DryRun: dryRun, NoOp: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run engine: %w", err)
	}

	result := &Result{
		BatchID:      batch.ID,
		DryRun:       dryRun,
		Participants: len(batch.Entries),
		Stats:        batch.Stats,
	}
	slog.Info("matching complete",
		"batch_id", batch.ID,
		"participants", batch.Stats.Participants,
		"passes", batch.Stats.Passes,
		"top_ups", batch.Stats.TopUps,
		"over_cap", batch.Stats.OverCap,
		"duplicate_tokens", batch.Stats.DuplicateTokens,
		"unassigned", batch.Stats.Unassigned,
	)

	// Step 3: Persist
	if !dryRun {
		payload, err := json.Marshal(batch)
		if err != nil {
			return nil, fmt.Errorf("marshal batch: %w", err)
		}
		if err := r.storage.SaveMatch(ctx, batch.ID, batch.CreatedAt, payload); err != nil {
			return nil, fmt.Errorf("save batch %s: %w", batch.ID, err)
		}
		slog.Info("saved batch", "batch_id", batch.ID, "bytes", len(payload))
	}

	// Step 4: Admin summary
	if err := r.notifier.NotifyAdmins(ctx, batch, dryRun); err != nil {
		slog.Warn("failed to send admin summary", "batch_id", batch.ID, "error", err)
	}

	if dryRun {
		slog.Info("dry run complete", "batch_id", batch.ID)
		return result, nil
	}

	// Step 5: Participant notifications
	r.notifyParticipants(ctx, batch, result)

	slog.Info("matching run complete",
		"batch_id", batch.ID,
		"notified", result.Notified,
		"failed", result.Failed,
		"bot_blocked", result.BotBlocked,
	)
	return result, nil
}

func (r *Runner) notifyParticipants(ctx context.Context, batch *matching.Batch, result *Result) {
	var notified, failed, blocked atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, entry := range batch.Entries {
		g.Go(func() error {
			err := r.notifier.NotifyParticipant(gctx, entry)
			switch {
			case err == nil:
				notified.Add(1)
			case errors.Is(err, ErrRecipientBlocked):
				blocked.Add(1)
				slog.Info("participant blocked the bot", "participant_id", entry.ParticipantID)
				if err := r.storage.SetBotBlocked(gctx, entry.ParticipantID); err != nil {
					slog.Warn("failed to mark participant bot-blocked", "participant_id", entry.ParticipantID, "error", err)
				}
			default:
				failed.Add(1)
				slog.Warn("failed to notify participant", "participant_id", entry.ParticipantID, "error", err)
			}
			// Per-participant failures never abort the fan-out.
			return nil
		})
	}
	_ = g.Wait()

	result.Notified = int(notified.Load())
	result.Failed = int(failed.Load())
	result.BotBlocked = int(blocked.Load())
}

// Snapshot converts stored records into engine participants. Survey answers
// become trait vectors; blacklisted usernames are resolved to participant IDs
// ignoring case and a leading @, and unknown usernames are dropped. A profile
// only counts as complete when both surveys have questionCount answers.
func Snapshot(records []*ParticipantRecord, questionCount int) []matching.Participant {
	idByUsername := make(map[string]int64, len(records))
	for _, rec := range records {
		if rec.Username == "" {
			continue
		}
		idByUsername[normalizeUsername(rec.Username)] = rec.ID
	}

	return lo.Map(records, func(rec *ParticipantRecord, _ int) matching.Participant {
		self := survey.Vector(rec.Survey)
		partner := survey.Vector(rec.PartnerSurvey)

		exclusions := lo.Uniq(lo.FilterMap(rec.Blacklist, func(name string, _ int) (int64, bool) {
			id, ok := idByUsername[normalizeUsername(name)]
			return id, ok
		}))

		complete := rec.ProfileComplete
		if questionCount > 0 {
			complete = complete && survey.Complete(rec.Survey, questionCount) &&
				survey.Complete(rec.PartnerSurvey, questionCount)
		}

		return matching.Participant{
			ID:              rec.ID,
			Sex:             rec.Sex,
			DesiredSex:      rec.DesiredSex,
			SelfSurvey:      self,
			PartnerSurvey:   partner,
			Exclusions:      exclusions,
			BotBlocked:      rec.BotBlocked,
			MatchingBlocked: rec.MatchingBlocked,
			ProfileComplete: complete,
			Profile: matching.Profile{
				Username:    rec.Username,
				Name:        rec.Name,
				ProgramName: rec.ProgramName,
				ProgramYear: rec.ProgramYear,
				About:       rec.About,
			},
		}
	})
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
