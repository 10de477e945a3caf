package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/samber/lo"
)

// SurveyKind tells the two questionnaires apart.
type SurveyKind int

const (
	// SelfSurvey holds a participant's answers about themselves.
	SelfSurvey SurveyKind = iota
	// PartnerSurvey holds a participant's answers about the partner they
	// would like to meet.
	PartnerSurvey
)

func (k SurveyKind) String() string {
	if k == PartnerSurvey {
		return "partner_survey"
	}
	return "survey"
}

// Profile is what a participant tells about themselves in /profile.
type Profile struct {
	Name        string
	ProgramName string
	ProgramYear int
	Sex         string
	DesiredSex  string
	About       string
}

// SexChoices are the answers offered for the sex questions. Matching compares
// them ignoring case.
var SexChoices = []string{"male", "female"}

// SurveyChoices are the answers offered for every survey statement, from
// "not me at all" to "exactly me".
var SurveyChoices = []string{"-2", "-1", "0", "1", "2"}

// SurveyQuestions are the statements a participant rates about themselves.
var SurveyQuestions = []string{
	"I am open and sociable",
	"I tend to be critical of others and like to argue",
	"I am responsible and disciplined",
	"I get upset and anxious easily",
	"I am many-sided and open to new experiences",
	"I try not to show my true emotions around people",
	"I am sympathetic and warm-hearted",
	"My actions are spontaneous rather than consistent",
	"I am emotionally stable and calm",
	"I am conservative and slow to accept new things",
}

// PartnerSurveyQuestions are the same statements about the wished-for partner.
var PartnerSurveyQuestions = []string{
	"They are open and sociable",
	"They tend to be critical of others and like to argue",
	"They are responsible and disciplined",
	"They get upset and anxious easily",
	"They are many-sided and open to new experiences",
	"They try not to show their true emotions around people",
	"They are sympathetic and warm-hearted",
	"Their actions are spontaneous rather than consistent",
	"They are emotionally stable and calm",
	"They are conservative and slow to accept new things",
}

const (
	maxNameLength    = 50
	maxNameWords     = 3
	maxProgramLength = 64
	minProgramYear   = 1990
	maxProgramYear   = 9999
	maxAboutLength   = 400
)

type dialogKind int

const (
	dialogProfile dialogKind = iota
	dialogSurvey
	dialogPartnerSurvey
)

// Profile dialog steps, in the order they are asked.
const (
	stepName = iota
	stepProgramName
	stepProgramYear
	stepSex
	stepDesiredSex
	stepAbout
	profileSteps
)

// dialog is a multi-step conversation in progress with one user.
type dialog struct {
	mu      sync.Mutex
	kind    dialogKind
	step    int
	done    bool
	profile Profile
	answers map[string]any
}

// HandleProfile starts the /profile dialog.
func (h *CommandHandler) HandleProfile(ctx context.Context, msg Message) error {
	if _, err := h.participants.EnsureParticipant(ctx, msg.UserID, msg.Username, msg.FirstName); err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}

	h.startDialog(msg.UserID, &dialog{kind: dialogProfile})
	slog.Info("profile started", "user_id", msg.UserID)

	if err := h.reply(ctx, msg.ChatID, "Let's fill in your profile. It takes a minute; send /cancel to stop."); err != nil {
		return err
	}
	return h.askProfileStep(ctx, msg.ChatID, stepName)
}

// HandleSurvey starts the /survey or /partner_survey dialog.
func (h *CommandHandler) HandleSurvey(ctx context.Context, msg Message, kind SurveyKind) error {
	if _, err := h.participants.EnsureParticipant(ctx, msg.UserID, msg.Username, msg.FirstName); err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}

	d := &dialog{kind: dialogSurvey, answers: make(map[string]any, h.questionCount)}
	intro := fmt.Sprintf("Rate %d statements about yourself.\n\n\"-2\" - not me at all\n\"2\" - exactly me",
		h.questionCount)
	if kind == PartnerSurvey {
		d.kind = dialogPartnerSurvey
		intro = fmt.Sprintf("Rate %d statements about the person you would like to meet.\n\n\"-2\" - not them at all\n\"2\" - exactly them",
			h.questionCount)
	}
	h.startDialog(msg.UserID, d)
	slog.Info("survey started", "user_id", msg.UserID, "survey", kind.String())

	if err := h.reply(ctx, msg.ChatID, intro); err != nil {
		return err
	}
	return h.askQuestion(ctx, msg.ChatID, kind, 0)
}

// continueDialog feeds a non-command message into the user's open dialog.
// Without one the message is ignored.
func (h *CommandHandler) continueDialog(ctx context.Context, msg Message) error {
	h.dialogsMu.Lock()
	d := h.dialogs[msg.UserID]
	h.dialogsMu.Unlock()
	if d == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}

	switch d.kind {
	case dialogProfile:
		return h.profileStep(ctx, msg, d)
	case dialogPartnerSurvey:
		return h.surveyStep(ctx, msg, d, PartnerSurvey)
	default:
		return h.surveyStep(ctx, msg, d, SelfSurvey)
	}
}

func (h *CommandHandler) profileStep(ctx context.Context, msg Message, d *dialog) error {
	text := strings.TrimSpace(msg.Text)

	switch d.step {
	case stepName:
		if text == "" || utf8.RuneCountInString(text) >= maxNameLength || len(strings.Fields(text)) > maxNameWords {
			return h.reply(ctx, msg.ChatID, "That name looks too long. Up to three words, please.")
		}
		d.profile.Name = text

	case stepProgramName:
		if text == "" || utf8.RuneCountInString(text) > maxProgramLength {
			return h.reply(ctx, msg.ChatID, "Please send your program name in a few words.")
		}
		d.profile.ProgramName = text

	case stepProgramYear:
		year, err := strconv.Atoi(text)
		if err != nil || year < minProgramYear || year > maxProgramYear {
			return h.reply(ctx, msg.ChatID, "That does not look like a graduation year. Send it as yyyy, e.g. 2027.")
		}
		d.profile.ProgramYear = year

	case stepSex, stepDesiredSex:
		choice, ok := matchChoice(text, SexChoices)
		if !ok {
			return h.sender.SendChoices(ctx, msg.ChatID, "Please pick one of the options below.", SexChoices)
		}
		if d.step == stepSex {
			d.profile.Sex = choice
		} else {
			d.profile.DesiredSex = choice
		}

	case stepAbout:
		if utf8.RuneCountInString(text) > maxAboutLength {
			return h.reply(ctx, msg.ChatID, fmt.Sprintf("That is a bit long. Please keep it under %d characters.", maxAboutLength))
		}
		if text != "-" {
			d.profile.About = text
		}
	}

	d.step++
	if d.step < profileSteps {
		return h.askProfileStep(ctx, msg.ChatID, d.step)
	}

	if err := h.participants.SaveProfile(ctx, msg.UserID, d.profile); err != nil {
		return h.participantError(ctx, msg.ChatID, "save profile", err)
	}
	h.finishDialog(msg.UserID, d)
	slog.Info("profile saved", "user_id", msg.UserID)

	return h.reply(ctx, msg.ChatID, "Your profile is saved! 🎉\n\n"+
		"Now rate yourself with /survey and the person you would like to meet with /partner_survey. "+
		"You can redo any of them later.")
}

func (h *CommandHandler) askProfileStep(ctx context.Context, chatID int64, step int) error {
	prefix := fmt.Sprintf("[Step %d/%d]\n", step+1, profileSteps)
	switch step {
	case stepName:
		return h.reply(ctx, chatID, prefix+"What is your name?")
	case stepProgramName:
		return h.reply(ctx, chatID, prefix+"Which program do you study in?")
	case stepProgramYear:
		return h.reply(ctx, chatID, prefix+"When do you graduate? Send the year, e.g. 2027.")
	case stepSex:
		return h.sender.SendChoices(ctx, chatID, prefix+"What is your sex?", SexChoices)
	case stepDesiredSex:
		return h.sender.SendChoices(ctx, chatID, prefix+"Who would you like to meet?", SexChoices)
	default:
		return h.sender.SendChoices(ctx, chatID, prefix+
			"Tell the others a few sentences about yourself. Send - to leave it empty.", nil)
	}
}

func (h *CommandHandler) surveyStep(ctx context.Context, msg Message, d *dialog, kind SurveyKind) error {
	choice, ok := matchChoice(msg.Text, SurveyChoices)
	if !ok {
		return h.sender.SendChoices(ctx, msg.ChatID, "Please pick one of the answers below.", SurveyChoices)
	}
	value, _ := strconv.Atoi(choice)
	d.answers[questionKey(d.step)] = value

	d.step++
	if d.step < h.questionCount {
		return h.askQuestion(ctx, msg.ChatID, kind, d.step)
	}

	if err := h.participants.SaveSurvey(ctx, msg.UserID, kind, d.answers); err != nil {
		return h.participantError(ctx, msg.ChatID, "save "+kind.String(), err)
	}
	h.finishDialog(msg.UserID, d)
	slog.Info("survey saved", "user_id", msg.UserID, "survey", kind.String(), "answers", len(d.answers))

	text := "Done! You can retake this survey any time with /survey.\n\n" +
		"Next, rate the person you would like to meet with /partner_survey."
	if kind == PartnerSurvey {
		text = "Done! You can retake this survey any time with /partner_survey.\n\n" +
			"That's all, now wait for the matching results. You can also keep people out with /blacklist."
	}
	return h.sender.SendChoices(ctx, msg.ChatID, text, nil)
}

func (h *CommandHandler) askQuestion(ctx context.Context, chatID int64, kind SurveyKind, i int) error {
	questions := SurveyQuestions
	if kind == PartnerSurvey {
		questions = PartnerSurveyQuestions
	}
	text := fmt.Sprintf("[Step %d/%d]\n%s", i+1, h.questionCount, questions[i])
	return h.sender.SendChoices(ctx, chatID, text, SurveyChoices)
}

func (h *CommandHandler) startDialog(userID int64, d *dialog) {
	h.dialogsMu.Lock()
	old := h.dialogs[userID]
	h.dialogs[userID] = d
	h.dialogsMu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.done = true
		old.mu.Unlock()
	}
}

// finishDialog closes d. The caller holds d.mu.
func (h *CommandHandler) finishDialog(userID int64, d *dialog) {
	d.done = true
	h.dialogsMu.Lock()
	defer h.dialogsMu.Unlock()
	if h.dialogs[userID] == d {
		delete(h.dialogs, userID)
	}
}

// cancelDialog drops the user's open dialog and reports whether there was one.
func (h *CommandHandler) cancelDialog(userID int64) bool {
	h.dialogsMu.Lock()
	d, ok := h.dialogs[userID]
	delete(h.dialogs, userID)
	h.dialogsMu.Unlock()
	if !ok {
		return false
	}

	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
	return true
}

// matchChoice finds text among choices, ignoring case and surrounding space.
func matchChoice(text string, choices []string) (string, bool) {
	return lo.Find(choices, func(c string) bool {
		return strings.EqualFold(c, strings.TrimSpace(text))
	})
}

func questionKey(i int) string {
	return "question" + strconv.Itoa(i+1)
}
