package bot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coffee-match-bot/matching"
	"coffee-match-bot/matchrun"
	"coffee-match-bot/survey"
)

// Mock implementations for testing

type mockMessageSender struct {
	mu            sync.Mutex
	sentMessages  []sentMessage
	sentDocuments []sentDocument
	blocked       map[int64]bool
}

type sentMessage struct {
	chatID  int64
	text    string
	html    bool
	choices []string
}

type sentDocument struct {
	chatID  int64
	name    string
	data    []byte
	caption string
}

func (m *mockMessageSender) SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked[chatID] {
		return 0, ErrBotBlocked
	}
	m.sentMessages = append(m.sentMessages, sentMessage{chatID: chatID, text: text, html: html})
	return int64(len(m.sentMessages)), nil
}

func (m *mockMessageSender) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentDocuments = append(m.sentDocuments, sentDocument{chatID: chatID, name: name, data: data, caption: caption})
	return nil
}

func (m *mockMessageSender) SendChoices(ctx context.Context, chatID int64, text string, choices []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked[chatID] {
		return ErrBotBlocked
	}
	m.sentMessages = append(m.sentMessages, sentMessage{chatID: chatID, text: text, choices: choices})
	return nil
}

func (m *mockMessageSender) last() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentMessages) == 0 {
		return sentMessage{}
	}
	return m.sentMessages[len(m.sentMessages)-1]
}

type mockSettingsStore struct {
	settings map[string]string
}

func newMockSettingsStore() *mockSettingsStore {
	return &mockSettingsStore{settings: make(map[string]string)}
}

func (m *mockSettingsStore) GetSetting(ctx context.Context, key string) (string, error) {
	if v, ok := m.settings[key]; ok {
		return v, nil
	}
	return "", ErrSettingNotFound
}

func (m *mockSettingsStore) SetSetting(ctx context.Context, key, value string) error {
	m.settings[key] = value
	return nil
}

type mockParticipant struct {
	username        string
	name            string
	blacklist       []string
	matchingBlocked bool
	botBlocked      bool
	profile         Profile
	profileComplete bool
	survey          map[string]any
	partnerSurvey   map[string]any
}

type mockParticipantStore struct {
	participants map[int64]*mockParticipant
}

func newMockParticipantStore() *mockParticipantStore {
	return &mockParticipantStore{participants: make(map[int64]*mockParticipant)}
}

func (m *mockParticipantStore) EnsureParticipant(ctx context.Context, id int64, username, name string) (bool, error) {
	if p, ok := m.participants[id]; ok {
		p.username = username
		return false, nil
	}
	m.participants[id] = &mockParticipant{username: username, name: name}
	return true, nil
}

func (m *mockParticipantStore) FindByUsername(ctx context.Context, username string) (int64, error) {
	for id, p := range m.participants {
		if strings.EqualFold(p.username, username) {
			return id, nil
		}
	}
	return 0, ErrParticipantNotFound
}

func (m *mockParticipantStore) GetBlacklist(ctx context.Context, id int64) ([]string, error) {
	p, ok := m.participants[id]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	return p.blacklist, nil
}

func (m *mockParticipantStore) AddToBlacklist(ctx context.Context, id int64, username string) (bool, error) {
	p, ok := m.participants[id]
	if !ok {
		return false, ErrParticipantNotFound
	}
	for _, u := range p.blacklist {
		if strings.EqualFold(u, username) {
			return false, nil
		}
	}
	p.blacklist = append(p.blacklist, username)
	return true, nil
}

func (m *mockParticipantStore) RemoveFromBlacklist(ctx context.Context, id int64, username string) (bool, error) {
	p, ok := m.participants[id]
	if !ok {
		return false, ErrParticipantNotFound
	}
	for i, u := range p.blacklist {
		if strings.EqualFold(u, username) {
			p.blacklist = append(p.blacklist[:i], p.blacklist[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockParticipantStore) SetMatchingBlocked(ctx context.Context, id int64, blocked bool) (bool, error) {
	p, ok := m.participants[id]
	if !ok {
		return false, ErrParticipantNotFound
	}
	if p.matchingBlocked == blocked {
		return false, nil
	}
	p.matchingBlocked = blocked
	return true, nil
}

func (m *mockParticipantStore) SaveProfile(ctx context.Context, id int64, profile Profile) error {
	p, ok := m.participants[id]
	if !ok {
		return ErrParticipantNotFound
	}
	p.profile = profile
	p.name = profile.Name
	p.profileComplete = true
	return nil
}

func (m *mockParticipantStore) SaveSurvey(ctx context.Context, id int64, kind SurveyKind, answers map[string]any) error {
	p, ok := m.participants[id]
	if !ok {
		return ErrParticipantNotFound
	}
	if kind == PartnerSurvey {
		p.partnerSurvey = answers
	} else {
		p.survey = answers
	}
	return nil
}

func (m *mockParticipantStore) GetParticipant(ctx context.Context, username string) (*ParticipantInfo, error) {
	id, err := m.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	info := m.info(id)
	return &info, nil
}

func (m *mockParticipantStore) ListParticipants(ctx context.Context) ([]ParticipantInfo, error) {
	list := make([]ParticipantInfo, 0, len(m.participants))
	for id := range m.participants {
		list = append(list, m.info(id))
	}
	return list, nil
}

func (m *mockParticipantStore) info(id int64) ParticipantInfo {
	p := m.participants[id]
	return ParticipantInfo{
		ID:                   id,
		Username:             p.username,
		Name:                 p.name,
		Sex:                  p.profile.Sex,
		DesiredSex:           p.profile.DesiredSex,
		ProfileComplete:      p.profileComplete,
		SurveyAnswers:        len(survey.Vector(p.survey)),
		PartnerSurveyAnswers: len(survey.Vector(p.partnerSurvey)),
		Blacklist:            p.blacklist,
		BotBlocked:           p.botBlocked,
		MatchingBlocked:      p.matchingBlocked,
	}
}

// records converts the stored participants the way the storage adapter does
// for a matching run.
func (m *mockParticipantStore) records() []*matchrun.ParticipantRecord {
	records := make([]*matchrun.ParticipantRecord, 0, len(m.participants))
	for id, p := range m.participants {
		records = append(records, &matchrun.ParticipantRecord{
			ID:              id,
			Username:        p.username,
			Name:            p.name,
			Sex:             p.profile.Sex,
			DesiredSex:      p.profile.DesiredSex,
			ProgramName:     p.profile.ProgramName,
			ProgramYear:     p.profile.ProgramYear,
			About:           p.profile.About,
			Survey:          p.survey,
			PartnerSurvey:   p.partnerSurvey,
			Blacklist:       p.blacklist,
			BotBlocked:      p.botBlocked,
			MatchingBlocked: p.matchingBlocked,
			ProfileComplete: p.profileComplete,
		})
	}
	return records
}

type mockScheduleUpdater struct {
	day       time.Weekday
	timeStr   string
	scheduled bool
}

func (m *mockScheduleUpdater) Reschedule(day time.Weekday, timeStr string) error {
	m.day = day
	m.timeStr = timeStr
	m.scheduled = true
	return nil
}

func (m *mockScheduleUpdater) NextRun(now time.Time) (time.Time, bool) {
	if !m.scheduled {
		return time.Time{}, false
	}
	return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC), true
}

func (m *mockScheduleUpdater) Current() (time.Weekday, string, bool) {
	return m.day, m.timeStr, m.scheduled
}

type mockMatchRunner struct {
	runs    int
	dryRuns int
	result  *matchrun.Result
	err     error
}

func (m *mockMatchRunner) Run(ctx context.Context) (*matchrun.Result, error) {
	m.runs++
	return m.result, m.err
}

func (m *mockMatchRunner) DryRun(ctx context.Context) (*matchrun.Result, error) {
	m.dryRuns++
	return m.result, m.err
}

type mockMatchArchive struct {
	id      string
	payload []byte
	err     error
}

func (m *mockMatchArchive) LatestMatch(ctx context.Context) (string, []byte, error) {
	if m.err != nil {
		return "", nil, m.err
	}
	if m.payload == nil {
		return "", nil, ErrNoMatches
	}
	return m.id, m.payload, nil
}

const adminID = 1

func isAdmin(id int64) bool { return id == adminID }

type testHandler struct {
	*CommandHandler
	sender       *mockMessageSender
	participants *mockParticipantStore
	settings     *mockSettingsStore
	sched        *mockScheduleUpdater
	runner       *mockMatchRunner
	archive      *mockMatchArchive
}

func newTestHandler(opts ...HandlerOption) *testHandler {
	th := &testHandler{
		sender:       &mockMessageSender{},
		participants: newMockParticipantStore(),
		settings:     newMockSettingsStore(),
		sched:        &mockScheduleUpdater{},
		runner:       &mockMatchRunner{result: &matchrun.Result{BatchID: "2026-10-19_12:00:00", Participants: 4, Notified: 4}},
		archive:      &mockMatchArchive{},
	}
	opts = append([]HandlerOption{
		WithScheduleUpdater(th.sched),
		WithMatchRunner(th.runner),
		WithMatchArchive(th.archive),
		WithClock(func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) }),
	}, opts...)
	th.CommandHandler = NewCommandHandler(th.sender, th.participants, th.settings, isAdmin, opts...)
	return th
}

func userMsg(userID int64, username, text string) Message {
	return Message{ChatID: userID, UserID: userID, Username: username, FirstName: "User", Text: text}
}

// send feeds each text through Handle as userID and fails on the first error.
func (th *testHandler) send(t *testing.T, userID int64, username string, texts ...string) {
	t.Helper()
	for _, text := range texts {
		require.NoError(t, th.Handle(context.Background(), userMsg(userID, username, text)), "Handle(%q)", text)
	}
}

func (th *testHandler) lastText() string {
	return th.sender.last().text
}

// completeProfile answers every /profile step for a user.
func (th *testHandler) completeProfile(t *testing.T, userID int64, username, name, sex, desiredSex string) {
	t.Helper()
	th.send(t, userID, username, "/profile", name, "Economics", "2027", sex, desiredSex, "Likes espresso")
}

// completeSurvey answers every statement of a survey with the given values,
// cycling through them.
func (th *testHandler) completeSurvey(t *testing.T, userID int64, username, command string, values ...string) {
	t.Helper()
	th.send(t, userID, username, command)
	for i := 0; i < th.questionCount; i++ {
		th.send(t, userID, username, values[i%len(values)])
	}
}

// Tests

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		cmd     string
		args    string
		wantCmd bool
	}{
		{"/start", "start", "", true},
		{"/blacklist add @bob", "blacklist", "add @bob", true},
		{"/Match@CoffeeBot", "match", "", true},
		{"  /schedule friday 18:30 ", "schedule", "friday 18:30", true},
		{"/partner_survey", "partner_survey", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}

	for _, tt := range tests {
		cmd, args, ok := parseCommand(tt.text)
		assert.Equal(t, tt.wantCmd, ok, "parseCommand(%q) ok", tt.text)
		assert.Equal(t, tt.cmd, cmd, "parseCommand(%q) cmd", tt.text)
		assert.Equal(t, tt.args, args, "parseCommand(%q) args", tt.text)
	}
}

func TestHandleStart(t *testing.T) {
	th := newTestHandler()

	th.send(t, 42, "alice", "/start")

	assert.Contains(t, th.participants.participants, int64(42), "/start should register the participant")
	msg := th.sender.last()
	assert.Equal(t, int64(42), msg.chatID)
	for _, want := range []string{"/profile", "/survey", "/partner_survey", "/blacklist", "/cancel"} {
		assert.Contains(t, msg.text, want)
	}
	assert.NotContains(t, msg.text, "/admin", "welcome message for a regular user should not mention /admin")

	th.send(t, adminID, "root", "/start")
	assert.Contains(t, th.lastText(), "/admin")
}

func TestHandleIgnoresPlainText(t *testing.T) {
	th := newTestHandler()

	th.send(t, 42, "alice", "hi there")
	assert.Empty(t, th.sender.sentMessages, "plain text outside a dialog should get no reply")
}

func TestProfileDialog(t *testing.T) {
	th := newTestHandler()

	th.send(t, 42, "alice", "/profile")
	assert.Contains(t, th.lastText(), "[Step 1/6]")
	require.Contains(t, th.participants.participants, int64(42), "/profile should register the participant")

	th.send(t, 42, "alice", "Alice Liddell", "Economics", "2027")
	msg := th.sender.last()
	assert.Contains(t, msg.text, "[Step 4/6]")
	assert.Equal(t, SexChoices, msg.choices)

	th.send(t, 42, "alice", " FEMALE ", "male")
	msg = th.sender.last()
	assert.Contains(t, msg.text, "[Step 6/6]")
	assert.Empty(t, msg.choices, "the free-text step should remove the keyboard")

	assert.False(t, th.participants.participants[42].profileComplete, "nothing is saved before the last step")

	th.send(t, 42, "alice", "I like <b>espresso</b>")
	assert.Contains(t, th.lastText(), "profile is saved")
	assert.Contains(t, th.lastText(), "/survey")

	p := th.participants.participants[42]
	assert.True(t, p.profileComplete)
	assert.Equal(t, Profile{
		Name:        "Alice Liddell",
		ProgramName: "Economics",
		ProgramYear: 2027,
		Sex:         "female",
		DesiredSex:  "male",
		About:       "I like <b>espresso</b>",
	}, p.profile)

	// The dialog is over, further text is ignored
	sent := len(th.sender.sentMessages)
	th.send(t, 42, "alice", "hello?")
	assert.Len(t, th.sender.sentMessages, sent)
}

func TestProfileDialogInvalidInput(t *testing.T) {
	th := newTestHandler()
	th.send(t, 42, "alice", "/profile")

	steps := []struct {
		text string
		want string
		step string
	}{
		{"Alice Pleasance Liddell Hargreaves", "too long", "[Step 2/6]"},
		{"Alice", "", "[Step 2/6]"},
		{"   ", "program name", "[Step 3/6]"},
		{"Economics", "", "[Step 3/6]"},
		{"next year", "graduation year", "[Step 4/6]"},
		{"1850", "graduation year", "[Step 4/6]"},
		{"2027", "", "[Step 4/6]"},
		{"robot", "pick one of the options", "[Step 5/6]"},
		{"female", "", "[Step 5/6]"},
		{"either", "pick one of the options", "[Step 6/6]"},
		{"male", "", "[Step 6/6]"},
		{strings.Repeat("a", maxAboutLength+1), "a bit long", ""},
	}

	for _, s := range steps {
		th.send(t, 42, "alice", s.text)
		if s.want != "" {
			assert.Contains(t, th.lastText(), s.want, "reply to %q", s.text)
		} else {
			assert.Contains(t, th.lastText(), s.step, "reply to %q", s.text)
		}
		assert.False(t, th.participants.participants[42].profileComplete, "after %q", s.text)
	}

	th.send(t, 42, "alice", "-")
	p := th.participants.participants[42]
	assert.True(t, p.profileComplete)
	assert.Equal(t, "Alice", p.profile.Name)
	assert.Empty(t, p.profile.About, "- leaves the about text empty")
}

func TestSurveyDialog(t *testing.T) {
	th := newTestHandler(WithQuestionCount(3))
	th.send(t, 42, "alice", "/start")

	th.send(t, 42, "alice", "/survey")
	msg := th.sender.last()
	assert.Contains(t, msg.text, "[Step 1/3]")
	assert.Contains(t, msg.text, SurveyQuestions[0])
	assert.Equal(t, SurveyChoices, msg.choices)

	th.send(t, 42, "alice", "3")
	assert.Contains(t, th.lastText(), "pick one of the answers")
	th.send(t, 42, "alice", "maybe")
	assert.Contains(t, th.lastText(), "pick one of the answers")

	th.send(t, 42, "alice", "2", "-2")
	assert.Nil(t, th.participants.participants[42].survey, "nothing is saved before the last answer")

	th.send(t, 42, "alice", " 0 ")
	msg = th.sender.last()
	assert.Contains(t, msg.text, "/partner_survey")
	assert.Empty(t, msg.choices)

	assert.Equal(t, map[string]any{"question1": 2, "question2": -2, "question3": 0},
		th.participants.participants[42].survey)
	assert.Nil(t, th.participants.participants[42].partnerSurvey)
}

func TestPartnerSurveyDialog(t *testing.T) {
	th := newTestHandler(WithQuestionCount(2))
	th.send(t, 42, "alice", "/partner_survey")
	assert.Contains(t, th.lastText(), PartnerSurveyQuestions[0])

	th.send(t, 42, "alice", "1", "-1")
	assert.Contains(t, th.lastText(), "wait for the matching results")
	assert.Equal(t, map[string]any{"question1": 1, "question2": -1},
		th.participants.participants[42].partnerSurvey)
	assert.Nil(t, th.participants.participants[42].survey)

	// Retaking replaces the answers
	th.send(t, 42, "alice", "/partner_survey", "2", "2")
	assert.Equal(t, map[string]any{"question1": 2, "question2": 2},
		th.participants.participants[42].partnerSurvey)
}

func TestWithQuestionCountClamped(t *testing.T) {
	assert.Equal(t, len(SurveyQuestions), newTestHandler(WithQuestionCount(50)).questionCount)
	assert.Equal(t, 1, newTestHandler(WithQuestionCount(0)).questionCount)
	assert.Equal(t, len(SurveyQuestions), newTestHandler().questionCount)
}

func TestCancelDialog(t *testing.T) {
	th := newTestHandler(WithQuestionCount(3))

	th.send(t, 42, "alice", "/cancel")
	assert.Contains(t, th.lastText(), "Nothing to cancel")

	th.send(t, 42, "alice", "/survey", "1", "/cancel")
	msg := th.sender.last()
	assert.Contains(t, msg.text, "Cancelled")
	assert.Empty(t, msg.choices)

	sent := len(th.sender.sentMessages)
	th.send(t, 42, "alice", "1", "1")
	assert.Len(t, th.sender.sentMessages, sent, "answers after /cancel are ignored")
	assert.Nil(t, th.participants.participants[42].survey)
}

func TestCommandEndsDialog(t *testing.T) {
	th := newTestHandler(WithQuestionCount(2))

	th.send(t, 42, "alice", "/profile", "Alice", "/survey")
	assert.Contains(t, th.lastText(), SurveyQuestions[0])

	th.send(t, 42, "alice", "1", "2")
	p := th.participants.participants[42]
	assert.Equal(t, map[string]any{"question1": 1, "question2": 2}, p.survey)
	assert.False(t, p.profileComplete, "the interrupted profile is not saved")
	assert.Empty(t, p.profile.Name)

	// Other commands work in the middle of a dialog and close it
	th.send(t, 42, "alice", "/partner_survey", "/blacklist")
	assert.Contains(t, th.lastText(), "blacklist is empty")
	sent := len(th.sender.sentMessages)
	th.send(t, 42, "alice", "1")
	assert.Len(t, th.sender.sentMessages, sent)
}

func TestDialogsArePerUser(t *testing.T) {
	th := newTestHandler(WithQuestionCount(1))

	th.send(t, 42, "alice", "/survey")
	th.send(t, 43, "bob", "/partner_survey")
	th.send(t, 43, "bob", "2")
	th.send(t, 42, "alice", "-1")

	assert.Equal(t, map[string]any{"question1": -1}, th.participants.participants[42].survey)
	assert.Nil(t, th.participants.participants[42].partnerSurvey)
	assert.Equal(t, map[string]any{"question1": 2}, th.participants.participants[43].partnerSurvey)
	assert.Nil(t, th.participants.participants[43].survey)
}

// Everything a participant needs for matching is collected through the bot.
func TestDialogsMakeParticipantsEligible(t *testing.T) {
	th := newTestHandler()

	th.completeProfile(t, 42, "alice", "Alice", "female", "male")
	th.completeSurvey(t, 42, "alice", "/survey", "2", "1", "0")
	th.completeSurvey(t, 42, "alice", "/partner_survey", "-1", "0", "1")

	th.completeProfile(t, 43, "bob", "Bob", "male", "female")
	th.completeSurvey(t, 43, "bob", "/survey", "0", "-2")
	th.completeSurvey(t, 43, "bob", "/partner_survey", "2")

	// Carol only fills in her profile
	th.completeProfile(t, 44, "carol", "Carol", "female", "male")

	participants := matchrun.Snapshot(th.participants.records(), th.questionCount)
	eligible := matching.EligibleParticipants(participants)

	ids := make([]int64, 0, len(eligible))
	for _, p := range eligible {
		ids = append(ids, p.ID)
		assert.Len(t, p.SelfSurvey, th.questionCount)
		assert.Len(t, p.PartnerSurvey, th.questionCount)
	}
	assert.ElementsMatch(t, []int64{42, 43}, ids)

	alice := th.participants.participants[42]
	assert.Equal(t, []int{2, 1, 0, 2, 1, 0, 2, 1, 0, 2}, survey.Vector(alice.survey))

	// Alice and Bob want each other
	for _, p := range eligible {
		assert.Len(t, matching.Candidates(p, eligible), 1, "candidates of %d", p.ID)
	}
}

func TestHandleBlacklist(t *testing.T) {
	th := newTestHandler()

	th.send(t, 42, "alice", "/blacklist")
	assert.Contains(t, th.lastText(), "empty")

	th.send(t, 42, "alice", "/blacklist add @Bob_1")
	assert.Contains(t, th.lastText(), "Added @Bob_1")

	th.send(t, 42, "alice", "/blacklist add bob_1")
	assert.Contains(t, th.lastText(), "already")

	th.send(t, 42, "alice", "/blacklist")
	assert.Contains(t, th.lastText(), "@Bob_1")

	th.send(t, 42, "alice", "/blacklist remove @bob_1")
	assert.Contains(t, th.lastText(), "Removed")
	assert.Empty(t, th.participants.participants[42].blacklist)

	th.send(t, 42, "alice", "/blacklist remove @bob_1")
	assert.Contains(t, th.lastText(), "not on your blacklist")
}

func TestHandleBlacklistInvalid(t *testing.T) {
	th := newTestHandler()

	tests := []struct {
		text string
		want string
	}{
		{"/blacklist add", "Usage"},
		{"/blacklist purge @bob", "Usage"},
		{"/blacklist add @b!", "does not look like"},
		{"/blacklist add @Alice", "yourself"},
	}

	for _, tt := range tests {
		th.send(t, 42, "alice", tt.text)
		assert.Contains(t, th.lastText(), tt.want, "Handle(%q)", tt.text)
	}
	assert.Empty(t, th.participants.participants[42].blacklist, "invalid commands should not change the blacklist")
}

func TestAdminCommandsRefused(t *testing.T) {
	th := newTestHandler()

	for _, text := range []string{
		"/admin", "/match", "/pseudo_match", "/block_matching @bob", "/schedule",
		"/user @bob", "/all_users", "/last_match",
	} {
		th.send(t, 42, "alice", text)
		assert.Contains(t, th.lastText(), "administrators only", "Handle(%q)", text)
	}
	assert.Zero(t, th.runner.runs, "non-admin should not trigger matching")
	assert.Zero(t, th.runner.dryRuns, "non-admin should not trigger matching")
	assert.Empty(t, th.sender.sentDocuments)
}

func TestHandleMatch(t *testing.T) {
	th := newTestHandler()

	th.send(t, adminID, "root", "/match")
	assert.Equal(t, 1, th.runner.runs)
	assert.Contains(t, th.lastText(), "4 notified")

	th.runner.result = &matchrun.Result{BatchID: "x", DryRun: true, Participants: 4}
	th.send(t, adminID, "root", "/pseudo_match")
	assert.Equal(t, 1, th.runner.dryRuns)
	assert.Contains(t, th.lastText(), "Nothing was saved")
}

func TestHandleMatchErrors(t *testing.T) {
	th := newTestHandler()

	th.runner.result = nil
	th.runner.err = matchrun.ErrRunInProgress
	th.send(t, adminID, "root", "/match")
	assert.Contains(t, th.lastText(), "already in progress")

	th.runner.err = errors.New("db locked")
	th.send(t, adminID, "root", "/match")
	assert.Contains(t, th.lastText(), "db locked")

	th.runner.err = nil
	th.runner.result = &matchrun.Result{NoOp: true}
	th.send(t, adminID, "root", "/match")
	assert.Contains(t, th.lastText(), "No eligible participants")
}

func TestHandleBlockMatching(t *testing.T) {
	th := newTestHandler()
	th.participants.participants[42] = &mockParticipant{username: "alice"}

	steps := []struct {
		text        string
		want        string
		wantBlocked bool
	}{
		{"/block_matching @Alice", "now blocked", true},
		{"/block_matching alice", "already blocked", true},
		{"/unblock_matching @alice", "again", false},
		{"/unblock_matching @alice", "already unblocked", false},
	}

	for _, s := range steps {
		th.send(t, adminID, "root", s.text)
		assert.Contains(t, th.lastText(), s.want, "Handle(%q)", s.text)
		assert.Equal(t, s.wantBlocked, th.participants.participants[42].matchingBlocked, "after %q", s.text)
	}

	th.send(t, adminID, "root", "/block_matching @ghost")
	assert.Contains(t, th.lastText(), "/start")

	th.send(t, adminID, "root", "/block_matching")
	assert.Contains(t, th.lastText(), "Usage")
}

func TestHandleUser(t *testing.T) {
	th := newTestHandler(WithQuestionCount(2))
	th.completeProfile(t, 42, "alice", "Alice", "female", "male")
	th.completeSurvey(t, 42, "alice", "/survey", "1")

	th.send(t, adminID, "root", "/user @Alice")
	msg := th.sender.last()
	assert.True(t, msg.html)
	assert.Contains(t, msg.text, "<b>@alice</b>")
	assert.Contains(t, msg.text, "Ready for matching: no")
	assert.Contains(t, msg.text, "&#34;survey_answers&#34;: 2")

	th.completeSurvey(t, 42, "alice", "/partner_survey", "2")
	th.send(t, adminID, "root", "/user alice")
	assert.Contains(t, th.lastText(), "Ready for matching: yes")

	th.send(t, adminID, "root", "/user @ghost")
	assert.Contains(t, th.lastText(), "/start")

	th.send(t, adminID, "root", "/user")
	assert.Contains(t, th.lastText(), "Usage")
}

func TestHandleAllUsers(t *testing.T) {
	th := newTestHandler(WithQuestionCount(1))

	th.send(t, adminID, "root", "/all_users")
	assert.Contains(t, th.lastText(), "No participants yet")

	th.completeProfile(t, 42, "alice", "Alice", "female", "male")
	th.completeSurvey(t, 42, "alice", "/survey", "1")
	th.completeSurvey(t, 42, "alice", "/partner_survey", "1")
	th.send(t, 43, "bob", "/start")

	th.send(t, adminID, "root", "/all_users")
	msg := th.sender.last()
	assert.True(t, msg.html)
	assert.Contains(t, msg.text, "Participants: 2")
	assert.Contains(t, msg.text, "Ready for matching: 1")
}

func TestHandleAllUsersAsDocument(t *testing.T) {
	th := newTestHandler(WithReplyLimit(50))
	th.send(t, 42, "alice", "/start")
	th.send(t, 43, "bob", "/start")

	th.send(t, adminID, "root", "/all_users")
	require.Len(t, th.sender.sentDocuments, 1)
	doc := th.sender.sentDocuments[0]
	assert.Equal(t, "all_users.json", doc.name)
	assert.Equal(t, int64(adminID), doc.chatID)
	assert.NotContains(t, doc.caption, "<b>")

	var list []ParticipantInfo
	require.NoError(t, json.Unmarshal(doc.data, &list))
	assert.Len(t, list, 2)
}

func TestHandleLastMatch(t *testing.T) {
	th := newTestHandler()

	th.send(t, adminID, "root", "/last_match")
	assert.Contains(t, th.lastText(), "No matching has been saved yet")

	payload, err := json.Marshal(testBatch())
	require.NoError(t, err)
	th.archive.id = "2026-10-19_12:00:00"
	th.archive.payload = payload

	th.send(t, adminID, "root", "/last_match")
	msg := th.sender.last()
	assert.True(t, msg.html)
	assert.Contains(t, msg.text, "<b>Matching 2026-10-19_12:00:00</b>")
	assert.Contains(t, msg.text, "<pre>")
	assert.NotContains(t, msg.text, "Pseudo-matching")

	th.archive.err = errors.New("disk full")
	assert.Error(t, th.Handle(context.Background(), userMsg(adminID, "root", "/last_match")))
}

func TestHandleLastMatchAsDocument(t *testing.T) {
	th := newTestHandler(WithReplyLimit(100))
	payload, err := json.Marshal(testBatch())
	require.NoError(t, err)
	th.archive.id = "2026-10-19_12:00:00"
	th.archive.payload = payload

	th.send(t, adminID, "root", "/last_match")
	require.Len(t, th.sender.sentDocuments, 1)
	assert.Equal(t, "matching_2026-10-19_12-00-00.json", th.sender.sentDocuments[0].name)
	assert.True(t, json.Valid(th.sender.sentDocuments[0].data))
}

func TestHandleLastMatchUnavailable(t *testing.T) {
	th := newTestHandler()
	th.archive = nil
	th.CommandHandler.archive = nil

	th.send(t, adminID, "root", "/last_match")
	assert.Contains(t, th.lastText(), "not available")
}

func TestHandleSchedule(t *testing.T) {
	th := newTestHandler()

	th.send(t, adminID, "root", "/schedule")
	assert.Contains(t, th.lastText(), "not scheduled")

	th.send(t, adminID, "root", "/schedule Friday 18:30")
	assert.Equal(t, time.Friday, th.sched.day)
	assert.Equal(t, "18:30", th.sched.timeStr)
	assert.Equal(t, "friday", th.settings.settings[SettingMatchDay])
	assert.Equal(t, "18:30", th.settings.settings[SettingMatchTime])

	th.send(t, adminID, "root", "/schedule")
	assert.Contains(t, th.lastText(), "every Friday at 18:30")
	assert.Contains(t, th.lastText(), "Next run")
}

func TestHandleScheduleInvalid(t *testing.T) {
	th := newTestHandler()

	tests := []struct {
		text string
		want string
	}{
		{"/schedule friday", "Usage"},
		{"/schedule someday 12:00", "Invalid day"},
		{"/schedule monday 25:00", "Invalid time"},
	}

	for _, tt := range tests {
		th.send(t, adminID, "root", tt.text)
		assert.Contains(t, th.lastText(), tt.want, "Handle(%q)", tt.text)
	}
	assert.False(t, th.sched.scheduled, "invalid schedule commands should not reschedule")
}

func TestValidUsername(t *testing.T) {
	tests := map[string]bool{
		"alice":      true,
		"Bob_1987":   true,
		"ab":         false,
		"with space": false,
		"dash-name":  false,
		"":           false,
	}
	for in, want := range tests {
		assert.Equal(t, want, validUsername(in), "validUsername(%q)", in)
	}
}
