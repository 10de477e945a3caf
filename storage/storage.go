package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateMatch is returned when a match batch ID is already stored.
	ErrDuplicateMatch = errors.New("match batch already exists")
)

// Participant is a registered bot user together with their survey answers.
type Participant struct {
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
	UpdatedAt       time.Time
}

// Profile is the part of a participant record the participant fills in
// themselves before taking part in matching.
type Profile struct {
	Name        string
	Sex         string
	DesiredSex  string
	ProgramName string
	ProgramYear int
	About       string
}

// Match is a stored matching batch. Payload is the serialized batch.
type Match struct {
	ID        string
	CreatedAt time.Time
	Payload   []byte
}

// DB wraps the SQLite database connection and provides storage operations.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; handlers run concurrently.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		sex TEXT NOT NULL DEFAULT '',
		desired_sex TEXT NOT NULL DEFAULT '',
		program_name TEXT NOT NULL DEFAULT '',
		program_year INTEGER NOT NULL DEFAULT 0,
		about TEXT NOT NULL DEFAULT '',
		survey TEXT NOT NULL DEFAULT '{}',
		partner_survey TEXT NOT NULL DEFAULT '{}',
		blacklist TEXT NOT NULL DEFAULT '[]',
		bot_blocked INTEGER NOT NULL DEFAULT 0,
		matching_blocked INTEGER NOT NULL DEFAULT 0,
		profile_complete INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_participants_username ON participants(username COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

const participantColumns = `id, username, name, sex, desired_sex, program_name, program_year, about,
	survey, partner_survey, blacklist, bot_blocked, matching_blocked, profile_complete, updated_at`

// UpsertParticipant inserts or replaces a participant record.
func (db *DB) UpsertParticipant(ctx context.Context, p *Participant) error {
	survey, err := marshalAnswers(p.Survey)
	if err != nil {
		return fmt.Errorf("marshal survey: %w", err)
	}
	partner, err := marshalAnswers(p.PartnerSurvey)
	if err != nil {
		return fmt.Errorf("marshal partner survey: %w", err)
	}
	blacklist, err := marshalBlacklist(p.Blacklist)
	if err != nil {
		return fmt.Errorf("marshal blacklist: %w", err)
	}

	query := `
	INSERT INTO participants (` + participantColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		name = excluded.name,
		sex = excluded.sex,
		desired_sex = excluded.desired_sex,
		program_name = excluded.program_name,
		program_year = excluded.program_year,
		about = excluded.about,
		survey = excluded.survey,
		partner_survey = excluded.partner_survey,
		blacklist = excluded.blacklist,
		bot_blocked = excluded.bot_blocked,
		matching_blocked = excluded.matching_blocked,
		profile_complete = excluded.profile_complete,
		updated_at = excluded.updated_at
	`

	_, err = db.conn.ExecContext(ctx, query,
		p.ID,
		p.Username,
		p.Name,
		p.Sex,
		p.DesiredSex,
		p.ProgramName,
		p.ProgramYear,
		p.About,
		survey,
		partner,
		blacklist,
		p.BotBlocked,
		p.MatchingBlocked,
		p.ProfileComplete,
		time.Now(),
	)
	return err
}

// EnsureParticipant creates a bare record for a new user and refreshes the
// username and name of a known one. It reports whether a record was created.
func (db *DB) EnsureParticipant(ctx context.Context, id int64, username, name string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants (id, username, name, updated_at) VALUES (?, ?, ?, ?)`,
		id, username, name, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	_, err = db.conn.ExecContext(ctx,
		`UPDATE participants SET username = ?, name = CASE WHEN name = '' THEN ? ELSE name END, updated_at = ? WHERE id = ?`,
		username, name, time.Now(), id)
	return false, err
}

// SaveProfile stores a participant's profile and marks it complete.
func (db *DB) SaveProfile(ctx context.Context, id int64, p Profile) error {
	return db.updateParticipant(ctx, `
	UPDATE participants SET
		name = ?,
		sex = ?,
		desired_sex = ?,
		program_name = ?,
		program_year = ?,
		about = ?,
		profile_complete = 1,
		updated_at = ?
	WHERE id = ?`,
		p.Name, p.Sex, p.DesiredSex, p.ProgramName, p.ProgramYear, p.About, time.Now(), id)
}

// SaveSurvey replaces a participant's answers about themselves.
func (db *DB) SaveSurvey(ctx context.Context, id int64, answers map[string]any) error {
	return db.saveAnswers(ctx, id, "survey", answers)
}

// SavePartnerSurvey replaces a participant's answers about the partner they
// would like to meet.
func (db *DB) SavePartnerSurvey(ctx context.Context, id int64, answers map[string]any) error {
	return db.saveAnswers(ctx, id, "partner_survey", answers)
}

func (db *DB) saveAnswers(ctx context.Context, id int64, column string, answers map[string]any) error {
	raw, err := marshalAnswers(answers)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	return db.updateParticipant(ctx,
		`UPDATE participants SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		raw, time.Now(), id)
}

// updateParticipant runs an UPDATE on one participant row and reports
// ErrNotFound if the row does not exist.
func (db *DB) updateParticipant(ctx context.Context, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetParticipant retrieves a participant by ID.
func (db *DB) GetParticipant(ctx context.Context, id int64) (*Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = ?`
	return scanParticipant(db.conn.QueryRowContext(ctx, query, id))
}

// GetParticipantByUsername retrieves a participant by Telegram username,
// ignoring case and a leading @.
func (db *DB) GetParticipantByUsername(ctx context.Context, username string) (*Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE username = ? COLLATE NOCASE`
	return scanParticipant(db.conn.QueryRowContext(ctx, query, NormalizeUsername(username)))
}

// ListParticipants returns all participants ordered by ID.
func (db *DB) ListParticipants(ctx context.Context) ([]*Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants ORDER BY id`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetBlacklist returns the usernames a participant excluded.
func (db *DB) GetBlacklist(ctx context.Context, id int64) ([]string, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT blacklist FROM participants WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("unmarshal blacklist: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// AddToBlacklist adds username to a participant's blacklist. It returns
// false if the username was already there.
func (db *DB) AddToBlacklist(ctx context.Context, id int64, username string) (bool, error) {
	username = NormalizeUsername(username)
	return db.updateBlacklist(ctx, id, func(list []string) ([]string, bool) {
		for _, u := range list {
			if strings.EqualFold(u, username) {
				return list, false
			}
		}
		return append(list, username), true
	})
}

// RemoveFromBlacklist removes username from a participant's blacklist. It
// returns false if the username was not there.
func (db *DB) RemoveFromBlacklist(ctx context.Context, id int64, username string) (bool, error) {
	username = NormalizeUsername(username)
	return db.updateBlacklist(ctx, id, func(list []string) ([]string, bool) {
		for i, u := range list {
			if strings.EqualFold(u, username) {
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	})
}

func (db *DB) updateBlacklist(ctx context.Context, id int64, fn func([]string) ([]string, bool)) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT blacklist FROM participants WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return false, fmt.Errorf("unmarshal blacklist: %w", err)
	}

	list, changed := fn(list)
	if !changed {
		return false, nil
	}

	updated, err := marshalBlacklist(list)
	if err != nil {
		return false, fmt.Errorf("marshal blacklist: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET blacklist = ?, updated_at = ? WHERE id = ?`,
		updated, time.Now(), id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// SetMatchingBlocked sets the matching-blocked flag. It returns false if the
// flag already had that value.
func (db *DB) SetMatchingBlocked(ctx context.Context, id int64, blocked bool) (bool, error) {
	return db.setFlag(ctx, id, "matching_blocked", blocked)
}

// SetBotBlocked records whether the user blocked the bot.
func (db *DB) SetBotBlocked(ctx context.Context, id int64, blocked bool) (bool, error) {
	return db.setFlag(ctx, id, "bot_blocked", blocked)
}

func (db *DB) setFlag(ctx context.Context, id int64, column string, value bool) (bool, error) {
	var current bool
	err := db.conn.QueryRowContext(ctx, `SELECT `+column+` FROM participants WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if current == value {
		return false, nil
	}

	_, err = db.conn.ExecContext(ctx,
		`UPDATE participants SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now(), id)
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveMatch inserts a match batch. Batches are never updated; saving an
// existing ID returns ErrDuplicateMatch.
func (db *DB) SaveMatch(ctx context.Context, m *Match) error {
	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO matches (id, created_at, payload) VALUES (?, ?, ?)`,
		m.ID, m.CreatedAt, string(m.Payload))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateMatch, m.ID)
	}
	return nil
}

// GetMatch retrieves a match batch by ID.
func (db *DB) GetMatch(ctx context.Context, id string) (*Match, error) {
	m := &Match{}
	var payload string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, created_at, payload FROM matches WHERE id = ?`, id).
		Scan(&m.ID, &m.CreatedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Payload = []byte(payload)
	return m, nil
}

// LatestMatchID returns the ID of the most recently created batch.
func (db *DB) LatestMatchID(ctx context.Context) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM matches ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// GetSetting retrieves a setting value by key.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM settings WHERE key = ?`
	var value string
	err := db.conn.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting stores or updates a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := db.conn.ExecContext(ctx, query, key, value)
	return err
}

// NormalizeUsername strips whitespace and a leading @ from a Telegram handle.
func NormalizeUsername(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*Participant, error) {
	p := &Participant{}
	var survey, partner, blacklist string

	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Name,
		&p.Sex,
		&p.DesiredSex,
		&p.ProgramName,
		&p.ProgramYear,
		&p.About,
		&survey,
		&partner,
		&blacklist,
		&p.BotBlocked,
		&p.MatchingBlocked,
		&p.ProfileComplete,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(survey), &p.Survey); err != nil {
		return nil, fmt.Errorf("unmarshal survey: %w", err)
	}
	if err := json.Unmarshal([]byte(partner), &p.PartnerSurvey); err != nil {
		return nil, fmt.Errorf("unmarshal partner survey: %w", err)
	}
	if err := json.Unmarshal([]byte(blacklist), &p.Blacklist); err != nil {
		return nil, fmt.Errorf("unmarshal blacklist: %w", err)
	}
	if p.Blacklist == nil {
		p.Blacklist = []string{}
	}

	return p, nil
}

func marshalAnswers(answers map[string]any) (string, error) {
	if answers == nil {
		return "{}", nil
	}
	data, err := json.Marshal(answers)
	return string(data), err
}

func marshalBlacklist(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	return string(data), err
}
