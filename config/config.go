package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	TelegramToken             string  `yaml:"telegram_token"`
	AdminIDs                  []int64 `yaml:"admin_ids"`
	MatchDay                  string  `yaml:"match_day"`
	MatchTime                 string  `yaml:"match_time"`
	Timezone                  string  `yaml:"timezone"`
	AssignmentsPerParticipant int     `yaml:"assignments_per_participant"`
	CandidateCap              int     `yaml:"candidate_cap"`
	QuestionCount             int     `yaml:"question_count"`
	SummaryInlineLimit        int     `yaml:"summary_inline_limit"`
	DBPath                    string  `yaml:"db_path"`
	LogLevel                  string  `yaml:"log_level"`
}

// MaxQuestionCount is the length of the questionnaire the bot asks.
const MaxQuestionCount = 10

// matchTimeRegex validates HH:MM format with proper ranges.
var matchTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("COFFEE_BOT_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}

// ParseWeekday parses an English weekday name, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ValidMatchTime reports whether s is a valid HH:MM time.
func ValidMatchTime(s string) bool {
	return matchTimeRegex.MatchString(s)
}

// Weekday returns the parsed match day. Load guarantees it is valid.
func (c *Config) Weekday() time.Weekday {
	d, _ := ParseWeekday(c.MatchDay)
	return d
}

// IsAdmin reports whether the Telegram user may run admin commands.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.MatchDay == "" {
		cfg.MatchDay = "monday"
	}
	if cfg.MatchTime == "" {
		cfg.MatchTime = "12:00"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.AssignmentsPerParticipant == 0 {
		cfg.AssignmentsPerParticipant = 2
	}
	if cfg.CandidateCap == 0 {
		cfg.CandidateCap = 2
	}
	if cfg.QuestionCount == 0 {
		cfg.QuestionCount = 10
	}
	if cfg.SummaryInlineLimit == 0 {
		cfg.SummaryInlineLimit = 4000
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./coffee-match.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if dbPath := os.Getenv("COFFEE_BOT_DB"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if token := os.Getenv("COFFEE_BOT_TOKEN"); token != "" {
		cfg.TelegramToken = token
	}
}

func validate(cfg *Config) error {
	if cfg.TelegramToken == "" {
		return fmt.Errorf("telegram_token is required")
	}
	if len(cfg.AdminIDs) == 0 {
		return fmt.Errorf("admin_ids must list at least one user")
	}
	if _, err := ParseWeekday(cfg.MatchDay); err != nil {
		return fmt.Errorf("invalid match_day: %w", err)
	}
	if !matchTimeRegex.MatchString(cfg.MatchTime) {
		return fmt.Errorf("match_time must be in HH:MM format (00:00-23:59), got %q", cfg.MatchTime)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.AssignmentsPerParticipant < 0 {
		return fmt.Errorf("assignments_per_participant must be positive, got %d", cfg.AssignmentsPerParticipant)
	}
	if cfg.CandidateCap < 0 {
		return fmt.Errorf("candidate_cap must be positive, got %d", cfg.CandidateCap)
	}
	if cfg.QuestionCount < 0 || cfg.QuestionCount > MaxQuestionCount {
		return fmt.Errorf("question_count must be between 1 and %d, got %d", MaxQuestionCount, cfg.QuestionCount)
	}
	if cfg.SummaryInlineLimit < 0 {
		return fmt.Errorf("summary_inline_limit must be positive, got %d", cfg.SummaryInlineLimit)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	return nil
}
