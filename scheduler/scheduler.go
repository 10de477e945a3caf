package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var timeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// Scheduler runs a single weekly job with timezone support.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	mu       sync.Mutex
	entryID  cron.EntryID
	schedule cron.Schedule
	day      time.Weekday
	timeStr  string
	started  bool
}

// NewScheduler creates a new scheduler for the given timezone.
func NewScheduler(timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		location: loc,
	}, nil
}

// Schedule sets up a weekly job on day at the specified time (HH:MM format),
// replacing any previously scheduled job.
func (s *Scheduler) Schedule(day time.Weekday, timeStr string, fn func()) error {
	if day < time.Sunday || day > time.Saturday {
		return fmt.Errorf("invalid weekday %d", day)
	}
	hour, minute, err := parseTime(timeStr)
	if err != nil {
		return err
	}

	spec := buildCronSpec(day, hour, minute)
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove existing job if any
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	s.entryID = s.cron.Schedule(schedule, cron.FuncJob(fn))
	s.schedule = schedule
	s.day = day
	s.timeStr = timeStr

	return nil
}

// NextRun returns the next time the job fires after now. It returns false if
// nothing is scheduled.
func (s *Scheduler) NextRun(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil {
		return time.Time{}, false
	}
	return s.schedule.Next(now.In(s.location)), true
}

// Current returns the scheduled weekday and time. It returns false if
// nothing is scheduled.
func (s *Scheduler) Current() (time.Weekday, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.day, s.timeStr, s.schedule != nil
}

// Location returns the scheduler's timezone.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.started = false
	s.mu.Unlock()

	<-ctx.Done()
}

func parseTime(timeStr string) (int, int, error) {
	matches := timeRegex.FindStringSubmatch(timeStr)
	if len(matches) != 3 {
		return 0, 0, fmt.Errorf("invalid time format: %q (expected HH:MM)", timeStr)
	}

	hour, _ := strconv.Atoi(matches[1])
	minute, _ := strconv.Atoi(matches[2])

	return hour, minute, nil
}

func buildCronSpec(day time.Weekday, hour, minute int) string {
	// Cron format: minute hour day month weekday
	return fmt.Sprintf("%d %d * * %d", minute, hour, int(day))
}
