package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 5m"

// Target is the store being swept.
type Target interface {
	EvictExpired() int
	CleanupStaleDirectories() int
}

// Report summarises one sweep pass.
type Report struct {
	Expired  int           `json:"expired"`
	Stale    int           `json:"stale"`
	Duration time.Duration `json:"duration"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a cron expression or descriptor
// such as "@every 5m".
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Run performs one pass: TTL eviction then the stale-directory scan.
func Run(t Target) Report {
	start := time.Now()
	r := Report{Expired: t.EvictExpired(), Stale: t.CleanupStaleDirectories()}
	r.Duration = time.Since(start)
	return r
}

// cronLogger routes cron's own messages to slog instead of stdout.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { slog.Debug(msg, kv...) }

func (cronLogger) Error(err error, msg string, kv ...any) {
	slog.Error(msg, append(kv, "error", err)...)
}

// Scheduler runs sweeps on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	mu        sync.Mutex
	target    Target
	schedule  string
	scheduler *cron.Cron
	started   bool
	last      Report
	runs      int
}

func NewScheduler(t Target, schedule string) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	return &Scheduler{
		target:   t,
		schedule: schedule,
		scheduler: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		),
	}, nil
}

// Start runs one pass immediately, then schedules the rest.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sweep scheduler already started")
	}
	if _, err := s.scheduler.AddFunc(s.schedule, s.tick); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.started = true
	s.mu.Unlock()

	s.tick()
	s.scheduler.Start()
	slog.Info("Artifact sweep scheduled", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running pass, or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.scheduler.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	slog.Info("Artifact sweep stopped")
}

func (s *Scheduler) tick() {
	r := Run(s.target)
	s.mu.Lock()
	s.last = r
	s.runs++
	s.mu.Unlock()
	slog.Debug("Artifact sweep finished", "expired", r.Expired, "stale", r.Stale, "duration", r.Duration)
}

// Last returns the most recent report and how many passes have run.
func (s *Scheduler) Last() (Report, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

// Next returns the next scheduled run, zero if not started.
func (s *Scheduler) Next() time.Time {
	for _, e := range s.scheduler.Entries() {
		return e.Next
	}
	return time.Time{}
}
