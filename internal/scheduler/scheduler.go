// Package scheduler runs the background jobs of the engine: snapshot warming
// and study reminders.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/example/dojang/internal/logger"
	"github.com/example/dojang/pkg/models"
)

// Default settings for notifications
const (
	DefaultNotificationStartHour = 8  // Reminders start at 8:00
	DefaultNotificationEndHour   = 21 // Last reminder hour is 21:00
	DefaultWarmInterval          = 15 * time.Minute
	DefaultWarmConcurrency       = 4
)

// Engine is the part of the engine the jobs use.
type Engine interface {
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	DueCount(ctx context.Context, profileID string) (int, error)
	WarmSnapshot(ctx context.Context, profileID string) error
}

// Notifier interface for sending notifications
type Notifier interface {
	NotifyDue(ctx context.Context, profile models.Profile, count int) error
}

// Config holds the job settings. Zero values pick the defaults, except the
// hours, where zero is a valid value.
type Config struct {
	WarmInterval    time.Duration
	WarmConcurrency int
	StartHour       int
	EndHour         int
	Location        *time.Location
}

// DefaultConfig returns the default job settings
func DefaultConfig() Config {
	return Config{
		WarmInterval:    DefaultWarmInterval,
		WarmConcurrency: DefaultWarmConcurrency,
		StartHour:       DefaultNotificationStartHour,
		EndHour:         DefaultNotificationEndHour,
		Location:        time.UTC,
	}
}

// Scheduler manages scheduled tasks for the application
type Scheduler struct {
	scheduler *gocron.Scheduler
	engine    Engine
	notifier  Notifier
	cfg       Config
	log       *logger.Logger

	// Now is the clock used for the reminder window.
	Now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a new scheduler instance. notifier may be nil, in which case
// only warming runs.
func New(e Engine, notifier Notifier, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.WarmInterval <= 0 {
		cfg.WarmInterval = DefaultWarmInterval
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = DefaultWarmConcurrency
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := gocron.NewScheduler(cfg.Location)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		engine:    e,
		notifier:  notifier,
		cfg:       cfg,
		log:       logger.OrNop(log).With("component", "scheduler"),
		Now:       time.Now,
	}
}

// Start begins running all scheduled tasks
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	if _, err := s.scheduler.Every(s.cfg.WarmInterval).Do(func() { _ = s.WarmAll(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule warm job: %w", err)
	}
	if s.notifier != nil {
		// Hourly check for profiles with due cards
		if _, err := s.scheduler.Every(1).Hour().Do(func() { s.checkAndSendReminders(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule reminder job: %w", err)
		}
	}

	s.cancel = cancel
	s.scheduler.StartAsync()
	s.log.Info("scheduler started", "warm_interval", s.cfg.WarmInterval, "reminders", s.notifier != nil)
	return nil
}

// Stop terminates all scheduled tasks and cancels the running ones
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.scheduler.Stop()
}

// WarmAll refreshes the snapshot of every profile whose cached one is not
// fresh. A failing profile is logged and does not stop the others.
func (s *Scheduler) WarmAll(ctx context.Context) error {
	profiles, err := s.engine.ListProfiles(ctx)
	if err != nil {
		s.log.Error("failed to list profiles for warming", "error", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WarmConcurrency)
	for _, p := range profiles {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.engine.WarmSnapshot(gctx, p.ID); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("failed to warm snapshot", "profile_id", p.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Debug("snapshots warmed", "profiles", len(profiles))
	return nil
}

// InReminderWindow reports whether hour falls inside the configured window.
// A window whose start is after its end wraps around midnight.
func (s *Scheduler) InReminderWindow(hour int) bool {
	if s.cfg.StartHour <= s.cfg.EndHour {
		return hour >= s.cfg.StartHour && hour <= s.cfg.EndHour
	}
	return hour >= s.cfg.StartHour || hour <= s.cfg.EndHour
}

// checkAndSendReminders notifies every profile that has due cards
func (s *Scheduler) checkAndSendReminders(ctx context.Context) {
	currentHour := s.Now().In(s.cfg.Location).Hour()
	if !s.InReminderWindow(currentHour) {
		s.log.Debug("outside notification hours, skipping reminders",
			"hour", currentHour, "start", s.cfg.StartHour, "end", s.cfg.EndHour)
		return
	}

	profiles, err := s.engine.ListProfiles(ctx)
	if err != nil {
		s.log.Error("failed to list profiles for reminders", "error", err)
		return
	}
	for _, p := range profiles {
		if ctx.Err() != nil {
			return
		}
		if err := s.remind(ctx, p); err != nil {
			s.log.Error("failed to send reminder", "profile_id", p.ID, "error", err)
		}
	}
}

func (s *Scheduler) remind(ctx context.Context, p models.Profile) error {
	count, err := s.engine.DueCount(ctx, p.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return s.notifier.NotifyDue(ctx, p, count)
}

// RunManualCheck forces a reminder check for one profile, ignoring the window
func (s *Scheduler) RunManualCheck(ctx context.Context, profileID string) error {
	if s.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	profiles, err := s.engine.ListProfiles(ctx)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if p.ID == profileID {
			return s.remind(ctx, p)
		}
	}
	return fmt.Errorf("%w: %s", models.ErrProfileNotFound, profileID)
}
