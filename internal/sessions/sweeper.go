package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// SweeperConfig configures idle session cleanup.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string

	// IdleTTL is how long a session may go without a turn before removal.
	IdleTTL time.Duration
}

// DefaultSweeperConfig returns the default cleanup settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Schedule: "@every 10m", IdleTTL: 24 * time.Hour}
}

// SweepRecorder receives sweep results; it is satisfied by the metrics
// collector.
type SweepRecorder interface {
	RecordSweep(removed int, d time.Duration)
}

// Sweeper deletes idle sessions on a schedule. Sessions with a turn in
// flight are skipped.
type Sweeper struct {
	store    Store
	locker   Locker
	config   SweeperConfig
	logger   *slog.Logger
	recorder SweepRecorder
	cron     *cron.Cron
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(store Store, locker Locker, cfg SweeperConfig, logger *slog.Logger, recorder SweepRecorder) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	defaults := DefaultSweeperConfig()
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaults.Schedule
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaults.IdleTTL
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		locker:   locker,
		config:   cfg,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Start schedules periodic sweeps.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("session sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep removes sessions idle for longer than IdleTTL.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	return s.SweepIdle(ctx, s.config.IdleTTL)
}

// SweepIdle removes sessions whose last turn is older than idle.
func (s *Sweeper) SweepIdle(ctx context.Context, idle time.Duration) (int, error) {
	start := time.Now()
	idleSessions, err := s.store.ListSessions(ctx, ListOptions{UpdatedBefore: time.Now().UTC().Add(-idle)})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(idleSessions))
	for _, session := range idleSessions {
		ids = append(ids, session.ID)
	}
	removed, err := s.remove(ctx, ids)
	if s.recorder != nil {
		s.recorder.RecordSweep(removed, time.Since(start))
	}
	if removed > 0 {
		s.logger.Info("removed idle sessions", "count", removed, "idle", idle)
	}
	return removed, err
}

// DeleteUserSessions removes every session of userID that is not busy.
func (s *Sweeper) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user_id is required")
	}
	userSessions, err := s.store.ListSessions(ctx, ListOptions{UserID: userID})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(userSessions))
	for _, session := range userSessions {
		ids = append(ids, session.ID)
	}
	return s.remove(ctx, ids)
}

func (s *Sweeper) remove(ctx context.Context, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		release, err := s.locker.TryLock(ctx, id)
		if errors.Is(err, ErrSessionBusy) {
			continue
		}
		if err != nil {
			return removed, err
		}
		err = s.store.DeleteSession(ctx, id)
		release()
		if err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		if err == nil {
			removed++
		}
	}
	return removed, nil
}
