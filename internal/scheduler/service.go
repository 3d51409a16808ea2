package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alertengine/internal/alert"
	"alertengine/internal/config"
	"alertengine/internal/logger"
	"alertengine/internal/models"
	"alertengine/internal/runlock"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"

	RunOK      = "ok"
	RunError   = "error"
	RunSkipped = "skipped"
)

// Checker runs a full alert check for one user.
type Checker interface {
	CheckAll(ctx context.Context, userID string) (*alert.CheckAllResult, error)
}

// RunSummary 一轮调度的统计
type RunSummary struct {
	Users         int `json:"users"`
	Completed     int `json:"completed"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	AlertsCreated int `json:"alertsCreated"`
}

type Service struct {
	db        *gorm.DB
	checker   Checker
	locker    runlock.Locker
	cfg       config.SchedulerConfig
	runLogDir string

	// Worker pool
	queue chan string
	wg    sync.WaitGroup
}

func NewService(db *gorm.DB, checker Checker, locker runlock.Locker, cfg config.SchedulerConfig, runLogDir string) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Service{
		db:        db,
		checker:   checker,
		locker:    locker,
		cfg:       cfg,
		runLogDir: runLogDir,
		queue:     make(chan string, 1000),
	}
}

// Start launches the worker pool and the periodic trigger. Both stop when ctx is done;
// call Wait to block until they have exited.
func (s *Service) Start(ctx context.Context) {
	logger.Info("Starting alert scheduler",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("interval", s.cfg.Interval))

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.enqueueAll(ctx)
			}
		}
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-s.queue:
			_, _ = s.RunUser(ctx, userID, TriggerScheduler)
		}
	}
}

func (s *Service) enqueueAll(ctx context.Context) {
	users, err := s.Users(ctx)
	if err != nil {
		logger.Error("Failed to list users for scheduled check", zap.Error(err))
		return
	}
	for _, userID := range users {
		select {
		case s.queue <- userID:
		default:
			// 队列已满，跳过本轮
			logger.Warn("Check queue full, skipping user", zap.String("user_id", userID))
		}
	}
}

// Users returns the distinct ids of users owning at least one product.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	var users []string
	if err := s.db.WithContext(ctx).
		Model(&models.Product{}).
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// RunOnce checks every user now with a bounded pool and waits for all of them.
func (s *Service) RunOnce(ctx context.Context, trigger string) (*RunSummary, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{Users: len(users)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Workers)

	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.RunUser(ctx, userID, trigger)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, runlock.ErrLockHeld):
				summary.Skipped++
			case err != nil:
				summary.Failed++
			default:
				summary.Completed++
				summary.AlertsCreated += res.Summary.TotalAlertsCreated
			}
		}(userID)
	}
	wg.Wait()

	logger.Info("Scheduled alert check finished",
		zap.String("trigger", trigger),
		zap.Int("users", summary.Users),
		zap.Int("completed", summary.Completed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("alerts_created", summary.AlertsCreated))
	return summary, ctx.Err()
}

// RunUser runs a full check for one user under the per-user run lock and journals the outcome.
func (s *Service) RunUser(ctx context.Context, userID, trigger string) (*alert.CheckAllResult, error) {
	start := time.Now()
	entry := &logger.RunLogEntry{
		Timestamp: start.UTC(),
		UserID:    userID,
		Trigger:   trigger,
	}
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		if s.runLogDir == "" {
			return
		}
		if err := logger.WriteRunLog(s.runLogDir, entry); err != nil {
			logger.Warn("Failed to write run log", zap.Error(err))
		}
	}()

	lock, err := s.locker.Acquire(ctx, runlock.CheckAllKey(userID), s.cfg.LockTTL)
	if err != nil {
		entry.Status = RunSkipped
		if !errors.Is(err, runlock.ErrLockHeld) {
			entry.Status = RunError
		}
		entry.Error = err.Error()
		logger.Debug("Skipping alert check", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release run lock", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	res, err := s.checker.CheckAll(ctx, userID)
	if err != nil {
		entry.Status = RunError
		entry.Error = err.Error()
		logger.Error("Alert check failed", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	entry.Status = RunOK
	entry.AlertsCreated = res.Summary.TotalAlertsCreated
	entry.Summary = map[string]int{
		"stock":    res.Summary.StockAlerts,
		"price":    res.Summary.PriceAlerts,
		"margin":   res.Summary.MarginAlerts,
		"delivery": res.Summary.DeliveryAlerts,
		"winning":  res.Summary.WinningProducts,
	}
	return res, nil
}
