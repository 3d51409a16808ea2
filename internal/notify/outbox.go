package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/logger"
	"alertengine/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

const maxRetryDelay = 30 * time.Minute

// Enqueue stores a notification in the outbox. Call it inside the transaction
// that creates the alert so both rows commit together.
func Enqueue(tx *gorm.DB, alertID string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	row := models.NotificationOutbox{
		AlertID: alertID,
		UserID:  n.UserID,
		Payload: string(payload),
		Status:  OutboxPending,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Relay delivers pending outbox rows through a Notifier.
type Relay struct {
	db           *gorm.DB
	notifier     Notifier
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	wake         chan struct{}
	now          func() time.Time
}

func NewRelay(db *gorm.DB, notifier Notifier, cfg config.NotifyConfig) *Relay {
	r := &Relay{
		db:           db,
		notifier:     notifier,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		wake:         make(chan struct{}, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 5 * time.Second
	}
	return r
}

// Wake asks the relay loop to run a pass without waiting for the next tick.
func (r *Relay) Wake() {
	if r == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	logger.Info("Notification relay started",
		zap.String("notifier", r.notifier.Name()),
		zap.Duration("poll_interval", r.pollInterval),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Notification relay stopped")
			return
		case <-ticker.C:
		case <-r.wake:
		}

		if _, _, err := r.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Outbox dispatch failed", zap.Error(err))
		}
	}
}

// DispatchPending sends one batch of pending notifications, oldest first.
func (r *Relay) DispatchPending(ctx context.Context) (sent, failed int, err error) {
	var rows []models.NotificationOutbox
	if err := r.db.WithContext(ctx).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", OutboxPending, r.now()).
		Order("id").
		Limit(r.batchSize).
		Find(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to load outbox: %w", err)
	}

	for i := range rows {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}
		if r.deliver(ctx, &rows[i]) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

func (r *Relay) deliver(ctx context.Context, row *models.NotificationOutbox) bool {
	var n Notification
	sendErr := json.Unmarshal([]byte(row.Payload), &n)
	if sendErr == nil {
		sendErr = r.notifier.Send(ctx, n)
	} else {
		// 无法解析的载荷不会在重试中恢复
		row.Attempts = r.maxAttempts - 1
	}

	updates := map[string]interface{}{"attempts": row.Attempts + 1}
	if sendErr == nil {
		now := r.now()
		updates["status"] = OutboxSent
		updates["sent_at"] = &now
		updates["last_error"] = ""
		notificationsTotal.WithLabelValues(r.notifier.Name(), OutboxSent).Inc()
	} else {
		updates["last_error"] = sendErr.Error()
		status := "retry"
		if row.Attempts+1 >= r.maxAttempts {
			updates["status"] = OutboxFailed
			status = OutboxFailed
		} else {
			next := r.now().Add(r.retryDelay(row.Attempts + 1))
			updates["next_attempt_at"] = &next
		}
		notificationsTotal.WithLabelValues(r.notifier.Name(), status).Inc()
		logger.Warn("Notification delivery failed",
			zap.Uint("outbox_id", row.ID),
			zap.String("alert_id", row.AlertID),
			zap.Int("attempt", row.Attempts+1),
			zap.Error(sendErr),
		)
	}

	if err := r.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Where("id = ?", row.ID).
		Updates(updates).Error; err != nil {
		logger.Error("Failed to update outbox row", zap.Uint("outbox_id", row.ID), zap.Error(err))
	}
	return sendErr == nil
}

// retryDelay doubles the poll interval for every failed attempt, capped at maxRetryDelay.
func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.pollInterval
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
