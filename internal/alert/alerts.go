package alert

import (
	"context"
	"errors"
	"fmt"

	"alertengine/internal/logger"
	"alertengine/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 50

type AlertsResult struct {
	Alerts []models.ActiveAlert `json:"alerts"`
}

type DismissAllResult struct {
	Dismissed int64 `json:"dismissed"`
}

// ListActive returns the user's active alerts, newest first.
func (e *Engine) ListActive(ctx context.Context, userID string, limit int) (*AlertsResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	alerts := make([]models.ActiveAlert, 0)
	if err := e.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Order("created_at DESC, id").
		Limit(limit).
		Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return &AlertsResult{Alerts: alerts}, nil
}

func (e *Engine) dismissal() map[string]interface{} {
	now := e.now()
	return map[string]interface{}{
		"status":          StatusDismissed,
		"acknowledged":    true,
		"acknowledged_at": now,
		"updated_at":      now,
	}
}

// Dismiss marks one alert dismissed. When userID is set the alert must belong to that user.
// Dismissing an already dismissed alert is a no-op.
func (e *Engine) Dismiss(ctx context.Context, userID, alertID string) error {
	if alertID == "" {
		return fmt.Errorf("%w: alertId is required", ErrAlertNotFound)
	}

	q := e.db.WithContext(ctx).Where("id = ?", alertID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var a models.ActiveAlert
	err := q.First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}
	if a.Status == StatusDismissed {
		return nil
	}

	if err := e.db.WithContext(ctx).Model(&models.ActiveAlert{}).
		Where("id = ?", a.ID).
		Updates(e.dismissal()).Error; err != nil {
		return fmt.Errorf("failed to dismiss alert: %w", err)
	}
	logger.Info("Alert dismissed", zap.String("alert_id", a.ID), zap.String("user_id", a.UserID))
	return nil
}

// DismissAll dismisses every active alert of the user, optionally only those of alertType.
func (e *Engine) DismissAll(ctx context.Context, userID, alertType string) (*DismissAllResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	q := e.db.WithContext(ctx).Model(&models.ActiveAlert{}).
		Where("user_id = ? AND status = ?", userID, StatusActive)
	if alertType != "" {
		q = q.Where("alert_type = ?", alertType)
	}
	res := q.Updates(e.dismissal())
	if res.Error != nil {
		return nil, fmt.Errorf("failed to dismiss alerts: %w", res.Error)
	}

	logger.Info("Alerts dismissed",
		zap.String("user_id", userID),
		zap.String("alert_type", alertType),
		zap.Int64("count", res.RowsAffected))
	return &DismissAllResult{Dismissed: res.RowsAffected}, nil
}
