package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertengine/internal/logger"
	"alertengine/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Tally counts what happened to the candidates a runner produced.
type Tally struct {
	AlertsCreated    int  `json:"alertsCreated"`
	AlertsSuppressed int  `json:"alertsSuppressed"`
	AlertsFailed     int  `json:"alertsFailed"`
	Skipped          bool `json:"skipped,omitempty"`
}

func (t *Tally) record(o Outcome) {
	switch o {
	case OutcomeCreated:
		t.AlertsCreated++
	case OutcomeSuppressed:
		t.AlertsSuppressed++
	default:
		t.AlertsFailed++
	}
}

type StockResult struct {
	Tally
	OutOfStock int `json:"outOfStock"`
	LowStock   int `json:"lowStock"`
}

type PriceResult struct {
	Tally
	PriceChangesDetected int `json:"priceChangesDetected"`
}

type MarginResult struct {
	Tally
	NegativeMarginProducts int `json:"negativeMarginProducts"`
}

type DeliveryResult struct {
	Tally
	DelayedOrders int `json:"delayedOrders"`
}

type WinningResult struct {
	Tally
	Detected    int `json:"detected"`
	TopProducts int `json:"topProducts"`
}

type Summary struct {
	TotalAlertsCreated int `json:"totalAlertsCreated"`
	StockAlerts        int `json:"stockAlerts"`
	PriceAlerts        int `json:"priceAlerts"`
	MarginAlerts       int `json:"marginAlerts"`
	DeliveryAlerts     int `json:"deliveryAlerts"`
	WinningProducts    int `json:"winningProducts"`
}

type Details struct {
	Stock    *StockResult    `json:"stock"`
	Price    *PriceResult    `json:"price"`
	Margin   *MarginResult   `json:"margin"`
	Delivery *DeliveryResult `json:"delivery"`
	Winning  *WinningResult  `json:"winning"`
}

type CheckAllResult struct {
	Summary Summary `json:"summary"`
	Details Details `json:"details"`
}

// Engine runs the alert rules for one user at a time.
type Engine struct {
	db       *gorm.DB
	writer   *Writer
	defaults *DefaultConfigs
	now      func() time.Time
}

func NewEngine(db *gorm.DB, writer *Writer) *Engine {
	return &Engine{
		db:       db,
		writer:   writer,
		defaults: mustLoadDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// setClock pins the engine and its writer to a fixed time source.
func (e *Engine) setClock(now func() time.Time) {
	e.now = now
	e.writer.now = now
}

// CheckAll runs every rule sequentially. The first rule that fails aborts the run.
func (e *Engine) CheckAll(ctx context.Context, userID string) (*CheckAllResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	logger.Info("Running full alert check", zap.String("user_id", userID))

	stock, err := e.CheckStock(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	price, err := e.CheckPrice(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	margin, err := e.CheckMargin(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	delivery, err := e.CheckDelivery(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	winning, err := e.DetectWinning(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &CheckAllResult{
		Summary: Summary{
			TotalAlertsCreated: stock.AlertsCreated + price.AlertsCreated + margin.AlertsCreated +
				delivery.AlertsCreated + winning.AlertsCreated,
			StockAlerts:     stock.AlertsCreated,
			PriceAlerts:     price.AlertsCreated,
			MarginAlerts:    margin.AlertsCreated,
			DeliveryAlerts:  delivery.AlertsCreated,
			WinningProducts: winning.Detected,
		},
		Details: Details{
			Stock:    stock,
			Price:    price,
			Margin:   margin,
			Delivery: delivery,
			Winning:  winning,
		},
	}, nil
}

// storedConfig returns the user's configuration for t, or nil when none is stored.
func (e *Engine) storedConfig(ctx context.Context, userID string, t AlertType) (*models.AlertConfiguration, error) {
	var cfg models.AlertConfiguration
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND alert_type = ?", userID, string(t)).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s configuration: %w", t, err)
	}
	return &cfg, nil
}

func disabled(cfg *models.AlertConfiguration) bool {
	return cfg != nil && !cfg.IsEnabled
}

// resolveThreshold picks the request value, then the stored value, then the fallback.
// Non-positive values count as unset.
func resolveThreshold(request float64, stored *float64, fallback float64) float64 {
	if request > 0 {
		return request
	}
	if stored != nil && *stored > 0 {
		return *stored
	}
	return fallback
}

func observe(rule string) func() {
	start := time.Now()
	return func() {
		ruleDuration.WithLabelValues(rule).Observe(time.Since(start).Seconds())
	}
}
