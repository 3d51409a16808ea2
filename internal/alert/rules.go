package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"alertengine/internal/logger"
	"alertengine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultStockThreshold   = 10
	defaultPriceThreshold   = 5.0
	defaultDelayDays        = 3
	criticalPriceChange     = 10.0
	criticalDaysLate        = 7
	winningPeriod           = 30 * 24 * time.Hour
	winningTopN             = 10
	winningMinQuantity      = 10
	winningMinRevenueAmount = 500
)

var inFlightOrderStatuses = []string{"processing", "shipped", "in_transit"}

// CheckStock raises stock_out for empty products and stock_low for products at or
// below the threshold.
func (e *Engine) CheckStock(ctx context.Context, userID string, threshold int) (*StockResult, error) {
	defer observe("stock")()
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	lowCfg, err := e.storedConfig(ctx, userID, TypeStockLow)
	if err != nil {
		return nil, err
	}
	outCfg, err := e.storedConfig(ctx, userID, TypeStockOut)
	if err != nil {
		return nil, err
	}

	// 已保存的 stock_low 阈值优先于请求参数
	limit := threshold
	if lowCfg != nil && lowCfg.ThresholdValue != nil && *lowCfg.ThresholdValue > 0 {
		limit = int(*lowCfg.ThresholdValue)
	}
	if limit <= 0 {
		limit = defaultStockThreshold
	}

	result := &StockResult{}
	result.Skipped = disabled(lowCfg) && disabled(outCfg)

	if !disabled(outCfg) {
		var empty []models.Product
		if err := e.db.WithContext(ctx).
			Where("user_id = ? AND stock_quantity = 0", userID).
			Order("id").
			Find(&empty).Error; err != nil {
			return nil, fmt.Errorf("failed to query out-of-stock products: %w", err)
		}
		result.OutOfStock = len(empty)
		for _, p := range empty {
			_, outcome := e.writer.Create(ctx, userID, Candidate{
				Type:     TypeStockOut,
				Severity: SeverityCritical,
				Title:    fmt.Sprintf("Out of stock: %s", p.Title),
				Message:  fmt.Sprintf("Product %s is out of stock", p.DisplayName()),
				Payload: StockPayload{
					ProductID:    p.ID,
					SKU:          p.SKU,
					CurrentStock: 0,
					SupplierID:   p.SupplierID,
				},
			})
			result.record(outcome)
		}
	}

	if !disabled(lowCfg) {
		var low []models.Product
		if err := e.db.WithContext(ctx).
			Where("user_id = ? AND stock_quantity > 0 AND stock_quantity <= ?", userID, limit).
			Order("stock_quantity, id").
			Find(&low).Error; err != nil {
			return nil, fmt.Errorf("failed to query low-stock products: %w", err)
		}
		result.LowStock = len(low)
		for _, p := range low {
			th := limit
			_, outcome := e.writer.Create(ctx, userID, Candidate{
				Type:     TypeStockLow,
				Severity: SeverityWarning,
				Title:    fmt.Sprintf("Low stock: %s", p.Title),
				Message:  fmt.Sprintf("Product %s has only %d units left", p.DisplayName(), p.StockQuantity),
				Payload: StockPayload{
					ProductID:    p.ID,
					SKU:          p.SKU,
					CurrentStock: p.StockQuantity,
					Threshold:    &th,
					SupplierID:   p.SupplierID,
				},
			})
			result.record(outcome)
		}
	}

	logger.Info("Stock check finished",
		zap.String("user_id", userID),
		zap.Int("threshold", limit),
		zap.Int("out_of_stock", result.OutOfStock),
		zap.Int("low_stock", result.LowStock),
		zap.Int("alerts_created", result.AlertsCreated))
	return result, nil
}

// CheckPrice compares the last two supplier prices recorded by the sync job.
func (e *Engine) CheckPrice(ctx context.Context, userID string, thresholdPercent float64) (*PriceResult, error) {
	defer observe("price")()
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	cfg, err := e.storedConfig(ctx, userID, TypePriceChange)
	if err != nil {
		return nil, err
	}
	if disabled(cfg) {
		return &PriceResult{Tally: Tally{Skipped: true}}, nil
	}
	var stored *float64
	if cfg != nil {
		stored = cfg.ThresholdPercent
	}
	threshold := resolveThreshold(thresholdPercent, stored, defaultPriceThreshold)

	var mappings []models.SupplierProductMapping
	owned := e.db.Model(&models.Product{}).Select("id").Where("user_id = ?", userID)
	if err := e.db.WithContext(ctx).
		Preload("Product").
		Where("product_id IN (?) AND last_sync_data IS NOT NULL", owned).
		Order("id").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("failed to query supplier mappings: %w", err)
	}

	result := &PriceResult{PriceChangesDetected: len(mappings)}
	for _, m := range mappings {
		snap := m.LastSyncData
		if snap == nil || !snap.PreviousPrice.Valid || !snap.CurrentPrice.Valid ||
			snap.PreviousPrice.Decimal.IsZero() || snap.CurrentPrice.Decimal.IsZero() {
			continue
		}
		prev, cur := snap.PreviousPrice.Decimal, snap.CurrentPrice.Decimal
		change := cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).InexactFloat64()
		if math.Abs(change) < threshold {
			continue
		}

		severity := SeverityWarning
		if change > criticalPriceChange {
			severity = SeverityCritical
		}
		direction := "decreased"
		if change > 0 {
			direction = "increased"
		}

		_, outcome := e.writer.Create(ctx, userID, Candidate{
			Type:     TypePriceChange,
			Severity: severity,
			Title:    fmt.Sprintf("Supplier price %s: %s", direction, m.Product.Title),
			Message: fmt.Sprintf("Supplier price %s by %.1f%% (%s€ → %s€)",
				direction, math.Abs(change), prev.StringFixed(2), cur.StringFixed(2)),
			Payload: PricePayload{
				ProductID:     m.ProductID,
				SupplierID:    m.SupplierID,
				PreviousPrice: prev.InexactFloat64(),
				CurrentPrice:  cur.InexactFloat64(),
				ChangePercent: change,
			},
		})
		result.record(outcome)
	}

	logger.Info("Price check finished",
		zap.String("user_id", userID),
		zap.Float64("threshold_percent", threshold),
		zap.Int("mappings", result.PriceChangesDetected),
		zap.Int("alerts_created", result.AlertsCreated))
	return result, nil
}

// CheckMargin flags products whose margin is at or below minMargin percent.
// A nil minMargin falls back to the stored configuration, then zero.
func (e *Engine) CheckMargin(ctx context.Context, userID string, minMargin *float64) (*MarginResult, error) {
	defer observe("margin")()
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	cfg, err := e.storedConfig(ctx, userID, TypeNegativeMargin)
	if err != nil {
		return nil, err
	}
	if disabled(cfg) {
		return &MarginResult{Tally: Tally{Skipped: true}}, nil
	}
	floor := 0.0
	switch {
	case minMargin != nil:
		floor = *minMargin
	case cfg != nil && cfg.ThresholdValue != nil:
		floor = *cfg.ThresholdValue
	}

	var products []models.Product
	if err := e.db.WithContext(ctx).
		Where("user_id = ? AND price IS NOT NULL AND cost_price IS NOT NULL", userID).
		Order("id").
		Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to query product margins: %w", err)
	}

	result := &MarginResult{}
	for _, p := range products {
		if !p.Price.Valid || !p.CostPrice.Valid || p.Price.Decimal.IsZero() || p.CostPrice.Decimal.IsZero() {
			continue
		}
		price, cost := p.Price.Decimal, p.CostPrice.Decimal
		margin := price.Sub(cost).Div(price).Mul(decimal.NewFromInt(100)).InexactFloat64()
		if margin > floor {
			continue
		}
		result.NegativeMarginProducts++

		severity := SeverityWarning
		label := "Low"
		if margin < 0 {
			severity = SeverityCritical
			label = "Negative"
		}

		_, outcome := e.writer.Create(ctx, userID, Candidate{
			Type:     TypeNegativeMargin,
			Severity: severity,
			Title:    fmt.Sprintf("%s margin: %s", label, p.Title),
			Message: fmt.Sprintf("Product %s has a margin of %.1f%% (price: %s€, cost: %s€)",
				p.DisplayName(), margin, price.StringFixed(2), cost.StringFixed(2)),
			Payload: MarginPayload{
				ProductID:  p.ID,
				SKU:        p.SKU,
				Price:      price.InexactFloat64(),
				CostPrice:  cost.InexactFloat64(),
				Margin:     margin,
				SupplierID: p.SupplierID,
			},
		})
		result.record(outcome)
	}

	logger.Info("Margin check finished",
		zap.String("user_id", userID),
		zap.Float64("min_margin", floor),
		zap.Int("flagged", result.NegativeMarginProducts),
		zap.Int("alerts_created", result.AlertsCreated))
	return result, nil
}

// CheckDelivery flags in-flight orders whose estimated delivery is more than delayDays old.
func (e *Engine) CheckDelivery(ctx context.Context, userID string, delayDays int) (*DeliveryResult, error) {
	defer observe("delivery")()
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	cfg, err := e.storedConfig(ctx, userID, TypeDeliveryDelay)
	if err != nil {
		return nil, err
	}
	if disabled(cfg) {
		return &DeliveryResult{Tally: Tally{Skipped: true}}, nil
	}
	var stored *float64
	if cfg != nil {
		stored = cfg.ThresholdValue
	}
	days := int(resolveThreshold(float64(delayDays), stored, defaultDelayDays))

	now := e.now()
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	var orders []models.Order
	if err := e.db.WithContext(ctx).
		Where("user_id = ? AND status IN ? AND estimated_delivery IS NOT NULL AND estimated_delivery < ?",
			userID, inFlightOrderStatuses, cutoff).
		Order("estimated_delivery, id").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to query delayed orders: %w", err)
	}

	result := &DeliveryResult{DelayedOrders: len(orders)}
	for _, o := range orders {
		estimated := o.EstimatedDelivery.UTC()
		daysLate := int(math.Ceil(now.Sub(estimated).Hours() / 24))

		severity := SeverityWarning
		if daysLate > criticalDaysLate {
			severity = SeverityCritical
		}

		_, outcome := e.writer.Create(ctx, userID, Candidate{
			Type:     TypeDeliveryDelay,
			Severity: severity,
			Title:    fmt.Sprintf("Delivery delay: order %s", o.OrderNumber),
			Message:  fmt.Sprintf("Order %s for %s is %d days late", o.OrderNumber, o.CustomerName, daysLate),
			Payload: DeliveryPayload{
				OrderID:           o.ID,
				OrderNumber:       o.OrderNumber,
				CustomerName:      o.CustomerName,
				CustomerEmail:     o.CustomerEmail,
				EstimatedDelivery: estimated,
				DaysLate:          daysLate,
				CurrentStatus:     o.DeliveryStatus,
			},
		})
		result.record(outcome)
	}

	logger.Info("Delivery check finished",
		zap.String("user_id", userID),
		zap.Int("delay_days", days),
		zap.Int("delayed_orders", result.DelayedOrders),
		zap.Int("alerts_created", result.AlertsCreated))
	return result, nil
}

type productSales struct {
	ProductID string
	Quantity  int
	Revenue   decimal.Decimal
}

// DetectWinning raises an info alert for the best sellers of the last 30 days.
func (e *Engine) DetectWinning(ctx context.Context, userID string) (*WinningResult, error) {
	defer observe("winning")()
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	cfg, err := e.storedConfig(ctx, userID, TypeWinningProduct)
	if err != nil {
		return nil, err
	}
	if disabled(cfg) {
		return &WinningResult{Tally: Tally{Skipped: true}}, nil
	}
	var stored *float64
	if cfg != nil {
		stored = cfg.ThresholdValue
	}
	minQuantity := int(resolveThreshold(0, stored, winningMinQuantity))
	minRevenue := decimal.NewFromInt(winningMinRevenueAmount)

	var items []models.OrderItem
	since := e.now().Add(-winningPeriod)
	if err := e.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("orders.user_id = ? AND orders.created_at >= ?", userID, since).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to query recent order items: %w", err)
	}

	top := rankSales(items)
	result := &WinningResult{TopProducts: len(top)}

	for _, s := range top {
		if s.Quantity < minQuantity && s.Revenue.LessThan(minRevenue) {
			continue
		}

		var product models.Product
		err := e.db.WithContext(ctx).
			Where("id = ? AND user_id = ?", s.ProductID, userID).
			First(&product).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load product %s: %w", s.ProductID, err)
		}
		result.Detected++

		revenue := s.Revenue.InexactFloat64()
		_, outcome := e.writer.Create(ctx, userID, Candidate{
			Type:     TypeWinningProduct,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("Winning product detected: %s", product.Title),
			Message: fmt.Sprintf("%s generated %s€ from %d sales over the last 30 days",
				product.DisplayName(), s.Revenue.StringFixed(2), s.Quantity),
			Payload: WinningPayload{
				ProductID: product.ID,
				SKU:       product.SKU,
				Sales:     s.Quantity,
				Revenue:   revenue,
				Period:    "30_days",
			},
		})
		result.record(outcome)
	}

	logger.Info("Winning product detection finished",
		zap.String("user_id", userID),
		zap.Int("top_products", result.TopProducts),
		zap.Int("detected", result.Detected),
		zap.Int("alerts_created", result.AlertsCreated))
	return result, nil
}

// rankSales aggregates items per product and keeps the top sellers by revenue.
// A zero quantity counts as one unit.
func rankSales(items []models.OrderItem) []productSales {
	byProduct := make(map[string]*productSales)
	for _, it := range items {
		if it.ProductID == "" {
			continue
		}
		qty := it.Quantity
		if qty == 0 {
			qty = 1
		}
		s, ok := byProduct[it.ProductID]
		if !ok {
			s = &productSales{ProductID: it.ProductID}
			byProduct[it.ProductID] = s
		}
		s.Quantity += qty
		s.Revenue = s.Revenue.Add(it.Total)
	}

	ranked := make([]productSales, 0, len(byProduct))
	for _, s := range byProduct {
		ranked = append(ranked, *s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if c := ranked[i].Revenue.Cmp(ranked[j].Revenue); c != 0 {
			return c > 0
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})
	if len(ranked) > winningTopN {
		ranked = ranked[:winningTopN]
	}
	return ranked
}
