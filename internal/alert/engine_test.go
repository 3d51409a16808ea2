package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"alertengine/internal/database"
	"alertengine/internal/logger"
	"alertengine/internal/models"
	"alertengine/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUser = "user-1"

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *gorm.DB, *testClock) {
	t.Helper()
	logger.SetLogger(zap.NewNop())

	db, err := database.Open(database.Config{
		Driver:   "sqlite",
		DBName:   "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel: "silent",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := &testClock{t: baseTime}
	engine := NewEngine(db, NewWriter(db, time.Hour))
	engine.setClock(clock.now)
	return engine, db, clock
}

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func seedProduct(t *testing.T, db *gorm.DB, p models.Product) models.Product {
	t.Helper()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.UserID == "" {
		p.UserID = testUser
	}
	require.NoError(t, db.Create(&p).Error)
	return p
}

func countAlerts(t *testing.T, db *gorm.DB, where ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(&models.ActiveAlert{})
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestCheckStock(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	empty := seedProduct(t, db, models.Product{Title: "Lamp", SKU: "LMP-1", StockQuantity: 0})
	low := seedProduct(t, db, models.Product{Title: "Desk", SKU: "DSK-1", StockQuantity: 5, SupplierID: "sup-1"})
	seedProduct(t, db, models.Product{Title: "Chair", StockQuantity: 50})
	seedProduct(t, db, models.Product{UserID: "user-2", Title: "Other", StockQuantity: 0})

	res, err := engine.CheckStock(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OutOfStock)
	assert.Equal(t, 1, res.LowStock)
	assert.Equal(t, 2, res.AlertsCreated)
	assert.Zero(t, res.AlertsSuppressed)

	var out models.ActiveAlert
	require.NoError(t, db.Where("alert_type = ?", TypeStockOut).First(&out).Error)
	assert.Equal(t, empty.ID, out.ProductID)
	assert.Equal(t, string(SeverityCritical), out.Severity)
	assert.Equal(t, StatusActive, out.Status)
	assert.False(t, out.Acknowledged)
	assert.Equal(t, empty.ID, out.Metadata["productId"])
	assert.Nil(t, out.Metadata["orderId"])

	var lowAlert models.ActiveAlert
	require.NoError(t, db.Where("alert_type = ?", TypeStockLow).First(&lowAlert).Error)
	assert.Equal(t, low.ID, lowAlert.ProductID)
	assert.Equal(t, "sup-1", lowAlert.SupplierID)
	assert.Equal(t, string(SeverityWarning), lowAlert.Severity)
	assert.EqualValues(t, 10, lowAlert.Metadata["threshold"])
	assert.EqualValues(t, 5, lowAlert.Metadata["currentStock"])

	var outbox []models.NotificationOutbox
	require.NoError(t, db.Find(&outbox).Error)
	assert.Len(t, outbox, 2)

	_, err = engine.CheckStock(ctx, "", 10)
	assert.ErrorIs(t, err, ErrUserIDRequired)
}

func TestStockThresholdPrecedence(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	seedProduct(t, db, models.Product{Title: "Desk", StockQuantity: 15})

	res, err := engine.CheckStock(ctx, testUser, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.LowStock, "request threshold applies when nothing is stored")

	res, err = engine.CheckStock(ctx, testUser, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.LowStock, "default threshold is 10")

	twenty := 20.0
	_, err = engine.CreateConfig(ctx, testUser, ConfigInput{AlertType: string(TypeStockLow), ThresholdValue: &twenty})
	require.NoError(t, err)

	res, err = engine.CheckStock(ctx, testUser, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.LowStock, "stored threshold wins over the request")
	assert.Equal(t, 1, res.AlertsCreated)

	var a models.ActiveAlert
	require.NoError(t, db.Where("alert_type = ?", TypeStockLow).First(&a).Error)
	assert.EqualValues(t, 20, a.Metadata["threshold"])
}

func TestDisabledConfigSkipsRule(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	seedProduct(t, db, models.Product{Title: "Desk", StockQuantity: 5})
	seedProduct(t, db, models.Product{Title: "Lamp", StockQuantity: 0})
	off := false
	_, err := engine.CreateConfig(ctx, testUser, ConfigInput{AlertType: string(TypeStockLow), IsEnabled: &off})
	require.NoError(t, err)

	res, err := engine.CheckStock(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.LowStock)
	assert.Equal(t, 1, res.OutOfStock)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(0), countAlerts(t, db, "alert_type = ?", TypeStockLow))
}

func TestDedupWindow(t *testing.T) {
	engine, db, clock := newTestEngine(t)
	ctx := context.Background()

	seedProduct(t, db, models.Product{Title: "Desk", StockQuantity: 5})
	seedProduct(t, db, models.Product{Title: "Lamp", StockQuantity: 0})

	first, err := engine.CheckStock(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, first.AlertsCreated)

	clock.advance(30 * time.Minute)
	second, err := engine.CheckStock(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, second.AlertsCreated)
	assert.Equal(t, 2, second.AlertsSuppressed)
	assert.Equal(t, int64(2), countAlerts(t, db))

	clock.advance(31 * time.Minute)
	third, err := engine.CheckStock(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, third.AlertsCreated)
	assert.Equal(t, int64(4), countAlerts(t, db))
}

func TestWriterUniqueIndexSuppresses(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()
	w := engine.writer

	c := Candidate{
		Type:     TypeStockOut,
		Severity: SeverityCritical,
		Title:    "Out of stock",
		Payload:  StockPayload{ProductID: "p-1"},
	}
	// 预检查查不到这一行（product_id 不同），只能靠唯一索引拦截
	require.NoError(t, db.Create(&models.ActiveAlert{
		ID:        uuid.NewString(),
		UserID:    testUser,
		AlertType: string(TypeStockOut),
		Severity:  string(SeverityCritical),
		DedupKey:  w.dedupKey(c.Type, c.Payload.Refs(), baseTime),
		Status:    StatusActive,
		CreatedAt: baseTime,
	}).Error)

	row, outcome := w.Create(ctx, testUser, c)
	assert.Nil(t, row)
	assert.Equal(t, OutcomeSuppressed, outcome)

	var outbox int64
	require.NoError(t, db.Model(&models.NotificationOutbox{}).Count(&outbox).Error)
	assert.Zero(t, outbox, "the outbox row rolls back with the alert")
}

func TestWriterSubSecondWindow(t *testing.T) {
	_, db, _ := newTestEngine(t)
	ctx := context.Background()

	w := NewWriter(db, 500*time.Millisecond)
	at := baseTime
	w.now = func() time.Time { return at }
	c := Candidate{
		Type:     TypeStockOut,
		Severity: SeverityCritical,
		Title:    "Out of stock",
		Payload:  StockPayload{ProductID: "p-1"},
	}

	var outcome Outcome
	require.NotPanics(t, func() { _, outcome = w.Create(ctx, testUser, c) })
	assert.Equal(t, OutcomeCreated, outcome)

	_, outcome = w.Create(ctx, testUser, c)
	assert.Equal(t, OutcomeSuppressed, outcome)

	at = baseTime.Add(time.Second)
	_, outcome = w.Create(ctx, testUser, c)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.NotEqual(t, w.dedupKey(c.Type, c.Payload.Refs(), baseTime), w.dedupKey(c.Type, c.Payload.Refs(), at))
}

type recordingIndexer struct {
	ids []string
}

func (r *recordingIndexer) IndexAlert(_ context.Context, a *models.ActiveAlert) error {
	r.ids = append(r.ids, a.ID)
	return nil
}

type countingWaker struct {
	n int
}

func (c *countingWaker) Wake() { c.n++ }

func TestWriterNotifiesHooks(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	idx := &recordingIndexer{}
	waker := &countingWaker{}
	engine.writer.WithIndexer(idx).WithWaker(waker)

	row, outcome := engine.writer.Create(context.Background(), testUser, Candidate{
		Type:     TypeDeliveryDelay,
		Severity: SeverityWarning,
		Title:    "Delivery delay",
		Payload:  DeliveryPayload{OrderID: "o-1", OrderNumber: "#1001"},
	})
	require.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, []string{row.ID}, idx.ids)
	assert.Equal(t, 1, waker.n)
	assert.Equal(t, "o-1", row.OrderID)
	assert.Empty(t, row.ProductID)
	assert.Equal(t, "o-1", row.Metadata["orderId"])
	assert.Contains(t, row.Metadata, "productId")

	var queued models.NotificationOutbox
	require.NoError(t, db.Where("alert_id = ?", row.ID).First(&queued).Error)
	var n notify.Notification
	require.NoError(t, json.Unmarshal([]byte(queued.Payload), &n))
	assert.Equal(t, "warning", n.Type)
	assert.Equal(t, 6, n.Priority)
	assert.Equal(t, "#1001", n.Data["orderNumber"])
	assert.NotContains(t, n.Data, "productId", "notification data is the bare payload")
}

func TestCheckPrice(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	mapping := func(userID, prev, cur string) models.Product {
		p := seedProduct(t, db, models.Product{UserID: userID, Title: "P " + prev + "→" + cur})
		snap := &models.SyncSnapshot{PreviousPrice: money(prev), CurrentPrice: money(cur)}
		require.NoError(t, db.Create(&models.SupplierProductMapping{
			ID:           uuid.NewString(),
			ProductID:    p.ID,
			SupplierID:   "sup-1",
			LastSyncData: snap,
		}).Error)
		return p
	}

	up := mapping(testUser, "10.00", "12.00")  // +20%
	down := mapping(testUser, "10.00", "9.30") // -7%
	mapping(testUser, "10.00", "10.30")        // +3%
	mapping(testUser, "0", "5.00")             // 无法计算
	mapping("user-2", "10.00", "20.00")        // 其他用户
	noSync := seedProduct(t, db, models.Product{Title: "never synced"})
	require.NoError(t, db.Create(&models.SupplierProductMapping{ID: uuid.NewString(), ProductID: noSync.ID}).Error)

	res, err := engine.CheckPrice(ctx, testUser, 5)
	require.NoError(t, err)
	assert.Equal(t, 4, res.PriceChangesDetected)
	assert.Equal(t, 2, res.AlertsCreated)

	var upAlert, downAlert models.ActiveAlert
	require.NoError(t, db.Where("product_id = ?", up.ID).First(&upAlert).Error)
	require.NoError(t, db.Where("product_id = ?", down.ID).First(&downAlert).Error)
	assert.Equal(t, string(SeverityCritical), upAlert.Severity)
	assert.Equal(t, string(SeverityWarning), downAlert.Severity)
	assert.Contains(t, upAlert.Message, "20.0%")
	assert.Contains(t, downAlert.Title, "decreased")
	assert.InDelta(t, -7.0, downAlert.Metadata["changePercent"], 0.001)
	assert.Equal(t, "sup-1", downAlert.SupplierID)
}

func TestCheckMargin(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	loss := seedProduct(t, db, models.Product{Title: "Loss", Price: money("10.00"), CostPrice: money("12.00")})
	even := seedProduct(t, db, models.Product{Title: "Even", Price: money("10.00"), CostPrice: money("10.00")})
	seedProduct(t, db, models.Product{Title: "Healthy", Price: money("10.00"), CostPrice: money("5.00")})
	seedProduct(t, db, models.Product{Title: "No cost", Price: money("10.00")})

	res, err := engine.CheckMargin(ctx, testUser, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NegativeMarginProducts)
	assert.Equal(t, 2, res.AlertsCreated)

	var lossAlert, evenAlert models.ActiveAlert
	require.NoError(t, db.Where("product_id = ?", loss.ID).First(&lossAlert).Error)
	require.NoError(t, db.Where("product_id = ?", even.ID).First(&evenAlert).Error)
	assert.Equal(t, string(SeverityCritical), lossAlert.Severity)
	assert.InDelta(t, -20.0, lossAlert.Metadata["margin"], 0.001)
	assert.Equal(t, string(SeverityWarning), evenAlert.Severity)

	floor := 60.0
	res, err = engine.CheckMargin(ctx, testUser, &floor)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NegativeMarginProducts)
	assert.Equal(t, 1, res.AlertsCreated)
	assert.Equal(t, 2, res.AlertsSuppressed)
}

func TestCheckDelivery(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	order := func(number, status string, estimated time.Time) models.Order {
		o := models.Order{
			ID:                uuid.NewString(),
			UserID:            testUser,
			OrderNumber:       number,
			Status:            status,
			DeliveryStatus:    "in_transit",
			CustomerName:      "Ada",
			CustomerEmail:     "ada@example.com",
			EstimatedDelivery: &estimated,
			CreatedAt:         baseTime.AddDate(0, 0, -20),
		}
		require.NoError(t, db.Create(&o).Error)
		return o
	}

	late := order("#1", "shipped", baseTime.Add(-5*24*time.Hour))
	veryLate := order("#2", "processing", baseTime.Add(-10*24*time.Hour-time.Hour))
	order("#3", "in_transit", baseTime.Add(-24*time.Hour))
	order("#4", "delivered", baseTime.Add(-10*24*time.Hour))
	edge := order("#5", "shipped", baseTime.Add(-8*24*time.Hour))
	order("#6", "shipped", baseTime.Add(-2*24*time.Hour))

	res, err := engine.CheckDelivery(ctx, testUser, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.DelayedOrders)
	assert.Equal(t, 3, res.AlertsCreated)

	var lateAlert models.ActiveAlert
	require.NoError(t, db.Where("order_id = ?", late.ID).First(&lateAlert).Error)
	assert.Equal(t, string(SeverityWarning), lateAlert.Severity)
	assert.EqualValues(t, 5, lateAlert.Metadata["daysLate"])
	assert.Equal(t, "in_transit", lateAlert.Metadata["currentStatus"])

	var veryLateAlert models.ActiveAlert
	require.NoError(t, db.Where("order_id = ?", veryLate.ID).First(&veryLateAlert).Error)
	assert.Equal(t, string(SeverityCritical), veryLateAlert.Severity)
	assert.EqualValues(t, 11, veryLateAlert.Metadata["daysLate"])

	var edgeAlert models.ActiveAlert
	require.NoError(t, db.Where("order_id = ?", edge.ID).First(&edgeAlert).Error)
	assert.Equal(t, string(SeverityCritical), edgeAlert.Severity, "8 days late is critical")
	assert.EqualValues(t, 8, edgeAlert.Metadata["daysLate"])

	assert.Equal(t, int64(3), countAlerts(t, db, "alert_type = ?", TypeDeliveryDelay), "2 days late raises nothing")
}

func TestDetectWinning(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	volume := seedProduct(t, db, models.Product{Title: "Volume", SKU: "VOL"})
	revenue := seedProduct(t, db, models.Product{Title: "Revenue", SKU: "REV"})
	small := seedProduct(t, db, models.Product{Title: "Small"})
	foreign := seedProduct(t, db, models.Product{UserID: "user-2", Title: "Foreign"})

	recent := models.Order{ID: uuid.NewString(), UserID: testUser, Status: "delivered", CreatedAt: baseTime.AddDate(0, 0, -5)}
	old := models.Order{ID: uuid.NewString(), UserID: testUser, Status: "delivered", CreatedAt: baseTime.AddDate(0, 0, -45)}
	require.NoError(t, db.Create(&recent).Error)
	require.NoError(t, db.Create(&old).Error)

	items := []models.OrderItem{
		{OrderID: recent.ID, ProductID: volume.ID, Quantity: 12, Total: decimal.RequireFromString("100")},
		{OrderID: recent.ID, ProductID: revenue.ID, Quantity: 0, Total: decimal.RequireFromString("600")},
		{OrderID: recent.ID, ProductID: small.ID, Quantity: 2, Total: decimal.RequireFromString("50")},
		{OrderID: recent.ID, ProductID: foreign.ID, Quantity: 20, Total: decimal.RequireFromString("900")},
		{OrderID: old.ID, ProductID: small.ID, Quantity: 50, Total: decimal.RequireFromString("5000")},
	}
	for i := range items {
		items[i].ID = uuid.NewString()
	}
	require.NoError(t, db.Create(&items).Error)

	res, err := engine.DetectWinning(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TopProducts)
	assert.Equal(t, 2, res.Detected)
	assert.Equal(t, 2, res.AlertsCreated)

	var a models.ActiveAlert
	require.NoError(t, db.Where("product_id = ?", revenue.ID).First(&a).Error)
	assert.Equal(t, string(SeverityInfo), a.Severity)
	assert.EqualValues(t, 1, a.Metadata["sales"])
	assert.Equal(t, "30_days", a.Metadata["period"])
	assert.Equal(t, int64(0), countAlerts(t, db, "product_id = ?", foreign.ID))
}

func TestRankSales(t *testing.T) {
	var items []models.OrderItem
	for i := 0; i < 12; i++ {
		items = append(items, models.OrderItem{
			ProductID: string(rune('a' + i)),
			Quantity:  1,
			Total:     decimal.NewFromInt(int64(i)),
		})
	}
	items = append(items, models.OrderItem{ProductID: "a", Quantity: 0, Total: decimal.NewFromInt(100)})

	ranked := rankSales(items)
	require.Len(t, ranked, 10)
	assert.Equal(t, "a", ranked[0].ProductID)
	assert.Equal(t, 2, ranked[0].Quantity)
	assert.Equal(t, "l", ranked[1].ProductID)
}

func TestCheckAll(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()

	seedProduct(t, db, models.Product{Title: "Lamp", StockQuantity: 0})
	seedProduct(t, db, models.Product{Title: "Loss", StockQuantity: 100, Price: money("10"), CostPrice: money("15")})
	est := baseTime.AddDate(0, 0, -4)
	require.NoError(t, db.Create(&models.Order{
		ID: uuid.NewString(), UserID: testUser, OrderNumber: "#9", Status: "shipped",
		EstimatedDelivery: &est, CreatedAt: baseTime.AddDate(0, 0, -60),
	}).Error)

	res, err := engine.CheckAll(ctx, testUser)
	require.NoError(t, err)
	d := res.Details
	assert.Equal(t, d.Stock.AlertsCreated+d.Price.AlertsCreated+d.Margin.AlertsCreated+
		d.Delivery.AlertsCreated+d.Winning.AlertsCreated, res.Summary.TotalAlertsCreated)
	assert.Equal(t, 3, res.Summary.TotalAlertsCreated)
	assert.Equal(t, 1, res.Summary.StockAlerts)
	assert.Equal(t, 1, res.Summary.MarginAlerts)
	assert.Equal(t, 1, res.Summary.DeliveryAlerts)
	assert.Equal(t, d.Winning.Detected, res.Summary.WinningProducts)

	_, err = engine.CheckAll(ctx, "")
	assert.ErrorIs(t, err, ErrUserIDRequired)
}
