package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertengine/internal/logger"
	"alertengine/internal/models"
	"alertengine/internal/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome is what happened to a candidate alert.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeSuppressed
	OutcomeFailed
)

// Indexer receives every alert after it is stored.
type Indexer interface {
	IndexAlert(ctx context.Context, a *models.ActiveAlert) error
}

// Waker is told when new notifications are waiting in the outbox.
type Waker interface {
	Wake()
}

// Writer deduplicates and persists alerts, queueing one notification per alert.
type Writer struct {
	db      *gorm.DB
	window  time.Duration
	waker   Waker
	indexer Indexer
	now     func() time.Time
}

func NewWriter(db *gorm.DB, window time.Duration) *Writer {
	if window <= 0 {
		window = time.Hour
	}
	return &Writer{
		db:     db,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithWaker wakes the notification relay after each commit.
func (w *Writer) WithWaker(waker Waker) *Writer {
	w.waker = waker
	return w
}

// WithIndexer mirrors created alerts into a search index.
func (w *Writer) WithIndexer(indexer Indexer) *Writer {
	w.indexer = indexer
	return w
}

// dedupKey buckets the entity by dedup window. A candidate outside the trailing window always
// lands in a later bucket, so the unique index only rejects concurrent duplicates.
func (w *Writer) dedupKey(t AlertType, refs Refs, at time.Time) string {
	bucket := at.UnixNano() / int64(w.window)
	return fmt.Sprintf("%s:%s:%d", t, refs.entity(), bucket)
}

// Create stores the candidate unless an alert of the same type for the same
// product/order was created for this user inside the dedup window.
// Failures are logged and reported through the outcome only.
func (w *Writer) Create(ctx context.Context, userID string, c Candidate) (*models.ActiveAlert, Outcome) {
	now := w.now()
	refs := c.Payload.Refs()
	log := logger.GetLogger().With(
		zap.String("user_id", userID),
		zap.String("alert_type", string(c.Type)),
		zap.String("entity", refs.entity()),
	)

	var existing int64
	if err := w.db.WithContext(ctx).Model(&models.ActiveAlert{}).
		Where("user_id = ? AND alert_type = ? AND product_id = ? AND order_id = ? AND created_at >= ?",
			userID, string(c.Type), refs.ProductID, refs.OrderID, now.Add(-w.window)).
		Count(&existing).Error; err != nil {
		log.Error("Failed to check for duplicate alert", zap.Error(err))
		alertsTotal.WithLabelValues(string(c.Type), "failed").Inc()
		return nil, OutcomeFailed
	}
	if existing > 0 {
		log.Debug("Alert already exists, skipping")
		alertsTotal.WithLabelValues(string(c.Type), "suppressed").Inc()
		return nil, OutcomeSuppressed
	}

	metadata, data, err := c.metadata()
	if err != nil {
		log.Error("Failed to build alert metadata", zap.Error(err))
		alertsTotal.WithLabelValues(string(c.Type), "failed").Inc()
		return nil, OutcomeFailed
	}

	row := &models.ActiveAlert{
		ID:           uuid.NewString(),
		UserID:       userID,
		AlertType:    string(c.Type),
		Severity:     string(c.Severity),
		Title:        c.Title,
		Message:      c.Message,
		Metadata:     metadata,
		ProductID:    refs.ProductID,
		OrderID:      refs.OrderID,
		SupplierID:   refs.SupplierID,
		DedupKey:     w.dedupKey(c.Type, refs, now),
		Status:       StatusActive,
		Acknowledged: false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return notify.Enqueue(tx, row.ID, notify.Notification{
			UserID:   userID,
			Title:    c.Title,
			Message:  c.Message,
			Type:     c.Severity.NotificationType(),
			Category: "alert",
			Priority: c.Severity.Priority(),
			Data:     data,
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		log.Debug("Concurrent duplicate alert rejected by dedup index")
		alertsTotal.WithLabelValues(string(c.Type), "suppressed").Inc()
		return nil, OutcomeSuppressed
	}
	if err != nil {
		log.Error("Failed to create alert", zap.Error(err))
		alertsTotal.WithLabelValues(string(c.Type), "failed").Inc()
		return nil, OutcomeFailed
	}

	alertsTotal.WithLabelValues(string(c.Type), "created").Inc()
	log.Info("Alert created", zap.String("alert_id", row.ID), zap.String("title", row.Title))

	if w.waker != nil {
		w.waker.Wake()
	}
	if w.indexer != nil {
		if err := w.indexer.IndexAlert(ctx, row); err != nil {
			log.Warn("Failed to index alert", zap.String("alert_id", row.ID), zap.Error(err))
		}
	}
	return row, OutcomeCreated
}
