package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notification is the body accepted by the send-notification function.
type Notification struct {
	UserID   string                 `json:"userId"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Type     string                 `json:"type"` // error, warning, info
	Category string                 `json:"category"`
	Priority int                    `json:"priority"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Notifier delivers a notification to the downstream notification subsystem.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// HTTPNotifier invokes the send-notification edge function.
type HTTPNotifier struct {
	URL        string
	ServiceKey string
	client     *http.Client
}

func NewHTTPNotifier(url, serviceKey string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		URL:        url,
		ServiceKey: serviceKey,
		client:     &http.Client{Timeout: timeout},
	}
}

func (h *HTTPNotifier) Name() string { return "http" }

func (h *HTTPNotifier) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.ServiceKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.ServiceKey)
		req.Header.Set("apikey", h.ServiceKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send-notification returned status: %d", resp.StatusCode)
	}
	return nil
}

// KafkaNotifier publishes notifications to a topic keyed by user.
type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 250 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: body,
		Time:  time.Now().UTC(),
	})
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// LogNotifier only logs; used in development and when no channel is configured.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Send(_ context.Context, n Notification) error {
	logger.Info("Notification",
		zap.String("user_id", n.UserID),
		zap.String("type", n.Type),
		zap.Int("priority", n.Priority),
		zap.String("title", n.Title),
	)
	return nil
}

// NewNotifier builds the notifier selected by the notify driver.
func NewNotifier(cfg config.NotifyConfig, kafkaCfg config.KafkaConfig) (Notifier, error) {
	switch cfg.Driver {
	case "http":
		if cfg.FunctionURL == "" {
			return nil, fmt.Errorf("missing function_url for http notifier")
		}
		return NewHTTPNotifier(cfg.FunctionURL, cfg.ServiceKey, cfg.Timeout), nil
	case "kafka":
		if len(kafkaCfg.Brokers) == 0 {
			return nil, fmt.Errorf("missing brokers for kafka notifier")
		}
		return NewKafkaNotifier(kafkaCfg.Brokers, kafkaCfg.Topic), nil
	case "log", "":
		return LogNotifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported notify driver: %s", cfg.Driver)
	}
}
