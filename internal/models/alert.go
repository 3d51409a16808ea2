package models

import "time"

// ActiveAlert 告警记录 (active_alerts)
type ActiveAlert struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	UserID         string     `gorm:"size:64;not null;index;uniqueIndex:idx_active_alerts_dedup,priority:1" json:"user_id"`
	AlertType      string     `gorm:"size:32;not null;index" json:"alert_type"`
	Severity       string     `gorm:"size:16;not null" json:"severity"` // info, warning, critical
	Title          string     `gorm:"size:500" json:"title"`
	Message        string     `gorm:"type:text" json:"message"`
	Metadata       JSONMap    `gorm:"type:text" json:"metadata"`
	ProductID      string     `gorm:"size:36;index" json:"product_id,omitempty"`
	OrderID        string     `gorm:"size:36;index" json:"order_id,omitempty"`
	SupplierID     string     `gorm:"size:36" json:"supplier_id,omitempty"`
	DedupKey       string     `gorm:"size:160;not null;uniqueIndex:idx_active_alerts_dedup,priority:2" json:"-"`
	Status         string     `gorm:"size:16;not null;default:active;index" json:"status"` // active, dismissed
	Acknowledged   bool       `gorm:"default:false" json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (ActiveAlert) TableName() string {
	return "active_alerts"
}

// AlertConfiguration 用户告警配置，每个 (user, alert_type) 一条
type AlertConfiguration struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	UserID           string     `gorm:"size:64;not null;uniqueIndex:idx_alert_config_user_type,priority:1" json:"user_id"`
	AlertType        string     `gorm:"size:32;not null;uniqueIndex:idx_alert_config_user_type,priority:2" json:"alert_type"`
	IsEnabled        bool       `json:"is_enabled"`
	ThresholdValue   *float64   `json:"threshold_value,omitempty"`
	ThresholdPercent *float64   `json:"threshold_percent,omitempty"`
	Channels         StringList `gorm:"type:text" json:"channels"`
	Priority         int        `json:"priority"`
	Conditions       JSONMap    `gorm:"type:text" json:"conditions,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (AlertConfiguration) TableName() string {
	return "alert_configurations"
}

// NotificationOutbox 待投递的通知
type NotificationOutbox struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	AlertID       string     `gorm:"size:36;index" json:"alert_id"`
	UserID        string     `gorm:"size:64;not null" json:"user_id"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`                    // JSON string
	Status        string     `gorm:"size:16;not null;default:pending;index" json:"status"` // pending, sent, failed
	Attempts      int        `gorm:"default:0" json:"attempts"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at,omitempty"` // 重试退避，为空表示立即可投递
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (NotificationOutbox) TableName() string {
	return "notification_outbox"
}
