package alert

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"alertengine/internal/logger"
	"alertengine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// DefaultConfigs 内置默认告警配置
type DefaultConfigs struct {
	Version  int             `yaml:"version"`
	Defaults []DefaultConfig `yaml:"defaults"`
}

// DefaultConfig 未保存配置时返回的默认项，只包含规则相关字段
type DefaultConfig struct {
	AlertType        string   `yaml:"alert_type" json:"alert_type"`
	IsEnabled        bool     `yaml:"-" json:"is_enabled"`
	ThresholdValue   *float64 `yaml:"threshold_value" json:"threshold_value,omitempty"`
	ThresholdPercent *float64 `yaml:"threshold_percent" json:"threshold_percent,omitempty"`
	Channels         []string `yaml:"channels" json:"channels"`
	Priority         int      `yaml:"priority" json:"priority"`
}

func parseDefaults(data []byte) (*DefaultConfigs, error) {
	var d DefaultConfigs
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse default alert configurations: %w", err)
	}
	for _, c := range d.Defaults {
		if !AlertType(c.AlertType).Valid() {
			return nil, fmt.Errorf("%w: %q in defaults", ErrInvalidAlertType, c.AlertType)
		}
	}
	return &d, nil
}

func mustLoadDefaults() *DefaultConfigs {
	d, err := parseDefaults(defaultsYAML)
	if err != nil {
		panic(err)
	}
	return d
}

// ConfigInput is the `config` object accepted by create and update.
type ConfigInput struct {
	ID               string                 `json:"id"`
	AlertType        string                 `json:"alert_type"`
	IsEnabled        *bool                  `json:"is_enabled"`
	ThresholdValue   *float64               `json:"threshold_value"`
	ThresholdPercent *float64               `json:"threshold_percent"`
	Channels         []string               `json:"channels"`
	Priority         *int                   `json:"priority"`
	Conditions       map[string]interface{} `json:"conditions"`
}

// ConfigsResult holds either the stored configurations or, with IsDefault, the default table.
type ConfigsResult struct {
	Configs   []models.AlertConfiguration
	Defaults  []DefaultConfig
	IsDefault bool
}

func (r ConfigsResult) MarshalJSON() ([]byte, error) {
	var configs interface{} = r.Configs
	if r.IsDefault {
		configs = r.Defaults
	} else if r.Configs == nil {
		configs = []models.AlertConfiguration{}
	}
	return json.Marshal(struct {
		Configs   interface{} `json:"configs"`
		IsDefault bool        `json:"isDefault"`
	}{configs, r.IsDefault})
}

type ConfigResult struct {
	Config *models.AlertConfiguration `json:"config"`
}

// GetConfigs returns the user's stored configurations, or the default table when none exist.
func (e *Engine) GetConfigs(ctx context.Context, userID string) (*ConfigsResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var configs []models.AlertConfiguration
	if err := e.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("alert_type").
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("failed to load alert configurations: %w", err)
	}
	if len(configs) > 0 {
		return &ConfigsResult{Configs: configs}, nil
	}

	defaults := make([]DefaultConfig, 0, len(e.defaults.Defaults))
	for _, d := range e.defaults.Defaults {
		d.IsEnabled = true
		defaults = append(defaults, d)
	}
	return &ConfigsResult{Defaults: defaults, IsDefault: true}, nil
}

// CreateConfig inserts the configuration, replacing any existing one for the same alert type.
func (e *Engine) CreateConfig(ctx context.Context, userID string, in ConfigInput) (*ConfigResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if !AlertType(in.AlertType).Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAlertType, in.AlertType)
	}

	row := models.AlertConfiguration{
		ID:               uuid.NewString(),
		UserID:           userID,
		AlertType:        in.AlertType,
		IsEnabled:        true,
		ThresholdValue:   in.ThresholdValue,
		ThresholdPercent: in.ThresholdPercent,
		Channels:         models.StringList{"push"},
		Priority:         5,
		Conditions:       in.Conditions,
	}
	if in.IsEnabled != nil {
		row.IsEnabled = *in.IsEnabled
	}
	if len(in.Channels) > 0 {
		row.Channels = in.Channels
	}
	if in.Priority != nil {
		row.Priority = *in.Priority
	}

	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "alert_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_enabled", "threshold_value", "threshold_percent",
			"channels", "priority", "conditions", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save alert configuration: %w", err)
	}

	var stored models.AlertConfiguration
	if err := e.db.WithContext(ctx).
		Where("user_id = ? AND alert_type = ?", userID, in.AlertType).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to reload alert configuration: %w", err)
	}

	logger.Info("Alert configuration saved",
		zap.String("user_id", userID),
		zap.String("alert_type", stored.AlertType),
		zap.String("config_id", stored.ID))
	return &ConfigResult{Config: &stored}, nil
}

// UpdateConfig overwrites the supplied fields of an existing configuration.
func (e *Engine) UpdateConfig(ctx context.Context, userID string, in ConfigInput) (*ConfigResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if in.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrConfigNotFound)
	}

	var cfg models.AlertConfiguration
	err := e.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", in.ID, userID).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, in.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert configuration: %w", err)
	}

	if in.IsEnabled != nil {
		cfg.IsEnabled = *in.IsEnabled
	}
	if in.ThresholdValue != nil {
		cfg.ThresholdValue = in.ThresholdValue
	}
	if in.ThresholdPercent != nil {
		cfg.ThresholdPercent = in.ThresholdPercent
	}
	if in.Channels != nil {
		cfg.Channels = in.Channels
	}
	if in.Priority != nil {
		cfg.Priority = *in.Priority
	}
	if in.Conditions != nil {
		cfg.Conditions = in.Conditions
	}

	if err := e.db.WithContext(ctx).Save(&cfg).Error; err != nil {
		return nil, fmt.Errorf("failed to update alert configuration: %w", err)
	}

	logger.Info("Alert configuration updated",
		zap.String("user_id", userID),
		zap.String("config_id", cfg.ID))
	return &ConfigResult{Config: &cfg}, nil
}
