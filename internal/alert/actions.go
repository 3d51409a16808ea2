package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"alertengine/internal/logger"

	"go.uber.org/zap"
)

const (
	ActionCheckAll        = "check_all_alerts"
	ActionCheckStock      = "check_stock_alerts"
	ActionCheckPrice      = "check_price_alerts"
	ActionCheckMargin     = "check_margin_alerts"
	ActionCheckDelivery   = "check_delivery_alerts"
	ActionDetectWinning   = "detect_winning_products"
	ActionGetConfigs      = "get_alert_configs"
	ActionUpdateConfig    = "update_alert_config"
	ActionCreateConfig    = "create_alert_config"
	ActionGetActiveAlerts = "get_active_alerts"
	ActionDismissAlert    = "dismiss_alert"
	ActionDismissAll      = "dismiss_all_alerts"
)

// ActionRequest is the body accepted by the engine endpoint.
type ActionRequest struct {
	Action           string      `json:"action"`
	UserID           string      `json:"userId"`
	Threshold        float64     `json:"threshold,omitempty"`
	ThresholdPercent float64     `json:"threshold_percent,omitempty"`
	MinMargin        *float64    `json:"min_margin,omitempty"`
	DelayDays        float64     `json:"delay_days,omitempty"`
	Limit            int         `json:"limit,omitempty"`
	AlertID          string      `json:"alertId,omitempty"`
	Type             string      `json:"type,omitempty"`
	Config           ConfigInput `json:"config"`
}

// Handle dispatches one action and returns the flattened response body,
// always carrying success:true.
func (e *Engine) Handle(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
	logger.Debug("Handling engine action",
		zap.String("action", req.Action),
		zap.String("user_id", req.UserID))

	var (
		result interface{}
		err    error
	)
	switch req.Action {
	case ActionCheckAll:
		result, err = e.CheckAll(ctx, req.UserID)
	case ActionCheckStock:
		result, err = e.CheckStock(ctx, req.UserID, int(req.Threshold))
	case ActionCheckPrice:
		result, err = e.CheckPrice(ctx, req.UserID, req.ThresholdPercent)
	case ActionCheckMargin:
		result, err = e.CheckMargin(ctx, req.UserID, req.MinMargin)
	case ActionCheckDelivery:
		result, err = e.CheckDelivery(ctx, req.UserID, int(req.DelayDays))
	case ActionDetectWinning:
		result, err = e.DetectWinning(ctx, req.UserID)
	case ActionGetConfigs:
		result, err = e.GetConfigs(ctx, req.UserID)
	case ActionUpdateConfig:
		result, err = e.UpdateConfig(ctx, req.UserID, req.Config)
	case ActionCreateConfig:
		result, err = e.CreateConfig(ctx, req.UserID, req.Config)
	case ActionGetActiveAlerts:
		result, err = e.ListActive(ctx, req.UserID, req.Limit)
	case ActionDismissAlert:
		err = e.Dismiss(ctx, req.UserID, req.AlertID)
	case ActionDismissAll:
		result, err = e.DismissAll(ctx, req.UserID, req.Type)
	default:
		return nil, &UnknownActionError{Action: req.Action}
	}
	if err != nil {
		return nil, err
	}
	return Flatten(result)
}

// Flatten merges result's JSON fields into a top-level object next to success:true.
func Flatten(result interface{}) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("failed to flatten result: %w", err)
		}
	}
	body["success"] = true
	return body, nil
}

// UnknownActionError matches ErrUnknownAction with errors.Is.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return "Unknown action: " + e.Action
}

func (e *UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}
