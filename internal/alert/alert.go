package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AlertType 告警类型
type AlertType string

const (
	TypeStockLow       AlertType = "stock_low"
	TypeStockOut       AlertType = "stock_out"
	TypePriceChange    AlertType = "price_change"
	TypeDeliveryDelay  AlertType = "delivery_delay"
	TypeNegativeMargin AlertType = "negative_margin"
	TypeWinningProduct AlertType = "winning_product"
	TypeSupplierIssue  AlertType = "supplier_issue"
)

// Valid reports whether t is one of the known alert types.
func (t AlertType) Valid() bool {
	switch t {
	case TypeStockLow, TypeStockOut, TypePriceChange, TypeDeliveryDelay,
		TypeNegativeMargin, TypeWinningProduct, TypeSupplierIssue:
		return true
	}
	return false
}

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Priority is the notification priority derived from the severity.
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 9
	case SeverityWarning:
		return 6
	default:
		return 3
	}
}

// NotificationType maps the severity onto the notification subsystem's type names.
func (s Severity) NotificationType() string {
	switch s {
	case SeverityCritical:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

const (
	StatusActive    = "active"
	StatusDismissed = "dismissed"
)

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrUserIDRequired   = errors.New("userId is required")
	ErrAlertNotFound    = errors.New("alert not found")
	ErrConfigNotFound   = errors.New("alert configuration not found")
	ErrInvalidAlertType = errors.New("invalid alert type")
)

// Refs identifies the business entities an alert points at.
type Refs struct {
	ProductID  string
	OrderID    string
	SupplierID string
}

// entity is the id used for deduplication: product first, then order, then supplier.
func (r Refs) entity() string {
	switch {
	case r.ProductID != "":
		return "product:" + r.ProductID
	case r.OrderID != "":
		return "order:" + r.OrderID
	case r.SupplierID != "":
		return "supplier:" + r.SupplierID
	}
	return "none"
}

// Payload is the typed context carried by an alert. Each rule produces its own variant.
type Payload interface {
	Refs() Refs
}

type StockPayload struct {
	ProductID    string `json:"productId"`
	SKU          string `json:"sku"`
	CurrentStock int    `json:"currentStock"`
	Threshold    *int   `json:"threshold,omitempty"`
	SupplierID   string `json:"supplierId,omitempty"`
}

func (p StockPayload) Refs() Refs {
	return Refs{ProductID: p.ProductID, SupplierID: p.SupplierID}
}

type PricePayload struct {
	ProductID     string  `json:"productId"`
	SupplierID    string  `json:"supplierId,omitempty"`
	PreviousPrice float64 `json:"previousPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	ChangePercent float64 `json:"changePercent"`
}

func (p PricePayload) Refs() Refs {
	return Refs{ProductID: p.ProductID, SupplierID: p.SupplierID}
}

type MarginPayload struct {
	ProductID  string  `json:"productId"`
	SKU        string  `json:"sku"`
	Price      float64 `json:"price"`
	CostPrice  float64 `json:"costPrice"`
	Margin     float64 `json:"margin"`
	SupplierID string  `json:"supplierId,omitempty"`
}

func (p MarginPayload) Refs() Refs {
	return Refs{ProductID: p.ProductID, SupplierID: p.SupplierID}
}

type DeliveryPayload struct {
	OrderID           string    `json:"orderId"`
	OrderNumber       string    `json:"orderNumber"`
	CustomerName      string    `json:"customerName"`
	CustomerEmail     string    `json:"customerEmail"`
	EstimatedDelivery time.Time `json:"estimatedDelivery"`
	DaysLate          int       `json:"daysLate"`
	CurrentStatus     string    `json:"currentStatus"`
}

func (p DeliveryPayload) Refs() Refs {
	return Refs{OrderID: p.OrderID}
}

type WinningPayload struct {
	ProductID string  `json:"productId"`
	SKU       string  `json:"sku"`
	Sales     int     `json:"sales"`
	Revenue   float64 `json:"revenue"`
	Period    string  `json:"period"`
}

func (p WinningPayload) Refs() Refs {
	return Refs{ProductID: p.ProductID}
}

// Candidate is an alert a rule runner wants to raise.
type Candidate struct {
	Type     AlertType
	Severity Severity
	Title    string
	Message  string
	Payload  Payload
}

// metadata flattens the payload into the stored metadata object and adds the entity refs.
// The second map is the bare payload sent as notification data.
func (c Candidate) metadata() (map[string]interface{}, map[string]interface{}, error) {
	data, err := c.payloadMap()
	if err != nil {
		return nil, nil, err
	}
	meta := make(map[string]interface{}, len(data)+3)
	for k, v := range data {
		meta[k] = v
	}
	refs := c.Payload.Refs()
	meta["productId"] = nullable(refs.ProductID)
	meta["orderId"] = nullable(refs.OrderID)
	meta["supplierId"] = nullable(refs.SupplierID)
	return meta, data, nil
}

func (c Candidate) payloadMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", c.Type, err)
	}
	data := map[string]interface{}{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to flatten %s payload: %w", c.Type, err)
	}
	return data, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
