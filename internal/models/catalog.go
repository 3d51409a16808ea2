package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// 以下表由商品/订单/供应商同步等外部系统维护，告警引擎只读

// Product 商品
type Product struct {
	ID            string              `gorm:"primaryKey;size:36" json:"id"`
	UserID        string              `gorm:"size:64;not null;index" json:"user_id"`
	Title         string              `gorm:"size:500" json:"title"`
	SKU           string              `gorm:"size:128" json:"sku"`
	StockQuantity int                 `gorm:"default:0;index" json:"stock_quantity"`
	Price         decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"price"`
	CostPrice     decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"cost_price"`
	SupplierID    string              `gorm:"size:36" json:"supplier_id"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// DisplayName 优先使用 SKU
func (p Product) DisplayName() string {
	if p.SKU != "" {
		return p.SKU
	}
	return p.Title
}

// Order 订单
type Order struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	UserID            string     `gorm:"size:64;not null;index" json:"user_id"`
	OrderNumber       string     `gorm:"size:64" json:"order_number"`
	Status            string     `gorm:"size:32;index" json:"status"` // pending, processing, shipped, in_transit, delivered, cancelled
	DeliveryStatus    string     `gorm:"size:32" json:"delivery_status"`
	CustomerName      string     `gorm:"size:255" json:"customer_name"`
	CustomerEmail     string     `gorm:"size:255" json:"customer_email"`
	EstimatedDelivery *time.Time `gorm:"index" json:"estimated_delivery"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem 订单明细
type OrderItem struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	OrderID   string          `gorm:"size:36;not null;index" json:"order_id"`
	ProductID string          `gorm:"size:36;index" json:"product_id"`
	Quantity  int             `json:"quantity"`
	Total     decimal.Decimal `gorm:"type:decimal(12,2)" json:"total"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// SupplierProductMapping 商品与供应商的对应关系及最近一次同步数据
type SupplierProductMapping struct {
	ID           string        `gorm:"primaryKey;size:36" json:"id"`
	ProductID    string        `gorm:"size:36;not null;index" json:"product_id"`
	SupplierID   string        `gorm:"size:36" json:"supplier_id"`
	SupplierSKU  string        `gorm:"size:128" json:"supplier_sku"`
	LastSyncData *SyncSnapshot `gorm:"type:text" json:"last_sync_data"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	Product Product `gorm:"foreignKey:ProductID" json:"products"`
}

func (SupplierProductMapping) TableName() string {
	return "supplier_product_mappings"
}
