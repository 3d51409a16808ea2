package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// JSONMap 以 JSON 文本存储的对象列
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (j *JSONMap) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		*j = nil
		return err
	}
	return json.Unmarshal(data, j)
}

// StringList 以 JSON 数组存储的字符串列表（如通知渠道）
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// SyncSnapshot 供应商价格同步快照 (supplier_product_mappings.last_sync_data)
type SyncSnapshot struct {
	PreviousPrice decimal.NullDecimal `json:"previous_price"`
	CurrentPrice  decimal.NullDecimal `json:"current_price"`
	SyncedAt      string              `json:"synced_at,omitempty"`
}

func (s SyncSnapshot) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *SyncSnapshot) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		return err
	}
	return json.Unmarshal(data, s)
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
}
