package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/logger"
	"alertengine/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// AlertDocument 告警在 ES 中的文档结构
type AlertDocument struct {
	AlertID    string                 `json:"alert_id"`
	UserID     string                 `json:"user_id"`
	AlertType  string                 `json:"alert_type"`
	Severity   string                 `json:"severity"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	ProductID  string                 `json:"product_id,omitempty"`
	OrderID    string                 `json:"order_id,omitempty"`
	SupplierID string                 `json:"supplier_id,omitempty"`
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"@timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type Client struct {
	es     *elasticsearch.Client
	config config.ElasticsearchConfig
}

// NewClient returns nil when Elasticsearch is disabled.
func NewClient(cfg config.ElasticsearchConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	// 测试连接
	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	logger.Info("Elasticsearch client initialized", zap.Strings("addresses", cfg.Addresses))
	return &Client{es: es, config: cfg}, nil
}

// indexFor 按月滚动索引
func (c *Client) indexFor(t time.Time) string {
	return fmt.Sprintf("%s-%s", c.config.IndexPrefix, t.UTC().Format("2006.01"))
}

// IndexAlert 索引告警，文档 ID 即告警 ID，重复写入会覆盖
func (c *Client) IndexAlert(ctx context.Context, a *models.ActiveAlert) error {
	if c == nil || c.es == nil {
		return nil
	}

	doc := AlertDocument{
		AlertID:    a.ID,
		UserID:     a.UserID,
		AlertType:  a.AlertType,
		Severity:   a.Severity,
		Title:      a.Title,
		Message:    a.Message,
		ProductID:  a.ProductID,
		OrderID:    a.OrderID,
		SupplierID: a.SupplierID,
		Status:     a.Status,
		Timestamp:  a.CreatedAt.UTC(),
		Metadata:   a.Metadata,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal alert document: %w", err)
	}

	index := c.indexFor(a.CreatedAt)
	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: a.ID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to index alert: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch indexing error: %s", res.String())
	}

	logger.Debug("Alert indexed", zap.String("index", index), zap.String("alert_id", a.ID))
	return nil
}

type SearchQuery struct {
	UserID    string     `json:"userId"`
	QueryText string     `json:"query,omitempty"`
	AlertType string     `json:"type,omitempty"`
	Severity  string     `json:"severity,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Size      int        `json:"size,omitempty"`
	From      int        `json:"from,omitempty"`
}

type SearchResult struct {
	Total int64           `json:"total"`
	Hits  []AlertDocument `json:"hits"`
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}

// buildSearch 构建查询体
func buildSearch(query *SearchQuery) map[string]interface{} {
	filters := []map[string]interface{}{term("user_id", query.UserID)}
	if query.AlertType != "" {
		filters = append(filters, term("alert_type", query.AlertType))
	}
	if query.Severity != "" {
		filters = append(filters, term("severity", query.Severity))
	}
	if query.StartTime != nil || query.EndTime != nil {
		rangeQuery := map[string]interface{}{}
		if query.StartTime != nil {
			rangeQuery["gte"] = query.StartTime.Format(time.RFC3339)
		}
		if query.EndTime != nil {
			rangeQuery["lte"] = query.EndTime.Format(time.RFC3339)
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"@timestamp": rangeQuery},
		})
	}

	boolQuery := map[string]interface{}{"filter": filters}
	if query.QueryText != "" {
		boolQuery["must"] = []map[string]interface{}{{
			"multi_match": map[string]interface{}{
				"query":  query.QueryText,
				"fields": []string{"title^2", "message"},
			},
		}}
	}

	size := query.Size
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100 // 最大 100 条
	}

	return map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"size":  size,
		"from":  query.From,
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
}

// SearchAlerts 全文搜索用户告警
func (c *Client) SearchAlerts(ctx context.Context, query *SearchQuery) (*SearchResult, error) {
	if c == nil || c.es == nil {
		return &SearchResult{Hits: []AlertDocument{}}, nil
	}

	body, err := json.Marshal(buildSearch(query))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{c.config.IndexPrefix + "-*"},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("failed to search alerts: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var response struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source AlertDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	result := &SearchResult{
		Total: response.Hits.Total.Value,
		Hits:  make([]AlertDocument, 0, len(response.Hits.Hits)),
	}
	for _, hit := range response.Hits.Hits {
		result.Hits = append(result.Hits, hit.Source)
	}

	logger.Debug("Alert search completed",
		zap.String("user_id", query.UserID),
		zap.Int64("total", result.Total),
		zap.Int("returned", len(result.Hits)))
	return result, nil
}

// AlertStats 按类型和级别聚合的告警数量
type AlertStats struct {
	ByType     map[string]int64 `json:"byType"`
	BySeverity map[string]int64 `json:"bySeverity"`
}

// GetAlertStats 统计用户在时间范围内的告警分布
func (c *Client) GetAlertStats(ctx context.Context, userID string, startTime, endTime time.Time) (*AlertStats, error) {
	stats := &AlertStats{ByType: map[string]int64{}, BySeverity: map[string]int64{}}
	if c == nil || c.es == nil {
		return stats, nil
	}

	query := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					term("user_id", userID),
					{
						"range": map[string]interface{}{
							"@timestamp": map[string]interface{}{
								"gte": startTime.Format(time.RFC3339),
								"lte": endTime.Format(time.RFC3339),
							},
						},
					},
				},
			},
		},
		"aggs": map[string]interface{}{
			"by_type":     map[string]interface{}{"terms": map[string]interface{}{"field": "alert_type"}},
			"by_severity": map[string]interface{}{"terms": map[string]interface{}{"field": "severity"}},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stats query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{c.config.IndexPrefix + "-*"},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert stats: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch stats error: %s", res.String())
	}

	type buckets struct {
		Buckets []struct {
			Key      string `json:"key"`
			DocCount int64  `json:"doc_count"`
		} `json:"buckets"`
	}
	var response struct {
		Aggregations struct {
			ByType     buckets `json:"by_type"`
			BySeverity buckets `json:"by_severity"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse stats response: %w", err)
	}

	for _, b := range response.Aggregations.ByType.Buckets {
		stats.ByType[b.Key] = b.DocCount
	}
	for _, b := range response.Aggregations.BySeverity.Buckets {
		stats.BySeverity[b.Key] = b.DocCount
	}
	return stats, nil
}

// CreateIndexTemplate 创建索引模板（如果不存在）
func (c *Client) CreateIndexTemplate(ctx context.Context) error {
	if c == nil || c.es == nil {
		return nil
	}

	templateName := c.config.IndexPrefix + "-template"
	template := map[string]interface{}{
		"index_patterns": []string{c.config.IndexPrefix + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   1,
				"number_of_replicas": 1,
				"refresh_interval":   "5s",
			},
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"alert_id":    map[string]string{"type": "keyword"},
					"user_id":     map[string]string{"type": "keyword"},
					"alert_type":  map[string]string{"type": "keyword"},
					"severity":    map[string]string{"type": "keyword"},
					"status":      map[string]string{"type": "keyword"},
					"product_id":  map[string]string{"type": "keyword"},
					"order_id":    map[string]string{"type": "keyword"},
					"supplier_id": map[string]string{"type": "keyword"},
					"title":       map[string]string{"type": "text"},
					"message":     map[string]string{"type": "text"},
					"@timestamp":  map[string]string{"type": "date"},
					"metadata":    map[string]string{"type": "object"},
				},
			},
		},
	}

	body, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal index template: %w", err)
	}

	req := esapi.IndicesPutIndexTemplateRequest{
		Name: templateName,
		Body: bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		logger.Warn("Failed to create index template", zap.String("response", res.String()))
	} else {
		logger.Info("Index template created", zap.String("name", templateName))
	}
	return nil
}
