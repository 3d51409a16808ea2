package elasticsearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/logger"
	"alertengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeES struct {
	mu       sync.Mutex
	paths    []string
	indexed  map[string]AlertDocument
	lastBody map[string]interface{}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)

	body, _ := io.ReadAll(r.Body)
	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"name":"test","cluster_name":"test","version":{"number":"8.19.0"},"tagline":"You Know, for Search"}`)
	case strings.Contains(r.URL.Path, "/_doc/"):
		var doc AlertDocument
		_ = json.Unmarshal(body, &doc)
		f.indexed[doc.AlertID] = doc
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		f.lastBody = map[string]interface{}{}
		_ = json.Unmarshal(body, &f.lastBody)
		if _, ok := f.lastBody["aggs"]; ok {
			_, _ = io.WriteString(w, `{"aggregations":{"by_type":{"buckets":[{"key":"stock_out","doc_count":3}]},"by_severity":{"buckets":[{"key":"critical","doc_count":3}]}}}`)
			return
		}
		hits := []map[string]interface{}{}
		for _, d := range f.indexed {
			hits = append(hits, map[string]interface{}{"_source": d})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"hits": map[string]interface{}{
				"total": map[string]interface{}{"value": len(hits)},
				"hits":  hits,
			},
		})
	default:
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeES) {
	t.Helper()
	logger.SetLogger(zap.NewNop())
	fake := &fakeES{indexed: map[string]AlertDocument{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.ElasticsearchConfig{
		Enabled:     true,
		Addresses:   []string{srv.URL},
		IndexPrefix: "shopopti-alerts",
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	return c, fake
}

func TestDisabledClientIsNoop(t *testing.T) {
	c, err := NewClient(config.ElasticsearchConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, c.IndexAlert(context.Background(), &models.ActiveAlert{ID: "a"}))
	res, err := c.SearchAlerts(context.Background(), &SearchQuery{UserID: "u"})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestIndexAndSearchAlerts(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.IndexAlert(ctx, &models.ActiveAlert{
		ID:        "alert-1",
		UserID:    "u1",
		AlertType: "stock_out",
		Severity:  "critical",
		Title:     "Out of stock: Lamp",
		Status:    "active",
		CreatedAt: created,
	}))
	assert.Contains(t, fake.paths, "PUT /shopopti-alerts-2026.03/_doc/alert-1")
	assert.Equal(t, "u1", fake.indexed["alert-1"].UserID)

	res, err := c.SearchAlerts(ctx, &SearchQuery{UserID: "u1", QueryText: "lamp", AlertType: "stock_out", Size: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "Out of stock: Lamp", res.Hits[0].Title)
	assert.EqualValues(t, 100, fake.lastBody["size"], "size is capped")

	stats, err := c.GetAlertStats(ctx, "u1", created.Add(-time.Hour), created.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ByType["stock_out"])
	assert.Equal(t, int64(3), stats.BySeverity["critical"])
}

func TestBuildSearchFilters(t *testing.T) {
	q := buildSearch(&SearchQuery{UserID: "u1", Severity: "warning"})
	boolQuery := q["query"].(map[string]interface{})["bool"].(map[string]interface{})
	filters := boolQuery["filter"].([]map[string]interface{})
	require.Len(t, filters, 2)
	assert.Equal(t, map[string]interface{}{"user_id": "u1"}, filters[0]["term"])
	_, hasMust := boolQuery["must"]
	assert.False(t, hasMust)
	assert.Equal(t, 20, q["size"])
}
