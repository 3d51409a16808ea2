package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"alertengine/api/middleware"
	"alertengine/internal/alert"
	"alertengine/internal/config"
	"alertengine/internal/elasticsearch"
	"alertengine/internal/logger"
	"alertengine/internal/runlock"
	"alertengine/internal/scheduler"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var allowedHeaders = []string{"authorization", "x-client-info", "apikey", "content-type"}

type Server struct {
	router     *gin.Engine
	db         *gorm.DB
	engine     *alert.Engine
	scheduler  *scheduler.Service
	es         *elasticsearch.Client
	limiter    *middleware.IPRateLimiter
	configPath string
	config     *config.Config
}

// NewServer wires the HTTP routes. ctx bounds the rate limiter's background cleanup.
func NewServer(ctx context.Context, db *gorm.DB, engine *alert.Engine, sched *scheduler.Service,
	esClient *elasticsearch.Client, configPath string, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	httpLog := logger.Named("http")
	router.Use(ginzap.Ginzap(httpLog, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(httpLog, true))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:              allowedHeaders,
		OptionsResponseStatusCode: http.StatusOK,
		MaxAge:                    12 * time.Hour,
	}))
	// 请求处理超时（30 秒）
	router.Use(middleware.Timeout(30 * time.Second))

	server := &Server{
		router:    router,
		db:        db,
		engine:    engine,
		scheduler: sched,
		es:        esClient,
		limiter: middleware.NewIPRateLimiter(ctx, middleware.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Burst,
		}),
		configPath: configPath,
		config:     cfg,
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	// 兼容原 edge function 路径
	for _, path := range []string{"/functions/v1/realtime-alerts-engine", "/api/v1/alerts/engine"} {
		s.router.OPTIONS(path, edgeHeaders(), s.preflight)
		s.router.POST(path, edgeHeaders(), s.limiter.Middleware(), s.handleEngine)
	}

	api := s.router.Group("/api/v1")
	api.Use(s.limiter.Middleware())
	{
		api.POST("/alerts/search", s.searchAlerts)
		api.POST("/alerts/stats", s.alertStats)

		api.POST("/scheduler/run", s.runScheduler)
		api.POST("/runs/list", s.listRuns)

		api.GET("/config", s.getConfig)
		api.POST("/config", s.updateConfig)
	}

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// edgeHeaders 无论是否携带 Origin 都返回 CORS 头
func edgeHeaders() gin.HandlerFunc {
	headers := strings.Join(allowedHeaders, ", ")
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", headers)
		c.Next()
	}
}

func (s *Server) preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleEngine(c *gin.Context) {
	var req alert.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	body, err := s.engine.Handle(c.Request.Context(), req)
	if err != nil {
		logger.Error("Engine action failed",
			zap.String("action", req.Action),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy", "database": "ok"}
	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status["status"] = "degraded"
		status["database"] = "unreachable"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) searchAlerts(c *gin.Context) {
	if s.es == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Elasticsearch is not enabled"})
		return
	}

	var req elasticsearch.SearchQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": alert.ErrUserIDRequired.Error()})
		return
	}

	result, err := s.es.SearchAlerts(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// AlertStatsRequest 时间为 Unix 秒，默认最近 30 天
type AlertStatsRequest struct {
	UserID    string `json:"userId"`
	StartTime *int64 `json:"start_time"`
	EndTime   *int64 `json:"end_time"`
}

func (s *Server) alertStats(c *gin.Context) {
	if s.es == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Elasticsearch is not enabled"})
		return
	}

	var req AlertStatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": alert.ErrUserIDRequired.Error()})
		return
	}

	end := time.Now().UTC()
	if req.EndTime != nil {
		end = time.Unix(*req.EndTime, 0).UTC()
	}
	start := end.AddDate(0, 0, -30)
	if req.StartTime != nil {
		start = time.Unix(*req.StartTime, 0).UTC()
	}

	stats, err := s.es.GetAlertStats(c.Request.Context(), req.UserID, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type RunSchedulerRequest struct {
	UserID string `json:"userId"`
}

// runScheduler 手动触发检查：指定 userId 只检查该用户，否则检查全部用户
func (s *Server) runScheduler(c *gin.Context) {
	var req RunSchedulerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.UserID != "" {
		result, err := s.scheduler.RunUser(c.Request.Context(), req.UserID, scheduler.TriggerManual)
		if errors.Is(err, runlock.ErrLockHeld) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		body, err := alert.Flatten(result)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, body)
		return
	}

	summary, err := s.scheduler.RunOnce(c.Request.Context(), scheduler.TriggerManual)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "run": summary})
}

func (s *Server) listRuns(c *gin.Context) {
	var req logger.RunLogQuery
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	result, err := logger.QueryRunLogs(s.config.RunLog.Dir, &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
