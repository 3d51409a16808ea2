package server

import (
	"fmt"
	"net/http"

	"alertengine/internal/config"
	"alertengine/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const redactedValue = "******"

// GetConfigResponse 获取配置响应
type GetConfigResponse struct {
	Config *config.Config `json:"config"`
}

// UpdateConfigRequest 更新配置请求
type UpdateConfigRequest struct {
	Config *config.Config `json:"config" binding:"required"`
}

// getConfig 获取系统配置（隐藏密钥）
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, GetConfigResponse{
		Config: s.config.Redacted(),
	})
}

// updateConfig 更新系统配置，重启后生效
func (s *Server) updateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 回传的脱敏值保持原密钥不变
	next := req.Config
	keepSecret(&next.Database.Password, s.config.Database.Password)
	keepSecret(&next.Notify.ServiceKey, s.config.Notify.ServiceKey)
	keepSecret(&next.Elasticsearch.Password, s.config.Elasticsearch.Password)
	keepSecret(&next.Redis.Password, s.config.Redis.Password)

	// 验证配置
	if err := next.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.configPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Service was started without a config file"})
		return
	}

	// 保存配置到文件
	if err := config.SaveToFile(s.configPath, next); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to save config: %v", err)})
		return
	}

	logger.Info("Configuration saved", zap.String("path", s.configPath))
	c.JSON(http.StatusOK, gin.H{
		"message": "Configuration updated successfully. Please restart the service for changes to take effect.",
		"config":  next.Redacted(),
	})
}

func keepSecret(field *string, current string) {
	if *field == redactedValue {
		*field = current
	}
}
