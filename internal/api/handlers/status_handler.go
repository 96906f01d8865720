package handlers

import (
	"errors"
	"net/http"

	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/monitor"
	"github.com/apk-analysis/hookshell/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DocumentStore 状态文档读写
type DocumentStore interface {
	Read(name string) (map[string]any, error)
	Replace(name string, doc map[string]any) error
}

// StatsSource 运行时采样
type StatsSource interface {
	GetStats() monitor.Stats
}

// StatusHandler 启动状态、运行时统计和状态文档
type StatusHandler struct {
	tracker *lifecycle.Tracker
	docs    DocumentStore
	stats   StatsSource
	logger  *logrus.Logger
}

// NewStatusHandler 创建状态处理器, stats 可以为 nil
func NewStatusHandler(tracker *lifecycle.Tracker, docs DocumentStore, stats StatsSource, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		tracker: tracker,
		docs:    docs,
		stats:   stats,
		logger:  logger,
	}
}

// GetBootStatus 启动阶段状态
// GET /api/v1/boot
func (h *StatusHandler) GetBootStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Status())
}

// GetStats 最近一次运行时采样
// GET /api/v1/stats
func (h *StatusHandler) GetStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "采样器未启动"})
		return
	}
	c.JSON(http.StatusOK, h.stats.GetStats())
}

// GetDocument 读取状态文档
// GET /api/v1/documents/:name
func (h *StatusHandler) GetDocument(c *gin.Context) {
	name := c.Param("name")
	doc, err := h.docs.Read(name)
	if errors.Is(err, store.ErrInvalidDocument) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的文档名"})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("document", name).Warn("Failed to read document")
		if len(doc) == 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "读取文档失败"})
			return
		}
	}
	c.JSON(http.StatusOK, doc)
}

// PutClientConfig 覆盖客户端 Hook 配置
// PUT /api/v1/documents/client_hook_config
func (h *StatusHandler) PutClientConfig(c *gin.Context) {
	var doc map[string]any
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}
	if err := h.docs.Replace(store.DocClientHookConfig, doc); err != nil {
		h.logger.WithError(err).Error("Failed to write client hook config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写入客户端配置失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "客户端配置已更新"})
}
