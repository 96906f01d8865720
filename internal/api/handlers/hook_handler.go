package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/hook"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HookEngine 管理 API 用到的 Hook 引擎操作
type HookEngine interface {
	AddHook(ctx context.Context, req hook.AddRequest) (*hook.HookSpec, error)
	RemoveHook(id string) bool
	Enable(id string) bool
	Disable(id string) bool
	HookInfo(id string) (domain.HookInfo, bool)
	Snapshot() []domain.HookInfo
	Output(id string, n int) ([]string, bool)
}

// SpaceLookup 按名称查找加载空间, 空名称返回默认空间
type SpaceLookup func(name string) (*target.Space, bool)

// HookHandler Hook 管理处理器
type HookHandler struct {
	engine   HookEngine
	spaces   SpaceLookup
	onChange func()
	logger   *logrus.Logger
}

// NewHookHandler 创建 Hook 管理处理器, onChange 在 Hook 集合变化后调用
func NewHookHandler(engine HookEngine, spaces SpaceLookup, onChange func(), logger *logrus.Logger) *HookHandler {
	if onChange == nil {
		onChange = func() {}
	}
	return &HookHandler{
		engine:   engine,
		spaces:   spaces,
		onChange: onChange,
		logger:   logger,
	}
}

// AddHookRequest 添加 Hook 请求体
type AddHookRequest struct {
	ClassName  string              `json:"class_name" binding:"required"`
	MethodName string              `json:"method_name" binding:"required"`
	Signature  string              `json:"signature"`
	Space      string              `json:"space"`
	Before     *domain.PhaseSource `json:"before"`
	After      *domain.PhaseSource `json:"after"`
	Replace    *domain.PhaseSource `json:"replace"`
}

func (r *AddHookRequest) phases() map[domain.Phase]domain.PhaseSource {
	phases := make(map[domain.Phase]domain.PhaseSource, 3)
	for phase, src := range map[domain.Phase]*domain.PhaseSource{
		domain.PhaseBefore:  r.Before,
		domain.PhaseAfter:   r.After,
		domain.PhaseReplace: r.Replace,
	} {
		if src != nil && !src.IsEmpty() {
			phases[phase] = *src
		}
	}
	return phases
}

// ListHooks 获取全部 Hook
// GET /api/v1/hooks
func (h *HookHandler) ListHooks(c *gin.Context) {
	hooks := h.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"hooks": hooks,
		"total": len(hooks),
	})
}

// GetHook 获取单个 Hook
// GET /api/v1/hooks/:id
func (h *HookHandler) GetHook(c *gin.Context) {
	info, ok := h.engine.HookInfo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Hook不存在"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// AddHook 添加 Hook
// POST /api/v1/hooks
func (h *HookHandler) AddHook(c *gin.Context) {
	var req AddHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}
	phases := req.phases()
	if len(phases) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "至少需要指定一个阶段 (before/after/replace)"})
		return
	}

	space, ok := h.spaces(req.Space)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到加载空间: " + req.Space})
		return
	}

	spec, err := h.engine.AddHook(c.Request.Context(), hook.AddRequest{
		Space:      space,
		ClassName:  req.ClassName,
		MethodName: req.MethodName,
		Signature:  req.Signature,
		Phases:     phases,
	})
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"class_name":  req.ClassName,
			"method_name": req.MethodName,
		}).Warn("Failed to add hook via API")
		c.JSON(hookErrorStatus(err), gin.H{"error": "添加Hook失败: " + err.Error()})
		return
	}

	h.onChange()
	c.JSON(http.StatusCreated, spec.Info())
}

func hookErrorStatus(err error) int {
	switch {
	case errors.Is(err, hook.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, hook.ErrResolution):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// DeleteHook 移除 Hook
// DELETE /api/v1/hooks/:id
func (h *HookHandler) DeleteHook(c *gin.Context) {
	id := c.Param("id")
	if !h.engine.RemoveHook(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Hook不存在"})
		return
	}
	h.onChange()
	c.JSON(http.StatusOK, gin.H{"message": "Hook已移除", "id": id})
}

// EnableHook 启用 Hook
// POST /api/v1/hooks/:id/enable
func (h *HookHandler) EnableHook(c *gin.Context) {
	h.toggle(c, h.engine.Enable, "Hook已启用")
}

// DisableHook 禁用 Hook
// POST /api/v1/hooks/:id/disable
func (h *HookHandler) DisableHook(c *gin.Context) {
	h.toggle(c, h.engine.Disable, "Hook已禁用")
}

func (h *HookHandler) toggle(c *gin.Context, fn func(string) bool, msg string) {
	id := c.Param("id")
	if !fn(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Hook不存在"})
		return
	}
	h.onChange()
	c.JSON(http.StatusOK, gin.H{"message": msg, "id": id})
}

// GetOutput 获取 Hook 脚本输出
// GET /api/v1/hooks/:id/output?lines=50
func (h *HookHandler) GetOutput(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("lines", "50"))
	if err != nil || n <= 0 {
		n = 50
	}
	lines, ok := h.engine.Output(c.Param("id"), n)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Hook不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "lines": lines})
}
