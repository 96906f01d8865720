// Package service Hook 配置的持久化和模块状态文档
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/apk-analysis/hookshell/internal/hook"
	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/repository"
	"github.com/apk-analysis/hookshell/internal/store"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/sirupsen/logrus"
)

// HookService Hook 数据服务接口
type HookService interface {
	// 写入 hook_config / server_hook_config / module_status 文档和数据库快照
	WriteHookData(ctx context.Context) error

	// 启动时恢复 Hook, 数据库为空时回退到 hook_config 文档
	RestoreHooks(ctx context.Context) (int, error)

	// 合并写入 module_status
	WriteStatus(ctx context.Context, extra map[string]any) error

	// Hook 集合变化后调用
	OnHooksChanged()
}

// HookEngine Hook 引擎中持久化用到的部分
type HookEngine interface {
	Snapshot() []domain.HookInfo
	Restore(ctx context.Context, info domain.HookInfo, space *target.Space) (*hook.HookSpec, error)
}

// DocumentStore 状态文档存储
type DocumentStore interface {
	Read(name string) (map[string]any, error)
	Write(name string, patch map[string]any) error
	Replace(name string, doc map[string]any) error
}

// SpaceLookup 按名称查找加载空间
type SpaceLookup func(name string) (*target.Space, bool)

type hookService struct {
	engine  HookEngine
	docs    DocumentStore
	repo    repository.HookRepository
	spaces  SpaceLookup
	tracker *lifecycle.Tracker
	logger  *logrus.Logger
}

// NewHookService 创建 Hook 数据服务, repo 可以为 nil
func NewHookService(engine HookEngine, docs DocumentStore, repo repository.HookRepository, spaces SpaceLookup, tracker *lifecycle.Tracker, logger *logrus.Logger) HookService {
	return &hookService{
		engine:  engine,
		docs:    docs,
		repo:    repo,
		spaces:  spaces,
		tracker: tracker,
		logger:  logger,
	}
}

func (s *hookService) WriteHookData(ctx context.Context) error {
	outcome, err := s.tracker.Guard(func() error {
		hooks := s.engine.Snapshot()
		var errs []error

		if err := s.docs.Replace(store.DocHookConfig, hookConfigDocument(hooks)); err != nil {
			errs = append(errs, fmt.Errorf("hook_config: %w", err))
		}
		if err := s.docs.Replace(store.DocServerHookConfig, serverHookDocument(hooks)); err != nil {
			errs = append(errs, fmt.Errorf("server_hook_config: %w", err))
		}
		if err := s.docs.Write(store.DocModuleStatus, s.statusDocument(hooks)); err != nil {
			errs = append(errs, fmt.Errorf("module_status: %w", err))
		}
		if s.repo != nil {
			if err := s.repo.SaveSnapshot(ctx, hooks); err != nil {
				errs = append(errs, fmt.Errorf("hook snapshot: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	if outcome == lifecycle.Skipped {
		s.logger.Debug("Skipping hook data write during early init")
		return nil
	}
	if err != nil {
		s.logger.WithError(err).Error("❌ Failed to write hook data")
		return err
	}
	return nil
}

func (s *hookService) RestoreHooks(ctx context.Context) (int, error) {
	if s.tracker.IsEarlyPhase() {
		return 0, nil
	}

	hooks, source, err := s.loadSaved(ctx)
	if err != nil {
		return 0, err
	}
	if len(hooks) == 0 {
		return 0, nil
	}

	restored := 0
	for _, info := range hooks {
		space, ok := s.spaces(info.Space)
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"hook_id": info.ID,
				"space":   info.Space,
			}).Warn("Load context not found, using default")
			space, _ = s.spaces("")
		}
		if _, err := s.engine.Restore(ctx, info, space); err != nil {
			s.logger.WithError(err).WithField("hook_id", info.ID).Warn("⚠️ Failed to restore hook")
			continue
		}
		restored++
	}

	s.logger.WithFields(logrus.Fields{
		"source":   source,
		"saved":    len(hooks),
		"restored": restored,
	}).Info("🔁 Hooks restored")
	return restored, nil
}

func (s *hookService) loadSaved(ctx context.Context) ([]domain.HookInfo, string, error) {
	if s.repo != nil {
		hooks, err := s.repo.LoadAll(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to load hooks from database, trying document")
		} else if len(hooks) > 0 {
			return hooks, "database", nil
		}
	}

	doc, err := s.docs.Read(store.DocHookConfig)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read hook_config: %w", err)
	}
	hooks, errs := HooksFromDocument(doc)
	for _, err := range errs {
		s.logger.WithError(err).Warn("Skipping malformed hook entry")
	}
	return hooks, "document", nil
}

// HooksFromDocument 解析 hook_config 文档, 返回按 ID 排序的 Hook 和被跳过条目的错误
func HooksFromDocument(doc map[string]any) ([]domain.HookInfo, []error) {
	raw, _ := doc["hooks"].([]any)
	hooks := make([]domain.HookInfo, 0, len(raw))
	var errs []error
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("hooks[%d]: not an object", i))
			continue
		}
		info, err := domain.HookInfoFromMap(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("hooks[%d]: %w", i, err))
			continue
		}
		_, info.HasBefore = info.Phases[domain.PhaseBefore]
		_, info.HasAfter = info.Phases[domain.PhaseAfter]
		_, info.HasReplace = info.Phases[domain.PhaseReplace]
		hooks = append(hooks, info)
	}
	domain.SortHookInfos(hooks)
	return hooks, errs
}

func (s *hookService) WriteStatus(ctx context.Context, extra map[string]any) error {
	doc := s.statusDocument(s.engine.Snapshot())
	for k, v := range extra {
		doc[k] = v
	}
	return s.docs.Write(store.DocModuleStatus, doc)
}

func (s *hookService) OnHooksChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.WriteHookData(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to persist hook change")
	}
}

func (s *hookService) statusDocument(hooks []domain.HookInfo) map[string]any {
	active := 0
	for _, h := range hooks {
		if h.Active && h.Enabled {
			active++
		}
	}
	doc := s.tracker.Status()
	doc["hook_count"] = len(hooks)
	doc["active_hook_count"] = active
	doc["last_hook_update"] = time.Now().UnixMilli()
	return doc
}

func hookConfigDocument(hooks []domain.HookInfo) map[string]any {
	list := make([]any, 0, len(hooks))
	for _, h := range hooks {
		list = append(list, h.ToMap())
	}
	return map[string]any{
		"hooks":      list,
		"updated_at": time.Now().UnixMilli(),
	}
}

// serverHookDocument 按 Hook id 索引的启用状态与计数
func serverHookDocument(hooks []domain.HookInfo) map[string]any {
	byID := make(map[string]any, len(hooks))
	for _, h := range hooks {
		byID[h.ID] = map[string]any{
			"class_name":  h.ClassName,
			"method_name": h.MethodName,
			"mode":        string(h.Mode()),
			"enabled":     h.Enabled,
			"active":      h.Active,
			"call_count":  h.CallCount,
		}
	}
	return map[string]any{
		"hook_count": len(hooks),
		"hooks":      byID,
	}
}
