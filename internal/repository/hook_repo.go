package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/hookshell/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound 记录不存在
var ErrRecordNotFound = errors.New("hook record not found")

// HookRepository Hook 配置快照的持久化
type HookRepository interface {
	// 用当前快照整体替换表内容, 快照中没有的记录被删除
	SaveSnapshot(ctx context.Context, hooks []domain.HookInfo) error
	// 按 id 数字顺序返回全部记录
	LoadAll(ctx context.Context) ([]domain.HookInfo, error)
	FindByID(ctx context.Context, hookID string) (*domain.HookRecord, error)
	Delete(ctx context.Context, hookID string) error
	Count(ctx context.Context) (int64, error)
}

type hookRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewHookRepository 创建 Hook 仓库
func NewHookRepository(db *gorm.DB, logger *logrus.Logger) HookRepository {
	return &hookRepo{
		db:     db,
		logger: logger,
	}
}

func (r *hookRepo) SaveSnapshot(ctx context.Context, hooks []domain.HookInfo) error {
	records := make([]*domain.HookRecord, 0, len(hooks))
	ids := make([]string, 0, len(hooks))
	for _, info := range hooks {
		rec, err := domain.NewHookRecord(info)
		if err != nil {
			return err
		}
		records = append(records, rec)
		ids = append(ids, info.ID)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Where("1 = 1")
		if len(ids) > 0 {
			del = tx.Where("hook_id NOT IN ?", ids)
		}
		if err := del.Delete(&domain.HookRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete stale records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "hook_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"class_name", "method_name", "signature", "space", "enabled",
				"active", "call_count", "phases_json", "hook_created_at", "updated_at",
			}),
		}).Create(&records).Error
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to save hook snapshot")
		return err
	}

	r.logger.WithField("count", len(records)).Debug("Hook snapshot saved")
	return nil
}

func (r *hookRepo) LoadAll(ctx context.Context) ([]domain.HookInfo, error) {
	var records []*domain.HookRecord
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]domain.HookInfo, 0, len(records))
	for _, rec := range records {
		info, err := rec.Info()
		if err != nil {
			r.logger.WithError(err).WithField("hook_id", rec.HookID).Warn("Skipping corrupt hook record")
			continue
		}
		out = append(out, info)
	}
	domain.SortHookInfos(out)
	return out, nil
}

func (r *hookRepo) FindByID(ctx context.Context, hookID string) (*domain.HookRecord, error) {
	var rec domain.HookRecord
	err := r.db.WithContext(ctx).First(&rec, "hook_id = ?", hookID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *hookRepo) Delete(ctx context.Context, hookID string) error {
	return r.db.WithContext(ctx).Where("hook_id = ?", hookID).Delete(&domain.HookRecord{}).Error
}

func (r *hookRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.HookRecord{}).Count(&n).Error
	return n, err
}
