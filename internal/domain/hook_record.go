package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// HookRecord Hook 配置快照 (数据库表)
type HookRecord struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	HookID        string    `gorm:"size:64;uniqueIndex" json:"hook_id"`
	ClassName     string    `gorm:"size:255;index" json:"class_name"`
	MethodName    string    `gorm:"size:255" json:"method_name"`
	Signature     string    `gorm:"size:1024" json:"signature"`
	Space         string    `gorm:"size:255" json:"space"`
	Enabled       bool      `json:"enabled"`
	Active        bool      `json:"active"`
	CallCount     int64     `json:"call_count"`
	PhasesJSON    string    `gorm:"type:text" json:"phases_json"`
	HookCreatedAt time.Time `json:"hook_created_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName 指定表名
func (HookRecord) TableName() string {
	return "hook_records"
}

// NewHookRecord 从 HookInfo 生成快照记录
func NewHookRecord(info HookInfo) (*HookRecord, error) {
	phases, err := json.Marshal(info.Phases)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phases: %w", err)
	}
	return &HookRecord{
		HookID:        info.ID,
		ClassName:     info.ClassName,
		MethodName:    info.MethodName,
		Signature:     info.Signature,
		Space:         info.Space,
		Enabled:       info.Enabled,
		Active:        info.Active,
		CallCount:     info.CallCount,
		PhasesJSON:    string(phases),
		HookCreatedAt: info.CreateTime,
	}, nil
}

// Info 还原为 HookInfo
func (r *HookRecord) Info() (HookInfo, error) {
	info := HookInfo{
		ID:         r.HookID,
		ClassName:  r.ClassName,
		MethodName: r.MethodName,
		Signature:  r.Signature,
		Space:      r.Space,
		CreateTime: r.HookCreatedAt,
		CallCount:  r.CallCount,
		Active:     r.Active,
		Enabled:    r.Enabled,
	}
	if r.PhasesJSON != "" && r.PhasesJSON != "null" {
		if err := json.Unmarshal([]byte(r.PhasesJSON), &info.Phases); err != nil {
			return info, fmt.Errorf("failed to unmarshal phases: %w", err)
		}
	}
	_, info.HasBefore = info.Phases[PhaseBefore]
	_, info.HasAfter = info.Phases[PhaseAfter]
	_, info.HasReplace = info.Phases[PhaseReplace]
	return info, nil
}
