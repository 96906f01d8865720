package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Phase Hook 执行阶段
type Phase string

const (
	PhaseBefore  Phase = "before"
	PhaseAfter   Phase = "after"
	PhaseReplace Phase = "replace"
)

// AllPhases 按执行顺序排列
var AllPhases = []Phase{PhaseBefore, PhaseReplace, PhaseAfter}

// ParsePhase 解析阶段名
func ParsePhase(s string) (Phase, bool) {
	switch Phase(strings.ToLower(s)) {
	case PhaseBefore:
		return PhaseBefore, true
	case PhaseAfter:
		return PhaseAfter, true
	case PhaseReplace:
		return PhaseReplace, true
	}
	return "", false
}

// PhaseSource 阶段代码来源: 内联代码或脚本资源 (codebase) 二选一
type PhaseSource struct {
	Code     string `json:"code,omitempty"`
	Codebase string `json:"codebase,omitempty"`
}

// IsEmpty 未指定代码
func (p PhaseSource) IsEmpty() bool {
	return p.Code == "" && p.Codebase == ""
}

// HookMode 织入方式
type HookMode string

const (
	HookModePlain   HookMode = "plain"
	HookModeReplace HookMode = "replace"
)

// HookInfo Hook 的信息视图, 用于展示、持久化和恢复
type HookInfo struct {
	ID         string                `json:"id"`
	ClassName  string                `json:"class_name"`
	MethodName string                `json:"method_name"`
	Signature  string                `json:"signature,omitempty"`
	Space      string                `json:"space"`
	CreateTime time.Time             `json:"create_time"`
	CallCount  int64                 `json:"call_count"`
	Active     bool                  `json:"active"`
	Enabled    bool                  `json:"enabled"`
	HasBefore  bool                  `json:"has_before"`
	HasAfter   bool                  `json:"has_after"`
	HasReplace bool                  `json:"has_replace"`
	Phases     map[Phase]PhaseSource `json:"phases,omitempty"`
}

// Mode 织入方式
func (h HookInfo) Mode() HookMode {
	if h.HasReplace {
		return HookModeReplace
	}
	return HookModePlain
}

// ToMap 转换为通用 map, 写入 JSON 文档
func (h HookInfo) ToMap() map[string]any {
	var out map[string]any
	data, err := json.Marshal(h)
	if err != nil {
		return map[string]any{"id": h.ID}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"id": h.ID}
	}
	return out
}

// HookInfoFromMap 从通用 map 还原
func HookInfoFromMap(m map[string]any) (HookInfo, error) {
	var info HookInfo
	data, err := json.Marshal(m)
	if err != nil {
		return info, fmt.Errorf("failed to marshal hook info: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to unmarshal hook info: %w", err)
	}
	return info, nil
}

// DisplayInfo 多行展示文本
func (h HookInfo) DisplayInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ID: %s\n", h.ID)
	fmt.Fprintf(&sb, "类名: %s\n", h.ClassName)
	fmt.Fprintf(&sb, "方法名: %s\n", h.MethodName)
	if h.Signature != "" {
		fmt.Fprintf(&sb, "签名: %s\n", h.Signature)
	}
	fmt.Fprintf(&sb, "创建时间: %s\n", h.CreateTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "调用次数: %d\n", h.CallCount)
	if h.Active {
		sb.WriteString("状态: 活跃\n")
	} else {
		sb.WriteString("状态: 非活跃\n")
	}
	if h.Enabled {
		sb.WriteString("启用: 是\n")
	} else {
		sb.WriteString("启用: 否\n")
	}

	for _, phase := range AllPhases {
		src, ok := h.Phases[phase]
		if !ok || src.IsEmpty() {
			continue
		}
		if src.Codebase != "" {
			fmt.Fprintf(&sb, "%s Codebase: %s\n", phaseTitle(phase), src.Codebase)
		} else {
			fmt.Fprintf(&sb, "%s 代码: %s\n", phaseTitle(phase), truncate(src.Code, 50))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func phaseTitle(p Phase) string {
	switch p {
	case PhaseBefore:
		return "Before"
	case PhaseAfter:
		return "After"
	default:
		return "Replace"
	}
}

// truncate 超过 max 个字符时截断为 max-3 个字符加 "..."
func truncate(s string, max int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max-3]) + "..."
}

// HookIDPrefix Hook id 前缀, id 形如 hook_<n>
const HookIDPrefix = "hook_"

// HookSeq 解析 id 中的序号
func HookSeq(id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, HookIDPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortHookInfos 按 id 序号排序
func SortHookInfos(hooks []HookInfo) {
	sort.SliceStable(hooks, func(i, j int) bool {
		a, okA := HookSeq(hooks[i].ID)
		b, okB := HookSeq(hooks[j].ID)
		if okA && okB {
			return a < b
		}
		return hooks[i].ID < hooks[j].ID
	})
}
