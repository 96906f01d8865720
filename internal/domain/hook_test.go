package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInfo() HookInfo {
	return HookInfo{
		ID:         "hook_3",
		ClassName:  "java.lang.Math",
		MethodName: "max",
		Signature:  "int,int",
		Space:      "system",
		CreateTime: time.Date(2025, 3, 1, 10, 20, 30, 0, time.UTC),
		CallCount:  7,
		Active:     true,
		Enabled:    false,
		HasBefore:  true,
		HasReplace: true,
		Phases: map[Phase]PhaseSource{
			PhaseBefore:  {Code: "println('before')"},
			PhaseReplace: {Codebase: "max.js"},
		},
	}
}

// TestHookInfo_JSONRoundTrip 测试信息视图往返保持 id/目标/阶段标记
func TestHookInfo_JSONRoundTrip(t *testing.T) {
	info := sampleInfo()

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var back HookInfo
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, info.ID, back.ID)
	assert.Equal(t, info.ClassName, back.ClassName)
	assert.Equal(t, info.MethodName, back.MethodName)
	assert.Equal(t, info.Signature, back.Signature)
	assert.Equal(t, info.HasBefore, back.HasBefore)
	assert.Equal(t, info.HasAfter, back.HasAfter)
	assert.Equal(t, info.HasReplace, back.HasReplace)
	assert.Equal(t, info.Phases, back.Phases)
	assert.Equal(t, HookModeReplace, back.Mode())
}

// TestHookInfo_MapRoundTrip 测试 map 形式往返
func TestHookInfo_MapRoundTrip(t *testing.T) {
	info := sampleInfo()

	m := info.ToMap()
	assert.Equal(t, "hook_3", m["id"])

	back, err := HookInfoFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, info.ID, back.ID)
	assert.Equal(t, info.Phases, back.Phases)
	assert.True(t, info.CreateTime.Equal(back.CreateTime))
}

// TestHookRecord_RoundTrip 测试数据库快照往返
func TestHookRecord_RoundTrip(t *testing.T) {
	info := sampleInfo()

	rec, err := NewHookRecord(info)
	require.NoError(t, err)
	assert.Equal(t, "hook_3", rec.HookID)

	back, err := rec.Info()
	require.NoError(t, err)
	assert.Equal(t, info.ID, back.ID)
	assert.Equal(t, info.HasBefore, back.HasBefore)
	assert.Equal(t, info.HasAfter, back.HasAfter)
	assert.Equal(t, info.HasReplace, back.HasReplace)
	assert.Equal(t, info.Phases, back.Phases)
}

// TestHookInfo_DisplayInfo 测试展示文本
func TestHookInfo_DisplayInfo(t *testing.T) {
	info := sampleInfo()
	info.Phases[PhaseBefore] = PhaseSource{Code: strings.Repeat("x", 60)}

	text := info.DisplayInfo()
	assert.Contains(t, text, "ID: hook_3")
	assert.Contains(t, text, "类名: java.lang.Math")
	assert.Contains(t, text, "签名: int,int")
	assert.Contains(t, text, "创建时间: 2025-03-01 10:20:30")
	assert.Contains(t, text, "调用次数: 7")
	assert.Contains(t, text, "状态: 活跃")
	assert.Contains(t, text, "启用: 否")
	assert.Contains(t, text, "Before 代码: "+strings.Repeat("x", 47)+"...")
	assert.Contains(t, text, "Replace Codebase: max.js")
	assert.NotContains(t, text, "After")
}

// TestParsePhase 测试阶段名解析
func TestParsePhase(t *testing.T) {
	p, ok := ParsePhase("REPLACE")
	assert.True(t, ok)
	assert.Equal(t, PhaseReplace, p)

	_, ok = ParsePhase("around")
	assert.False(t, ok)
}
