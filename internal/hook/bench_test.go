package hook

import (
	"testing"

	"github.com/apk-analysis/hookshell/internal/domain"
)

// BenchmarkDispatch_NoHook 未挂 Hook 的方法调用
func BenchmarkDispatch_NoHook(b *testing.B) {
	f := newFixture(b, Options{}, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = f.invokeAdd(b, 1, 2)
	}
}

// BenchmarkDispatch_BeforeAfter before/after 两个阶段的调用开销
func BenchmarkDispatch_BeforeAfter(b *testing.B) {
	f := newFixture(b, Options{}, nil)
	_, err := f.add(b, "add", "int,int", map[domain.Phase]domain.PhaseSource{
		domain.PhaseBefore: code(`setArg(0, 10)`),
		domain.PhaseAfter:  code(`setReturnValue(getReturnValue() + 1)`),
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = f.invokeAdd(b, 1, 2)
	}
}

// BenchmarkDispatch_Disabled 禁用后的 Hook 只剩开关检查
func BenchmarkDispatch_Disabled(b *testing.B) {
	f := newFixture(b, Options{}, nil)
	spec, err := f.add(b, "add", "int,int", map[domain.Phase]domain.PhaseSource{
		domain.PhaseBefore: code(`setArg(0, 10)`),
	})
	if err != nil {
		b.Fatal(err)
	}
	f.engine.Disable(spec.ID)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = f.invokeAdd(b, 1, 2)
	}
}
