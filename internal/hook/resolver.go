package hook

import (
	"strings"

	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/sirupsen/logrus"
)

var primitiveTypes = map[string]bool{
	"int":     true,
	"long":    true,
	"float":   true,
	"double":  true,
	"boolean": true,
	"char":    true,
	"byte":    true,
	"short":   true,
	"void":    true,
}

// DefaultImports 签名中的短类名按此顺序补全包名
var DefaultImports = []string{"java.lang.*", "java.util.*"}

// resolver 目标方法解析
type resolver struct {
	imports []string
	logger  *logrus.Logger
}

// parseSignature 解析逗号分隔的参数类型列表
func (r *resolver) parseSignature(space *target.Space, sig string) ([]string, error) {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return []string{}, nil
	}
	parts := splitTopLevel(sig)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		name, err := r.resolveType(space, part)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// splitTopLevel 按逗号切分, 忽略泛型尖括号内的逗号
func splitTopLevel(sig string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range sig {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, sig[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, sig[start:])
}

// resolveType 解析单个类型名: 基本类型 → 全限定名 → 按导入顺序补全
func (r *resolver) resolveType(space *target.Space, raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", resolutionError("empty type in signature")
	}

	// 擦除泛型参数
	if i := strings.Index(name, "<"); i >= 0 {
		suffix := ""
		if j := strings.LastIndex(name, ">"); j > i {
			suffix = name[j+1:]
		}
		name = strings.TrimSpace(name[:i]) + strings.TrimSpace(suffix)
	}

	dims := ""
	for strings.HasSuffix(name, "[]") {
		dims += "[]"
		name = strings.TrimSpace(strings.TrimSuffix(name, "[]"))
	}

	if primitiveTypes[name] {
		return name + dims, nil
	}
	if space != nil {
		if _, ok := space.Lookup(name); ok {
			return name + dims, nil
		}
		if !strings.Contains(name, ".") {
			for _, imp := range r.imports {
				pkg := strings.TrimSuffix(imp, "*")
				if _, ok := space.Lookup(pkg + name); ok {
					return pkg + name + dims, nil
				}
			}
		}
	}
	return "", resolutionError("Class not found: %s", strings.TrimSpace(raw))
}

// resolveMethod 解析目标方法或构造函数
func (r *resolver) resolveMethod(space *target.Space, className, methodName, sig string) (*target.Method, error) {
	if space == nil {
		return nil, resolutionError("no class-loading context")
	}
	if methodName == target.StaticInitName {
		return nil, resolutionError("static initializer %s.%s is not supported", className, methodName)
	}

	class, ok := space.Lookup(className)
	if !ok {
		return nil, resolutionError("Class not found: %s", className)
	}

	if strings.TrimSpace(sig) != "" {
		params, err := r.parseSignature(space, sig)
		if err != nil {
			return nil, err
		}
		m := class.FindMethod(methodName, params)
		if m == nil {
			return nil, resolutionError("method not found: %s.%s(%s)", className, methodName, strings.Join(params, ","))
		}
		return m, nil
	}

	candidates := class.MethodsNamed(methodName)
	if len(candidates) == 0 {
		if methodName == target.ConstructorName {
			return nil, resolutionError("no constructor in %s", className)
		}
		return nil, resolutionError("method not found: %s.%s", className, methodName)
	}

	if len(candidates) > 1 {
		fields := logrus.Fields{
			"class":      className,
			"method":     methodName,
			"candidates": len(candidates),
			"picked":     candidates[0].Signature(),
		}
		if methodName == target.ConstructorName {
			r.logger.WithFields(fields).Debug("Multiple constructors, using the first declared")
		} else {
			r.logger.WithFields(fields).Warn("⚠️ Ambiguous overload without signature, using the first declared")
		}
	}
	return candidates[0], nil
}
