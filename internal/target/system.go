package target

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SystemSpaceName 系统加载空间名称
const SystemSpaceName = "system"

var systemTypes = []string{
	"java.lang.Object",
	"java.lang.Boolean",
	"java.lang.Byte",
	"java.lang.Character",
	"java.lang.Double",
	"java.lang.Float",
	"java.lang.Long",
	"java.lang.Short",
	"java.lang.Number",
	"java.lang.CharSequence",
	"java.lang.Throwable",
	"java.lang.Exception",
	"java.lang.Class",
	"java.lang.Thread",
	"java.lang.Runnable",
	"java.util.List",
	"java.util.ArrayList",
	"java.util.Map",
	"java.util.HashMap",
	"java.util.Set",
	"java.util.HashSet",
	"java.util.Collection",
	"java.util.Iterator",
	"android.os.Bundle",
	"android.content.Intent",
	"android.content.Context",
}

// NewSystemSpace 创建带有常用类型和若干可调用系统类的根加载空间
func NewSystemSpace() *Space {
	s := NewSpace(SystemSpaceName, nil)
	s.DefineType(systemTypes...)

	_ = s.Define(NewClass("java.lang.Math").
		AddStaticMethod("max", []string{"int", "int"}, func(_ any, args []any) (any, error) {
			a, b, err := twoInts(args)
			if err != nil {
				return nil, err
			}
			if a > b {
				return a, nil
			}
			return b, nil
		}).
		AddStaticMethod("max", []string{"long", "long"}, func(_ any, args []any) (any, error) {
			a, b, err := twoInts(args)
			if err != nil {
				return nil, err
			}
			if a > b {
				return a, nil
			}
			return b, nil
		}).
		AddStaticMethod("min", []string{"int", "int"}, func(_ any, args []any) (any, error) {
			a, b, err := twoInts(args)
			if err != nil {
				return nil, err
			}
			if a < b {
				return a, nil
			}
			return b, nil
		}).
		AddStaticMethod("abs", []string{"int"}, func(_ any, args []any) (any, error) {
			n, err := ToInt64(args[0])
			if err != nil {
				return nil, err
			}
			if n < 0 {
				return -n, nil
			}
			return n, nil
		}))

	_ = s.Define(NewClass("java.lang.String").
		AddConstructor([]string{"java.lang.String"}, func(_ any, args []any) (any, error) {
			return fmt.Sprint(args[0]), nil
		}).
		AddMethod("length", nil, func(this any, _ []any) (any, error) {
			return int64(len([]rune(fmt.Sprint(this)))), nil
		}).
		AddMethod("toUpperCase", nil, func(this any, _ []any) (any, error) {
			return strings.ToUpper(fmt.Sprint(this)), nil
		}).
		AddMethod("concat", []string{"java.lang.String"}, func(this any, args []any) (any, error) {
			return fmt.Sprint(this) + fmt.Sprint(args[0]), nil
		}).
		AddMethod("isEmpty", nil, nil))

	_ = s.Define(NewClass("java.lang.Integer").
		AddStaticMethod("parseInt", []string{"java.lang.String"}, func(_ any, args []any) (any, error) {
			n, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(args[0])), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("NumberFormatException: %w", err)
			}
			return n, nil
		}).
		AddStaticMethod("valueOf", []string{"int"}, func(_ any, args []any) (any, error) {
			return ToInt64(args[0])
		}))

	_ = s.Define(NewClass("java.lang.System").
		AddStaticMethod("currentTimeMillis", nil, func(_ any, _ []any) (any, error) {
			return time.Now().UnixMilli(), nil
		}).
		AddStaticMethod("getProperty", []string{"java.lang.String"}, func(_ any, args []any) (any, error) {
			key := fmt.Sprint(args[0])
			switch key {
			case "os.name":
				return "Linux", nil
			case "user.dir":
				wd, err := os.Getwd()
				if err != nil {
					return nil, err
				}
				return wd, nil
			}
			return nil, nil
		}))

	return s
}

func twoInts(args []any) (int64, int64, error) {
	a, err := ToInt64(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := ToInt64(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// ToInt64 将脚本或命令行传入的值转换为整数
func ToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// ConvertArg 按参数类型把命令行文本转换成调用参数
func ConvertArg(typeName, raw string) (any, error) {
	switch typeName {
	case "int", "long", "short", "byte":
		return strconv.ParseInt(raw, 10, 64)
	case "float", "double":
		return strconv.ParseFloat(raw, 64)
	case "boolean":
		return strconv.ParseBool(raw)
	case "char":
		r := []rune(raw)
		if len(r) != 1 {
			return nil, fmt.Errorf("not a char: %q", raw)
		}
		return string(r), nil
	default:
		if raw == "null" {
			return nil, nil
		}
		return raw, nil
	}
}
