package target

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// ConstructorName 构造函数的方法名标记
	ConstructorName = "<init>"
	// StaticInitName 静态初始化块的方法名标记
	StaticInitName = "<clinit>"
)

// Func 目标方法的实现体
type Func func(this any, args []any) (any, error)

// Class 可被拦截的类
type Class struct {
	Name         string
	Methods      []*Method // 按声明顺序
	Constructors []*Method

	space *Space
}

// NewClass 创建类
func NewClass(name string) *Class {
	return &Class{Name: name}
}

// AddMethod 声明方法, fn 为 nil 表示没有方法体 (abstract/native)
func (c *Class) AddMethod(name string, params []string, fn Func) *Class {
	c.Methods = append(c.Methods, &Method{Class: c, Name: name, ParamTypes: params, impl: fn})
	return c
}

// AddStaticMethod 声明静态方法
func (c *Class) AddStaticMethod(name string, params []string, fn Func) *Class {
	c.Methods = append(c.Methods, &Method{Class: c, Name: name, ParamTypes: params, Static: true, impl: fn})
	return c
}

// AddConstructor 声明构造函数
func (c *Class) AddConstructor(params []string, fn Func) *Class {
	c.Constructors = append(c.Constructors, &Method{Class: c, Name: ConstructorName, ParamTypes: params, impl: fn})
	return c
}

// MethodsNamed 按声明顺序返回同名方法
func (c *Class) MethodsNamed(name string) []*Method {
	if name == ConstructorName {
		return c.Constructors
	}
	var out []*Method
	for _, m := range c.Methods {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// FindMethod 按精确参数类型查找
func (c *Class) FindMethod(name string, params []string) *Method {
	for _, m := range c.MethodsNamed(name) {
		if sameTypes(m.ParamTypes, params) {
			return m
		}
	}
	return nil
}

// Space 返回定义该类的加载空间
func (c *Class) Space() *Space {
	return c.space
}

func sameTypes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Space 类加载空间, 查找时先委托给父空间
type Space struct {
	name   string
	parent *Space

	mu      sync.RWMutex
	classes map[string]*Class
}

// NewSpace 创建加载空间
func NewSpace(name string, parent *Space) *Space {
	return &Space{
		name:    name,
		parent:  parent,
		classes: make(map[string]*Class),
	}
}

func (s *Space) Name() string {
	return s.name
}

func (s *Space) Parent() *Space {
	return s.parent
}

// Define 定义类, 同名类已存在时返回错误
func (s *Space) Define(c *Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.classes[c.Name]; exists {
		return fmt.Errorf("class %s already defined in %s", c.Name, s.name)
	}
	c.space = s
	s.classes[c.Name] = c
	return nil
}

// DefineType 只声明类型名, 用于签名解析
func (s *Space) DefineType(names ...string) {
	for _, name := range names {
		_ = s.Define(NewClass(name))
	}
}

// Lookup 查找类
func (s *Space) Lookup(name string) (*Class, bool) {
	if s.parent != nil {
		if c, ok := s.parent.Lookup(name); ok {
			return c, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[name]
	return c, ok
}

// Classes 返回本空间 (不含父空间) 内的类, 按类名排序
func (s *Space) Classes() []*Class {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Class, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke 按方法名和参数个数找到第一个匹配的方法并调用 (经过已安装的拦截)
func (s *Space) Invoke(className, methodName string, this any, args ...any) (any, error) {
	c, ok := s.Lookup(className)
	if !ok {
		return nil, fmt.Errorf("class not found: %s", className)
	}
	for _, m := range c.MethodsNamed(methodName) {
		if len(m.ParamTypes) == len(args) {
			return m.Invoke(this, args...)
		}
	}
	return nil, fmt.Errorf("no method %s.%s with %d argument(s)", className, methodName, len(args))
}

// Method 可被拦截的方法或构造函数
type Method struct {
	Class      *Class
	Name       string
	ParamTypes []string
	Static     bool

	impl  Func
	mu    sync.RWMutex
	hooks []*hookEntry
	seq   int
}

// IsConstructor 是否为构造函数
func (m *Method) IsConstructor() bool {
	return m.Name == ConstructorName
}

// HasBody 是否有可执行的方法体
func (m *Method) HasBody() bool {
	return m.impl != nil
}

// Signature 形如 name(int,java.lang.String)
func (m *Method) Signature() string {
	return fmt.Sprintf("%s(%s)", m.Name, strings.Join(m.ParamTypes, ","))
}

// String 形如 java.lang.Math.max(int,int)
func (m *Method) String() string {
	if m.Class == nil {
		return m.Signature()
	}
	return m.Class.Name + "." + m.Signature()
}
