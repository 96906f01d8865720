package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCodebaseNotFound 脚本资源不存在
var ErrCodebaseNotFound = errors.New("codebase not found")

// Loader 把 codebase 名称解析为源码
type Loader interface {
	Load(name string) (string, error)
}

// FileLoader 从脚本目录加载 codebase
type FileLoader struct {
	dir string
}

// NewFileLoader 创建加载器
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir}
}

// Dir 脚本目录
func (l *FileLoader) Dir() string {
	return l.dir
}

// Resolve 解析 codebase 对应的文件路径
//
// 不含路径分隔符的名称只在脚本目录下查找; 含路径的名称先按文件名在脚本目录下查找,
// 找不到再按完整路径查找。
func (l *FileLoader) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty codebase name: %w", ErrCodebaseNotFound)
	}

	if !strings.ContainsAny(name, `/\`) {
		path := filepath.Join(l.dir, name)
		if isFile(path) {
			return path, nil
		}
		return "", fmt.Errorf("%s: %w", name, ErrCodebaseNotFound)
	}

	if p := filepath.Join(l.dir, filepath.Base(name)); isFile(p) {
		return p, nil
	}
	if isFile(name) {
		return name, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrCodebaseNotFound)
}

// Load 读取 codebase 源码
func (l *FileLoader) Load(name string) (string, error) {
	path, err := l.Resolve(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read codebase %s: %w", path, err)
	}
	return string(data), nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
