// 本文件用于网关数据文件的读取与原子写入
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound 数据文件不存在
var ErrNotFound = errors.New("storage: not found")

// Store 按名称读写整份数据文件
type Store interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Backup(name string, data []byte) (string, error)
	Path(name string) string
}

// FileStore 以目录为根的文件存储，写入采用临时文件加重命名
type FileStore struct {
	root string
	perm os.FileMode
}

// NewFileStore 创建文件存储，目录不存在时自动创建
func NewFileStore(root string) (*FileStore, error) {
	cleaned := strings.TrimSpace(root)
	if cleaned == "" {
		cleaned = "."
	}
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %s: %w", cleaned, err)
	}
	return &FileStore{root: cleaned, perm: 0o644}, nil
}

// Path 返回数据文件的完整路径，绝对路径原样返回
func (s *FileStore) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.root, name)
}

// Read 读取整份数据文件
func (s *FileStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取数据文件失败: %s: %w", name, err)
	}
	return data, nil
}

// Write 原子替换整份数据文件
func (s *FileStore) Write(name string, data []byte) error {
	if err := writeFileAtomic(s.Path(name), data, s.perm); err != nil {
		return fmt.Errorf("写入数据文件失败: %s: %w", name, err)
	}
	return nil
}

// Backup 把无法解析的原始内容另存为 <name>.corrupt-<ts>.bak
func (s *FileStore) Backup(name string, data []byte) (string, error) {
	backupPath := BuildCorruptBackupPath(s.Path(name))
	if err := writeFileAtomic(backupPath, data, s.perm); err != nil {
		return "", fmt.Errorf("备份损坏文件失败: %s: %w", backupPath, err)
	}
	return backupPath, nil
}

// BuildCorruptBackupPath 生成损坏文件备份路径
func BuildCorruptBackupPath(path string) string {
	timestamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	return fmt.Sprintf("%s.corrupt-%s.bak", path, timestamp)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "sensor-gateway-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
