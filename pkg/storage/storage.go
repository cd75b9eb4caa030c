// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// ErrNotFound 表示对象不存在。
var ErrNotFound = errors.New("object not found")

// BlobStore 是流水线使用的对象存储抽象。
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Download 把对象落到 dir 下的本地文件，返回文件路径。表格读取器和解压器都需要随机访问本地文件。
func Download(ctx context.Context, store BlobStore, key, dir string) (string, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("下载对象 %s 失败: %w", key, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(dir, path.Base(key))
	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("写入本地文件 %s 失败: %w", local, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return local, nil
}

// PutFile 把本地文件上传到 key。
func PutFile(ctx context.Context, store BlobStore, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, key, f, info.Size())
}
