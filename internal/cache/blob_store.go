package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BlobStore 负责管理包文件正文的磁盘缓存。磁盘布局遵循：
//
//	<BlobPath>/<version>/<arch>/<name>
//
// 写入先落到同目录临时文件，Commit 时 rename，保证读者只会看到完整文件。
type BlobStore interface {
	// Open 返回可流式读取的正文；不存在时返回 ErrNotFound。
	Open(ctx context.Context, key ResourceKey) (*Blob, error)

	// Create 返回写入临时文件的 BlobWriter，调用方必须 Commit 或 Abort。
	Create(ctx context.Context, key ResourceKey) (BlobWriter, error)

	// Remove 删除正文文件，不存在时不报错。
	Remove(ctx context.Context, key ResourceKey) error
}

// BlobWriter 是尚未提交的正文写入。
type BlobWriter interface {
	io.Writer
	Commit() (*BlobInfo, error)
	Abort() error
}

// BlobInfo 描述已提交的正文文件。
type BlobInfo struct {
	Key       ResourceKey
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
}

// Blob 组合 BlobInfo 与正文 Reader。
type Blob struct {
	Info   BlobInfo
	Reader io.ReadSeekCloser
}

// NewBlobStore 以 basePath 为根目录构建磁盘正文缓存，整站复用一份实例。
func NewBlobStore(basePath string) (BlobStore, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileBlobStore{basePath: abs}, nil
}

type fileBlobStore struct {
	basePath string
}

func (s *fileBlobStore) Open(ctx context.Context, key ResourceKey) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Blob{
		Info: BlobInfo{
			Key:       key,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileBlobStore) Create(ctx context.Context, key ResourceKey) (BlobWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".blob-*")
	if err != nil {
		return nil, err
	}
	return &fileBlobWriter{key: key, target: filePath, file: tempFile}, nil
}

func (s *fileBlobStore) Remove(ctx context.Context, key ResourceKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileBlobStore) entryPath(key ResourceKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	filePath := filepath.Join(s.basePath, key.Version, key.Arch, key.Name)
	if !strings.HasPrefix(filePath, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return filePath, nil
}

// fileBlobWriter 写入临时文件，Commit 时 rename 到目标路径。
type fileBlobWriter struct {
	key     ResourceKey
	target  string
	file    *os.File
	written int64
	done    bool
}

func (w *fileBlobWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *fileBlobWriter) Commit() (*BlobInfo, error) {
	if w.done {
		return nil, errors.New("blob writer already finished")
	}
	w.done = true
	tempName := w.file.Name()
	if err := w.file.Close(); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	if err := os.Rename(tempName, w.target); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	modTime := time.Now().UTC()
	if info, err := os.Stat(w.target); err == nil {
		modTime = info.ModTime()
	}
	return &BlobInfo{
		Key:       w.key,
		FilePath:  w.target,
		SizeBytes: w.written,
		ModTime:   modTime,
	}, nil
}

func (w *fileBlobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	tempName := w.file.Name()
	_ = w.file.Close()
	if err := os.Remove(tempName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
