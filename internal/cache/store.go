package cache

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/any-hub/tcz-cache/internal/upstream"
)

// Store 按 ResourceKey 保存校验头与解析后的制品，校验头只在 2xx 后写入。
type Store interface {
	// Get 返回已保存的条目；不存在时返回 ErrNotFound。
	Get(ctx context.Context, key ResourceKey) (*Entry, error)

	// Put 覆盖保存条目，校验头与制品一次写入，避免二者不一致。
	Put(ctx context.Context, key ResourceKey, entry Entry) error

	// Close 释放底层资源。
	Close() error
}

// ResourceKey 唯一标识一个上游可缓存资源（版本 + 架构 + 上游文件名）。
type ResourceKey struct {
	Version string `json:"version"`
	Arch    string `json:"arch"`
	Name    string `json:"name"`
}

// String 返回 version/arch/name 形式，用作存储键与日志字段。
func (k ResourceKey) String() string {
	return k.Version + "/" + k.Arch + "/" + k.Name
}

// UpstreamPath 返回镜像上的相对路径 /{version}/{arch}/tcz/{name}。
func (k ResourceKey) UpstreamPath() string {
	return "/" + path.Join(k.Version, k.Arch, "tcz", k.Name)
}

// Validate 拒绝空字段以及会逃逸出目录的路径片段。
func (k ResourceKey) Validate() error {
	for _, part := range []string{k.Version, k.Arch, k.Name} {
		if !validSegment(part) {
			return ErrInvalidKey
		}
	}
	return nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r == 0 {
			return false
		}
	}
	return true
}

// Entry 是一次 Fresh 抓取后保存的全部状态。
type Entry struct {
	Validators upstream.Validators `json:"validators"`
	// Artifact 为编码后的解析结果；包文件条目为空，正文保存在 BlobStore。
	Artifact  []byte    `json:"artifact,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 ResourceKey 含空字段或非法路径片段。
	ErrInvalidKey = errors.New("invalid resource key")
)
