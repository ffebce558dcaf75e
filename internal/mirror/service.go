// Package mirror composes the upstream fetcher, the decompression adapter and
// the index parsers into per-resource operations. Each operation looks up the
// stored validators, performs a conditional fetch, and either replaces the
// stored validators and artifact (fresh) or returns the stored artifact
// unchanged (not modified). Failures leave stored state untouched.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tcz-cache/internal/cache"
	"github.com/any-hub/tcz-cache/internal/logging"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

// Fetcher 是 Service 依赖的上游能力，*upstream.Fetcher 即满足。
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

// Options 汇总 Service 的依赖，方便测试中替换。
type Options struct {
	Fetcher Fetcher
	Store   cache.Store
	Blobs   cache.BlobStore
	// Compressed 为 true 时索引请求 .gz 变体。
	Compressed bool
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Service 对外提供索引与包文件的缓存读取，可被多个调用方并发使用。
type Service struct {
	fetcher    Fetcher
	store      cache.Store
	blobs      cache.BlobStore
	compressed bool
	logger     logrus.FieldLogger
	now        func() time.Time
	locks      *cache.KeyLocks
}

// NewService 校验依赖并构造 Service。
func NewService(opts Options) (*Service, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Store == nil {
		return nil, errors.New("metadata store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		fetcher:    opts.Fetcher,
		store:      opts.Store,
		blobs:      opts.Blobs,
		compressed: opts.Compressed,
		logger:     logger,
		now:        now,
		locks:      cache.NewKeyLocks(),
	}, nil
}

// Compressed 报告索引是否请求 .gz 变体。
func (s *Service) Compressed() bool {
	return s.compressed
}

// storedEntry 读取条目，不存在时返回 nil 而不是错误。
func (s *Service) storedEntry(ctx context.Context, key cache.ResourceKey) (*cache.Entry, error) {
	entry, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, cache.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("read metadata %s: %w", key, err)
	}
}

// commit 仅在写入期间持有 key 锁，网络请求始终在锁外完成。
func (s *Service) commit(ctx context.Context, key cache.ResourceKey, entry cache.Entry) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	return s.putEntry(ctx, key, entry)
}

func (s *Service) putEntry(ctx context.Context, key cache.ResourceKey, entry cache.Entry) error {
	if err := s.store.Put(ctx, key, entry); err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

func (s *Service) logFetch(key cache.ResourceKey, res *upstream.Result, outcome string, cached bool, started time.Time, err error) {
	fields := logging.FetchFields(key.Version, key.Arch, key.Name, outcome, cached)
	fields["action"] = "mirror_fetch"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if res != nil {
		fields["upstream"] = res.URL
		fields["upstream_status"] = res.Status
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("mirror_fetch_failed")
		return
	}
	s.logger.WithFields(fields).Info("mirror_fetch_complete")
}
