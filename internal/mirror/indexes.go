package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/any-hub/tcz-cache/internal/cache"
	"github.com/any-hub/tcz-cache/internal/codec"
	"github.com/any-hub/tcz-cache/internal/decode"
	"github.com/any-hub/tcz-cache/internal/index"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

// Artifact 是一次索引读取的结果。Cached 为 true 表示上游返回 304，Value 来自存储。
type Artifact[T any] struct {
	Key        cache.ResourceKey
	Kind       index.Kind
	Value      T
	Validators upstream.Validators
	Outcome    upstream.Outcome
	Cached     bool
	UpdatedAt  time.Time
}

// PackageList 返回 info.lst 中的包名列表。
func (s *Service) PackageList(ctx context.Context, version, arch string) (*Artifact[index.PackageList], error) {
	return fetchIndex(ctx, s, index.KindPackageList, version, arch, func(text string) (index.PackageList, error) {
		return index.ParsePackageList(text), nil
	})
}

// Md5DB 返回包名到 md5 的映射。
func (s *Service) Md5DB(ctx context.Context, version, arch string) (*Artifact[index.Md5Map], error) {
	return fetchIndex(ctx, s, index.KindMd5DB, version, arch, index.ParseMd5DB)
}

// SizeList 返回包名到字节数的映射。
func (s *Service) SizeList(ctx context.Context, version, arch string) (*Artifact[index.SizeMap], error) {
	return fetchIndex(ctx, s, index.KindSizeList, version, arch, index.ParseSizeList)
}

// TagsDB 返回包名到标签列表的映射。
func (s *Service) TagsDB(ctx context.Context, version, arch string) (*Artifact[index.TagsMap], error) {
	return fetchIndex(ctx, s, index.KindTagsDB, version, arch, func(text string) (index.TagsMap, error) {
		return index.ParseTagsDB(text), nil
	})
}

// ProvidesDB 返回包名到提供项的映射，与其它索引一样走条件请求。
func (s *Service) ProvidesDB(ctx context.Context, version, arch string) (*Artifact[index.ProvidesMap], error) {
	return fetchIndex(ctx, s, index.KindProvidesDB, version, arch, func(text string) (index.ProvidesMap, error) {
		return index.ParseProvidesDB(text), nil
	})
}

func fetchIndex[T any](
	ctx context.Context,
	s *Service,
	kind index.Kind,
	version, arch string,
	parse func(string) (T, error),
) (result *Artifact[T], err error) {
	started := time.Now()
	key := cache.ResourceKey{Version: version, Arch: arch, Name: kind.FileName(s.compressed)}
	outcome := "failed"
	cached := false
	var res *upstream.Result
	defer func() {
		s.logFetch(key, res, outcome, cached, started, err)
	}()

	if err := key.Validate(); err != nil {
		return nil, err
	}

	stored, err := s.storedEntry(ctx, key)
	if err != nil {
		return nil, err
	}

	var prior *upstream.Validators
	if stored != nil && !stored.Validators.IsZero() {
		v := stored.Validators
		prior = &v
	}

	res, err = s.fetcher.Fetch(ctx, upstream.Request{Path: key.UpstreamPath(), Prior: prior})
	if err != nil {
		return nil, err
	}

	if res.Outcome == upstream.NotModified {
		var value T
		decodeErr := codec.Unmarshal(stored.Artifact, &value)
		if decodeErr == nil {
			outcome = res.Outcome.String()
			cached = true
			return &Artifact[T]{
				Key:        key,
				Kind:       kind,
				Value:      value,
				Validators: stored.Validators,
				Outcome:    upstream.NotModified,
				Cached:     true,
				UpdatedAt:  stored.UpdatedAt,
			}, nil
		}
		// 存储的制品无法解码时放弃校验头，重新完整下载。
		s.logger.WithError(decodeErr).WithField("key", key.String()).Warn("stored_artifact_unreadable")
		res, err = s.fetcher.Fetch(ctx, upstream.Request{Path: key.UpstreamPath()})
		if err != nil {
			return nil, err
		}
	}

	text, err := decode.Payload(res.Body, s.compressed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	value, err := parse(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	encoded, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}

	updated := s.now().UTC()
	entry := cache.Entry{
		Validators: res.Validators,
		Artifact:   encoded,
		SizeBytes:  int64(len(res.Body)),
		UpdatedAt:  updated,
	}
	if err := s.commit(ctx, key, entry); err != nil {
		return nil, err
	}

	outcome = res.Outcome.String()
	return &Artifact[T]{
		Key:        key,
		Kind:       kind,
		Value:      value,
		Validators: res.Validators,
		Outcome:    upstream.Fresh,
		UpdatedAt:  updated,
	}, nil
}
