package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/any-hub/tcz-cache/internal/cache"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

// ErrInvalidName 表示文件名不是单个路径段。
var ErrInvalidName = errors.New("invalid file name")

// FileResult 是一次包文件读取的结果。
type FileResult struct {
	Key        cache.ResourceKey
	Outcome    upstream.Outcome
	Validators upstream.Validators
	// Cached 为 true 表示正文来自本地 blob 缓存。
	Cached bool
	// Body 仅在未提供 sink 且有正文返回时填充。
	Body    []byte
	Written int64
}

// BodySink 是可选的 sink 扩展：正文第一个字节写入前，GetFile 会先通知校验头与缓存状态。
// 流式响应借此在写正文前设置响应头。
type BodySink interface {
	io.Writer
	BeginBody(validators upstream.Validators, cached bool)
}

// GetFile 读取 /{version}/{arch}/tcz/{fileName}。
//
// 调用方提供 prior 时直接作为条件头发送，上游 304 只返回 NotModified，不附带正文。
// prior 为 nil 时，若本地同时有正文与校验头，则由服务自行发起条件请求，
// 304 时把缓存正文写入 sink。sink 为 nil 时正文缓冲在 FileResult.Body 中。
//
// 正文与校验头在同一把 key 锁内提交，下载本身不持锁。
func (s *Service) GetFile(
	ctx context.Context,
	version, arch, fileName string,
	sink io.Writer,
	prior *upstream.Validators,
) (result *FileResult, err error) {
	started := time.Now()
	key := cache.ResourceKey{Version: version, Arch: arch, Name: fileName}
	outcome := "failed"
	cached := false
	var res *upstream.Result
	defer func() {
		s.logFetch(key, res, outcome, cached, started, err)
	}()

	if !validFileName(fileName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, fileName)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var buffer *bytes.Buffer
	dst := sink
	if dst == nil {
		buffer = &bytes.Buffer{}
		dst = buffer
	}
	begin := func(upstream.Validators, bool) {}
	if bs, ok := sink.(BodySink); ok {
		begin = bs.BeginBody
	}

	var local *cache.Blob
	if prior == nil {
		local, prior, err = s.localCopy(ctx, key)
		if err != nil {
			return nil, err
		}
		if local != nil {
			defer local.Reader.Close()
		}
	}

	writer, err := s.blobs.Create(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create blob %s: %w", key, err)
	}
	res, err = s.fetcher.Fetch(ctx, upstream.Request{
		Path:       key.UpstreamPath(),
		Prior:      prior,
		Sink:       io.MultiWriter(writer, dst),
		BeforeBody: func(v upstream.Validators) { begin(v, false) },
	})
	if err != nil {
		_ = writer.Abort()
		return nil, err
	}

	if res.Outcome == upstream.NotModified {
		_ = writer.Abort()
		result = &FileResult{Key: key, Outcome: upstream.NotModified, Validators: res.Validators}
		if local != nil {
			begin(res.Validators, true)
			written, err := io.Copy(dst, local.Reader)
			if err != nil {
				return nil, fmt.Errorf("serve cached %s: %w", key, err)
			}
			result.Cached = true
			result.Written = written
			if buffer != nil {
				result.Body = buffer.Bytes()
			}
		}
		outcome = res.Outcome.String()
		cached = result.Cached
		return result, nil
	}

	if err := s.commitFile(ctx, key, writer, res.Validators); err != nil {
		return nil, err
	}

	result = &FileResult{
		Key:        key,
		Outcome:    upstream.Fresh,
		Validators: res.Validators,
		Written:    res.Written,
	}
	if buffer != nil {
		result.Body = buffer.Bytes()
	}
	outcome = res.Outcome.String()
	return result, nil
}

// commitFile 在 key 锁内依次 rename 正文并写入校验头，二者对其它调用方总是成对可见。
func (s *Service) commitFile(ctx context.Context, key cache.ResourceKey, writer cache.BlobWriter, validators upstream.Validators) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	info, err := writer.Commit()
	if err != nil {
		return fmt.Errorf("commit blob %s: %w", key, err)
	}
	entry := cache.Entry{
		Validators: validators,
		SizeBytes:  info.SizeBytes,
		UpdatedAt:  s.now().UTC(),
	}
	if err := s.putEntry(ctx, key, entry); err != nil {
		// 旧校验头不能与新正文配对，移除正文。
		_ = s.blobs.Remove(context.WithoutCancel(ctx), key)
		return err
	}
	return nil
}

// localCopy 返回本地正文及其校验头；两者缺一时视为没有本地副本。
// 读取在 key 锁内完成，打开的文件句柄不受之后的 rename 影响。
func (s *Service) localCopy(ctx context.Context, key cache.ResourceKey) (*cache.Blob, *upstream.Validators, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	entry, err := s.storedEntry(ctx, key)
	if err != nil || entry == nil || entry.Validators.IsZero() {
		return nil, nil, err
	}
	blob, err := s.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	v := entry.Validators
	return blob, &v, nil
}

func validFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
