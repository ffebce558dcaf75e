package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultChunkSize 是流式写入 Sink 时单次读取的上限。
const DefaultChunkSize = 64 * 1024

// Doer 抽象 http.Client，便于测试注入替身。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options 控制 Fetcher 的构造参数。
type Options struct {
	BaseURL   string
	Client    Doer
	UserAgent string
	ChunkSize int
	Logger    logrus.FieldLogger
}

// Fetcher 对镜像执行条件 GET，不做重试，也不持有任何缓存状态。
type Fetcher struct {
	base      *url.URL
	client    Doer
	userAgent string
	chunkSize int
	logger    logrus.FieldLogger
}

// NewFetcher 校验 BaseURL 并补齐默认值。
func NewFetcher(opts Options) (*Fetcher, error) {
	if opts.Client == nil {
		return nil, errors.New("upstream client is required")
	}
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme: %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream url missing host: %s", opts.BaseURL)
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	agent := opts.UserAgent
	if agent == "" {
		agent = DefaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Fetcher{
		base:      base,
		client:    opts.Client,
		userAgent: agent,
		chunkSize: chunk,
		logger:    logger,
	}, nil
}

// Fetch 发送一次 GET，返回 Fresh/NotModified 结果或类型化错误。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := f.resolve(req.Path, req.Query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Prior != nil {
		req.Prior.Apply(httpReq.Header)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	fields := logrus.Fields{
		"action":          "upstream_get",
		"upstream":        target,
		"upstream_status": resp.StatusCode,
		"conditional":     req.Prior != nil,
	}

	if resp.StatusCode == http.StatusNotModified && req.Prior != nil {
		f.logger.WithFields(fields).Debug("upstream_not_modified")
		return &Result{
			Outcome:    NotModified,
			Validators: *req.Prior,
			URL:        target,
			Status:     resp.StatusCode,
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.logger.WithFields(fields).Debug("upstream_status_rejected")
		return nil, &HTTPStatusError{URL: target, StatusCode: resp.StatusCode}
	}

	result := &Result{
		Outcome:    Fresh,
		Validators: validatorsFromHeader(resp.Header),
		URL:        target,
		Status:     resp.StatusCode,
	}

	if req.BeforeBody != nil {
		req.BeforeBody(result.Validators)
	}

	if req.Sink != nil {
		written, err := copyChunked(ctx, req.Sink, resp.Body, f.chunkSize)
		result.Written = written
		if err != nil {
			return nil, wrapCopyError(target, err)
		}
		f.logger.WithFields(fields).WithField("written", written).Debug("upstream_streamed")
		return result, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	result.Body = body
	f.logger.WithFields(fields).WithField("size", len(body)).Debug("upstream_buffered")
	return result, nil
}

// resolve 将相对路径拼接到 base 路径之后，保留部署在子路径下的镜像前缀。
func (f *Fetcher) resolve(p string, query url.Values) string {
	u := *f.base
	u.Path = path.Join("/", f.base.Path, p)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	} else {
		u.RawQuery = ""
	}
	u.Fragment = ""
	return u.String()
}

// sinkError 标记写 Sink 失败，与上游读取失败区分开。
type sinkError struct{ err error }

func (e sinkError) Error() string { return e.err.Error() }

func wrapCopyError(target string, err error) error {
	var se sinkError
	if errors.As(err, &se) {
		return fmt.Errorf("write sink: %w", se.err)
	}
	return &NetworkError{URL: target, Err: err}
}

// copyChunked 按 chunkSize 读取上游正文并立即写入 dst，每块之间检查 ctx。
func copyChunked(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	var copied int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, sinkError{wErr}
			}
			if w < n {
				return copied, sinkError{io.ErrShortWrite}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
