package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tcz-cache/internal/cache"
	"github.com/any-hub/tcz-cache/internal/decode"
	"github.com/any-hub/tcz-cache/internal/index"
	"github.com/any-hub/tcz-cache/internal/mirror"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

type handler struct {
	mirror Mirror
	logger *logrus.Logger
}

// meta 是各类响应共享的缓存状态，用于写响应头。
type meta struct {
	validators upstream.Validators
	cached     bool
}

// serve 根据文件名分派：索引文件返回 JSON，其余按包文件流式返回。
func (h *handler) serve(c fiber.Ctx) error {
	version := c.Params("version")
	arch := c.Params("arch")
	file := c.Params("file")

	if kind, _, ok := index.Resolve(file); ok {
		return h.serveIndex(c, kind, version, arch)
	}
	return h.serveFile(c, version, arch, file)
}

func (h *handler) serveIndex(c fiber.Ctx, kind index.Kind, version, arch string) error {
	ctx := requestContext(c)
	var (
		payload any
		m       meta
		err     error
	)
	switch kind {
	case index.KindPackageList:
		var res *mirror.Artifact[index.PackageList]
		if res, err = h.mirror.PackageList(ctx, version, arch); err == nil {
			payload, m = res.Value, meta{res.Validators, res.Cached}
		}
	case index.KindMd5DB:
		var res *mirror.Artifact[index.Md5Map]
		if res, err = h.mirror.Md5DB(ctx, version, arch); err == nil {
			payload, m = res.Value, meta{res.Validators, res.Cached}
		}
	case index.KindSizeList:
		var res *mirror.Artifact[index.SizeMap]
		if res, err = h.mirror.SizeList(ctx, version, arch); err == nil {
			payload, m = res.Value, meta{res.Validators, res.Cached}
		}
	case index.KindTagsDB:
		var res *mirror.Artifact[index.TagsMap]
		if res, err = h.mirror.TagsDB(ctx, version, arch); err == nil {
			payload, m = res.Value, meta{res.Validators, res.Cached}
		}
	case index.KindProvidesDB:
		var res *mirror.Artifact[index.ProvidesMap]
		if res, err = h.mirror.ProvidesDB(ctx, version, arch); err == nil {
			payload, m = res.Value, meta{res.Validators, res.Cached}
		}
	default:
		return h.writeError(c, fiber.StatusNotFound, "unknown_index", nil)
	}
	if err != nil {
		return h.writeMirrorError(c, err)
	}

	h.setCacheHeaders(c, m)
	return c.JSON(payload)
}

// serveFile 在后台执行 GetFile，正文经 io.Pipe 交给 fasthttp 边下载边发送。
// 响应头在第一个字节之前由 BeginBody 决定；正文开始前就失败时仍按错误映射返回 JSON。
func (h *handler) serveFile(c fiber.Ctx, version, arch, file string) error {
	ctx := requestContext(c)
	prior := clientValidators(c)
	// fiber 在 handler 返回后复用 Ctx，后台读取需要自己的参数副本。
	version, arch, file = strings.Clone(version), strings.Clone(arch), strings.Clone(file)

	pr, pw := io.Pipe()
	sink := newStreamSink(pw)
	done := make(chan fileOutcome, 1)
	go func() {
		res, err := h.mirror.GetFile(ctx, version, arch, file, sink, prior)
		if err != nil {
			_ = pw.CloseWithError(err)
		} else {
			_ = pw.Close()
		}
		done <- fileOutcome{res: res, err: err}
	}()

	var m meta
	select {
	case m = <-sink.begin:
	case out := <-done:
		_ = pr.Close()
		return h.finishFile(c, out)
	}

	// 已宣告正文但在写出任何字节前就结束（失败或空正文）。
	select {
	case out := <-done:
		_ = pr.Close()
		return h.finishFile(c, out)
	default:
	}

	h.setCacheHeaders(c, m)
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Status(fiber.StatusOK)
	c.Response().SetBodyStream(pr, -1)

	fields := logrus.Fields{
		"action":     "serve",
		"path":       string(c.Request().URI().Path()),
		"request_id": RequestID(c),
	}
	go func() {
		// 响应头已发出，之后的失败只能截断连接。
		if out := <-done; out.err != nil {
			fields["error"] = out.err.Error()
			h.logger.WithFields(fields).Warn("stream_aborted")
		}
	}()
	return nil
}

// finishFile 处理没有正文需要流式发送的结果。
func (h *handler) finishFile(c fiber.Ctx, out fileOutcome) error {
	if out.err != nil {
		return h.writeMirrorError(c, out.err)
	}
	h.setCacheHeaders(c, meta{out.res.Validators, out.res.Cached})
	if out.res.Outcome == upstream.NotModified && !out.res.Cached {
		return c.SendStatus(fiber.StatusNotModified)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Status(fiber.StatusOK)
	return nil
}

// clientValidators 将客户端条件头转换为 Validators，未携带时返回 nil。
func clientValidators(c fiber.Ctx) *upstream.Validators {
	v := upstream.Validators{
		ETag:         strings.Clone(strings.TrimSpace(c.Get(fiber.HeaderIfNoneMatch))),
		LastModified: strings.Clone(strings.TrimSpace(c.Get(fiber.HeaderIfModifiedSince))),
	}
	if v.IsZero() {
		return nil
	}
	return &v
}

func (h *handler) setCacheHeaders(c fiber.Ctx, m meta) {
	state := "fresh"
	if m.cached {
		state = "cached"
	}
	c.Set("X-Tcz-Cache", state)
	if m.validators.ETag != "" {
		c.Set(fiber.HeaderETag, m.validators.ETag)
	}
	if m.validators.LastModified != "" {
		c.Set(fiber.HeaderLastModified, m.validators.LastModified)
	}
}

// writeMirrorError 将错误分类映射为 HTTP 状态码与错误码。
func (h *handler) writeMirrorError(c fiber.Ctx, err error) error {
	status, code := classifyError(err)
	return h.writeError(c, status, code, err)
}

func (h *handler) writeError(c fiber.Ctx, status int, code string, err error) error {
	fields := logrus.Fields{
		"action":     "serve",
		"path":       string(c.Request().URI().Path()),
		"status":     status,
		"error_code": code,
		"request_id": RequestID(c),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	h.logger.WithFields(fields).Warn("request_failed")
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func classifyError(err error) (int, string) {
	var (
		statusErr  *upstream.HTTPStatusError
		networkErr *upstream.NetworkError
		decodeErr  *decode.DecodeError
		parseErr   *index.ParseError
	)
	switch {
	case errors.Is(err, mirror.ErrInvalidName), errors.Is(err, cache.ErrInvalidKey):
		return fiber.StatusBadRequest, "invalid_path"
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == http.StatusNotFound {
			return fiber.StatusNotFound, "upstream_not_found"
		}
		return fiber.StatusBadGateway, "upstream_status"
	case errors.As(err, &networkErr):
		if isTimeout(networkErr.Err) {
			return fiber.StatusGatewayTimeout, "upstream_timeout"
		}
		return fiber.StatusBadGateway, "upstream_unreachable"
	case errors.As(err, &decodeErr):
		return fiber.StatusBadGateway, "decode_failed"
	case errors.As(err, &parseErr):
		return fiber.StatusBadGateway, "parse_failed"
	case errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable, "request_canceled"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
