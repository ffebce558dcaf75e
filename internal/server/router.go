package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tcz-cache/internal/index"
	"github.com/any-hub/tcz-cache/internal/mirror"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

// Mirror describes the cached repository operations the HTTP surface serves.
// *mirror.Service satisfies it; tests inject fakes.
type Mirror interface {
	PackageList(ctx context.Context, version, arch string) (*mirror.Artifact[index.PackageList], error)
	Md5DB(ctx context.Context, version, arch string) (*mirror.Artifact[index.Md5Map], error)
	SizeList(ctx context.Context, version, arch string) (*mirror.Artifact[index.SizeMap], error)
	TagsDB(ctx context.Context, version, arch string) (*mirror.Artifact[index.TagsMap], error)
	ProvidesDB(ctx context.Context, version, arch string) (*mirror.Artifact[index.ProvidesMap], error)
	GetFile(ctx context.Context, version, arch, fileName string, sink io.Writer, prior *upstream.Validators) (*mirror.FileResult, error)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Mirror     Mirror
	ListenPort int
}

const contextKeyRequestID = "_tcz_request_id"

// NewApp builds a Fiber application exposing the mirror operations under
// /:version/:arch/tcz/:file with structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Mirror == nil {
		return nil, errors.New("mirror service is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	h := &handler{mirror: opts.Mirror, logger: opts.Logger}
	app.Get("/:version/:arch/tcz/:file", h.serve)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
