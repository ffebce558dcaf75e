package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/tcz-cache/internal/index"
	"github.com/any-hub/tcz-cache/internal/version"
)

// Status 汇总 /-/status 需要输出的运行信息，启动时由 main 组装。
type Status struct {
	Upstream        string
	MetadataBackend string
	Compressed      bool
	ListenPort      int
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维确认上游与存储配置。
func RegisterStatusRoutes(app *fiber.App, status Status) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(status, index.List()))
	})
}

type statusPayload struct {
	Version         string         `json:"version"`
	Upstream        string         `json:"upstream"`
	MetadataBackend string         `json:"metadata_backend"`
	Compressed      bool           `json:"compressed"`
	ListenPort      int            `json:"listen_port"`
	Indexes         []indexPayload `json:"indexes"`
}

type indexPayload struct {
	Kind        string `json:"kind"`
	File        string `json:"file"`
	Description string `json:"description"`
}

func encodeStatus(status Status, kinds []index.Descriptor) statusPayload {
	indexes := make([]indexPayload, 0, len(kinds))
	for _, d := range kinds {
		indexes = append(indexes, indexPayload{
			Kind:        string(d.Kind),
			File:        d.Kind.FileName(status.Compressed),
			Description: d.Description,
		})
	}
	return statusPayload{
		Version:         version.Full(),
		Upstream:        status.Upstream,
		MetadataBackend: status.MetadataBackend,
		Compressed:      status.Compressed,
		ListenPort:      status.ListenPort,
		Indexes:         indexes,
	}
}
