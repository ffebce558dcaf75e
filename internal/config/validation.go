package config

import (
	"errors"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", g.ListenPort, "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", nil, "不能为空")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", g.LogLevel, "无法识别")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", g.UpstreamTimeout.DurationValue(), "必须大于 0")
	}
	if g.ChunkSize < 0 {
		return newFieldError("Global.ChunkSize", g.ChunkSize, "不能为负数")
	}
	switch g.MetadataBackend {
	case BackendMemory, BackendLevelDB:
	default:
		return newFieldError("Global.MetadataBackend", g.MetadataBackend, "仅支持 memory|leveldb")
	}

	return validateUpstream(c.Mirror.Upstream)
}

// validateUpstream 要求镜像根地址是带 Host 的 http/https URL。
func validateUpstream(raw string) error {
	const field = "Mirror.Upstream"
	if raw == "" {
		return newFieldError(field, nil, "缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return newFieldError(field, raw, err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return newFieldError(field, raw, "仅支持 http/https")
	}
	if parsed.Host == "" {
		return newFieldError(field, raw, "缺少 Host")
	}
	return nil
}
