package upstream

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/tcz-cache/internal/config"
	"github.com/any-hub/tcz-cache/internal/version"
)

// DefaultUserAgent 是未配置 UserAgent 时发送的固定客户端标识。
var DefaultUserAgent = "tcz-cache/" + version.Version

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	// 索引以 .gz 原样缓存并自行解压，禁止 Transport 透明解压。
	DisableCompression: true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回 Fetcher 独占的 http.Client，超时取自配置。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}
