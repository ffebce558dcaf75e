package upstream

import (
	"io"
	"net/http"
	"net/url"
)

// Validators 保存一次 2xx 响应返回的缓存校验头，用于后续条件请求。
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IsZero 表示两个校验字段均为空。
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Apply 将校验值写成 If-None-Match / If-Modified-Since 条件头，空字段跳过。
func (v Validators) Apply(header http.Header) {
	if v.LastModified != "" {
		header.Set("If-Modified-Since", v.LastModified)
	}
	if v.ETag != "" {
		header.Set("If-None-Match", v.ETag)
	}
}

// validatorsFromHeader 从响应头提取 ETag/Last-Modified，任一字段都可能缺失。
func validatorsFromHeader(header http.Header) Validators {
	return Validators{
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	}
}

// Outcome 区分一次成功请求的两种结果。
type Outcome int

const (
	// Fresh 表示上游返回了 2xx 与新的正文。
	Fresh Outcome = iota
	// NotModified 表示条件请求命中 304，调用方应复用已有内容。
	NotModified
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case NotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

// Request 描述一次上游 GET。
type Request struct {
	// Path 相对镜像根路径，例如 /14.x/x86/tcz/info.lst.gz。
	Path  string
	Query url.Values
	// Prior 为 nil 时不发送条件头，上游 304 也不会被视为 NotModified。
	Prior *Validators
	// Sink 非空时正文以固定大小的块写入，不在内存中整体缓冲。
	Sink io.Writer
	// BeforeBody 在 Fresh 响应的正文读取前调用一次。
	BeforeBody func(Validators)
}

// Result 是成功请求（Fresh 或 NotModified）的返回值。
type Result struct {
	Outcome    Outcome
	Validators Validators
	// Body 仅在 Fresh 且未指定 Sink 时填充。
	Body []byte
	// Written 记录写入 Sink 的字节数。
	Written int64
	URL     string
	Status  int
}
