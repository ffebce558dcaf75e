package server

import (
	"io"
	"sync"

	"github.com/any-hub/tcz-cache/internal/mirror"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

type fileOutcome struct {
	res *mirror.FileResult
	err error
}

// streamSink 是 GetFile 的 sink：第一次 BeginBody 或 Write 时把响应头信息交给 handler。
type streamSink struct {
	w     io.Writer
	once  sync.Once
	begin chan meta
}

var _ mirror.BodySink = (*streamSink)(nil)

func newStreamSink(w io.Writer) *streamSink {
	return &streamSink{w: w, begin: make(chan meta, 1)}
}

func (s *streamSink) BeginBody(validators upstream.Validators, cached bool) {
	s.announce(meta{validators: validators, cached: cached})
}

func (s *streamSink) Write(p []byte) (int, error) {
	// 未实现 BeginBody 约定的 Mirror 也能流式返回，只是不带校验头。
	s.announce(meta{})
	return s.w.Write(p)
}

func (s *streamSink) announce(m meta) {
	s.once.Do(func() { s.begin <- m })
}
