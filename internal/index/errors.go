package index

import "fmt"

// ParseError 指出索引中无法解析的行（行号从 1 开始）。
type ParseError struct {
	Kind Kind
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s line %d %q: %v", e.Kind, e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
