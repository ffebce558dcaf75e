// Package decode turns raw index payloads into validated UTF-8 text.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Stage 标识解码失败发生在哪一步。
type Stage string

const (
	StageGzip Stage = "gzip"
	StageUTF8 Stage = "utf8"
)

// DecodeError 表示 gzip 流损坏或正文不是合法 UTF-8，与网络错误相互独立。
type DecodeError struct {
	Stage Stage
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const utf8BOM = "\ufeff"

// Gunzip 解压 gzip 正文（支持多成员流）并校验 UTF-8。
func Gunzip(data []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", &DecodeError{Stage: StageGzip, Err: err}
	}
	defer zr.Close()

	out, err := io.ReadAll(transform.NewReader(zr, encoding.UTF8Validator))
	if err != nil {
		if errors.Is(err, encoding.ErrInvalidUTF8) {
			return "", &DecodeError{Stage: StageUTF8, Err: err}
		}
		return "", &DecodeError{Stage: StageGzip, Err: err}
	}
	return strings.TrimPrefix(string(out), utf8BOM), nil
}

// Text 仅做 UTF-8 校验，用于未压缩的索引变体。
func Text(data []byte) (string, error) {
	out, _, err := transform.Bytes(encoding.UTF8Validator, data)
	if err != nil {
		return "", &DecodeError{Stage: StageUTF8, Err: err}
	}
	return strings.TrimPrefix(string(out), utf8BOM), nil
}

// Payload 根据是否压缩选择 Gunzip 或 Text。
func Payload(data []byte, compressed bool) (string, error) {
	if compressed {
		return Gunzip(data)
	}
	return Text(data)
}
