package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixturePath 返回 testdata 下的配置样例，样例缺失时直接失败。
func fixturePath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("缺少配置样例 %s: %v", name, err)
	}
	return path
}

// writeTempConfig 把 TOML 片段写入临时 config.toml，去掉首尾空白方便内联书写。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
