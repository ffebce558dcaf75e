package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 元数据存储后端。
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

// GlobalConfig 描述进程级行为：监听、日志、缓存目录与上游请求参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MetadataBackend string   `mapstructure:"MetadataBackend"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UserAgent       string   `mapstructure:"UserAgent"`
	ChunkSize       int      `mapstructure:"ChunkSize"`
}

// MirrorConfig 描述上游镜像。
type MirrorConfig struct {
	Upstream   string `mapstructure:"Upstream"`
	Compressed bool   `mapstructure:"Compressed"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Mirror MirrorConfig `mapstructure:"Mirror"`
}

// MetadataPath 返回 LevelDB 元数据目录。
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Global.StoragePath, "metadata")
}

// BlobPath 返回包文件缓存目录。
func (c *Config) BlobPath() string {
	return filepath.Join(c.Global.StoragePath, "blobs")
}
