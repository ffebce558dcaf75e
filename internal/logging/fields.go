package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供资源键、结果与缓存命中字段，供镜像服务日志复用。
func FetchFields(version, arch, name, outcome string, cached bool) logrus.Fields {
	return logrus.Fields{
		"version":   version,
		"arch":      arch,
		"artifact":  name,
		"outcome":   outcome,
		"cache_hit": cached,
	}
}
