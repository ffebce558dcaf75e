package index

import (
	"sort"
	"strings"
)

// Kind 是镜像 tcz 目录下的索引文件名（不含 .gz 后缀）。
type Kind string

const (
	KindPackageList Kind = "info.lst"
	KindMd5DB       Kind = "md5.db"
	KindSizeList    Kind = "sizelist"
	KindTagsDB      Kind = "tags.db"
	KindProvidesDB  Kind = "provides.db"
)

// Descriptor 记录索引种类的静态信息，供诊断端输出。
type Descriptor struct {
	Kind        Kind
	Description string
}

var descriptors = map[Kind]Descriptor{
	KindPackageList: {Kind: KindPackageList, Description: "ordered package names"},
	KindMd5DB:       {Kind: KindMd5DB, Description: "package md5 checksums"},
	KindSizeList:    {Kind: KindSizeList, Description: "package sizes in bytes"},
	KindTagsDB:      {Kind: KindTagsDB, Description: "package search tags"},
	KindProvidesDB:  {Kind: KindProvidesDB, Description: "files provided by each package"},
}

// FileName 返回上游文件名，compressed 时追加 .gz。
func (k Kind) FileName(compressed bool) string {
	if compressed {
		return string(k) + ".gz"
	}
	return string(k)
}

// Resolve 将文件名（可带 .gz）映射到索引种类。
func Resolve(name string) (kind Kind, compressed bool, ok bool) {
	if trimmed, found := strings.CutSuffix(name, ".gz"); found {
		compressed = true
		name = trimmed
	}
	if _, known := descriptors[Kind(name)]; !known {
		return "", false, false
	}
	return Kind(name), compressed, true
}

// List 按名称排序返回所有索引种类。
func List() []Descriptor {
	result := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Kind < result[j].Kind
	})
	return result
}
