package index

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

var (
	errMissingField  = errors.New("expected two whitespace separated fields")
	errNegativeSize  = errors.New("size must not be negative")
	errSizeNotNumber = errors.New("size is not an integer")
)

// PackageList 是 info.lst 中按源顺序排列的包名。
type PackageList []string

// Md5Map 包名 → md5 校验和。
type Md5Map map[string]string

// SizeMap 包名 → 字节数。
type SizeMap map[string]int64

// TagsMap 包名 → 标签列表（可为空切片）。
type TagsMap map[string][]string

// ProvidesMap 包名 → 提供的文件/能力列表。
type ProvidesMap map[string][]string

// lines 将文本按换行切分并去掉每行首尾空白，兼容 \r\n。
func lines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range raw {
		raw[i] = strings.TrimSpace(line)
	}
	return raw
}

// splitFirstField 在第一段连续空白处切成两部分，第二部分保留内部空白。
func splitFirstField(line string) (string, string, bool) {
	idx := strings.IndexFunc(line, unicode.IsSpace)
	if idx < 0 {
		return line, "", false
	}
	rest := strings.TrimLeftFunc(line[idx:], unicode.IsSpace)
	return line[:idx], rest, rest != ""
}

// ParsePackageList 保留非空行的原始顺序。
func ParsePackageList(text string) PackageList {
	result := PackageList{}
	for _, line := range lines(text) {
		if line == "" {
			continue
		}
		result = append(result, line)
	}
	return result
}

// ParseMd5DB 解析 "<md5> <package>" 行，重复包名以最后一次为准。
func ParseMd5DB(text string) (Md5Map, error) {
	result := Md5Map{}
	for i, line := range lines(text) {
		if line == "" {
			continue
		}
		sum, pkg, ok := splitFirstField(line)
		if !ok {
			return nil, &ParseError{Kind: KindMd5DB, Line: i + 1, Text: line, Err: errMissingField}
		}
		result[pkg] = sum
	}
	return result, nil
}

// ParseSizeList 解析 "<package> <size>" 行，size 必须为非负整数。
func ParseSizeList(text string) (SizeMap, error) {
	result := SizeMap{}
	for i, line := range lines(text) {
		if line == "" {
			continue
		}
		pkg, raw, ok := splitFirstField(line)
		if !ok {
			return nil, &ParseError{Kind: KindSizeList, Line: i + 1, Text: line, Err: errMissingField}
		}
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &ParseError{Kind: KindSizeList, Line: i + 1, Text: line, Err: errors.Join(errSizeNotNumber, err)}
		}
		if size < 0 {
			return nil, &ParseError{Kind: KindSizeList, Line: i + 1, Text: line, Err: errNegativeSize}
		}
		result[pkg] = size
	}
	return result, nil
}

// ParseTagsDB 首个字段为包名，其余字段依次为标签。
func ParseTagsDB(text string) TagsMap {
	result := TagsMap{}
	for _, line := range lines(text) {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		tags := make([]string, 0, len(fields)-1)
		result[fields[0]] = append(tags, fields[1:]...)
	}
	return result
}

// ParseProvidesDB 以空行分隔块：块首行为包名，其余行为提供项。
func ParseProvidesDB(text string) ProvidesMap {
	result := ProvidesMap{}
	var block []string
	flush := func() {
		if len(block) > 0 && block[0] != "" {
			provides := make([]string, 0, len(block)-1)
			result[block[0]] = append(provides, block[1:]...)
		}
		block = block[:0]
	}
	for _, line := range lines(text) {
		if line == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	return result
}
