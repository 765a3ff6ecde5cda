package util

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MustParseUint 将字符串转换为无符号整数，解析失败时返回 0
func MustParseUint(s string) uint {
	id, _ := strconv.ParseUint(s, 10, 32)
	return uint(id)
}

// ParsePage 解析分页参数，非法值回退为默认值
func ParsePage(pageStr, sizeStr string) (int, int, bool) {
	page, size := 1, DefaultPageSize
	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p < 1 {
			return 0, 0, false
		}
		page = p
	}
	if sizeStr != "" {
		s, err := strconv.Atoi(sizeStr)
		if err != nil || s < 1 || s > MaxPageSize {
			return 0, 0, false
		}
		size = s
	}
	return page, size, true
}

// TruncateRunes 按字符截断，避免切断多字节汉字
func TruncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// Snippet 截取用于提示词或日志的短文本
func Snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return TruncateRunes(s, max) + "…"
}
