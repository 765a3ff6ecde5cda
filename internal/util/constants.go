package util

import (
	"math"
	"time"
)

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

const (
	MimeMarkdown    = "text/markdown; charset=utf-8"
	MimePDF         = "application/pdf"
	MimeOctetStream = "application/octet-stream"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Round2 保留两位小数
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Clamp01 截断到 [0, 1]
func Clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// StartOfDay 取 UTC 日期零点
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
