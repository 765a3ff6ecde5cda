package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"error_book_backend/pkg/logger"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// IdempotencyGuard 防止同一输入被重复入库。配置了 Redis 时用 SETNX 跨进程去重，
// 否则退化为进程内缓存。
type IdempotencyGuard struct {
	redis  *redis.Client
	local  *cache.Cache
	prefix string
}

func NewIdempotencyGuard(rdb *redis.Client) *IdempotencyGuard {
	return &IdempotencyGuard{
		redis:  rdb,
		local:  cache.New(10*time.Minute, 20*time.Minute),
		prefix: "errorbook:guard:",
	}
}

// Acquire 首次获取返回 true；ttl 内重复获取返回 false
func (g *IdempotencyGuard) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	full := g.prefix + key
	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, full, time.Now().Unix(), ttl).Result()
		if err == nil {
			return ok
		}
		logger.Log.Warn("redis guard unavailable, using local cache", zap.Error(err))
	}
	return g.local.Add(full, struct{}{}, ttl) == nil
}

// Release 流程失败时释放，允许调用方重试
func (g *IdempotencyGuard) Release(ctx context.Context, key string) {
	full := g.prefix + key
	if g.redis != nil {
		if err := g.redis.Del(ctx, full).Err(); err != nil {
			logger.Log.Warn("release redis guard failed", zap.String("key", full), zap.Error(err))
		}
	}
	g.local.Delete(full)
}

// FingerprintURLs 与顺序无关的图片集合指纹
func FingerprintURLs(userID uint, urls []string) string {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, "\n")))
	return "homework:" + strconv.FormatUint(uint64(userID), 10) + ":" + hex.EncodeToString(sum[:])
}

// FingerprintQuestion 同一用户的重复提问指纹。客户端带 request_id 时以其为准，
// 否则按会话、内容和图片集合计算，须在生成默认会话 id 之前调用。
func FingerprintQuestion(userID uint, req *AskRequest) string {
	prefix := "question:" + strconv.FormatUint(uint64(userID), 10) + ":"
	if id := strings.TrimSpace(req.RequestID); id != "" {
		return prefix + "req:" + id
	}
	images := append([]string(nil), req.ImageURLs...)
	sort.Strings(images)
	h := sha1.New()
	h.Write([]byte(req.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(req.Content)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(images, "\n")))
	return prefix + hex.EncodeToString(h.Sum(nil))
}
