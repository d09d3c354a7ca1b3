package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ragbase/internal/domain/rag"
	applog "ragbase/internal/platform/log"
)

// SearchCache 检索结果 Redis 缓存。key 覆盖检索请求的全部语义
// 维度（query、method、topK、threshold、weights、dataset、tenant），
// 任何一项不同都视为不同请求。
type SearchCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewSearchCache 创建检索缓存
func NewSearchCache(rdb *redis.Client, ttlSeconds int) *SearchCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &SearchCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:cache:",
	}
}

// Get 从缓存获取检索结果
func (c *SearchCache) Get(ctx context.Context, req *rag.RetrievalRequest) (*rag.RetrievalResult, bool) {
	key := c.cacheKey(req)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var result rag.RetrievalResult
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[RAG/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[RAG/Cache] Hit", "key", key)
	return &result, true
}

// Set 写入检索结果到缓存
func (c *SearchCache) Set(ctx context.Context, req *rag.RetrievalRequest, result *rag.RetrievalResult) {
	key := c.cacheKey(req)
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateByDataset 清除某个 dataset 的缓存。key 前缀带 datasetID，
// 按模式匹配删除。
func (c *SearchCache) InvalidateByDataset(ctx context.Context, datasetID string) {
	pattern := c.prefix + datasetID + ":*"
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/Cache] Scan failed during invalidation", "dataset_id", datasetID, "error", err)
		return
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[RAG/Cache] Invalidated", "dataset_id", datasetID, "keys_deleted", len(keys))
	}
}

// InvalidateAll 清除所有检索缓存
func (c *SearchCache) InvalidateAll(ctx context.Context) {
	pattern := c.prefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[RAG/Cache] All cache invalidated", "keys_deleted", len(keys))
	}
}

// cacheKey = 前缀 + datasetID + 请求全维度哈希
func (c *SearchCache) cacheKey(req *rag.RetrievalRequest) string {
	weights := rag.DefaultWeights()
	if req.Weights != nil {
		weights = *req.Weights
	}
	raw := fmt.Sprintf("%s|%s|%d|%g|%g|%g|%s|%s",
		req.Query,
		req.Method,
		req.TopK,
		req.ScoreThreshold,
		weights.Semantic,
		weights.FullText,
		req.DatasetID,
		req.TenantID,
	)

	hash := sha256.Sum256([]byte(raw))
	return c.prefix + req.DatasetID + ":" + fmt.Sprintf("%x", hash[:12])
}

var _ rag.SearchCacheStore = (*SearchCache)(nil)
