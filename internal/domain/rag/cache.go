package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	applog "ragbase/internal/platform/log"
)

// ── Embedding 缓存 ───────────────────────────────────────────

// CacheEntry 一条缓存记录。哈希只对文本内容计算，模型名单独成键：
// 读写都必须带上 (hash, model_name)，不同模型的向量绝不互相命中。
type CacheEntry struct {
	Hash      string
	ModelName string
	Vector    []float32
}

// EmbeddingCacheStore 缓存后端。Put 为整行写入（replace），不做部分更新。
type EmbeddingCacheStore interface {
	// Get 批量查询，返回命中的 hash -> vector
	Get(ctx context.Context, hashes []string, modelName string) (map[string][]float32, error)
	// Put 批量写入
	Put(ctx context.Context, entries []CacheEntry) error
}

// CacheEmbedding 带内容寻址缓存的 Embedder 包装。
// 同一文本在同一模型下第二次 embedding 不会再调用 provider。
// 并发的相同 miss 可能重复调用 provider（允许，缓存只保证正确性）。
type CacheEmbedding struct {
	inner Embedder
	store EmbeddingCacheStore
}

// NewCacheEmbedding 创建缓存包装
func NewCacheEmbedding(inner Embedder, store EmbeddingCacheStore) *CacheEmbedding {
	return &CacheEmbedding{inner: inner, store: store}
}

func (c *CacheEmbedding) Dims() int {
	return c.inner.Dims()
}

func (c *CacheEmbedding) Model() string {
	return c.inner.Model()
}

// Embed 实现 Embedder 接口，等同 EmbedDocuments。
func (c *CacheEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.EmbedDocuments(ctx, texts)
}

// EmbedDocuments 批量 embedding，命中缓存的文本不再请求 provider，
// 所有 miss 合并为一次 provider 调用。输出与输入同序同长。
// provider 调用失败时该批次不产生任何缓存写入，错误原样上抛。
func (c *CacheEmbedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(texts))
	for i, text := range texts {
		hashes[i] = hashText(text)
	}

	cached := c.lookup(ctx, hashes)

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, h := range hashes {
		if vec, ok := cached[h]; ok {
			results[i] = vec
		} else {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	entries := make([]CacheEntry, len(missTexts))
	for i, idx := range missIdx {
		results[idx] = vectors[i]
		entries[i] = CacheEntry{
			Hash:      hashes[idx],
			ModelName: c.inner.Model(),
			Vector:    vectors[i],
		}
	}
	if c.store != nil {
		if err := c.store.Put(ctx, entries); err != nil {
			applog.Warn("[RAG/EmbeddingCache] Failed to store entries", "count", len(entries), "error", err)
		}
	}

	applog.Debug("[RAG/EmbeddingCache] Embedded",
		"total", len(texts),
		"hits", len(texts)-len(missTexts),
		"misses", len(missTexts),
	)
	return results, nil
}

// EmbedQuery 单条查询 embedding
func (c *CacheEmbedding) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// lookup 缓存查询失败只降级为全量 miss，不阻断 embedding。
func (c *CacheEmbedding) lookup(ctx context.Context, hashes []string) map[string][]float32 {
	if c.store == nil {
		return nil
	}
	cached, err := c.store.Get(ctx, hashes, c.inner.Model())
	if err != nil {
		applog.Warn("[RAG/EmbeddingCache] Lookup failed, treating as miss", "error", err)
		return nil
	}
	return cached
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
