package redisdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ragbase/internal/domain/rag"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func sampleResult(docID string) *rag.RetrievalResult {
	return &rag.RetrievalResult{
		Documents: []rag.Document{
			{Content: "cached content", Metadata: map[string]any{rag.MetaDocID: docID, rag.MetaScore: 0.8}},
		},
		Method: rag.MethodHybrid,
	}
}

func TestSearchCacheRoundTrip(t *testing.T) {
	cache := NewSearchCache(newTestRedis(t), 300)
	ctx := context.Background()

	req := &rag.RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "what is caching",
		Method:    rag.MethodHybrid,
		TopK:      4,
		TenantID:  "t1",
	}

	if _, ok := cache.Get(ctx, req); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Set(ctx, req, sampleResult("a"))

	got, ok := cache.Get(ctx, req)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if len(got.Documents) != 1 || got.Documents[0].DocID() != "a" {
		t.Errorf("cached result corrupted: %+v", got)
	}
}

func TestSearchCacheKeyCoversRequestDimensions(t *testing.T) {
	cache := NewSearchCache(newTestRedis(t), 300)
	ctx := context.Background()

	base := rag.RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "q",
		Method:    rag.MethodHybrid,
		TopK:      4,
		TenantID:  "t1",
	}
	cache.Set(ctx, &base, sampleResult("a"))

	variants := []rag.RetrievalRequest{
		{DatasetID: "ds-2", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1"},
		{DatasetID: "ds-1", Query: "other", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1"},
		{DatasetID: "ds-1", Query: "q", Method: rag.MethodSemantic, TopK: 4, TenantID: "t1"},
		{DatasetID: "ds-1", Query: "q", Method: rag.MethodHybrid, TopK: 8, TenantID: "t1"},
		{DatasetID: "ds-1", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t2"},
		{DatasetID: "ds-1", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1", ScoreThreshold: 0.5},
		{DatasetID: "ds-1", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1",
			Weights: &rag.Weights{Semantic: 0.7, FullText: 0.3}},
	}
	for i, v := range variants {
		if _, ok := cache.Get(ctx, &v); ok {
			t.Errorf("variant %d must not hit the base entry: %+v", i, v)
		}
	}
}

func TestSearchCacheInvalidateByDataset(t *testing.T) {
	cache := NewSearchCache(newTestRedis(t), 300)
	ctx := context.Background()

	reqA := &rag.RetrievalRequest{DatasetID: "ds-1", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1"}
	reqB := &rag.RetrievalRequest{DatasetID: "ds-2", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1"}
	cache.Set(ctx, reqA, sampleResult("a"))
	cache.Set(ctx, reqB, sampleResult("b"))

	cache.InvalidateByDataset(ctx, "ds-1")

	if _, ok := cache.Get(ctx, reqA); ok {
		t.Error("ds-1 entry should be invalidated")
	}
	if _, ok := cache.Get(ctx, reqB); !ok {
		t.Error("ds-2 entry must survive ds-1 invalidation")
	}
}

func TestSearchCacheTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewSearchCache(client, 60)
	ctx := context.Background()

	req := &rag.RetrievalRequest{DatasetID: "ds-1", Query: "q", Method: rag.MethodHybrid, TopK: 4, TenantID: "t1"}
	cache.Set(ctx, req, sampleResult("a"))

	mr.FastForward(61 * time.Second)

	if _, ok := cache.Get(ctx, req); ok {
		t.Error("entry should have expired")
	}
}
