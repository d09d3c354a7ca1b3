package rag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	applog "ragbase/internal/platform/log"
)

// QueryEmbedder 查询向量化（语义检索路径需要）。
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever 混合检索引擎。
// 语义与全文两路检索并发执行、按权重融合；任何单路失败只降级，
// 不会让整个检索调用失败（可用性优先于完整性）。
type Retriever struct {
	store    VectorStore
	datasets DatasetRepository
	embedder QueryEmbedder
	config   *Config
	cache    SearchCacheStore // 可选
}

// NewRetriever 创建检索引擎
func NewRetriever(store VectorStore, datasets DatasetRepository, embedder QueryEmbedder, cfg *Config) *Retriever {
	return &Retriever{
		store:    store,
		datasets: datasets,
		embedder: embedder,
		config:   cfg,
	}
}

// SetCache 设置检索结果缓存
func (r *Retriever) SetCache(c SearchCacheStore) {
	r.cache = c
}

// Retrieve 执行检索。空 query、未知 dataset 都返回空结果而非错误：
// 对话链路必须把「没有上下文」当作正常情况处理。
func (r *Retriever) Retrieve(ctx context.Context, req *RetrievalRequest) (*RetrievalResult, error) {
	start := time.Now()

	if req.Method == "" {
		req.Method = r.config.DefaultMethod
	}
	if req.TopK <= 0 {
		req.TopK = r.config.DefaultTopK
	}
	if req.Weights == nil {
		w := r.config.Weights
		req.Weights = &w
	}

	switch req.Method {
	case MethodSemantic, MethodFullText, MethodHybrid:
	default:
		return nil, NewConfigError("unsupported retrieval method: %s", req.Method)
	}

	if strings.TrimSpace(req.Query) == "" || req.DatasetID == "" {
		return emptyResult(req.Method, start), nil
	}

	ds, err := r.datasets.Get(ctx, req.DatasetID)
	if err != nil {
		applog.Error("[RAG] Dataset lookup failed", "dataset_id", req.DatasetID, "error", err)
		return degradedResult(req.Method, start, map[RetrievalMethod]string{req.Method: err.Error()}), nil
	}
	// 其他租户的 dataset 视同不存在，检索层兜底租户隔离
	if ds == nil || (req.TenantID != "" && ds.TenantID != req.TenantID) {
		return emptyResult(req.Method, start), nil
	}
	collection := ds.CollectionName()

	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, req); ok {
			return cached, nil
		}
	}

	applog.Info("[RAG] Retrieve",
		"dataset_id", req.DatasetID,
		"method", req.Method,
		"top_k", req.TopK,
		"score_threshold", req.ScoreThreshold,
		"tenant_id", req.TenantID,
	)

	var result *RetrievalResult
	switch req.Method {
	case MethodSemantic:
		result = r.searchSemantic(ctx, collection, req, req.TopK)
	case MethodFullText:
		result = r.searchFullText(ctx, collection, req, req.TopK)
	case MethodHybrid:
		result = r.searchHybrid(ctx, collection, req)
	}
	result.ElapsedMs = time.Since(start).Milliseconds()

	if r.cache != nil && !result.Degraded {
		cacheReq := cloneRequest(req)
		cacheResult := cloneResult(result)
		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			r.cache.Set(cacheCtx, cacheReq, cacheResult)
		}()
	}

	return result, nil
}

// searchSemantic 语义单路：embed query 后做近邻检索，阈值在存储层生效。
func (r *Retriever) searchSemantic(ctx context.Context, collection string, req *RetrievalRequest, topK int) *RetrievalResult {
	docs, err := r.semanticDocs(ctx, collection, req, topK)
	if err != nil {
		applog.Warn("[RAG] Semantic search failed", "dataset_id", req.DatasetID, "error", err)
		return &RetrievalResult{
			Method:   MethodSemantic,
			Degraded: true,
			Failures: map[RetrievalMethod]string{MethodSemantic: err.Error()},
		}
	}
	return &RetrievalResult{Documents: docs, Method: MethodSemantic}
}

// searchFullText 全文单路：词法排序，只按 topK 截断，不做分数阈值过滤。
func (r *Retriever) searchFullText(ctx context.Context, collection string, req *RetrievalRequest, topK int) *RetrievalResult {
	docs, err := r.store.SearchByFullText(ctx, collection, req.Query, topK)
	if err != nil {
		applog.Warn("[RAG] Full-text search failed", "dataset_id", req.DatasetID, "error", err)
		return &RetrievalResult{
			Method:   MethodFullText,
			Degraded: true,
			Failures: map[RetrievalMethod]string{MethodFullText: err.Error()},
		}
	}
	return &RetrievalResult{Documents: docs, Method: MethodFullText}
}

// searchHybrid 两路各取 2*topK 候选并发检索，加权融合后截断。
// 融合前先按固定顺序（语义路在前）排列候选，保证并发完成顺序
// 不影响融合结果的可复现性。
func (r *Retriever) searchHybrid(ctx context.Context, collection string, req *RetrievalRequest) *RetrievalResult {
	fetchSize := req.TopK * 2

	type searchOutcome struct {
		docs []Document
		err  error
	}

	var wg sync.WaitGroup
	semCh := make(chan searchOutcome, 1)
	ftCh := make(chan searchOutcome, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		docs, err := r.semanticDocs(ctx, collection, req, fetchSize)
		semCh <- searchOutcome{docs, err}
	}()
	go func() {
		defer wg.Done()
		docs, err := r.store.SearchByFullText(ctx, collection, req.Query, fetchSize)
		ftCh <- searchOutcome{docs, err}
	}()
	wg.Wait()
	close(semCh)
	close(ftCh)

	semRes := <-semCh
	ftRes := <-ftCh

	result := &RetrievalResult{Method: MethodHybrid}
	if semRes.err != nil {
		applog.Warn("[RAG] Hybrid semantic leg failed, degrading to full-text", "dataset_id", req.DatasetID, "error", semRes.err)
		result.Degraded = true
		result.Failures = map[RetrievalMethod]string{MethodSemantic: semRes.err.Error()}
	}
	if ftRes.err != nil {
		applog.Warn("[RAG] Hybrid full-text leg failed, degrading to semantic", "dataset_id", req.DatasetID, "error", ftRes.err)
		result.Degraded = true
		if result.Failures == nil {
			result.Failures = make(map[RetrievalMethod]string, 1)
		}
		result.Failures[MethodFullText] = ftRes.err.Error()
	}

	result.Documents = mergeWeighted(semRes.docs, ftRes.docs, *req.Weights, req.TopK)

	applog.Info("[RAG] Hybrid search merged",
		"semantic_count", len(semRes.docs),
		"full_text_count", len(ftRes.docs),
		"merged_count", len(result.Documents),
		"degraded", result.Degraded,
	)
	return result
}

func (r *Retriever) semanticDocs(ctx context.Context, collection string, req *RetrievalRequest, topK int) ([]Document, error) {
	queryVector, err := r.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return r.store.SearchByVector(ctx, collection, queryVector, topK, req.ScoreThreshold)
}

// mergeWeighted 按 doc_id 融合两路候选：两路都出现的文档累加两份加权
// 贡献，单路出现的保留单份。缺 doc_id 的文档无法安全去重，直接丢弃。
// 排序按融合分降序，同分保持先见顺序（语义路候选先于全文路）。
func mergeWeighted(semantic, fullText []Document, weights Weights, topK int) []Document {
	type scored struct {
		doc   Document
		score float64
	}

	scores := make(map[string]*scored, len(semantic)+len(fullText))
	order := make([]string, 0, len(semantic)+len(fullText))

	for _, doc := range semantic {
		id := doc.DocID()
		if id == "" {
			continue
		}
		if _, ok := scores[id]; !ok {
			scores[id] = &scored{doc: doc}
			order = append(order, id)
		}
		scores[id].score += doc.Score() * weights.Semantic
	}
	for _, doc := range fullText {
		id := doc.DocID()
		if id == "" {
			continue
		}
		if _, ok := scores[id]; !ok {
			scores[id] = &scored{doc: doc}
			order = append(order, id)
		}
		scores[id].score += doc.Score() * weights.FullText
	}

	merged := make([]*scored, 0, len(order))
	for _, id := range order {
		merged = append(merged, scores[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].score > merged[j].score
	})

	if topK > 0 && topK < len(merged) {
		merged = merged[:topK]
	}

	docs := make([]Document, len(merged))
	for i, s := range merged {
		docs[i] = s.doc
		docs[i].SetScore(s.score)
	}
	return docs
}

// ── 辅助 ─────────────────────────────────────────────────────

func emptyResult(method RetrievalMethod, start time.Time) *RetrievalResult {
	return &RetrievalResult{
		Method:    method,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}

func degradedResult(method RetrievalMethod, start time.Time, failures map[RetrievalMethod]string) *RetrievalResult {
	return &RetrievalResult{
		Method:    method,
		Degraded:  true,
		Failures:  failures,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}

func cloneRequest(req *RetrievalRequest) *RetrievalRequest {
	if req == nil {
		return nil
	}
	cloned := *req
	if req.Weights != nil {
		w := *req.Weights
		cloned.Weights = &w
	}
	return &cloned
}

func cloneResult(result *RetrievalResult) *RetrievalResult {
	if result == nil {
		return nil
	}
	cloned := *result
	if len(result.Documents) > 0 {
		cloned.Documents = append([]Document(nil), result.Documents...)
	}
	return &cloned
}
