package rag

// Metadata 契约字段。doc_id 在入库时分配，score 仅在检索后出现。
const (
	MetaDocID      = "doc_id"
	MetaDatasetID  = "dataset_id"
	MetaTenantID   = "tenant_id"
	MetaChunkIndex = "chunk_index"
	MetaChunkTotal = "chunk_total"
	MetaSource     = "source"
	MetaScore      = "score"
)

// Document 一个分块及其元数据，embedding 与检索的基本单位。
type Document struct {
	Content  string         `json:"content"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// DocID 返回 metadata 中的 doc_id，缺失时返回空串。
func (d *Document) DocID() string {
	if d.Metadata == nil {
		return ""
	}
	id, _ := d.Metadata[MetaDocID].(string)
	return id
}

// Score 返回 metadata 中的检索得分。
func (d *Document) Score() float64 {
	if d.Metadata == nil {
		return 0
	}
	switch v := d.Metadata[MetaScore].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// SetScore 写入检索得分（覆盖单路得分）。
func (d *Document) SetScore(score float64) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any, 1)
	}
	d.Metadata[MetaScore] = score
}

// ── 检索请求/结果 ────────────────────────────────────────────

// RetrievalMethod 检索方式
type RetrievalMethod string

const (
	MethodSemantic RetrievalMethod = "semantic"
	MethodFullText RetrievalMethod = "full_text"
	MethodHybrid   RetrievalMethod = "hybrid"
)

// Weights Hybrid 检索中两路得分的权重，不要求和为 1。
type Weights struct {
	Semantic float64 `json:"semantic"`
	FullText float64 `json:"full_text"`
}

// DefaultWeights 默认等权
func DefaultWeights() Weights {
	return Weights{Semantic: 0.5, FullText: 0.5}
}

// RetrievalRequest 一次检索调用的参数。
type RetrievalRequest struct {
	DatasetID      string          `json:"dataset_id"`
	Query          string          `json:"query"`
	Method         RetrievalMethod `json:"method,omitempty"`
	TopK           int             `json:"top_k,omitempty"`
	ScoreThreshold float64         `json:"score_threshold,omitempty"`
	Weights        *Weights        `json:"weights,omitempty"`
	// 多租户（从鉴权 Scope 注入，不走请求体）
	TenantID string `json:"-"`
}

// RetrievalResult 检索结果。Degraded 表示某一路子检索失败被降级，
// Failures 记录失败的检索路径，便于调用方区分「无结果」与「检索子系统故障」。
type RetrievalResult struct {
	Documents []Document                 `json:"documents"`
	Method    RetrievalMethod            `json:"method"`
	Degraded  bool                       `json:"degraded,omitempty"`
	Failures  map[RetrievalMethod]string `json:"failures,omitempty"`
	ElapsedMs int64                      `json:"elapsed_ms"`
}
