package rag

import (
	"context"
	"strings"
	"time"
)

// ── Dataset ──────────────────────────────────────────────────

// IndexStruct 标识 dataset 背后的向量集合。
type IndexStruct struct {
	Type        string `json:"type"`
	VectorStore struct {
		ClassPrefix string `json:"class_prefix"`
	} `json:"vector_store"`
}

// Dataset 租户级文档集合，每个被入库的源文件对应一个。
type Dataset struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Name        string       `json:"name"`
	BlobKey     string       `json:"blob_key,omitempty"`
	IndexStruct *IndexStruct `json:"index_struct,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CollectionName 返回 dataset 的向量集合名；缺失 index_struct 时按 ID 推导。
func (d *Dataset) CollectionName() string {
	if d.IndexStruct != nil && d.IndexStruct.VectorStore.ClassPrefix != "" {
		return d.IndexStruct.VectorStore.ClassPrefix
	}
	return GenCollectionName(d.ID)
}

// GenCollectionName 由 dataset ID 确定性推导集合名。
// 连字符替换为下划线以保证是合法 SQL 标识符。
func GenCollectionName(datasetID string) string {
	return "collection_" + strings.ReplaceAll(datasetID, "-", "_")
}

// NewIndexStruct 构造 pgvector 集合的 index_struct。
func NewIndexStruct(storeType, collectionName string) *IndexStruct {
	is := &IndexStruct{Type: storeType}
	is.VectorStore.ClassPrefix = collectionName
	return is
}

// ── 下游协作方接口 ────────────────────────────────────────────

// VectorStore 向量/全文存储。所有转发的操作显式列出，不做动态委托。
// 删除类操作幂等：目标不存在不算错误。
type VectorStore interface {
	// Create 集合不存在时先建（维度取第一条向量的长度），再批量写入
	Create(ctx context.Context, collection string, docs []Document, embeddings [][]float32) error
	// SearchByVector 近邻检索，score = 1 - distance，只保留 score > threshold
	SearchByVector(ctx context.Context, collection string, queryVector []float32, topK int, scoreThreshold float64) ([]Document, error)
	// SearchByFullText 词法相关性排序，只按 topK 截断（不做分数过滤）
	SearchByFullText(ctx context.Context, collection string, query string, topK int) ([]Document, error)
	// TextExists 检查集合中是否已有完全相同的文本内容
	TextExists(ctx context.Context, collection string, text string) (bool, error)
	DeleteByIDs(ctx context.Context, collection string, ids []string) error
	DeleteByMetadataField(ctx context.Context, collection string, key, value string) error
	// Drop 删除整个集合
	Drop(ctx context.Context, collection string) error
}

// DatasetRepository dataset 行的持久化。Get 未命中返回 (nil, nil)。
type DatasetRepository interface {
	Create(ctx context.Context, ds *Dataset) error
	Get(ctx context.Context, id string) (*Dataset, error)
	List(ctx context.Context, tenantID string) ([]Dataset, error)
	UpdateIndexStruct(ctx context.Context, id string, is *IndexStruct) error
	Delete(ctx context.Context, id string) error
}

// BlobStore 原始文件存储
type BlobStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// SearchCacheStore 检索结果缓存
type SearchCacheStore interface {
	Get(ctx context.Context, req *RetrievalRequest) (*RetrievalResult, bool)
	Set(ctx context.Context, req *RetrievalRequest, result *RetrievalResult)
	InvalidateByDataset(ctx context.Context, datasetID string)
}
