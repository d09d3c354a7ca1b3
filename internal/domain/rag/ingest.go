package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	applog "ragbase/internal/platform/log"
)

// VectorStoreType pgvector 集合类型标识（index_struct.type）
const VectorStoreType = "pgvector"

// DocumentEmbedder 入库路径的批量 embedding。
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Ingestor 文档入库协调器：blob 落盘 → dataset 行 → 解析 → 分块 →
// embedding → 向量写入。对调用方 all-or-nothing：向量写入失败时回滚
// dataset 行和 blob，不留下没有向量的半成品数据。
type Ingestor struct {
	store    VectorStore
	datasets DatasetRepository
	blobs    BlobStore
	embedder DocumentEmbedder
	splitter *RecursiveSplitter
	parsers  *ParserRegistry
	cache    SearchCacheStore // 可选：入库后清缓存
}

// NewIngestor 创建入库协调器。分块配置非法时直接失败。
func NewIngestor(store VectorStore, datasets DatasetRepository, blobs BlobStore, embedder DocumentEmbedder, cfg *Config) (*Ingestor, error) {
	splitter, err := NewRecursiveSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		store:    store,
		datasets: datasets,
		blobs:    blobs,
		embedder: embedder,
		splitter: splitter,
		parsers:  NewParserRegistry(),
	}, nil
}

// SetCache 设置检索缓存（入库/删除后自动失效）
func (ing *Ingestor) SetCache(c SearchCacheStore) {
	ing.cache = c
}

// Ingest 入库一个文件，返回新建的 datasetID。
func (ing *Ingestor) Ingest(ctx context.Context, content []byte, filename, tenantID string) (string, error) {
	start := time.Now()

	text, err := ing.parsers.Parse(content, filename)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", filename, err)
	}
	if text == "" {
		return "", fmt.Errorf("no extractable text in %s", filename)
	}

	datasetID := uuid.New().String()
	blobKey := datasetID + "_" + filename
	collection := GenCollectionName(datasetID)

	if err := ing.blobs.Save(ctx, blobKey, content); err != nil {
		return "", fmt.Errorf("save blob %s: %w", blobKey, err)
	}

	ds := &Dataset{
		ID:          datasetID,
		TenantID:    tenantID,
		Name:        filename,
		BlobKey:     blobKey,
		IndexStruct: NewIndexStruct(VectorStoreType, collection),
	}
	if err := ing.datasets.Create(ctx, ds); err != nil {
		ing.deleteBlob(blobKey)
		return "", fmt.Errorf("create dataset: %w", err)
	}

	docs := ing.splitter.SplitDocuments(text, map[string]any{
		MetaDatasetID: datasetID,
		MetaTenantID:  tenantID,
		MetaSource:    filename,
	})
	if len(docs) == 0 {
		ing.rollback(datasetID, blobKey, "")
		return "", fmt.Errorf("no chunks produced from %s", filename)
	}
	texts := make([]string, len(docs))
	for i := range docs {
		docs[i].Metadata[MetaDocID] = uuid.New().String()
		texts[i] = docs[i].Content
	}

	vectors, err := ing.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		ing.rollback(datasetID, blobKey, "")
		return "", fmt.Errorf("embed chunks: %w", err)
	}

	if err := ing.store.Create(ctx, collection, docs, vectors); err != nil {
		ing.rollback(datasetID, blobKey, collection)
		return "", fmt.Errorf("write vectors: %w", err)
	}

	if ing.cache != nil {
		ing.cache.InvalidateByDataset(ctx, datasetID)
	}

	applog.Info("[RAG/Ingest] Document ingested",
		"dataset_id", datasetID,
		"filename", filename,
		"tenant_id", tenantID,
		"chunks", len(docs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return datasetID, nil
}

// PreviewChunks 只分块不持久化，供上传前预览。
func (ing *Ingestor) PreviewChunks(content []byte, filename string) ([]Document, error) {
	text, err := ing.parsers.Parse(content, filename)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return ing.splitter.SplitDocuments(text, map[string]any{
		MetaSource: filename,
		"preview":  true,
	}), nil
}

// DeleteDataset 级联删除：向量集合、blob、dataset 行。
// dataset 不存在时返回 NotFoundError。
func (ing *Ingestor) DeleteDataset(ctx context.Context, datasetID string) error {
	ds, err := ing.datasets.Get(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("get dataset: %w", err)
	}
	if ds == nil {
		return &NotFoundError{Resource: "dataset", ID: datasetID}
	}

	if err := ing.store.Drop(ctx, ds.CollectionName()); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	if ds.BlobKey != "" {
		ing.deleteBlob(ds.BlobKey)
	}
	if err := ing.datasets.Delete(ctx, datasetID); err != nil {
		return fmt.Errorf("delete dataset row: %w", err)
	}

	if ing.cache != nil {
		ing.cache.InvalidateByDataset(ctx, datasetID)
	}

	applog.Info("[RAG/Ingest] Dataset deleted", "dataset_id", datasetID)
	return nil
}

// rollback 入库中途失败时清理已写入的数据。清理本身失败只记日志，
// 留待人工或后台任务兜底。
func (ing *Ingestor) rollback(datasetID, blobKey, collection string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if collection != "" {
		if err := ing.store.Drop(ctx, collection); err != nil {
			applog.Error("[RAG/Ingest] Rollback: drop collection failed", "collection", collection, "error", err)
		}
	}
	if err := ing.datasets.Delete(ctx, datasetID); err != nil {
		applog.Error("[RAG/Ingest] Rollback: delete dataset row failed", "dataset_id", datasetID, "error", err)
	}
	ing.deleteBlob(blobKey)
}

func (ing *Ingestor) deleteBlob(blobKey string) {
	if blobKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ing.blobs.Delete(ctx, blobKey); err != nil {
		applog.Error("[RAG/Ingest] Blob cleanup failed", "blob_key", blobKey, "error", err)
	}
}
