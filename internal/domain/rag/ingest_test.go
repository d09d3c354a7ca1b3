package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeBlobStore 内存 blob 存储
type fakeBlobStore struct {
	blobs   map[string][]byte
	saveErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (b *fakeBlobStore) Save(_ context.Context, key string, data []byte) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	b.blobs[key] = data
	return nil
}

func (b *fakeBlobStore) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := b.blobs[key]
	if !ok {
		return nil, &NotFoundError{Resource: "blob", ID: key}
	}
	return data, nil
}

func (b *fakeBlobStore) Delete(_ context.Context, key string) error {
	delete(b.blobs, key)
	return nil
}

type fakeDocEmbedder struct {
	fail  error
	calls int
}

func (f *fakeDocEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i]))}
	}
	return vectors, nil
}

func newTestIngestor(t *testing.T, store *fakeVectorStore, repo *fakeDatasetRepo, blobs *fakeBlobStore, embedder *fakeDocEmbedder) *Ingestor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChunkSize = 50
	cfg.ChunkOverlap = 10
	ing, err := NewIngestor(store, repo, blobs, embedder, cfg)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ing
}

const sampleText = "First paragraph with enough words to matter.\n\nSecond paragraph carrying different content entirely.\n\nThird paragraph closes the document."

func TestIngestSuccess(t *testing.T) {
	store := &fakeVectorStore{}
	repo := newFakeDatasetRepo()
	blobs := newFakeBlobStore()
	embedder := &fakeDocEmbedder{}
	ing := newTestIngestor(t, store, repo, blobs, embedder)

	datasetID, err := ing.Ingest(context.Background(), []byte(sampleText), "notes.txt", "tenant-1")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if datasetID == "" {
		t.Fatal("expected dataset id")
	}

	ds := repo.datasets[datasetID]
	if ds == nil {
		t.Fatal("dataset row not created")
	}
	if ds.TenantID != "tenant-1" || ds.Name != "notes.txt" {
		t.Errorf("dataset fields wrong: %+v", ds)
	}
	if ds.IndexStruct == nil || ds.IndexStruct.Type != VectorStoreType {
		t.Errorf("index_struct wrong: %+v", ds.IndexStruct)
	}

	collection := GenCollectionName(datasetID)
	if !strings.HasPrefix(collection, "collection_") || strings.Contains(collection, "-") {
		t.Errorf("collection name malformed: %s", collection)
	}
	docs := store.createdDocs[collection]
	if len(docs) == 0 {
		t.Fatal("no vectors written")
	}
	for i, doc := range docs {
		if doc.DocID() == "" {
			t.Errorf("chunk %d missing doc_id", i)
		}
		if doc.Metadata[MetaDatasetID] != datasetID {
			t.Errorf("chunk %d missing dataset_id", i)
		}
		if doc.Metadata[MetaTenantID] != "tenant-1" {
			t.Errorf("chunk %d missing tenant_id", i)
		}
	}

	if _, ok := blobs.blobs[ds.BlobKey]; !ok {
		t.Error("blob not saved")
	}
	if embedder.calls != 1 {
		t.Errorf("expected 1 embedding batch, got %d", embedder.calls)
	}
}

func TestIngestRollbackOnVectorWriteFailure(t *testing.T) {
	store := &fakeVectorStore{createErr: errors.New("pgvector down")}
	repo := newFakeDatasetRepo()
	blobs := newFakeBlobStore()
	ing := newTestIngestor(t, store, repo, blobs, &fakeDocEmbedder{})

	_, err := ing.Ingest(context.Background(), []byte(sampleText), "notes.txt", "tenant-1")
	if err == nil {
		t.Fatal("expected ingest failure")
	}
	if len(repo.datasets) != 0 {
		t.Errorf("dataset row must be rolled back, found %d", len(repo.datasets))
	}
	if len(blobs.blobs) != 0 {
		t.Errorf("blob must be rolled back, found %d", len(blobs.blobs))
	}
	if len(store.dropped) == 0 {
		t.Error("collection must be dropped on rollback")
	}
}

func TestIngestRollbackOnEmbeddingFailure(t *testing.T) {
	store := &fakeVectorStore{}
	repo := newFakeDatasetRepo()
	blobs := newFakeBlobStore()
	embedder := &fakeDocEmbedder{fail: &EmbeddingProviderError{StatusCode: 500, Message: "upstream"}}
	ing := newTestIngestor(t, store, repo, blobs, embedder)

	_, err := ing.Ingest(context.Background(), []byte(sampleText), "notes.txt", "tenant-1")
	if err == nil {
		t.Fatal("expected ingest failure")
	}
	if len(repo.datasets) != 0 {
		t.Errorf("dataset row must be rolled back, found %d", len(repo.datasets))
	}
	if len(blobs.blobs) != 0 {
		t.Errorf("blob must be rolled back, found %d", len(blobs.blobs))
	}
	if len(store.createdDocs) != 0 {
		t.Errorf("no vectors should have been written, found %d collections", len(store.createdDocs))
	}
}

func TestPreviewChunksDoesNotPersist(t *testing.T) {
	store := &fakeVectorStore{}
	repo := newFakeDatasetRepo()
	blobs := newFakeBlobStore()
	embedder := &fakeDocEmbedder{}
	ing := newTestIngestor(t, store, repo, blobs, embedder)

	docs, err := ing.PreviewChunks([]byte(sampleText), "notes.txt")
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if len(docs) == 0 {
		t.Fatal("expected preview chunks")
	}

	if len(repo.datasets) != 0 || len(blobs.blobs) != 0 || len(store.createdDocs) != 0 {
		t.Error("preview must not persist anything")
	}
	if embedder.calls != 0 {
		t.Error("preview must not call the embedding provider")
	}
}

func TestDeleteDatasetCascades(t *testing.T) {
	store := &fakeVectorStore{}
	repo := newFakeDatasetRepo()
	blobs := newFakeBlobStore()
	ing := newTestIngestor(t, store, repo, blobs, &fakeDocEmbedder{})

	datasetID, err := ing.Ingest(context.Background(), []byte(sampleText), "notes.txt", "tenant-1")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if err := ing.DeleteDataset(context.Background(), datasetID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(repo.datasets) != 0 {
		t.Error("dataset row not deleted")
	}
	if len(blobs.blobs) != 0 {
		t.Error("blob not deleted")
	}
	if len(store.dropped) != 1 || store.dropped[0] != GenCollectionName(datasetID) {
		t.Errorf("collection not dropped: %v", store.dropped)
	}
}

func TestDeleteMissingDatasetReturnsNotFound(t *testing.T) {
	ing := newTestIngestor(t, &fakeVectorStore{}, newFakeDatasetRepo(), newFakeBlobStore(), &fakeDocEmbedder{})

	err := ing.DeleteDataset(context.Background(), "nonexistent")
	if !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	blobs := newFakeBlobStore()
	repo := newFakeDatasetRepo()
	ing := newTestIngestor(t, &fakeVectorStore{}, repo, blobs, &fakeDocEmbedder{})

	_, err := ing.Ingest(context.Background(), []byte("   \n  "), "empty.txt", "tenant-1")
	if err == nil {
		t.Fatal("expected error for empty document")
	}
	if len(repo.datasets) != 0 || len(blobs.blobs) != 0 {
		t.Error("empty document must leave no state behind")
	}
}
