package rag

import (
	"context"
	"errors"
	"math"
	"testing"
)

// fakeVectorStore 可编程的检索桩，记录调用参数。
type fakeVectorStore struct {
	vectorDocs   []Document
	vectorErr    error
	fullTextDocs []Document
	fullTextErr  error

	createErr error

	vectorCalls   []int // 记录每次 SearchByVector 的 topK
	vectorThresh  []float64
	fullTextCalls []int
	createdDocs   map[string][]Document
	dropped       []string
}

func (f *fakeVectorStore) Create(_ context.Context, collection string, docs []Document, _ [][]float32) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.createdDocs == nil {
		f.createdDocs = make(map[string][]Document)
	}
	f.createdDocs[collection] = append(f.createdDocs[collection], docs...)
	return nil
}

func (f *fakeVectorStore) SearchByVector(_ context.Context, _ string, _ []float32, topK int, threshold float64) ([]Document, error) {
	f.vectorCalls = append(f.vectorCalls, topK)
	f.vectorThresh = append(f.vectorThresh, threshold)
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vectorDocs, nil
}

func (f *fakeVectorStore) SearchByFullText(_ context.Context, _ string, _ string, topK int) ([]Document, error) {
	f.fullTextCalls = append(f.fullTextCalls, topK)
	if f.fullTextErr != nil {
		return nil, f.fullTextErr
	}
	return f.fullTextDocs, nil
}

func (f *fakeVectorStore) TextExists(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeVectorStore) DeleteByIDs(context.Context, string, []string) error      { return nil }
func (f *fakeVectorStore) DeleteByMetadataField(context.Context, string, string, string) error {
	return nil
}
func (f *fakeVectorStore) Drop(_ context.Context, collection string) error {
	f.dropped = append(f.dropped, collection)
	delete(f.createdDocs, collection)
	return nil
}

// fakeDatasetRepo 内存 dataset 仓库
type fakeDatasetRepo struct {
	datasets map[string]*Dataset
}

func newFakeDatasetRepo(ids ...string) *fakeDatasetRepo {
	repo := &fakeDatasetRepo{datasets: make(map[string]*Dataset)}
	for _, id := range ids {
		repo.datasets[id] = &Dataset{ID: id, TenantID: "t1", Name: id}
	}
	return repo
}

func (r *fakeDatasetRepo) Create(_ context.Context, ds *Dataset) error {
	r.datasets[ds.ID] = ds
	return nil
}

func (r *fakeDatasetRepo) Get(_ context.Context, id string) (*Dataset, error) {
	return r.datasets[id], nil
}

func (r *fakeDatasetRepo) List(context.Context, string) ([]Dataset, error) { return nil, nil }

func (r *fakeDatasetRepo) UpdateIndexStruct(context.Context, string, *IndexStruct) error { return nil }

func (r *fakeDatasetRepo) Delete(_ context.Context, id string) error {
	delete(r.datasets, id)
	return nil
}

type fakeQueryEmbedder struct {
	err error
}

func (f *fakeQueryEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func scoredDoc(docID string, score float64) Document {
	return Document{
		Content:  "content of " + docID,
		Metadata: map[string]any{MetaDocID: docID, MetaScore: score},
	}
}

func newTestRetriever(store *fakeVectorStore) *Retriever {
	return NewRetriever(store, newFakeDatasetRepo("ds-1"), &fakeQueryEmbedder{}, DefaultConfig())
}

func TestHybridMergeWeightedScores(t *testing.T) {
	store := &fakeVectorStore{
		vectorDocs:   []Document{scoredDoc("a", 0.8)},
		fullTextDocs: []Document{scoredDoc("a", 0.6), scoredDoc("b", 0.9)},
	}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "what is hybrid search",
		Method:    MethodHybrid,
		TopK:      4,
		Weights:   &Weights{Semantic: 0.7, FullText: 0.3},
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Degraded {
		t.Error("result should not be degraded")
	}
	if len(result.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(result.Documents))
	}

	// a = 0.8*0.7 + 0.6*0.3 = 0.74, b = 0.9*0.3 = 0.27
	if got := result.Documents[0].DocID(); got != "a" {
		t.Errorf("first result = %s, want a", got)
	}
	if got := result.Documents[0].Score(); math.Abs(got-0.74) > 1e-9 {
		t.Errorf("score(a) = %v, want 0.74", got)
	}
	if got := result.Documents[1].DocID(); got != "b" {
		t.Errorf("second result = %s, want b", got)
	}
	if got := result.Documents[1].Score(); math.Abs(got-0.27) > 1e-9 {
		t.Errorf("score(b) = %v, want 0.27", got)
	}
}

func TestHybridOverFetchesCandidates(t *testing.T) {
	store := &fakeVectorStore{}
	r := newTestRetriever(store)

	_, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "anything",
		Method:    MethodHybrid,
		TopK:      4,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}

	if len(store.vectorCalls) != 1 || store.vectorCalls[0] != 8 {
		t.Errorf("vector sub-search topK = %v, want [8]", store.vectorCalls)
	}
	if len(store.fullTextCalls) != 1 || store.fullTextCalls[0] != 8 {
		t.Errorf("full-text sub-search topK = %v, want [8]", store.fullTextCalls)
	}
}

func TestHybridDegradesWhenOneLegFails(t *testing.T) {
	store := &fakeVectorStore{
		vectorErr:    errors.New("store timeout"),
		fullTextDocs: []Document{scoredDoc("b", 0.9), scoredDoc("c", 0.4)},
	}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "resilient query",
		Method:    MethodHybrid,
		TopK:      4,
	})
	if err != nil {
		t.Fatalf("degraded retrieval must not fail: %v", err)
	}
	if !result.Degraded {
		t.Error("expected Degraded=true")
	}
	if _, ok := result.Failures[MethodSemantic]; !ok {
		t.Errorf("expected semantic failure recorded, got %v", result.Failures)
	}
	if len(result.Documents) != 2 {
		t.Fatalf("expected surviving full-text results, got %d", len(result.Documents))
	}
	if result.Documents[0].DocID() != "b" {
		t.Errorf("first result = %s, want b", result.Documents[0].DocID())
	}
}

func TestHybridDropsDocumentsWithoutDocID(t *testing.T) {
	anonymous := Document{Content: "no id", Metadata: map[string]any{MetaScore: 0.99}}
	store := &fakeVectorStore{
		vectorDocs:   []Document{anonymous, scoredDoc("a", 0.5)},
		fullTextDocs: []Document{anonymous},
	}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "dedup",
		Method:    MethodHybrid,
		TopK:      4,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Documents) != 1 || result.Documents[0].DocID() != "a" {
		t.Errorf("documents without doc_id must be dropped, got %v", result.Documents)
	}
}

func TestHybridTieBreakKeepsFirstSeenOrder(t *testing.T) {
	// 两路等分：语义路候选排在全文路候选之前
	store := &fakeVectorStore{
		vectorDocs:   []Document{scoredDoc("sem", 0.5)},
		fullTextDocs: []Document{scoredDoc("ft", 0.5)},
	}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "tie",
		Method:    MethodHybrid,
		TopK:      2,
		Weights:   &Weights{Semantic: 0.5, FullText: 0.5},
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(result.Documents))
	}
	if result.Documents[0].DocID() != "sem" || result.Documents[1].DocID() != "ft" {
		t.Errorf("tie-break order wrong: got [%s, %s], want [sem, ft]",
			result.Documents[0].DocID(), result.Documents[1].DocID())
	}
}

func TestSemanticPassthroughUsesCallerArguments(t *testing.T) {
	store := &fakeVectorStore{vectorDocs: []Document{scoredDoc("a", 0.8)}}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID:      "ds-1",
		Query:          "direct",
		Method:         MethodSemantic,
		TopK:           7,
		ScoreThreshold: 0.42,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(store.vectorCalls) != 1 || store.vectorCalls[0] != 7 {
		t.Errorf("semantic passthrough topK = %v, want [7]", store.vectorCalls)
	}
	if store.vectorThresh[0] != 0.42 {
		t.Errorf("semantic passthrough threshold = %v, want 0.42", store.vectorThresh[0])
	}
	if len(store.fullTextCalls) != 0 {
		t.Errorf("semantic method must not touch full-text path")
	}
	if len(result.Documents) != 1 {
		t.Errorf("expected passthrough documents, got %d", len(result.Documents))
	}
}

func TestRetrieveHidesForeignTenantDataset(t *testing.T) {
	store := &fakeVectorStore{
		vectorDocs:   []Document{scoredDoc("secret-1", 0.9)},
		fullTextDocs: []Document{scoredDoc("secret-1", 0.8)},
	}
	repo := &fakeDatasetRepo{datasets: map[string]*Dataset{
		"ds-b": {ID: "ds-b", TenantID: "tenant-b", Name: "ds-b"},
	}}
	r := NewRetriever(store, repo, &fakeQueryEmbedder{}, DefaultConfig())

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-b",
		Query:     "secret",
		Method:    MethodHybrid,
		TenantID:  "tenant-a",
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Documents) != 0 {
		t.Fatalf("tenant-a must not read tenant-b's documents, got %d", len(result.Documents))
	}
	if result.Degraded {
		t.Error("foreign dataset is not a degradation")
	}
	if len(store.vectorCalls) != 0 || len(store.fullTextCalls) != 0 {
		t.Error("foreign dataset must not hit the store")
	}
}

func TestRetrieveAllowsOwningTenant(t *testing.T) {
	store := &fakeVectorStore{vectorDocs: []Document{scoredDoc("a", 0.9)}}
	repo := &fakeDatasetRepo{datasets: map[string]*Dataset{
		"ds-a": {ID: "ds-a", TenantID: "tenant-a", Name: "ds-a"},
	}}
	r := NewRetriever(store, repo, &fakeQueryEmbedder{}, DefaultConfig())

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-a",
		Query:     "mine",
		Method:    MethodSemantic,
		TenantID:  "tenant-a",
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Documents) != 1 {
		t.Fatalf("owning tenant must see its documents, got %d", len(result.Documents))
	}
}

func TestUnknownDatasetReturnsEmpty(t *testing.T) {
	r := newTestRetriever(&fakeVectorStore{})

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "nonexistent",
		Query:     "anything",
		Method:    MethodHybrid,
	})
	if err != nil {
		t.Fatalf("unknown dataset must not raise: %v", err)
	}
	if len(result.Documents) != 0 {
		t.Errorf("expected empty result, got %d documents", len(result.Documents))
	}
	if result.Degraded {
		t.Error("unknown dataset is not a degradation")
	}
}

func TestEmptyQueryReturnsEmpty(t *testing.T) {
	store := &fakeVectorStore{vectorDocs: []Document{scoredDoc("a", 0.9)}}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "   ",
		Method:    MethodSemantic,
	})
	if err != nil {
		t.Fatalf("empty query must not raise: %v", err)
	}
	if len(result.Documents) != 0 {
		t.Errorf("expected empty result, got %d documents", len(result.Documents))
	}
	if len(store.vectorCalls) != 0 {
		t.Error("empty query must not hit the store")
	}
}

func TestUnsupportedMethodIsAnError(t *testing.T) {
	r := newTestRetriever(&fakeVectorStore{})

	_, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "q",
		Method:    RetrievalMethod("fuzzy"),
	})
	if err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestHybridBothLegsFailingReturnsDegradedEmpty(t *testing.T) {
	store := &fakeVectorStore{
		vectorErr:   errors.New("vector store down"),
		fullTextErr: errors.New("text index down"),
	}
	r := newTestRetriever(store)

	result, err := r.Retrieve(context.Background(), &RetrievalRequest{
		DatasetID: "ds-1",
		Query:     "q",
		Method:    MethodHybrid,
	})
	if err != nil {
		t.Fatalf("total degradation must still not raise: %v", err)
	}
	if !result.Degraded {
		t.Error("expected Degraded=true")
	}
	if len(result.Failures) != 2 {
		t.Errorf("expected both failures recorded, got %v", result.Failures)
	}
	if len(result.Documents) != 0 {
		t.Errorf("expected no documents, got %d", len(result.Documents))
	}
}
