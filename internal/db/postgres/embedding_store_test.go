package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"ragbase/internal/domain/rag"
)

func TestEmbeddingStoreGetReturnsHits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT hash, vector FROM embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"hash", "vector"}).
			AddRow("h1", []byte(`[0.1,0.2]`)))

	store := NewEmbeddingStore(db)
	hits, err := store.Get(context.Background(), []string{"h1", "h2"}, "text-embedding-3-small")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	vec, ok := hits["h1"]
	if !ok || len(vec) != 2 || vec[0] != 0.1 {
		t.Errorf("hit vector wrong: %v", hits)
	}
}

func TestEmbeddingStoreGetEmptyInput(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewEmbeddingStore(db)
	hits, err := store.Get(context.Background(), nil, "m")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %v", hits)
	}
}

func TestEmbeddingStorePutUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO embeddings .+ ON CONFLICT \(hash, model_name\) DO UPDATE`).
		WithArgs("h1", "m1", []byte(`[1,2]`), "h2", "m1", []byte(`[3,4]`)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	store := NewEmbeddingStore(db)
	err = store.Put(context.Background(), []rag.CacheEntry{
		{Hash: "h1", ModelName: "m1", Vector: []float32{1, 2}},
		{Hash: "h2", ModelName: "m1", Vector: []float32{3, 4}},
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
