package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"ragbase/internal/domain/rag"
)

func TestVectorLiteralFormat(t *testing.T) {
	cases := []struct {
		vec  []float32
		want string
	}{
		{[]float32{1, 2, 3}, "[1,2,3]"},
		{[]float32{0.5}, "[0.5]"},
		{nil, "[]"},
	}
	for _, tc := range cases {
		if got := vectorLiteral(tc.vec); got != tc.want {
			t.Errorf("vectorLiteral(%v) = %s, want %s", tc.vec, got, tc.want)
		}
	}
}

func TestVectorStoreRejectsBadCollectionName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewVectorStore(db, 3)
	bad := []string{"collection_abc; DROP TABLE datasets", "embedding_x", "collection_ABC", ""}
	for _, name := range bad {
		if _, err := store.SearchByFullText(context.Background(), name, "q", 4); err == nil {
			t.Errorf("collection %q should be rejected", name)
		}
	}
}

func TestVectorSearchAppliesThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT text, meta, 1 - \(embedding <=> `).
		WillReturnRows(sqlmock.NewRows([]string{"text", "meta", "score"}).
			AddRow("strong match", []byte(`{"doc_id":"a"}`), 0.9).
			AddRow("borderline match", []byte(`{"doc_id":"b"}`), 0.5).
			AddRow("weak match", []byte(`{"doc_id":"c"}`), 0.3))

	store := NewVectorStore(db, 3)
	docs, err := store.SearchByVector(context.Background(), "collection_abc", []float32{1, 2, 3}, 4, 0.5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	// 阈值是严格大于：等于 0.5 的行也被过滤
	if len(docs) != 1 || docs[0].DocID() != "a" {
		t.Errorf("threshold not applied: %v", docs)
	}
	if docs[0].Score() != 0.9 {
		t.Errorf("score = %v, want 0.9", docs[0].Score())
	}
}

func TestVectorSearchZeroThresholdDropsNonPositiveScores(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT text, meta, 1 - \(embedding <=> `).
		WillReturnRows(sqlmock.NewRows([]string{"text", "meta", "score"}).
			AddRow("a", []byte(`{"doc_id":"a"}`), 0.9).
			AddRow("unrelated", []byte(`{"doc_id":"zero"}`), 0.0).
			AddRow("opposite meaning", []byte(`{"doc_id":"neg"}`), -0.35))

	store := NewVectorStore(db, 3)
	docs, err := store.SearchByVector(context.Background(), "collection_abc", []float32{1, 2, 3}, 4, 0)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	// 默认阈值 0 同样生效：零分和负分（语义相反）的行不返回
	if len(docs) != 1 || docs[0].DocID() != "a" {
		t.Errorf("zero threshold must drop non-positive scores, got %v", docs)
	}
}

func TestFullTextSearchRanksWithoutThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1))`)).
		WithArgs("hybrid search", 4).
		WillReturnRows(sqlmock.NewRows([]string{"text", "meta", "score"}).
			AddRow("barely relevant", []byte(`{"doc_id":"a"}`), 0.01).
			AddRow("rank rounds to zero", []byte(`{"doc_id":"b"}`), 0.0))

	store := NewVectorStore(db, 3)
	docs, err := store.SearchByFullText(context.Background(), "collection_abc", "hybrid search", 4)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	// 全文路不做任何分数过滤，零分行也照样返回
	if len(docs) != 2 {
		t.Errorf("full-text results must not be score-filtered, got %d", len(docs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestVectorSearchWrapsStoreErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT text, meta`).
		WillReturnError(errors.New("connection reset"))

	store := NewVectorStore(db, 3)
	_, err = store.SearchByVector(context.Background(), "collection_abc", []float32{1}, 4, 0)
	if !rag.IsStoreUnavailable(err) {
		t.Errorf("expected StoreUnavailableError, got %v", err)
	}
}

func TestDropIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`DROP TABLE IF EXISTS embedding_collection_abc`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewVectorStore(db, 3)
	if err := store.Drop(context.Background(), "collection_abc"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
