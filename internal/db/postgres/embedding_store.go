package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"ragbase/internal/domain/rag"
)

// EmbeddingStore embedding 缓存表。主键是 (hash, model_name)，
// 同一段文本在不同模型下的向量互不干扰。
type EmbeddingStore struct {
	db *sql.DB
}

// NewEmbeddingStore 创建 embedding 缓存存储
func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// EnsureTables 确保 embeddings 表存在
func (s *EmbeddingStore) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS embeddings (
		hash       VARCHAR(64) NOT NULL,
		model_name VARCHAR(128) NOT NULL,
		vector     JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (hash, model_name)
	);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Get 批量查询缓存命中的向量，返回 hash → vector。
func (s *EmbeddingStore) Get(ctx context.Context, hashes []string, modelName string) (map[string][]float32, error) {
	if len(hashes) == 0 {
		return map[string][]float32{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, vector FROM embeddings WHERE hash = ANY($1) AND model_name = $2`,
		pq.Array(hashes), modelName,
	)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	hits := make(map[string][]float32)
	for rows.Next() {
		var (
			hash    string
			vecJSON []byte
		)
		if err := rows.Scan(&hash, &vecJSON); err != nil {
			return nil, err
		}
		vec, err := decodeVector(vecJSON)
		if err != nil {
			return nil, fmt.Errorf("decode cached vector %s: %w", hash, err)
		}
		hits[hash] = vec
	}
	return hits, rows.Err()
}

// Put 批量写入缓存，冲突时覆盖。
func (s *EmbeddingStore) Put(ctx context.Context, entries []rag.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO embeddings (hash, model_name, vector) VALUES `)
	args := make([]interface{}, 0, len(entries)*3)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", base+1, base+2, base+3)
		args = append(args, e.Hash, e.ModelName, encodeVector(e.Vector))
	}
	sb.WriteString(` ON CONFLICT (hash, model_name) DO UPDATE SET vector = EXCLUDED.vector`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert embeddings: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	data, _ := json.Marshal(vec)
	return data
}

func decodeVector(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

var _ rag.EmbeddingCacheStore = (*EmbeddingStore)(nil)
