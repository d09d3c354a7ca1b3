package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"

	"ragbase/internal/domain/rag"
	applog "ragbase/internal/platform/log"
)

// 集合名由 GenCollectionName 生成，这里再校验一次防注入
var reCollectionName = regexp.MustCompile(`^collection_[a-z0-9_]+$`)

// VectorStore pgvector 向量存储。每个 dataset 一张
// embedding_<collection> 表，语义检索走 <=> 余弦距离，
// 全文检索走 ts_rank。
type VectorStore struct {
	db   *sql.DB
	dims int

	mu sync.Mutex // 建表和批量写入串行化
}

// NewVectorStore 创建 pgvector 存储
func NewVectorStore(db *sql.DB, dims int) *VectorStore {
	return &VectorStore{db: db, dims: dims}
}

// EnsureExtension 确保 pgvector 扩展已安装
func (s *VectorStore) EnsureExtension(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	if err != nil {
		return fmt.Errorf("create pgvector extension: %w", err)
	}
	return nil
}

func (s *VectorStore) tableName(collection string) (string, error) {
	if !reCollectionName.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name: %q", collection)
	}
	return "embedding_" + collection, nil
}

func (s *VectorStore) ensureTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		text       TEXT NOT NULL,
		meta       JSONB NOT NULL DEFAULT '{}',
		embedding  vector(%d) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_%s_doc_id ON %s ((meta->>'doc_id'));
	CREATE INDEX IF NOT EXISTS idx_%s_fts ON %s USING GIN (to_tsvector('english', text));
	`, table, s.dims, table, table, table, table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Create 批量写入文档和向量，集合表不存在时自动建表。
func (s *VectorStore) Create(ctx context.Context, collection string, docs []rag.Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("document/vector count mismatch: %d vs %d", len(docs), len(vectors))
	}
	table, err := s.tableName(collection)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTable(ctx, table); err != nil {
		return &rag.StoreUnavailableError{Op: "create collection " + collection, Err: err}
	}

	// 批量 INSERT
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (text, meta, embedding) VALUES `, table)
	args := make([]interface{}, 0, len(docs)*3)
	for i, doc := range docs {
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %d: %w", i, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d::vector)", base+1, base+2, base+3)
		args = append(args, doc.Content, metaJSON, vectorLiteral(vectors[i]))
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return &rag.StoreUnavailableError{Op: "insert into " + collection, Err: err}
	}

	applog.Debug("[Storage/Vector] Documents written", "collection", collection, "count", len(docs))
	return nil
}

// SearchByVector 余弦相似度检索。score = 1 - 距离，只保留
// score > scoreThreshold 的行：默认阈值 0 也会滤掉零分和负分
// （与查询语义相反的分块）。
func (s *VectorStore) SearchByVector(ctx context.Context, collection string, queryVector []float32, topK int, scoreThreshold float64) ([]rag.Document, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT text, meta, 1 - (embedding <=> $1::vector) AS score
		 FROM %s
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`, table)

	rows, err := s.db.QueryContext(ctx, query, vectorLiteral(queryVector), topK)
	if err != nil {
		return nil, &rag.StoreUnavailableError{Op: "vector search " + collection, Err: err}
	}
	defer rows.Close()

	return s.scanScoredDocs(rows, &scoreThreshold)
}

// SearchByFullText 全文检索，按 ts_rank 排序。与向量检索不同，
// 全文路不应用 score 阈值。
func (s *VectorStore) SearchByFullText(ctx context.Context, collection string, query string, topK int) ([]rag.Document, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return nil, err
	}

	sqlQuery := fmt.Sprintf(
		`SELECT text, meta, ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) AS score
		 FROM %s
		 WHERE to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`, table)

	rows, err := s.db.QueryContext(ctx, sqlQuery, query, topK)
	if err != nil {
		return nil, &rag.StoreUnavailableError{Op: "full-text search " + collection, Err: err}
	}
	defer rows.Close()

	return s.scanScoredDocs(rows, nil)
}

// TextExists 检查集合中是否存在完全相同的文本
func (s *VectorStore) TextExists(ctx context.Context, collection string, text string) (bool, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE text = $1)`, table)
	if err := s.db.QueryRowContext(ctx, query, text).Scan(&exists); err != nil {
		return false, &rag.StoreUnavailableError{Op: "text exists " + collection, Err: err}
	}
	return exists, nil
}

// DeleteByIDs 按 doc_id 删除，缺失的 id 静默跳过。
func (s *VectorStore) DeleteByIDs(ctx context.Context, collection string, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	table, err := s.tableName(collection)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE meta->>'doc_id' = ANY($1)`, table)
	if _, err := s.db.ExecContext(ctx, query, pq.Array(docIDs)); err != nil {
		return &rag.StoreUnavailableError{Op: "delete by ids " + collection, Err: err}
	}
	return nil
}

// DeleteByMetadataField 按 metadata 字段值删除
func (s *VectorStore) DeleteByMetadataField(ctx context.Context, collection string, field, value string) error {
	table, err := s.tableName(collection)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE meta->>$1 = $2`, table)
	if _, err := s.db.ExecContext(ctx, query, field, value); err != nil {
		return &rag.StoreUnavailableError{Op: "delete by field " + collection, Err: err}
	}
	return nil
}

// Drop 删除整个集合表。表不存在时幂等成功。
func (s *VectorStore) Drop(ctx context.Context, collection string) error {
	table, err := s.tableName(collection)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return &rag.StoreUnavailableError{Op: "drop " + collection, Err: err}
	}
	applog.Debug("[Storage/Vector] Collection dropped", "collection", collection)
	return nil
}

// scanScoredDocs 读取 (text, meta, score) 行。scoreThreshold 非 nil 时
// 只保留 score 严格大于阈值的行（语义路）；nil 表示不过滤（全文路）。
func (s *VectorStore) scanScoredDocs(rows *sql.Rows, scoreThreshold *float64) ([]rag.Document, error) {
	var docs []rag.Document
	for rows.Next() {
		var (
			text     string
			metaJSON json.RawMessage
			score    float64
		)
		if err := rows.Scan(&text, &metaJSON, &score); err != nil {
			return nil, err
		}
		if scoreThreshold != nil && score <= *scoreThreshold {
			continue
		}
		meta := make(map[string]any)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &meta); err != nil {
				applog.Warn("[Storage/Vector] Bad metadata JSON, skipping row", "error", err)
				continue
			}
		}
		meta[rag.MetaScore] = score
		docs = append(docs, rag.Document{Content: text, Metadata: meta})
	}
	return docs, rows.Err()
}

// vectorLiteral 把向量编码为 pgvector 文本格式 "[1,2,3]"
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

var _ rag.VectorStore = (*VectorStore)(nil)
