package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ragbase/internal/domain/rag"
)

// DatasetRepo datasets 表的 PostgreSQL 存储
type DatasetRepo struct {
	db *sql.DB
}

// NewDatasetRepo 创建 dataset 存储
func NewDatasetRepo(db *sql.DB) *DatasetRepo {
	return &DatasetRepo{db: db}
}

// EnsureTables 确保 datasets 表存在
func (r *DatasetRepo) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS datasets (
		id           UUID PRIMARY KEY,
		tenant_id    VARCHAR(64) NOT NULL,
		name         VARCHAR(255) NOT NULL,
		blob_key     VARCHAR(512) DEFAULT '',
		index_struct JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_datasets_tenant ON datasets(tenant_id);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *DatasetRepo) Create(ctx context.Context, ds *rag.Dataset) error {
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now

	var indexJSON interface{}
	if ds.IndexStruct != nil {
		data, err := json.Marshal(ds.IndexStruct)
		if err != nil {
			return fmt.Errorf("marshal index_struct: %w", err)
		}
		indexJSON = data
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO datasets (id, tenant_id, name, blob_key, index_struct, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ds.ID, ds.TenantID, ds.Name, ds.BlobKey, indexJSON, ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

// Get 按 id 查询，未找到返回 (nil, nil)。
func (r *DatasetRepo) Get(ctx context.Context, id string) (*rag.Dataset, error) {
	ds := &rag.Dataset{}
	var indexJSON []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, blob_key, index_struct, created_at, updated_at
		 FROM datasets WHERE id = $1`, id,
	).Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.BlobKey, &indexJSON, &ds.CreatedAt, &ds.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	if len(indexJSON) > 0 {
		ds.IndexStruct = &rag.IndexStruct{}
		if err := json.Unmarshal(indexJSON, ds.IndexStruct); err != nil {
			return nil, fmt.Errorf("unmarshal index_struct: %w", err)
		}
	}
	return ds, nil
}

// List 按租户列出 dataset，tenantID 为空时列出全部。
func (r *DatasetRepo) List(ctx context.Context, tenantID string) ([]rag.Dataset, error) {
	query := `SELECT id, tenant_id, name, blob_key, index_struct, created_at, updated_at FROM datasets`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []rag.Dataset
	for rows.Next() {
		var ds rag.Dataset
		var indexJSON []byte
		if err := rows.Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.BlobKey, &indexJSON, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
			return nil, err
		}
		if len(indexJSON) > 0 {
			ds.IndexStruct = &rag.IndexStruct{}
			if err := json.Unmarshal(indexJSON, ds.IndexStruct); err != nil {
				return nil, fmt.Errorf("unmarshal index_struct: %w", err)
			}
		}
		datasets = append(datasets, ds)
	}
	return datasets, rows.Err()
}

func (r *DatasetRepo) UpdateIndexStruct(ctx context.Context, id string, is *rag.IndexStruct) error {
	data, err := json.Marshal(is)
	if err != nil {
		return fmt.Errorf("marshal index_struct: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE datasets SET index_struct = $1, updated_at = NOW() WHERE id = $2`,
		data, id,
	)
	if err != nil {
		return fmt.Errorf("update index_struct: %w", err)
	}
	return nil
}

func (r *DatasetRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	return nil
}

var _ rag.DatasetRepository = (*DatasetRepo)(nil)
