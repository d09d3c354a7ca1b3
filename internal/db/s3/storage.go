package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ragbase/internal/domain/rag"
	applog "ragbase/internal/platform/log"
)

// Config S3 兼容对象存储配置（MinIO、AWS S3 等）
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// BlobStore S3 兼容对象存储，保存入库文件的原始字节。
type BlobStore struct {
	client *minio.Client
	bucket string
}

// NewBlobStore 创建对象存储客户端并确保 bucket 存在
func NewBlobStore(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	store := &BlobStore{client: client, bucket: cfg.Bucket}
	if err := store.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	applog.Info("[Storage/Blob] S3 store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return store, nil
}

func (s *BlobStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	applog.Info("[Storage/Blob] Bucket created", "bucket", s.bucket)
	return nil
}

// Save 上传对象
func (s *BlobStore) Save(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	applog.Debug("[Storage/Blob] Object saved", "key", key, "bytes", len(data))
	return nil
}

// Download 读取整个对象
func (s *BlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, &rag.NotFoundError{Resource: "blob", ID: key}
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Delete 删除对象，对象不存在时幂等成功
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

var _ rag.BlobStore = (*BlobStore)(nil)
