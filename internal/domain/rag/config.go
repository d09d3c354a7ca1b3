package rag

// Config RAG 模块配置
type Config struct {
	// Chunker
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// 检索
	DefaultMethod  RetrievalMethod `json:"default_method"`
	DefaultTopK    int             `json:"default_top_k"`
	ScoreThreshold float64         `json:"score_threshold"`
	Weights        Weights         `json:"weights"`

	// Embedding
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDims  int    `json:"embedding_dims"`

	// 缓存/上传
	CacheTTL    int `json:"cache_ttl"`     // 检索缓存 TTL（秒），0=禁用
	MaxFileSize int `json:"max_file_size"` // 最大上传文件（MB）
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:      1000,
		ChunkOverlap:   200,
		DefaultMethod:  MethodHybrid,
		DefaultTopK:    4,
		ScoreThreshold: 0.0,
		Weights:        DefaultWeights(),
		EmbeddingModel: "text-embedding-3-small",
		EmbeddingDims:  1536,
		CacheTTL:       300,
		MaxFileSize:    50,
	}
}

// Validate 校验配置，非法时返回 ConfigError。
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return NewConfigError("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return NewConfigError("chunk_overlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return NewConfigError("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.DefaultTopK <= 0 {
		return NewConfigError("default_top_k must be positive, got %d", c.DefaultTopK)
	}
	if c.EmbeddingDims <= 0 {
		return NewConfigError("embedding_dims must be positive, got %d", c.EmbeddingDims)
	}
	return nil
}

// HasCache 是否启用检索缓存
func (c *Config) HasCache() bool {
	return c.CacheTTL > 0
}
