package rag

import (
	"errors"
	"fmt"
)

// ── 错误类型 ─────────────────────────────────────────────────
//
// 检索路径遵循「可用性优先」：单路检索失败降级为空结果并记录。
// 入库路径遵循「一致性优先」：任何失败回滚并向调用方返回原因。

// ConfigError 配置非法，构造阶段即失败。
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid config: " + e.Reason
}

// NewConfigError 创建配置错误
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// EmbeddingProviderError Embedding 模型调用失败（配额/鉴权/网络）。
type EmbeddingProviderError struct {
	StatusCode int // HTTP 状态码，0 表示传输层错误
	Message    string
	Err        error
}

func (e *EmbeddingProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding provider error (%d): %s", e.StatusCode, e.Message)
	}
	return "embedding provider error: " + e.Message
}

func (e *EmbeddingProviderError) Unwrap() error { return e.Err }

// StoreUnavailableError 向量/关系存储不可达。
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// NotFoundError 资源不存在（dataset 等）。
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsNotFound 判断是否为 NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStoreUnavailable 判断是否为存储不可达错误
func IsStoreUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}
