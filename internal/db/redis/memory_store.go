package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	applog "ragbase/internal/platform/log"
	"ragbase/internal/provider"
)

// MemoryStore Redis List 实现的会话历史。每条消息一个 JSON 元素，
// 列表长度由 maxMessages 截断，整个会话带 TTL。
type MemoryStore struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	maxMessages int64
}

// MemoryStoreConfig 会话历史配置
type MemoryStoreConfig struct {
	Client      *redis.Client
	KeyPrefix   string        // 默认 "chat:history:"
	TTL         time.Duration // 默认 24h
	MaxMessages int64         // 默认 200
}

// NewMemoryStore 创建会话历史存储
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat:history:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = 200
	}
	return &MemoryStore{
		client:      cfg.Client,
		keyPrefix:   cfg.KeyPrefix,
		ttl:         cfg.TTL,
		maxMessages: cfg.MaxMessages,
	}
}

func (s *MemoryStore) key(conversationID string) string {
	return s.keyPrefix + conversationID
}

// Load 加载最近 windowSize 轮对话（每轮 user + assistant 两条）。
// windowSize <= 0 时加载全部。
func (s *MemoryStore) Load(ctx context.Context, conversationID string, windowSize int) ([]provider.Message, error) {
	key := s.key(conversationID)

	start := int64(0)
	if windowSize > 0 {
		start = -int64(windowSize * 2)
	}
	raw, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE: %w", err)
	}

	messages := make([]provider.Message, 0, len(raw))
	for _, item := range raw {
		var msg provider.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			applog.Warn("[Chat/Memory] Skipping malformed message", "conversation_id", conversationID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	applog.Debug("[Chat/Memory] History loaded",
		"conversation_id", conversationID,
		"messages", len(messages),
		"window_size", windowSize,
	)
	return messages, nil
}

// Append 追加消息到会话尾部并续期
func (s *MemoryStore) Append(ctx context.Context, conversationID string, msgs ...provider.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	key := s.key(conversationID)

	items := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		items = append(items, data)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, items...)
	pipe.LTrim(ctx, key, -s.maxMessages, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	applog.Debug("[Chat/Memory] Messages appended",
		"conversation_id", conversationID,
		"count", len(msgs),
	)
	return nil
}

// Clear 删除整个会话历史
func (s *MemoryStore) Clear(ctx context.Context, conversationID string) error {
	return s.client.Del(ctx, s.key(conversationID)).Err()
}
