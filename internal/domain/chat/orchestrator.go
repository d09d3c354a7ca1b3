package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ragbase/internal/domain/rag"
	applog "ragbase/internal/platform/log"
	"ragbase/internal/provider"
)

// 知识库问答的检索参数。上下文召回偏向精度，所以阈值和
// 语义权重都比默认检索 API 更激进。
const (
	retrievalTopK      = 3
	retrievalThreshold = 0.5
	historyWindow      = 10
)

var retrievalWeights = rag.Weights{Semantic: 0.7, FullText: 0.3}

const systemPrompt = `You are a helpful assistant. Answer the user's question based on the provided context.
If the context does not contain the answer, say so honestly instead of making something up.`

// Memory 会话历史存储
type Memory interface {
	Load(ctx context.Context, conversationID string, windowSize int) ([]provider.Message, error)
	Append(ctx context.Context, conversationID string, msgs ...provider.Message) error
	Clear(ctx context.Context, conversationID string) error
}

// Retriever 知识库检索入口
type Retriever interface {
	Retrieve(ctx context.Context, req *rag.RetrievalRequest) (*rag.RetrievalResult, error)
}

// Request 一轮对话请求
type Request struct {
	ConversationID string `json:"conversation_id"`
	DatasetID      string `json:"dataset_id"`
	Query          string `json:"query"`
	TenantID       string `json:"-"`
}

// Response 一轮对话结果
type Response struct {
	ConversationID string         `json:"conversation_id"`
	Answer         string         `json:"answer"`
	Sources        []rag.Document `json:"sources,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	Usage          provider.Usage `json:"usage"`
	ElapsedMs      int64          `json:"elapsed_ms"`
}

// Config 对话编排配置
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Orchestrator 知识库问答编排：检索 → 组 prompt → LLM → 存历史。
// 检索降级不阻断对话，没有上下文时模型按无知识回答。
type Orchestrator struct {
	retriever Retriever
	memory    Memory
	llm       provider.LLMProvider
	config    Config
}

// NewOrchestrator 创建对话编排器
func NewOrchestrator(retriever Retriever, memory Memory, llm provider.LLMProvider, cfg Config) *Orchestrator {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &Orchestrator{
		retriever: retriever,
		memory:    memory,
		llm:       llm,
		config:    cfg,
	}
}

// HandleMessage 处理一轮对话
func (o *Orchestrator) HandleMessage(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	messages, result, err := o.buildMessages(ctx, req, conversationID, query)
	if err != nil {
		return nil, err
	}

	resp, err := o.llm.Complete(ctx, &provider.CompletionRequest{
		Model:       o.config.Model,
		Messages:    messages,
		Temperature: o.config.Temperature,
		MaxTokens:   o.config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}

	o.saveTurn(ctx, conversationID, query, resp.Content)

	applog.Info("[Chat] Turn completed",
		"conversation_id", conversationID,
		"dataset_id", req.DatasetID,
		"context_docs", len(result.Documents),
		"degraded", result.Degraded,
		"total_tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &Response{
		ConversationID: conversationID,
		Answer:         resp.Content,
		Sources:        result.Documents,
		Degraded:       result.Degraded,
		Usage:          resp.Usage,
		ElapsedMs:      time.Since(start).Milliseconds(),
	}, nil
}

// HandleMessageStream 流式处理一轮对话。返回 chunk channel 和最终
// 会话 ID；完整回答在流结束后写入历史。
func (o *Orchestrator) HandleMessageStream(ctx context.Context, req *Request) (<-chan provider.CompletionChunk, string, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, "", fmt.Errorf("empty query")
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	messages, _, err := o.buildMessages(ctx, req, conversationID, query)
	if err != nil {
		return nil, "", err
	}

	chunkCh, errCh := o.llm.StreamComplete(ctx, &provider.CompletionRequest{
		Model:       o.config.Model,
		Messages:    messages,
		Temperature: o.config.Temperature,
		MaxTokens:   o.config.MaxTokens,
	})

	out := make(chan provider.CompletionChunk, 32)
	go func() {
		defer close(out)
		var answer strings.Builder
		for chunk := range chunkCh {
			answer.WriteString(chunk.Delta)
			out <- chunk
		}
		if err := <-errCh; err != nil {
			applog.Error("[Chat] Stream failed", "conversation_id", conversationID, "error", err)
			return
		}
		o.saveTurn(context.WithoutCancel(ctx), conversationID, query, answer.String())
	}()

	return out, conversationID, nil
}

// ClearConversation 清空会话历史
func (o *Orchestrator) ClearConversation(ctx context.Context, conversationID string) error {
	return o.memory.Clear(ctx, conversationID)
}

func (o *Orchestrator) buildMessages(ctx context.Context, req *Request, conversationID, query string) ([]provider.Message, *rag.RetrievalResult, error) {
	weights := retrievalWeights
	result, err := o.retriever.Retrieve(ctx, &rag.RetrievalRequest{
		DatasetID:      req.DatasetID,
		Query:          query,
		Method:         rag.MethodHybrid,
		TopK:           retrievalTopK,
		ScoreThreshold: retrievalThreshold,
		Weights:        &weights,
		TenantID:       req.TenantID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve context: %w", err)
	}
	if result.Degraded {
		applog.Warn("[Chat] Retrieval degraded, continuing with partial context",
			"conversation_id", conversationID,
			"failures", result.Failures,
		)
	}

	history, err := o.memory.Load(ctx, conversationID, historyWindow)
	if err != nil {
		// 历史读不出来就当新会话，不阻断本轮
		applog.Warn("[Chat] Failed to load history", "conversation_id", conversationID, "error", err)
		history = nil
	}

	messages := make([]provider.Message, 0, len(history)+3)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	if contextBlock := rag.FormatContext(result); contextBlock != "" {
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Context:\n" + contextBlock,
		})
	}
	messages = append(messages, history...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: query})

	return messages, result, nil
}

func (o *Orchestrator) saveTurn(ctx context.Context, conversationID, query, answer string) {
	err := o.memory.Append(ctx, conversationID,
		provider.Message{Role: provider.RoleUser, Content: query},
		provider.Message{Role: provider.RoleAssistant, Content: answer},
	)
	if err != nil {
		applog.Error("[Chat] Failed to save turn", "conversation_id", conversationID, "error", err)
	}
}
