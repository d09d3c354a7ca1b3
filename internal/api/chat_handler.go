package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ragbase/internal/domain/chat"
	"ragbase/internal/domain/rag"
	applog "ragbase/internal/platform/log"
)

// ChatHandler 知识库问答 API
type ChatHandler struct {
	orchestrator *chat.Orchestrator
	datasets     rag.DatasetRepository
}

// NewChatHandler 创建对话处理器
func NewChatHandler(orchestrator *chat.Orchestrator, datasets rag.DatasetRepository) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator, datasets: datasets}
}

// RegisterRoutes 注册对话路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/", h.SendMessage)
		r.Post("/stream", h.StreamMessage)
		r.Delete("/{conversationID}", h.ClearConversation)
	})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	DatasetID      string `json:"dataset_id"`
	Query          string `json:"query"`
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := h.orchestrator.HandleMessage(r.Context(), req)
	if err != nil {
		applog.Error("[Chat] Message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// StreamMessage SSE 流式问答
func (h *ChatHandler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chunks, conversationID, err := h.orchestrator.HandleMessageStream(r.Context(), req)
	if err != nil {
		applog.Error("[Chat] Stream setup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: conversation\ndata: %s\n\n", conversationID)
	flusher.Flush()

	for chunk := range chunks {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *ChatHandler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := h.orchestrator.ClearConversation(r.Context(), conversationID); err != nil {
		applog.Error("[Chat] Clear conversation failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *ChatHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*chat.Request, bool) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return nil, false
	}
	if body.DatasetID == "" {
		writeError(w, http.StatusBadRequest, "dataset_id is required")
		return nil, false
	}

	scope := MustScopeFrom(r.Context())

	// 对话引用的 dataset 必须属于当前租户，和检索 API 同一套校验
	ds, err := h.datasets.Get(r.Context(), body.DatasetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dataset")
		return nil, false
	}
	if ds == nil || ds.TenantID != scope.TenantID {
		writeError(w, http.StatusNotFound, "dataset not found")
		return nil, false
	}

	return &chat.Request{
		ConversationID: body.ConversationID,
		DatasetID:      body.DatasetID,
		Query:          body.Query,
		TenantID:       scope.TenantID,
	}, true
}
