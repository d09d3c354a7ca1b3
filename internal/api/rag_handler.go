package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"ragbase/internal/domain/rag"
	applog "ragbase/internal/platform/log"
)

// RAGHandler 知识库管理与检索 API
type RAGHandler struct {
	retriever *rag.Retriever
	ingestor  *rag.Ingestor
	datasets  rag.DatasetRepository
	blobs     rag.BlobStore
	maxFileMB int
}

// NewRAGHandler 创建 RAG 处理器
func NewRAGHandler(retriever *rag.Retriever, ingestor *rag.Ingestor, datasets rag.DatasetRepository, blobs rag.BlobStore, maxFileMB int) *RAGHandler {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	return &RAGHandler{
		retriever: retriever,
		ingestor:  ingestor,
		datasets:  datasets,
		blobs:     blobs,
		maxFileMB: maxFileMB,
	}
}

// RegisterRoutes 注册 RAG 路由
func (h *RAGHandler) RegisterRoutes(r chi.Router) {
	r.Route("/rag", func(r chi.Router) {
		// 知识检索
		r.Post("/search", h.Search)

		// 知识库管理
		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", h.ListDatasets)
			r.Post("/upload", h.UploadDocument)
			r.Post("/preview", h.PreviewChunks)
			r.Get("/{id}", h.GetDataset)
			r.Get("/{id}/file", h.DownloadFile)
			r.Delete("/{id}", h.DeleteDataset)
		})
	})
}

// --- 知识检索 ---

func (h *RAGHandler) Search(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "retriever not configured")
		return
	}

	var req rag.RetrievalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DatasetID == "" {
		writeError(w, http.StatusBadRequest, "dataset_id is required")
		return
	}

	scope := MustScopeFrom(r.Context())
	req.TenantID = scope.TenantID

	if ok := h.authorizeDataset(w, r, req.DatasetID, scope); !ok {
		return
	}

	result, err := h.retriever.Retrieve(r.Context(), &req)
	if err != nil {
		var cfgErr *rag.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		applog.Error("[RAG] Search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- 知识库管理 ---

func (h *RAGHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	datasets, err := h.datasets.List(r.Context(), scope.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list datasets")
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (h *RAGHandler) GetDataset(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())
	id := chi.URLParam(r, "id")

	ds, err := h.datasets.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dataset")
		return
	}
	// 其他租户的 dataset 按不存在处理
	if ds == nil || ds.TenantID != scope.TenantID {
		writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *RAGHandler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestor not configured")
		return
	}
	scope := MustScopeFrom(r.Context())
	id := chi.URLParam(r, "id")

	if ok := h.authorizeDataset(w, r, id, scope); !ok {
		return
	}

	if err := h.ingestor.DeleteDataset(r.Context(), id); err != nil {
		if rag.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "dataset not found")
			return
		}
		applog.Error("[RAG] Delete dataset failed", "dataset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete dataset")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *RAGHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob store not configured")
		return
	}
	scope := MustScopeFrom(r.Context())
	id := chi.URLParam(r, "id")

	ds, err := h.datasets.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dataset")
		return
	}
	if ds == nil || ds.TenantID != scope.TenantID || ds.BlobKey == "" {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	data, err := h.blobs.Download(r.Context(), ds.BlobKey)
	if err != nil {
		if rag.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		applog.Error("[RAG] Blob download failed", "blob_key", ds.BlobKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to download file")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ds.Name))
	w.Write(data)
}

// --- 文件上传 ---

// UploadDocument 文件上传入库（multipart/form-data）
func (h *RAGHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestor not configured")
		return
	}
	scope := MustScopeFrom(r.Context())

	data, filename, ok := h.readUploadedFile(w, r)
	if !ok {
		return
	}

	datasetID, err := h.ingestor.Ingest(r.Context(), data, filename, scope.TenantID)
	if err != nil {
		applog.Error("[RAG] Ingest failed", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to ingest document")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"dataset_id": datasetID})
}

// PreviewChunks 分块预览，不持久化
func (h *RAGHandler) PreviewChunks(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestor not configured")
		return
	}

	data, filename, ok := h.readUploadedFile(w, r)
	if !ok {
		return
	}

	docs, err := h.ingestor.PreviewChunks(data, filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse %s", filepath.Base(filename)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunks": docs,
		"total":  len(docs),
	})
}

// readUploadedFile 解析 multipart 上传，带大小上限
func (h *RAGHandler) readUploadedFile(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	limitBytes := int64(h.maxFileMB) << 20

	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return nil, "", false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return nil, "", false
	}
	defer file.Close()

	if header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return nil, "", false
	}

	data, err := io.ReadAll(io.LimitReader(file, limitBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return nil, "", false
	}
	if int64(len(data)) > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return nil, "", false
	}

	return data, header.Filename, true
}

// authorizeDataset 校验 dataset 属于当前租户。失败时已写响应。
func (h *RAGHandler) authorizeDataset(w http.ResponseWriter, r *http.Request, datasetID string, scope *Scope) bool {
	ds, err := h.datasets.Get(r.Context(), datasetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dataset")
		return false
	}
	if ds == nil || ds.TenantID != scope.TenantID {
		writeError(w, http.StatusNotFound, "dataset not found")
		return false
	}
	return true
}
