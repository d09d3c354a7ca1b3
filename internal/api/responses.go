package api

import (
	"encoding/json"
	"net/http"

	applog "ragbase/internal/platform/log"
)

// errorBody 统一错误响应体
type errorBody struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// writeJSON 业务负载直接编码，不做信封包装。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		applog.Error("[API] Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: status, Error: message})
}
