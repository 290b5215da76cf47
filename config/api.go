package config

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/hivecoord/api"
)

// =============================================================================
// 🌐 配置管理 API
// =============================================================================

// ConfigAPIHandler 暴露当前配置、变更记录、重载与回滚
type ConfigAPIHandler struct {
	manager *HotReloadManager
}

type configData struct {
	Version  int            `json:"version"`
	Checksum string         `json:"checksum"`
	Config   map[string]any `json:"config"`
}

type reloadData struct {
	Version int            `json:"version"`
	Changes []ConfigChange `json:"changes"`
}

// NewConfigAPIHandler 创建配置 API 处理器
func NewConfigAPIHandler(manager *HotReloadManager) *ConfigAPIHandler {
	return &ConfigAPIHandler{manager: manager}
}

// RegisterRoutes 注册配置 API 路由
func (h *ConfigAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/config", h.HandleConfig)
	mux.HandleFunc("GET /api/v1/config/fields", h.HandleFields)
	mux.HandleFunc("GET /api/v1/config/changes", h.HandleChanges)
	mux.HandleFunc("POST /api/v1/config/reload", h.HandleReload)
	mux.HandleFunc("POST /api/v1/config/rollback", h.HandleRollback)
}

// HandleConfig 返回脱敏后的当前配置
func (h *ConfigAPIHandler) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	history := h.manager.GetConfigHistory()
	latest := history[len(history)-1]
	writeAPIJSON(w, http.StatusOK, api.Response{
		Success: true,
		Data: configData{
			Version:  latest.Version,
			Checksum: latest.Checksum,
			Config:   h.manager.SanitizedConfig(),
		},
		Timestamp: time.Now(),
	})
}

// HandleFields 返回可热更新字段
func (h *ConfigAPIHandler) HandleFields(w http.ResponseWriter, _ *http.Request) {
	writeAPIJSON(w, http.StatusOK, api.Response{
		Success:   true,
		Data:      GetHotReloadableFields(),
		Timestamp: time.Now(),
	})
}

// HandleChanges 返回最近的变更，?limit=N
func (h *ConfigAPIHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeAPIJSON(w, http.StatusOK, api.Response{
		Success:   true,
		Data:      h.manager.GetChangeLog(limit),
		Timestamp: time.Now(),
	})
}

// HandleReload 从文件重新加载配置
func (h *ConfigAPIHandler) HandleReload(w http.ResponseWriter, _ *http.Request) {
	before := h.manager.GetCurrentVersion()
	if err := h.manager.ReloadFromFile(); err != nil {
		writeAPIError(w, http.StatusUnprocessableEntity, "VALIDATION", err.Error())
		return
	}
	h.writeVersion(w, before)
}

// HandleRollback 回滚到上一版本或 ?version=N
func (h *ConfigAPIHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	before := h.manager.GetCurrentVersion()
	var err error
	if s := r.URL.Query().Get("version"); s != "" {
		v, convErr := strconv.Atoi(s)
		if convErr != nil {
			writeAPIError(w, http.StatusBadRequest, "VALIDATION", "version must be an integer")
			return
		}
		err = h.manager.RollbackToVersion(v)
	} else {
		err = h.manager.Rollback()
	}
	if err != nil {
		writeAPIError(w, http.StatusConflict, "VALIDATION", err.Error())
		return
	}
	h.writeVersion(w, before)
}

// writeVersion 返回当前版本与 before 之后新增的变更
func (h *ConfigAPIHandler) writeVersion(w http.ResponseWriter, before int) {
	var since []ConfigChange
	for _, c := range h.manager.GetChangeLog(0) {
		if c.Version > before {
			since = append(since, c)
		}
	}
	writeAPIJSON(w, http.StatusOK, api.Response{
		Success:   true,
		Data:      reloadData{Version: h.manager.GetCurrentVersion(), Changes: since},
		Timestamp: time.Now(),
	})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeAPIJSON(w, status, api.Response{
		Success:   false,
		Error:     &api.ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

func writeAPIJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
