package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filterproxy/internal/usecase"
)

// DashboardHandler はログ閲覧とメトリクス配信の HTTP ハンドラ.
// プロキシ本体とはログファイル越しにのみつながる独立したサービス.
type DashboardHandler struct {
	dashboardUseCase *usecase.DashboardUseCase
	registry         *prometheus.Registry
	logger           slog.Logger
}

// NewDashboardHandler は新しい DashboardHandler インスタンスを作成する.
func NewDashboardHandler(
	dashboardUseCase *usecase.DashboardUseCase,
	registry *prometheus.Registry,
	logger slog.Logger,
) *DashboardHandler {
	return &DashboardHandler{
		dashboardUseCase: dashboardUseCase,
		registry:         registry,
		logger:           logger,
	}
}

// Router はダッシュボードのルータを組み立てる.
func (h *DashboardHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.handleIndex)
	r.Get("/api/logs", h.handleLogs)
	r.Get("/api/stats", h.handleStats)
	r.Get("/api/status", h.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return r
}

func (h *DashboardHandler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

func (h *DashboardHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	logs, err := h.dashboardUseCase.TailLogs(limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"logs": logs, "count": len(logs)})
}

func (h *DashboardHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dashboardUseCase.Stats()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, stats)
}

func (h *DashboardHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.dashboardUseCase.Status())
}

func (h *DashboardHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *DashboardHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error(r.Context(), "dashboard request failed", slog.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
}
