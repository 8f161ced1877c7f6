package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/config"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/oss"
	"sensor-gateway/internal/sysinfo"
)

const (
	defaultHistoryLimit = 50
	maxConfigBodyBytes  = 64 * 1024
	archiveTimeout      = 30 * time.Second
)

// Gateway API 依赖的网关能力
type Gateway interface {
	HealthSnapshot() models.HealthSnapshot
	CurrentConfig() models.AlertConfig
	ApplyConfigPatch(ctx context.Context, patch models.AlertPatch) models.AlertConfig
	RecentHistory(limit int) ([]json.RawMessage, error)
	HistoryCapacity() int
	AlertDashboard() alert.Dashboard
	SystemSnapshot() sysinfo.SystemDashboard
	ArchiveEnabled() bool
	Archive(ctx context.Context) (oss.ArchiveResult, error)
}

// Server wraps the HTTP API server.
type Server struct {
	httpServer *http.Server
}

type handler struct {
	cfg *models.Config
	gw  Gateway
}

// NewServer builds the HTTP server for dashboard/API consumption.
// metricsHandler 与 live 可以为空，对应路由不注册
func NewServer(cfg *models.Config, gw Gateway, metricsHandler, live http.Handler) *Server {
	srv := &http.Server{
		Addr:        cfg.APIBind,
		Handler:     NewRouter(cfg, gw, metricsHandler, live),
		ReadTimeout: 5 * time.Second,
	}
	return &Server{httpServer: srv}
}

// NewRouter 构建路由，POST 接口受令牌保护
func NewRouter(cfg *models.Config, gw Gateway, metricsHandler, live http.Handler) http.Handler {
	h := &handler{cfg: cfg, gw: gw}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return withCORS(cfg, next) })

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/config", h.getConfig)
		r.Get("/history", h.history)
		r.Get("/alerts", h.alerts)
		r.Get("/system", h.system)
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return withAPIAuth(cfg, next) })
			r.Post("/config", h.updateConfig)
			r.Post("/history/archive", h.archive)
		})
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	if live != nil {
		r.Method(http.MethodGet, "/ws", live)
	}
	return r
}

// Start boots the API server asynchronously.
func (s *Server) Start() {
	go func() {
		logger.Info("API 服务监听 %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API 服务异常退出: %v", err)
		}
	}()
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.HealthSnapshot())
}

func (h *handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.CurrentConfig())
}

// updateConfig 与中间件配置主题共用同一合并路径
func (h *handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	patch, err := config.ParseAlertPatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg := h.gw.ApplyConfigPatch(r.Context(), patch)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"config": cfg,
	})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if capacity := h.gw.HistoryCapacity(); capacity > 0 && limit > capacity {
		limit = capacity
	}
	items, err := h.gw.RecentHistory(limit)
	if err != nil {
		logger.Error("读取读数历史失败: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(items),
		"readings": items,
	})
}

func (h *handler) alerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.AlertDashboard())
}

func (h *handler) system(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.SystemSnapshot())
}

func (h *handler) archive(w http.ResponseWriter, r *http.Request) {
	if !h.gw.ArchiveEnabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), archiveTimeout)
	defer cancel()
	result, err := h.gw.Archive(ctx)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		logger.Error("归档读数历史失败: %v", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"archive": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
