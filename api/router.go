package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/malwarebo/portrait/middleware"
	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/utils"
)

type RouterConfig struct {
	Portrait  *PortraitHandler
	Admin     *AdminHandler
	Health    *HealthHandler
	Debug     *DebugHandler
	AdminAuth *middleware.AdminAuth
	Metrics   *monitoring.Metrics
	// IPResolver decides which forwarded headers to believe; nil trusts none.
	IPResolver *utils.IPResolver
	// MetricsHandler is nil when metrics are disabled.
	MetricsHandler http.Handler
}

func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.RequestContextMiddleware(cfg.IPResolver))
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.MetricsMiddleware(cfg.Metrics))
	r.Use(middleware.HeadersMiddleware)
	r.Use(middleware.CORSMiddleware)

	r.HandleFunc("/health", cfg.Health.HandleHealth).Methods(http.MethodGet)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler).Methods(http.MethodGet)
	}
	if cfg.Debug != nil {
		r.HandleFunc("/debug/network", cfg.Debug.HandleNetwork).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/verify", cfg.Portrait.HandleVerify).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/upload", cfg.Portrait.HandleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/status/{code}", cfg.Portrait.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/result/{name}", cfg.Portrait.HandleResult).Methods(http.MethodGet)

	if cfg.Admin != nil {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.Use(middleware.RequestSizeLimitMiddleware(1 << 20))
		admin.Use(cfg.AdminAuth.RequireAdmin)

		admin.HandleFunc("/codes", cfg.Admin.HandleGenerate).Methods(http.MethodPost)
		admin.HandleFunc("/codes", cfg.Admin.HandleList).Methods(http.MethodGet)
		admin.HandleFunc("/codes/export", cfg.Admin.HandleExportCodes).Methods(http.MethodGet)
		admin.HandleFunc("/codes/delete", cfg.Admin.HandleDelete).Methods(http.MethodPost)
		admin.HandleFunc("/codes/status", cfg.Admin.HandleSetStatus).Methods(http.MethodPost)
		admin.HandleFunc("/codes/reset", cfg.Admin.HandleReset).Methods(http.MethodPost)
		admin.HandleFunc("/attempts/export", cfg.Admin.HandleExportAttempts).Methods(http.MethodGet)
		admin.HandleFunc("/reports/usage", cfg.Admin.HandleUsageReport).Methods(http.MethodGet)
	}

	return r
}
