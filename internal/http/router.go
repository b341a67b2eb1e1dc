package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径参数模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterSiteRoutes 项目级导入、覆盖与状态路由
func (r *Router) RegisterSiteRoutes(h *SiteHandler) {
	r.Handle("GET /api/v1/import-template", h.instrument("import_template", h.ImportTemplate))

	r.Handle("POST /api/v1/projects/{project}/import", h.instrument("import", h.Import))
	r.Handle("GET /api/v1/projects/{project}/sites", h.instrument("sites", h.ListSites))
	r.Handle("GET /api/v1/projects/{project}/sites/{ref}", h.instrument("site", h.GetSite))
	r.Handle("POST /api/v1/projects/{project}/sites/{ref}/status", h.instrument("toggle", h.Toggle))
	r.Handle("GET /api/v1/projects/{project}/sites/{ref}/history", h.instrument("history", h.History))
	r.Handle("GET /api/v1/projects/{project}/coverage", h.instrument("coverage", h.Coverage))
	r.Handle("GET /api/v1/projects/{project}/coverage.xlsx", h.instrument("coverage_xlsx", h.CoverageWorkbook))
	r.Handle("GET /api/v1/projects/{project}/cra", h.instrument("cra", h.ListCRA))
}

// RegisterMetrics prometheus 指标
func (r *Router) RegisterMetrics(g prometheus.Gatherer) {
	r.HandleHandler("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// RegisterHealth 存活探针
func (r *Router) RegisterHealth() {
	r.Handle("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
}
