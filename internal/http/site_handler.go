package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/history"
	"orbit-sitecov/internal/metrics"
	"orbit-sitecov/internal/report"
	"orbit-sitecov/internal/service"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderSessionID = "X-Session-ID"

	defaultHistoryLimit = 50
	maxJSONBody         = 1 << 20
)

var errActorRequired = errors.New("X-Actor-ID header is required")

// SiteHandler 站点覆盖 API
type SiteHandler struct {
	svc       *service.SiteService
	maxUpload int64
	validate  *validator.Validate
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewSiteHandler(svc *service.SiteService, maxUpload int64, m *metrics.Metrics, logger *zap.Logger) *SiteHandler {
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	return &SiteHandler{
		svc:       svc,
		maxUpload: maxUpload,
		validate:  validator.New(),
		metrics:   m,
		logger:    logger,
	}
}

type toggleRequest struct {
	Field string `json:"field" validate:"required,oneof=starter_pack registered_in_srp supplies_applied"`
	Value *bool  `json:"value" validate:"required"`
}

type pendingResponse struct {
	ReferenceNumber string             `json:"reference_number"`
	SiteID          string             `json:"site_id"`
	Field           domain.StatusField `json:"field"`
	Value           bool               `json:"value"`
	Pending         bool               `json:"pending"`
}

// instrument 记录耗时与结果；handler 返回的错误统一映射为 Fail
func (h *SiteHandler) instrument(endpoint string, fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		result := "ok"
		if err := fn(w, r); err != nil {
			result = "error"
			h.writeError(w, r, endpoint, err)
		}
		h.metrics.APIRequest(endpoint, result, time.Since(start).Seconds())
	}
}

func (h *SiteHandler) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var (
		pe *domain.ParseError
		ve *domain.ValidationError
		ee *domain.EligibilityError
		se *domain.PersistenceError
		fe validator.ValidationErrors
		me *http.MaxBytesError
	)
	switch {
	case errors.Is(err, errActorRequired):
		writeJSON(w, http.StatusUnauthorized, Fail(err.Error()))
	case errors.As(err, &me):
		writeJSON(w, http.StatusRequestEntityTooLarge, Fail(fmt.Sprintf("upload exceeds %d bytes", me.Limit)))
	case errors.As(err, &pe):
		writeJSON(w, http.StatusOK, FailWith(err.Error(), map[string]any{"error": "parse", "line": pe.Line, "column": pe.Column}))
	case errors.As(err, &ve):
		writeJSON(w, http.StatusOK, FailWith(err.Error(), map[string]any{"error": "validation", "kind": ve.Kind, "invalid_rows": ve.InvalidRows}))
	case errors.As(err, &ee):
		writeJSON(w, http.StatusOK, FailWith(err.Error(), map[string]any{"error": "eligibility", "reference_number": ee.ReferenceNumber}))
	case errors.As(err, &se):
		writeJSON(w, http.StatusOK, FailWith(err.Error(), map[string]any{"error": "persistence", "retryable": se.Retryable()}))
	case errors.As(err, &fe), errors.Is(err, domain.ErrUnknownField):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	default:
		h.logger.Error("Request failed",
			zap.String("endpoint", endpoint),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail(err.Error()))
	}
}

// identity 会话默认与操作者一致；读请求允许匿名
func identity(r *http.Request, requireActor bool) (sessionID, actorID string, err error) {
	actorID = strings.TrimSpace(r.Header.Get(HeaderActorID))
	if actorID == "" {
		if requireActor {
			return "", "", errActorRequired
		}
		actorID = "anonymous"
	}
	sessionID = strings.TrimSpace(r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		sessionID = actorID
	}
	return sessionID, actorID, nil
}

// ImportTemplate GET /api/v1/import-template?kind=
func (h *SiteHandler) ImportTemplate(w http.ResponseWriter, r *http.Request) error {
	kind, err := domain.ParseImportKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return nil
	}
	data, err := report.ImportTemplate(kind)
	if err != nil {
		return err
	}
	writeXLSX(w, fmt.Sprintf("%s-template.xlsx", kind), data)
	return nil
}

// Import POST /api/v1/projects/{project}/import?kind=
// 请求体为 CSV，或 multipart 表单的 file 字段（csv / xlsx）
func (h *SiteHandler) Import(w http.ResponseWriter, r *http.Request) error {
	_, actorID, err := identity(r, true)
	if err != nil {
		return err
	}
	kindParam := r.URL.Query().Get("kind")
	if kindParam == "" {
		kindParam = string(domain.KindSiteData)
	}
	kind, err := domain.ParseImportKind(kindParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	var (
		body     io.Reader = r.Body
		filename           = r.URL.Query().Get("filename")
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			return err
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("multipart field \"file\" is required"))
			return nil
		}
		defer file.Close()
		body = file
		filename = header.Filename
	}
	if filename == "" {
		filename = "upload.csv"
	}

	res, err := h.svc.Import(r.Context(), r.PathValue("project"), actorID, kind, filename, body)
	if err != nil {
		return err
	}
	if res.ErrorCount > 0 {
		writeJSON(w, http.StatusOK, Warn(res, fmt.Sprintf("%d record(s) imported, %d failed", res.SuccessCount, res.ErrorCount)))
		return nil
	}
	writeJSON(w, http.StatusOK, Ok(res))
	return nil
}

// ListSites GET /api/v1/projects/{project}/sites
func (h *SiteHandler) ListSites(w http.ResponseWriter, r *http.Request) error {
	sessionID, actorID, _ := identity(r, false)
	refs, err := h.svc.Sites(r.Context(), sessionID, r.PathValue("project"), actorID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Ok(refs))
	return nil
}

// GetSite GET /api/v1/projects/{project}/sites/{ref}
func (h *SiteHandler) GetSite(w http.ResponseWriter, r *http.Request) error {
	sessionID, actorID, _ := identity(r, false)
	ref, err := h.svc.Reference(r.Context(), sessionID, r.PathValue("project"), actorID, r.PathValue("ref"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Ok(ref))
	return nil
}

// Toggle POST /api/v1/projects/{project}/sites/{ref}/status?async=true
func (h *SiteHandler) Toggle(w http.ResponseWriter, r *http.Request) error {
	sessionID, actorID, err := identity(r, true)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := readBodyJSON(r, maxJSONBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return nil
	}
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	field, err := domain.ParseStatusField(req.Field)
	if err != nil {
		return err
	}
	projectID, refNum := r.PathValue("project"), r.PathValue("ref")

	if parseBool(r.URL.Query().Get("async")) {
		p, err := h.svc.ToggleAsync(r.Context(), sessionID, projectID, actorID, refNum, field, *req.Value)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusAccepted, Ok(pendingResponse{
			ReferenceNumber: p.ReferenceNumber,
			SiteID:          p.SiteID,
			Field:           p.Field,
			Value:           p.Value,
			Pending:         true,
		}))
		return nil
	}

	res, err := h.svc.Toggle(r.Context(), sessionID, projectID, actorID, refNum, field, *req.Value)
	if err != nil {
		return err
	}
	if res.Warning != nil {
		h.logger.Warn("Toggle confirmed without history",
			zap.String("project_id", projectID),
			zap.String("reference_number", refNum),
			zap.Error(res.Warning),
		)
		writeJSON(w, http.StatusOK, Warn(res, res.Warning.Error()))
		return nil
	}
	writeJSON(w, http.StatusOK, Ok(res))
	return nil
}

// History GET /api/v1/projects/{project}/sites/{ref}/history?limit=
func (h *SiteHandler) History(w http.ResponseWriter, r *http.Request) error {
	entries, err := h.svc.History(r.Context(), history.Query{
		ProjectID:       r.PathValue("project"),
		ReferenceNumber: r.PathValue("ref"),
		Limit:           parseInt(r.URL.Query().Get("limit"), defaultHistoryLimit),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Ok(entries))
	return nil
}

// Coverage GET /api/v1/projects/{project}/coverage
func (h *SiteHandler) Coverage(w http.ResponseWriter, r *http.Request) error {
	summary, err := h.svc.Coverage(r.Context(), r.PathValue("project"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Ok(summary))
	return nil
}

// CoverageWorkbook GET /api/v1/projects/{project}/coverage.xlsx
func (h *SiteHandler) CoverageWorkbook(w http.ResponseWriter, r *http.Request) error {
	projectID := r.PathValue("project")
	data, err := h.svc.CoverageWorkbook(r.Context(), projectID)
	if err != nil {
		return err
	}
	writeXLSX(w, fmt.Sprintf("coverage-%s.xlsx", projectID), data)
	return nil
}

// ListCRA GET /api/v1/projects/{project}/cra
func (h *SiteHandler) ListCRA(w http.ResponseWriter, r *http.Request) error {
	list, err := h.svc.CRA(r.Context(), r.PathValue("project"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Ok(list))
	return nil
}
