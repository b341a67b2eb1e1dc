// Package history 状态标志变更审计记录：只追加，倒序查询。
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 历史记录存储
type Store interface {
	Append(ctx context.Context, rec domain.StatusHistoryRecord) (domain.StatusHistoryRecord, error)
	ListBySite(ctx context.Context, projectID, siteID string, limit int) ([]domain.StatusHistoryRecord, error)
}

// SiteFinder 按引用号解析 LABP 记录
type SiteFinder interface {
	ListByReference(ctx context.Context, projectID, referenceNumber string) ([]domain.SitePersonnelRecord, error)
}

// Entry 一次已确认的标志变更
type Entry struct {
	ProjectID string
	SiteID    string
	Field     domain.StatusField
	OldValue  *bool
	NewValue  *bool
	ActorID   string
	At        time.Time
}

// Query 查询条件：SiteID 与 ReferenceNumber 二选一；Limit<=0 表示全部
type Query struct {
	ProjectID       string
	SiteID          string
	ReferenceNumber string
	Limit           int
}

// Recorder 状态历史记录器
type Recorder struct {
	store   Store
	sites   SiteFinder
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRecorder 创建历史记录器
func NewRecorder(store Store, sites SiteFinder, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, sites: sites, metrics: m, logger: logger}
}

// Record 追加一条历史。失败时直接返回错误，由调用方作为非致命警告上报。
func (r *Recorder) Record(ctx context.Context, e Entry) (domain.StatusHistoryRecord, error) {
	if e.SiteID == "" || e.ProjectID == "" {
		return domain.StatusHistoryRecord{}, errors.New("history entry requires project and site")
	}
	if _, err := domain.ParseStatusField(string(e.Field)); err != nil {
		return domain.StatusHistoryRecord{}, err
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	rec := domain.StatusHistoryRecord{
		ID:           uuid.New().String(),
		ProjectID:    e.ProjectID,
		SiteID:       e.SiteID,
		FieldChanged: e.Field,
		OldValue:     e.OldValue,
		NewValue:     e.NewValue,
		ActorID:      e.ActorID,
		CreatedAt:    at.UTC(),
	}
	saved, err := r.store.Append(ctx, rec)
	if err != nil {
		r.metrics.HistoryFailure()
		r.logger.Warn("Failed to append status history",
			zap.String("site_id", e.SiteID),
			zap.String("field", string(e.Field)),
			zap.Error(err),
		)
		return domain.StatusHistoryRecord{}, err
	}
	return saved, nil
}

// Query 最新在前
func (r *Recorder) Query(ctx context.Context, q Query) ([]domain.StatusHistoryRecord, error) {
	if q.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	switch {
	case q.SiteID != "":
		return r.store.ListBySite(ctx, q.ProjectID, q.SiteID, q.Limit)
	case q.ReferenceNumber != "":
		return r.byReference(ctx, q)
	}
	return nil, errors.New("site id or reference number is required")
}

func (r *Recorder) byReference(ctx context.Context, q Query) ([]domain.StatusHistoryRecord, error) {
	records, err := r.sites.ListByReference(ctx, q.ProjectID, q.ReferenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reference %s: %w", q.ReferenceNumber, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("site reference %s: %w", q.ReferenceNumber, domain.ErrNotFound)
	}

	var out []domain.StatusHistoryRecord
	for _, rec := range records {
		if !rec.IsLABP() {
			continue
		}
		list, err := r.store.ListBySite(ctx, q.ProjectID, rec.ID, q.Limit)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if out == nil {
		out = []domain.StatusHistoryRecord{}
	}
	return out, nil
}
