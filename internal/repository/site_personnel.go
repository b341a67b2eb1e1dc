package repository

import (
	"context"
	"fmt"
	"time"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/store"

	"go.uber.org/zap"
)

// SiteConflictColumns 站点记录的 upsert 键
var SiteConflictColumns = []string{"project_id", "reference_number", "role"}

// SitePersonnelRepository 站点人员记录仓库
type SitePersonnelRepository struct {
	store  store.RecordStore
	logger *zap.Logger
}

// NewSitePersonnelRepository 创建站点人员记录仓库
func NewSitePersonnelRepository(s store.RecordStore, logger *zap.Logger) *SitePersonnelRepository {
	return &SitePersonnelRepository{store: s, logger: logger}
}

// ListByProject 按 reference_number, id 排序返回项目全部记录
func (r *SitePersonnelRepository) ListByProject(ctx context.Context, projectID string) ([]domain.SitePersonnelRecord, error) {
	rows, err := r.store.Select(ctx, domain.TableSitePersonnel,
		store.Where("project_id", projectID).
			Ordered(store.Order{Column: "reference_number"}, store.Order{Column: "id"}))
	if err != nil {
		return nil, fmt.Errorf("failed to list site personnel for project %s: %w", projectID, err)
	}
	return toSites(rows), nil
}

// ListByReference 单个站点引用的全部记录
func (r *SitePersonnelRepository) ListByReference(ctx context.Context, projectID, referenceNumber string) ([]domain.SitePersonnelRecord, error) {
	rows, err := r.store.Select(ctx, domain.TableSitePersonnel,
		store.Where("project_id", projectID, "reference_number", referenceNumber).
			Ordered(store.Order{Column: "id"}))
	if err != nil {
		return nil, fmt.Errorf("failed to list site personnel for %s/%s: %w", projectID, referenceNumber, err)
	}
	return toSites(rows), nil
}

// UpsertBatch 一个批次一次存储调用
func (r *SitePersonnelRepository) UpsertBatch(ctx context.Context, records []domain.SitePersonnelRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]store.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, siteImportRow(rec))
	}
	if _, err := r.store.Upsert(ctx, domain.TableSitePersonnel, SiteConflictColumns, rows); err != nil {
		return fmt.Errorf("failed to upsert %d site personnel records: %w", len(records), err)
	}
	return nil
}

// UpdateFlag 单字段更新（同时写 updated_at / updated_by）
// previous 是本次写入覆盖掉的存储值，与写入原子读取
func (r *SitePersonnelRepository) UpdateFlag(ctx context.Context, id string, field domain.StatusField, value bool, actorID string, at time.Time) (rec domain.SitePersonnelRecord, previous bool, err error) {
	before, after, err := r.store.Update(ctx, domain.TableSitePersonnel, id, store.Row{
		string(field): value,
		"updated_at":  at.UTC(),
		"updated_by":  actorID,
	})
	if err != nil {
		return domain.SitePersonnelRecord{}, false, fmt.Errorf("failed to update %s on site %s: %w", field, id, err)
	}
	prev := rowToSite(before)
	previous = prev.Flag(field)
	r.logger.Debug("Updated site status flag",
		zap.String("site_id", id),
		zap.String("field", string(field)),
		zap.Bool("value", value),
	)
	return rowToSite(after), previous, nil
}

func toSites(rows []store.Row) []domain.SitePersonnelRecord {
	out := make([]domain.SitePersonnelRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToSite(row))
	}
	return out
}
