package repository

import (
	"context"
	"fmt"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/store"

	"go.uber.org/zap"
)

// HistoryRepository 状态历史仓库（只追加）
type HistoryRepository struct {
	store  store.RecordStore
	logger *zap.Logger
}

func NewHistoryRepository(s store.RecordStore, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{store: s, logger: logger}
}

// Append 追加一条历史
func (r *HistoryRepository) Append(ctx context.Context, rec domain.StatusHistoryRecord) (domain.StatusHistoryRecord, error) {
	rows, err := r.store.Insert(ctx, domain.TableStatusHistory, historyToRow(rec))
	if err != nil {
		return domain.StatusHistoryRecord{}, fmt.Errorf("failed to append status history for site %s: %w", rec.SiteID, err)
	}
	if len(rows) == 0 {
		return rec, nil
	}
	return rowToHistory(rows[0]), nil
}

// ListBySite created_at 倒序；limit<=0 表示全部
func (r *HistoryRepository) ListBySite(ctx context.Context, projectID, siteID string, limit int) ([]domain.StatusHistoryRecord, error) {
	rows, err := r.store.Select(ctx, domain.TableStatusHistory,
		store.Where("project_id", projectID, "site_id", siteID).
			Ordered(store.Order{Column: "created_at", Desc: true}).
			WithLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list status history for site %s: %w", siteID, err)
	}
	out := make([]domain.StatusHistoryRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToHistory(row))
	}
	return out, nil
}
