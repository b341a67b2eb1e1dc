package repository

import (
	"context"
	"fmt"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/store"

	"go.uber.org/zap"
)

// CRAConflictColumns CRA 名单的 upsert 键
var CRAConflictColumns = []string{"project_id", "match_key"}

// CRARepository CRA 名单仓库
type CRARepository struct {
	store  store.RecordStore
	logger *zap.Logger
}

func NewCRARepository(s store.RecordStore, logger *zap.Logger) *CRARepository {
	return &CRARepository{store: s, logger: logger}
}

func (r *CRARepository) ListByProject(ctx context.Context, projectID string) ([]domain.CRARecord, error) {
	rows, err := r.store.Select(ctx, domain.TableCRAData,
		store.Where("project_id", projectID).Ordered(store.Order{Column: "full_name"}))
	if err != nil {
		return nil, fmt.Errorf("failed to list CRA records for project %s: %w", projectID, err)
	}
	out := make([]domain.CRARecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToCRA(row))
	}
	return out, nil
}

func (r *CRARepository) UpsertBatch(ctx context.Context, records []domain.CRARecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]store.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, craImportRow(rec))
	}
	if _, err := r.store.Upsert(ctx, domain.TableCRAData, CRAConflictColumns, rows); err != nil {
		return fmt.Errorf("failed to upsert %d CRA records: %w", len(records), err)
	}
	return nil
}
