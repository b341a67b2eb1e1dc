// Package importer 把规范化后的记录按固定大小批次顺序 upsert 到记录存储。
package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"orbit-sitecov/internal/csvimport"
	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 100 * time.Millisecond
)

// SiteWriter 站点记录批量写入
type SiteWriter interface {
	UpsertBatch(ctx context.Context, records []domain.SitePersonnelRecord) error
}

// CRAWriter CRA 名单批量写入
type CRAWriter interface {
	UpsertBatch(ctx context.Context, records []domain.CRARecord) error
}

// Config 批次配置
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

// BatchOutcome 单个批次结果；Error 为空表示成功
type BatchOutcome struct {
	Index int    `json:"index"`
	Size  int    `json:"size"`
	Error string `json:"error,omitempty"`
}

// ImportResult 导入结果，调用方需同时展示成功数与失败数
type ImportResult struct {
	Kind                domain.ImportKind `json:"kind"`
	ProjectID           string            `json:"project_id"`
	Total               int               `json:"total"`
	SuccessCount        int               `json:"success_count"`
	ErrorCount          int               `json:"error_count"`
	Batches             []BatchOutcome    `json:"batches"`
	CoercedStarterPacks int               `json:"coerced_starter_packs"`
	DuplicatesCollapsed int               `json:"duplicates_collapsed"`
}

// Importer 批量 upsert 导入器；批次严格顺序执行，批次之间有固定间隔
type Importer struct {
	sites      SiteWriter
	cra        CRAWriter
	normalizer *csvimport.Normalizer
	cfg        Config
	metrics    *metrics.Metrics
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewImporter 创建导入器
func NewImporter(sites SiteWriter, cra CRAWriter, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	return &Importer{
		sites:      sites,
		cra:        cra,
		normalizer: csvimport.NewNormalizer(),
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Run 完整流水线：解析 -> 校验/规范化 -> 分批 upsert。
// 解析或校验失败时不写入任何记录。
func (im *Importer) Run(ctx context.Context, kind domain.ImportKind, projectID, actorID, filename string, r io.Reader) (*ImportResult, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	rows, err := csvimport.Parse(filename, r, kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case domain.KindSiteData:
		batch, err := im.normalizer.NormalizeSites(rows, projectID, actorID)
		if err != nil {
			return nil, err
		}
		im.metrics.CoercedStarterPacks(batch.CoercedStarterPacks)
		res, err := im.ImportSites(ctx, projectID, actorID, batch.Records)
		if res != nil {
			res.CoercedStarterPacks = batch.CoercedStarterPacks
		}
		return res, err
	case domain.KindCRAList:
		records, err := im.normalizer.NormalizeCRA(rows, projectID, actorID)
		if err != nil {
			return nil, err
		}
		return im.ImportCRA(ctx, projectID, actorID, records)
	}
	return nil, fmt.Errorf("unsupported import kind %q", kind)
}

// ImportSites 站点记录按 (project, reference, role) upsert
func (im *Importer) ImportSites(ctx context.Context, projectID, actorID string, records []domain.SitePersonnelRecord) (*ImportResult, error) {
	for i := range records {
		records[i].ProjectID = projectID
	}
	return runBatches(ctx, im, domain.KindSiteData, projectID, actorID, records,
		func(r domain.SitePersonnelRecord) string { return r.NaturalKey() },
		im.sites.UpsertBatch)
}

// ImportCRA CRA 名单按 (project, match_key) upsert
func (im *Importer) ImportCRA(ctx context.Context, projectID, actorID string, records []domain.CRARecord) (*ImportResult, error) {
	for i := range records {
		records[i].ProjectID = projectID
	}
	return runBatches(ctx, im, domain.KindCRAList, projectID, actorID, records,
		func(r domain.CRARecord) string { return r.MatchKey },
		im.cra.UpsertBatch)
}

func runBatches[T any](
	ctx context.Context,
	im *Importer,
	kind domain.ImportKind,
	projectID, actorID string,
	records []T,
	key func(T) string,
	write func(context.Context, []T) error,
) (*ImportResult, error) {
	items, collapsed := collapseDuplicates(records, key)
	res := &ImportResult{
		Kind:                kind,
		ProjectID:           projectID,
		Total:               len(items),
		Batches:             []BatchOutcome{},
		DuplicatesCollapsed: collapsed,
	}

	size := im.cfg.BatchSize
	for start, idx := 0, 0; start < len(items); start, idx = start+size, idx+1 {
		if idx > 0 && im.cfg.BatchDelay > 0 {
			if err := im.sleep(ctx, im.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		outcome := BatchOutcome{Index: idx, Size: len(chunk)}

		if err := write(ctx, chunk); err != nil {
			perr := &domain.PersistenceError{Op: fmt.Sprintf("%s batch %d", kind, idx), Err: err}
			outcome.Error = perr.Error()
			res.ErrorCount += len(chunk)
			im.logger.Warn("Import batch failed",
				zap.String("kind", string(kind)),
				zap.String("project_id", projectID),
				zap.Int("batch", idx),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
		} else {
			res.SuccessCount += len(chunk)
			im.logger.Debug("Import batch committed",
				zap.String("kind", string(kind)),
				zap.String("project_id", projectID),
				zap.Int("batch", idx),
				zap.Int("size", len(chunk)),
			)
		}
		im.metrics.ImportBatch(string(kind), len(chunk), outcome.Error != "")
		res.Batches = append(res.Batches, outcome)
	}

	im.logger.Info("Import finished",
		zap.String("kind", string(kind)),
		zap.String("project_id", projectID),
		zap.String("actor_id", actorID),
		zap.Int("total", res.Total),
		zap.Int("success_count", res.SuccessCount),
		zap.Int("error_count", res.ErrorCount),
		zap.Int("duplicates_collapsed", res.DuplicatesCollapsed),
	)
	return res, nil
}

// collapseDuplicates 同一自然键只保留最后一次出现，位置取第一次出现的位置
func collapseDuplicates[T any](records []T, key func(T) string) ([]T, int) {
	pos := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, r := range records {
		k := key(r)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
