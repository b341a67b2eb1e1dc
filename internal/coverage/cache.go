package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheTTL 汇总缓存默认有效期
const DefaultCacheTTL = 30 * time.Second

// SummaryCache 项目覆盖汇总缓存；变更通知到达时失效
type SummaryCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewSummaryCache 创建汇总缓存
func NewSummaryCache(kv KVStore, ttl time.Duration, logger *zap.Logger) *SummaryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SummaryCache{kv: kv, ttl: ttl, logger: logger}
}

func summaryKey(projectID string) string {
	return fmt.Sprintf("sitecov:coverage:%s:summary", projectID)
}

// Get 未命中返回 ErrCacheMiss
func (c *SummaryCache) Get(ctx context.Context, projectID string) (*Summary, error) {
	raw, err := c.kv.Get(ctx, summaryKey(projectID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get coverage cache: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		// 损坏的缓存按未命中处理
		c.logger.Warn("Discarding corrupt coverage cache",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return nil, ErrCacheMiss
	}
	return &s, nil
}

// Put 写入汇总
func (c *SummaryCache) Put(ctx context.Context, s *Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal coverage summary: %w", err)
	}
	key := summaryKey(s.ProjectID)
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	c.logger.Debug("Updated coverage cache",
		zap.String("project_id", s.ProjectID),
		zap.String("key", key),
	)
	return nil
}

// Invalidate 删除项目汇总
func (c *SummaryCache) Invalidate(ctx context.Context, projectID string) error {
	if err := c.kv.Del(ctx, summaryKey(projectID)); err != nil {
		return fmt.Errorf("failed to invalidate coverage cache: %w", err)
	}
	return nil
}
