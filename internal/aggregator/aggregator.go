// Package aggregator 把按角色拆分的站点人员记录按 reference_number 分组。
package aggregator

import (
	"context"
	"fmt"
	"sort"

	"orbit-sitecov/internal/domain"

	"go.uber.org/zap"
)

// Group 一个站点引用下的全部记录
type Group struct {
	ReferenceNumber string
	Records         []domain.SitePersonnelRecord
	// Roles 组内出现过的角色（去重，按首次出现顺序）
	Roles []string
	// LABP 组内的 LABP 记录；为 nil 时该引用没有权威的状态标志
	LABP *domain.SitePersonnelRecord
	// Representative 仅用于展示：有 LABP 取 LABP，否则取组内第一条
	Representative *domain.SitePersonnelRecord
}

// MissingLABP 组内没有 LABP 记录
func (g *Group) MissingLABP() bool {
	return g.LABP == nil
}

// SiteLister 读取站点记录
type SiteLister interface {
	ListByProject(ctx context.Context, projectID string) ([]domain.SitePersonnelRecord, error)
	ListByReference(ctx context.Context, projectID, referenceNumber string) ([]domain.SitePersonnelRecord, error)
}

// Aggregator 站点引用聚合器，每次读取都重新计算
type Aggregator struct {
	sites  SiteLister
	logger *zap.Logger
}

// NewAggregator 创建聚合器
func NewAggregator(sites SiteLister, logger *zap.Logger) *Aggregator {
	return &Aggregator{sites: sites, logger: logger}
}

// Project 聚合项目下全部站点引用，按 reference_number 升序
func (a *Aggregator) Project(ctx context.Context, projectID string) ([]Group, error) {
	records, err := a.sites.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate project %s: %w", projectID, err)
	}
	groups := GroupByReference(records)
	a.logger.Debug("Aggregated site references",
		zap.String("project_id", projectID),
		zap.Int("records", len(records)),
		zap.Int("references", len(groups)),
	)
	return groups, nil
}

// Reference 聚合单个站点引用；没有任何记录时返回 ErrNotFound
func (a *Aggregator) Reference(ctx context.Context, projectID, referenceNumber string) (*Group, error) {
	records, err := a.sites.ListByReference(ctx, projectID, referenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate reference %s: %w", referenceNumber, err)
	}
	groups := GroupByReference(records)
	if len(groups) == 0 {
		return nil, fmt.Errorf("site reference %s: %w", referenceNumber, domain.ErrNotFound)
	}
	return &groups[0], nil
}

// GroupByReference 纯函数分组。组内记录保持输入顺序，组按引用升序。
// 同一组出现多条 LABP 时取第一条。
func GroupByReference(records []domain.SitePersonnelRecord) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, rec := range records {
		i, ok := index[rec.ReferenceNumber]
		if !ok {
			i = len(groups)
			index[rec.ReferenceNumber] = i
			groups = append(groups, Group{ReferenceNumber: rec.ReferenceNumber})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}

	for i := range groups {
		g := &groups[i]
		seen := make(map[string]bool, len(g.Records))
		for j := range g.Records {
			role := domain.NormalizeRole(g.Records[j].Role)
			if !seen[role] {
				seen[role] = true
				g.Roles = append(g.Roles, role)
			}
			if g.LABP == nil && g.Records[j].IsLABP() {
				g.LABP = &g.Records[j]
			}
		}
		g.Representative = g.LABP
		if g.Representative == nil && len(g.Records) > 0 {
			g.Representative = &g.Records[0]
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].ReferenceNumber < groups[j].ReferenceNumber
	})
	return groups
}
