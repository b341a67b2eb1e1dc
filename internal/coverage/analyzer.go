// Package coverage 根据必需角色计算每个站点引用的角色覆盖情况与项目汇总。
package coverage

import (
	"sort"
	"time"

	"orbit-sitecov/internal/aggregator"
	"orbit-sitecov/internal/domain"
)

// Analyzer 角色覆盖分析器；必需角色在部署时配置一次
type Analyzer struct {
	required []string
}

// NewAnalyzer 必需角色去空格、转大写、去重；为空时使用默认列表。
// LABP 不在列表中时追加到末尾，保证 missing_labp 与 missing_roles 一致。
func NewAnalyzer(required []string) *Analyzer {
	seen := make(map[string]bool, len(required)+1)
	roles := make([]string, 0, len(required)+1)
	for _, r := range required {
		r = domain.NormalizeRole(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	if len(roles) == 0 {
		return NewAnalyzer(domain.DefaultRequiredRoles)
	}
	if !seen[domain.RoleLABP] {
		roles = append(roles, domain.RoleLABP)
	}
	return &Analyzer{required: roles}
}

// Required 必需角色（副本）
func (a *Analyzer) Required() []string {
	return append([]string(nil), a.required...)
}

// Coverage 单个引用的角色覆盖
type Coverage struct {
	PresentRoles []string `json:"present_roles"`
	MissingRoles []string `json:"missing_roles"`
	MissingLABP  bool     `json:"missing_labp"`
}

// Analyze present 与 missing 都按必需角色顺序输出，二者恰好划分必需角色
func (a *Analyzer) Analyze(roles []string) Coverage {
	observed := make(map[string]bool, len(roles))
	for _, r := range roles {
		observed[domain.NormalizeRole(r)] = true
	}
	c := Coverage{PresentRoles: []string{}, MissingRoles: []string{}}
	for _, r := range a.required {
		if observed[r] {
			c.PresentRoles = append(c.PresentRoles, r)
		} else {
			c.MissingRoles = append(c.MissingRoles, r)
		}
	}
	c.MissingLABP = !observed[domain.RoleLABP]
	return c
}

// SiteReference 派生视图，不持久化，每次读取重新计算
type SiteReference struct {
	ProjectID       string `json:"project_id"`
	ReferenceNumber string `json:"reference_number"`
	Coverage
	ObservedRoles  []string                     `json:"observed_roles"`
	LABPRecord     *domain.SitePersonnelRecord  `json:"labp_record"`
	Representative *domain.SitePersonnelRecord  `json:"representative_record"`
	Records        []domain.SitePersonnelRecord `json:"records,omitempty"`

	HasStarterPack  bool `json:"has_starter_pack"`
	RegisteredInSRP bool `json:"registered_in_srp"`
	SuppliesApplied bool `json:"supplies_applied"`
}

// Flag 引用级标志值（来自 LABP 记录）
func (s *SiteReference) Flag(f domain.StatusField) bool {
	switch f {
	case domain.FieldStarterPack:
		return s.HasStarterPack
	case domain.FieldRegisteredInSRP:
		return s.RegisteredInSRP
	case domain.FieldSuppliesApplied:
		return s.SuppliesApplied
	}
	return false
}

// SetFlag 同时更新引用级标志与 LABP 记录；没有 LABP 时不做任何事
func (s *SiteReference) SetFlag(f domain.StatusField, v bool) {
	if s.LABPRecord == nil {
		return
	}
	s.LABPRecord.SetFlag(f, v)
	s.syncFlags()
}

func (s *SiteReference) syncFlags() {
	if s.LABPRecord == nil {
		s.HasStarterPack, s.RegisteredInSRP, s.SuppliesApplied = false, false, false
		return
	}
	s.HasStarterPack = s.LABPRecord.StarterPack
	s.RegisteredInSRP = s.LABPRecord.RegisteredInSRP
	s.SuppliesApplied = s.LABPRecord.SuppliesApplied
}

// Clone 深拷贝；LABP 与代表记录指向新切片中的元素
func (s SiteReference) Clone() SiteReference {
	out := s
	out.PresentRoles = append([]string(nil), s.PresentRoles...)
	out.MissingRoles = append([]string(nil), s.MissingRoles...)
	out.ObservedRoles = append([]string(nil), s.ObservedRoles...)
	out.Records = append([]domain.SitePersonnelRecord(nil), s.Records...)
	out.LABPRecord = relocate(s.LABPRecord, s.Records, out.Records)
	out.Representative = relocate(s.Representative, s.Records, out.Records)
	return out
}

func relocate(p *domain.SitePersonnelRecord, from, to []domain.SitePersonnelRecord) *domain.SitePersonnelRecord {
	if p == nil {
		return nil
	}
	for i := range from {
		if &from[i] == p {
			return &to[i]
		}
	}
	cp := *p
	return &cp
}

// Reference 由聚合组构建引用视图；非 LABP 记录上的标志一律忽略
func (a *Analyzer) Reference(projectID string, g aggregator.Group) SiteReference {
	ref := SiteReference{
		ProjectID:       projectID,
		ReferenceNumber: g.ReferenceNumber,
		Coverage:        a.Analyze(g.Roles),
		ObservedRoles:   g.Roles,
		LABPRecord:      g.LABP,
		Representative:  g.Representative,
		Records:         g.Records,
	}
	ref.syncFlags()
	return ref.Clone()
}

// References 批量构建，保持聚合组顺序
func (a *Analyzer) References(projectID string, groups []aggregator.Group) []SiteReference {
	out := make([]SiteReference, 0, len(groups))
	for _, g := range groups {
		out = append(out, a.Reference(projectID, g))
	}
	return out
}

// Summary 项目级覆盖汇总。三个标志计数只统计有 LABP 的引用。
type Summary struct {
	ProjectID            string              `json:"project_id"`
	RequiredRoles        []string            `json:"required_roles"`
	TotalReferences      int                 `json:"total_references"`
	WithLABP             int                 `json:"with_labp"`
	StarterPackCount     int                 `json:"starter_pack_count"`
	RegisteredInSRPCount int                 `json:"registered_in_srp_count"`
	SuppliesAppliedCount int                 `json:"supplies_applied_count"`
	FullyStaffed         int                 `json:"fully_staffed"`
	MissingRoles         map[string][]string `json:"missing_roles"`
	GeneratedAt          time.Time           `json:"generated_at"`
}

// Summarize 汇总；MissingRoles 包含每个引用（无缺失时为空列表）
func (a *Analyzer) Summarize(projectID string, refs []SiteReference, at time.Time) Summary {
	s := Summary{
		ProjectID:     projectID,
		RequiredRoles: a.Required(),
		MissingRoles:  make(map[string][]string, len(refs)),
		GeneratedAt:   at.UTC(),
	}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref.ReferenceNumber] {
			continue
		}
		seen[ref.ReferenceNumber] = true
		s.TotalReferences++
		s.MissingRoles[ref.ReferenceNumber] = append([]string{}, ref.MissingRoles...)
		if len(ref.MissingRoles) == 0 {
			s.FullyStaffed++
		}
		if ref.MissingLABP {
			continue
		}
		s.WithLABP++
		if ref.HasStarterPack {
			s.StarterPackCount++
		}
		if ref.RegisteredInSRP {
			s.RegisteredInSRPCount++
		}
		if ref.SuppliesApplied {
			s.SuppliesAppliedCount++
		}
	}
	return s
}

// IncompleteReferences 有缺失角色的引用号（升序）
func (s *Summary) IncompleteReferences() []string {
	var out []string
	for ref, missing := range s.MissingRoles {
		if len(missing) > 0 {
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}
