package domain

import (
	"fmt"
	"strings"
	"time"
)

// 表名（记录存储中的逻辑表）
const (
	TableSitePersonnel = "site_personnel"
	TableCRAData       = "cra_data"
	TableStatusHistory = "site_status_history"
)

// RoleLABP 对三个生命周期标志具有权威性的角色
const RoleLABP = "LABP"

// DefaultRequiredRoles 默认必需角色（按顺序）
var DefaultRequiredRoles = []string{"PI", "SC", RoleLABP, "CRC"}

// NormalizeRole 角色统一去空格并转大写
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// ImportKind 导入类型
type ImportKind string

const (
	KindSiteData ImportKind = "site-data"
	KindCRAList  ImportKind = "cra-list"
)

// ParseImportKind 解析导入类型
func ParseImportKind(s string) (ImportKind, error) {
	switch ImportKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSiteData:
		return KindSiteData, nil
	case KindCRAList:
		return KindCRAList, nil
	}
	return "", fmt.Errorf("unknown import kind %q", s)
}

// StatusField 可切换的生命周期标志
type StatusField string

const (
	FieldStarterPack     StatusField = "starter_pack"
	FieldRegisteredInSRP StatusField = "registered_in_srp"
	FieldSuppliesApplied StatusField = "supplies_applied"
)

// StatusFields 全部标志（固定顺序）
var StatusFields = []StatusField{FieldStarterPack, FieldRegisteredInSRP, FieldSuppliesApplied}

// ParseStatusField 解析标志名
func ParseStatusField(s string) (StatusField, error) {
	f := StatusField(strings.TrimSpace(s))
	for _, known := range StatusFields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// SitePersonnelRecord 每个 (project, reference, role) 一条
type SitePersonnelRecord struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	ReferenceNumber string    `json:"reference_number"`
	Role            string    `json:"role"`
	PersonnelName   string    `json:"personnel_name"`
	PIName          string    `json:"pi_name,omitempty"`
	Institution     string    `json:"institution"`
	Address         string    `json:"address"`
	City            string    `json:"city"`
	Province        string    `json:"province"`
	PostalCode      string    `json:"postal_code"`
	Country         string    `json:"country"`
	Email           string    `json:"email"`
	Phone           string    `json:"phone"`
	Fax             string    `json:"fax"`
	StarterPack     bool      `json:"starter_pack"`
	RegisteredInSRP bool      `json:"registered_in_srp"`
	SuppliesApplied bool      `json:"supplies_applied"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsLABP 是否为 LABP 记录
func (r *SitePersonnelRecord) IsLABP() bool {
	return NormalizeRole(r.Role) == RoleLABP
}

// Flag 读取标志值
func (r *SitePersonnelRecord) Flag(f StatusField) bool {
	switch f {
	case FieldStarterPack:
		return r.StarterPack
	case FieldRegisteredInSRP:
		return r.RegisteredInSRP
	case FieldSuppliesApplied:
		return r.SuppliesApplied
	}
	return false
}

// SetFlag 设置标志值
func (r *SitePersonnelRecord) SetFlag(f StatusField, v bool) {
	switch f {
	case FieldStarterPack:
		r.StarterPack = v
	case FieldRegisteredInSRP:
		r.RegisteredInSRP = v
	case FieldSuppliesApplied:
		r.SuppliesApplied = v
	}
}

// NaturalKey 导入时的 upsert 键（不含 project）
func (r *SitePersonnelRecord) NaturalKey() string {
	return r.ReferenceNumber + "\x00" + NormalizeRole(r.Role)
}

// CRARecord CRA 名单记录，与站点记录共享导入流水线
type CRARecord struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	MatchKey      string    `json:"match_key"`
	FullName      string    `json:"full_name"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	StudySite     string    `json:"study_site"`
	Status        string    `json:"status"`
	Email         string    `json:"email"`
	StudyCountry  string    `json:"study_country"`
	StudyTeamRole string    `json:"study_team_role"`
	UserType      string    `json:"user_type"`
	UserReference string    `json:"user_reference"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CRAMatchKey 邮箱优先，否则按全名
func CRAMatchKey(email, fullName string) string {
	if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
		return e
	}
	return "name:" + strings.TrimSpace(fullName)
}

// StatusHistoryRecord 标志变更审计记录（只追加）
type StatusHistoryRecord struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	SiteID       string      `json:"site_id"`
	FieldChanged StatusField `json:"field_changed"`
	OldValue     *bool       `json:"old_value"`
	NewValue     *bool       `json:"new_value"`
	ActorID      string      `json:"actor_id"`
	CreatedAt    time.Time   `json:"created_at"`
}

// BoolPtr 辅助函数
func BoolPtr(v bool) *bool { return &v }

// ChangeEvent 记录存储变更通知
type ChangeEvent struct {
	Table     string    `json:"table"`
	ProjectID string    `json:"project_id"`
	Op        string    `json:"op"` // insert / upsert / update / delete
	IDs       []string  `json:"ids,omitempty"`
	At        time.Time `json:"at"`
}
