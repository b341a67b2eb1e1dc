// Package csvimport 把 CSV / XLSX 导入文件解析成按规范字段名索引的行，并做校验与规范化。
package csvimport

import (
	"strings"

	"orbit-sitecov/internal/domain"
)

// FieldAlias 规范字段及其可接受的表头写法（第一个为模板表头）
type FieldAlias struct {
	Field   string
	Aliases []string
}

// AliasTable 一种导入类型的字段表（顺序即模板列顺序）
type AliasTable []FieldAlias

// 站点数据规范字段
const (
	SiteCountry         = "country"
	SiteReferenceNumber = "pxl_site_reference_number"
	SitePIName          = "pi_name"
	SitePersonnelName   = "site_personnel_name"
	SiteRole            = "role"
	SiteEmail           = "site_personnel_email_address"
	SitePhone           = "site_personnel_telephone"
	SiteFax             = "site_personnel_fax"
	SiteInstitution     = "institution"
	SiteAddress         = "address"
	SiteCity            = "city_town"
	SiteProvince        = "province_state"
	SiteZipCode         = "zip_code"
	SiteStarterPack     = "starter_pack"
)

// CRA 名单规范字段
const (
	CRAFullName      = "full_name"
	CRAFirstName     = "first_name"
	CRALastName      = "last_name"
	CRAStudySite     = "study_site"
	CRAStatus        = "status"
	CRAEmail         = "email"
	CRAStudyCountry  = "study_country"
	CRAStudyTeamRole = "study_team_role"
	CRAUserType      = "user_type"
	CRAUserReference = "user_reference"
)

var siteDataAliases = AliasTable{
	{SiteCountry, []string{"Country", "country"}},
	{SiteReferenceNumber, []string{"PXL Site Reference Number", "pxl_site_reference_number", "reference_number"}},
	{SitePIName, []string{"PI Name", "pi_name"}},
	{SitePersonnelName, []string{"Site Personnel Name", "site_personnel_name", "personnel_name"}},
	{SiteRole, []string{"Role", "role"}},
	{SiteEmail, []string{"Site Personnel Email Address", "site_personnel_email_address", "email"}},
	{SitePhone, []string{"Site Personnel Telephone", "site_personnel_telephone", "phone"}},
	{SiteFax, []string{"Site Personnel Fax", "site_personnel_fax", "fax"}},
	{SiteInstitution, []string{"Institution", "institution"}},
	{SiteAddress, []string{"Address", "address"}},
	{SiteCity, []string{"City/Town", "city_town", "city"}},
	{SiteProvince, []string{"Province/State", "province_state", "province"}},
	{SiteZipCode, []string{"Zip Code", "zip_code", "postal_code"}},
	{SiteStarterPack, []string{"Starter Pack", "starter_pack"}},
}

var craListAliases = AliasTable{
	{CRAFullName, []string{"Full Name", "full_name"}},
	{CRAFirstName, []string{"First Name", "first_name"}},
	{CRALastName, []string{"Last Name", "last_name"}},
	{CRAStudySite, []string{"Study Site", "study_site"}},
	{CRAStatus, []string{"Status", "status"}},
	{CRAEmail, []string{"Email", "email"}},
	{CRAStudyCountry, []string{"Study Country", "study_country"}},
	{CRAStudyTeamRole, []string{"Study Team Role", "study_team_role"}},
	{CRAUserType, []string{"User Type", "user_type"}},
	{CRAUserReference, []string{"User Reference", "user_reference"}},
}

// AliasesFor 返回导入类型对应的字段表
func AliasesFor(kind domain.ImportKind) AliasTable {
	switch kind {
	case domain.KindCRAList:
		return craListAliases
	default:
		return siteDataAliases
	}
}

// Headers 模板表头
func (t AliasTable) Headers() []string {
	out := make([]string, 0, len(t))
	for _, fa := range t {
		out = append(out, fa.Aliases[0])
	}
	return out
}

// Fields 规范字段名
func (t AliasTable) Fields() []string {
	out := make([]string, 0, len(t))
	for _, fa := range t {
		out = append(out, fa.Field)
	}
	return out
}

// Resolve 表头 -> 规范字段的列号；匹配忽略大小写和首尾空格，同一字段取最左列
func (t AliasTable) Resolve(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := normalizeHeader(h)
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}

	resolved := make(map[string]int, len(t))
	for _, fa := range t {
		best := -1
		for _, alias := range fa.Aliases {
			if col, ok := index[normalizeHeader(alias)]; ok && (best < 0 || col < best) {
				best = col
			}
		}
		if best >= 0 {
			resolved[fa.Field] = best
		}
	}
	return resolved
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}
