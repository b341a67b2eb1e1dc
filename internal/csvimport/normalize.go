package csvimport

import (
	"strings"
	"time"

	"orbit-sitecov/internal/domain"

	"github.com/go-playground/validator/v10"
)

type siteRowInput struct {
	ReferenceNumber string `validate:"required"`
	PersonnelName   string `validate:"required"`
	Role            string `validate:"required"`
}

type craRowInput struct {
	FullName  string `validate:"required"`
	FirstName string `validate:"required"`
	LastName  string `validate:"required"`
}

// SiteBatch 规范化后的站点记录 + 被强制置 false 的 starter pack 数量（统计信息，非错误）
type SiteBatch struct {
	Records             []domain.SitePersonnelRecord
	CoercedStarterPacks int
}

// Normalizer 行校验与规范化
type Normalizer struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewNormalizer 创建校验器
func NewNormalizer() *Normalizer {
	return &Normalizer{validate: validator.New(), now: time.Now}
}

// IsTruthy 只接受 yes / true（忽略大小写和首尾空格）
func IsTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true":
		return true
	}
	return false
}

// NormalizeSites 任一行无效则整批拒绝，返回 ValidationError
func (n *Normalizer) NormalizeSites(rows []Row, projectID, actorID string) (*SiteBatch, error) {
	var invalid []int
	batch := &SiteBatch{Records: make([]domain.SitePersonnelRecord, 0, len(rows))}
	at := n.now().UTC()

	for i, row := range rows {
		in := siteRowInput{
			ReferenceNumber: row.Values[SiteReferenceNumber],
			PersonnelName:   row.Values[SitePersonnelName],
			Role:            row.Values[SiteRole],
		}
		if err := n.validate.Struct(in); err != nil {
			invalid = append(invalid, rowNumber(row, i))
			continue
		}

		role := domain.NormalizeRole(in.Role)
		truthy := IsTruthy(row.Values[SiteStarterPack])
		starterPack := truthy && role == domain.RoleLABP
		if truthy && !starterPack {
			batch.CoercedStarterPacks++
		}

		batch.Records = append(batch.Records, domain.SitePersonnelRecord{
			ProjectID:       projectID,
			ReferenceNumber: in.ReferenceNumber,
			Role:            role,
			PersonnelName:   in.PersonnelName,
			PIName:          row.Values[SitePIName],
			Institution:     row.Values[SiteInstitution],
			Address:         row.Values[SiteAddress],
			City:            row.Values[SiteCity],
			Province:        row.Values[SiteProvince],
			PostalCode:      row.Values[SiteZipCode],
			Country:         row.Values[SiteCountry],
			Email:           row.Values[SiteEmail],
			Phone:           row.Values[SitePhone],
			Fax:             row.Values[SiteFax],
			StarterPack:     starterPack,
			UpdatedBy:       actorID,
			UpdatedAt:       at,
		})
	}

	if len(invalid) > 0 {
		return nil, &domain.ValidationError{Kind: domain.KindSiteData, InvalidRows: invalid}
	}
	return batch, nil
}

// NormalizeCRA full_name 为空时由 first + last 推导
func (n *Normalizer) NormalizeCRA(rows []Row, projectID, actorID string) ([]domain.CRARecord, error) {
	var invalid []int
	out := make([]domain.CRARecord, 0, len(rows))
	at := n.now().UTC()

	for i, row := range rows {
		in := craRowInput{
			FullName:  row.Values[CRAFullName],
			FirstName: row.Values[CRAFirstName],
			LastName:  row.Values[CRALastName],
		}
		if in.FullName == "" {
			in.FullName = strings.TrimSpace(in.FirstName + " " + in.LastName)
		}
		if err := n.validate.Struct(in); err != nil {
			invalid = append(invalid, rowNumber(row, i))
			continue
		}

		out = append(out, domain.CRARecord{
			ProjectID:     projectID,
			MatchKey:      domain.CRAMatchKey(row.Values[CRAEmail], in.FullName),
			FullName:      in.FullName,
			FirstName:     in.FirstName,
			LastName:      in.LastName,
			StudySite:     row.Values[CRAStudySite],
			Status:        row.Values[CRAStatus],
			Email:         row.Values[CRAEmail],
			StudyCountry:  row.Values[CRAStudyCountry],
			StudyTeamRole: row.Values[CRAStudyTeamRole],
			UserType:      row.Values[CRAUserType],
			UserReference: row.Values[CRAUserReference],
			UpdatedBy:     actorID,
			UpdatedAt:     at,
		})
	}

	if len(invalid) > 0 {
		return nil, &domain.ValidationError{Kind: domain.KindCRAList, InvalidRows: invalid}
	}
	return out, nil
}

// rowNumber 优先用解析时记录的源文件数据行号；未记录时退回到下标
func rowNumber(row Row, i int) int {
	if row.Line > 0 {
		return row.Line
	}
	return i + 1
}
