package repository

import (
	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/store"
)

// siteImportRow 导入用的列集合：不包含 registered_in_srp / supplies_applied，
// 重新导入不会覆盖通过切换设置的标志
func siteImportRow(r domain.SitePersonnelRecord) store.Row {
	return store.Row{
		"project_id":       r.ProjectID,
		"reference_number": r.ReferenceNumber,
		"role":             domain.NormalizeRole(r.Role),
		"personnel_name":   r.PersonnelName,
		"pi_name":          r.PIName,
		"institution":      r.Institution,
		"address":          r.Address,
		"city":             r.City,
		"province":         r.Province,
		"postal_code":      r.PostalCode,
		"country":          r.Country,
		"email":            r.Email,
		"phone":            r.Phone,
		"fax":              r.Fax,
		"starter_pack":     r.StarterPack,
		"updated_by":       r.UpdatedBy,
		"updated_at":       r.UpdatedAt.UTC(),
	}
}

func rowToSite(row store.Row) domain.SitePersonnelRecord {
	return domain.SitePersonnelRecord{
		ID:              store.AsString(row["id"]),
		ProjectID:       store.AsString(row["project_id"]),
		ReferenceNumber: store.AsString(row["reference_number"]),
		Role:            store.AsString(row["role"]),
		PersonnelName:   store.AsString(row["personnel_name"]),
		PIName:          store.AsString(row["pi_name"]),
		Institution:     store.AsString(row["institution"]),
		Address:         store.AsString(row["address"]),
		City:            store.AsString(row["city"]),
		Province:        store.AsString(row["province"]),
		PostalCode:      store.AsString(row["postal_code"]),
		Country:         store.AsString(row["country"]),
		Email:           store.AsString(row["email"]),
		Phone:           store.AsString(row["phone"]),
		Fax:             store.AsString(row["fax"]),
		StarterPack:     store.AsBool(row["starter_pack"]),
		RegisteredInSRP: store.AsBool(row["registered_in_srp"]),
		SuppliesApplied: store.AsBool(row["supplies_applied"]),
		UpdatedBy:       store.AsString(row["updated_by"]),
		UpdatedAt:       store.AsTime(row["updated_at"]),
	}
}

func craImportRow(r domain.CRARecord) store.Row {
	return store.Row{
		"project_id":      r.ProjectID,
		"match_key":       r.MatchKey,
		"full_name":       r.FullName,
		"first_name":      r.FirstName,
		"last_name":       r.LastName,
		"study_site":      r.StudySite,
		"status":          r.Status,
		"email":           r.Email,
		"study_country":   r.StudyCountry,
		"study_team_role": r.StudyTeamRole,
		"user_type":       r.UserType,
		"user_reference":  r.UserReference,
		"updated_by":      r.UpdatedBy,
		"updated_at":      r.UpdatedAt.UTC(),
	}
}

func rowToCRA(row store.Row) domain.CRARecord {
	return domain.CRARecord{
		ID:            store.AsString(row["id"]),
		ProjectID:     store.AsString(row["project_id"]),
		MatchKey:      store.AsString(row["match_key"]),
		FullName:      store.AsString(row["full_name"]),
		FirstName:     store.AsString(row["first_name"]),
		LastName:      store.AsString(row["last_name"]),
		StudySite:     store.AsString(row["study_site"]),
		Status:        store.AsString(row["status"]),
		Email:         store.AsString(row["email"]),
		StudyCountry:  store.AsString(row["study_country"]),
		StudyTeamRole: store.AsString(row["study_team_role"]),
		UserType:      store.AsString(row["user_type"]),
		UserReference: store.AsString(row["user_reference"]),
		UpdatedBy:     store.AsString(row["updated_by"]),
		UpdatedAt:     store.AsTime(row["updated_at"]),
	}
}

func historyToRow(h domain.StatusHistoryRecord) store.Row {
	row := store.Row{
		"project_id":    h.ProjectID,
		"site_id":       h.SiteID,
		"field_changed": string(h.FieldChanged),
		"old_value":     nullBool(h.OldValue),
		"new_value":     nullBool(h.NewValue),
		"actor_id":      h.ActorID,
		"created_at":    h.CreatedAt.UTC(),
	}
	if h.ID != "" {
		row["id"] = h.ID
	}
	return row
}

func rowToHistory(row store.Row) domain.StatusHistoryRecord {
	return domain.StatusHistoryRecord{
		ID:           store.AsString(row["id"]),
		ProjectID:    store.AsString(row["project_id"]),
		SiteID:       store.AsString(row["site_id"]),
		FieldChanged: domain.StatusField(store.AsString(row["field_changed"])),
		OldValue:     store.AsNullBool(row["old_value"]),
		NewValue:     store.AsNullBool(row["new_value"]),
		ActorID:      store.AsString(row["actor_id"]),
		CreatedAt:    store.AsTime(row["created_at"]),
	}
}

// nullBool *bool -> any（nil 存为 NULL）
func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
