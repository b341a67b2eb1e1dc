package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SitePersonnelRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewSitePersonnelRepository(store.NewPostgresStore(db, logger), logger)
	return db, mock, repo
}

func TestSitePersonnel_ListByProject_Postgres(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	updated := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "project_id", "reference_number", "role", "personnel_name", "email",
		"starter_pack", "registered_in_srp", "supplies_applied", "updated_at",
	}).
		AddRow("id-1", "p1", "PXL-1", "LABP", "Lab Person", "lab@x.org", true, false, nil, updated).
		AddRow("id-2", "p1", "PXL-1", "PI", "Dr Who", []byte("pi@x.org"), false, false, false, updated)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT * FROM site_personnel WHERE project_id = $1 ORDER BY reference_number ASC, id ASC")).
		WithArgs("p1").
		WillReturnRows(rows)

	recs, err := repo.ListByProject(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "LABP", recs[0].Role)
	assert.True(t, recs[0].StarterPack)
	assert.False(t, recs[0].SuppliesApplied)
	assert.Equal(t, updated, recs[0].UpdatedAt)
	assert.Equal(t, "pi@x.org", recs[1].Email)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSitePersonnel_UpdateFlag_Postgres(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM site_personnel WHERE id = $1 FOR UPDATE")).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "registered_in_srp"}).
			AddRow("id-1", "LABP", false))
	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE site_personnel SET registered_in_srp = $1, updated_at = $2, updated_by = $3 WHERE id = $4 RETURNING *")).
		WithArgs(true, at, "actor-1", "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "registered_in_srp", "updated_at"}).
			AddRow("id-1", "LABP", true, at))
	mock.ExpectCommit()

	rec, prev, err := repo.UpdateFlag(context.Background(), "id-1", domain.FieldRegisteredInSRP, true, "actor-1", at)
	require.NoError(t, err)
	assert.True(t, rec.RegisteredInSRP)
	assert.False(t, prev)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSitePersonnel_ReimportKeepsToggledFlags(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	repo := NewSitePersonnelRepository(mem, zap.NewNop())

	rec := domain.SitePersonnelRecord{ProjectID: "p1", ReferenceNumber: "PXL-1", Role: "labp", PersonnelName: "Lab"}
	require.NoError(t, repo.UpsertBatch(ctx, []domain.SitePersonnelRecord{rec}))

	recs, err := repo.ListByReference(ctx, "p1", "PXL-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "LABP", recs[0].Role)

	_, _, err = repo.UpdateFlag(ctx, recs[0].ID, domain.FieldSuppliesApplied, true, "a1", time.Now())
	require.NoError(t, err)

	require.NoError(t, repo.UpsertBatch(ctx, []domain.SitePersonnelRecord{rec}))
	recs, err = repo.ListByReference(ctx, "p1", "PXL-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].SuppliesApplied)
}

func TestCRA_UpsertByMatchKey(t *testing.T) {
	ctx := context.Background()
	repo := NewCRARepository(store.NewMemoryStore(), zap.NewNop())

	a := domain.CRARecord{ProjectID: "p1", MatchKey: "jane@x.org", FullName: "Jane Doe", Status: "Active"}
	require.NoError(t, repo.UpsertBatch(ctx, []domain.CRARecord{a}))
	a.Status = "Inactive"
	require.NoError(t, repo.UpsertBatch(ctx, []domain.CRARecord{a}))

	recs, err := repo.ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Inactive", recs[0].Status)
}

func TestHistory_AppendAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository(store.NewMemoryStore(), zap.NewNop())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, v := range []bool{true, false, true} {
		_, err := repo.Append(ctx, domain.StatusHistoryRecord{
			ProjectID:    "p1",
			SiteID:       "s1",
			FieldChanged: domain.FieldStarterPack,
			OldValue:     domain.BoolPtr(!v),
			NewValue:     domain.BoolPtr(v),
			ActorID:      "a1",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	first, err := repo.Append(ctx, domain.StatusHistoryRecord{ProjectID: "p1", SiteID: "s2", FieldChanged: domain.FieldStarterPack, CreatedAt: base})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Nil(t, first.OldValue)

	all, err := repo.ListBySite(ctx, "p1", "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, base.Add(2*time.Minute), all[0].CreatedAt)

	recent, err := repo.ListBySite(ctx, "p1", "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, *recent[0].NewValue)
	assert.False(t, *recent[1].NewValue)
}
