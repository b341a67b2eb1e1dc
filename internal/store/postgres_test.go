package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"orbit-sitecov/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewPostgresStore(db, zap.NewNop())
}

func TestPostgresStore_Select(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "reference_number", "role", "starter_pack"}).
		AddRow([]byte("id-1"), []byte("PXL-1"), "LABP", true).
		AddRow("id-2", "PXL-1", "PI", false)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT * FROM site_personnel WHERE project_id = $1 ORDER BY reference_number ASC, id ASC LIMIT 5")).
		WithArgs("p1").
		WillReturnRows(rows)

	got, err := s.Select(context.Background(), "site_personnel",
		Where("project_id", "p1").Ordered(Order{Column: "reference_number"}, Order{Column: "id"}).WithLimit(5))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "id-1", got[0]["id"])
	assert.Equal(t, "PXL-1", got[0]["reference_number"])
	assert.Equal(t, true, got[0]["starter_pack"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SelectNullFilter(t *testing.T) {
	query, args, err := buildSelect("site_status_history", Filter{Eq: map[string]any{"old_value": nil, "site_id": "s1"}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM site_status_history WHERE old_value IS NULL AND site_id = $1", query)
	assert.Equal(t, []any{"s1"}, args)
}

func TestPostgresStore_UpsertRunsBatchInTransaction(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	q := regexp.QuoteMeta("INSERT INTO site_personnel (email, project_id, reference_number, role) VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (project_id, reference_number, role) DO UPDATE SET email = EXCLUDED.email RETURNING *")

	mock.ExpectBegin()
	mock.ExpectQuery(q).
		WithArgs("a@x.org", "p1", "PXL-1", "LABP").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("id-1", "a@x.org"))
	mock.ExpectQuery(q).
		WithArgs("pi@x.org", "p1", "PXL-1", "PI").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("id-2", "pi@x.org"))
	mock.ExpectCommit()

	got, err := s.Upsert(context.Background(), "site_personnel", []string{"project_id", "reference_number", "role"}, []Row{
		{"project_id": "p1", "reference_number": "PXL-1", "role": "LABP", "email": "a@x.org"},
		{"project_id": "p1", "reference_number": "PXL-1", "role": "PI", "email": "pi@x.org"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "id-2", got[1].ID())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRollsBackOnFailure(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO site_personnel`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-1"))
	mock.ExpectQuery(`INSERT INTO site_personnel`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(), "site_personnel", []string{"project_id", "reference_number", "role"}, []Row{
		{"project_id": "p1", "reference_number": "PXL-1", "role": "LABP"},
		{"project_id": "p1", "reference_number": "PXL-1", "role": "PI"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReturnsLockedPreviousRow(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM site_personnel WHERE id = $1 FOR UPDATE")).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "starter_pack"}).AddRow("id-1", false))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE site_personnel SET starter_pack = $1, updated_at = $2 WHERE id = $3 RETURNING *")).
		WithArgs(true, sqlmock.AnyArg(), "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "starter_pack"}).AddRow("id-1", true))
	mock.ExpectCommit()

	before, after, err := s.Update(context.Background(), "site_personnel", "id-1", Row{"starter_pack": true, "updated_at": "now"})
	require.NoError(t, err)
	assert.Equal(t, false, before["starter_pack"])
	assert.Equal(t, true, after["starter_pack"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateNotFound(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM site_personnel WHERE id = $1 FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, _, err := s.Update(context.Background(), "site_personnel", "missing", Row{"starter_pack": true, "updated_at": "now"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cra_data WHERE id = $1")).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cra_data WHERE id = $1")).
		WithArgs("id-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Delete(context.Background(), "cra_data", "id-1"))
	err := s.Delete(context.Background(), "cra_data", "id-2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsert_RejectsInjection(t *testing.T) {
	_, _, err := buildInsert("site_personnel", Row{"role; drop table x": "PI"}, nil)
	assert.Error(t, err)
}
