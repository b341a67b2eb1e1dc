package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/metrics"
	"orbit-sitecov/internal/repository"
	"orbit-sitecov/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingStore struct{ Store }

func (failingStore) Append(context.Context, domain.StatusHistoryRecord) (domain.StatusHistoryRecord, error) {
	return domain.StatusHistoryRecord{}, errors.New("insert refused")
}

func setup(t *testing.T) (*Recorder, *repository.SitePersonnelRepository, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	sites := repository.NewSitePersonnelRepository(mem, zap.NewNop())
	hist := repository.NewHistoryRepository(mem, zap.NewNop())
	return NewRecorder(hist, sites, nil, zap.NewNop()), sites, mem
}

func TestRecorder_RecordAndQueryBySite(t *testing.T) {
	ctx := context.Background()
	rec, _, _ := setup(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := rec.Record(ctx, Entry{
			ProjectID: "p1",
			SiteID:    "lab-1",
			Field:     domain.FieldStarterPack,
			OldValue:  domain.BoolPtr(i%2 == 1),
			NewValue:  domain.BoolPtr(i%2 == 0),
			ActorID:   "a1",
			At:        base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := rec.Query(ctx, Query{ProjectID: "p1", SiteID: "lab-1"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, base.Add(4*time.Minute), all[0].CreatedAt)
	assert.NotEmpty(t, all[0].ID)

	recent, err := rec.Query(ctx, Query{ProjectID: "p1", SiteID: "lab-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, all[1].ID, recent[1].ID)
}

func TestRecorder_QueryByReferenceUsesLABPRecord(t *testing.T) {
	ctx := context.Background()
	rec, sites, _ := setup(t)

	require.NoError(t, sites.UpsertBatch(ctx, []domain.SitePersonnelRecord{
		{ProjectID: "p1", ReferenceNumber: "PXL-1", Role: "LABP", PersonnelName: "Lab"},
		{ProjectID: "p1", ReferenceNumber: "PXL-1", Role: "PI", PersonnelName: "PI"},
	}))
	records, err := sites.ListByReference(ctx, "p1", "PXL-1")
	require.NoError(t, err)
	var labID, piID string
	for _, r := range records {
		if r.IsLABP() {
			labID = r.ID
		} else {
			piID = r.ID
		}
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = rec.Record(ctx, Entry{ProjectID: "p1", SiteID: labID, Field: domain.FieldSuppliesApplied,
		OldValue: domain.BoolPtr(false), NewValue: domain.BoolPtr(true), At: at})
	require.NoError(t, err)
	_, err = rec.Record(ctx, Entry{ProjectID: "p1", SiteID: piID, Field: domain.FieldSuppliesApplied,
		OldValue: domain.BoolPtr(false), NewValue: domain.BoolPtr(true), At: at})
	require.NoError(t, err)

	got, err := rec.Query(ctx, Query{ProjectID: "p1", ReferenceNumber: "PXL-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, labID, got[0].SiteID)

	_, err = rec.Query(ctx, Query{ProjectID: "p1", ReferenceNumber: "PXL-404"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecorder_RejectsBadEntries(t *testing.T) {
	rec, _, _ := setup(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, Entry{ProjectID: "p1", SiteID: "s", Field: "colour"})
	assert.ErrorIs(t, err, domain.ErrUnknownField)

	_, err = rec.Record(ctx, Entry{ProjectID: "p1", Field: domain.FieldStarterPack})
	assert.Error(t, err)

	_, err = rec.Query(ctx, Query{ProjectID: "p1"})
	assert.Error(t, err)
}

func TestRecorder_AppendFailureIsReturned(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	rec := NewRecorder(failingStore{}, nil, m, zap.NewNop())

	_, err := rec.Record(context.Background(), Entry{ProjectID: "p1", SiteID: "s", Field: domain.FieldStarterPack})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert refused")
}
