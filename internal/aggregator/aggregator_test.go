package aggregator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/importer"
	"orbit-sitecov/internal/repository"
	"orbit-sitecov/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rec(ref, role, name string) domain.SitePersonnelRecord {
	return domain.SitePersonnelRecord{ReferenceNumber: ref, Role: role, PersonnelName: name}
}

func TestGroupByReference(t *testing.T) {
	groups := GroupByReference([]domain.SitePersonnelRecord{
		rec("PXL-2", "PI", "b-pi"),
		rec("PXL-1", "SC", "a-sc"),
		rec("PXL-1", "labp", "a-lab"),
		rec("PXL-2", "sc", "b-sc"),
		rec("PXL-1", "SC", "a-sc2"),
	})
	require.Len(t, groups, 2)

	g1 := groups[0]
	assert.Equal(t, "PXL-1", g1.ReferenceNumber)
	assert.Len(t, g1.Records, 3)
	assert.Equal(t, []string{"SC", "LABP"}, g1.Roles)
	require.NotNil(t, g1.LABP)
	assert.Equal(t, "a-lab", g1.LABP.PersonnelName)
	assert.Same(t, g1.LABP, g1.Representative)
	assert.False(t, g1.MissingLABP())

	g2 := groups[1]
	assert.True(t, g2.MissingLABP())
	require.NotNil(t, g2.Representative)
	assert.Equal(t, "b-pi", g2.Representative.PersonnelName)
}

func TestGroupByReference_Empty(t *testing.T) {
	assert.Empty(t, GroupByReference(nil))
}

func TestAggregator_DuplicateLABPRowsCollapse(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	sites := repository.NewSitePersonnelRepository(mem, zap.NewNop())
	im := importer.NewImporter(sites, nil, importer.Config{BatchDelay: 0}, nil, zap.NewNop())

	in := "PXL Site Reference Number,Site Personnel Name,Role,Site Personnel Email Address\n" +
		"PXL-1,Lab One,LABP,first@x.org\n" +
		"PXL-1,Lab One,LABP,second@x.org\n"
	_, err := im.Run(ctx, domain.KindSiteData, "p1", "a1", "sites.csv", strings.NewReader(in))
	require.NoError(t, err)

	groups, err := NewAggregator(sites, zap.NewNop()).Project(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "PXL-1", groups[0].ReferenceNumber)
	require.Len(t, groups[0].Records, 1)
	require.NotNil(t, groups[0].LABP)
	assert.Equal(t, "second@x.org", groups[0].LABP.Email)
}

func TestAggregator_ReferenceNotFound(t *testing.T) {
	mem := store.NewMemoryStore()
	agg := NewAggregator(repository.NewSitePersonnelRepository(mem, zap.NewNop()), zap.NewNop())

	_, err := agg.Reference(context.Background(), "p1", "PXL-404")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
