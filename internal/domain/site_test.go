package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusField(t *testing.T) {
	f, err := ParseStatusField(" registered_in_srp ")
	require.NoError(t, err)
	assert.Equal(t, FieldRegisteredInSRP, f)

	_, err = ParseStatusField("deleted")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownField))
}

func TestParseImportKind(t *testing.T) {
	k, err := ParseImportKind("CRA-List")
	require.NoError(t, err)
	assert.Equal(t, KindCRAList, k)

	_, err = ParseImportKind("contacts")
	assert.Error(t, err)
}

func TestSitePersonnelRecord_Flags(t *testing.T) {
	r := SitePersonnelRecord{Role: " labp "}
	assert.True(t, r.IsLABP())

	for _, f := range StatusFields {
		assert.False(t, r.Flag(f))
		r.SetFlag(f, true)
		assert.True(t, r.Flag(f))
	}
}

func TestCRAMatchKey(t *testing.T) {
	assert.Equal(t, "jane@site.org", CRAMatchKey(" Jane@Site.org ", "Jane Doe"))
	assert.Equal(t, "name:Jane Doe", CRAMatchKey("", " Jane Doe "))
}

func TestErrors_Unwrap(t *testing.T) {
	base := errors.New("boom")

	var pe *PersistenceError
	err := error(&PersistenceError{Op: "toggle", Err: base})
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Retryable())
	assert.True(t, errors.Is(err, base))

	ve := &ValidationError{Kind: KindSiteData, InvalidRows: []int{2, 5}}
	assert.Equal(t, 2, ve.Count())
	assert.Contains(t, ve.Error(), "2 invalid row(s)")

	hw := &HistoryWarning{SiteID: "s1", Field: FieldStarterPack, Err: base}
	assert.True(t, errors.Is(hw, base))
}
