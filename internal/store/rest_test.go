package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"orbit-sitecov/common/config"
	"orbit-sitecov/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRESTStore(t *testing.T, h http.HandlerFunc) *RESTStore {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewRESTStore(&config.RESTConfig{BaseURL: srv.URL + "/rest/v1/", APIKey: "key-1", Schema: "public"}, zap.NewNop())
}

func TestRESTStore_SelectEncodesFilters(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/site_personnel", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "eq.p1", q.Get("project_id"))
		assert.Equal(t, "is.true", q.Get("starter_pack"))
		assert.Equal(t, "reference_number.asc,id.desc", q.Get("order"))
		assert.Equal(t, "3", q.Get("limit"))
		assert.Equal(t, "key-1", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "public", r.Header.Get("Accept-Profile"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"id-1","reference_number":"PXL-1","starter_pack":true}]`)
	})

	rows, err := s.Select(context.Background(), "site_personnel",
		Where("project_id", "p1", "starter_pack", true).
			Ordered(Order{Column: "reference_number"}, Order{Column: "id", Desc: true}).
			WithLimit(3))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "id-1", rows[0].ID())
	assert.Equal(t, true, rows[0]["starter_pack"])
}

func TestRESTStore_UpsertUsesMergeDuplicates(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "project_id,reference_number,role", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")

		var body []map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body, 2)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `[{"id":"a"},{"id":"b"}]`)
	})

	rows, err := s.Upsert(context.Background(), "site_personnel", []string{"project_id", "reference_number", "role"}, []Row{
		{"project_id": "p1", "reference_number": "PXL-1", "role": "LABP"},
		{"project_id": "p1", "reference_number": "PXL-1", "role": "PI"},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRESTStore_UpdateAndErrors(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("id") {
		case "eq.id-1":
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `[{"id":"id-1","starter_pack":false}]`)
				return
			}
			assert.Equal(t, http.MethodPatch, r.Method)
			assert.Equal(t, "is.false", q.Get("starter_pack"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_, hasID := body["id"]
			assert.False(t, hasID)
			_, _ = io.WriteString(w, `[{"id":"id-1","starter_pack":true}]`)
		case "eq.missing":
			_, _ = io.WriteString(w, `[]`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"message":"boom"}`)
		}
	})

	before, after, err := s.Update(context.Background(), "site_personnel", "id-1", Row{"id": "id-1", "starter_pack": true})
	require.NoError(t, err)
	assert.Equal(t, false, before["starter_pack"])
	assert.Equal(t, true, after["starter_pack"])

	_, _, err = s.Update(context.Background(), "site_personnel", "missing", Row{"starter_pack": true})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, _, err = s.Update(context.Background(), "site_personnel", "broken", Row{"starter_pack": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestRESTStore_UpdateRetriesWhenRowChangedBetweenReadAndWrite(t *testing.T) {
	var reads, patches atomic.Int32
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// 第一次读到旧值 false，之后另一个写入已把它改成 true
			if reads.Add(1) == 1 {
				_, _ = io.WriteString(w, `[{"id":"id-1","starter_pack":false}]`)
				return
			}
			_, _ = io.WriteString(w, `[{"id":"id-1","starter_pack":true}]`)
			return
		}
		patches.Add(1)
		if r.URL.Query().Get("starter_pack") == "is.false" {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"id-1","starter_pack":false}]`)
	})

	before, after, err := s.Update(context.Background(), "site_personnel", "id-1", Row{"starter_pack": false})
	require.NoError(t, err)
	assert.Equal(t, true, before["starter_pack"])
	assert.Equal(t, false, after["starter_pack"])
	assert.Equal(t, int32(2), reads.Load())
	assert.Equal(t, int32(2), patches.Load())
}

func TestRESTStore_Delete(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Query().Get("id") == "eq.id-1" {
			_, _ = io.WriteString(w, `[{"id":"id-1"}]`)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	})

	require.NoError(t, s.Delete(context.Background(), "cra_data", "id-1"))
	assert.True(t, errors.Is(s.Delete(context.Background(), "cra_data", "id-2"), domain.ErrNotFound))
}
