package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ImportBatch("site-data", 10, false)
	m.ImportBatch("site-data", 4, true)
	m.CoercedStarterPacks(3)
	m.Toggle("starter_pack", "rejected")

	assert.Equal(t, 10.0, testutil.ToFloat64(m.importRecords.WithLabelValues("site-data", "success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.importRecords.WithLabelValues("site-data", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.importBatches.WithLabelValues("site-data", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.coerced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toggles.WithLabelValues("starter_pack", "rejected")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ImportBatch("cra-list", 1, false)
	m.Toggle("starter_pack", "success")
	m.HistoryFailure()
	m.CoverageCache(true)
	m.APIRequest("sites", "ok", 0.1)
	m.ChangeEvent("site_personnel")
}
