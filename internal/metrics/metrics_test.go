package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New("")
	m.IncJob("attribution", "done")
	m.IncJob("attribution", "done")
	m.ObserveCollection("success", 3*time.Second)
	m.SetReportCount("task-1", 150)
	m.SetReportCount("task-2", -1)
	m.ObservePersist("ads.attribution_conversions", 4, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Jobs.WithLabelValues("attribution", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collections.WithLabelValues("success")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.ReportCount.WithLabelValues("task-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReportCount), "unknown report counts are not recorded")
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RowsWritten.WithLabelValues("ads.attribution_conversions")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncJob("attribution", "failed")
		m.ObserveCollection("timeout", time.Second)
		m.IncBackupErrors()
		m.MarkSuccess(time.Now())
		require.NoError(t, m.Push(context.Background(), "http://unused", "job", nil))
	})
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New("")
	m.IncJob("incrementality", "not_due")
	require.NoError(t, m.Push(context.Background(), srv.URL, "dap_collector", map[string]string{"project": "ads"}))

	assert.Equal(t, "/metrics/job/dap_collector/project/ads", gotPath)
	assert.Contains(t, gotBody, "dap_collector_jobs_total")
}
