package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	require.NotNil(t, collector)

	// Every metric is registered; vectors appear once they have a child.
	collector.RecordFileClosed("size")
	collector.RecordTransportFailure("mirror", false)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"journal_entries_written_total",
		"journal_bytes_estimated_total",
		"journal_files_opened_total",
		"journal_files_closed_total",
		"journal_transport_failures_total",
		"journal_read_only",
		"journal_entries_replayed_total",
		"journal_files_archived_total",
		"journal_reader_locked",
	}, names)
}

func TestNewCollectorTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestWriterMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordEntryWritten(100)
	c.RecordEntryWritten(50)
	c.RecordFileOpened()
	c.RecordFileClosed("size")
	c.RecordFileClosed("size")
	c.RecordFileClosed("age")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.entriesWritten))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.bytesEstimated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.filesOpened))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.filesClosed.WithLabelValues("size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.filesClosed.WithLabelValues("age")))
}

func TestTransportMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordTransportFailure("primary", true)
	c.RecordTransportFailure("mirror", false)
	c.RecordTransportFailure("mirror", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportFailures.WithLabelValues("primary", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transportFailures.WithLabelValues("mirror", "false")))

	c.SetReadOnly(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.readOnly))
	c.SetReadOnly(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.readOnly))
}

func TestReaderMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordEntryReplayed()
	}
	c.RecordFileArchived()
	c.SetReaderLocked(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.entriesReplayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.filesArchived))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.readerLocked))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordEntryWritten(1)
		c.RecordFileOpened()
		c.RecordFileClosed("shutdown")
		c.RecordTransportFailure("x", true)
		c.SetReadOnly(true)
		c.RecordEntryReplayed()
		c.RecordFileArchived()
		c.SetReaderLocked(true)
	})
}

func TestServer(t *testing.T) {
	srv := NewServer(9191)
	assert.Equal(t, ":9191", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
