package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/health", "/health"},
		{"/elections/E1", "/elections/*"},
		{"/elections/E1/guardians/G1", "/elections/*"},
		{"/elections", "/elections"}, // Edge case: single segment returns / + segs[0]
		{"/elections?match=E-*", "/elections"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizePathLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Record requests with high cardinality election-id paths
	m.RecordHTTPRequest(context.Background(), "GET", "/elections/E-1/progress", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/elections/E-2/progress", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/tasks/T-1", http.StatusOK, time.Millisecond, 100)

	// Check that we have collapsed paths: /elections/* and /tasks/*

	countElections := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/elections/*", "OK"))
	assert.Equal(t, 2.0, countElections)

	countTasks := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/tasks/*", "OK"))
	assert.Equal(t, 1.0, countTasks)
}

func TestRecordArchiveOperation_DisableBucketLabel(t *testing.T) {
	// Create metrics with bucket label disabled
	reg := prometheus.NewRegistry()
	cfg := Config{EnableBucketLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordArchiveOperation(context.Background(), "PutObject", "election-results-1", time.Millisecond)
	m.RecordArchiveOperation(context.Background(), "PutObject", "election-results-2", time.Millisecond)

	// Should align to bucket="*"
	count := testutil.ToFloat64(m.archiveOperationsTotal.WithLabelValues("PutObject", "*"))
	assert.Equal(t, 2.0, count)
}

func TestRecordArchiveError_DisableBucketLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableBucketLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordArchiveError(context.Background(), "PutObject", "election-results-1", "AccessDenied")
	m.RecordArchiveError(context.Background(), "PutObject", "election-results-2", "AccessDenied")

	count := testutil.ToFloat64(m.archiveOperationErrors.WithLabelValues("PutObject", "*", "AccessDenied"))
	assert.Equal(t, 2.0, count)
}

