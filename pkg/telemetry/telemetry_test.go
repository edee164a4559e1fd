package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{Service: "espctl", Out: &buf})
	require.NoError(t, err)

	logger.WithField("host", "H1").Info("polling carve")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "polling carve", record["msg"])
	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "espctl", record["service"])
	assert.Equal(t, "H1", record["host"])
	assert.Contains(t, record, "ts")
	assert.NotContains(t, record, "trace_id")
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	_, err := NewLogger(Options{Service: "espctl", Level: "loud"})
	require.Error(t, err)

	_, err = NewLogger(Options{Service: "espctl", Format: "xml"})
	require.Error(t, err)
}

func TestInitWithoutCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, logger, err := Init(context.Background(), Options{Service: "espctl", Format: "text"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NoError(t, shutdown(context.Background()))

	_, _, err = Init(context.Background(), Options{})
	require.Error(t, err)
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.APIRequest("/hosts", 200)
	m.APIRequest("/hosts", 200)
	m.CarvePoll("not_ready")
	m.CarveDownloaded(512)
	m.InventoryResult("DEVIATED")
	m.CVEFinding()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("/hosts", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.carvePolls.WithLabelValues("not_ready")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.downloadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inventoryResult.WithLabelValues("DEVIATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cveFindings))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.APIRequest("/hosts", 500)
	m.CarvePoll("ready")
	m.CVEFinding()
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Push(context.Background(), "http://localhost:9091", "espctl"))
}
