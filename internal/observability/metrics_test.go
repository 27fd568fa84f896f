package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/domain"
)

func TestObserveDetector(t *testing.T) {
	m := NewMetrics()
	report := domain.NewDetectorReport("stale")
	report.Evaluated = 10
	report.Flags = 2
	report.SkipN("null_price", 3)
	report.Duration = 5 * time.Millisecond

	m.ObserveDetector(report)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.DetectorEvaluated.WithLabelValues("stale")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DetectorFindings.WithLabelValues("stale")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DetectorSkipped.WithLabelValues("stale", "null_price")))
}

func TestObserveRunAndTextfile(t *testing.T) {
	m := NewMetrics()
	stats := domain.NewLoadStats()
	stats.Rows = 7
	stats.Drop("bad_price")
	m.ObserveLoad(stats)
	m.ObserveRun([]domain.Flag{
		{Reasons: domain.Reasons{domain.ReasonNullPrice}},
		{Reasons: domain.Reasons{domain.ReasonNullPrice, domain.ReasonBenchmarkDeviation}},
	}, 2*time.Second, time.Unix(1700000000, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Flags.WithLabelValues("NullPrice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsDropped.WithLabelValues("bad_price")))

	path := filepath.Join(t.TempDir(), "oracle_audit.prom")
	require.NoError(t, m.WriteTextfile(path))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "oracle_audit_loader_rows_total 7")
	assert.Contains(t, string(body), "oracle_audit_last_run_timestamp_seconds 1.7e+09")
}
