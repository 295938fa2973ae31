package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMove(t *testing.T) {
	before := testutil.ToFloat64(axisMoves.WithLabelValues("T1", "jog", "ok"))
	RecordMove("T1", "jog", 0.2, nil)
	RecordMove("T1", "jog", 0, errors.New("timeout"))
	assert.Equal(t, before+1, testutil.ToFloat64(axisMoves.WithLabelValues("T1", "jog", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(axisMoves.WithLabelValues("T1", "jog", "error")))
}

func TestRecordFrame(t *testing.T) {
	RecordFrame(true, nil)
	RecordFrame(false, nil)
	assert.GreaterOrEqual(t, testutil.ToFloat64(framesCaptured.WithLabelValues("incomplete")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(framesCaptured.WithLabelValues("ok")), 1.0)
}

func TestHandlerExposesCounters(t *testing.T) {
	SetPosition("T2", 12.5)
	SetScanProgress(40)
	RecordScan(nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stagescan_axis_position_mm{axis="T2"} 12.5`)
	assert.Contains(t, string(body), "stagescan_scan_progress_percent 40")
	assert.Contains(t, string(body), "stagescan_scans_total")
}
