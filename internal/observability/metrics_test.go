package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/homelink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestConnectionLifecycle(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.OnConnect("tunnel")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("tunnel")))
	m.OnDisconnect("tunnel", errors.New("reset"))
	m.OnBackoff("tunnel", 12*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected.WithLabelValues("tunnel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues("tunnel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects.WithLabelValues("tunnel", "false")))
}

func TestTunnelAndStreamCounters(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.HandshakeResult("accepted")
	m.HandshakeResult("accepted")
	m.FrameReceived("tunnel", 100)
	m.FrameReceived("tunnel", 20)
	m.StreamOpened("http")
	m.StreamOpened("http")
	m.StreamClosed("http")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.handshakes.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("tunnel")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.frameBytes.WithLabelValues("tunnel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsActive.WithLabelValues("http")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamsTotal.WithLabelValues("http")))
}

func TestInstrumentRecordsRequests(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h := Instrument(testlog.Start(t), m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/metrics", "/metrics", "/missing"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/metrics", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/missing", "404")))
}
