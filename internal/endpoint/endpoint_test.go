package endpoint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/homelink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	defURL  = "wss://us.relay.example/ws"
	fastURL = "wss://eu.relay.example/ws"
	slowURL = "wss://ap.relay.example/ws"
)

func TestSelectorOffersFastestUnblocked(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig(), testlog.Start(t))
	_, ok := s.Alternate(defURL)
	assert.False(t, ok, "no measurements yet")

	s.Update([]Result{
		{URL: defURL, Latency: 120 * time.Millisecond},
		{URL: fastURL, Latency: 30 * time.Millisecond},
		{URL: slowURL, Latency: 60 * time.Millisecond},
	})
	alt, ok := s.Alternate(defURL)
	require.True(t, ok)
	assert.Equal(t, fastURL, alt)

	s.Block(fastURL)
	assert.True(t, s.Blocked(fastURL))
	alt, ok = s.Alternate(defURL)
	require.True(t, ok)
	assert.Equal(t, slowURL, alt)
}

func TestSelectorKeepsDefaultWhenFastestOrCloseEnough(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig(), testlog.Start(t))
	s.Update([]Result{
		{URL: defURL, Latency: 20 * time.Millisecond},
		{URL: fastURL, Latency: 25 * time.Millisecond},
	})
	_, ok := s.Alternate(defURL)
	assert.False(t, ok)

	s.Update([]Result{
		{URL: defURL, Latency: 40 * time.Millisecond},
		{URL: fastURL, Latency: 30 * time.Millisecond},
	})
	_, ok = s.Alternate(defURL)
	assert.False(t, ok, "10ms is below the improvement threshold")
}

func TestSelectorSkipsFailedProbes(t *testing.T) {
	s := NewSelector(DefaultSelectorConfig(), testlog.Start(t))
	s.Update([]Result{
		{URL: defURL, Err: errors.New("down")},
		{URL: fastURL, Err: errors.New("down")},
		{URL: slowURL, Latency: 90 * time.Millisecond},
	})
	alt, ok := s.Alternate(defURL)
	require.True(t, ok)
	assert.Equal(t, slowURL, alt)
}

func TestProberMeasuresConcurrently(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/latency", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	p := NewProber(DefaultProberConfig(), up.Client(), testlog.Start(t))
	upURL := "ws" + strings.TrimPrefix(up.URL, "http") + "/ws"
	brokenURL := "ws" + strings.TrimPrefix(broken.URL, "http") + "/ws"
	results := p.Probe(context.Background(), []string{upURL, brokenURL, "ftp://nowhere"})

	require.Len(t, results, 3)
	assert.Equal(t, upURL, results[0].URL)
	assert.NoError(t, results[0].Err)
	assert.Greater(t, results[0].Latency, time.Duration(0))
	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestProbeURLMapping(t *testing.T) {
	got, err := probeURL("wss://relay.example:8443/ws?x=1", "/latency")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example:8443/latency", got)
	got, err = probeURL("ws://127.0.0.1:9000/ws", "/latency")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/latency", got)
}
