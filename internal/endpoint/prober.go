package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Result is one endpoint's measured round trip.
type Result struct {
	URL     string
	Latency time.Duration
	Err     error
}

type ProberConfig struct {
	// Path is requested on each endpoint's https origin.
	Path        string
	Timeout     time.Duration
	Attempts    int
	Concurrency int
}

func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Path:        "/latency",
		Timeout:     5 * time.Second,
		Attempts:    3,
		Concurrency: 8,
	}
}

// Prober measures endpoints concurrently. Concurrent Probe calls for the
// same endpoint list share one round.
type Prober struct {
	cfg    ProberConfig
	client *http.Client
	log    zerolog.Logger
	group  singleflight.Group
}

func NewProber(cfg ProberConfig, client *http.Client, log zerolog.Logger) *Prober {
	def := DefaultProberConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{cfg: cfg, client: client, log: log}
}

// Probe returns one Result per url in input order. A failing endpoint is
// reported in its Result rather than failing the round.
func (p *Prober) Probe(ctx context.Context, urls []string) []Result {
	key := fmt.Sprint(urls)
	v, _, _ := p.group.Do(key, func() (interface{}, error) {
		return p.probeAll(ctx, urls), nil
	})
	return v.([]Result)
}

func (p *Prober) probeAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			lat, err := p.measure(gctx, u)
			results[i] = Result{URL: u, Latency: lat, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r.Err != nil {
			p.log.Debug().Msgf("endpoint.Prober url=%s err=%v", r.URL, r.Err)
		} else {
			p.log.Debug().Msgf("endpoint.Prober url=%s latency=%s", r.URL, r.Latency)
		}
	}
	return results
}

// measure keeps the best of Attempts round trips so connection setup on the
// first request does not dominate.
func (p *Prober) measure(ctx context.Context, raw string) (time.Duration, error) {
	target, err := probeURL(raw, p.cfg.Path)
	if err != nil {
		return 0, err
	}
	best := time.Duration(-1)
	var lastErr error
	for i := 0; i < p.cfg.Attempts; i++ {
		d, err := p.roundTrip(ctx, target)
		if err != nil {
			lastErr = err
			continue
		}
		if best < 0 || d < best {
			best = d
		}
	}
	if best < 0 {
		return 0, lastErr
	}
	return best, nil
}

func (p *Prober) roundTrip(ctx context.Context, target string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	elapsed := time.Since(start)
	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("endpoint: probe status %d", resp.StatusCode)
	}
	return elapsed, nil
}

// probeURL maps a ws(s) relay url to the http(s) origin plus path.
func probeURL(raw, path string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "http", "https":
	default:
		return "", fmt.Errorf("endpoint: unsupported scheme %q", u.Scheme)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// Refresh probes urls every interval and feeds the selector until ctx ends.
func (p *Prober) Refresh(ctx context.Context, sel *Selector, urls []string, interval time.Duration) {
	if len(urls) == 0 {
		return
	}
	for {
		sel.Update(p.Probe(ctx, urls))
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
