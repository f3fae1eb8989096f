// Package endpoint chooses which relay endpoint the primary connection
// dials, based on measured latency.
package endpoint

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

type SelectorConfig struct {
	// BlockFor is how long a failed alternate is skipped.
	BlockFor time.Duration
	// MinImprovement is how much faster than the default an alternate must
	// measure before it is offered.
	MinImprovement time.Duration
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		BlockFor:       time.Hour,
		MinImprovement: 20 * time.Millisecond,
	}
}

// Selector remembers the lowest-latency endpoint from the last probe round.
type Selector struct {
	cfg     SelectorConfig
	log     zerolog.Logger
	blocked *cache.Cache

	mu      sync.Mutex
	results map[string]Result
}

func NewSelector(cfg SelectorConfig, log zerolog.Logger) *Selector {
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = DefaultSelectorConfig().BlockFor
	}
	return &Selector{
		cfg:     cfg,
		log:     log,
		blocked: cache.New(cfg.BlockFor, cfg.BlockFor),
		results: make(map[string]Result),
	}
}

// Update replaces the latency table with a new probe round.
func (s *Selector) Update(results []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = make(map[string]Result, len(results))
	for _, r := range results {
		s.results[r.URL] = r
	}
}

// Alternate returns the fastest reachable, unblocked endpoint when it beats
// def by at least MinImprovement.
func (s *Selector) Alternate(def string) (string, bool) {
	s.mu.Lock()
	ranked := make([]Result, 0, len(s.results))
	for _, r := range s.results {
		if r.Err == nil {
			ranked = append(ranked, r)
		}
	}
	defResult, haveDef := s.results[def]
	s.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Latency == ranked[j].Latency {
			return ranked[i].URL < ranked[j].URL
		}
		return ranked[i].Latency < ranked[j].Latency
	})
	for _, r := range ranked {
		if r.URL == def {
			return "", false
		}
		if _, blocked := s.blocked.Get(r.URL); blocked {
			continue
		}
		if haveDef && defResult.Err == nil && defResult.Latency-r.Latency < s.cfg.MinImprovement {
			return "", false
		}
		return r.URL, true
	}
	return "", false
}

// Block skips url for BlockFor.
func (s *Selector) Block(url string) {
	s.blocked.Set(url, struct{}{}, cache.DefaultExpiration)
	s.log.Info().Msgf("endpoint.Selector block url=%s for=%s", url, s.cfg.BlockFor)
}

func (s *Selector) Blocked(url string) bool {
	_, ok := s.blocked.Get(url)
	return ok
}
