package testutil

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cablelabs/safe/protocol"
	"github.com/cablelabs/safe/services"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// CoordinatorConfig returns coordinator settings short enough for tests.
func CoordinatorConfig() *protocol.CoordinatorConfig {
	return &protocol.CoordinatorConfig{
		ProgressTimeout:    5 * time.Second,
		AggregationTimeout: 10 * time.Minute,
		PollTime:           20 * time.Millisecond,
		YieldTime:          time.Millisecond,
	}
}

// StartCoordinator serves a coordinator over httptest. Both are closed when
// the test ends.
func StartCoordinator(t testing.TB, cfg *protocol.CoordinatorConfig, handlerCfg *services.CoordinatorHandlerConfig) (*protocol.Coordinator, *httptest.Server) {
	t.Helper()

	if cfg == nil {
		cfg = CoordinatorConfig()
	}
	coord := protocol.NewCoordinator(cfg)

	r := chi.NewRouter()
	services.NewCoordinatorHandler(coord, handlerCfg).RegisterRoutes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		coord.Close()
	})
	return coord, srv
}

// ParticipantConfig returns a participant configuration pointed at url.
func ParticipantConfig(url string, alg protocol.Algorithm, nodeID int) *protocol.Config {
	cfg := protocol.DefaultConfig()
	cfg.Controller = url
	cfg.Algorithm = alg
	cfg.NodeID = nodeID
	cfg.Namespace = "test"
	cfg.PollTime = 2 * time.Millisecond
	cfg.AggregationTimeout = 10 * time.Second
	cfg.RestartWait = 10 * time.Millisecond
	return cfg
}

// Participants registers n participants over HTTP in order, so participant i
// holds index i+1. mutate may adjust each configuration before registration.
func Participants(t testing.TB, url string, alg protocol.Algorithm, n int, mutate func(i int, cfg *protocol.Config)) []*protocol.Aggregator {
	t.Helper()

	aggs := make([]*protocol.Aggregator, n)
	for i := range aggs {
		cfg := ParticipantConfig(url, alg, i+1)
		if mutate != nil {
			mutate(i, cfg)
		}
		a, err := protocol.NewAggregator(cfg, services.NewHTTPControllerFromConfig(cfg))
		require.NoError(t, err)

		index, err := a.Register(context.Background())
		require.NoError(t, err)
		require.Equal(t, i+1, index)
		aggs[i] = a
	}
	return aggs
}

// AggregateAll runs every participant concurrently and returns their results.
func AggregateAll(t testing.TB, aggs []*protocol.Aggregator, values [][]float64) [][]float64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := make([][]float64, len(aggs))
	errs := make([]error, len(aggs))
	var wg sync.WaitGroup
	for i := range aggs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = aggs[i].Aggregate(ctx, values[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "participant %d", i+1)
	}
	return results
}

// AggregateRounds runs rounds back-to-back aggregations on every participant
// concurrently. Participant i aggregates value(i, r) in round r. It returns
// the results indexed by participant, then round.
func AggregateRounds(t testing.TB, aggs []*protocol.Aggregator, rounds int, value func(i, r int) []float64) [][][]float64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	results := make([][][]float64, len(aggs))
	errs := make([]error, len(aggs))
	var wg sync.WaitGroup
	for i := range aggs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				res, err := aggs[i].Aggregate(ctx, value(i, r))
				if err != nil {
					errs[i] = err
					return
				}
				results[i] = append(results[i], res)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "participant %d", i+1)
	}
	return results
}
