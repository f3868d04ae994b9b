package protocol

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cablelabs/safe/crypto"
)

func testConfig(alg Algorithm) *Config {
	cfg := DefaultConfig()
	cfg.Algorithm = alg
	cfg.Namespace = "test"
	cfg.PollTime = 2 * time.Millisecond
	cfg.AggregationTimeout = 10 * time.Second
	cfg.RestartWait = 10 * time.Millisecond
	return cfg
}

func setupCoordinator(t *testing.T, cfg *CoordinatorConfig) *Coordinator {
	t.Helper()

	c := NewCoordinator(cfg)
	t.Cleanup(c.Close)
	return c
}

// setupParticipants registers n participants in order, so participant i
// gets index i+1.
func setupParticipants(t *testing.T, ctrl Controller, n int, mutate func(i int, cfg *Config)) []*Aggregator {
	t.Helper()

	aggs := make([]*Aggregator, n)
	for i := range aggs {
		cfg := testConfig(AlgorithmSAFE)
		cfg.NodeID = i + 1
		if mutate != nil {
			mutate(i, cfg)
		}
		a, err := NewAggregator(cfg, ctrl)
		require.NoError(t, err)

		index, err := a.Register(context.Background())
		require.NoError(t, err)
		require.Equal(t, i+1, index)
		aggs[i] = a
	}
	return aggs
}

// aggregateAll runs every participant concurrently and returns their results.
func aggregateAll(t *testing.T, aggs []*Aggregator, values [][]float64) [][]float64 {
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

func TestInsecAggregate(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 3, func(_ int, cfg *Config) {
		cfg.Algorithm = AlgorithmINSEC
	})

	results := aggregateAll(t, aggs, [][]float64{{1}, {2}, {3}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{2}, res, 1e-5)
	}
}

func TestInsecAggregateTimeoutIsFatal(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 20 * time.Millisecond
	ctrl := setupCoordinator(t, cfg)
	aggs := setupParticipants(t, ctrl, 2, func(_ int, cfg *Config) {
		cfg.Algorithm = AlgorithmINSEC
	})

	_, err := aggs[0].Aggregate(context.Background(), []float64{1})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSafeAggregate(t *testing.T) {
	values := [][]float64{{10, 1}, {20, 2}, {30, 3}, {40, 4}}

	for name, mutate := range map[string]func(int, *Config){
		"legacy": nil,
		"gcm": func(_ int, cfg *Config) {
			cfg.SymmetricMode = crypto.GCMMode
		},
		"plaintext": func(_ int, cfg *Config) {
			cfg.ShouldEncrypt = false
		},
		"estimated progress": func(_ int, cfg *Config) {
			cfg.EstimateProgress = true
			cfg.PredictedRate = 0.001
			cfg.ChunkSize = 2
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctrl := setupCoordinator(t, testCoordinatorConfig())
			aggs := setupParticipants(t, ctrl, len(values), mutate)

			results := aggregateAll(t, aggs, values)
			for _, res := range results {
				require.InDeltaSlice(t, []float64{25, 2.5}, res, 1e-5)
			}
		})
	}
}

func TestSafeAggregateScalarSingleParticipant(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 1, nil)

	res, err := aggs[0].AggregateScalar(context.Background(), 42)
	require.NoError(t, err)
	require.InDelta(t, 42, res, 1e-5)
}

func TestSafeAggregateRepostsPastFailedRelay(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 100 * time.Millisecond
	ctrl := setupCoordinator(t, cfg)

	live := setupParticipants(t, ctrl, 2, nil)

	// Participant 3 registers and never relays.
	pk, _, err := crypto.GenerateKeyPair(0)
	require.NoError(t, err)
	_, err = ctrl.Register(context.Background(), &RegisterRequest{Scope: Scope{Namespace: "test"}, PubKey: KeyString(pk.String())})
	require.NoError(t, err)

	last, err := NewAggregator(testConfig(AlgorithmSAFE), ctrl)
	require.NoError(t, err)
	index, err := last.Register(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, index)

	results := aggregateAll(t, append(live, last), [][]float64{{10}, {20}, {40}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{70.0 / 3}, res, 1e-5)
	}
}

func TestSafeAggregateRestartsWithoutInitiator(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 40 * time.Millisecond
	ctrl := setupCoordinator(t, cfg)

	// Participant 1 registers and never initiates.
	aggs := setupParticipants(t, ctrl, 2, func(_ int, cfg *Config) {
		cfg.AggregationTimeout = 200 * time.Millisecond
	})

	results := aggregateAll(t, aggs[1:], [][]float64{{7}})
	require.InDeltaSlice(t, []float64{7}, results[0], 1e-5)
	require.True(t, aggs[1].Participant().(*SafeClient).Initiator())
}

func TestSafeRestartHandsOverInitiator(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 2, nil)
	first := aggs[0].Participant().(*SafeClient)
	second := aggs[1].Participant().(*SafeClient)
	require.True(t, first.Initiator())
	require.False(t, second.Initiator())

	ctx := context.Background()
	require.NoError(t, second.Restart(ctx))
	require.NoError(t, first.Restart(ctx))

	require.True(t, second.Initiator())
	require.False(t, first.Initiator(), "a refused participant must stop initiating")
}

func TestAggregateBackToBackRounds(t *testing.T) {
	const (
		participants = 3
		rounds       = 4
	)

	for _, alg := range []Algorithm{AlgorithmSAFE, AlgorithmBON, AlgorithmINSEC} {
		t.Run(string(alg), func(t *testing.T) {
			ctrl := setupCoordinator(t, testCoordinatorConfig())
			aggs := setupParticipants(t, ctrl, participants, func(_ int, cfg *Config) {
				cfg.Algorithm = alg
			})

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			results := make([][][]float64, participants)
			errs := make([]error, participants)
			var wg sync.WaitGroup
			for i := range aggs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					for r := 0; r < rounds; r++ {
						res, err := aggs[i].Aggregate(ctx, []float64{float64((i + 1) * (r + 1))})
						if err != nil {
							errs[i] = err
							return
						}
						results[i] = append(results[i], res)
					}
				}(i)
			}
			wg.Wait()

			for i := range aggs {
				require.NoError(t, errs[i], "participant %d", i+1)
				require.Len(t, results[i], rounds)
				for r, res := range results[i] {
					require.InDeltaSlice(t, []float64{float64(2 * (r + 1))}, res, 1e-5, "participant %d round %d", i+1, r+1)
				}
			}
		})
	}
}

func TestSafeAggregateAcrossGroups(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	group1 := setupParticipants(t, ctrl, 2, nil)
	group2 := setupParticipants(t, ctrl, 2, func(_ int, cfg *Config) {
		cfg.Group = 2
	})

	results := aggregateAll(t, append(group1, group2...), [][]float64{{1}, {3}, {10}, {30}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{11}, res, 1e-5)
	}
}

func TestBonAggregate(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 3, func(_ int, cfg *Config) {
		cfg.Algorithm = AlgorithmBON
	})

	results := aggregateAll(t, aggs, [][]float64{{1, 10}, {2, 20}, {6, 60}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{3, 30}, res, 1e-5)
	}
}

func TestBonAggregateRecoversFromDropout(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 200 * time.Millisecond
	ctrl := setupCoordinator(t, cfg)
	aggs := setupParticipants(t, ctrl, 3, func(_ int, cfg *Config) {
		cfg.Algorithm = AlgorithmBON
	})

	// Participant 3 submits masked weights and never its secret.
	dropped := aggs[2].Participant().(*BonClient)
	masker, err := dropped.masker(context.Background())
	require.NoError(t, err)
	_, err = ctrl.PostWeights(context.Background(), &PostWeightsRequest{
		Scope:   dropped.scope(),
		Node:    dropped.Index(),
		Weights: masker.Mask([]float64{100, 100}),
	})
	require.NoError(t, err)

	results := aggregateAll(t, aggs[:2], [][]float64{{1, 2}, {3, 4}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{2, 3}, res, 1e-5)
	}
}

func TestWeightedAggregate(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 2, func(_ int, cfg *Config) {
		cfg.ShouldEncrypt = false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	weights := []float64{1, 3}
	values := []float64{10, 20}
	results := make([][]float64, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range aggs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = aggs[i].WeightedAggregate(ctx, []float64{values[i]}, weights[i])
		}(i)
	}
	wg.Wait()

	for i := range aggs {
		require.NoError(t, errs[i])
		require.InDeltaSlice(t, []float64{17.5}, results[i], 1e-5)
	}
}

func TestBonRegisterAvoidsTakenPublicValue(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 1, func(_ int, cfg *Config) {
		cfg.Algorithm = AlgorithmBON
	})
	taken := aggs[0].Participant().(*BonClient).keys

	client, err := NewBonClient(testConfig(AlgorithmBON), ctrl)
	require.NoError(t, err)
	client.keys = taken

	ctx := context.Background()
	index, err := client.Register(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, index)
	require.NotEqual(t, taken.PublicString(), client.keys.PublicString())

	// Registering again keeps the index and the key material.
	keys := client.keys
	index, err = client.Register(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, index)
	require.Same(t, keys, client.keys)
}

func TestRegisterLogsIndexOnce(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmSAFE, AlgorithmBON} {
		t.Run(string(alg), func(t *testing.T) {
			ctrl := setupCoordinator(t, testCoordinatorConfig())

			var buf bytes.Buffer
			cfg := testConfig(alg)
			cfg.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
			agg, err := NewAggregator(cfg, ctrl)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				_, err := agg.Register(context.Background())
				require.NoError(t, err)
			}

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			require.Equal(t, 1, strings.Count(lines[len(lines)-1], `"index":`))
		})
	}
}

func TestWeightedVector(t *testing.T) {
	require.Equal(t, []float64{3, 6, 12}, weightedVector([]float64{2, 4}, 3))

	res, err := unweight([]float64{4, 8, 12}, 2)
	require.NoError(t, err)
	require.Equal(t, []float64{2, 3}, res)

	_, err = unweight([]float64{0, 1}, 1)
	require.Error(t, err)
	_, err = unweight([]float64{1, 1}, 2)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestCoordinatorClearDataEvictsNamespace(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 2, nil)
	require.Equal(t, []string{"test"}, ctrl.Namespaces())

	// Progress queries do not create namespaces.
	progress, err := ctrl.CheckProgress("unknown")
	require.NoError(t, err)
	require.Empty(t, progress.Progress)
	require.Equal(t, []string{"test"}, ctrl.Namespaces())

	require.NoError(t, aggs[0].ClearData(context.Background()))
	require.Empty(t, ctrl.Namespaces())

	// The namespace starts afresh on its next request.
	resp, err := ctrl.Register(context.Background(), &RegisterRequest{Scope: Scope{Namespace: "test"}, PubKey: "fresh"})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Index)
}

func TestAggregatorClearData(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())
	aggs := setupParticipants(t, ctrl, 2, nil)

	require.NoError(t, aggs[0].ClearData(context.Background()))

	regs, err := ctrl.Registrations(context.Background(), &RegistrationsRequest{Scope: Scope{Namespace: "test"}})
	require.NoError(t, err)
	require.Empty(t, regs)
}

func TestNewAggregatorRejectsInvalidConfig(t *testing.T) {
	ctrl := setupCoordinator(t, testCoordinatorConfig())

	cfg := testConfig("MPC")
	_, err := NewAggregator(cfg, ctrl)
	require.Error(t, err)

	cfg = testConfig(AlgorithmSAFE)
	cfg.Group = 0
	_, err = NewAggregator(cfg, ctrl)
	require.Error(t, err)

	_, err = NewAggregator(testConfig(AlgorithmSAFE), nil)
	require.Error(t, err)
}
