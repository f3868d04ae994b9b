package services_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cablelabs/safe/protocol"
	"github.com/cablelabs/safe/services"
	"github.com/cablelabs/safe/testutil"
)

func TestHTTPSafeAggregate(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)
	aggs := testutil.Participants(t, srv.URL, protocol.AlgorithmSAFE, 4, nil)

	results := testutil.AggregateAll(t, aggs, [][]float64{{10, 1}, {20, 2}, {30, 3}, {40, 4}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{25, 2.5}, res, 1e-3)
	}

	ctrl := services.NewHTTPController(&services.HTTPControllerConfig{BaseURL: srv.URL})
	progress, err := ctrl.CheckProgress(context.Background(), "test")
	require.NoError(t, err)
	require.Empty(t, progress.Progress)
	require.Equal(t, protocol.GroupStats{Posted: 4}, progress.Stats[protocol.DefaultGroup])
}

func TestHTTPInsecAggregate(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)
	aggs := testutil.Participants(t, srv.URL, protocol.AlgorithmINSEC, 3, nil)

	results := testutil.AggregateAll(t, aggs, [][]float64{{1}, {2}, {3}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{2}, res, 1e-9)
	}
}

func TestHTTPBonAggregate(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)
	aggs := testutil.Participants(t, srv.URL, protocol.AlgorithmBON, 3, nil)

	results := testutil.AggregateAll(t, aggs, [][]float64{{1, 10}, {3, 30}, {5, 50}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{3, 30}, res, 1e-3)
	}
}

func TestHTTPBackToBackRounds(t *testing.T) {
	for _, alg := range []protocol.Algorithm{protocol.AlgorithmSAFE, protocol.AlgorithmBON, protocol.AlgorithmINSEC} {
		t.Run(string(alg), func(t *testing.T) {
			_, srv := testutil.StartCoordinator(t, nil, nil)
			aggs := testutil.Participants(t, srv.URL, alg, 3, nil)

			results := testutil.AggregateRounds(t, aggs, 3, func(i, r int) []float64 {
				return []float64{float64((i + 1) * (r + 1))}
			})
			for i, rounds := range results {
				require.Len(t, rounds, 3)
				for r, res := range rounds {
					require.InDeltaSlice(t, []float64{float64(2 * (r + 1))}, res, 1e-3, "participant %d round %d", i+1, r+1)
				}
			}
		})
	}
}

func TestHTTPMalformedRequest(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)

	for name, body := range map[string]string{
		"invalid json":   `{"from_node":`,
		"missing target": `{"from_node":1,"aggregate":[1,2]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/post_aggregate", "application/json", bytes.NewBufferString(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var e struct {
				Status protocol.Status `json:"status"`
				Error  string          `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			require.Equal(t, protocol.StatusFailure, e.Status)
			require.NotEmpty(t, e.Error)
		})
	}

	ctrl := services.NewHTTPController(&services.HTTPControllerConfig{BaseURL: srv.URL})
	_, err := ctrl.Register(context.Background(), &protocol.RegisterRequest{})
	require.ErrorIs(t, err, protocol.ErrMalformedRequest)
}

func TestHTTPNotRegistered(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)
	ctrl := services.NewHTTPController(&services.HTTPControllerConfig{BaseURL: srv.URL})

	_, err := ctrl.PostSecret(context.Background(), &protocol.PostSecretRequest{Node: 9, Secret: []float64{1}})
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestHTTPNamespaceAuth(t *testing.T) {
	auth := services.NewNamespaceAuth()
	require.NoError(t, auth.AddNamespace("tenant", "secret"))
	_, srv := testutil.StartCoordinator(t, nil, &services.CoordinatorHandlerConfig{Auth: auth})

	ctx := context.Background()
	register := func(cfg *services.HTTPControllerConfig) error {
		cfg.BaseURL = srv.URL
		_, err := services.NewHTTPController(cfg).Register(ctx, &protocol.RegisterRequest{
			Scope:  protocol.Scope{Namespace: "tenant"},
			PubKey: "key",
		})
		return err
	}

	require.ErrorIs(t, register(&services.HTTPControllerConfig{Namespace: "tenant"}), services.ErrUnauthorized)
	require.ErrorIs(t, register(&services.HTTPControllerConfig{BasicAuth: true, Namespace: "tenant", Password: "wrong"}), services.ErrUnauthorized)
	require.ErrorIs(t, register(&services.HTTPControllerConfig{BasicAuth: true, Namespace: "other", Password: "secret"}), services.ErrUnauthorized)
	require.NoError(t, register(&services.HTTPControllerConfig{BasicAuth: true, Namespace: "tenant", Password: "secret"}))

	resp, err := http.Get(srv.URL + "/check_progress?namespace=tenant")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
}

func TestHTTPAuthenticatedAggregate(t *testing.T) {
	auth := services.NewNamespaceAuth()
	require.NoError(t, auth.AddNamespace("test", "pw"))
	_, srv := testutil.StartCoordinator(t, nil, &services.CoordinatorHandlerConfig{Auth: auth})

	aggs := testutil.Participants(t, srv.URL, protocol.AlgorithmINSEC, 2, func(_ int, cfg *protocol.Config) {
		cfg.BasicAuth = true
		cfg.NamespacePassword = "pw"
	})

	results := testutil.AggregateAll(t, aggs, [][]float64{{2}, {4}})
	for _, res := range results {
		require.InDeltaSlice(t, []float64{3}, res, 1e-9)
	}
}

func TestHTTPClearData(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)
	aggs := testutil.Participants(t, srv.URL, protocol.AlgorithmSAFE, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, aggs[0].ClearData(ctx))

	ctrl := services.NewHTTPController(&services.HTTPControllerConfig{BaseURL: srv.URL})
	regs, err := ctrl.Registrations(ctx, &protocol.RegistrationsRequest{Scope: protocol.Scope{Namespace: "test"}})
	require.NoError(t, err)
	require.Empty(t, regs)
}

func TestHTTPControllerCancel(t *testing.T) {
	_, srv := testutil.StartCoordinator(t, nil, nil)
	ctrl := services.NewHTTPController(&services.HTTPControllerConfig{BaseURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctrl.GetAggregate(ctx, &protocol.NodeRequest{Node: 1})
	require.ErrorIs(t, err, context.Canceled)
}
