package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBonRendezvous(t *testing.T) {
	c := NewBonCoordinator("test", testCoordinatorConfig())
	ctx := context.Background()

	for node := 1; node <= 2; node++ {
		c.InitWeights(node)
		require.True(t, c.PostWeights(node, []float64{float64(node), 10}).PostSecret)
		ack, err := c.PostSecret(node, []float64{1, 1})
		require.NoError(t, err)
		require.Equal(t, 1, ack.Epoch)
	}

	res, err := c.GetWeights(ctx, 2, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 2, res.Contributors)
	require.Equal(t, []float64{5, 22}, res.Weights)
	require.False(t, res.PostRevealSecret)
}

func TestBonSecretRequiresWeights(t *testing.T) {
	c := NewBonCoordinator("test", testCoordinatorConfig())

	_, err := c.PostSecret(1, []float64{1})
	require.ErrorIs(t, err, ErrNotRegistered)

	c.InitWeights(1)
	_, err = c.PostRevealSecret(1, []float64{1})
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestBonTimeoutDeclaresFailedNodes(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 50 * time.Millisecond
	c := NewBonCoordinator("test", cfg)
	ctx := context.Background()

	for node := 1; node <= 3; node++ {
		c.InitWeights(node)
		c.PostWeights(node, []float64{float64(node)})
	}
	for node := 1; node <= 2; node++ {
		_, err := c.PostSecret(node, []float64{0})
		require.NoError(t, err)
	}

	res, err := c.GetWeights(ctx, 3, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, res.Status)
	require.True(t, res.PostRevealSecret)
	require.Equal(t, []int{3}, res.FailedNodes)

	// A late secret does not bring the failed node back into the epoch.
	_, err = c.PostSecret(3, []float64{0})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for node := 1; node <= 2; node++ {
		wg.Add(1)
		go func(node int) {
			defer wg.Done()
			_, err := c.PostRevealSecret(node, []float64{0.5})
			assert.NoError(t, err)
		}(node)
	}
	wg.Wait()

	res, err = c.GetWeights(ctx, 3, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 2, res.Contributors)
	require.InDeltaSlice(t, []float64{4}, res.Weights, 1e-9)
}

func TestBonRecoveryTimesOut(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 20 * time.Millisecond
	c := NewBonCoordinator("test", cfg)
	ctx := context.Background()

	for node := 1; node <= 3; node++ {
		c.InitWeights(node)
		c.PostWeights(node, []float64{1})
	}
	_, err := c.PostSecret(1, []float64{0})
	require.NoError(t, err)
	_, err = c.PostSecret(2, []float64{0})
	require.NoError(t, err)

	res, err := c.GetWeights(ctx, 3, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, res.Status)

	// Only node 1 reveals.
	_, err = c.PostRevealSecret(1, []float64{0})
	require.NoError(t, err)

	res, err = c.GetWeights(ctx, 3, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, res.Status)
	require.Equal(t, []int{3}, res.FailedNodes)
}

func TestBonClearData(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.ProgressTimeout = 10 * time.Millisecond
	c := NewBonCoordinator("test", cfg)

	c.InitWeights(1)
	c.PostWeights(1, []float64{1})
	c.ClearData()

	_, err := c.PostSecret(1, []float64{1})
	require.ErrorIs(t, err, ErrNotRegistered)
}
