package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cablelabs/safe/protocol"
)

func TestParseVector(t *testing.T) {
	v, err := parseVector("1, 2.5\t-3")
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2.5, -3}, v)

	_, err = parseVector("1,x")
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	coord := protocol.NewCoordinator(&protocol.CoordinatorConfig{
		ProgressTimeout:    5 * time.Second,
		AggregationTimeout: time.Minute,
		PollTime:           20 * time.Millisecond,
	})
	t.Cleanup(coord.Close)

	cfg := protocol.DefaultConfig()
	cfg.Algorithm = protocol.AlgorithmINSEC
	cfg.NodeID = 7
	agg, err := protocol.NewAggregator(cfg, coord)
	require.NoError(t, err)

	var out bytes.Buffer
	weight := 2.0
	in := strings.NewReader("oops\n\n2, 4\n")
	require.NoError(t, run(context.Background(), agg, &weight, in, &out))

	require.Contains(t, out.String(), "Registered as node 1\n")
	require.Contains(t, out.String(), "Invalid input")
	require.Contains(t, out.String(), "2.00000\n4.00000\n")
}
