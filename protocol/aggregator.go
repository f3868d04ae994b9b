package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cablelabs/safe/crypto"
)

// Participant is one protocol's client side.
type Participant interface {
	Register(ctx context.Context) (int, error)
	Index() int
	Aggregate(ctx context.Context, value []float64) ([]float64, error)
}

// restarter is implemented by participants that recover from a timed out
// round by asking to take over as initiator.
type restarter interface {
	Restart(ctx context.Context) error
}

// Aggregator is the single entry point for averaging a vector with the
// configured protocol.
type Aggregator struct {
	config      *Config
	ctrl        Controller
	participant Participant
	log         *slog.Logger
}

// NewAggregator creates the participant selected by config.Algorithm.
func NewAggregator(config *Config, ctrl Controller) (*Aggregator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		p   Participant
		err error
	)
	switch config.Algorithm {
	case AlgorithmSAFE:
		p, err = NewSafeClient(config, ctrl)
	case AlgorithmBON:
		p, err = NewBonClient(config, ctrl)
	case AlgorithmINSEC:
		p, err = NewInsecClient(config, ctrl)
	}
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		config:      config,
		ctrl:        ctrl,
		participant: p,
		log:         config.logger().With("algorithm", config.Algorithm, "namespace", config.namespace()),
	}, nil
}

// Register registers the participant with the coordinator and returns its index.
func (a *Aggregator) Register(ctx context.Context) (int, error) {
	return a.participant.Register(ctx)
}

// Index returns the participant's index, or 0 before registration.
func (a *Aggregator) Index() int {
	return a.participant.Index()
}

// Participant returns the underlying protocol participant.
func (a *Aggregator) Participant() Participant {
	return a.participant
}

// Aggregate returns the average of value over every participant. A SAFE
// round that times out is retried with the same value after RestartWait,
// for as long as ctx allows.
func (a *Aggregator) Aggregate(ctx context.Context, value []float64) ([]float64, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("cannot aggregate an empty vector")
	}
	if a.participant.Index() == 0 {
		if _, err := a.participant.Register(ctx); err != nil {
			return nil, err
		}
	}
	value = crypto.CloneVector(value)

	for attempt := 1; ; attempt++ {
		res, err := a.participant.Aggregate(ctx, value)
		if err == nil {
			return res, nil
		}

		r, ok := a.participant.(restarter)
		if !ok || !errors.Is(err, ErrTimeout) {
			return nil, err
		}

		a.log.Warn("Aggregation timed out, restarting", "attempt", attempt, "wait", a.config.RestartWait)
		if err := sleepCtx(ctx, a.config.RestartWait); err != nil {
			return nil, err
		}
		if err := r.Restart(ctx); err != nil {
			return nil, err
		}
	}
}

// AggregateScalar averages a single value.
func (a *Aggregator) AggregateScalar(ctx context.Context, value float64) (float64, error) {
	res, err := a.Aggregate(ctx, []float64{value})
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("%w: expected a scalar, got %d elements", ErrProtocolViolation, len(res))
	}
	return res[0], nil
}

// WeightedAggregate returns the weighted average of value, each
// participant's value counting weight times. The aggregated vector is
// [weight, weight*value...].
func (a *Aggregator) WeightedAggregate(ctx context.Context, value []float64, weight float64) ([]float64, error) {
	res, err := a.Aggregate(ctx, weightedVector(value, weight))
	if err != nil {
		return nil, err
	}
	return unweight(res, len(value))
}

func weightedVector(value []float64, weight float64) []float64 {
	return append([]float64{weight}, crypto.ScaleInplace(crypto.CloneVector(value), weight)...)
}

// unweight divides the weighted sums of res by its leading total weight.
func unweight(res []float64, n int) ([]float64, error) {
	if len(res) != n+1 {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrProtocolViolation, n+1, len(res))
	}
	if res[0] == 0 {
		return nil, fmt.Errorf("total weight is zero")
	}
	return crypto.ScaleInplace(crypto.CloneVector(res[1:]), 1/res[0]), nil
}

// ClearData resets the coordinator state of the configured namespace.
func (a *Aggregator) ClearData(ctx context.Context) error {
	return a.ctrl.ClearData(ctx, &ClearDataRequest{Scope: Scope{Namespace: a.config.namespace()}})
}
