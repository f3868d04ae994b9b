package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/cablelabs/safe/crypto"
)

// SafeClient is a participant of the ring protocol. The initiator blinds
// its value with a random vector and posts it to its successor. Every relay
// adds its own value and forwards the sum, encrypted for the next node.
// The initiator finally removes the blinding and publishes the average.
type SafeClient struct {
	config *Config
	ctrl   Controller
	base   *slog.Logger
	log    *slog.Logger

	publicKey  *crypto.PublicKey
	privateKey *crypto.PrivateKey

	index     int
	initiator bool
	peers     map[int]*crypto.PublicKey
}

// NewSafeClient creates a ring participant and generates its relay key pair.
func NewSafeClient(config *Config, ctrl Controller) (*SafeClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}

	pk, sk, err := crypto.GenerateKeyPair(config.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}

	log := config.logger().With("algorithm", AlgorithmSAFE, "group", config.Group)
	return &SafeClient{
		config:     config,
		ctrl:       ctrl,
		base:       log,
		log:        log,
		publicKey:  pk,
		privateKey: sk,
	}, nil
}

func (c *SafeClient) scope() Scope {
	return Scope{Namespace: c.config.namespace(), Group: c.config.Group}
}

// Register registers the relay public key. The first participant of a
// group becomes its initiator.
func (c *SafeClient) Register(ctx context.Context) (int, error) {
	resp, err := c.ctrl.Register(ctx, &RegisterRequest{Scope: c.scope(), PubKey: KeyString(c.publicKey.String())})
	if err != nil {
		return 0, fmt.Errorf("registration failed: %w", err)
	}
	c.index = resp.Index
	c.initiator = resp.Index == 1
	c.log = c.base.With("index", c.index)
	c.log.Info("Registered", "initiator", c.initiator)
	return c.index, nil
}

// Index returns the ring index, or 0 before registration.
func (c *SafeClient) Index() int {
	return c.index
}

// Initiator reports whether this participant currently initiates its ring.
func (c *SafeClient) Initiator() bool {
	return c.initiator
}

// refreshPeers reloads the ring from the coordinator.
func (c *SafeClient) refreshPeers(ctx context.Context) error {
	regs, err := c.ctrl.Registrations(ctx, &RegistrationsRequest{Scope: c.scope()})
	if err != nil {
		return err
	}

	peers := make(map[int]*crypto.PublicKey, len(regs))
	for index, reg := range regs {
		if !c.config.ShouldEncrypt {
			peers[index] = nil
			continue
		}
		pk, err := crypto.NewPublicKeyFromPEM(reg.PubKey)
		if err != nil {
			return fmt.Errorf("%w: participant %d: %v", ErrProtocolViolation, index, err)
		}
		peers[index] = pk
	}
	c.peers = peers
	return nil
}

// Aggregate runs one ring round and returns the average over every group.
// It returns ErrTimeout when the round does not complete within the
// aggregation timeout.
func (c *SafeClient) Aggregate(ctx context.Context, value []float64) ([]float64, error) {
	if c.index == 0 {
		return nil, ErrNotRegistered
	}
	if err := c.refreshPeers(ctx); err != nil {
		return nil, err
	}
	if len(c.peers) == 0 {
		return nil, ErrNotRegistered
	}

	r := &safeAttempt{
		SafeClient: c,
		start:      time.Now(),
		n:          len(c.peers),
	}
	if c.initiator {
		return r.initiate(ctx, value)
	}
	return r.relay(ctx, value)
}

// Restart asks the coordinator to hand this participant the initiator role
// of a stalled round. A participant refused the role relays from then on,
// so the round keeps a single initiator.
func (c *SafeClient) Restart(ctx context.Context) error {
	resp, err := c.ctrl.ShouldInitiate(ctx, &NodeRequest{Scope: c.scope(), Node: c.index})
	if err != nil {
		return err
	}
	switch {
	case resp.Init:
		c.log.Info("Took over as initiator")
	case c.initiator:
		c.log.Info("Another participant took over as initiator")
	}
	c.initiator = resp.Init
	return nil
}

// safeAttempt is one attempt at a ring round. round is learned from the
// running sum this participant receives.
type safeAttempt struct {
	*SafeClient
	start time.Time
	n     int
	round int
}

func (r *safeAttempt) next(index int) int {
	return index%r.n + 1
}

func (r *safeAttempt) initiate(ctx context.Context, value []float64) ([]float64, error) {
	blinding, err := crypto.RandomBlindingVector(len(value), r.config.MaxRandom, r.config.Precision)
	if err != nil {
		return nil, err
	}
	blinded := crypto.AddInplace(crypto.CloneVector(value), blinding)

	if err := r.forward(ctx, blinded, r.next(r.index)); err != nil {
		return nil, err
	}

	if err := r.waitTurn(ctx, r.maxPriority()); err != nil {
		return nil, err
	}
	sum, posted, err := r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if posted <= 0 {
		return nil, fmt.Errorf("%w: %d contributions posted", ErrProtocolViolation, posted)
	}
	if len(sum) != len(blinding) {
		return nil, fmt.Errorf("%w: aggregate has %d elements, expected %d", ErrProtocolViolation, len(sum), len(blinding))
	}

	average := crypto.ScaleInplace(crypto.SubInplace(sum, blinding), 1/float64(posted))
	node := r.index
	if err := r.ctrl.PostAverage(ctx, &PostAverageRequest{Scope: r.scope(), Node: &node, Round: r.round, Average: average}); err != nil {
		return nil, err
	}
	r.log.Debug("Average posted", "posted", posted, "round", r.round)

	return r.average(ctx)
}

func (r *safeAttempt) relay(ctx context.Context, value []float64) ([]float64, error) {
	if err := r.waitTurn(ctx, r.priority()); err != nil {
		return nil, err
	}
	sum, _, err := r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if len(sum) != len(value) {
		return nil, fmt.Errorf("%w: aggregate has %d elements, expected %d", ErrProtocolViolation, len(sum), len(value))
	}

	if err := r.forward(ctx, crypto.AddInplace(sum, value), r.next(r.index)); err != nil {
		return nil, err
	}
	return r.average(ctx)
}

// forward posts sum to target and waits until it is consumed, reposting to
// the following node whenever the coordinator declares the target failed.
func (r *safeAttempt) forward(ctx context.Context, sum []float64, target int) error {
	if err := r.post(ctx, sum, target); err != nil {
		return err
	}

	for {
		resp, err := r.ctrl.CheckAggregate(ctx, &NodeRequest{Scope: r.scope(), Node: target})
		if err != nil {
			return err
		}

		switch resp.Status {
		case StatusConsumed:
			return nil
		case StatusRepost:
			target = (resp.RepostTo-1)%r.n + 1
			r.log.Warn("Relay target failed, reposting", "target", target)
			if err := r.post(ctx, sum, target); err != nil {
				return err
			}
		case StatusEmpty:
			if err := r.backoff(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: check_aggregate status %q", ErrProtocolViolation, resp.Status)
		}
	}
}

func (r *safeAttempt) post(ctx context.Context, sum []float64, target int) error {
	payload, err := r.seal(sum, target)
	if err != nil {
		return err
	}
	return r.ctrl.PostAggregate(ctx, &PostAggregateRequest{
		Scope:     r.scope(),
		FromNode:  r.index,
		ToNode:    target,
		Aggregate: payload,
	})
}

// receive waits for the running sum addressed to this participant.
func (r *safeAttempt) receive(ctx context.Context) ([]float64, int, error) {
	for {
		resp, err := r.ctrl.GetAggregate(ctx, &NodeRequest{Scope: r.scope(), Node: r.index})
		if err != nil {
			return nil, 0, err
		}

		switch resp.Status {
		case StatusOK:
			if resp.Aggregate == nil {
				return nil, 0, fmt.Errorf("%w: get_aggregate returned no aggregate", ErrProtocolViolation)
			}
			sum, err := r.open(resp.Aggregate)
			if err != nil {
				return nil, 0, err
			}
			r.round = resp.Round
			return sum, resp.Posted, nil
		case StatusEmpty:
			if err := r.backoff(ctx); err != nil {
				return nil, 0, err
			}
		default:
			return nil, 0, fmt.Errorf("%w: get_aggregate status %q", ErrProtocolViolation, resp.Status)
		}
	}
}

// average waits for the average combined over every group for the
// generation this attempt's round completed in.
func (r *safeAttempt) average(ctx context.Context) ([]float64, error) {
	node := r.index
	for {
		if err := r.waitAverage(ctx); err != nil {
			return nil, err
		}

		resp, err := r.ctrl.GetAverage(ctx, &GetAverageRequest{Scope: r.scope(), Node: &node, Round: r.round})
		if err != nil {
			return nil, err
		}

		switch resp.Status {
		case StatusOK:
			return resp.Average, nil
		case StatusEmpty:
			if err := r.backoff(ctx); err != nil {
				return nil, err
			}
		case StatusFailure:
			return nil, fmt.Errorf("%w: group averages disagree in length", ErrProtocolViolation)
		default:
			return nil, fmt.Errorf("%w: get_average status %q", ErrProtocolViolation, resp.Status)
		}
	}
}

// backoff fails the attempt once the aggregation timeout has passed since
// the round started and otherwise sleeps for the poll interval.
func (r *safeAttempt) backoff(ctx context.Context) error {
	if time.Since(r.start) > r.config.AggregationTimeout {
		return ErrTimeout
	}
	return sleepCtx(ctx, r.config.PollTime)
}

func (r *safeAttempt) seal(sum []float64, target int) (Payload, error) {
	if !r.config.ShouldEncrypt {
		return Payload{Vector: crypto.CloneVector(sum)}, nil
	}
	pk, ok := r.peers[target]
	if !ok || pk == nil {
		return Payload{}, fmt.Errorf("%w: no key for participant %d", ErrProtocolViolation, target)
	}
	env, err := crypto.Encrypt(sum, pk, r.config.SymmetricMode)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Envelope: env}, nil
}

func (r *safeAttempt) open(p *Payload) ([]float64, error) {
	if p.Envelope != nil {
		return crypto.Decrypt(p.Envelope, r.privateKey)
	}
	if r.config.ShouldEncrypt {
		return nil, fmt.Errorf("%w: expected an encrypted aggregate", ErrProtocolViolation)
	}
	return crypto.CloneVector(p.Vector), nil
}

// priority is the chunk of the ring this participant relays in.
func (r *safeAttempt) priority() float64 {
	return math.Ceil(float64(r.index) / float64(r.config.ChunkSize))
}

func (r *safeAttempt) maxPriority() float64 {
	return math.Ceil(float64(r.n) / float64(r.config.ChunkSize))
}

// waitTurn sleeps for the predicted time until the running sum reaches
// a participant of the given priority.
func (r *safeAttempt) waitTurn(ctx context.Context, priority float64) error {
	if !r.config.EstimateProgress {
		return nil
	}
	d := secondsDuration(math.Pow(priority, r.config.SlowdownFactor) * r.config.PredictedRate)
	r.log.Debug("Waiting for turn", "wait", d)
	return sleepCtx(ctx, d)
}

// waitAverage sleeps until the predicted end of the round plus a jitter.
func (r *safeAttempt) waitAverage(ctx context.Context) error {
	if !r.config.EstimateProgress {
		return nil
	}
	predicted := secondsDuration(math.Pow(r.maxPriority(), r.config.SlowdownFactor) * r.config.PredictedRate)
	wait := max(0, predicted-time.Since(r.start)) + secondsDuration(rand.Float64())
	return sleepCtx(ctx, wait)
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
