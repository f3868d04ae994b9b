package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cablelabs/safe/crypto"
)

// BonClient is a participant of the pairwise masking protocol.
type BonClient struct {
	config *Config
	ctrl   Controller
	base   *slog.Logger
	log    *slog.Logger

	keys  *crypto.MaskKeys
	index int
}

// NewBonClient creates a masking participant with fresh key material.
func NewBonClient(config *Config, ctrl Controller) (*BonClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}

	keys, err := crypto.GenerateMaskKeys(config.dhGroup())
	if err != nil {
		return nil, fmt.Errorf("failed to generate mask keys: %w", err)
	}

	log := config.logger().With("algorithm", AlgorithmBON, "group", config.Group)
	return &BonClient{
		config: config,
		ctrl:   ctrl,
		base:   log,
		log:    log,
		keys:   keys,
	}, nil
}

func (c *BonClient) scope() Scope {
	return Scope{Namespace: c.config.namespace(), Group: c.config.Group}
}

// maxKeyAttempts bounds how often a first registration draws new key
// material because its public value is already registered.
const maxKeyAttempts = 16

// Register publishes the public mask value and creates the node's weights
// state. Registrations are keyed by public value, so before its first
// registration a participant draws new key material until its public value
// is not taken by a peer.
func (c *BonClient) Register(ctx context.Context) (int, error) {
	if c.index == 0 {
		if err := c.uniqueKeys(ctx); err != nil {
			return 0, err
		}
	}

	resp, err := c.ctrl.Register(ctx, &RegisterRequest{Scope: c.scope(), PubKey: KeyString(c.keys.PublicString())})
	if err != nil {
		return 0, fmt.Errorf("registration failed: %w", err)
	}
	if err := c.ctrl.InitWeights(ctx, &NodeRequest{Scope: c.scope(), Node: resp.Index}); err != nil {
		return 0, fmt.Errorf("init weights failed: %w", err)
	}
	c.index = resp.Index
	c.log = c.base.With("index", c.index)
	c.log.Info("Registered")
	return c.index, nil
}

func (c *BonClient) uniqueKeys(ctx context.Context) error {
	regs, err := c.ctrl.Registrations(ctx, &RegistrationsRequest{Scope: c.scope()})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	taken := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		taken[reg.PubKey] = struct{}{}
	}

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		if _, ok := taken[c.keys.PublicString()]; !ok {
			return nil
		}
		c.log.Debug("Public value already registered, drawing new keys", "attempt", attempt+1)
		keys, err := crypto.GenerateMaskKeys(c.config.dhGroup())
		if err != nil {
			return fmt.Errorf("failed to generate mask keys: %w", err)
		}
		c.keys = keys
	}
	return fmt.Errorf("registration failed: no free public value after %d attempts", maxKeyAttempts)
}

// Index returns the node id, or 0 before registration.
func (c *BonClient) Index() int {
	return c.index
}

func (c *BonClient) masker(ctx context.Context) (*crypto.PairwiseMasker, error) {
	regs, err := c.ctrl.Registrations(ctx, &RegistrationsRequest{Scope: c.scope()})
	if err != nil {
		return nil, err
	}

	peers := make(map[int]uint64, len(regs))
	for index, reg := range regs {
		pub, err := crypto.ParsePublicValue(reg.PubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: participant %d: %v", ErrProtocolViolation, index, err)
		}
		peers[index] = pub
	}
	return crypto.NewPairwiseMasker(c.keys, c.index, peers), nil
}

// Aggregate submits masked weights and returns the mean over every
// participant that completed the epoch. Participants that drop out are
// revealed for once; a second failure returns ErrDropout.
func (c *BonClient) Aggregate(ctx context.Context, value []float64) ([]float64, error) {
	if c.index == 0 {
		return nil, ErrNotRegistered
	}

	masker, err := c.masker(ctx)
	if err != nil {
		return nil, err
	}
	n := len(value)

	posted, err := c.ctrl.PostWeights(ctx, &PostWeightsRequest{Scope: c.scope(), Node: c.index, Weights: masker.Mask(value)})
	if err != nil {
		return nil, err
	}
	if !posted.PostSecret {
		return nil, fmt.Errorf("%w: coordinator did not request the secret", ErrProtocolViolation)
	}

	sec, err := c.ctrl.PostSecret(ctx, &PostSecretRequest{Scope: c.scope(), Node: c.index, Secret: masker.Secret(n)})
	if err != nil {
		return nil, err
	}
	epoch := sec.Epoch
	waitFor := len(masker.Peers())

	resp, err := c.getWeights(ctx, waitFor, epoch)
	if err != nil {
		return nil, err
	}

	if resp.Status != StatusOK {
		if !resp.PostRevealSecret {
			return nil, fmt.Errorf("%w: get_weights status %q", ErrProtocolViolation, resp.Status)
		}
		c.log.Warn("Participants dropped out, revealing", "epoch", epoch, "failed", resp.FailedNodes)

		_, err := c.ctrl.PostRevealSecret(ctx, &PostRevealSecretRequest{
			Scope:        c.scope(),
			Node:         c.index,
			RevealSecret: masker.Reveal(resp.FailedNodes, n),
		})
		if err != nil {
			return nil, err
		}

		resp, err = c.getWeights(ctx, waitFor, epoch)
		if err != nil {
			return nil, err
		}
		if resp.Status != StatusOK {
			return nil, fmt.Errorf("%w: recovery of epoch %d failed", ErrDropout, epoch)
		}
	}

	if resp.Contributors <= 0 || len(resp.Weights) != n {
		return nil, fmt.Errorf("%w: get_weights returned %d weights from %d contributors", ErrProtocolViolation, len(resp.Weights), resp.Contributors)
	}
	return crypto.ScaleInplace(resp.Weights, 1/float64(resp.Contributors)), nil
}

// getWeights re-issues the rendezvous while the coordinator reports nothing.
func (c *BonClient) getWeights(ctx context.Context, waitFor, epoch int) (*GetWeightsResponse, error) {
	for {
		resp, err := c.ctrl.GetWeights(ctx, &GetWeightsRequest{Scope: c.scope(), WaitFor: waitFor, Epoch: epoch})
		if err != nil {
			return nil, err
		}
		if resp.Status != StatusEmpty {
			return resp, nil
		}
		if err := sleepCtx(ctx, c.config.PollTime); err != nil {
			return nil, err
		}
	}
}
