package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// InsecClient submits plaintext vectors to the baseline rendezvous.
type InsecClient struct {
	config *Config
	ctrl   Controller
	log    *slog.Logger

	index int
}

// NewInsecClient creates a baseline participant identified by config.NodeID.
func NewInsecClient(config *Config, ctrl Controller) (*InsecClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if config.NodeID < 1 {
		return nil, fmt.Errorf("node id must be positive, got %d", config.NodeID)
	}
	return &InsecClient{
		config: config,
		ctrl:   ctrl,
		log:    config.logger().With("algorithm", AlgorithmINSEC, "node", config.NodeID),
	}, nil
}

func (c *InsecClient) scope() Scope {
	return Scope{Namespace: c.config.namespace(), Group: c.config.Group}
}

// Register registers the node id so peers can count participants.
func (c *InsecClient) Register(ctx context.Context) (int, error) {
	resp, err := c.ctrl.Register(ctx, &RegisterRequest{Scope: c.scope(), PubKey: KeyString(strconv.Itoa(c.config.NodeID))})
	if err != nil {
		return 0, fmt.Errorf("registration failed: %w", err)
	}
	c.index = resp.Index
	c.log.Info("Registered", "index", c.index)
	return c.index, nil
}

// Index returns the registration index, or 0 before registration.
func (c *InsecClient) Index() int {
	return c.index
}

// Aggregate submits value and waits for the mean over every registered participant.
func (c *InsecClient) Aggregate(ctx context.Context, value []float64) ([]float64, error) {
	if c.index == 0 {
		return nil, ErrNotRegistered
	}

	regs, err := c.ctrl.Registrations(ctx, &RegistrationsRequest{Scope: c.scope()})
	if err != nil {
		return nil, err
	}

	resp, err := c.ctrl.UpdateModel(ctx, &UpdateModelRequest{
		Scope:   c.scope(),
		Node:    c.config.NodeID,
		Coef:    value,
		WaitFor: max(1, len(regs)),
	})
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case StatusOK:
		if len(resp.Coef) != len(value) {
			return nil, fmt.Errorf("%w: update_model returned %d elements, expected %d", ErrProtocolViolation, len(resp.Coef), len(value))
		}
		return resp.Coef, nil
	case StatusEmpty:
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("%w: update_model status %q", ErrProtocolViolation, resp.Status)
	}
}
