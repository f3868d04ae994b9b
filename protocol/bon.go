package protocol

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/cablelabs/safe/crypto"
)

// retainedEpochs bounds how many epochs of submissions a node keeps for
// participants still waiting on an earlier rendezvous.
const retainedEpochs = 8

// bonEpoch is what a node submitted for one epoch.
type bonEpoch struct {
	weights []float64
	secret  []float64
	reveal  []float64
}

func (e *bonEpoch) complete() bool {
	return e != nil && e.weights != nil && e.secret != nil
}

// bonNode is the BON state of one participant. Submissions are kept per
// epoch, so a participant that moves on to its next epoch does not disturb
// the rendezvous of peers still finishing the previous one.
type bonNode struct {
	epoch  int
	epochs map[int]*bonEpoch
}

func (n *bonNode) current() (*bonEpoch, bool) {
	e, ok := n.epochs[n.epoch]
	return e, ok
}

// BonCoordinator holds the masking protocol state of one namespace.
type BonCoordinator struct {
	namespace string
	cfg       CoordinatorConfig
	log       *slog.Logger

	mu    sync.Mutex
	nodes map[int]*bonNode
	// failed records, per epoch, the nodes declared failed by a timed out
	// rendezvous. They stay excluded from that epoch even if they post late.
	failed map[int]map[int]struct{}
}

// NewBonCoordinator creates the masking protocol state of a namespace.
func NewBonCoordinator(namespace string, config *CoordinatorConfig) *BonCoordinator {
	cfg := config.withDefaults()
	return &BonCoordinator{
		namespace: namespace,
		cfg:       cfg,
		log:       cfg.Logger.With("namespace", namespace, "algorithm", AlgorithmBON),
		nodes:     make(map[int]*bonNode),
		failed:    make(map[int]map[int]struct{}),
	}
}

// InitWeights creates the state of node. Existing state is kept.
func (c *BonCoordinator) InitWeights(node int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodeLocked(node)
}

func (c *BonCoordinator) nodeLocked(node int) *bonNode {
	n, ok := c.nodes[node]
	if !ok {
		n = &bonNode{epochs: make(map[int]*bonEpoch)}
		c.nodes[node] = n
	}
	return n
}

// PostWeights stores masked weights under the node's next epoch and drops
// the node's submissions older than retainedEpochs. The participant must
// follow up with its secret.
func (c *BonCoordinator) PostWeights(node int, weights []float64) *PostWeightsResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodeLocked(node)
	n.epoch++
	n.epochs[n.epoch] = &bonEpoch{weights: crypto.CloneVector(weights)}
	delete(n.epochs, n.epoch-retainedEpochs)
	delete(c.failed, n.epoch-retainedEpochs)
	c.log.Debug("Weights posted", "node", node, "epoch", n.epoch)
	return &PostWeightsResponse{PostSecret: true}
}

// PostSecret stores the node's negated private mask for its current epoch.
// It fails with ErrNotRegistered before the node's first weights.
func (c *BonCoordinator) PostSecret(node int, secret []float64) (*EpochResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[node]
	if !ok {
		return nil, ErrNotRegistered
	}
	e, ok := n.current()
	if !ok {
		return nil, ErrNotRegistered
	}
	e.secret = crypto.CloneVector(secret)
	return &EpochResponse{Status: StatusOK, Epoch: n.epoch}, nil
}

// PostRevealSecret stores the node's correction for failed participants
// under its current epoch.
func (c *BonCoordinator) PostRevealSecret(node int, reveal []float64) (*EpochResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[node]
	if !ok {
		return nil, ErrNotRegistered
	}
	e, ok := n.current()
	if !ok {
		return nil, ErrNotRegistered
	}
	e.reveal = crypto.CloneVector(reveal)
	return &EpochResponse{Status: StatusOK, Epoch: n.epoch}, nil
}

// GetWeights waits, bounded by the progress timeout, until waitFor nodes
// have posted weights and secrets for epoch, or until every surviving node
// of a recovered epoch has revealed. It then returns the unmasked sum over
// the contributing nodes. On timeout it returns a failure naming the nodes
// that must be revealed for.
func (c *BonCoordinator) GetWeights(ctx context.Context, waitFor, epoch int) (*GetWeightsResponse, error) {
	res, done, err := pollLocked(ctx, &c.mu, c.cfg.ProgressTimeout, c.cfg.YieldTime, func() (*GetWeightsResponse, bool) {
		return c.rendezvousLocked(waitFor, epoch)
	})
	if err != nil || done {
		return res, err
	}

	c.mu.Lock()
	failed := c.declareFailedLocked(epoch)
	c.mu.Unlock()

	c.cfg.Events.DropoutDetected(c.namespace, failed)
	c.cfg.Events.RendezvousTimedOut(c.namespace, AlgorithmBON)
	c.log.Warn("Rendezvous timed out", "epoch", epoch, "waitFor", waitFor, "failed", failed)

	return &GetWeightsResponse{
		Status:           StatusFailure,
		PostRevealSecret: true,
		FailedNodes:      failed,
	}, nil
}

func (c *BonCoordinator) contributorsLocked(epoch int) (contributors []int, revealed int) {
	fenced := c.failed[epoch]
	for id, n := range c.nodes {
		if _, ok := fenced[id]; ok {
			continue
		}
		e := n.epochs[epoch]
		if !e.complete() {
			continue
		}
		contributors = append(contributors, id)
		if e.reveal != nil {
			revealed++
		}
	}
	sort.Ints(contributors)
	return contributors, revealed
}

func (c *BonCoordinator) rendezvousLocked(waitFor, epoch int) (*GetWeightsResponse, bool) {
	contributors, revealed := c.contributorsLocked(epoch)
	recovered := len(c.failed[epoch]) > 0 && revealed > 0 && revealed == len(contributors)
	if len(contributors) == 0 || (len(contributors) < waitFor && !recovered) {
		return &GetWeightsResponse{Status: StatusEmpty}, false
	}

	var sum []float64
	for _, id := range contributors {
		e := c.nodes[id].epochs[epoch]
		if sum == nil {
			sum = make([]float64, len(e.weights))
		}
		if !crypto.SameLength(sum, e.weights, e.secret) {
			return &GetWeightsResponse{Status: StatusFailure}, true
		}
		crypto.AddInplace(sum, e.weights)
		crypto.AddInplace(sum, e.secret)
		if e.reveal != nil {
			if len(e.reveal) != len(sum) {
				return &GetWeightsResponse{Status: StatusFailure}, true
			}
			crypto.AddInplace(sum, e.reveal)
		}
	}

	return &GetWeightsResponse{
		Status:       StatusOK,
		Weights:      sum,
		Contributors: len(contributors),
	}, true
}

// declareFailedLocked fences every node that has not completed epoch. Nodes
// already past epoch keep their submissions for it and are not fenced.
func (c *BonCoordinator) declareFailedLocked(epoch int) []int {
	fenced := c.failed[epoch]
	if fenced == nil {
		fenced = make(map[int]struct{})
		c.failed[epoch] = fenced
	}
	for id, n := range c.nodes {
		if !n.epochs[epoch].complete() {
			fenced[id] = struct{}{}
		}
	}

	failed := make([]int, 0, len(fenced))
	for id := range fenced {
		failed = append(failed, id)
	}
	sort.Ints(failed)
	return failed
}

// ClearData drops every node of the namespace.
func (c *BonCoordinator) ClearData() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[int]*bonNode)
	c.failed = make(map[int]map[int]struct{})
}

