package protocol

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cablelabs/safe/crypto"
)

// insecEntry keeps a node's recent vectors by epoch.
type insecEntry struct {
	epoch int
	coefs map[int][]float64
}

// InsecCoordinator averages plaintext vectors. It offers no privacy and
// serves as a baseline.
type InsecCoordinator struct {
	namespace string
	cfg       CoordinatorConfig
	log       *slog.Logger

	mu      sync.Mutex
	entries map[int]*insecEntry
}

// NewInsecCoordinator creates the baseline state of a namespace.
func NewInsecCoordinator(namespace string, config *CoordinatorConfig) *InsecCoordinator {
	cfg := config.withDefaults()
	return &InsecCoordinator{
		namespace: namespace,
		cfg:       cfg,
		log:       cfg.Logger.With("namespace", namespace, "algorithm", AlgorithmINSEC),
		entries:   make(map[int]*insecEntry),
	}
}

// UpdateModel records coef under the node's next epoch, waits until waitFor
// nodes have posted that epoch and returns the mean of the epoch's vectors.
// An expired wait returns status empty.
func (c *InsecCoordinator) UpdateModel(ctx context.Context, node int, coef []float64, waitFor int) (*UpdateModelResponse, error) {
	c.mu.Lock()
	e, ok := c.entries[node]
	if !ok {
		e = &insecEntry{coefs: make(map[int][]float64)}
		c.entries[node] = e
	}
	e.epoch++
	e.coefs[e.epoch] = crypto.CloneVector(coef)
	delete(e.coefs, e.epoch-retainedEpochs)
	epoch := e.epoch
	c.mu.Unlock()

	res, done, err := pollLocked(ctx, &c.mu, c.cfg.ProgressTimeout, c.cfg.YieldTime, func() (*UpdateModelResponse, bool) {
		return c.meanLocked(waitFor, epoch)
	})
	if err != nil {
		return nil, err
	}
	if !done {
		c.cfg.Events.RendezvousTimedOut(c.namespace, AlgorithmINSEC)
		c.log.Warn("Rendezvous timed out", "node", node, "epoch", epoch, "waitFor", waitFor)
		return &UpdateModelResponse{Status: StatusEmpty}, nil
	}
	return res, nil
}

func (c *InsecCoordinator) meanLocked(waitFor, epoch int) (*UpdateModelResponse, bool) {
	var coefs [][]float64
	for _, e := range c.entries {
		if coef, ok := e.coefs[epoch]; ok {
			coefs = append(coefs, coef)
		}
	}
	if len(coefs) == 0 || len(coefs) < waitFor {
		return &UpdateModelResponse{Status: StatusEmpty}, false
	}

	sum := make([]float64, len(coefs[0]))
	for _, coef := range coefs {
		if len(coef) != len(sum) {
			return &UpdateModelResponse{Status: StatusFailure}, true
		}
		crypto.AddInplace(sum, coef)
	}
	return &UpdateModelResponse{
		Status: StatusOK,
		Coef:   crypto.ScaleInplace(sum, 1/float64(len(coefs))),
	}, true
}

// ClearData drops every entry of the namespace.
func (c *InsecCoordinator) ClearData() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[int]*insecEntry)
}
