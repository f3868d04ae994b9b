package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cablelabs/safe/crypto"
)

// retainedGenerations bounds how many completed averages each group keeps
// for participants still reading an earlier round.
const retainedGenerations = 16

// safeRound is the state of a group's current ring round.
type safeRound struct {
	id         int
	initiator  int
	started    time.Time
	posted     int
	skipped    int
	generation int
}

func (r *safeRound) contributors() int {
	return r.posted - r.skipped
}

// mailboxEntry is a running sum waiting for its target.
type mailboxEntry struct {
	payload Payload
	posted  time.Time
	from    int
	round   int
}

// groupAverage is the average a group's round completed with. The n-th
// completed round of every group together form generation n.
type groupAverage struct {
	round   int
	average []float64
	weight  int
}

// repostState is what a sender learns when checking on its target.
type repostState struct {
	status   Status
	repostTo int
}

// SafeCoordinator holds the ring protocol state of one namespace.
// A single mutex guards registrations and every group.
type SafeCoordinator struct {
	namespace string
	cfg       CoordinatorConfig
	log       *slog.Logger

	mu            sync.Mutex
	registrations map[int]map[string]int
	lastRound     int
	rounds        map[int]*safeRound
	mailbox       map[int]map[int]*mailboxEntry
	reposts       map[int]map[int]repostState

	// averages maps group to generation to the group's average.
	averages    map[int]map[int]groupAverage
	generations map[int]int
	roundGen    map[int]int

	monitor *progressMonitor
}

// NewSafeCoordinator creates the ring state of a namespace, restores its
// registrations from the configured store and starts the progress monitor.
// The monitor runs until ctx is cancelled.
func NewSafeCoordinator(ctx context.Context, namespace string, config *CoordinatorConfig) (*SafeCoordinator, error) {
	cfg := config.withDefaults()
	c := &SafeCoordinator{
		namespace:     namespace,
		cfg:           cfg,
		log:           cfg.Logger.With("namespace", namespace, "algorithm", AlgorithmSAFE),
		registrations: make(map[int]map[string]int),
	}
	c.resetLocked()

	stored, err := cfg.Store.LoadRegistrations(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("loading registrations: %w", err)
	}
	for _, reg := range stored {
		if c.registrations[reg.Group] == nil {
			c.registrations[reg.Group] = make(map[string]int)
		}
		c.registrations[reg.Group][reg.PubKey] = reg.Index
	}
	if len(stored) > 0 {
		c.log.Info("Restored registrations", "count", len(stored))
	}

	c.monitor = newProgressMonitor(cfg.ProgressTimeout/2, c.CheckProgress)
	c.monitor.Start(ctx)

	return c, nil
}

// Register assigns the next index of the group to pubKey.
// Registering a known key returns its existing index.
func (c *SafeCoordinator) Register(ctx context.Context, pubKey string, group int) (int, error) {
	c.mu.Lock()
	regs := c.registrations[group]
	if regs == nil {
		regs = make(map[string]int)
		c.registrations[group] = regs
	}
	if index, ok := regs[pubKey]; ok {
		c.mu.Unlock()
		return index, nil
	}
	index := len(regs) + 1
	regs[pubKey] = index
	c.mu.Unlock()

	c.log.Debug("Registered participant", "group", group, "index", index)

	err := c.cfg.Store.SaveRegistration(ctx, StoredRegistration{
		Namespace: c.namespace,
		Group:     group,
		PubKey:    pubKey,
		Index:     index,
	})
	if err != nil {
		c.log.Error("Failed to persist registration", "group", group, "index", index, "err", err)
	}
	return index, nil
}

// Registrations returns the group's registrations keyed by index.
func (c *SafeCoordinator) Registrations(group int) Registrations {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make(Registrations, len(c.registrations[group]))
	for pubKey, index := range c.registrations[group] {
		res[index] = Registration{PubKey: pubKey}
	}
	return res
}

func (c *SafeCoordinator) resetLocked() {
	c.rounds = make(map[int]*safeRound)
	c.mailbox = make(map[int]map[int]*mailboxEntry)
	c.reposts = make(map[int]map[int]repostState)
	c.averages = make(map[int]map[int]groupAverage)
	c.generations = make(map[int]int)
	c.roundGen = make(map[int]int)
}

// startRound replaces the group's round with a new one led by initiator and
// drops its undelivered sums. Repost states are kept since a sender of the
// previous round may not have read its own yet; every post clears the state
// of its target. Must be called with mu held.
func (c *SafeCoordinator) startRound(group, initiator int) *safeRound {
	c.lastRound++
	r := &safeRound{
		id:        c.lastRound,
		initiator: initiator,
		started:   time.Now(),
	}
	c.rounds[group] = r
	delete(c.mailbox, group)
	c.cfg.Events.RoundStarted(c.namespace, group, initiator)
	return r
}

func (c *SafeCoordinator) repostsFor(group int) map[int]repostState {
	m := c.reposts[group]
	if m == nil {
		m = make(map[int]repostState)
		c.reposts[group] = m
	}
	return m
}

// PostAggregate stores a running sum for to. A post by the recorded
// initiator, or the first post of a group, starts a new round.
func (c *SafeCoordinator) PostAggregate(from, to int, payload Payload, group int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.rounds[group]
	if r == nil || r.initiator == from {
		r = c.startRound(group, from)
		c.log.Debug("Round started", "group", group, "initiator", from)
	}

	box := c.mailbox[group]
	if box == nil {
		box = make(map[int]*mailboxEntry)
		c.mailbox[group] = box
	}
	box[to] = &mailboxEntry{payload: payload, posted: time.Now(), from: from, round: r.id}
	r.posted++

	// The target's stale status goes first so a self-post still reads consumed.
	reposts := c.repostsFor(group)
	delete(reposts, to)
	reposts[from] = repostState{status: StatusConsumed}
}

// CheckAggregate polls the status of the sum last posted to node and consumes it.
func (c *SafeCoordinator) CheckAggregate(ctx context.Context, node, group int) (*CheckAggregateResponse, error) {
	res, _, err := pollLocked(ctx, &c.mu, c.cfg.PollTime, c.cfg.YieldTime, func() (*CheckAggregateResponse, bool) {
		st, ok := c.reposts[group][node]
		if !ok {
			return &CheckAggregateResponse{Status: StatusEmpty}, false
		}
		delete(c.reposts[group], node)
		return &CheckAggregateResponse{Status: st.status, RepostTo: st.repostTo}, true
	})
	return res, err
}

// GetAggregate polls for the sum addressed to node and consumes it.
// Posted is the number of contributions folded into the sum so far and
// Round identifies the round the sum belongs to.
func (c *SafeCoordinator) GetAggregate(ctx context.Context, node, group int) (*GetAggregateResponse, error) {
	res, _, err := pollLocked(ctx, &c.mu, c.cfg.PollTime, c.cfg.YieldTime, func() (*GetAggregateResponse, bool) {
		e, ok := c.mailbox[group][node]
		if !ok {
			return &GetAggregateResponse{Status: StatusEmpty}, false
		}
		delete(c.mailbox[group], node)

		payload := e.payload
		res := &GetAggregateResponse{
			Status:    StatusOK,
			Aggregate: &payload,
			FromNode:  e.from,
			Round:     e.round,
		}
		if r := c.rounds[group]; r != nil {
			res.Posted = r.contributors()
		}
		return res, true
	})
	return res, err
}

// PostAverage records the average of the group's round. A zero round
// means the current one; the average of a superseded round is dropped. A
// non-nil node is marked consumed so the last relay learns its sum arrived.
func (c *SafeCoordinator) PostAverage(node *int, round int, average []float64, group int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.rounds[group]
	switch {
	case r == nil:
		initiator := 0
		if node != nil {
			initiator = *node
		}
		r = c.startRound(group, initiator)
	case round != 0 && round != r.id:
		c.log.Warn("Dropping average of a superseded round", "group", group, "round", round, "current", r.id)
		return
	}

	if r.generation == 0 {
		c.generations[group]++
		r.generation = c.generations[group]
		c.roundGen[r.id] = r.generation
	}
	gens := c.averages[group]
	if gens == nil {
		gens = make(map[int]groupAverage)
		c.averages[group] = gens
	}
	gens[r.generation] = groupAverage{round: r.id, average: crypto.CloneVector(average), weight: r.contributors()}
	if old, ok := gens[r.generation-retainedGenerations]; ok {
		delete(gens, r.generation-retainedGenerations)
		delete(c.roundGen, old.round)
	}

	if node != nil {
		c.repostsFor(group)[*node] = repostState{status: StatusConsumed}
	}
	c.log.Debug("Average posted", "group", group, "round", r.id, "generation", r.generation)
}

// GetAverage polls for the average over every group, each weighted by its
// number of contributors. A non-zero round selects the generation that
// round completed in and zero selects the latest one. It stays empty until
// every group with registrations has posted for that generation.
func (c *SafeCoordinator) GetAverage(ctx context.Context, round int) (*GetAverageResponse, error) {
	res, _, err := pollLocked(ctx, &c.mu, c.cfg.PollTime, c.cfg.YieldTime, func() (*GetAverageResponse, bool) {
		gen := 0
		if round != 0 {
			gen = c.roundGen[round]
		} else {
			for _, g := range c.generations {
				gen = max(gen, g)
			}
		}
		if gen == 0 {
			return &GetAverageResponse{Status: StatusEmpty}, false
		}
		return c.combinedAverage(gen)
	})
	return res, err
}

// combinedAverage must be called with mu held.
func (c *SafeCoordinator) combinedAverage(gen int) (*GetAverageResponse, bool) {
	empty := &GetAverageResponse{Status: StatusEmpty}

	groups := make(map[int]struct{}, len(c.registrations)+len(c.averages))
	for group := range c.registrations {
		groups[group] = struct{}{}
	}
	for group := range c.averages {
		groups[group] = struct{}{}
	}

	var (
		total  []float64
		weight int
	)
	for group := range groups {
		avg, ok := c.averages[group][gen]
		if !ok {
			return empty, false
		}
		if total == nil {
			total = make([]float64, len(avg.average))
		}
		if len(avg.average) != len(total) {
			return &GetAverageResponse{Status: StatusFailure}, true
		}
		for i, v := range avg.average {
			total[i] += v * float64(avg.weight)
		}
		weight += avg.weight
	}

	if weight <= 0 {
		return empty, false
	}
	return &GetAverageResponse{Status: StatusOK, Average: crypto.ScaleInplace(total, 1/float64(weight))}, true
}

// ShouldInitiate starts a new round with node as initiator when the group
// has no round or its round is older than the aggregation timeout.
func (c *SafeCoordinator) ShouldInitiate(node, group int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.rounds[group]
	if r != nil && time.Since(r.started) <= c.cfg.AggregationTimeout {
		return false
	}
	c.startRound(group, node)
	c.log.Info("New initiator", "group", group, "node", node)
	return true
}

// CheckProgress declares failed every target whose mailbox entry is older
// than the progress timeout: the entry is dropped, the group's skip count
// grows and the sender is told to repost to the following node.
func (c *SafeCoordinator) CheckProgress() *ProgressResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	res := &ProgressResponse{
		Progress: []ProgressEntry{},
		Stats:    make(map[int]GroupStats, len(c.rounds)),
	}

	for group, box := range c.mailbox {
		for node, e := range box {
			elapsed := now.Sub(e.posted)
			res.Progress = append(res.Progress, ProgressEntry{Group: group, Node: node, Elapsed: elapsed.Seconds()})
			if c.cfg.ProgressTimeout <= 0 || elapsed <= c.cfg.ProgressTimeout {
				continue
			}

			c.repostsFor(group)[node] = repostState{status: StatusRepost, repostTo: node + 1}
			delete(box, node)
			if r := c.rounds[group]; r != nil {
				r.skipped++
			}
			c.cfg.Events.RelayFailed(c.namespace, group, node)
			c.log.Warn("Relay failed, reposting", "group", group, "failed", node, "from", e.from, "repostTo", node+1)
		}
	}

	for group, r := range c.rounds {
		res.Stats[group] = GroupStats{Posted: r.posted, Skipped: r.skipped}
	}
	return res
}

// ClearData drops every registration and round of the namespace.
func (c *SafeCoordinator) ClearData(ctx context.Context) error {
	c.mu.Lock()
	c.registrations = make(map[int]map[string]int)
	c.resetLocked()
	c.mu.Unlock()

	return c.cfg.Store.DeleteNamespace(ctx, c.namespace)
}
