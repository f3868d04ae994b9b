package protocol

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// namespaceState holds the independent protocol instances of one namespace.
// cancel stops the namespace's progress monitor.
type namespaceState struct {
	safe   *SafeCoordinator
	bon    *BonCoordinator
	insec  *InsecCoordinator
	cancel context.CancelFunc
}

// Coordinator is the in-process coordinator. It routes every request to
// the protocol instances of the request's namespace, creating them on
// first use, and implements Controller. ClearData evicts a namespace.
type Coordinator struct {
	cfg CoordinatorConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	namespaces map[string]*namespaceState
}

var _ Controller = (*Coordinator)(nil)

// NewCoordinator creates a coordinator. Close stops its progress monitors.
func NewCoordinator(config *CoordinatorConfig) *Coordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	cfg := config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		log:        cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		namespaces: make(map[string]*namespaceState),
	}
}

// Close stops every progress monitor. The coordinator must not be used afterwards.
func (c *Coordinator) Close() {
	c.cancel()
}

func (c *Coordinator) namespace(name string) (*namespaceState, error) {
	c.mu.RLock()
	ns, ok := c.namespaces[name]
	c.mu.RUnlock()
	if ok {
		return ns, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok := c.namespaces[name]; ok {
		return ns, nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	safe, err := NewSafeCoordinator(ctx, name, &c.cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	ns = &namespaceState{
		safe:   safe,
		bon:    NewBonCoordinator(name, &c.cfg),
		insec:  NewInsecCoordinator(name, &c.cfg),
		cancel: cancel,
	}
	c.namespaces[name] = ns
	c.log.Info("Namespace created", "namespace", name)
	return ns, nil
}

type scoped interface {
	Validate() error
}

// resolve validates req and returns the state of its namespace.
func (c *Coordinator) resolve(req scoped, scope Scope) (*namespaceState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return c.namespace(scope.NamespaceOrDefault())
}

// Namespaces returns the names of every namespace with state.
func (c *Coordinator) Namespaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.namespaces))
	for name := range c.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	index, err := ns.safe.Register(ctx, string(req.PubKey), req.GroupOrDefault())
	if err != nil {
		return nil, err
	}
	return &RegisterResponse{Index: index}, nil
}

func (c *Coordinator) Registrations(ctx context.Context, req *RegistrationsRequest) (Registrations, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.safe.Registrations(req.GroupOrDefault()), nil
}

func (c *Coordinator) PostAggregate(ctx context.Context, req *PostAggregateRequest) error {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return err
	}
	ns.safe.PostAggregate(req.FromNode, req.ToNode, req.Aggregate, req.GroupOrDefault())
	return nil
}

func (c *Coordinator) CheckAggregate(ctx context.Context, req *NodeRequest) (*CheckAggregateResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.safe.CheckAggregate(ctx, req.Node, req.GroupOrDefault())
}

func (c *Coordinator) GetAggregate(ctx context.Context, req *NodeRequest) (*GetAggregateResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.safe.GetAggregate(ctx, req.Node, req.GroupOrDefault())
}

func (c *Coordinator) PostAverage(ctx context.Context, req *PostAverageRequest) error {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return err
	}
	ns.safe.PostAverage(req.Node, req.Round, req.Average, req.GroupOrDefault())
	return nil
}

func (c *Coordinator) GetAverage(ctx context.Context, req *GetAverageRequest) (*GetAverageResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.safe.GetAverage(ctx, req.Round)
}

func (c *Coordinator) ShouldInitiate(ctx context.Context, req *NodeRequest) (*ShouldInitiateResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return &ShouldInitiateResponse{Init: ns.safe.ShouldInitiate(req.Node, req.GroupOrDefault())}, nil
}

func (c *Coordinator) InitWeights(ctx context.Context, req *NodeRequest) error {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return err
	}
	ns.bon.InitWeights(req.Node)
	return nil
}

func (c *Coordinator) PostWeights(ctx context.Context, req *PostWeightsRequest) (*PostWeightsResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.bon.PostWeights(req.Node, req.Weights), nil
}

func (c *Coordinator) PostSecret(ctx context.Context, req *PostSecretRequest) (*EpochResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.bon.PostSecret(req.Node, req.Secret)
}

func (c *Coordinator) PostRevealSecret(ctx context.Context, req *PostRevealSecretRequest) (*EpochResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.bon.PostRevealSecret(req.Node, req.RevealSecret)
}

func (c *Coordinator) GetWeights(ctx context.Context, req *GetWeightsRequest) (*GetWeightsResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.bon.GetWeights(ctx, req.WaitFor, req.Epoch)
}

func (c *Coordinator) UpdateModel(ctx context.Context, req *UpdateModelRequest) (*UpdateModelResponse, error) {
	ns, err := c.resolve(req, req.Scope)
	if err != nil {
		return nil, err
	}
	return ns.insec.UpdateModel(ctx, req.Node, req.Coef, req.WaitFor)
}

// ClearData resets the namespace's protocol state, deletes its persisted
// registrations and evicts it, stopping its progress monitor. The next
// request naming the namespace starts it afresh.
func (c *Coordinator) ClearData(ctx context.Context, req *ClearDataRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	name := req.NamespaceOrDefault()

	c.mu.Lock()
	ns, ok := c.namespaces[name]
	delete(c.namespaces, name)
	c.mu.Unlock()

	if ok {
		ns.cancel()
		ns.bon.ClearData()
		ns.insec.ClearData()
		if err := ns.safe.ClearData(ctx); err != nil {
			return err
		}
	} else if err := c.cfg.Store.DeleteNamespace(ctx, name); err != nil {
		return err
	}
	c.log.Info("Namespace cleared", "namespace", name)
	return nil
}

// CheckProgress runs the SAFE progress check of a namespace immediately.
// A namespace without state reports no progress and is not created.
func (c *Coordinator) CheckProgress(namespace string) (*ProgressResponse, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c.mu.RLock()
	ns, ok := c.namespaces[namespace]
	c.mu.RUnlock()
	if !ok {
		return &ProgressResponse{Progress: []ProgressEntry{}, Stats: map[int]GroupStats{}}, nil
	}
	return ns.safe.CheckProgress(), nil
}
