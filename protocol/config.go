package protocol

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cablelabs/safe/crypto"
)

// Algorithm selects the aggregation protocol a participant runs.
type Algorithm string

const (
	// AlgorithmSAFE relays an encrypted, blinded running sum around a ring.
	AlgorithmSAFE Algorithm = "SAFE"
	// AlgorithmBON masks values pairwise and recovers from dropouts.
	AlgorithmBON Algorithm = "BON"
	// AlgorithmINSEC averages plaintext values.
	AlgorithmINSEC Algorithm = "INSEC"
)

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmSAFE, AlgorithmBON, AlgorithmINSEC:
		return true
	}
	return false
}

const (
	// DefaultNamespace is used when a request names no namespace.
	DefaultNamespace = "global"
	// DefaultGroup is used when a request names no group.
	DefaultGroup = 1
)

// Config configures a participant.
type Config struct {
	// Controller is the base URL of the coordinator.
	Controller string `yaml:"controller"`

	// Algorithm selects SAFE, BON or INSEC.
	Algorithm Algorithm `yaml:"ag_type"`

	// Precision is the number of decimals of the SAFE blinding values.
	Precision int `yaml:"precision"`

	// MaxRandom bounds the SAFE blinding values.
	MaxRandom float64 `yaml:"max_random"`

	// PollTime is the interval between re-issued coordinator polls.
	PollTime time.Duration `yaml:"poll_time"`

	// AggregationTimeout bounds a SAFE round measured from its start.
	AggregationTimeout time.Duration `yaml:"aggregation_timeout"`

	// RestartWait is slept after a SAFE timeout before asking to initiate.
	RestartWait time.Duration `yaml:"restart_wait"`

	// Group is the ring this participant joins.
	Group int `yaml:"group"`

	// KeySize is the RSA modulus size of relay keys.
	KeySize int `yaml:"key_size"`

	// ShouldEncrypt enables relay envelopes. When false raw vectors are relayed.
	ShouldEncrypt bool `yaml:"should_encrypt"`

	// SymmetricMode selects the envelope payload encryption.
	SymmetricMode crypto.SymmetricMode `yaml:"symmetric_mode"`

	// NodeID identifies an INSEC participant.
	NodeID int `yaml:"real_index"`

	// EstimateProgress makes SAFE participants sleep for their predicted
	// turn instead of polling from round start.
	EstimateProgress bool `yaml:"estimate_progress"`

	// PredictedRate is the predicted time in seconds for one chunk of relays.
	PredictedRate float64 `yaml:"predicted_rate"`

	// SlowdownFactor is the exponent applied to a participant's chunk priority.
	SlowdownFactor float64 `yaml:"slowdown_factor"`

	// ChunkSize is the number of ring positions sharing one priority.
	ChunkSize int `yaml:"chunk_size"`

	// BasicAuth sends Namespace and NamespacePassword as basic auth credentials.
	BasicAuth bool `yaml:"basic_auth"`

	// Namespace partitions coordinator state between tenants.
	Namespace string `yaml:"namespace"`

	// NamespacePassword authenticates the namespace when BasicAuth is set.
	NamespacePassword string `yaml:"namespace_password"`

	// Debug enables debug logging.
	Debug bool `yaml:"should_debug"`

	// DHGroup is the group BON participants derive pairwise seeds in.
	DHGroup crypto.DHGroup `yaml:"-"`

	// Logger receives participant logs. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a participant configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Controller:         "http://localhost:8088",
		Algorithm:          AlgorithmSAFE,
		Precision:          5,
		MaxRandom:          1000,
		PollTime:           10 * time.Millisecond,
		AggregationTimeout: 10 * time.Second,
		RestartWait:        10 * time.Second,
		Group:              DefaultGroup,
		KeySize:            crypto.DefaultKeySize,
		ShouldEncrypt:      true,
		SymmetricMode:      crypto.LegacyMode,
		NodeID:             1 + rand.Intn(9999999),
		PredictedRate:      0.2,
		SlowdownFactor:     1.7,
		ChunkSize:          25,
		Namespace:          DefaultNamespace,
		DHGroup:            crypto.DefaultDHGroup,
	}
}

// Validate checks the configuration for values no protocol can run with.
func (c *Config) Validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
	if c.Group < 1 {
		return fmt.Errorf("group must be positive, got %d", c.Group)
	}
	if c.PollTime <= 0 {
		return fmt.Errorf("poll time must be positive")
	}
	if c.Algorithm == AlgorithmSAFE {
		if c.AggregationTimeout <= 0 {
			return fmt.Errorf("aggregation timeout must be positive")
		}
		if c.MaxRandom*float64(pow10(c.Precision)) < 1 {
			return fmt.Errorf("max random %v leaves no blinding values at precision %d", c.MaxRandom, c.Precision)
		}
	}
	if c.EstimateProgress && c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive when estimating progress")
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) namespace() string {
	if c.Namespace == "" {
		return DefaultNamespace
	}
	return c.Namespace
}

func (c *Config) dhGroup() crypto.DHGroup {
	if c.DHGroup.Mod == 0 {
		return crypto.DefaultDHGroup
	}
	return c.DHGroup
}

func pow10(n int) int64 {
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}

// CoordinatorConfig configures the coordinator's protocol instances.
type CoordinatorConfig struct {
	// ProgressTimeout is how long a mailbox entry may wait before its target
	// is declared failed. It also bounds BON and INSEC rendezvous.
	// Zero disables the SAFE progress monitor.
	ProgressTimeout time.Duration `yaml:"progress_timeout"`

	// AggregationTimeout is the age after which a SAFE round may be taken over.
	AggregationTimeout time.Duration `yaml:"aggregation_timeout"`

	// PollTime bounds a single SAFE polling request.
	PollTime time.Duration `yaml:"poll_time"`

	// YieldTime is slept between predicate evaluations while polling.
	YieldTime time.Duration `yaml:"yield_time"`

	// Store persists registrations. Defaults to an in-memory store.
	Store RegistrationStore `yaml:"-"`

	// Events receives coordinator events. Optional.
	Events EventSink `yaml:"-"`

	// Logger receives coordinator logs. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultCoordinatorConfig returns the coordinator defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		ProgressTimeout:    60 * time.Second,
		AggregationTimeout: 600 * time.Second,
		PollTime:           10 * time.Second,
		YieldTime:          5 * time.Millisecond,
	}
}

func (c *CoordinatorConfig) withDefaults() CoordinatorConfig {
	cfg := *c
	if cfg.YieldTime <= 0 {
		cfg.YieldTime = 5 * time.Millisecond
	}
	if cfg.Store == nil {
		cfg.Store = NewInMemoryStore()
	}
	if cfg.Events == nil {
		cfg.Events = nopEvents{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
