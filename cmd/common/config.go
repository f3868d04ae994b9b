// Package common loads configuration shared by the coordinator and
// participant binaries.
//
// Both binaries read a YAML file, then apply environment overrides, then
// command line flags. Durations are Go duration strings ("250ms") or plain
// numbers of seconds ("0.25").
package common

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cablelabs/safe/crypto"
	"github.com/cablelabs/safe/protocol"
	"github.com/cablelabs/safe/services"
	"gopkg.in/yaml.v3"
)

// CoordinatorConfig configures the coordinator binary.
type CoordinatorConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	EnablePprof bool   `yaml:"enable_pprof"`

	// AuthEnabled requires namespace basic auth on every request.
	AuthEnabled    bool   `yaml:"auth_enabled"`
	NamespacesFile string `yaml:"namespaces_file"`

	Debug bool `yaml:"should_debug"`

	ProgressTimeout    Duration `yaml:"progress_timeout"`
	AggregationTimeout Duration `yaml:"aggregation_timeout"`
	PollTime           Duration `yaml:"poll_time"`
	YieldTime          Duration `yaml:"yield_time"`

	// Postgres persists registrations when set.
	Postgres *services.PostgresConfig `yaml:"postgres"`
}

// DefaultCoordinatorConfig returns the coordinator binary defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	d := protocol.DefaultCoordinatorConfig()
	return &CoordinatorConfig{
		ListenAddr:         ":8088",
		NamespacesFile:     "/config/namespaces.json",
		ProgressTimeout:    Duration(d.ProgressTimeout),
		AggregationTimeout: Duration(d.AggregationTimeout),
		PollTime:           Duration(d.PollTime),
		YieldTime:          Duration(d.YieldTime),
	}
}

// LoadCoordinatorConfig reads a coordinator configuration file over the
// defaults. An empty path yields the defaults.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	cfg := DefaultCoordinatorConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the coordinator settings named by environment variables.
func (c *CoordinatorConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	durations := map[string]*Duration{
		"PROGRESS_TIMEOUT":    &c.ProgressTimeout,
		"AGGREGATION_TIMEOUT": &c.AggregationTimeout,
		"POLL_TIME":           &c.PollTime,
		"YIELD_TIME":          &c.YieldTime,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = Duration(d)
	}

	flags := map[string]*bool{
		"SHOULD_DEBUG": &c.Debug,
		"AUTH_ENABLED": &c.AuthEnabled,
	}
	for name, dst := range flags {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

// Protocol returns the protocol settings of the coordinator.
func (c *CoordinatorConfig) Protocol() *protocol.CoordinatorConfig {
	return &protocol.CoordinatorConfig{
		ProgressTimeout:    time.Duration(c.ProgressTimeout),
		AggregationTimeout: time.Duration(c.AggregationTimeout),
		PollTime:           time.Duration(c.PollTime),
		YieldTime:          time.Duration(c.YieldTime),
	}
}

// participantFile mirrors protocol.Config with durations that accept seconds.
type participantFile struct {
	Controller         *string   `yaml:"controller"`
	Algorithm          *string   `yaml:"ag_type"`
	Precision          *int      `yaml:"precision"`
	MaxRandom          *float64  `yaml:"max_random"`
	PollTime           *Duration `yaml:"poll_time"`
	AggregationTimeout *Duration `yaml:"aggregation_timeout"`
	RestartWait        *Duration `yaml:"restart_wait"`
	Group              *int      `yaml:"group"`
	KeySize            *int      `yaml:"key_size"`
	ShouldEncrypt      *bool     `yaml:"should_encrypt"`
	SymmetricMode      *string   `yaml:"symmetric_mode"`
	NodeID             *int      `yaml:"real_index"`
	EstimateProgress   *bool     `yaml:"estimate_progress"`
	PredictedRate      *float64  `yaml:"predicted_rate"`
	SlowdownFactor     *float64  `yaml:"slowdown_factor"`
	ChunkSize          *int      `yaml:"chunk_size"`
	BasicAuth          *bool     `yaml:"basic_auth"`
	Namespace          *string   `yaml:"namespace"`
	NamespacePassword  *string   `yaml:"namespace_password"`
	Debug              *bool     `yaml:"should_debug"`
}

// LoadParticipantConfig reads a participant configuration file over
// protocol.DefaultConfig. An empty path yields the defaults.
func LoadParticipantConfig(path string) (*protocol.Config, error) {
	var f participantFile
	if err := loadYAML(path, &f); err != nil {
		return nil, err
	}

	cfg := protocol.DefaultConfig()
	set(&cfg.Controller, f.Controller)
	if f.Algorithm != nil {
		cfg.Algorithm = protocol.Algorithm(strings.ToUpper(*f.Algorithm))
	}
	set(&cfg.Precision, f.Precision)
	set(&cfg.MaxRandom, f.MaxRandom)
	setDuration(&cfg.PollTime, f.PollTime)
	setDuration(&cfg.AggregationTimeout, f.AggregationTimeout)
	setDuration(&cfg.RestartWait, f.RestartWait)
	set(&cfg.Group, f.Group)
	set(&cfg.KeySize, f.KeySize)
	set(&cfg.ShouldEncrypt, f.ShouldEncrypt)
	if f.SymmetricMode != nil {
		mode := crypto.SymmetricMode(strings.ToLower(*f.SymmetricMode))
		if mode != crypto.LegacyMode && mode != crypto.GCMMode {
			return nil, fmt.Errorf("unknown symmetric mode %q", *f.SymmetricMode)
		}
		cfg.SymmetricMode = mode
	}
	set(&cfg.NodeID, f.NodeID)
	set(&cfg.EstimateProgress, f.EstimateProgress)
	set(&cfg.PredictedRate, f.PredictedRate)
	set(&cfg.SlowdownFactor, f.SlowdownFactor)
	set(&cfg.ChunkSize, f.ChunkSize)
	set(&cfg.BasicAuth, f.BasicAuth)
	set(&cfg.Namespace, f.Namespace)
	set(&cfg.NamespacePassword, f.NamespacePassword)
	set(&cfg.Debug, f.Debug)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid participant config: %w", err)
	}
	return cfg, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Duration is a time.Duration that decodes from a duration string or a
// number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses "1.5s" style durations or a plain number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// NewLogger returns a text logger at info level, or debug level when debug is set.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
