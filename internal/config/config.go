// Package config validates and holds the proxy's runtime configuration,
// assembled from CLI flags and an optional YAML override file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, validated set of options the rest of the
// process depends on. A zero Config is never valid; always go through
// Validate before use.
type Config struct {
	// Mode selects between the shredstream subscriber (authenticated
	// upstream session) and forward-only (no upstream session). Both modes
	// forward to static and/or discovered destinations.
	Mode string `yaml:"mode"`

	ListenAddr      string   `yaml:"listen_addr"`
	IngressWorkers  int      `yaml:"ingress_workers"`
	ForwardWorkers  int      `yaml:"forward_workers"`
	DestStatic      []string `yaml:"dest_static"`
	DiscoveryURL    string   `yaml:"discovery_url"`
	// DiscoveryPort is the single port every discovered bare-IP endpoint is
	// paired with (spec §4.F.2, §6). Required together with DiscoveryURL —
	// neither may be set without the other.
	DiscoveryPort   int      `yaml:"discovered_endpoints_port"`
	RefreshInterval Duration `yaml:"refresh_interval"`

	BlockEngineURL string   `yaml:"block_engine_url"`
	AuthURL        string   `yaml:"auth_url"`
	Regions        []string `yaml:"regions"`
	IdentityFile   string   `yaml:"identity_keypair_file"`
	PublicIP       string   `yaml:"public_ip"`

	DedupTTL     Duration `yaml:"dedup_ttl"`
	TracePattern uint16   `yaml:"trace_pattern"`
	MetricsEvery Duration `yaml:"metrics_interval"`
	LogLevel     string   `yaml:"log_level"`
}

// Duration wraps time.Duration for YAML decoding of values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler so config files may use
// Go-style duration strings instead of raw nanosecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

const (
	ModeShredstream = "shredstream"
	ModeForwardOnly = "forward-only"
)

// LoadYAMLFile reads an override file and merges it onto base, with
// every key present in the file taking precedence. Used by the
// shredstream-file-config subcommand.
func LoadYAMLFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return out, nil
}

// Validate enforces spec §6's configuration invariants. It never panics;
// every violation is a plain error meant to be reported and exited on.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeShredstream, ModeForwardOnly:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeShredstream, ModeForwardOnly, c.Mode)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if len(c.DestStatic) == 0 && c.DiscoveryURL == "" {
		return fmt.Errorf("at least one of dest_static or discovery_url must be set")
	}

	if (c.DiscoveryURL != "") != (c.DiscoveryPort != 0) {
		return fmt.Errorf("discovery_url and discovered_endpoints_port must be supplied together")
	}

	if c.Mode == ModeShredstream {
		if c.BlockEngineURL == "" {
			return fmt.Errorf("block_engine_url is required in shredstream mode")
		}
		if len(c.Regions) == 0 {
			return fmt.Errorf("at least one region is required in shredstream mode")
		}
		if c.IdentityFile == "" {
			return fmt.Errorf("identity_keypair_file is required in shredstream mode")
		}
	}

	return nil
}

// ResolvedAuthURL returns AuthURL if set, otherwise BlockEngineURL — spec
// §9 Open Question (1): an unset auth endpoint shares the block engine's.
func (c Config) ResolvedAuthURL() string {
	if c.AuthURL != "" {
		return c.AuthURL
	}
	return c.BlockEngineURL
}
