package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validForwardOnly() Config {
	return Config{
		Mode:       ModeForwardOnly,
		ListenAddr: "0.0.0.0:20000",
		DestStatic: []string{"127.0.0.1:9000"},
	}
}

func TestValidateAcceptsMinimalForwardOnly(t *testing.T) {
	if err := validForwardOnly().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	c := validForwardOnly()
	c.Mode = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestValidateRequiresDestinationOrDiscovery(t *testing.T) {
	c := validForwardOnly()
	c.DestStatic = nil
	c.DiscoveryURL = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when neither dest_static nor discovery_url set")
	}
}

func TestValidateRejectsDiscoveryURLWithoutPort(t *testing.T) {
	c := validForwardOnly()
	c.DiscoveryURL = "http://discover.example/endpoints"
	c.DiscoveryPort = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for discovery_url without discovered_endpoints_port")
	}
}

func TestValidateRejectsDiscoveryPortWithoutURL(t *testing.T) {
	c := validForwardOnly()
	c.DiscoveryURL = ""
	c.DiscoveryPort = 9000
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for discovered_endpoints_port without discovery_url")
	}
}

func TestValidateAcceptsDiscoveryURLWithPort(t *testing.T) {
	c := validForwardOnly()
	c.DiscoveryURL = "http://discover.example/endpoints"
	c.DiscoveryPort = 9000
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config with discovery url+port, got %v", err)
	}
}

func TestValidateShredstreamRequiresBlockEngineAndRegions(t *testing.T) {
	c := validForwardOnly()
	c.Mode = ModeShredstream
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for shredstream mode missing block_engine_url/regions")
	}

	c.BlockEngineURL = "engine:443"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for shredstream mode missing regions")
	}

	c.Regions = []string{"ny"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for shredstream mode missing identity_keypair_file")
	}

	c.IdentityFile = "/tmp/identity.json"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid shredstream config, got %v", err)
	}
}

func TestResolvedAuthURLFallsBackToBlockEngineURL(t *testing.T) {
	c := Config{BlockEngineURL: "engine:443"}
	if got := c.ResolvedAuthURL(); got != "engine:443" {
		t.Fatalf("expected fallback to block engine url, got %q", got)
	}
	c.AuthURL = "auth:443"
	if got := c.ResolvedAuthURL(); got != "auth:443" {
		t.Fatalf("expected explicit auth url, got %q", got)
	}
}

func TestLoadYAMLFileOverridesBase(t *testing.T) {
	base := validForwardOnly()
	base.IngressWorkers = 2

	yamlContent := `
ingress_workers: 8
dedup_ttl: 45s
`
	path := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	merged, err := LoadYAMLFile(path, base)
	if err != nil {
		t.Fatalf("LoadYAMLFile: %v", err)
	}
	if merged.IngressWorkers != 8 {
		t.Fatalf("expected override to take effect, got %d", merged.IngressWorkers)
	}
	if time.Duration(merged.DedupTTL) != 45*time.Second {
		t.Fatalf("expected dedup_ttl 45s, got %v", time.Duration(merged.DedupTTL))
	}
	if merged.ListenAddr != base.ListenAddr {
		t.Fatalf("expected unset fields to retain base values")
	}
}

func TestLoadYAMLFileMissingPath(t *testing.T) {
	if _, err := LoadYAMLFile(filepath.Join(t.TempDir(), "missing.yaml"), Config{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
