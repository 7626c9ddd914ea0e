package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if cfg.Provider != "aws" {
		t.Fatalf("provider = %q", cfg.Provider)
	}
	if cfg.CredentialMargin() != 5*time.Minute {
		t.Fatalf("credential margin = %v", cfg.CredentialMargin())
	}
	if cfg.RemotePort != 22 {
		t.Fatalf("remote port = %d", cfg.RemotePort)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portico.yaml")
	body := `
region: eu-west-2
provider: fake
remote_port: 2222
peered_networks:
  - vpc-a:vpc-b
status_token: hunter2
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "eu-west-2" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if cfg.Provider != "fake" {
		t.Fatalf("provider = %q", cfg.Provider)
	}
	if cfg.RemotePort != 2222 {
		t.Fatalf("remote port = %d", cfg.RemotePort)
	}
	if cfg.StatusToken != "hunter2" {
		t.Fatalf("status token = %q", cfg.StatusToken)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portico.yaml")
	if err := os.WriteFile(path, []byte("region: eu-west-2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORTICO_REGION", "ap-southeast-1")
	t.Setenv("PORTICO_OPEN_TIMEOUT_SECONDS", "25")
	t.Setenv("PORTICO_PEERED_NETWORKS", "vpc-1:vpc-2, vpc-2:vpc-3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "ap-southeast-1" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if cfg.OpenTimeout() != 25*time.Second {
		t.Fatalf("open timeout = %v", cfg.OpenTimeout())
	}
	scopes, err := cfg.PeeredScopes()
	if err != nil {
		t.Fatalf("PeeredScopes: %v", err)
	}
	if !scopes["vpc-1"]["vpc-2"] || !scopes["vpc-2"]["vpc-1"] {
		t.Fatalf("pair vpc-1:vpc-2 not symmetric: %v", scopes)
	}
	if !scopes["vpc-3"]["vpc-2"] {
		t.Fatalf("pair vpc-2:vpc-3 not symmetric: %v", scopes)
	}
}

func TestLoadRejectsBadProvider(t *testing.T) {
	t.Setenv("PORTICO_PROVIDER", "azure")
	if _, err := Load(""); err == nil {
		t.Fatal("expected provider validation error")
	}
}

func TestLoadRejectsMalformedPeering(t *testing.T) {
	t.Setenv("PORTICO_PEERED_NETWORKS", "vpc-only")
	if _, err := Load(""); err == nil {
		t.Fatal("expected peering validation error")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portico.yaml")
	if err := os.WriteFile(path, []byte("region: [\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPositiveIntEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("PORTICO_REMOTE_PORT", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemotePort != 22 {
		t.Fatalf("remote port = %d, want default 22", cfg.RemotePort)
	}
}
