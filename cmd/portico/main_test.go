package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/porticodev/portico/internal/config"
	"github.com/porticodev/portico/internal/directory"
	"github.com/porticodev/portico/internal/model"
	"github.com/porticodev/portico/internal/tunnel"
)

func TestBuildInventory_FakeProviderServesDemoCatalog(t *testing.T) {
	inv, err := buildInventory(config.Config{Provider: "fake"})
	if err != nil {
		t.Fatalf("buildInventory: %v", err)
	}
	fake, ok := inv.(*directory.FakeInventory)
	if !ok {
		t.Fatalf("expected fake inventory, got %T", inv)
	}
	if len(fake.Hosts) == 0 {
		t.Fatal("demo catalog has no hosts")
	}
	if fake.Hosts[0].State != model.HostReady || fake.Hosts[0].Tier != model.TierStandard {
		t.Fatalf("demo host is not usable: %+v", fake.Hosts[0])
	}
	if _, ok := fake.Targets["target-private"]; !ok {
		t.Fatal("demo catalog is missing target-private")
	}
}

func TestBuildInventory_AWSProviderRequiresRegion(t *testing.T) {
	if _, err := buildInventory(config.Config{Provider: "aws"}); err == nil {
		t.Fatal("expected error for empty region")
	}
	if _, err := buildInventory(config.Config{Provider: "aws", Region: "us-east-1"}); err != nil {
		t.Fatalf("buildInventory with region: %v", err)
	}
}

func TestPreferencesFromFlags(t *testing.T) {
	got := preferences(true, false, "bastion-a", true)
	if !got.ForceDirect || got.PreferDirect {
		t.Fatalf("unexpected direct flags: %+v", got)
	}
	if got.NamedHost != "bastion-a" {
		t.Fatalf("named host = %q", got.NamedHost)
	}
	if !got.AutoCreate {
		t.Fatal("auto-create flag not carried")
	}
}

func TestPromoteActiveFailsOnDeadEndpoint(t *testing.T) {
	manager := tunnel.NewManager(tunnel.NewRegistry(), tunnel.SSMCommandBuilder{}, "tester")
	// Nothing listens on port 1; the verification dial must fail quietly.
	if promoteActive(manager, model.Endpoint{Host: "127.0.0.1", Port: 1}) {
		t.Fatal("expected verification dial to fail")
	}
}

func TestPromoteActiveRequiresMatchingSession(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	manager := tunnel.NewManager(tunnel.NewRegistry(), tunnel.SSMCommandBuilder{}, "tester")
	if promoteActive(manager, model.Endpoint{Host: "127.0.0.1", Port: port}) {
		t.Fatal("no session owns this port, nothing to promote")
	}
}

func TestWriteTunnelTable(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.SessionSummary{
		{ID: "sess-1", TargetID: "target-a", HostID: "host-1", LocalPort: 51234, State: model.TunnelActive, StartedAt: started},
	}

	var buf bytes.Buffer
	if err := writeTunnelTable(&buf, rows); err != nil {
		t.Fatalf("writeTunnelTable: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "LOCAL PORT") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, "sess-1") || !strings.Contains(out, "51234") {
		t.Fatalf("missing row fields: %q", out)
	}
	if !strings.Contains(out, "2026-03-01T12:00:00Z") {
		t.Fatalf("missing timestamp: %q", out)
	}
}
