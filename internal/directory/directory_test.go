package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/porticodev/portico/internal/model"
)

func TestDiscoverFiltersUnusableHosts(t *testing.T) {
	inv := &FakeInventory{Hosts: []model.MediatingHost{
		{ID: "i-provisioning", State: model.HostProvisioning, Tier: model.TierStandard, NetworkID: "vpc-1"},
		{ID: "i-basic", State: model.HostReady, Tier: model.TierBasic, NetworkID: "vpc-1"},
		{ID: "i-failed", State: model.HostFailed, Tier: model.TierStandard, NetworkID: "vpc-1"},
		{ID: "i-degraded", State: model.HostDegraded, Tier: model.TierStandard, NetworkID: "vpc-1"},
		{ID: "i-good", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-1"},
	}}

	got, err := New(inv).Discover(context.Background(), "vpc-1")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 1 || got[0].ID != "i-good" {
		t.Fatalf("expected only i-good, got %+v", got)
	}
}

func TestDiscoverOnlyUnusableCandidatesYieldsEmpty(t *testing.T) {
	inv := &FakeInventory{Hosts: []model.MediatingHost{
		{ID: "i-only", State: model.HostProvisioning, Tier: model.TierStandard, NetworkID: "vpc-1"},
	}}

	got, err := New(inv).Discover(context.Background(), "vpc-1")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("a provisioning host must never be selected, got %+v", got)
	}
}

func TestDiscoverSortsByIdentifier(t *testing.T) {
	inv := &FakeInventory{Hosts: []model.MediatingHost{
		{ID: "i-ccc", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-1"},
		{ID: "i-aaa", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-1"},
		{ID: "i-bbb", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-1"},
	}}

	got, err := New(inv).Discover(context.Background(), "vpc-1")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"i-aaa", "i-bbb", "i-ccc"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("order: got %s at %d, want %s", got[i].ID, i, id)
		}
	}
}

func TestDiscoverScopesByNetwork(t *testing.T) {
	inv := &FakeInventory{Hosts: []model.MediatingHost{
		{ID: "i-here", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-1"},
		{ID: "i-elsewhere", State: model.HostReady, Tier: model.TierStandard, NetworkID: "vpc-2"},
	}}

	got, err := New(inv).Discover(context.Background(), "vpc-1")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 1 || got[0].ID != "i-here" {
		t.Fatalf("expected only in-scope host, got %+v", got)
	}
}

func TestDiscoverWrapsInventoryError(t *testing.T) {
	inv := &FakeInventory{Err: errors.New("api down")}

	_, err := New(inv).Discover(context.Background(), "vpc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError, got %T", err)
	}
	if de.Scope != "vpc-1" {
		t.Fatalf("scope payload: got %s", de.Scope)
	}
}
