package directory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

// Inventory answers queries against the fleet inventory. Implementations
// wrap the cloud API; they return every candidate they can see, usable or
// not, so callers can distinguish "nothing in scope" from "nothing usable".
type Inventory interface {
	BastionInstances(ctx context.Context, networkID string) ([]model.MediatingHost, error)
	LookupTarget(ctx context.Context, id string) (model.RemoteTarget, error)
}

// DiscoveryError wraps an inventory failure. The resolver treats it as
// "no host found" and decides policy; it is not fatal at this layer.
type DiscoveryError struct {
	Scope string
	Err   error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover mediating hosts in %s: %v", e.Scope, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Directory discovers usable mediating hosts in a network scope.
type Directory struct {
	inv Inventory
}

func New(inv Inventory) *Directory {
	return &Directory{inv: inv}
}

// Discover returns the ready, standard-tier hosts in networkID, sorted by
// identifier so repeated resolutions pick the same host. Hosts in any other
// state or tier are dropped here, never selected downstream.
func (d *Directory) Discover(ctx context.Context, networkID string) ([]model.MediatingHost, error) {
	start := time.Now()
	candidates, err := d.inv.BastionInstances(ctx, networkID)
	durMS := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.Default().ObserveHistogram("portico_discovery_latency_ms", durMS, map[string]string{"scope": networkID, "status": "error"})
		return nil, &DiscoveryError{Scope: networkID, Err: err}
	}
	metrics.Default().ObserveHistogram("portico_discovery_latency_ms", durMS, map[string]string{"scope": networkID, "status": "ok"})

	usable := make([]model.MediatingHost, 0, len(candidates))
	for _, h := range candidates {
		if !h.Usable() {
			log.Printf("event=bastion_skipped host_id=%s state=%s tier=%s scope=%s", h.ID, h.State, h.Tier, networkID)
			continue
		}
		usable = append(usable, h)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].ID < usable[j].ID })
	return usable, nil
}

// Target resolves a remote target descriptor by identifier.
func (d *Directory) Target(ctx context.Context, id string) (model.RemoteTarget, error) {
	target, err := d.inv.LookupTarget(ctx, id)
	if err != nil {
		return model.RemoteTarget{}, fmt.Errorf("lookup target %s: %w", id, err)
	}
	return target, nil
}
