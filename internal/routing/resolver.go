package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/porticodev/portico/internal/credguard"
	"github.com/porticodev/portico/internal/directory"
	"github.com/porticodev/portico/internal/model"
)

// Preferences are the caller's explicit routing flags, fixed before
// resolution begins.
type Preferences struct {
	// ForceDirect always wins, even for a private-only target. The caller
	// accepted responsibility ahead of time; this is the only way a
	// private-only target is ever returned as Direct.
	ForceDirect bool
	// PreferDirect picks the public address when the target has one.
	PreferDirect bool
	// NamedHost pins a specific mediating host. The pin is validated like any
	// other candidate.
	NamedHost string
	// AutoCreate asks the provisioning subsystem to create a bastion when
	// none exists. Resolution itself never creates hosts; the flag only
	// shapes the failure hint.
	AutoCreate bool
}

var (
	ErrNoPathAvailable = errors.New("no path available")
	ErrNetworkMismatch = errors.New("network scope mismatch")
)

// NoPathError means mediated access is required and no usable mediating host
// exists. Fail-secure: this is never downgraded to a direct attempt.
type NoPathError struct {
	TargetID       string
	Scope          string
	PinnedHost     string
	AutoCreateHint bool
}

func (e *NoPathError) Error() string {
	if e.PinnedHost != "" {
		return fmt.Sprintf("pinned mediating host %s in %s is not ready on the standard tier", e.PinnedHost, e.Scope)
	}
	msg := fmt.Sprintf("no ready standard-tier mediating host in %s for target %s", e.Scope, e.TargetID)
	if e.AutoCreateHint {
		msg += " (auto-create requested; provision a bastion and retry)"
	}
	return msg
}

func (e *NoPathError) Unwrap() error { return ErrNoPathAvailable }

// NetworkMismatchError carries both scope identifiers so the caller can show
// a remediation hint instead of a generic denial.
type NetworkMismatchError struct {
	TargetID    string
	TargetScope string
	HostID      string
	HostScope   string
}

func (e *NetworkMismatchError) Error() string {
	return fmt.Sprintf("target %s in scope %s is not reachable from mediating host %s in scope %s", e.TargetID, e.TargetScope, e.HostID, e.HostScope)
}

func (e *NetworkMismatchError) Unwrap() error { return ErrNetworkMismatch }

// AffinityHinter suggests the mediating host that served a target before.
// A hint is never authoritative: it only breaks ties among candidates that
// already passed state, tier, and scope validation.
type AffinityHinter interface {
	PreferredHost(ctx context.Context, targetID string) (string, error)
}

// Resolver decides how a remote target is reached: directly, or through a
// mediating host it discovers and validates.
type Resolver struct {
	directory *directory.Directory
	guard     *credguard.Guard
	affinity  AffinityHinter

	// peered maps a network scope to the scopes explicitly connected to it.
	peered           map[string]map[string]bool
	credentialMargin time.Duration
}

type ResolverOptions struct {
	Affinity         AffinityHinter
	PeeredNetworks   map[string]map[string]bool
	CredentialMargin time.Duration
}

func NewResolver(dir *directory.Directory, guard *credguard.Guard, opts ResolverOptions) *Resolver {
	margin := opts.CredentialMargin
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Resolver{
		directory:        dir,
		guard:            guard,
		affinity:         opts.Affinity,
		peered:           opts.PeeredNetworks,
		credentialMargin: margin,
	}
}

// Resolve produces the connection plan for target under prefs.
func (r *Resolver) Resolve(ctx context.Context, target model.RemoteTarget, prefs Preferences) (model.ConnectionPlan, error) {
	// Explicit override wins unconditionally, risk accepted by the caller.
	if prefs.ForceDirect {
		log.Printf("event=resolve target_id=%s transport=direct reason=force_direct", target.ID)
		return model.ConnectionPlan{Transport: model.TransportDirect}, nil
	}

	if target.HasPublicAddress() && prefs.PreferDirect {
		log.Printf("event=resolve target_id=%s transport=direct reason=prefer_direct", target.ID)
		return model.ConnectionPlan{Transport: model.TransportDirect}, nil
	}

	candidates, err := r.directory.Discover(ctx, target.NetworkID)
	if err != nil {
		// Inventory failure reads as "no candidates"; policy is decided here,
		// not in the directory.
		log.Printf("event=resolve_discovery_failed target_id=%s scope=%s err=%q", target.ID, target.NetworkID, err.Error())
		candidates = nil
	}

	if len(candidates) == 0 {
		if !target.HasPublicAddress() {
			// Fail-secure: a private-only target is never dialed directly as a
			// fallback.
			return model.ConnectionPlan{}, &NoPathError{
				TargetID:       target.ID,
				Scope:          target.NetworkID,
				AutoCreateHint: prefs.AutoCreate,
			}
		}
		log.Printf("event=resolve target_id=%s transport=direct reason=no_mediating_host_public_target", target.ID)
		return model.ConnectionPlan{Transport: model.TransportDirect}, nil
	}

	selected, err := r.selectHost(ctx, target, prefs, candidates)
	if err != nil {
		return model.ConnectionPlan{}, err
	}

	if !r.reachable(target.NetworkID, selected.NetworkID) {
		return model.ConnectionPlan{}, &NetworkMismatchError{
			TargetID:    target.ID,
			TargetScope: target.NetworkID,
			HostID:      selected.ID,
			HostScope:   selected.NetworkID,
		}
	}

	if err := r.guard.EnsureFresh(ctx, r.credentialMargin); err != nil {
		return model.ConnectionPlan{}, err
	}

	log.Printf("event=resolve target_id=%s transport=mediated host_id=%s scope=%s", target.ID, selected.ID, target.NetworkID)
	return model.ConnectionPlan{Transport: model.TransportMediated, Host: &selected}, nil
}

// selectHost applies the pin when set, otherwise the affinity hint, otherwise
// the deterministic first candidate. Candidates arrive sorted by identifier.
func (r *Resolver) selectHost(ctx context.Context, target model.RemoteTarget, prefs Preferences, candidates []model.MediatingHost) (model.MediatingHost, error) {
	if prefs.NamedHost != "" {
		for _, h := range candidates {
			if h.ID == prefs.NamedHost || h.Name == prefs.NamedHost {
				return h, nil
			}
		}
		return model.MediatingHost{}, &NoPathError{
			TargetID:   target.ID,
			Scope:      target.NetworkID,
			PinnedHost: prefs.NamedHost,
		}
	}

	if len(candidates) > 1 && r.affinity != nil {
		hinted, err := r.affinity.PreferredHost(ctx, target.ID)
		if err == nil && hinted != "" {
			for _, h := range candidates {
				if h.ID == hinted {
					log.Printf("event=affinity_hint_applied target_id=%s host_id=%s", target.ID, hinted)
					return h, nil
				}
			}
		}
	}

	return candidates[0], nil
}

func (r *Resolver) reachable(targetScope, hostScope string) bool {
	if targetScope == hostScope {
		return true
	}
	return r.peered[targetScope][hostScope] || r.peered[hostScope][targetScope]
}
