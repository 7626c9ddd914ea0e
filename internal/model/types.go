package model

import (
	"fmt"
	"time"
)

type HostState string

const (
	HostProvisioning HostState = "provisioning"
	HostReady        HostState = "ready"
	HostDegraded     HostState = "degraded"
	HostFailed       HostState = "failed"
)

type HostTier string

const (
	TierBasic    HostTier = "basic"
	TierStandard HostTier = "standard"
)

// RemoteTarget is an immutable snapshot of a compute instance as reported by
// the inventory subsystem. The routing core never mutates it.
type RemoteTarget struct {
	ID        string
	Name      string
	PrivateIP string
	PublicIP  string
	NetworkID string
	SubnetID  string
}

func (t RemoteTarget) HasPublicAddress() bool {
	return t.PublicIP != ""
}

// MediatingHost is a jump host candidate discovered in a network scope.
// Constructed fresh on every discovery call; host state can change between
// invocations, so these are never cached.
type MediatingHost struct {
	ID        string
	Name      string
	State     HostState
	Tier      HostTier
	NetworkID string
	PrivateIP string
}

// Usable reports whether the host may carry a tunnel. Only a ready host on
// the standard tier qualifies; anything else must be skipped even when it is
// the only candidate.
func (h MediatingHost) Usable() bool {
	return h.State == HostReady && h.Tier == TierStandard
}

type Transport string

const (
	TransportDirect   Transport = "direct"
	TransportMediated Transport = "mediated"
)

// ConnectionPlan is the resolver's verdict: how the target is reached, and
// through which host when mediated. Consumed once, never persisted.
type ConnectionPlan struct {
	Transport Transport
	Host      *MediatingHost
}

// Endpoint is a dialable (host, port) pair handed back to the caller.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

type TunnelState string

const (
	TunnelCreated     TunnelState = "created"
	TunnelListening   TunnelState = "listening"
	TunnelActive      TunnelState = "active"
	TunnelTerminating TunnelState = "terminating"
	TunnelClosed      TunnelState = "closed"
)

// Live reports whether the session still occupies its local port.
func (s TunnelState) Live() bool {
	return s != TunnelClosed
}

// SessionSummary is the read-only view of a tunnel session exposed through
// the registry listing and the status API.
type SessionSummary struct {
	ID        string      `json:"id"`
	TargetID  string      `json:"target_id"`
	HostID    string      `json:"host_id"`
	LocalPort int         `json:"local_port"`
	State     TunnelState `json:"state"`
	Owner     string      `json:"owner"`
	PID       int         `json:"pid"`
	StartedAt time.Time   `json:"started_at"`
}
