package routing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/porticodev/portico/internal/audit"
	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
	"github.com/porticodev/portico/internal/tunnel"
)

// Tunnel is the slice of an open tunnel session the router needs.
type Tunnel interface {
	ID() string
	Port() int
}

// TunnelOpener is the slice of the tunnel manager the router drives. A
// failed Open leaves nothing behind; the manager owns cleanup.
type TunnelOpener interface {
	Open(ctx context.Context, target model.RemoteTarget, host model.MediatingHost, timeout time.Duration) (Tunnel, error)
}

type managerOpener struct {
	m *tunnel.Manager
}

func (o managerOpener) Open(ctx context.Context, target model.RemoteTarget, host model.MediatingHost, timeout time.Duration) (Tunnel, error) {
	sess, err := o.m.Open(ctx, target, host, timeout)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// OpenerFromManager adapts the tunnel manager to the router's opener.
func OpenerFromManager(m *tunnel.Manager) TunnelOpener {
	return managerOpener{m: m}
}

// AffinityRecorder remembers which host served a target, as a hint for the
// next resolution.
type AffinityRecorder interface {
	RecordAffinity(ctx context.Context, targetID, hostID string) error
}

// Router is the façade callers talk to: resolve the strategy, open the
// tunnel when mediated, hand back a dialable endpoint.
type Router struct {
	resolver *Resolver
	tunnels  TunnelOpener
	sink     audit.Sink
	affinity AffinityRecorder

	remotePort  int
	openTimeout time.Duration
}

type RouterOptions struct {
	Sink        audit.Sink
	Affinity    AffinityRecorder
	RemotePort  int
	OpenTimeout time.Duration
}

func NewRouter(resolver *Resolver, tunnels TunnelOpener, opts RouterOptions) *Router {
	sink := opts.Sink
	if sink == nil {
		sink = audit.LogSink{}
	}
	remotePort := opts.RemotePort
	if remotePort == 0 {
		remotePort = 22
	}
	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = tunnel.DefaultOpenTimeout
	}
	return &Router{
		resolver:    resolver,
		tunnels:     tunnels,
		sink:        sink,
		affinity:    opts.Affinity,
		remotePort:  remotePort,
		openTimeout: openTimeout,
	}
}

// Connect resolves the route to target and returns a dialable endpoint. For
// a mediated route the endpoint is live only once the tunnel is listening.
// No partial state survives a failure at any stage.
func (rt *Router) Connect(ctx context.Context, target model.RemoteTarget, prefs Preferences) (model.Endpoint, error) {
	plan, err := rt.resolver.Resolve(ctx, target, prefs)
	if err != nil {
		rt.audit(ctx, target, "", "resolve_failed", err.Error())
		metrics.Default().IncCounter("portico_resolutions_total", map[string]string{"transport": "none", "status": "error"})
		return model.Endpoint{}, err
	}
	metrics.Default().IncCounter("portico_resolutions_total", map[string]string{"transport": string(plan.Transport), "status": "ok"})

	if plan.Transport == model.TransportDirect {
		endpoint := rt.directEndpoint(target)
		rt.audit(ctx, target, "", "direct", endpoint.Addr())
		return endpoint, nil
	}

	sess, err := rt.openWithRetry(ctx, target, *plan.Host)
	if err != nil {
		// The plan is discarded; the failure surfaces to the caller with no
		// silent fallback.
		rt.audit(ctx, target, plan.Host.ID, "tunnel_failed", err.Error())
		return model.Endpoint{}, err
	}

	if rt.affinity != nil {
		if err := rt.affinity.RecordAffinity(ctx, target.ID, plan.Host.ID); err != nil {
			log.Printf("event=affinity_record_failed target_id=%s host_id=%s err=%q", target.ID, plan.Host.ID, err.Error())
		}
	}

	endpoint := model.Endpoint{Host: "127.0.0.1", Port: sess.Port()}
	rt.audit(ctx, target, plan.Host.ID, "mediated", endpoint.Addr())
	return endpoint, nil
}

// directEndpoint returns the target's public endpoint unchanged, or the
// private one when the caller forced a direct route to a private-only
// target.
func (rt *Router) directEndpoint(target model.RemoteTarget) model.Endpoint {
	host := target.PublicIP
	if host == "" {
		host = target.PrivateIP
	}
	return model.Endpoint{Host: host, Port: rt.remotePort}
}

// openWithRetry retries only readiness timeouts, with capped jittered
// backoff. Auth, no-path, and ownership failures are never retried.
func (rt *Router) openWithRetry(ctx context.Context, target model.RemoteTarget, host model.MediatingHost) (Tunnel, error) {
	const (
		maxAttempts = 3
		baseDelay   = 500 * time.Millisecond
		maxDelay    = 4 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sess, err := rt.tunnels.Open(ctx, target, host, rt.openTimeout)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if !errors.Is(err, tunnel.ErrReadyTimeout) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = jitter(delay)
		log.Printf("event=tunnel_open_retry target_id=%s host_id=%s attempt=%d delay_ms=%d err=%q", target.ID, host.ID, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("tunnel to %s via %s failed after %d attempts: %w", target.ID, host.ID, maxAttempts, lastErr)
}

func (rt *Router) audit(ctx context.Context, target model.RemoteTarget, hostID, outcome, detail string) {
	transport := model.Transport("")
	switch outcome {
	case "direct":
		transport = model.TransportDirect
	case "mediated":
		transport = model.TransportMediated
	}
	rt.sink.Record(ctx, audit.Event{
		Time:      time.Now().UTC(),
		TargetID:  target.ID,
		Transport: transport,
		HostID:    hostID,
		Outcome:   outcome,
		Detail:    detail,
	})
}

func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	return floor + time.Duration(n)
}
