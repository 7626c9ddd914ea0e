package tunnel

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

var (
	// ErrReadyTimeout means the subprocess never bound the loopback port in
	// time. Retryable.
	ErrReadyTimeout = errors.New("tunnel not ready before timeout")
	// ErrPortConflict means the chosen local port is held by a live session.
	ErrPortConflict = errors.New("local port conflict")
	// ErrOwnershipViolation means the subprocess is not owned by the caller.
	// Never retried; it needs investigation, not another attempt.
	ErrOwnershipViolation = errors.New("tunnel subprocess ownership violation")
)

const (
	// DefaultOpenTimeout bounds the loopback readiness poll.
	DefaultOpenTimeout = 10 * time.Second

	ephemeralPortMin = 49152
	ephemeralPortMax = 65535
)

// Manager drives tunnel sessions through their lifecycle. Open and Close are
// the only paths that spawn or reap the proxy subprocess; every abort
// trigger (timeout, signal, watchdog) converges on the same teardown.
type Manager struct {
	registry *Registry
	builder  CommandBuilder
	owner    string

	pollInterval time.Duration
	closeGrace   time.Duration
}

func NewManager(registry *Registry, builder CommandBuilder, owner string) *Manager {
	return &Manager{
		registry:     registry,
		builder:      builder,
		owner:        owner,
		pollInterval: 100 * time.Millisecond,
		closeGrace:   3 * time.Second,
	}
}

// Open spawns the proxy subprocess for target through host and returns the
// session once its loopback port accepts connections. On any failure the
// subprocess is torn down and the registry is left without the session;
// a half-initialized tunnel never survives Open.
func (m *Manager) Open(ctx context.Context, target model.RemoteTarget, host model.MediatingHost, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	start := time.Now()

	sess, err := m.reserveSession(target, host)
	if err != nil {
		m.recordOpen(start, "port_conflict")
		return nil, err
	}

	if err := m.spawn(sess, target, host); err != nil {
		m.teardown(sess, "spawn_failure")
		m.recordOpen(start, "spawn_error")
		return nil, err
	}

	if err := m.awaitListening(ctx, sess, timeout); err != nil {
		m.teardown(sess, "open_abort")
		m.recordOpen(start, "timeout")
		return nil, err
	}

	if err := m.verifyOwnership(sess); err != nil {
		m.teardown(sess, "ownership")
		m.recordOpen(start, "ownership_violation")
		return nil, err
	}

	if !sess.markListening() {
		// Termination raced the open; whoever triggered it already reaped the
		// subprocess.
		m.recordOpen(start, "aborted")
		return nil, fmt.Errorf("tunnel session %s terminated during open", sess.id)
	}

	m.recordOpen(start, "ok")
	log.Printf("event=tunnel_open session_id=%s target_id=%s host_id=%s local_port=%d pid=%d", sess.id, sess.targetID, sess.hostID, sess.port, sess.PID())
	return sess, nil
}

// MarkActive records the caller's first successful dial through the tunnel.
func (m *Manager) MarkActive(sess *Session) {
	sess.markActive()
}

// Close tears the session down: Terminating, graceful signal, bounded wait,
// force kill, Closed, removed from the registry. Idempotent; closing a
// Closed session is a no-op.
func (m *Manager) Close(sess *Session) error {
	m.teardown(sess, "manual")
	return nil
}

// DrainAll force-closes every registered session. Called exactly once on
// process shutdown whatever the exit path, so no tunnel subprocess outlives
// the controlling process.
func (m *Manager) DrainAll() {
	sessions := m.registry.Sessions()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.teardown(s, "drain")
		}(sess)
	}
	wg.Wait()
	log.Printf("event=tunnel_drain closed=%d", len(sessions))
}

// Registry exposes the session table for listing and introspection.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) reserveSession(target model.RemoteTarget, host model.MediatingHost) (*Session, error) {
	// The registry stays the final arbiter: the bind probe filters ports some
	// other process holds, registration filters ports a live session holds.
	for attempt := 0; attempt < 5; attempt++ {
		port, err := pickEphemeralPort()
		if err != nil {
			return nil, err
		}
		sess := newSession(target, host, port, m.owner)
		if err := m.registry.Register(sess); err != nil {
			if errors.Is(err, ErrPortConflict) {
				continue
			}
			return nil, err
		}
		return sess, nil
	}
	return nil, fmt.Errorf("no conflict-free local port found: %w", ErrPortConflict)
}

func (m *Manager) spawn(sess *Session, target model.RemoteTarget, host model.MediatingHost) error {
	spec := m.builder.TunnelCommand(target, host, sess.port)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Name, spec.Args...)
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start tunnel subprocess: %w", err)
	}
	sess.attach(cmd, cancel)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				log.Printf("event=tunnel_stderr session_id=%s line=%q", sess.id, line)
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		sess.mu.Lock()
		sess.waitErr = err
		sess.mu.Unlock()
		close(sess.done)
	}()

	return nil
}

// awaitListening polls the loopback port until it accepts a connection, the
// subprocess dies, the timeout elapses, or the caller's context is canceled.
func (m *Manager) awaitListening(ctx context.Context, sess *Session, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(sess.port))
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("tunnel open aborted: %w", ctx.Err())
		case <-sess.done:
			return fmt.Errorf("tunnel subprocess exited before binding port %d: %w", sess.port, ErrReadyTimeout)
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, m.pollInterval)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not ready after %s: %w", sess.port, timeout, ErrReadyTimeout)
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("tunnel open aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// verifyOwnership rejects a subprocess whose effective owner is not the
// controlling user. A hijacked or misattributed proxy process must abort the
// open, not carry traffic.
func (m *Manager) verifyOwnership(sess *Session) error {
	pid := sess.PID()
	if pid == 0 {
		return fmt.Errorf("subprocess has no pid: %w", ErrOwnershipViolation)
	}
	uid, err := processOwnerUID(pid)
	if err != nil {
		return fmt.Errorf("verify subprocess owner: %v: %w", err, ErrOwnershipViolation)
	}
	if uid != os.Getuid() {
		return fmt.Errorf("subprocess pid %d owned by uid %d, caller uid %d: %w", pid, uid, os.Getuid(), ErrOwnershipViolation)
	}
	return nil
}

// teardown is the single cleanup path shared by Close, DrainAll, open
// failures, signal aborts, and the watchdog.
func (m *Manager) teardown(sess *Session, trigger string) {
	if !sess.beginTermination() {
		return
	}

	sess.mu.Lock()
	cmd := sess.cmd
	cancel := sess.cancel
	sess.mu.Unlock()

	status := "ok"
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-sess.done:
		case <-time.After(m.closeGrace):
			// Still alive after the grace period; the context cancel delivers
			// SIGKILL.
			cancel()
			select {
			case <-sess.done:
			case <-time.After(m.closeGrace):
				status = "kill_timeout"
			}
		}
	}
	if cancel != nil {
		cancel()
	}

	sess.markClosed()
	m.registry.Unregister(sess.id)
	metrics.Default().IncCounter("portico_tunnel_closes_total", map[string]string{"trigger": trigger, "status": status})
	if werr := sess.waitError(); werr != nil {
		log.Printf("event=tunnel_close session_id=%s trigger=%s status=%s local_port=%d exit_err=%q", sess.id, trigger, status, sess.port, werr.Error())
	} else {
		log.Printf("event=tunnel_close session_id=%s trigger=%s status=%s local_port=%d", sess.id, trigger, status, sess.port)
	}
}

func (m *Manager) recordOpen(start time.Time, status string) {
	labels := map[string]string{"status": status}
	metrics.Default().IncCounter("portico_tunnel_opens_total", labels)
	metrics.Default().ObserveHistogram("portico_tunnel_open_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}

// pickEphemeralPort draws a random port from the ephemeral range and probes
// it with a short loopback bind. Random selection keeps the port
// unpredictable; sequential or fixed ports are a hijacking vector.
func pickEphemeralPort() (int, error) {
	const probes = 10
	span := uint64(ephemeralPortMax - ephemeralPortMin + 1)
	for attempt := 0; attempt < probes; attempt++ {
		var raw [8]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return 0, fmt.Errorf("random port selection: %w", err)
		}
		port := ephemeralPortMin + int(binary.LittleEndian.Uint64(raw[:])%span)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free ephemeral port after %d probes", probes)
}

func processOwnerUID(pid int) (int, error) {
	fi, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	if err != nil {
		return 0, fmt.Errorf("stat process %d: %w", pid, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("process owner for pid %d unavailable", pid)
	}
	return int(st.Uid), nil
}
