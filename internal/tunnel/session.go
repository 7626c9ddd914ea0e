package tunnel

import (
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/porticodev/portico/internal/model"
)

// Session owns exactly one local tunnel: the proxy subprocess forwarding a
// loopback port to the target's private endpoint, and its lifecycle state.
// Sessions are owned by the Registry for their entire lifetime; everything
// mutable is guarded by the session mutex.
type Session struct {
	id        string
	targetID  string
	hostID    string
	owner     string
	port      int
	startedAt time.Time

	mu      sync.Mutex
	state   model.TunnelState
	cmd     *exec.Cmd
	cancel  func()
	done    chan struct{}
	waitErr error
}

func newSession(target model.RemoteTarget, host model.MediatingHost, port int, owner string) *Session {
	return &Session{
		id:        uuid.NewString(),
		targetID:  target.ID,
		hostID:    host.ID,
		owner:     owner,
		port:      port,
		startedAt: time.Now().UTC(),
		state:     model.TunnelCreated,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Port() int { return s.port }

func (s *Session) State() model.TunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) Summary() model.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return model.SessionSummary{
		ID:        s.id,
		TargetID:  s.targetID,
		HostID:    s.hostID,
		LocalPort: s.port,
		State:     s.state,
		Owner:     s.owner,
		PID:       pid,
		StartedAt: s.startedAt,
	}
}

func (s *Session) attach(cmd *exec.Cmd, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmd = cmd
	s.cancel = cancel
}

// markListening moves Created -> Listening. Returns false once termination
// has begun; no state is re-enterable after that.
func (s *Session) markListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.TunnelCreated {
		return false
	}
	s.state = model.TunnelListening
	return true
}

// markActive records that the caller dialed through the tunnel. Informational
// only; failure to reach Active never blocks use.
func (s *Session) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.TunnelListening {
		s.state = model.TunnelActive
	}
}

// beginTermination moves any non-terminating state to Terminating. Returns
// false when teardown already ran or is running, which makes every close
// trigger converge on a single teardown pass.
func (s *Session) beginTermination() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.TunnelTerminating || s.state == model.TunnelClosed {
		return false
	}
	s.state = model.TunnelTerminating
	return true
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.TunnelClosed
}

// waitError returns the subprocess exit error once the wait goroutine has
// recorded it, nil before exit or on a clean exit.
func (s *Session) waitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

// exited reports whether the subprocess has already terminated.
func (s *Session) exited() bool {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
