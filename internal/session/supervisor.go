package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/plugin"
)

// Supervisor tracks at most one live session per plugin. It is the
// only component that spawns or kills plugin processes; everything
// else holds sessions by reference.
type Supervisor struct {
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSupervisor creates a supervisor whose protocol reads are bounded
// by timeout.
func NewSupervisor(timeout time.Duration) *Supervisor {
	return &Supervisor{
		timeout:  timeout,
		sessions: make(map[string]*Session),
	}
}

// Spawn starts a session for desc. A plugin with a live session
// cannot be spawned again; terminal sessions are displaced by the new
// one. The full handshake runs before Spawn returns.
func (sv *Supervisor) Spawn(desc *plugin.Descriptor) (*Session, error) {
	sv.mu.Lock()
	if prev, ok := sv.sessions[desc.Name]; ok && !prev.Phase().Terminal() {
		sv.mu.Unlock()
		return nil, fmt.Errorf("plugin %q already has a live session", desc.Name)
	}
	sv.mu.Unlock()

	s, err := Spawn(desc, sv.timeout)
	if err != nil {
		return nil, err
	}

	sv.mu.Lock()
	sv.sessions[desc.Name] = s
	sv.mu.Unlock()
	return s, nil
}

// Get returns the tracked session for a plugin, live or not.
func (sv *Supervisor) Get(name string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[name]
	return s, ok
}

// Release drops a session from tracking without touching its process.
func (sv *Supervisor) Release(name string) {
	sv.mu.Lock()
	delete(sv.sessions, name)
	sv.mu.Unlock()
}

// Shutdown terminates every tracked session. Detached processes are
// left to the OS.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	sessions := make([]*Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		sessions = append(sessions, s)
	}
	sv.sessions = make(map[string]*Session)
	sv.mu.Unlock()

	for _, s := range sessions {
		s.Terminate()
	}
	if len(sessions) > 0 {
		log.WithComponent("session").Debug("supervisor shut down", "terminated", len(sessions))
	}
}
