// Package session owns plugin subprocess lifecycles: spawning, the
// configuration handshake, the event/action request loop, and the
// terminal transitions (fork detach, wait-and-close, termination).
// Nothing outside this package touches a plugin's pipes.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

const (
	// terminationGracePeriod is the time between SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// maxStderrBytes caps the amount of plugin stderr kept for logging.
	maxStderrBytes = 8 * 1024
)

// ErrReadTimeout is returned when a plugin does not produce a
// complete protocol message within the configured read deadline. The
// original engine blocked forever here; the deadline is deliberate
// hardening and is treated as a protocol violation by callers.
var ErrReadTimeout = errors.New("plugin response deadline exceeded")

// ErrProcessExited is returned when the plugin's stream ends before a
// complete response was read.
var ErrProcessExited = errors.New("plugin process exited mid-response")

// Session is one live plugin subprocess and its protocol state.
// Writes happen from the goroutine calling Send; a dedicated reader
// goroutine pumps stdout lines onto a channel so every read can be
// bounded by the deadline.
type Session struct {
	id      string
	desc    *plugin.Descriptor
	timeout time.Duration
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *stderrTail
	lines  chan string
	done   chan struct{}

	mu           sync.Mutex
	phase        Phase
	subscription protocol.EventSet
	initial      []protocol.Choice
	exitErr      error
}

// Spawn starts a plugin process, performs the full handshake (config
// lines out, subscription and initial choice list in), and returns
// the session in the Idle phase. The process runs with the plugin
// directory as working directory so relative paths inside the plugin
// resolve next to its entrypoint. Handshake reads are bounded by
// timeout; any failure terminates the process before returning.
func Spawn(desc *plugin.Descriptor, timeout time.Duration) (*Session, error) {
	if desc.Builtin {
		return nil, fmt.Errorf("plugin %q is builtin, nothing to spawn", desc.Name)
	}

	s := &Session{
		id:      uuid.NewString()[:8],
		desc:    desc,
		timeout: timeout,
		stderr:  &stderrTail{},
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
		phase:   PhaseSpawning,
	}
	s.logger = log.WithSession(s.id).With(slog.String("plugin", desc.Name))

	cmd := exec.Command(desc.Entrypoint)
	cmd.Dir = desc.Dir
	cmd.Stderr = s.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", desc.Entrypoint, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.logger.Debug("plugin spawned", "entrypoint", desc.Entrypoint, "pid", cmd.Process.Pid)

	// Reader pump: drain stdout until EOF, then reap the process.
	// Wait is only called after the stream ends, so the pump never
	// races the pipe teardown.
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			s.lines <- strings.TrimSuffix(scanner.Text(), "\r")
		}
		close(s.lines)
		s.markExited(cmd.Wait())
	}()

	if err := s.handshake(); err != nil {
		s.Terminate()
		return nil, err
	}
	return s, nil
}

// handshake drives Spawning through Idle.
func (s *Session) handshake() error {
	if err := protocol.EncodeConfig(s.stdin, s.desc.Config); err != nil {
		return err
	}
	s.setPhase(PhaseAwaitingSubscription)

	// Blank lines before the declaration are tolerated.
	line, err := s.readLine()
	for err == nil && strings.TrimSpace(line) == "" {
		line, err = s.readLine()
	}
	if err != nil {
		return fmt.Errorf("reading subscription: %w", err)
	}
	set, err := protocol.DecodeSubscription(line)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.subscription = set
	s.phase = PhaseAwaitingInitialChoices
	s.mu.Unlock()

	choices, skipped, err := protocol.DecodeChoiceList(s.reader(), s.desc.Dir)
	if err != nil {
		return fmt.Errorf("reading initial choices: %w", err)
	}
	if len(skipped) > 0 {
		return &protocol.ViolationError{Line: skipped[0], Reason: "unexpected line in choice list"}
	}

	s.mu.Lock()
	s.initial = choices
	s.phase = PhaseIdle
	s.mu.Unlock()
	s.logger.Debug("session established", "events", set.String(), "choices", len(choices))
	return nil
}

// Name returns the plugin's registered name.
func (s *Session) Name() string { return s.desc.Name }

// ID returns the short session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Subscription returns the event set the plugin declared.
func (s *Session) Subscription() protocol.EventSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscription
}

// InitialChoices returns the handshake's choice list.
func (s *Session) InitialChoices() []protocol.Choice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial
}

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Alive reports whether the session can still accept events.
func (s *Session) Alive() bool {
	return !s.Phase().Terminal()
}

// Done is closed once the process has been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send forwards one event and reads exactly one action in response.
// Only legal in Idle: a second event while one is in flight is the
// caller's bug and is rejected, never queued. Events outside the
// plugin's subscription are answered with a local None action and no
// pipe traffic. Timeouts, malformed responses, and mid-response exits
// terminate the session and return the error.
func (s *Session) Send(ev protocol.Event) (*protocol.Action, error) {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		phase := s.phase
		s.mu.Unlock()
		return nil, &PhaseError{Op: "send " + ev.Name, Phase: phase}
	}
	if !s.subscription.Has(ev.Bit()) {
		s.mu.Unlock()
		return &protocol.Action{Kind: protocol.ActionNone}, nil
	}
	s.phase = PhaseAwaitingAction
	s.mu.Unlock()

	if err := protocol.EncodeEvent(s.stdin, ev); err != nil {
		s.Terminate()
		return nil, fmt.Errorf("forwarding %s: %w", ev.Name, err)
	}

	act, skipped, err := protocol.DecodeAction(s.reader(), s.desc.Dir)
	if err != nil {
		s.Terminate()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", ev.Name, ErrProcessExited)
		}
		return nil, err
	}
	if len(skipped) > 0 {
		s.Terminate()
		return nil, &protocol.ViolationError{Line: skipped[0], Reason: "unexpected line in choice list"}
	}

	s.mu.Lock()
	switch {
	case s.phase != PhaseAwaitingAction:
		// Exited while decoding; keep the terminal phase.
	case act.Kind == protocol.ActionFork:
		s.phase = PhaseDetached
	case act.Kind == protocol.ActionWaitAndClose:
		s.phase = PhaseClosing
	default:
		s.phase = PhaseIdle
	}
	s.mu.Unlock()

	if act.Kind == protocol.ActionFork {
		s.logger.Debug("session detached")
	}
	return act, nil
}

// WaitClose blocks until the process exits, enforcing the SIGKILL
// grace bound so a stuck plugin cannot hold the frontend open
// forever. Used after a wait_and_close action.
func (s *Session) WaitClose() {
	select {
	case <-s.done:
	case <-time.After(terminationGracePeriod):
		s.logger.Warn("plugin did not exit after wait_and_close, killing")
		s.kill()
		<-s.done
	}
}

// Detach releases the process to the OS: no further supervision, no
// kill on shutdown.
func (s *Session) Detach() {
	s.mu.Lock()
	if !s.phase.Terminal() {
		s.phase = PhaseDetached
	}
	s.mu.Unlock()
}

// Terminate stops the process: SIGTERM, a grace period, then SIGKILL.
// Detached sessions are left alone. Safe to call more than once.
func (s *Session) Terminate() {
	s.mu.Lock()
	if s.phase == PhaseDetached {
		s.mu.Unlock()
		return
	}
	exited := s.phase == PhaseTerminated
	s.mu.Unlock()
	if exited {
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	s.logger.Debug("terminating session")
	if s.cmd.Process != nil {
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("SIGTERM failed", "error", err)
		}
	}
	select {
	case <-s.done:
	case <-time.After(terminationGracePeriod):
		s.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		s.kill()
		<-s.done
	}
}

func (s *Session) kill() {
	if s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Debug("SIGKILL failed", "error", err)
		}
	}
}

// markExited records the reaped process. Detached sessions keep their
// phase; everything else becomes Terminated.
func (s *Session) markExited(err error) {
	s.mu.Lock()
	s.exitErr = err
	if s.phase != PhaseDetached {
		s.phase = PhaseTerminated
	}
	s.mu.Unlock()
	close(s.done)

	if tail := s.stderr.String(); tail != "" {
		s.logger.Debug("plugin stderr", "stderr", tail)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.logger.Debug("plugin exited", "exit_code", exitErr.ExitCode())
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// readLine returns the next stdout line, bounded by the deadline.
func (s *Session) readLine() (string, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case line, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-timer.C:
		return "", ErrReadTimeout
	}
}

// reader adapts the line pump to the codec's LineReader.
func (s *Session) reader() protocol.LineReader { return lineFunc(s.readLine) }

type lineFunc func() (string, error)

func (f lineFunc) ReadLine() (string, error) { return f() }

// stderrTail keeps the first maxStderrBytes of a stream for logging.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	if room := maxStderrBytes - len(t.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		t.buf = append(t.buf, p[:room]...)
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
