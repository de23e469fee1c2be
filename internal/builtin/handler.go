// Package builtin hosts the in-process plugins. Each handler exposes
// the same session surface the supervisor gives subprocess plugins, so
// the dispatcher never special-cases them: no process, no pipes, no
// timeouts, phase fixed at idle.
package builtin

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/davawen/keal/internal/protocol"
)

// base carries the inert parts of an in-process session.
type base struct {
	name         string
	subscription protocol.EventSet
}

func (b *base) Name() string { return b.name }

func (b *base) Subscription() protocol.EventSet { return b.subscription }

func (b *base) Alive() bool { return true }

func (b *base) Detach() {}

func (b *base) Terminate() {}

func (b *base) WaitClose() {}

// subscribed reports whether the handler wants the event. Events
// outside the subscription are answered with a local none, same as the
// supervisor does for subprocesses.
func (b *base) subscribed(ev protocol.Event) bool {
	return b.subscription.Has(ev.Bit())
}

func noneAction() *protocol.Action {
	return &protocol.Action{Kind: protocol.ActionNone}
}

func forkAction() *protocol.Action {
	return &protocol.Action{Kind: protocol.ActionFork}
}

// choiceIndex parses an enter/shift_enter payload and bounds-checks it.
func choiceIndex(ev protocol.Event, n int) (int, error) {
	i, err := strconv.Atoi(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("malformed choice index %q", ev.Payload)
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("choice index %d out of range for %d entries", i, n)
	}
	return i, nil
}

// launchDetached starts a command in its own session so it outlives
// the launcher, and reaps it in the background.
func launchDetached(cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
