package dispatch

import (
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_session.go -package=mocks github.com/davawen/keal/internal/dispatch Session,Spawner

// Session is the dispatcher's view of an established plugin, whether a
// supervised subprocess or an in-process builtin. The dispatcher never
// touches process handles or pipes directly.
type Session interface {
	Name() string
	Subscription() protocol.EventSet
	InitialChoices() []protocol.Choice
	// Send forwards one event and returns the plugin's action. Events
	// outside the subscription are answered with a local none action.
	Send(ev protocol.Event) (*protocol.Action, error)
	// Alive reports whether the session can still accept events.
	Alive() bool
	// Detach releases the process to the OS after a fork action.
	Detach()
	// Terminate force-ends the session. Idempotent.
	Terminate()
	// WaitClose blocks until the process exits after wait_and_close.
	WaitClose()
}

// Spawner establishes sessions for subprocess plugins.
type Spawner interface {
	Spawn(desc *plugin.Descriptor) (Session, error)
}

// Recorder counts launches for the usage-frequency ranking boost.
// Increment must never block the caller.
type Recorder interface {
	Increment(source, name string)
}

// MatchTexter is optionally implemented by sessions whose choices carry
// richer match text (categories, keywords) than the visible comment.
// The text is scored during catalog ranking but never displayed.
type MatchTexter interface {
	MatchText(index int) string
}
