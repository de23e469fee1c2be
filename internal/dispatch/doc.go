// Package dispatch is the engine loop: it consumes input edits and
// activations from the frontend, routes them to the owning plugin
// session, and applies the resulting actions to the choice store.
//
// Routing:
//   - A leading prefix (longest match wins) puts the launcher in plugin
//     mode: the prefixed plugin owns the query and its choice list is
//     shown verbatim.
//   - Without a prefix, the query ranks the catalog (builtins plus the
//     default-enabled plugins' current choices) and is offered to
//     subscribed default plugins, first non-none action winning.
//
// Action handling:
//   - fork detaches the session and asks the frontend to close
//   - wait_and_close blocks on process exit, then closes
//   - change_input terminates the session and rewrites the input line
//   - change_query rewrites the query under the active prefix
//   - update_all / update:<i> replace choices in the store
//
// Rewritten input is re-processed without a query event echo, so a
// plugin cannot put the engine into a rewrite cycle.
//
// Failure containment: a protocol violation, response timeout, or
// unexpected exit terminates only the offending session; the previous
// choice list stays on screen. A plugin that cannot be spawned
// contributes a single synthetic error choice. Nothing a plugin does
// aborts the launcher.
//
// The loop goroutine owns all engine state. The frontend talks to it
// exclusively through Input/Activate and listens on the events hub.
package dispatch
