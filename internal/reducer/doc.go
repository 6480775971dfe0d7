// Package reducer turns decoded gateway frames into agent state, events and
// messages.
//
// # Transitions
//
//   - lifecycle start: track the run, agent working, task_started
//   - assistant: replace run text, agent talking in its talk room; the lead's
//     text is scanned for delegations
//   - tool call / result: record the tool, tool_use / tool_result events
//   - chat: logged once per run; room-move and dispatch commands are detected
//     and recorded as events
//   - lifecycle end / error: persist the transcript, agent idle or error,
//     task_completed / task_failed, delete the run after a grace period
//   - bridge status: the monitor agent mirrors gateway connectivity
//
// # Concurrency
//
// Handle, Sweep, ResetRuns and scheduled deletions all hold one mutex, so a
// run is never mutated from two goroutines. Store writes happen under that
// lock and are not retried; a failed write is logged and processing moves on.
package reducer
