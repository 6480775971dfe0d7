// ABOUTME: Run tracker: the registry of in-flight agent runs keyed by run id
// ABOUTME: All mutation goes through the tracker so readers always see consistent copies

package runs

import (
	"sort"
	"sync"
	"time"
)

// Run is one agent's processing of a single request.
type Run struct {
	ID         string
	Agent      string
	SessionKey string
	Text       string
	ToolCalls  []string
	StartedAt  time.Time
	ChatLogged bool
	Recovered  bool
	IsSubagent bool
	Ended      bool
}

func (r *Run) clone() Run {
	c := *r
	c.ToolCalls = append([]string(nil), r.ToolCalls...)
	return c
}

// Tracker owns every Run. It is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*Run)}
}

// Start registers a run. If the id is already tracked the existing run is
// returned unchanged and created is false.
func (t *Tracker) Start(id, agent, sessionKey string, subagent bool, at time.Time) (run Run, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.runs[id]; ok {
		return r.clone(), false
	}
	r := &Run{ID: id, Agent: agent, SessionKey: sessionKey, IsSubagent: subagent, StartedAt: at}
	t.runs[id] = r
	return r.clone(), true
}

// Get returns a copy of the run.
func (t *Tracker) Get(id string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.clone(), true
}

// SetText replaces the accumulated text. Assistant frames carry the full transcript so far.
func (t *Tracker) SetText(id, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[id]
	if ok {
		r.Text = text
	}
	return ok
}

// AddToolCall appends a tool name and returns the new count.
func (t *Tracker) AddToolCall(id, tool string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[id]
	if !ok {
		return 0, false
	}
	r.ToolCalls = append(r.ToolCalls, tool)
	return len(r.ToolCalls), true
}

// MarkChatLogged flags the run's chat as persisted. It returns false when the
// flag was already set or the run is unknown.
func (t *Tracker) MarkChatLogged(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[id]
	if !ok || r.ChatLogged {
		return false
	}
	r.ChatLogged = true
	return true
}

// MarkRecovered flags the run as force-completed. Only the first call returns true.
func (t *Tracker) MarkRecovered(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[id]
	if !ok || r.Recovered {
		return false
	}
	r.Recovered = true
	return true
}

// End marks the run terminal and returns its final state. Late frames for an
// ended run are still accepted until it is deleted.
func (t *Tracker) End(id string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[id]
	if !ok {
		return Run{}, false
	}
	r.Ended = true
	return r.clone(), true
}

// Delete removes the run.
func (t *Tracker) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, id)
}

// Reset drops every run and returns how many were tracked.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.runs)
	t.runs = make(map[string]*Run)
	return n
}

// Len returns the number of tracked runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// Stuck returns un-recovered, un-ended runs older than timeout, oldest first.
func (t *Tracker) Stuck(now time.Time, timeout time.Duration) []Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stuck []Run
	for _, r := range t.runs {
		if r.Recovered || r.Ended {
			continue
		}
		if now.Sub(r.StartedAt) > timeout {
			stuck = append(stuck, r.clone())
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].StartedAt.Before(stuck[j].StartedAt) })
	return stuck
}

// Snapshot returns copies of every run, oldest first.
func (t *Tracker) Snapshot() []Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Run, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
