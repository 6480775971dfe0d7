// ABOUTME: Event reducer: applies decoded gateway frames to run state and the state store
// ABOUTME: One frame at a time under a single mutex; timers and sweeps take the same lock

package reducer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/detect"
	"github.com/2389/coven-relay/internal/identity"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/roster"
	"github.com/2389/coven-relay/internal/runs"
	"github.com/2389/coven-relay/internal/store"
)

// Text limits, in runes.
const (
	PreviewLen = 80
	MessageLen = 1500
)

// Task labels written to agent state.
const (
	TaskHandling   = "Handling request"
	TaskDelegated  = "Working on delegated task"
	TaskMonitoring = "Monitoring gateway"
)

// Delivery is one frame plus the agent it was attributed to.
type Delivery struct {
	Frame      protocol.Frame
	Agent      string
	ReceivedAt time.Time
}

// Outcome summarizes what Handle did with a delivery.
type Outcome struct {
	Kind      string `json:"kind"`
	Agent     string `json:"agent,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Publisher receives every event that was appended successfully.
type Publisher interface {
	Publish(event *store.Event)
}

// Config holds the reducer's timing.
type Config struct {
	StuckTimeout  time.Duration
	EndGrace      time.Duration
	RecoveryGrace time.Duration
}

// Deps are the collaborators a Reducer writes through.
type Deps struct {
	Store       store.Store
	Roster      *roster.Roster
	Classifier  detect.Classifier
	Runs        *runs.Tracker
	Delegations *runs.Delegations
	// ChatSeen absorbs repeated chat frames for runs the tracker does not know.
	ChatSeen  *dedupe.Cache
	Publisher Publisher
	Scheduler Scheduler
	Logger    *slog.Logger
	Now       func() time.Time
}

// Reducer owns the mapping from frames to state changes.
type Reducer struct {
	mu sync.Mutex

	cfg         Config
	store       store.Store
	roster      *roster.Roster
	classifier  detect.Classifier
	runs        *runs.Tracker
	delegations *runs.Delegations
	chatSeen    *dedupe.Cache
	publisher   Publisher
	scheduler   Scheduler
	logger      *slog.Logger
	now         func() time.Time

	pending map[string]*pendingDeletion
}

type pendingDeletion struct {
	timer Timer
}

// New builds a Reducer. Store and Roster are required; everything else has a default.
func New(cfg Config, deps Deps) *Reducer {
	r := &Reducer{
		cfg:         cfg,
		store:       deps.Store,
		roster:      deps.Roster,
		classifier:  deps.Classifier,
		runs:        deps.Runs,
		delegations: deps.Delegations,
		chatSeen:    deps.ChatSeen,
		publisher:   deps.Publisher,
		scheduler:   deps.Scheduler,
		logger:      deps.Logger,
		now:         deps.Now,
		pending:     make(map[string]*pendingDeletion),
	}
	if r.classifier == nil {
		r.classifier = detect.NewHeuristic(r.roster)
	}
	if r.runs == nil {
		r.runs = runs.NewTracker()
	}
	if r.delegations == nil {
		r.delegations = runs.NewDelegations()
	}
	if r.chatSeen == nil {
		r.chatSeen = dedupe.New(time.Hour, 4096, 0)
	}
	if r.scheduler == nil {
		r.scheduler = RealScheduler()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reducer")
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Runs exposes the tracker for read-only reporting.
func (r *Reducer) Runs() *runs.Tracker {
	return r.runs
}

// Handle applies one delivery.
func (r *Reducer) Handle(ctx context.Context, d Delivery) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent := d.Agent
	if agent == "" {
		agent = r.defaultAgent()
	}
	at := d.ReceivedAt
	if at.IsZero() {
		at = r.now()
	}

	switch f := d.Frame.(type) {
	case *protocol.LifecycleFrame:
		switch f.Phase {
		case protocol.PhaseStart:
			return r.lifecycleStart(ctx, agent, f, at)
		default:
			return r.lifecycleEnd(ctx, agent, f, at)
		}
	case *protocol.AssistantFrame:
		return r.assistant(ctx, agent, f, at)
	case *protocol.ToolCallFrame:
		return r.toolCall(ctx, agent, f, at)
	case *protocol.ToolResultFrame:
		return r.toolResult(ctx, agent, f, at)
	case *protocol.ChatFrame:
		return r.chat(ctx, agent, f, at)
	case *protocol.BridgeStatusFrame:
		return r.bridgeStatus(ctx, f, at)
	case *protocol.ChallengeFrame, *protocol.ResponseFrame, *protocol.TickFrame, *protocol.SystemFrame:
		return Outcome{Kind: "system"}
	default:
		return Outcome{Kind: "unknown"}
	}
}

func (r *Reducer) lifecycleStart(ctx context.Context, agent string, f *protocol.LifecycleFrame, at time.Time) Outcome {
	out := Outcome{Kind: "lifecycle.start", Agent: agent, RunID: f.RunID}
	subagent := identity.IsSubagentSession(f.SessionKey)

	if f.RunID != "" {
		if _, created := r.runs.Start(f.RunID, agent, f.SessionKey, subagent, at); !created {
			out.Duplicate = true
			return out
		}
	}

	task := TaskHandling
	if subagent {
		task = TaskDelegated
	}
	r.updateAgent(ctx, agent, store.AgentUpdate{Status: store.StatusWorking, Task: store.Text(task), At: at})
	r.appendEvent(ctx, &store.Event{
		Agent:     agent,
		Type:      store.EventTaskStarted,
		Title:     task,
		RunID:     f.RunID,
		Meta:      map[string]any{"subagent": subagent},
		CreatedAt: at,
	})
	out.Applied = true
	return out
}

func (r *Reducer) lifecycleEnd(ctx context.Context, agent string, f *protocol.LifecycleFrame, at time.Time) Outcome {
	failed := f.Phase == protocol.PhaseError
	out := Outcome{Kind: "lifecycle." + f.Phase, Agent: agent, RunID: f.RunID}

	var run runs.Run
	tracked := false
	if f.RunID != "" {
		if prev, ok := r.runs.Get(f.RunID); ok {
			if prev.Ended {
				out.Duplicate = true
				return out
			}
			run, tracked = r.runs.End(f.RunID)
			agent = run.Agent
			out.Agent = agent
		}
	}

	if tracked && run.Text != "" {
		r.saveMessage(ctx, &store.Message{
			Agent:     agent,
			Role:      store.RoleAssistant,
			Content:   Clip(run.Text, MessageLen),
			RunID:     run.ID,
			CreatedAt: at,
		})
	}

	toolCount := len(run.ToolCalls)
	if failed {
		reason := f.Error
		if reason == "" {
			reason = "run failed"
		}
		r.updateAgent(ctx, agent, store.AgentUpdate{Status: store.StatusError, Task: store.Text(Truncate(reason, PreviewLen)), Room: store.Text(""), At: at})
		r.appendEvent(ctx, &store.Event{
			Agent:     agent,
			Type:      store.EventTaskFailed,
			Title:     "Task failed: " + Truncate(reason, PreviewLen),
			RunID:     f.RunID,
			Meta:      map[string]any{"tool_count": toolCount, "error": reason},
			CreatedAt: at,
		})
	} else {
		r.updateAgent(ctx, agent, store.AgentUpdate{Status: store.StatusIdle, Task: store.Text(""), Room: store.Text(""), At: at})
		r.appendEvent(ctx, &store.Event{
			Agent:     agent,
			Type:      store.EventTaskCompleted,
			Title:     fmt.Sprintf("Completed task (%d tool calls)", toolCount),
			RunID:     f.RunID,
			Meta:      map[string]any{"tool_count": toolCount},
			CreatedAt: at,
		})
	}

	if tracked {
		if run.IsSubagent {
			r.finishDelegations(ctx, at)
		}
		r.scheduleDelete(run.ID, r.cfg.EndGrace)
	}
	out.Applied = true
	return out
}

func (r *Reducer) finishDelegations(ctx context.Context, at time.Time) {
	for _, del := range r.delegations.FinishAll() {
		r.updateAgent(ctx, del.Agent, store.AgentUpdate{Status: store.StatusIdle, Task: store.Text(""), Room: store.Text(""), At: at})
		r.appendEvent(ctx, &store.Event{
			Agent:     del.Agent,
			Type:      store.EventTaskCompleted,
			Title:     "Finished delegated task: " + Truncate(del.Task, PreviewLen),
			Meta:      map[string]any{"delegated": true, "duration_seconds": int(at.Sub(del.StartedAt).Seconds())},
			CreatedAt: at,
		})
	}
}

func (r *Reducer) assistant(ctx context.Context, agent string, f *protocol.AssistantFrame, at time.Time) Outcome {
	out := Outcome{Kind: "assistant", Agent: agent, RunID: f.RunID}
	if f.RunID != "" {
		r.runs.SetText(f.RunID, f.Text)
	}
	if f.Text == "" {
		return out
	}

	upd := store.AgentUpdate{Status: store.StatusTalking, Task: store.Text(Truncate(f.Text, PreviewLen)), At: at}
	if a, ok := r.roster.Agent(agent); ok && a.TalkRoom != "" {
		upd.Room = store.Text(a.TalkRoom)
	}
	r.updateAgent(ctx, agent, upd)

	if lead, ok := r.roster.Lead(); ok && lead.Name == agent {
		r.detectDelegations(ctx, agent, f, at)
	}
	out.Applied = true
	return out
}

func (r *Reducer) detectDelegations(ctx context.Context, lead string, f *protocol.AssistantFrame, at time.Time) {
	for _, d := range r.classifier.ClassifyDelegation(f.Text) {
		task := Clip(d.Task, detect.MaxTaskLen)
		// assistant frames are cumulative, so the same delegation is seen on every update
		if prev, ok := r.delegations.Get(d.Agent); ok && prev.Task == task {
			continue
		}
		r.delegations.Record(runs.Delegation{Agent: d.Agent, Task: task, StartedAt: at})

		upd := store.AgentUpdate{Status: store.StatusWorking, Task: store.Text(task), At: at}
		if a, ok := r.roster.Agent(d.Agent); ok && a.WorkRoom != "" {
			upd.Room = store.Text(a.WorkRoom)
		}
		r.updateAgent(ctx, d.Agent, upd)
		r.appendEvent(ctx, &store.Event{
			Agent:     d.Agent,
			Type:      store.EventTaskStarted,
			Title:     "Delegated: " + Truncate(task, PreviewLen),
			RunID:     f.RunID,
			Meta:      map[string]any{"delegated_by": lead},
			CreatedAt: at,
		})
	}
}

func (r *Reducer) toolCall(ctx context.Context, agent string, f *protocol.ToolCallFrame, at time.Time) Outcome {
	tool := f.Tool
	if tool == "" {
		tool = "tool"
	}
	if f.RunID != "" {
		r.runs.AddToolCall(f.RunID, tool)
	}
	r.updateAgent(ctx, agent, store.AgentUpdate{Status: store.StatusWorking, Task: store.Text("Using: " + tool), At: at})
	r.appendEvent(ctx, &store.Event{
		Agent:     agent,
		Type:      store.EventToolUse,
		Title:     "Using " + tool,
		RunID:     f.RunID,
		Meta:      map[string]any{"tool": tool, "call_id": f.CallID},
		CreatedAt: at,
	})
	return Outcome{Kind: "tool_call", Agent: agent, RunID: f.RunID, Applied: true}
}

func (r *Reducer) toolResult(ctx context.Context, agent string, f *protocol.ToolResultFrame, at time.Time) Outcome {
	title := "Result received"
	if f.Tool != "" {
		title += " from " + f.Tool
	}
	r.appendEvent(ctx, &store.Event{
		Agent:     agent,
		Type:      store.EventToolResult,
		Title:     title,
		RunID:     f.RunID,
		Meta:      map[string]any{"tool": f.Tool, "call_id": f.CallID},
		CreatedAt: at,
	})
	return Outcome{Kind: "tool_result", Agent: agent, RunID: f.RunID, Applied: true}
}

func (r *Reducer) chat(ctx context.Context, agent string, f *protocol.ChatFrame, at time.Time) Outcome {
	out := Outcome{Kind: "chat", Agent: agent, RunID: f.RunID}
	// streamed fragments carry partial text; only the settled message is logged
	if f.State == "delta" {
		return out
	}

	if f.RunID != "" {
		if _, tracked := r.runs.Get(f.RunID); tracked {
			if !r.runs.MarkChatLogged(f.RunID) {
				out.Duplicate = true
				return out
			}
		} else if r.chatSeen.CheckAndMark("chat:" + f.RunID) {
			out.Duplicate = true
			return out
		}
	}

	text := f.Text
	if text == "" {
		return out
	}

	if cmd := r.classifier.ClassifyRoomCommand(text); cmd.OK() {
		for _, name := range cmd.Agents {
			r.updateAgent(ctx, name, store.AgentUpdate{Room: store.Text(cmd.Room), At: at})
		}
		r.appendEvent(ctx, &store.Event{
			Agent:     agent,
			Type:      store.EventRoomMove,
			Title:     "Room move: " + cmd.Description(),
			RunID:     f.RunID,
			Meta:      map[string]any{"room": cmd.Room, "agents": cmd.Agents, "everyone": cmd.Everyone},
			CreatedAt: at,
		})
	}

	switch d := r.classifier.ClassifyDispatch(text); d.Kind {
	case detect.DispatchTeam:
		r.appendEvent(ctx, &store.Event{
			Agent:     agent,
			Type:      store.EventDispatch,
			Title:     fmt.Sprintf("Team dispatch (%s)", d.Trigger),
			RunID:     f.RunID,
			Meta:      map[string]any{"kind": d.Kind.String(), "trigger": d.Trigger},
			CreatedAt: at,
		})
	case detect.DispatchSingle:
		r.appendEvent(ctx, &store.Event{
			Agent:     agent,
			Type:      store.EventDispatch,
			Title:     "Dispatch to " + d.Agent,
			RunID:     f.RunID,
			Meta:      map[string]any{"kind": d.Kind.String(), "target": d.Agent, "trigger": d.Trigger},
			CreatedAt: at,
		})
	}

	r.saveMessage(ctx, &store.Message{
		Agent:     agent,
		Role:      store.RoleUser,
		Content:   Clip(text, MessageLen),
		RunID:     f.RunID,
		CreatedAt: at,
	})
	r.appendEvent(ctx, &store.Event{
		Agent:     agent,
		Type:      store.EventChat,
		Title:     Truncate(text, PreviewLen),
		RunID:     f.RunID,
		CreatedAt: at,
	})
	out.Applied = true
	return out
}

func (r *Reducer) bridgeStatus(ctx context.Context, f *protocol.BridgeStatusFrame, at time.Time) Outcome {
	monitor, ok := r.roster.Monitor()
	if !ok {
		return Outcome{Kind: "bridge"}
	}

	upd := store.AgentUpdate{Status: store.StatusIdle, Task: store.Text(""), At: at}
	title := "Gateway disconnected"
	if f.Connected {
		upd.Status = store.StatusWorking
		upd.Task = store.Text(TaskMonitoring)
		if monitor.WorkRoom != "" {
			upd.Room = store.Text(monitor.WorkRoom)
		}
		title = "Gateway connected"
	}
	if f.Node != "" {
		title += " (" + f.Node + ")"
	}

	r.updateAgent(ctx, monitor.Name, upd)
	r.appendEvent(ctx, &store.Event{
		Agent:     monitor.Name,
		Type:      store.EventSystem,
		Title:     title,
		Meta:      map[string]any{"connected": f.Connected, "node": f.Node},
		CreatedAt: at,
	})
	return Outcome{Kind: "bridge", Agent: monitor.Name, Applied: true}
}

// Sweep force-completes runs older than the stuck timeout. Each run is
// recovered at most once; it returns how many were recovered by this call.
func (r *Reducer) Sweep(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	recovered := 0
	for _, run := range r.runs.Stuck(now, r.cfg.StuckTimeout) {
		if !r.runs.MarkRecovered(run.ID) {
			continue
		}
		recovered++
		elapsed := int(now.Sub(run.StartedAt).Seconds())

		r.logger.Warn("recovering stuck run", "run_id", run.ID, "agent", run.Agent, "elapsed_seconds", elapsed)
		r.updateAgent(ctx, run.Agent, store.AgentUpdate{Status: store.StatusIdle, Task: store.Text(""), Room: store.Text(""), At: now})
		r.appendEvent(ctx, &store.Event{
			Agent:     run.Agent,
			Type:      store.EventAlert,
			Title:     fmt.Sprintf("Run timed out after %ds; agent reset to idle", elapsed),
			RunID:     run.ID,
			Meta:      map[string]any{"elapsed_seconds": elapsed, "tool_count": len(run.ToolCalls)},
			CreatedAt: now,
		})
		r.scheduleDelete(run.ID, r.cfg.RecoveryGrace)
	}
	return recovered
}

// ResetRuns drops every tracked run and delegation. The bridge calls it on
// disconnect because the new session will never finish the old runs.
func (r *Reducer) ResetRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
	r.delegations.FinishAll()
	n := r.runs.Reset()
	if n > 0 {
		r.logger.Info("cleared tracked runs", "count", n)
	}
	return n
}

// scheduleDelete removes the run after d. Caller holds mu.
func (r *Reducer) scheduleDelete(id string, d time.Duration) {
	if prev, ok := r.pending[id]; ok {
		prev.timer.Stop()
	}
	p := &pendingDeletion{}
	r.pending[id] = p
	p.timer = r.scheduler.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending[id] != p {
			return
		}
		delete(r.pending, id)
		r.runs.Delete(id)
	})
}

func (r *Reducer) defaultAgent() string {
	if lead, ok := r.roster.Lead(); ok {
		return lead.Name
	}
	return "unknown"
}

// Downstream writes are fire-and-forget: failures are logged and the
// in-memory run state keeps advancing.

func (r *Reducer) updateAgent(ctx context.Context, name string, upd store.AgentUpdate) {
	if err := r.store.UpdateAgent(ctx, name, upd); err != nil {
		r.logger.Error("failed to update agent", "agent", name, "error", err)
	}
}

func (r *Reducer) appendEvent(ctx context.Context, e *store.Event) {
	if err := r.store.AppendEvent(ctx, e); err != nil {
		r.logger.Error("failed to append event", "agent", e.Agent, "type", e.Type, "error", err)
		return
	}
	if r.publisher != nil {
		r.publisher.Publish(e)
	}
}

func (r *Reducer) saveMessage(ctx context.Context, m *store.Message) {
	if err := r.store.SaveMessage(ctx, m); err != nil {
		r.logger.Error("failed to save message", "agent", m.Agent, "role", m.Role, "error", err)
	}
}

// Truncate caps s at n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// Clip caps s at n runes without a marker.
func Clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
