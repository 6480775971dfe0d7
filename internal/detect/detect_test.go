// ABOUTME: Tests for the heuristic text classifiers against the default roster
// ABOUTME: Delegation capture, room moves, team and single-agent dispatch

package detect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/roster"
)

func newTestHeuristic() *Heuristic {
	return NewHeuristic(roster.Default())
}

func TestClassifyDelegation(t *testing.T) {
	h := newTestHeuristic()

	got := h.ClassifyDelegation("Forge will fix the login bug. Scout should research caching!")
	require.Len(t, got, 2)
	assert.Equal(t, Delegation{Agent: "forge", Task: "Forge will fix the login bug"}, got[0])
	assert.Equal(t, Delegation{Agent: "scout", Task: "Scout should research caching"}, got[1])
}

func TestClassifyDelegation_RequiresIntent(t *testing.T) {
	h := newTestHeuristic()
	assert.Empty(t, h.ClassifyDelegation("Thanks forge and scout, great work"))
}

func TestClassifyDelegation_IgnoresLeadAndMonitor(t *testing.T) {
	h := newTestHeuristic()
	assert.Empty(t, h.ClassifyDelegation("nova will ask sentinel to review uptime"))
}

func TestClassifyDelegation_AliasAndCap(t *testing.T) {
	h := newTestHeuristic()
	long := "pix will design " + strings.Repeat("a very long banner ", 10)

	got := h.ClassifyDelegation(long)
	require.Len(t, got, 1)
	assert.Equal(t, "pixel", got[0].Agent)
	assert.True(t, strings.HasPrefix(got[0].Task, "pix will design"))
	assert.LessOrEqual(t, len([]rune(got[0].Task)), MaxTaskLen)
}

func TestClassifyDelegation_KeepsCaseAcrossWidthChanges(t *testing.T) {
	h := newTestHeuristic()

	// Ⱥ grows and ẞ shrinks when lowercased, so the byte lengths still agree.
	got := h.ClassifyDelegation("Ⱥ Forge will fix the login bug ẞ.")
	require.Len(t, got, 1)
	assert.Equal(t, Delegation{Agent: "forge", Task: "Forge will fix the login bug ẞ"}, got[0])

	got = h.ClassifyDelegation("Ⱥ Scout should research caching")
	require.Len(t, got, 1)
	assert.Equal(t, "Scout should research caching", got[0].Task)
}

func TestLowerWithOffsets(t *testing.T) {
	lower, origin := lowerWithOffsets("ȺB")
	assert.Equal(t, "ⱥb", lower)
	require.Len(t, origin, len(lower)+1)
	assert.Equal(t, []int{0, 0, 0, 2, 3}, origin)
}

func TestClassifyRoomCommand(t *testing.T) {
	h := newTestHeuristic()

	tests := []struct {
		name     string
		text     string
		room     string
		agents   []string
		everyone bool
	}{
		{name: "single agent", text: "echo come to the war room", room: "warroom", agents: []string{"echo"}},
		{name: "two agents", text: "Forge and Scout, head over to the library", room: "library", agents: []string{"forge", "scout"}},
		{name: "alias room", text: "pixel go to the design room", room: "studio", agents: []string{"pixel"}},
		{
			name:     "everyone",
			text:     "Everyone move to the situation room",
			room:     "warroom",
			agents:   []string{"nova", "echo", "pixel", "forge", "scout", "sentinel"},
			everyone: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := h.ClassifyRoomCommand(tt.text)
			require.True(t, cmd.OK())
			assert.Equal(t, tt.room, cmd.Room)
			assert.Equal(t, tt.agents, cmd.Agents)
			assert.Equal(t, tt.everyone, cmd.Everyone)
		})
	}
}

func TestClassifyRoomCommand_NoOp(t *testing.T) {
	h := newTestHeuristic()

	for _, text := range []string{
		"echo the war room is on fire",  // no move verb
		"echo come here please",         // no room
		"come to the war room whenever", // no agent
	} {
		assert.False(t, h.ClassifyRoomCommand(text).OK(), text)
	}
}

func TestRoomCommand_Description(t *testing.T) {
	assert.Equal(t, "echo, forge to lab", RoomCommand{Room: "lab", Agents: []string{"echo", "forge"}}.Description())
	assert.Equal(t, "everyone to lounge", RoomCommand{Room: "lounge", Agents: []string{"echo"}, Everyone: true}.Description())
}

func TestClassifyDispatch(t *testing.T) {
	h := newTestHeuristic()

	tests := []struct {
		text  string
		kind  DispatchKind
		agent string
	}{
		{"standup in five", DispatchTeam, ""},
		{"Quick roll call please", DispatchTeam, ""},
		{"@pixel please look at this", DispatchSingle, "pixel"},
		{"hey forge can you check CI", DispatchSingle, "forge"},
		{"yo scout", DispatchSingle, "scout"},
		{"Echo, summarize the thread", DispatchSingle, "echo"},
		{"@nova what's up", DispatchNone, ""},
		{"pixels are misaligned", DispatchNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d := h.ClassifyDispatch(tt.text)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.agent, d.Agent)
		})
	}
}

func TestDispatchKind_String(t *testing.T) {
	assert.Equal(t, "none", DispatchNone.String())
	assert.Equal(t, "team", DispatchTeam.String())
	assert.Equal(t, "single", DispatchSingle.String())
}
