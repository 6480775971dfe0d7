// ABOUTME: Text command classifiers over chat and assistant messages
// ABOUTME: Delegation, room-move and dispatch detection behind one Classifier interface

package detect

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/roster"
)

// MaxTaskLen caps captured delegation tasks, in runes.
const MaxTaskLen = 80

// Delegation is a sub-agent the lead handed work to.
type Delegation struct {
	Agent string
	Task  string
}

// RoomCommand asks one or more agents to move to a room.
type RoomCommand struct {
	Room     string
	Agents   []string
	Everyone bool
}

// OK reports whether both a room and at least one agent were resolved.
func (c RoomCommand) OK() bool {
	return c.Room != "" && len(c.Agents) > 0
}

// Description is the human-readable summary logged with the move.
func (c RoomCommand) Description() string {
	who := strings.Join(c.Agents, ", ")
	if c.Everyone {
		who = "everyone"
	}
	return who + " to " + c.Room
}

// DispatchKind says who a message calls out.
type DispatchKind int

const (
	DispatchNone DispatchKind = iota
	DispatchTeam
	DispatchSingle
)

func (k DispatchKind) String() string {
	switch k {
	case DispatchTeam:
		return "team"
	case DispatchSingle:
		return "single"
	default:
		return "none"
	}
}

// Dispatch is the outcome of dispatch classification.
type Dispatch struct {
	Kind    DispatchKind
	Agent   string
	Trigger string
}

// Classifier turns free text into commands. Implementations are pure.
type Classifier interface {
	ClassifyDelegation(text string) []Delegation
	ClassifyRoomCommand(text string) RoomCommand
	ClassifyDispatch(text string) Dispatch
}

var (
	intentPattern = regexp.MustCompile(`\b(is|will|can|should|assigned|task|tasked|coding|code|push|review|build|fix|handle|research|write|test|deploy|design)\b`)
	movePattern   = regexp.MustCompile(`\b(come|go|move|head|get|walk|report)\b(\s+(over to|back to|down to|up to|to|into|in))?`)

	allKeywords    = []string{"everyone", "everybody", "all of you", "team", "y'all", "all agents"}
	rollCallPhrase = []string{"standup", "stand-up", "roll call", "everyone report", "all hands", "team sync", "status report"}
)

type termPattern struct {
	agent string
	term  string
	re    *regexp.Regexp
}

type callout struct {
	agent   string
	trigger string
	re      *regexp.Regexp
}

// Heuristic is the regex-based Classifier built from a roster.
type Heuristic struct {
	subAgents []termPattern
	movable   []roster.Agent
	rooms     []roster.Room
	callouts  []callout
}

// NewHeuristic compiles the patterns for r.
func NewHeuristic(r *roster.Roster) *Heuristic {
	h := &Heuristic{
		movable: r.Agents(),
		rooms:   r.Rooms(),
	}
	for _, a := range r.SubAgents() {
		for _, term := range a.Terms() {
			h.subAgents = append(h.subAgents, termPattern{
				agent: a.Name,
				term:  term,
				re:    regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`),
			})
		}
	}
	for _, a := range r.Dispatchable() {
		for _, term := range a.Terms() {
			q := regexp.QuoteMeta(term)
			for _, p := range []struct{ trigger, expr string }{
				{"@" + term, `@` + q + `\b`},
				{"hey " + term, `\bhey\s+` + q + `\b`},
				{"yo " + term, `\byo\s+` + q + `\b`},
				{term + ",", `\b` + q + `,`},
			} {
				h.callouts = append(h.callouts, callout{agent: a.Name, trigger: p.trigger, re: regexp.MustCompile(p.expr)})
			}
		}
	}
	return h
}

// ClassifyDelegation finds sub-agents named in a message that also carries an
// intent word. Each match captures text up to the next sentence boundary.
func (h *Heuristic) ClassifyDelegation(text string) []Delegation {
	lower, origin := lowerWithOffsets(text)
	if !intentPattern.MatchString(lower) {
		return nil
	}

	var out []Delegation
	seen := make(map[string]bool)
	for _, p := range h.subAgents {
		if seen[p.agent] {
			continue
		}
		loc := p.re.FindStringIndex(lower)
		if loc == nil {
			continue
		}
		seen[p.agent] = true
		out = append(out, Delegation{Agent: p.agent, Task: captureSentence(text[origin[loc[0]]:])})
	}
	return out
}

// lowerWithOffsets lowercases s rune by rune. origin maps each byte offset of
// the result to the start of the source rune it came from; case mapping can
// change a rune's encoded width.
func lowerWithOffsets(s string) (lower string, origin []int) {
	var b strings.Builder
	b.Grow(len(s))
	origin = make([]int, 0, len(s)+1)
	for i, r := range s {
		lr := unicode.ToLower(r)
		n, _ := b.WriteRune(lr)
		for range n {
			origin = append(origin, i)
		}
	}
	origin = append(origin, len(s))
	return b.String(), origin
}

// captureSentence returns s up to the first sentence boundary, capped at MaxTaskLen runes.
func captureSentence(s string) string {
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = s[:i]
	}
	if utf8.RuneCountInString(s) > MaxTaskLen {
		s = string([]rune(s)[:MaxTaskLen])
	}
	return strings.TrimSpace(s)
}

// ClassifyRoomCommand resolves a move verb, a room and the agents to move.
func (h *Heuristic) ClassifyRoomCommand(text string) RoomCommand {
	lower := strings.ToLower(text)
	if !movePattern.MatchString(lower) {
		return RoomCommand{}
	}

	var cmd RoomCommand
rooms:
	for _, room := range h.rooms {
		for _, alias := range room.Aliases {
			if alias != "" && strings.Contains(lower, strings.ToLower(alias)) {
				cmd.Room = room.ID
				break rooms
			}
		}
	}
	if cmd.Room == "" {
		return RoomCommand{}
	}

	for _, kw := range allKeywords {
		if strings.Contains(lower, kw) {
			cmd.Everyone = true
			break
		}
	}
	for _, a := range h.movable {
		if cmd.Everyone {
			cmd.Agents = append(cmd.Agents, a.Name)
			continue
		}
		for _, term := range a.Terms() {
			if strings.Contains(lower, term) {
				cmd.Agents = append(cmd.Agents, a.Name)
				break
			}
		}
	}
	if len(cmd.Agents) == 0 {
		return RoomCommand{}
	}
	return cmd
}

// ClassifyDispatch reports whether a message calls the whole team or one agent.
func (h *Heuristic) ClassifyDispatch(text string) Dispatch {
	lower := strings.ToLower(text)
	for _, phrase := range rollCallPhrase {
		if strings.Contains(lower, phrase) {
			return Dispatch{Kind: DispatchTeam, Trigger: phrase}
		}
	}
	for _, c := range h.callouts {
		if c.re.MatchString(lower) {
			return Dispatch{Kind: DispatchSingle, Agent: c.agent, Trigger: c.trigger}
		}
	}
	return Dispatch{}
}

var _ Classifier = (*Heuristic)(nil)
