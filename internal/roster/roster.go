// ABOUTME: Static agent and room tables shared by identity resolution and text detectors
// ABOUTME: Maps opaque gateway account ids to canonical agent names and rooms to aliases

package roster

import (
	"sort"
	"strings"
)

// Agent describes one agent known to the relay.
type Agent struct {
	Name         string   `yaml:"name" toml:"name"`
	IDs          []string `yaml:"ids" toml:"ids"`
	Aliases      []string `yaml:"aliases" toml:"aliases"`
	TalkRoom     string   `yaml:"talk_room" toml:"talk_room"`
	WorkRoom     string   `yaml:"work_room" toml:"work_room"`
	Lead         bool     `yaml:"lead" toml:"lead"`
	Dispatchable bool     `yaml:"dispatchable" toml:"dispatchable"`
	Monitor      bool     `yaml:"monitor" toml:"monitor"`
}

// Terms returns the lower-cased name and aliases used for text matching.
func (a Agent) Terms() []string {
	terms := []string{strings.ToLower(a.Name)}
	for _, alias := range a.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias != "" && alias != terms[0] {
			terms = append(terms, alias)
		}
	}
	return terms
}

// Room is a dashboard location. Alias order matters: the first matching alias wins.
type Room struct {
	ID      string   `yaml:"id" toml:"id"`
	Aliases []string `yaml:"aliases" toml:"aliases"`
}

// Roster is an immutable lookup over agents and rooms.
type Roster struct {
	agents []Agent
	rooms  []Room
	byID   map[string]int
	byName map[string]int
	loose  map[string]bool
}

// New builds a roster. Agent names are always valid ids for themselves.
func New(agents []Agent, rooms []Room, looseFamilies []string) *Roster {
	r := &Roster{
		agents: append([]Agent(nil), agents...),
		rooms:  append([]Room(nil), rooms...),
		byID:   make(map[string]int),
		byName: make(map[string]int),
		loose:  make(map[string]bool),
	}
	for i, a := range r.agents {
		name := strings.ToLower(a.Name)
		r.byName[name] = i
		r.byID[name] = i
		for _, id := range a.IDs {
			r.byID[strings.ToLower(strings.TrimSpace(id))] = i
		}
	}
	for _, f := range looseFamilies {
		r.loose[f] = true
	}
	return r
}

// Canonical maps an account id or agent name to the canonical agent name.
func (r *Roster) Canonical(id string) (string, bool) {
	i, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return "", false
	}
	return r.agents[i].Name, true
}

// Agent looks up an agent by canonical name.
func (r *Roster) Agent(name string) (Agent, bool) {
	i, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return Agent{}, false
	}
	return r.agents[i], true
}

// Agents returns all agents in table order.
func (r *Roster) Agents() []Agent {
	return append([]Agent(nil), r.agents...)
}

// Names returns canonical agent names in table order.
func (r *Roster) Names() []string {
	names := make([]string, len(r.agents))
	for i, a := range r.agents {
		names[i] = a.Name
	}
	return names
}

// Lead returns the orchestrating agent, if one is configured.
func (r *Roster) Lead() (Agent, bool) {
	for _, a := range r.agents {
		if a.Lead {
			return a, true
		}
	}
	return Agent{}, false
}

// Monitor returns the agent that mirrors bridge connectivity.
func (r *Roster) Monitor() (Agent, bool) {
	for _, a := range r.agents {
		if a.Monitor {
			return a, true
		}
	}
	return Agent{}, false
}

// SubAgents returns every agent that is neither the lead nor the monitor.
func (r *Roster) SubAgents() []Agent {
	var out []Agent
	for _, a := range r.agents {
		if !a.Lead && !a.Monitor {
			out = append(out, a)
		}
	}
	return out
}

// Dispatchable returns agents that may be called out by name in chat.
func (r *Roster) Dispatchable() []Agent {
	var out []Agent
	for _, a := range r.agents {
		if a.Dispatchable {
			out = append(out, a)
		}
	}
	return out
}

// Rooms returns the room alias table in order.
func (r *Roster) Rooms() []Room {
	return append([]Room(nil), r.rooms...)
}

// KnownIDs returns every id and name, longest first so substring scans prefer
// the most specific identifier.
func (r *Roster) KnownIDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// IsLoose reports whether an event family may embed agent ids anywhere in its payload.
func (r *Roster) IsLoose(family string) bool {
	return r.loose[family]
}
