// ABOUTME: Delegation registry: which sub-agent the lead handed work to, and what
// ABOUTME: One entry per delegated agent; cleared in bulk when a sub-agent run ends

package runs

import (
	"sort"
	"sync"
	"time"
)

// Delegation records work the lead assigned to another agent.
type Delegation struct {
	Agent     string
	Task      string
	StartedAt time.Time
}

// Delegations is safe for concurrent use.
type Delegations struct {
	mu     sync.Mutex
	active map[string]Delegation
}

// NewDelegations creates an empty registry.
func NewDelegations() *Delegations {
	return &Delegations{active: make(map[string]Delegation)}
}

// Record stores d, replacing any earlier delegation to the same agent.
func (d *Delegations) Record(del Delegation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[del.Agent] = del
}

// Get returns the active delegation for agent.
func (d *Delegations) Get(agent string) (Delegation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	del, ok := d.active[agent]
	return del, ok
}

// FinishAll clears the registry and returns what was active, ordered by agent.
func (d *Delegations) FinishAll() []Delegation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Delegation, 0, len(d.active))
	for _, del := range d.active {
		out = append(out, del)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	d.active = make(map[string]Delegation)
	return out
}

// Len returns the number of active delegations.
func (d *Delegations) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
