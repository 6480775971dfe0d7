// ABOUTME: Built-in roster used when the config file does not define agents or rooms
// ABOUTME: One lead, four specialists and a connectivity monitor

package roster

// DefaultLooseFamilies lists event families whose payloads embed agent ids loosely.
var DefaultLooseFamilies = []string{"chat", "presence"}

// DefaultAgents is the stock agent table.
func DefaultAgents() []Agent {
	return []Agent{
		{Name: "nova", IDs: []string{"main", "nova"}, TalkRoom: "office", WorkRoom: "office", Lead: true},
		{Name: "echo", IDs: []string{"echo"}, TalkRoom: "lounge", WorkRoom: "studio", Dispatchable: true},
		{Name: "pixel", IDs: []string{"pixel", "designer"}, Aliases: []string{"pix"}, TalkRoom: "lounge", WorkRoom: "studio", Dispatchable: true},
		{Name: "forge", IDs: []string{"forge", "coder"}, TalkRoom: "lounge", WorkRoom: "lab", Dispatchable: true},
		{Name: "scout", IDs: []string{"scout", "researcher"}, TalkRoom: "lounge", WorkRoom: "library", Dispatchable: true},
		{Name: "sentinel", IDs: []string{"sentinel", "monitor"}, TalkRoom: "serverroom", WorkRoom: "serverroom", Monitor: true},
	}
}

// DefaultRooms is the stock room alias table.
func DefaultRooms() []Room {
	return []Room{
		{ID: "warroom", Aliases: []string{"war room", "warroom", "war-room", "situation room"}},
		{ID: "serverroom", Aliases: []string{"server room", "serverroom", "data center"}},
		{ID: "lounge", Aliases: []string{"lounge", "break room", "kitchen"}},
		{ID: "library", Aliases: []string{"library", "archive"}},
		{ID: "studio", Aliases: []string{"studio", "design room"}},
		{ID: "lab", Aliases: []string{"lab", "workshop"}},
		{ID: "office", Aliases: []string{"office", "desk"}},
	}
}

// Default returns a roster built from the stock tables.
func Default() *Roster {
	return New(DefaultAgents(), DefaultRooms(), DefaultLooseFamilies)
}
