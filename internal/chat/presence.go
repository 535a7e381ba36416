package chat

import "sort"

// Presence maps a channel id to the usernames currently joined to it. It is
// derived state, rebuilt from zero on restart, and never broadcasts; callers
// announce the new roster after each mutation.
type Presence struct {
	channels map[int64]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{channels: make(map[int64]map[string]struct{})}
}

// Add is idempotent and reports whether username was newly added.
func (p *Presence) Add(channelID int64, username string) bool {
	users, ok := p.channels[channelID]
	if !ok {
		users = make(map[string]struct{})
		p.channels[channelID] = users
	}
	if _, present := users[username]; present {
		return false
	}
	users[username] = struct{}{}
	return true
}

// Remove is idempotent and reports whether username was present.
func (p *Presence) Remove(channelID int64, username string) bool {
	users, ok := p.channels[channelID]
	if !ok {
		return false
	}
	if _, present := users[username]; !present {
		return false
	}
	delete(users, username)
	if len(users) == 0 {
		delete(p.channels, channelID)
	}
	return true
}

// Users returns the sorted roster of channelID, empty for unknown channels.
func (p *Presence) Users(channelID int64) []string {
	return sortedKeys(p.channels[channelID])
}

// ClearChannel drops the roster of a channel that no longer exists.
func (p *Presence) ClearChannel(channelID int64) {
	delete(p.channels, channelID)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
