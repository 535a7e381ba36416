// Package chat coordinates live connections: who is in which channel, who is
// typing, room fan-out, message ingestion and sidebar mutations.
package chat

// Session is what the registry knows about one joined connection. ChannelID
// is zero once the channel it was in has been deleted.
type Session struct {
	ConnID    string
	Username  string
	ChannelID int64
}

// Registry maps connection ids to their joined user and channel. It performs
// no validation and is not safe for concurrent use; the Hub serializes access.
type Registry struct {
	sessions   map[string]Session
	byUsername map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]Session),
		byUsername: make(map[string]string),
	}
}

// Join records or overwrites the association for connID.
func (r *Registry) Join(connID, username string, channelID int64) {
	if prev, ok := r.sessions[connID]; ok && prev.Username != username {
		if r.byUsername[prev.Username] == connID {
			delete(r.byUsername, prev.Username)
		}
	}
	r.sessions[connID] = Session{ConnID: connID, Username: username, ChannelID: channelID}
	r.byUsername[username] = connID
}

func (r *Registry) Get(connID string) (Session, bool) {
	s, ok := r.sessions[connID]
	return s, ok
}

// ByUsername returns the most recent session joined under username.
func (r *Registry) ByUsername(username string) (Session, bool) {
	id, ok := r.byUsername[username]
	if !ok {
		return Session{}, false
	}
	return r.Get(id)
}

// Detach keeps connID's username binding but takes it out of its channel.
func (r *Registry) Detach(connID string) (Session, bool) {
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	s.ChannelID = 0
	r.sessions[connID] = s
	return s, true
}

// Remove clears connID and returns its last association.
func (r *Registry) Remove(connID string) (Session, bool) {
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, connID)
	if r.byUsername[s.Username] == connID {
		delete(r.byUsername, s.Username)
	}
	return s, true
}

func (r *Registry) Len() int {
	return len(r.sessions)
}
