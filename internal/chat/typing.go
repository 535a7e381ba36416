package chat

// Typing tracks who is composing in each channel. It holds no timers: the
// client debounces and sends stop_typing, and the hub clears state on switch
// and disconnect.
type Typing struct {
	channels map[int64]map[string]struct{}
}

func NewTyping() *Typing {
	return &Typing{channels: make(map[int64]map[string]struct{})}
}

// Start reports true only on the NOT_TYPING to TYPING transition.
func (t *Typing) Start(channelID int64, username string) bool {
	users, ok := t.channels[channelID]
	if !ok {
		users = make(map[string]struct{})
		t.channels[channelID] = users
	}
	if _, typing := users[username]; typing {
		return false
	}
	users[username] = struct{}{}
	return true
}

// Stop reports true only on the TYPING to NOT_TYPING transition.
func (t *Typing) Stop(channelID int64, username string) bool {
	users, ok := t.channels[channelID]
	if !ok {
		return false
	}
	if _, typing := users[username]; !typing {
		return false
	}
	delete(users, username)
	if len(users) == 0 {
		delete(t.channels, channelID)
	}
	return true
}

// StopAll removes username from every channel and returns the channels it
// was typing in.
func (t *Typing) StopAll(username string) []int64 {
	var stopped []int64
	for id := range t.channels {
		if t.Stop(id, username) {
			stopped = append(stopped, id)
		}
	}
	return stopped
}

// ClearChannel drops the typing set of a channel that no longer exists.
func (t *Typing) ClearChannel(channelID int64) {
	delete(t.channels, channelID)
}

func (t *Typing) Users(channelID int64) []string {
	return sortedKeys(t.channels[channelID])
}
