package chat

import (
	"sort"

	"go.uber.org/zap"
)

// Conn is one live client link as seen by the hub.
type Conn interface {
	// ID is unique per connection for the life of the process.
	ID() string
	// Username is the identity the connection authenticated as.
	Username() string
	// Send queues frame without blocking. It returns false when the queue is
	// full or the connection is closing.
	Send(frame []byte) bool
	Close()
}

// BroadcastOptions tunes a room broadcast.
type BroadcastOptions struct {
	// Exclude is a connection id that must not receive the frame, typically
	// the sender of a message that already rendered it optimistically.
	Exclude string
}

// Router delivers frames to rooms (connections grouped by channel id), to one
// connection, or to every connection. Each connection sits in at most one
// room. Not safe for concurrent use; the Hub serializes access.
type Router struct {
	conns   map[string]Conn
	rooms   map[int64]map[string]struct{}
	roomOf  map[string]int64
	logger  *zap.Logger
	metrics *Metrics
}

func NewRouter(logger *zap.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		conns:   make(map[string]Conn),
		rooms:   make(map[int64]map[string]struct{}),
		roomOf:  make(map[string]int64),
		logger:  logger,
		metrics: metrics,
	}
}

func (r *Router) Add(c Conn) {
	r.conns[c.ID()] = c
}

// Remove forgets the connection and takes it out of its room.
func (r *Router) Remove(connID string) {
	r.Leave(connID)
	delete(r.conns, connID)
}

func (r *Router) Conn(connID string) (Conn, bool) {
	c, ok := r.conns[connID]
	return c, ok
}

// Enter moves connID into the room for channelID, leaving any previous room.
func (r *Router) Enter(connID string, channelID int64) {
	if _, ok := r.conns[connID]; !ok {
		return
	}
	r.Leave(connID)
	room, ok := r.rooms[channelID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[channelID] = room
	}
	room[connID] = struct{}{}
	r.roomOf[connID] = channelID
}

// Leave takes connID out of its room, if any.
func (r *Router) Leave(connID string) {
	channelID, ok := r.roomOf[connID]
	if !ok {
		return
	}
	delete(r.roomOf, connID)
	room := r.rooms[channelID]
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, channelID)
	}
}

// Room returns the sorted connection ids currently in channelID's room.
func (r *Router) Room(channelID int64) []string {
	ids := make([]string, 0, len(r.rooms[channelID]))
	for id := range r.rooms[channelID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) Len() int {
	return len(r.conns)
}

// BroadcastToChannel delivers event to every connection in channelID's room.
func (r *Router) BroadcastToChannel(channelID int64, event string, payload any, opts BroadcastOptions) {
	frame, err := encode(event, payload)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for id := range r.rooms[channelID] {
		if id == opts.Exclude {
			continue
		}
		r.deliver(r.conns[id], event, frame)
	}
	r.metrics.broadcast(event)
}

// BroadcastAll delivers event to every connection regardless of room.
func (r *Router) BroadcastAll(event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for _, c := range r.conns {
		r.deliver(c, event, frame)
	}
	r.metrics.broadcast(event)
}

// SendTo delivers event to a single connection. A connection that has gone
// away is skipped silently.
func (r *Router) SendTo(connID string, event string, payload any) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	frame, err := encode(event, payload)
	if err != nil {
		r.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	r.deliver(c, event, frame)
}

// deliver never blocks. A connection that cannot keep up is closed; its read
// loop then runs the normal disconnect cleanup.
func (r *Router) deliver(c Conn, event string, frame []byte) {
	if c == nil {
		return
	}
	if c.Send(frame) {
		return
	}
	r.metrics.dropped()
	r.logger.Warn("send queue full, closing connection",
		zap.String("conn", c.ID()),
		zap.String("username", c.Username()),
		zap.String("event", event))
	c.Close()
}
