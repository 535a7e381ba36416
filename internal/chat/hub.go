package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"prismachat/internal/store"
)

// Store is the persistence the hub needs.
type Store interface {
	store.CategoryStore
	store.ChannelStore
	store.MessageStore
	SetProfileImage(ctx context.Context, username, image string) (store.User, error)
}

// DefaultRetentionCap is the number of messages kept per channel unless
// configured otherwise.
const DefaultRetentionCap = 50

// Hub is the single coordinator for live state. One Hub exists per process
// and is injected into the websocket and HTTP handlers.
//
// Registry, presence, typing and router state are only touched with mu held.
// Storage I/O never happens under mu. Message sends for one channel are
// serialized by a per-channel lock taken before mu.
type Hub struct {
	store     Store
	logger    *zap.Logger
	metrics   *Metrics
	retention int

	mu       sync.Mutex
	sessions *Registry
	presence *Presence
	typing   *Typing
	router   *Router
	closed   bool

	sends keyedMutex
}

type Option func(*Hub)

// WithRetentionCap keeps at most n messages per channel, evicting the oldest
// before each insert. n <= 0 disables trimming.
func WithRetentionCap(n int) Option {
	return func(h *Hub) { h.retention = n }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(st Store, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		store:     st,
		logger:    logger,
		retention: DefaultRetentionCap,
		sessions:  NewRegistry(),
		presence:  NewPresence(),
		typing:    NewTyping(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = NewRouter(logger.Named("router"), h.metrics)
	h.sends.locks = make(map[int64]*refMutex)
	return h
}

// Connect registers a live connection. It is not in any room until it joins.
func (h *Hub) Connect(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.Close()
		return
	}
	h.router.Add(c)
	h.metrics.setConnections(h.router.Len())
	h.logger.Info("client connected",
		zap.String("conn", c.ID()),
		zap.String("username", c.Username()),
		zap.Int("connections", h.router.Len()))
}

// Disconnect forgets a connection and, if it had joined, removes it from
// presence and typing state and tells its room. Safe to call more than once.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, joined := h.sessions.Remove(connID)
	h.router.Remove(connID)
	if joined {
		h.departLocked(sess)
		h.logger.Info("client left",
			zap.String("conn", connID),
			zap.String("username", sess.Username),
			zap.Int64("channel", sess.ChannelID))
	}
	h.metrics.setConnections(h.router.Len())
	h.metrics.setSessions(h.sessions.Len())
}

// Dispatch runs one decoded client event to completion. Any failure is
// reported privately to c and never touches other connections' state.
func (h *Hub) Dispatch(ctx context.Context, c Conn, ev Inbound) {
	var err error
	switch e := ev.(type) {
	case *JoinEvent:
		err = h.Join(ctx, c, e.Username, int64(e.ChannelID))
	case *SwitchChannelEvent:
		err = h.SwitchChannel(ctx, c, e.Username, int64(e.ChannelID))
	case *TypingEvent:
		h.SetTyping(c, int64(e.ChannelID), e.Typing)
	case *SendMessageEvent:
		err = h.SendMessage(ctx, c, int64(e.ChannelID), e.Author, e.Content, e.IsImage, e.TempID)
	case *CreateChannelEvent:
		name := e.ChannelName
		if name == "" {
			name = e.Name
		}
		_, err = h.CreateChannel(ctx, name, e.Description, optionalID(e.CategoryID))
	case *UpdateChannelEvent:
		_, err = h.UpdateChannel(ctx, int64(e.ChannelID), e.Name, e.Description)
	case *DeleteChannelEvent:
		_, err = h.DeleteChannel(ctx, int64(e.ChannelID))
	case *MoveChannelEvent:
		_, err = h.MoveChannel(ctx, int64(e.ChannelID), optionalID(e.CategoryID))
	case *CreateCategoryEvent:
		name := e.CategoryName
		if name == "" {
			name = e.Name
		}
		_, err = h.CreateCategory(ctx, name)
	case *UpdateCategoryEvent:
		_, err = h.UpdateCategory(ctx, int64(e.CategoryID), e.Name)
	case *DeleteCategoryEvent:
		_, err = h.DeleteCategory(ctx, int64(e.CategoryID))
	default:
		err = invalidf("unsupported event")
	}
	if err != nil {
		h.ReportError(c, eventName(ev), err)
	}
}

// eventName is the wire name of ev, used for logs and metric labels.
func eventName(ev Inbound) string {
	switch e := ev.(type) {
	case *JoinEvent:
		return EventJoin
	case *SwitchChannelEvent:
		return EventSwitchChannel
	case *TypingEvent:
		if e.Typing {
			return EventTyping
		}
		return EventStopTyping
	case *SendMessageEvent:
		return EventSendMessage
	case *CreateChannelEvent:
		return EventCreateChannel
	case *UpdateChannelEvent:
		return EventUpdateChannel
	case *DeleteChannelEvent:
		return EventDeleteChannel
	case *MoveChannelEvent:
		return EventMoveChannel
	case *CreateCategoryEvent:
		return EventCreateCategory
	case *UpdateCategoryEvent:
		return EventUpdateCategory
	case *DeleteCategoryEvent:
		return EventDeleteCategory
	default:
		return "unknown"
	}
}

// ReportError sends err to c alone as an error event.
func (h *Hub) ReportError(c Conn, event string, err error) {
	fields := []zap.Field{
		zap.String("conn", c.ID()),
		zap.String("username", c.Username()),
		zap.String("event", event),
		zap.Error(err),
	}
	if IsValidation(err) {
		h.logger.Debug("rejected client event", fields...)
	} else {
		h.logger.Warn("client event failed", fields...)
	}
	h.metrics.failed(event)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.router.SendTo(c.ID(), EventError, ErrorNotice{Message: PublicMessage(err)})
}

// Join binds c to channelID. A connection that already joined is switched;
// another live connection for the same username is evicted so a username is
// present in at most one channel.
func (h *Hub) Join(ctx context.Context, c Conn, username string, channelID int64) error {
	username, err := identity(c, username)
	if err != nil {
		return err
	}
	if _, err := h.store.GetChannel(ctx, channelID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.router.Conn(c.ID()); !live {
		return nil
	}
	if other, ok := h.sessions.ByUsername(username); ok && other.ConnID != c.ID() {
		h.evictLocked(other)
	}
	if prev, ok := h.sessions.Get(c.ID()); ok {
		if prev.ChannelID == channelID {
			h.router.SendTo(c.ID(), EventUsersUpdate, h.rosterLocked(channelID))
			return nil
		}
		h.leaveLocked(prev)
	}
	h.enterLocked(c.ID(), username, channelID)
	return nil
}

// SwitchChannel moves an already joined connection to channelID. It is a
// no-op for connections that never joined.
func (h *Hub) SwitchChannel(ctx context.Context, c Conn, username string, channelID int64) error {
	if _, err := identity(c, username); err != nil {
		return err
	}
	if _, err := h.store.GetChannel(ctx, channelID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions.Get(c.ID())
	if !ok {
		return nil
	}
	if sess.ChannelID == channelID {
		h.router.SendTo(c.ID(), EventUsersUpdate, h.rosterLocked(channelID))
		return nil
	}
	h.leaveLocked(sess)
	h.enterLocked(c.ID(), sess.Username, channelID)
	return nil
}

// SetTyping applies a typing or stop_typing event. Events for a channel the
// connection is not in are ignored, and repeated starts or stops broadcast
// nothing.
func (h *Hub) SetTyping(c Conn, channelID int64, typing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions.Get(c.ID())
	if !ok || sess.ChannelID == 0 || sess.ChannelID != channelID {
		return
	}
	notice := TypingNotice{Username: sess.Username, ChannelID: channelID}
	if typing {
		if h.typing.Start(channelID, sess.Username) {
			h.router.BroadcastToChannel(channelID, EventUserTyping, notice, BroadcastOptions{Exclude: c.ID()})
		}
		return
	}
	if h.typing.Stop(channelID, sess.Username) {
		h.router.BroadcastToChannel(channelID, EventUserStoppedTyping, notice, BroadcastOptions{Exclude: c.ID()})
	}
}

// Roster returns the usernames present in channelID.
func (h *Hub) Roster(channelID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence.Users(channelID)
}

// TypingUsers returns the usernames composing in channelID.
func (h *Hub) TypingUsers(channelID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.typing.Users(channelID)
}

// Session returns the current association of connID.
func (h *Hub) Session(connID string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions.Get(connID)
}

// Shutdown closes every connection. Their read loops then disconnect them.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]Conn, 0, len(h.router.conns))
	for _, c := range h.router.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Close()
	}
	h.logger.Info("hub shut down", zap.Int("closed", len(conns)))
	return nil
}

func (h *Hub) enterLocked(connID, username string, channelID int64) {
	h.sessions.Join(connID, username, channelID)
	h.router.Enter(connID, channelID)
	h.presence.Add(channelID, username)
	h.router.BroadcastToChannel(channelID, EventUserJoined, PresenceNotice{
		Username: username,
		Message:  fmt.Sprintf("%s joined the channel", username),
	}, BroadcastOptions{})
	h.router.BroadcastToChannel(channelID, EventUsersUpdate, h.rosterLocked(channelID), BroadcastOptions{})
	h.metrics.setSessions(h.sessions.Len())
}

// leaveLocked takes a joined connection out of its channel but keeps the
// connection itself registered.
func (h *Hub) leaveLocked(sess Session) {
	h.router.Leave(sess.ConnID)
	h.departLocked(sess)
}

// departLocked clears typing and presence for sess and tells the room it
// left. The connection must already be out of the room.
func (h *Hub) departLocked(sess Session) {
	for _, channelID := range h.typing.StopAll(sess.Username) {
		h.router.BroadcastToChannel(channelID, EventUserStoppedTyping,
			TypingNotice{Username: sess.Username, ChannelID: channelID}, BroadcastOptions{})
	}
	if sess.ChannelID == 0 {
		return
	}
	h.presence.Remove(sess.ChannelID, sess.Username)
	h.router.BroadcastToChannel(sess.ChannelID, EventUserLeft, PresenceNotice{
		Username: sess.Username,
		Message:  fmt.Sprintf("%s left the channel", sess.Username),
	}, BroadcastOptions{})
	h.router.BroadcastToChannel(sess.ChannelID, EventUsersUpdate, h.rosterLocked(sess.ChannelID), BroadcastOptions{})
}

// evictLocked ends an older session of a username that joined again from a
// new connection.
func (h *Hub) evictLocked(old Session) {
	h.router.SendTo(old.ConnID, EventError, ErrorNotice{Message: "signed in from another connection"})
	c, _ := h.router.Conn(old.ConnID)
	h.sessions.Remove(old.ConnID)
	h.router.Remove(old.ConnID)
	h.departLocked(old)
	if c != nil {
		c.Close()
	}
	h.logger.Info("evicted older connection",
		zap.String("conn", old.ConnID),
		zap.String("username", old.Username))
}

func (h *Hub) rosterLocked(channelID int64) UsersUpdate {
	return UsersUpdate{ChannelID: channelID, Users: h.presence.Users(channelID)}
}

func (h *Hub) broadcastAll(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router.BroadcastAll(event, payload)
}

// identity resolves the username an event acts as. Clients may omit it; if
// they send one it must be the name they authenticated with.
func identity(c Conn, claimed string) (string, error) {
	if claimed != "" && claimed != c.Username() {
		return "", invalidf("username does not match your session")
	}
	return c.Username(), nil
}

func optionalID(id *ID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}
