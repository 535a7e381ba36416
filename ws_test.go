package main

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prismachat/internal/chat"
	"prismachat/internal/store"
)

func (a *testApp) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(chat.Envelope{Event: event, Payload: body}))
}

// expect reads frames until one named event arrives and decodes its payload
// into v. Frames of other kinds are skipped.
func expect(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env chat.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Payload, v))
		}
		return
	}
}

// expectRoster waits for a users_update listing exactly users.
func expectRoster(t *testing.T, conn *websocket.Conn, users ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var roster chat.UsersUpdate
		expect(t, conn, chat.EventUsersUpdate, &roster)
		if sameSet(users, roster.Users) {
			return
		}
	}
	t.Fatalf("never saw roster %v", users)
}

func sameSet(a, b []string) bool {
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	return slices.Equal(a, b)
}

func TestWebsocketRequiresToken(t *testing.T) {
	app := newTestApp(t)
	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/api/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketChat(t *testing.T) {
	app := newTestApp(t)
	general := app.channelID(t, "general")
	alice := app.dial(t, app.register(t, "alice"))
	bob := app.dial(t, app.register(t, "bobby"))

	emit(t, alice, chat.EventJoin, map[string]any{"username": "alice", "channelId": general})
	expectRoster(t, alice, "alice")
	emit(t, bob, chat.EventJoinLegacy, map[string]any{"username": "bobby", "channelId": general})

	var joined chat.PresenceNotice
	expect(t, alice, chat.EventUserJoined, &joined)
	assert.Equal(t, "bobby", joined.Username)
	expectRoster(t, alice, "alice", "bobby")
	expectRoster(t, bob, "alice", "bobby")

	emit(t, alice, chat.EventSendMessage, map[string]any{
		"author": "alice", "content": "hello", "channelId": general, "tempId": "t1",
	})
	var confirmed struct {
		TempID  string        `json:"tempId"`
		Message store.Message `json:"message"`
	}
	expect(t, alice, chat.EventMessageConfirmed, &confirmed)
	assert.Equal(t, "t1", confirmed.TempID)
	assert.Equal(t, "alice", confirmed.Message.Author)
	assert.Equal(t, general, confirmed.Message.ChannelID)

	var got store.Message
	expect(t, bob, chat.EventNewMessage, &got)
	assert.Equal(t, confirmed.Message.ID, got.ID)
	assert.Equal(t, "hello", got.Content)

	emit(t, alice, chat.EventTyping, map[string]any{"username": "alice", "channelId": general})
	var typing chat.TypingNotice
	expect(t, bob, chat.EventUserTyping, &typing)
	assert.Equal(t, "alice", typing.Username)

	require.NoError(t, alice.Close())

	var stopped chat.TypingNotice
	expect(t, bob, chat.EventUserStoppedTyping, &stopped)
	assert.Equal(t, "alice", stopped.Username)
	expectRoster(t, bob, "bobby")
}

func TestWebsocketErrorsArePrivate(t *testing.T) {
	app := newTestApp(t)
	alice := app.dial(t, app.register(t, "alice"))

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"dance","payload":{}}`)))
	var notice chat.ErrorNotice
	expect(t, alice, chat.EventError, &notice)
	assert.Contains(t, notice.Message, "unknown event")

	emit(t, alice, chat.EventCreateCategory, map[string]any{"categoryName": "Text"})
	expect(t, alice, chat.EventError, &notice)
	assert.Equal(t, "name already exists", notice.Message)

	emit(t, alice, chat.EventSendMessage, map[string]any{"author": "mallory", "content": "hi", "channelId": 1})
	expect(t, alice, chat.EventError, &notice)
	assert.Equal(t, "username does not match your session", notice.Message)
}

func TestWebsocketRelayReachesEveryone(t *testing.T) {
	app := newTestApp(t)
	alice := app.dial(t, app.register(t, "alice"))
	bob := app.dial(t, app.register(t, "bobby"))

	emit(t, alice, chat.EventCreateChannel, map[string]any{"channelName": "lounge", "description": "chill"})

	var created store.Channel
	expect(t, bob, chat.EventChannelCreated, &created)
	assert.Equal(t, "lounge", created.Name)
	expect(t, alice, chat.EventChannelCreated, nil)

	emit(t, bob, chat.EventDeleteChannel, map[string]any{"channelId": created.ID})
	var deleted chat.ChannelDeleted
	expect(t, alice, chat.EventChannelDeleted, &deleted)
	assert.Equal(t, chat.ChannelDeleted{ChannelID: created.ID, ChannelName: "lounge"}, deleted)

	_, err := app.store.GetChannel(context.Background(), created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWebsocketSecondLoginEvictsFirst(t *testing.T) {
	app := newTestApp(t)
	general := app.channelID(t, "general")
	token := app.register(t, "alice")
	first := app.dial(t, token)
	second := app.dial(t, token)

	emit(t, first, chat.EventJoin, map[string]any{"channelId": general})
	expectRoster(t, first, "alice")
	emit(t, second, chat.EventJoin, map[string]any{"channelId": general})
	expectRoster(t, second, "alice")

	var notice chat.ErrorNotice
	expect(t, first, chat.EventError, &notice)
	assert.Equal(t, "signed in from another connection", notice.Message)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
}

func TestWebsocketTypingDoesNotStarveMessages(t *testing.T) {
	app := newTestApp(t)
	general := app.channelID(t, "general")
	alice := app.dial(t, app.register(t, "alice"))

	emit(t, alice, chat.EventJoin, map[string]any{"channelId": general})
	expectRoster(t, alice, "alice")
	for i := 0; i < 40; i++ {
		event := chat.EventTyping
		if i%2 == 1 {
			event = chat.EventStopTyping
		}
		emit(t, alice, event, map[string]any{"channelId": general})
	}
	emit(t, alice, chat.EventSendMessage, map[string]any{"content": "hello", "channelId": general, "tempId": "t1"})

	var confirmed struct {
		TempID string `json:"tempId"`
	}
	expect(t, alice, chat.EventMessageConfirmed, &confirmed)
	assert.Equal(t, "t1", confirmed.TempID)

	n, err := app.store.CountMessages(context.Background(), general)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebsocketRateLimitsEvents(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.RateLimit.Burst = 2
		c.RateLimit.PerSecond = 0.001
	})
	general := app.channelID(t, "general")
	alice := app.dial(t, app.register(t, "alice"))

	emit(t, alice, chat.EventJoin, map[string]any{"channelId": general})
	emit(t, alice, chat.EventSendMessage, map[string]any{"content": "one", "channelId": general, "tempId": "t1"})
	emit(t, alice, chat.EventSendMessage, map[string]any{"content": "two", "channelId": general, "tempId": "t2"})

	expect(t, alice, chat.EventMessageConfirmed, nil)
	var notice chat.ErrorNotice
	expect(t, alice, chat.EventError, &notice)
	assert.Equal(t, "too many events, slow down", notice.Message)

	n, err := app.store.CountMessages(context.Background(), general)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
