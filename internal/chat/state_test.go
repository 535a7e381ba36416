package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "alice", 1)
	r.Join("c2", "bob", 1)

	s, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, Session{ConnID: "c1", Username: "alice", ChannelID: 1}, s)

	r.Join("c1", "alice", 2)
	s, _ = r.ByUsername("alice")
	assert.Equal(t, int64(2), s.ChannelID)
	assert.Equal(t, 2, r.Len())

	last, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, int64(2), last.ChannelID)
	_, ok = r.ByUsername("alice")
	assert.False(t, ok)

	_, ok = r.Remove("c1")
	assert.False(t, ok, "second remove is a no-op")
}

func TestRegistryRemoveKeepsNewerUsernameBinding(t *testing.T) {
	r := NewRegistry()
	r.Join("old", "alice", 1)
	r.Join("new", "alice", 1)

	r.Remove("old")
	s, ok := r.ByUsername("alice")
	require.True(t, ok)
	assert.Equal(t, "new", s.ConnID)
}

func TestRegistryDetachKeepsUsername(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "alice", 3)

	s, ok := r.Detach("c1")
	require.True(t, ok)
	assert.Zero(t, s.ChannelID)
	s, ok = r.ByUsername("alice")
	require.True(t, ok)
	assert.Equal(t, Session{ConnID: "c1", Username: "alice"}, s)

	_, ok = r.Detach("ghost")
	assert.False(t, ok)
}

func TestPresence(t *testing.T) {
	p := NewPresence()
	assert.True(t, p.Add(1, "bob"))
	assert.True(t, p.Add(1, "alice"))
	assert.False(t, p.Add(1, "alice"))
	assert.Equal(t, []string{"alice", "bob"}, p.Users(1))
	assert.Equal(t, []string{}, p.Users(42))

	assert.True(t, p.Remove(1, "bob"))
	assert.False(t, p.Remove(1, "bob"))
	assert.False(t, p.Remove(7, "bob"))
	assert.Equal(t, []string{"alice"}, p.Users(1))

	p.Add(2, "carol")
	p.ClearChannel(2)
	assert.Empty(t, p.Users(2))
	assert.True(t, p.Add(2, "carol"), "cleared rosters start over")
}

func TestTypingTransitions(t *testing.T) {
	tr := NewTyping()
	assert.True(t, tr.Start(1, "alice"))
	assert.False(t, tr.Start(1, "alice"), "repeated start is not a transition")
	assert.Equal(t, []string{"alice"}, tr.Users(1))

	assert.True(t, tr.Stop(1, "alice"))
	assert.False(t, tr.Stop(1, "alice"))
	assert.False(t, tr.Stop(9, "alice"))

	tr.Start(1, "alice")
	tr.Start(2, "alice")
	tr.Start(2, "bob")
	assert.ElementsMatch(t, []int64{1, 2}, tr.StopAll("alice"))
	assert.Equal(t, []string{"bob"}, tr.Users(2))
	assert.Empty(t, tr.StopAll("alice"))

	tr.ClearChannel(2)
	assert.Empty(t, tr.Users(2))
}

func TestRouterRooms(t *testing.T) {
	r := NewRouter(nil, nil)
	a, b, c := newFakeConn("a", "alice"), newFakeConn("b", "bob"), newFakeConn("c", "carol")
	r.Add(a)
	r.Add(b)
	r.Add(c)
	r.Enter("a", 1)
	r.Enter("b", 1)
	r.Enter("c", 2)
	r.Enter("ghost", 1)
	assert.Equal(t, []string{"a", "b"}, r.Room(1))

	r.BroadcastToChannel(1, EventNewMessage, map[string]string{"x": "y"}, BroadcastOptions{Exclude: "a"})
	assert.Empty(t, a.events())
	assert.Equal(t, []string{EventNewMessage}, b.events())
	assert.Empty(t, c.events())

	r.Enter("a", 2)
	assert.Equal(t, []string{"b"}, r.Room(1))
	assert.Equal(t, []string{"a", "c"}, r.Room(2))

	r.BroadcastAll(EventChannelCreated, struct{}{})
	assert.Equal(t, 1, a.count(EventChannelCreated))
	assert.Equal(t, 1, b.count(EventChannelCreated))
	assert.Equal(t, 1, c.count(EventChannelCreated))

	r.Remove("c")
	r.SendTo("c", EventError, ErrorNotice{Message: "x"})
	assert.Equal(t, 0, c.count(EventError))
	assert.Equal(t, []string{"a"}, r.Room(2))
}

func TestRouterClosesSlowConnection(t *testing.T) {
	r := NewRouter(nil, NewMetrics(nil))
	slow := newFakeConn("s", "slow")
	slow.full = true
	fast := newFakeConn("f", "fast")
	r.Add(slow)
	r.Add(fast)
	r.Enter("s", 1)
	r.Enter("f", 1)

	r.BroadcastToChannel(1, EventUserTyping, TypingNotice{Username: "x", ChannelID: 1}, BroadcastOptions{})
	assert.True(t, slow.isClosed())
	assert.Equal(t, 1, fast.count(EventUserTyping))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var (
		k      = keyedMutex{locks: make(map[int64]*refMutex)}
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside = map[int64]int{}
		peak   = map[int64]int{}
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			mu.Lock()
			inside[key]++
			if inside[key] > peak[key] {
				peak[key] = inside[key]
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
		}(int64(i % 2))
	}
	wg.Wait()
	assert.Equal(t, 1, peak[0])
	assert.Equal(t, 1, peak[1])
	assert.Empty(t, k.locks, "idle keys are released")
}
