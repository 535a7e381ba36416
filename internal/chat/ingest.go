package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"prismachat/internal/store"
)

// SendMessage stores a message and fans it out. The sender is left out of the
// room broadcast and instead gets message_confirmed echoing tempID, so it can
// swap its optimistic copy for the stored one.
//
// Whitespace-only content is dropped without error. Sends to the same channel
// run one at a time, which keeps the retention count exact and makes room
// delivery order match storage order.
func (h *Hub) SendMessage(ctx context.Context, c Conn, channelID int64, author, content string, isImage bool, tempID json.RawMessage) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	author, err := identity(c, author)
	if err != nil {
		return err
	}
	if isImage && !store.IsImageContent(content) {
		return invalidf("image messages must carry image data")
	}

	unlock := h.sends.Lock(channelID)
	defer unlock()

	if err := h.enforceRetention(ctx, channelID); err != nil {
		return err
	}
	msg, err := h.store.CreateMessage(ctx, channelID, author, content)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	h.metrics.messagePersisted()

	if len(tempID) == 0 {
		tempID = json.RawMessage("null")
	}

	h.mu.Lock()
	h.router.BroadcastToChannel(channelID, EventNewMessage, msg, BroadcastOptions{Exclude: c.ID()})
	h.router.SendTo(c.ID(), EventMessageConfirmed, MessageConfirmed{TempID: tempID, Message: msg})
	h.mu.Unlock()

	h.logger.Debug("message stored",
		zap.Int64("id", msg.ID),
		zap.Int64("channel", channelID),
		zap.String("author", author),
		zap.Bool("image", msg.IsImage()))
	return nil
}

// enforceRetention deletes the oldest messages until one more fits under the
// cap. The caller holds the channel's send lock.
func (h *Hub) enforceRetention(ctx context.Context, channelID int64) error {
	if h.retention <= 0 {
		return nil
	}
	n, err := h.store.CountMessages(ctx, channelID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	for ; n >= h.retention; n-- {
		if err := h.store.DeleteOldestMessage(ctx, channelID); err != nil {
			return fmt.Errorf("evict oldest message: %w", err)
		}
		h.metrics.messageEvicted()
	}
	return nil
}

// keyedMutex hands out one mutex per channel id and forgets it once nobody
// holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
