package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"prismachat/internal/store"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
)

func cleanName(kind, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalidf("%s name is required", kind)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return "", invalidf("%s name is longer than %d characters", kind, maxNameLen)
	}
	return name, nil
}

func cleanDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return "", invalidf("description is longer than %d characters", maxDescriptionLen)
	}
	return description, nil
}

// The mutations below persist first and announce to every connection only
// after the store accepted the change. A failed mutation broadcasts nothing.

func (h *Hub) CreateChannel(ctx context.Context, name, description string, categoryID *int64) (store.Channel, error) {
	name, err := cleanName("channel", name)
	if err != nil {
		return store.Channel{}, err
	}
	if description, err = cleanDescription(description); err != nil {
		return store.Channel{}, err
	}
	ch, err := h.store.CreateChannel(ctx, name, description, categoryID)
	if err != nil {
		return store.Channel{}, fmt.Errorf("create channel %q: %w", name, err)
	}
	h.broadcastAll(EventChannelCreated, ch)
	return ch, nil
}

func (h *Hub) UpdateChannel(ctx context.Context, id int64, name, description string) (store.Channel, error) {
	name, err := cleanName("channel", name)
	if err != nil {
		return store.Channel{}, err
	}
	if description, err = cleanDescription(description); err != nil {
		return store.Channel{}, err
	}
	ch, err := h.store.UpdateChannel(ctx, id, name, description)
	if err != nil {
		return store.Channel{}, fmt.Errorf("update channel %d: %w", id, err)
	}
	h.broadcastAll(EventChannelUpdated, ch)
	return ch, nil
}

// DeleteChannel removes the channel with its history. Connections that were
// in it keep their username but sit in no channel until they switch; typing
// events for the dead channel are ignored from then on.
func (h *Hub) DeleteChannel(ctx context.Context, id int64) (store.Channel, error) {
	ch, err := h.store.DeleteChannel(ctx, id)
	if err != nil {
		return store.Channel{}, fmt.Errorf("delete channel %d: %w", id, err)
	}
	h.mu.Lock()
	for _, connID := range h.router.Room(id) {
		h.router.Leave(connID)
		h.sessions.Detach(connID)
	}
	h.presence.ClearChannel(id)
	h.typing.ClearChannel(id)
	h.router.BroadcastAll(EventChannelDeleted, ChannelDeleted{ChannelID: ch.ID, ChannelName: ch.Name})
	h.mu.Unlock()
	return ch, nil
}

// MoveChannel reassigns the channel's category; nil makes it uncategorized.
func (h *Hub) MoveChannel(ctx context.Context, id int64, categoryID *int64) (store.Channel, error) {
	ch, err := h.store.MoveChannel(ctx, id, categoryID)
	if err != nil {
		return store.Channel{}, fmt.Errorf("move channel %d: %w", id, err)
	}
	h.broadcastAll(EventChannelMoved, ChannelMoved{ChannelID: ch.ID, CategoryID: ch.CategoryID})
	return ch, nil
}

func (h *Hub) CreateCategory(ctx context.Context, name string) (store.Category, error) {
	name, err := cleanName("category", name)
	if err != nil {
		return store.Category{}, err
	}
	c, err := h.store.CreateCategory(ctx, name)
	if err != nil {
		return store.Category{}, fmt.Errorf("create category %q: %w", name, err)
	}
	c.Channels = []store.Channel{}
	h.broadcastAll(EventCategoryCreated, c)
	return c, nil
}

func (h *Hub) UpdateCategory(ctx context.Context, id int64, name string) (store.Category, error) {
	name, err := cleanName("category", name)
	if err != nil {
		return store.Category{}, err
	}
	c, err := h.store.RenameCategory(ctx, id, name)
	if err != nil {
		return store.Category{}, fmt.Errorf("rename category %d: %w", id, err)
	}
	h.broadcastAll(EventCategoryUpdated, CategoryUpdated{ID: c.ID, Name: c.Name})
	return c, nil
}

// DeleteCategory removes the category. Its channels survive uncategorized.
func (h *Hub) DeleteCategory(ctx context.Context, id int64) (store.Category, error) {
	c, err := h.store.DeleteCategory(ctx, id)
	if err != nil {
		return store.Category{}, fmt.Errorf("delete category %d: %w", id, err)
	}
	h.broadcastAll(EventCategoryDeleted, CategoryDeleted{CategoryID: c.ID, CategoryName: c.Name})
	return c, nil
}

// UpdateProfileImage stores a user's avatar and tells every connection so
// rendered messages can refresh it.
func (h *Hub) UpdateProfileImage(ctx context.Context, username, image string) (store.User, error) {
	if !store.IsImageContent(image) {
		return store.User{}, invalidf("imageData must be an image")
	}
	u, err := h.store.SetProfileImage(ctx, username, image)
	if err != nil {
		return store.User{}, fmt.Errorf("update profile image of %s: %w", username, err)
	}
	h.broadcastAll(EventUserProfileUpdated, ProfileUpdated{Username: u.Username, ImageData: u.ProfileImage})
	h.logger.Info("profile image updated", zap.String("username", u.Username), zap.Int("bytes", len(image)))
	return u, nil
}
