// Package store persists categories, channels, messages and users. The same
// SQL engine backs two interchangeable drivers: an embedded SQLite file and a
// PostgreSQL server.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an id or username does not resolve to a row,
	// including a move or insert that references a missing parent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique name is already taken.
	ErrConflict = errors.New("already exists")
)

type CategoryStore interface {
	ListCategories(ctx context.Context) ([]Category, error)
	GetCategory(ctx context.Context, id int64) (Category, error)
	CreateCategory(ctx context.Context, name string) (Category, error)
	RenameCategory(ctx context.Context, id int64, name string) (Category, error)
	// DeleteCategory removes the category and returns it. Its channels become
	// uncategorized; they are never deleted.
	DeleteCategory(ctx context.Context, id int64) (Category, error)
}

type ChannelStore interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	GetChannel(ctx context.Context, id int64) (Channel, error)
	CreateChannel(ctx context.Context, name, description string, categoryID *int64) (Channel, error)
	UpdateChannel(ctx context.Context, id int64, name, description string) (Channel, error)
	// DeleteChannel removes the channel and, by cascade, all of its messages.
	DeleteChannel(ctx context.Context, id int64) (Channel, error)
	MoveChannel(ctx context.Context, id int64, categoryID *int64) (Channel, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, channelID int64, author, content string) (Message, error)
	CountMessages(ctx context.Context, channelID int64) (int, error)
	// DeleteOldestMessage evicts the message with the oldest timestamp in the
	// channel. It is a no-op on an empty channel.
	DeleteOldestMessage(ctx context.Context, channelID int64) error
	// ListMessages returns the most recent limit messages, oldest first.
	ListMessages(ctx context.Context, channelID int64, limit int) ([]Message, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	GetUser(ctx context.Context, username string) (User, error)
	SetPassword(ctx context.Context, username, passwordHash string) error
	SetProfileImage(ctx context.Context, username, image string) (User, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	CategoryStore
	ChannelStore
	MessageStore
	UserStore
	Seed(ctx context.Context) error
	Close() error
}
