package store

import (
	"strings"
	"time"
)

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	Channels  []Channel `json:"channels"`
}

// Channel belongs to at most one category. A nil CategoryID means the channel is
// uncategorized.
type Channel struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CategoryID  *int64    `json:"categoryId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message authorship is by username, not by user id.
type Message struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channelId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Image content is carried inline, marked by one of these prefixes.
var imagePrefixes = []string{"data:image/", "IMAGE:"}

// IsImageContent reports whether content carries an inline image payload.
func IsImageContent(content string) bool {
	for _, p := range imagePrefixes {
		if strings.HasPrefix(content, p) {
			return true
		}
	}
	return false
}

// IsImage reports whether the message carries an inline image payload.
func (m Message) IsImage() bool {
	return IsImageContent(m.Content)
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	ProfileImage string    `json:"profile_image,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasPassword is false for legacy accounts created before credentials were
// required.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}
