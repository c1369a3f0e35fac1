package models

import "time"

type MessageRole string

const (
	RoleUser MessageRole = "user"
	RoleAI   MessageRole = "ai"
)

// Message is one chat turn. Image results carry ImagePath and an empty
// Content; text turns carry Content only.
type Message struct {
	ID        int64
	SessionID int64
	Role      MessageRole
	Content   string
	ImagePath string
	CreatedAt time.Time
}

func (m *Message) IsImage() bool {
	return m.ImagePath != ""
}
