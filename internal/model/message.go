package model

import "time"

// Message — сообщение комнаты. Body в памяти — открытый текст; в БД хранится шифротекст.
type Message struct {
	ID          int64       `json:"id"`
	RoomID      int64       `json:"roomId"`
	SenderID    int64       `json:"senderId"`
	Body        string      `json:"message"`
	IsEncrypted bool        `json:"-"`
	PhotoURL    *string     `json:"photoUrl,omitempty"`
	IsRead      bool        `json:"isRead"`
	IsPinned    bool        `json:"isPinned"`
	PinnedAt    *time.Time  `json:"pinnedAt,omitempty"`
	PinnedBy    *int64      `json:"pinnedBy,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	Sender      *UserPublic `json:"sender,omitempty"`
	Reactions   []Reaction  `json:"reactions,omitempty"`
}

type Reaction struct {
	MessageID int64     `json:"messageId"`
	UserID    int64     `json:"userId"`
	Emoji     string    `json:"emoji"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt — отметка о просмотре конкретного сообщения пользователем.
type ReadReceipt struct {
	MessageID int64     `json:"messageId"`
	UserID    int64     `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}
