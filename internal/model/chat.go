package model

import (
	"fmt"
	"time"
)

// DefaultTheme — тема комнаты по умолчанию.
const DefaultTheme = "default"

// Room — комната: личная (ровно два участника, без имени) или групповая.
type Room struct {
	ID        int64   `json:"id"`
	Name      *string `json:"name"`
	IsGroup   bool    `json:"isGroup"`
	CreatedBy int64   `json:"createdBy"`
	// EncryptionSalt — вход для вывода ключа комнаты; наружу не отдаётся.
	EncryptionSalt []byte `json:"-"`
	// DirectKey — "min:max" для личных комнат; уникален в БД.
	DirectKey *string   `json:"-"`
	Theme     string    `json:"theme"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DirectKey возвращает ключ пары пользователей, не зависящий от порядка.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

type Participant struct {
	RoomID     int64      `json:"roomId"`
	UserID     int64      `json:"userId"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

// RoomSummary — комната для списка: участники, последнее сообщение, непрочитанные.
type RoomSummary struct {
	Room
	Participants []UserPublic `json:"participants"`
	LastMessage  *Message     `json:"lastMessage"`
	UnreadCount  int          `json:"unreadCount"`
}

// HasParticipant сообщает, есть ли userID среди участников.
func (s *RoomSummary) HasParticipant(userID int64) bool {
	for _, p := range s.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
