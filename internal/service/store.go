package service

import (
	"context"
	"time"

	"github.com/notehub/chat/internal/model"
)

// Хранилища, с которыми работает ChatService. Реализации: пакет repository (Postgres)
// и servicetest (в памяти). Нарушение уникальности при вставке — repository.ErrConflict,
// отсутствующая запись — repository.ErrNotFound.

type RoomStore interface {
	Create(ctx context.Context, room *model.Room, participantIDs []int64) error
	GetByID(ctx context.Context, id int64) (*model.Room, error)
	FindDirect(ctx context.Context, a, b int64) (*model.Room, error)
	ListForUser(ctx context.Context, userID int64) ([]model.Room, error)
	Participants(ctx context.Context, roomID int64) ([]model.UserPublic, error)
	ParticipantIDs(ctx context.Context, roomID int64) ([]int64, error)
	SharedUserIDs(ctx context.Context, userID int64) ([]int64, error)
	IsParticipant(ctx context.Context, roomID, userID int64) (bool, error)
	AddParticipants(ctx context.Context, roomID int64, userIDs []int64) ([]int64, error)
	RemoveParticipant(ctx context.Context, roomID, userID int64) error
	Delete(ctx context.Context, roomID int64) error
	SetTheme(ctx context.Context, roomID int64, theme string) error
	UpdateLastRead(ctx context.Context, roomID, userID int64) (time.Time, error)
	UnreadCount(ctx context.Context, roomID, userID int64) (int, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	ListByRoom(ctx context.Context, roomID int64, limit, offset int) ([]model.Message, error)
	Last(ctx context.Context, roomID int64) (*model.Message, error)
	Delete(ctx context.Context, id int64) error
	MarkRead(ctx context.Context, id int64) (bool, error)
}

type PinStore interface {
	Pin(ctx context.Context, messageID, pinnedBy int64, at time.Time) (bool, error)
	Unpin(ctx context.Context, messageID int64) (bool, error)
	ListPinned(ctx context.Context, roomID int64) ([]model.Message, error)
}

type ReactionStore interface {
	Add(ctx context.Context, messageID, userID int64, emoji string) (bool, error)
	Remove(ctx context.Context, messageID, userID int64, emoji string) (bool, error)
	ListByMessages(ctx context.Context, messageIDs []int64) (map[int64][]model.Reaction, error)
}

type ReceiptStore interface {
	Upsert(ctx context.Context, messageID, userID int64) (model.ReadReceipt, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	SetStatus(ctx context.Context, id int64, status model.UserStatus) error
}

// TxRunner выполняет fn в одной транзакции.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Cipher шифрует тела сообщений ключом комнаты (security.MessageCipher).
type Cipher interface {
	Encrypt(body string, salt []byte) (string, error)
	Decrypt(stored string, salt []byte) (string, error)
}
