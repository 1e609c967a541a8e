package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
)

// PinnedRepository — состояние закрепления хранится в самих сообщениях (is_pinned, pinned_at, pinned_by).
type PinnedRepository struct {
	pool *pgxpool.Pool
	msgs *MessageRepository
}

func NewPinnedRepository(pool *pgxpool.Pool) *PinnedRepository {
	return &PinnedRepository{pool: pool, msgs: NewMessageRepository(pool)}
}

// Pin закрепляет сообщение. Повторное закрепление — no-op, changed=false.
func (r *PinnedRepository) Pin(ctx context.Context, messageID, pinnedBy int64, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("pinned.Pin", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE chat_messages SET is_pinned = true, pinned_at = $2, pinned_by = $3
		 WHERE id = $1 AND NOT is_pinned`,
		messageID, at, pinnedBy,
	)
	if err != nil {
		return false, fmt.Errorf("pinnedRepo.Pin: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unpin снимает закрепление. Для незакреплённого сообщения — no-op, changed=false.
func (r *PinnedRepository) Unpin(ctx context.Context, messageID int64) (bool, error) {
	defer logger.DeferLogDuration("pinned.Unpin", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE chat_messages SET is_pinned = false, pinned_at = NULL, pinned_by = NULL
		 WHERE id = $1 AND is_pinned`,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("pinnedRepo.Unpin: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPinned возвращает закреплённые сообщения комнаты, последние закреплённые первыми.
func (r *PinnedRepository) ListPinned(ctx context.Context, roomID int64) ([]model.Message, error) {
	defer logger.DeferLogDuration("pinned.ListPinned", time.Now())()
	return r.msgs.list(ctx, "pinnedRepo.ListPinned",
		`SELECT `+messageCols+`
		 FROM chat_messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1 AND m.is_pinned
		 ORDER BY m.pinned_at DESC, m.id DESC`, roomID)
}
