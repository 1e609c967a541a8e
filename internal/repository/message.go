package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
)

// Тело в выборках — как хранится (шифротекст); расшифровывает сервис.
const messageCols = `m.id, m.room_id, m.sender_id, m.body, m.is_encrypted, m.photo_url, m.is_read,
		        m.is_pinned, m.pinned_at, m.pinned_by, m.created_at,
		        u.id, u.username, u.status`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	sender := &model.UserPublic{}
	if err := s.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.IsEncrypted, &m.PhotoURL, &m.IsRead,
		&m.IsPinned, &m.PinnedAt, &m.PinnedBy, &m.CreatedAt,
		&sender.ID, &sender.Username, &sender.Status); err != nil {
		return err
	}
	m.Sender = sender
	return nil
}

// Create сохраняет сообщение; id и created_at назначает БД.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	err := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO chat_messages (room_id, sender_id, body, is_encrypted, photo_url)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		m.RoomID, m.SenderID, m.Body, m.IsEncrypted, m.PhotoURL,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if c := classify(err); errors.Is(c, ErrNotFound) {
			return c
		}
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := scanMessage(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM chat_messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// ListByRoom возвращает окно сообщений от новых к старым. Порядок (created_at DESC, id DESC)
// стабилен при вставках, поэтому склейка страниц совпадает с одной полной выборкой.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID int64, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	return r.list(ctx, "msgRepo.ListByRoom",
		`SELECT `+messageCols+`
		 FROM chat_messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`, roomID, limit, offset)
}

// Last возвращает самое новое сообщение комнаты или nil, если сообщений нет.
func (r *MessageRepository) Last(ctx context.Context, roomID int64) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Last", time.Now())()
	m := &model.Message{}
	err := scanMessage(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM chat_messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, roomID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Last: %w", err)
	}
	return m, nil
}

// Delete удаляет сообщение (реакции и отметки — каскадом).
func (r *MessageRepository) Delete(ctx context.Context, id int64) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM chat_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead выставляет is_read; возвращает true, если флаг изменился.
func (r *MessageRepository) MarkRead(ctx context.Context, id int64) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE chat_messages SET is_read = true WHERE id = $1 AND NOT is_read`, id)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepository) list(ctx context.Context, op, sql string, args ...any) ([]model.Message, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return messages, nil
}
