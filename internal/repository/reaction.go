package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Add добавляет реакцию; повтор той же (message, user, emoji) — no-op, added=false.
func (r *ReactionRepository) Add(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Add", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO chat_message_reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, emoji,
	)
	if err != nil {
		if c := classify(err); c == ErrNotFound {
			return false, c
		}
		return false, fmt.Errorf("reactionRepo.Add: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ReactionRepository) Remove(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Remove", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM chat_message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Remove: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByMessages возвращает реакции, сгруппированные по сообщению.
func (r *ReactionRepository) ListByMessages(ctx context.Context, messageIDs []int64) (map[int64][]model.Reaction, error) {
	defer logger.DeferLogDuration("reaction.ListByMessages", time.Now())()
	out := make(map[int64][]model.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT mr.message_id, mr.user_id, mr.emoji, u.username, mr.created_at
		 FROM chat_message_reactions mr
		 JOIN users u ON u.id = mr.user_id
		 WHERE mr.message_id = ANY($1)
		 ORDER BY mr.created_at`, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.ListByMessages query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc model.Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.Emoji, &rc.Username, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("reactionRepo.ListByMessages scan: %w", err)
		}
		out[rc.MessageID] = append(out[rc.MessageID], rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.ListByMessages rows: %w", err)
	}
	return out, nil
}
