package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
)

type ReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// Upsert фиксирует просмотр сообщения. Повторный просмотр сохраняет время первого.
func (r *ReceiptRepository) Upsert(ctx context.Context, messageID, userID int64) (model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receipt.Upsert", time.Now())()
	rr := model.ReadReceipt{MessageID: messageID, UserID: userID}
	err := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO chat_read_receipts (message_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = chat_read_receipts.read_at
		 RETURNING read_at`,
		messageID, userID,
	).Scan(&rr.ReadAt)
	if err != nil {
		if c := classify(err); c == ErrNotFound {
			return rr, c
		}
		return rr, fmt.Errorf("receiptRepo.Upsert: %w", err)
	}
	return rr, nil
}
