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

const userCols = `id, username, status, is_admin, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Status, &u.IsAdmin, &u.CreatedAt)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	err := scanUser(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id), u)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// SetStatus сохраняет выбранный пользователем статус.
func (r *UserRepository) SetStatus(ctx context.Context, id int64, status model.UserStatus) error {
	defer logger.DeferLogDuration("user.SetStatus", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE users SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("userRepo.SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ensure создаёт пользователя с заданным id или обновляет имя (проекция пользователей сервиса авторизации).
func (r *UserRepository) Ensure(ctx context.Context, id int64, username string, isAdmin bool) error {
	defer logger.DeferLogDuration("user.Ensure", time.Now())()
	_, err := conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO users (id, username, is_admin) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, is_admin = EXCLUDED.is_admin`,
		id, username, isAdmin,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Ensure: %w", err)
	}
	return nil
}
