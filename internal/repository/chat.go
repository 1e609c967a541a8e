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

const roomCols = `r.id, r.name, r.is_group, r.created_by, r.encryption_salt, r.direct_key, r.theme, r.created_at, r.updated_at`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func scanRoom(s interface{ Scan(dest ...any) error }, rm *model.Room) error {
	return s.Scan(&rm.ID, &rm.Name, &rm.IsGroup, &rm.CreatedBy, &rm.EncryptionSalt, &rm.DirectKey, &rm.Theme, &rm.CreatedAt, &rm.UpdatedAt)
}

// Create вставляет комнату и участников в одной транзакции.
// Повторная личная комната для той же пары даёт ErrConflict (уникальный direct_key).
func (r *RoomRepository) Create(ctx context.Context, rm *model.Room, participantIDs []int64) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	if rm.Theme == "" {
		rm.Theme = model.DefaultTheme
	}
	err := inTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		err := q.QueryRow(ctx,
			`INSERT INTO chat_rooms (name, is_group, created_by, encryption_salt, direct_key, theme)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id, created_at, updated_at`,
			rm.Name, rm.IsGroup, rm.CreatedBy, rm.EncryptionSalt, rm.DirectKey, rm.Theme,
		).Scan(&rm.ID, &rm.CreatedAt, &rm.UpdatedAt)
		if err != nil {
			return classify(err)
		}
		_, err = q.Exec(ctx,
			`INSERT INTO chat_participants (room_id, user_id)
			 SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`,
			rm.ID, participantIDs,
		)
		return classify(err)
	})
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id int64) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	rm := &model.Room{}
	err := scanRoom(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+roomCols+` FROM chat_rooms r WHERE r.id = $1`, id), rm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	return rm, nil
}

// FindDirect ищет личную комнату пары по direct_key.
func (r *RoomRepository) FindDirect(ctx context.Context, a, b int64) (*model.Room, error) {
	defer logger.DeferLogDuration("room.FindDirect", time.Now())()
	rm := &model.Room{}
	err := scanRoom(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+roomCols+` FROM chat_rooms r WHERE r.direct_key = $1 AND NOT r.is_group`,
		model.DirectKey(a, b),
	), rm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.FindDirect: %w", err)
	}
	return rm, nil
}

// ListForUser возвращает комнаты пользователя, свежие по активности первыми.
func (r *RoomRepository) ListForUser(ctx context.Context, userID int64) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.ListForUser", time.Now())()
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+roomCols+`
		 FROM chat_rooms r
		 JOIN chat_participants p ON p.room_id = r.id AND p.user_id = $1
		 ORDER BY COALESCE((SELECT MAX(m.created_at) FROM chat_messages m WHERE m.room_id = r.id), r.created_at) DESC, r.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, 16)
	for rows.Next() {
		var rm model.Room
		if err := scanRoom(rows, &rm); err != nil {
			return nil, fmt.Errorf("roomRepo.ListForUser scan: %w", err)
		}
		rooms = append(rooms, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListForUser rows: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) Participants(ctx context.Context, roomID int64) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("room.Participants", time.Now())()
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT u.id, u.username, u.status
		 FROM users u
		 JOIN chat_participants p ON p.user_id = u.id
		 WHERE p.room_id = $1
		 ORDER BY p.joined_at, u.id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.Participants query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.Status); err != nil {
			return nil, fmt.Errorf("roomRepo.Participants scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.Participants rows: %w", err)
	}
	return users, nil
}

func (r *RoomRepository) ParticipantIDs(ctx context.Context, roomID int64) ([]int64, error) {
	defer logger.DeferLogDuration("room.ParticipantIDs", time.Now())()
	return r.collectIDs(ctx, "roomRepo.ParticipantIDs",
		`SELECT user_id FROM chat_participants WHERE room_id = $1`, roomID)
}

// SharedUserIDs возвращает пользователей, у которых есть общая комната с userID (получатели событий присутствия).
func (r *RoomRepository) SharedUserIDs(ctx context.Context, userID int64) ([]int64, error) {
	defer logger.DeferLogDuration("room.SharedUserIDs", time.Now())()
	return r.collectIDs(ctx, "roomRepo.SharedUserIDs",
		`SELECT DISTINCT p2.user_id
		 FROM chat_participants p1
		 JOIN chat_participants p2 ON p2.room_id = p1.room_id
		 WHERE p1.user_id = $1 AND p2.user_id <> $1`, userID)
}

func (r *RoomRepository) collectIDs(ctx context.Context, op, sql string, arg int64) ([]int64, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 8)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return ids, nil
}

func (r *RoomRepository) IsParticipant(ctx context.Context, roomID, userID int64) (bool, error) {
	defer logger.DeferLogDuration("room.IsParticipant", time.Now())()
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

// AddParticipants добавляет участников; уже состоящие пропускаются. Возвращает фактически добавленных.
func (r *RoomRepository) AddParticipants(ctx context.Context, roomID int64, userIDs []int64) ([]int64, error) {
	defer logger.DeferLogDuration("room.AddParticipants", time.Now())()
	rows, err := conn(ctx, r.pool).Query(ctx,
		`INSERT INTO chat_participants (room_id, user_id)
		 SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING
		 RETURNING user_id`,
		roomID, userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.AddParticipants: %w", err)
	}
	defer rows.Close()
	added := make([]int64, 0, len(userIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.AddParticipants scan: %w", err)
		}
		added = append(added, id)
	}
	if err := rows.Err(); err != nil {
		if c := classify(err); c == ErrNotFound {
			return nil, c
		}
		return nil, fmt.Errorf("roomRepo.AddParticipants rows: %w", err)
	}
	return added, nil
}

func (r *RoomRepository) RemoveParticipant(ctx context.Context, roomID, userID int64) error {
	defer logger.DeferLogDuration("room.RemoveParticipant", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM chat_participants WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveParticipant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет комнату; участники, сообщения, реакции и отметки удаляются каскадом.
func (r *RoomRepository) Delete(ctx context.Context, roomID int64) error {
	defer logger.DeferLogDuration("room.Delete", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM chat_rooms WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("roomRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepository) SetTheme(ctx context.Context, roomID int64, theme string) error {
	defer logger.DeferLogDuration("room.SetTheme", time.Now())()
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE chat_rooms SET theme = $1, updated_at = NOW() WHERE id = $2`,
		theme, roomID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.SetTheme: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastRead сдвигает last_read_at участника на текущее время БД (никогда не назад) и возвращает его.
func (r *RoomRepository) UpdateLastRead(ctx context.Context, roomID, userID int64) (time.Time, error) {
	defer logger.DeferLogDuration("room.UpdateLastRead", time.Now())()
	var t time.Time
	err := conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE chat_participants
		 SET last_read_at = GREATEST(COALESCE(last_read_at, '-infinity'::timestamptz), clock_timestamp())
		 WHERE room_id = $1 AND user_id = $2
		 RETURNING last_read_at`,
		roomID, userID,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("roomRepo.UpdateLastRead: %w", err)
	}
	return t, nil
}

// UnreadCount считает чужие сообщения комнаты после last_read_at участника (все, если он ещё не читал).
func (r *RoomRepository) UnreadCount(ctx context.Context, roomID, userID int64) (int, error) {
	defer logger.DeferLogDuration("room.UnreadCount", time.Now())()
	var count int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages m
		 JOIN chat_participants p ON p.room_id = m.room_id AND p.user_id = $2
		 WHERE m.room_id = $1 AND m.sender_id <> $2
		   AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)`,
		roomID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("roomRepo.UnreadCount: %w", err)
	}
	return count, nil
}
