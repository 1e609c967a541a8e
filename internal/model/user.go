package model

import "time"

// UserStatus — статус, выбранный пользователем. Присутствие (есть ли живое соединение) хранится отдельно.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusAway    UserStatus = "away"
	StatusBusy    UserStatus = "busy"
	StatusOffline UserStatus = "offline"
)

// Valid сообщает, известен ли статус.
func (s UserStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User — минимальная проекция пользователя для чата. Остальные поля принадлежат сервису авторизации.
type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Status    UserStatus `json:"status"`
	IsAdmin   bool       `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
}

type UserPublic struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	Status   UserStatus `json:"status"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:       u.ID,
		Username: u.Username,
		Status:   u.Status,
	}
}
