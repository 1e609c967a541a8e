package service

import (
	"errors"
	"fmt"
)

// Kind — класс ошибки сервиса; транспорт сопоставляет его со статусом HTTP или отрицательным ack.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindIntegrity    Kind = "integrity"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal"
)

// Error — ошибка сервиса с классом и сообщением для пользователя. Err — исходная причина (в логи, не клиенту).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по классу: errors.Is(err, ErrForbidden) верно для любой Forbidden-ошибки.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden    = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict     = &Error{Kind: KindConflict, Message: "conflict"}
	ErrValidation   = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrIntegrity    = &Error{Kind: KindIntegrity, Message: "message could not be read"}
	ErrRateLimited  = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrInternal     = &Error{Kind: KindInternal, Message: "internal error"}
)

func forbidden(msg string) error  { return &Error{Kind: KindForbidden, Message: msg} }
func notFound(msg string) error   { return &Error{Kind: KindNotFound, Message: msg} }
func validation(msg string) error { return &Error{Kind: KindValidation, Message: msg} }

// integrity скрывает детали криптографии: клиент видит только общее сообщение.
func integrity(err error) error {
	return &Error{Kind: KindIntegrity, Message: ErrIntegrity.Message, Err: err}
}

func internal(op string, err error) error {
	return &Error{Kind: KindInternal, Message: ErrInternal.Message, Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf возвращает класс ошибки; ошибки не из этого пакета считаются внутренними.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage — текст ошибки, безопасный для отдачи клиенту.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}
