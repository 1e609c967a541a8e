package service

import (
	"context"
	"errors"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/repository"
	"github.com/notehub/chat/internal/security"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	MaxBodyLength   = 4000
	// createDirectAttempts — сколько раз повторить поиск после конфликта уникальности.
	createDirectAttempts = 3
)

// Themes — допустимые темы комнат.
var Themes = map[string]struct{}{
	model.DefaultTheme: {}, "light": {}, "dark": {}, "ocean": {}, "forest": {}, "sunset": {}, "lavender": {},
}

// Deps — зависимости ChatService.
type Deps struct {
	Rooms     RoomStore
	Messages  MessageStore
	Pins      PinStore
	Reactions ReactionStore
	Receipts  ReceiptStore
	Users     UserStore
	Tx        TxRunner
	Cipher    Cipher
	Validate  *validator.Validate
}

// ChatService — бизнес-логика комнат и сообщений. REST и WebSocket вызывают одни и те же методы.
type ChatService struct {
	rooms     RoomStore
	messages  MessageStore
	pins      PinStore
	reactions ReactionStore
	receipts  ReceiptStore
	users     UserStore
	tx        TxRunner
	cipher    Cipher
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	now       func() time.Time
}

func NewChatService(d Deps) *ChatService {
	v := d.Validate
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return &ChatService{
		rooms:     d.Rooms,
		messages:  d.Messages,
		pins:      d.Pins,
		reactions: d.Reactions,
		receipts:  d.Receipts,
		users:     d.Users,
		tx:        d.Tx,
		cipher:    d.Cipher,
		validate:  v,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/notehub/chat/internal/service/chat"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type groupInput struct {
	Name           string  `validate:"required,max=255"`
	ParticipantIDs []int64 `validate:"required,min=1,dive,gt=0"`
}

type messageInput struct {
	Body     string  `validate:"max=4000"`
	PhotoURL *string `validate:"omitempty,url,max=2048"`
}

type reactionInput struct {
	Emoji string `validate:"required,max=32"`
}

// validationError превращает ошибки validator в ValidationError с читаемым текстом.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		f := ve[0]
		return validation(strings.ToLower(f.Field()) + " is invalid (" + f.Tag() + ")")
	}
	return validation(err.Error())
}

// sanitize убирает разметку: тело хранится как обычный текст.
func (s *ChatService) sanitize(body string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(strings.TrimSpace(body))))
}

// CreateDirectRoom находит или создаёт личную комнату пары. created=false, если комната уже была.
// При одновременных вызовах с обеих сторон уникальный direct_key оставляет одну комнату,
// проигравший вызов получает ErrConflict и перечитывает её.
func (s *ChatService) CreateDirectRoom(ctx context.Context, userID, otherID int64) (*model.RoomSummary, bool, error) {
	defer logger.DeferLogDuration("service.CreateDirectRoom", time.Now())()
	if userID == otherID {
		return nil, false, validation("cannot create a direct room with yourself")
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, notFound("user not found")
		}
		return nil, false, internal("CreateDirectRoom.user", err)
	}

	for attempt := 0; attempt < createDirectAttempts; attempt++ {
		existing, err := s.rooms.FindDirect(ctx, userID, otherID)
		if err == nil {
			sum, err := s.summary(ctx, existing, userID)
			return sum, false, err
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, internal("CreateDirectRoom.find", err)
		}

		salt, err := security.NewSalt()
		if err != nil {
			return nil, false, internal("CreateDirectRoom.salt", err)
		}
		key := model.DirectKey(userID, otherID)
		room := &model.Room{
			IsGroup:        false,
			CreatedBy:      userID,
			EncryptionSalt: salt,
			DirectKey:      &key,
			Theme:          model.DefaultTheme,
		}
		err = s.rooms.Create(ctx, room, []int64{userID, otherID})
		if errors.Is(err, repository.ErrConflict) {
			logger.Debugf("direct room %s already created concurrently, re-reading", key)
			continue
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, notFound("user not found")
		}
		if err != nil {
			return nil, false, internal("CreateDirectRoom.create", err)
		}
		sum, err := s.summary(ctx, room, userID)
		return sum, true, err
	}
	return nil, false, &Error{Kind: KindConflict, Message: "direct room creation did not converge"}
}

// CreateGroupRoom создаёт групповую комнату. Создатель всегда участник; пустой список участников отклоняется.
func (s *ChatService) CreateGroupRoom(ctx context.Context, creatorID int64, name string, participantIDs []int64) (*model.RoomSummary, error) {
	defer logger.DeferLogDuration("service.CreateGroupRoom", time.Now())()
	in := groupInput{Name: strings.TrimSpace(name), ParticipantIDs: participantIDs}
	if len(in.ParticipantIDs) == 0 {
		return nil, validation("participant list is empty")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	ids := dedupe(append([]int64{creatorID}, in.ParticipantIDs...))
	if len(ids) < 2 {
		return nil, validation("participant list is empty")
	}
	salt, err := security.NewSalt()
	if err != nil {
		return nil, internal("CreateGroupRoom.salt", err)
	}
	room := &model.Room{
		Name:           &in.Name,
		IsGroup:        true,
		CreatedBy:      creatorID,
		EncryptionSalt: salt,
		Theme:          model.DefaultTheme,
	}
	if err := s.rooms.Create(ctx, room, ids); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("user not found")
		}
		return nil, internal("CreateGroupRoom.create", err)
	}
	return s.summary(ctx, room, creatorID)
}

// AppendMessage шифрует и сохраняет сообщение; возвращает его с данными отправителя и открытым текстом.
func (s *ChatService) AppendMessage(ctx context.Context, roomID, senderID int64, body string, photoURL *string) (*model.Message, error) {
	defer logger.DeferLogDuration("service.AppendMessage", time.Now())()
	ctx, span := s.tracer.Start(ctx, "ChatService.AppendMessage", trace.WithAttributes(
		attribute.Int64("room_id", roomID),
		attribute.Int64("sender_id", senderID),
	))
	defer span.End()

	msg, err := s.appendMessage(ctx, roomID, senderID, body, photoURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("message_id", msg.ID))
	return msg, nil
}

func (s *ChatService) appendMessage(ctx context.Context, roomID, senderID int64, body string, photoURL *string) (*model.Message, error) {
	in := messageInput{Body: s.sanitize(body), PhotoURL: trimPtr(photoURL)}
	if in.Body == "" && in.PhotoURL == nil {
		return nil, validation("message body or photo is required")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	room, err := s.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	sealed, err := s.cipher.Encrypt(in.Body, room.EncryptionSalt)
	if err != nil {
		return nil, internal("AppendMessage.encrypt", err)
	}

	m := &model.Message{
		RoomID:      roomID,
		SenderID:    senderID,
		Body:        sealed,
		IsEncrypted: true,
		PhotoURL:    in.PhotoURL,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.rooms.IsParticipant(ctx, roomID, senderID)
		if err != nil {
			return internal("AppendMessage.participant", err)
		}
		if !ok {
			return forbidden("not a participant of this room")
		}
		if err := s.messages.Create(ctx, m); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound("room not found")
			}
			return internal("AppendMessage.create", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Body = in.Body
	if sender, err := s.users.GetByID(ctx, senderID); err == nil {
		pub := sender.ToPublic()
		m.Sender = &pub
	} else {
		logger.Errorf("AppendMessage sender lookup user=%d: %v", senderID, err)
	}
	return m, nil
}

// ListMessages возвращает окно истории от новых к старым, расшифрованное.
func (s *ChatService) ListMessages(ctx context.Context, roomID, userID int64, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("service.ListMessages", time.Now())()
	room, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)
	msgs, err := s.messages.ListByRoom(ctx, roomID, limit, offset)
	if err != nil {
		return nil, internal("ListMessages.list", err)
	}
	if err := s.hydrate(ctx, room, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead сдвигает водяной знак участника; отметки о прочтении по сообщениям не создаются.
func (s *ChatService) MarkRead(ctx context.Context, roomID, userID int64) (time.Time, error) {
	defer logger.DeferLogDuration("service.MarkRead", time.Now())()
	if _, err := s.requireParticipant(ctx, roomID, userID); err != nil {
		return time.Time{}, err
	}
	t, err := s.rooms.UpdateLastRead(ctx, roomID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return time.Time{}, forbidden("not a participant of this room")
	}
	if err != nil {
		return time.Time{}, internal("MarkRead", err)
	}
	return t, nil
}

// RecordView фиксирует просмотр сообщения пользователем. Для собственных сообщений — nil без ошибки.
func (s *ChatService) RecordView(ctx context.Context, roomID, messageID, userID int64) (*model.ReadReceipt, error) {
	defer logger.DeferLogDuration("service.RecordView", time.Now())()
	if _, err := s.requireParticipant(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msg, err := s.messageInRoom(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, nil
	}
	var rr model.ReadReceipt
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if rr, err = s.receipts.Upsert(ctx, messageID, userID); err != nil {
			return err
		}
		_, err = s.messages.MarkRead(ctx, messageID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("message not found")
	}
	if err != nil {
		return nil, internal("RecordView", err)
	}
	return &rr, nil
}

// DeleteMessage удаляет сообщение: может отправитель или администратор.
// Новое последнее сообщение комнаты пересчитывает вызывающий (RoomLastMessage).
func (s *ChatService) DeleteMessage(ctx context.Context, roomID, messageID, requesterID int64) error {
	defer logger.DeferLogDuration("service.DeleteMessage", time.Now())()
	if _, err := s.room(ctx, roomID); err != nil {
		return err
	}
	msg, err := s.messageInRoom(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		admin, err := s.isAdmin(ctx, requesterID)
		if err != nil {
			return err
		}
		if !admin {
			return forbidden("only the sender or an admin can delete a message")
		}
	}
	if err := s.messages.Delete(ctx, messageID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("message not found")
		}
		return internal("DeleteMessage", err)
	}
	return nil
}

// RoomLastMessage — самое новое сообщение комнаты (nil, если пусто), без проверки членства.
func (s *ChatService) RoomLastMessage(ctx context.Context, roomID int64) (*model.Message, error) {
	room, err := s.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.lastMessage(ctx, room)
}

// LastMessage — то же для участника комнаты.
func (s *ChatService) LastMessage(ctx context.Context, roomID, userID int64) (*model.Message, error) {
	room, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return s.lastMessage(ctx, room)
}

// AddReaction добавляет реакцию. changed=false, если такая уже была.
func (s *ChatService) AddReaction(ctx context.Context, roomID, messageID, userID int64, emoji string) (bool, error) {
	return s.react(ctx, roomID, messageID, userID, emoji, s.reactions.Add)
}

// RemoveReaction снимает реакцию. changed=false, если её не было.
func (s *ChatService) RemoveReaction(ctx context.Context, roomID, messageID, userID int64, emoji string) (bool, error) {
	return s.react(ctx, roomID, messageID, userID, emoji, s.reactions.Remove)
}

func (s *ChatService) react(ctx context.Context, roomID, messageID, userID int64, emoji string,
	op func(ctx context.Context, messageID, userID int64, emoji string) (bool, error)) (bool, error) {
	defer logger.DeferLogDuration("service.react", time.Now())()
	in := reactionInput{Emoji: strings.TrimSpace(emoji)}
	if err := s.validate.Struct(in); err != nil {
		return false, validationError(err)
	}
	if _, err := s.requireParticipant(ctx, roomID, userID); err != nil {
		return false, err
	}
	if _, err := s.messageInRoom(ctx, roomID, messageID); err != nil {
		return false, err
	}
	changed, err := op(ctx, messageID, userID, in.Emoji)
	if errors.Is(err, repository.ErrNotFound) {
		return false, notFound("message not found")
	}
	if err != nil {
		return false, internal("react", err)
	}
	return changed, nil
}

// PinMessage закрепляет сообщение. Повторное закрепление — no-op: changed=false, без ошибки.
func (s *ChatService) PinMessage(ctx context.Context, roomID, messageID, userID int64) (*model.Message, bool, error) {
	defer logger.DeferLogDuration("service.PinMessage", time.Now())()
	return s.setPinned(ctx, roomID, messageID, userID, true)
}

// UnpinMessage снимает закрепление. Для незакреплённого — no-op.
func (s *ChatService) UnpinMessage(ctx context.Context, roomID, messageID, userID int64) (*model.Message, bool, error) {
	defer logger.DeferLogDuration("service.UnpinMessage", time.Now())()
	return s.setPinned(ctx, roomID, messageID, userID, false)
}

func (s *ChatService) setPinned(ctx context.Context, roomID, messageID, userID int64, pin bool) (*model.Message, bool, error) {
	room, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.messageInRoom(ctx, roomID, messageID); err != nil {
		return nil, false, err
	}
	var changed bool
	if pin {
		changed, err = s.pins.Pin(ctx, messageID, userID, s.now())
	} else {
		changed, err = s.pins.Unpin(ctx, messageID)
	}
	if err != nil {
		return nil, false, internal("setPinned", err)
	}
	msg, err := s.messageInRoom(ctx, roomID, messageID)
	if err != nil {
		return nil, false, err
	}
	if err := s.open(room, msg); err != nil {
		return nil, false, err
	}
	return msg, changed, nil
}

// ListPinned возвращает закреплённые сообщения комнаты.
func (s *ChatService) ListPinned(ctx context.Context, roomID, userID int64) ([]model.Message, error) {
	defer logger.DeferLogDuration("service.ListPinned", time.Now())()
	room, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.pins.ListPinned(ctx, roomID)
	if err != nil {
		return nil, internal("ListPinned", err)
	}
	if err := s.hydrate(ctx, room, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SetTheme меняет тему комнаты; тема должна быть из Themes.
func (s *ChatService) SetTheme(ctx context.Context, roomID, userID int64, theme string) (string, error) {
	defer logger.DeferLogDuration("service.SetTheme", time.Now())()
	theme = strings.ToLower(strings.TrimSpace(theme))
	if _, ok := Themes[theme]; !ok {
		return "", validation("unknown theme")
	}
	if _, err := s.requireParticipant(ctx, roomID, userID); err != nil {
		return "", err
	}
	if err := s.rooms.SetTheme(ctx, roomID, theme); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", notFound("room not found")
		}
		return "", internal("SetTheme", err)
	}
	return theme, nil
}

// DeleteRoom удаляет комнату со всем содержимым. Групповую — создатель или администратор,
// личную — любой из участников или администратор. Возвращает бывших участников для рассылки.
func (s *ChatService) DeleteRoom(ctx context.Context, roomID, userID int64) ([]int64, error) {
	defer logger.DeferLogDuration("service.DeleteRoom", time.Now())()
	room, err := s.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ids, err := s.rooms.ParticipantIDs(ctx, roomID)
	if err != nil {
		return nil, internal("DeleteRoom.participants", err)
	}
	allowed := room.CreatedBy == userID || (!room.IsGroup && containsID(ids, userID))
	if !allowed {
		admin, err := s.isAdmin(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, forbidden("not allowed to delete this room")
		}
	}
	if err := s.rooms.Delete(ctx, roomID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("room not found")
		}
		return nil, internal("DeleteRoom", err)
	}
	return ids, nil
}

// AddParticipants добавляет пользователей в групповую комнату. Возвращает фактически добавленных.
func (s *ChatService) AddParticipants(ctx context.Context, roomID, actorID int64, userIDs []int64) ([]int64, error) {
	defer logger.DeferLogDuration("service.AddParticipants", time.Now())()
	room, err := s.requireParticipant(ctx, roomID, actorID)
	if err != nil {
		return nil, err
	}
	if !room.IsGroup {
		return nil, validation("participants can only be added to a group room")
	}
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return nil, validation("participant list is empty")
	}
	added, err := s.rooms.AddParticipants(ctx, roomID, ids)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, internal("AddParticipants", err)
	}
	return added, nil
}

// LeaveRoom убирает пользователя из групповой комнаты; последняя вышедшая группа удаляется.
// Возвращает оставшихся участников.
func (s *ChatService) LeaveRoom(ctx context.Context, roomID, userID int64) ([]int64, error) {
	defer logger.DeferLogDuration("service.LeaveRoom", time.Now())()
	room, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !room.IsGroup {
		return nil, validation("cannot leave a direct room; delete it instead")
	}
	var remaining []int64
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.rooms.RemoveParticipant(ctx, roomID, userID); err != nil {
			return err
		}
		ids, err := s.rooms.ParticipantIDs(ctx, roomID)
		if err != nil {
			return err
		}
		remaining = ids
		if len(ids) == 0 {
			return s.rooms.Delete(ctx, roomID)
		}
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, forbidden("not a participant of this room")
	}
	if err != nil {
		return nil, internal("LeaveRoom", err)
	}
	return remaining, nil
}

// ListRooms возвращает комнаты пользователя с участниками, последним сообщением и счётчиком непрочитанных.
func (s *ChatService) ListRooms(ctx context.Context, userID int64) ([]model.RoomSummary, error) {
	defer logger.DeferLogDuration("service.ListRooms", time.Now())()
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, internal("ListRooms", err)
	}
	out := make([]model.RoomSummary, 0, len(rooms))
	for i := range rooms {
		sum, err := s.summary(ctx, &rooms[i], userID)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	return out, nil
}

// GetRoom возвращает сводку комнаты для участника.
func (s *ChatService) GetRoom(ctx context.Context, roomID, userID int64) (*model.RoomSummary, error) {
	room, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return s.summary(ctx, room, userID)
}

// RoomParticipantIDs — участники комнаты для адресной рассылки событий.
func (s *ChatService) RoomParticipantIDs(ctx context.Context, roomID int64) ([]int64, error) {
	ids, err := s.rooms.ParticipantIDs(ctx, roomID)
	if err != nil {
		return nil, internal("RoomParticipantIDs", err)
	}
	return ids, nil
}

// IsParticipant проверяет членство (для подписки сокета на комнату).
func (s *ChatService) IsParticipant(ctx context.Context, roomID, userID int64) error {
	_, err := s.requireParticipant(ctx, roomID, userID)
	return err
}

// Contacts — пользователи, у которых есть общая комната с userID.
func (s *ChatService) Contacts(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.rooms.SharedUserIDs(ctx, userID)
	if err != nil {
		return nil, internal("Contacts", err)
	}
	return ids, nil
}

// GetUser возвращает пользователя.
func (s *ChatService) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, internal("GetUser", err)
	}
	return u, nil
}

// SetStatus сохраняет выбранный пользователем статус.
func (s *ChatService) SetStatus(ctx context.Context, userID int64, status model.UserStatus) error {
	defer logger.DeferLogDuration("service.SetStatus", time.Now())()
	if !status.Valid() {
		return validation("unknown status")
	}
	err := s.users.SetStatus(ctx, userID, status)
	if errors.Is(err, repository.ErrNotFound) {
		return notFound("user not found")
	}
	if err != nil {
		return internal("SetStatus", err)
	}
	return nil
}

// --- helpers ---

func (s *ChatService) room(ctx context.Context, roomID int64) (*model.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("room not found")
	}
	if err != nil {
		return nil, internal("room", err)
	}
	return room, nil
}

func (s *ChatService) requireParticipant(ctx context.Context, roomID, userID int64) (*model.Room, error) {
	room, err := s.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ok, err := s.rooms.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, internal("requireParticipant", err)
	}
	if !ok {
		return nil, forbidden("not a participant of this room")
	}
	return room, nil
}

func (s *ChatService) messageInRoom(ctx context.Context, roomID, messageID int64) (*model.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("message not found")
	}
	if err != nil {
		return nil, internal("messageInRoom", err)
	}
	if msg.RoomID != roomID {
		return nil, notFound("message not found")
	}
	return msg, nil
}

func (s *ChatService) isAdmin(ctx context.Context, userID int64) (bool, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, internal("isAdmin", err)
	}
	return u.IsAdmin, nil
}

// open расшифровывает тело сообщения. Ошибка расшифровки — фатальная ошибка целостности.
func (s *ChatService) open(room *model.Room, m *model.Message) error {
	if !m.IsEncrypted {
		return nil
	}
	plain, err := s.cipher.Decrypt(m.Body, room.EncryptionSalt)
	if err != nil {
		logger.Errorf("integrity: decrypt message=%d room=%d: %v", m.ID, room.ID, err)
		return integrity(err)
	}
	m.Body = plain
	m.IsEncrypted = false
	return nil
}

// hydrate расшифровывает сообщения и подставляет реакции.
func (s *ChatService) hydrate(ctx context.Context, room *model.Room, msgs []model.Message) error {
	ids := make([]int64, len(msgs))
	for i := range msgs {
		if err := s.open(room, &msgs[i]); err != nil {
			return err
		}
		ids[i] = msgs[i].ID
	}
	reactions, err := s.reactions.ListByMessages(ctx, ids)
	if err != nil {
		return internal("hydrate.reactions", err)
	}
	for i := range msgs {
		msgs[i].Reactions = reactions[msgs[i].ID]
	}
	return nil
}

func (s *ChatService) lastMessage(ctx context.Context, room *model.Room) (*model.Message, error) {
	last, err := s.messages.Last(ctx, room.ID)
	if err != nil {
		return nil, internal("lastMessage", err)
	}
	if last == nil {
		return nil, nil
	}
	if err := s.open(room, last); err != nil {
		return nil, err
	}
	return last, nil
}

func (s *ChatService) summary(ctx context.Context, room *model.Room, userID int64) (*model.RoomSummary, error) {
	participants, err := s.rooms.Participants(ctx, room.ID)
	if err != nil {
		return nil, internal("summary.participants", err)
	}
	last, err := s.lastMessage(ctx, room)
	if err != nil {
		return nil, err
	}
	unread, err := s.rooms.UnreadCount(ctx, room.ID, userID)
	if err != nil {
		return nil, internal("summary.unread", err)
	}
	return &model.RoomSummary{
		Room:         *room,
		Participants: participants,
		LastMessage:  last,
		UnreadCount:  unread,
	}, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// dedupe убирает повторы и неположительные id; первый id остаётся первым, остальные сортируются.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > 1 {
		sort.Slice(out[1:], func(i, j int) bool { return out[1+i] < out[1+j] })
	}
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
