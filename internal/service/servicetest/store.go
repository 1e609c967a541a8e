// Package servicetest — хранилище чата в памяти для тестов сервиса, шлюза и HTTP-обработчиков.
// Повторяет ограничения схемы: уникальный direct_key, внешние ключи на пользователей, каскадное удаление.
package servicetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/repository"
	"github.com/notehub/chat/internal/security"
	"github.com/notehub/chat/internal/service"
)

type participant struct {
	lastRead *time.Time
	joined   time.Time
}

type reactionKey struct {
	messageID, userID int64
	emoji             string
}

// Store хранит все таблицы чата под одним мьютексом.
type Store struct {
	mu sync.Mutex

	clock time.Time

	users        map[int64]*model.User
	rooms        map[int64]*model.Room
	participants map[int64]map[int64]*participant
	messages     map[int64]*model.Message
	reactions    map[reactionKey]time.Time
	receipts     map[[2]int64]time.Time

	nextRoom, nextMessage int64
}

func NewStore() *Store {
	return &Store{
		clock:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		users:        make(map[int64]*model.User),
		rooms:        make(map[int64]*model.Room),
		participants: make(map[int64]map[int64]*participant),
		messages:     make(map[int64]*model.Message),
		reactions:    make(map[reactionKey]time.Time),
		receipts:     make(map[[2]int64]time.Time),
	}
}

// tick — строго возрастающие часы вместо clock_timestamp().
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// AddUser регистрирует пользователя (аналог UserRepository.Ensure).
func (s *Store) AddUser(id int64, username string, isAdmin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &model.User{ID: id, Username: username, Status: model.StatusOffline, IsAdmin: isAdmin, CreatedAt: s.tick()}
}

// SetRoomSalt подменяет соль комнаты (имитация порчи ключа).
func (s *Store) SetRoomSalt(roomID int64, salt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[roomID]; ok {
		rm.EncryptionSalt = salt
	}
}

// RawBody возвращает тело сообщения в том виде, в каком оно хранится.
func (s *Store) RawBody(messageID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok {
		return m.Body
	}
	return ""
}

// RoomCount — число комнат.
func (s *Store) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Store) Rooms() service.RoomStore         { return roomStore{s} }
func (s *Store) Messages() service.MessageStore   { return messageStore{s} }
func (s *Store) Pins() service.PinStore           { return pinStore{s} }
func (s *Store) Reactions() service.ReactionStore { return reactionStore{s} }
func (s *Store) Receipts() service.ReceiptStore   { return receiptStore{s} }
func (s *Store) Users() service.UserStore         { return userStore{s} }

// WithTx выполняет fn сразу: операции уже атомарны под мьютексом.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NewService собирает ChatService поверх Store с настоящим шифром.
func NewService(t testing.TB) (*service.ChatService, *Store) {
	t.Helper()
	c, err := security.NewMessageCipher("test-master-key", 1000)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	st := NewStore()
	svc := service.NewChatService(service.Deps{
		Rooms:     st.Rooms(),
		Messages:  st.Messages(),
		Pins:      st.Pins(),
		Reactions: st.Reactions(),
		Receipts:  st.Receipts(),
		Users:     st.Users(),
		Tx:        st,
		Cipher:    c,
	})
	return svc, st
}

// --- rooms ---

type roomStore struct{ s *Store }

func (r roomStore) Create(_ context.Context, rm *model.Room, participantIDs []int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.DirectKey != nil {
		for _, other := range s.rooms {
			if other.DirectKey != nil && *other.DirectKey == *rm.DirectKey {
				return repository.ErrConflict
			}
		}
	}
	for _, id := range participantIDs {
		if _, ok := s.users[id]; !ok {
			return repository.ErrNotFound
		}
	}
	if rm.Theme == "" {
		rm.Theme = model.DefaultTheme
	}
	s.nextRoom++
	now := s.tick()
	rm.ID = s.nextRoom
	rm.CreatedAt, rm.UpdatedAt = now, now
	cp := *rm
	s.rooms[rm.ID] = &cp
	ps := make(map[int64]*participant, len(participantIDs))
	for _, id := range participantIDs {
		ps[id] = &participant{joined: now}
	}
	s.participants[rm.ID] = ps
	return nil
}

func (r roomStore) GetByID(_ context.Context, id int64) (*model.Room, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rm
	return &cp, nil
}

func (r roomStore) FindDirect(_ context.Context, a, b int64) (*model.Room, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.DirectKey(a, b)
	for _, rm := range s.rooms {
		if rm.DirectKey != nil && *rm.DirectKey == key {
			cp := *rm
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r roomStore) ListForUser(_ context.Context, userID int64) ([]model.Room, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	type ranked struct {
		room     model.Room
		activity time.Time
	}
	var list []ranked
	for id, ps := range s.participants {
		if _, ok := ps[userID]; !ok {
			continue
		}
		rm := *s.rooms[id]
		act := rm.CreatedAt
		if last := s.lastLocked(id); last != nil {
			act = last.CreatedAt
		}
		list = append(list, ranked{room: rm, activity: act})
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].activity.Equal(list[j].activity) {
			return list[i].activity.After(list[j].activity)
		}
		return list[i].room.ID > list[j].room.ID
	})
	out := make([]model.Room, len(list))
	for i := range list {
		out[i] = list[i].room
	}
	return out, nil
}

func (r roomStore) Participants(_ context.Context, roomID int64) ([]model.UserPublic, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.participantIDsLocked(roomID)
	out := make([]model.UserPublic, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.users[id].ToPublic())
	}
	return out, nil
}

func (r roomStore) ParticipantIDs(_ context.Context, roomID int64) ([]int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantIDsLocked(roomID), nil
}

func (r roomStore) SharedUserIDs(_ context.Context, userID int64) ([]int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]struct{}{}
	for _, ps := range s.participants {
		if _, ok := ps[userID]; !ok {
			continue
		}
		for id := range ps {
			if id != userID {
				seen[id] = struct{}{}
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r roomStore) IsParticipant(_ context.Context, roomID, userID int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[roomID][userID]
	return ok, nil
}

func (r roomStore) AddParticipants(_ context.Context, roomID int64, userIDs []int64) ([]int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.participants[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	for _, id := range userIDs {
		if _, ok := s.users[id]; !ok {
			return nil, repository.ErrNotFound
		}
	}
	now := s.tick()
	added := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := ps[id]; ok {
			continue
		}
		ps[id] = &participant{joined: now}
		added = append(added, id)
	}
	return added, nil
}

func (r roomStore) RemoveParticipant(_ context.Context, roomID, userID int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[roomID][userID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.participants[roomID], userID)
	return nil
}

func (r roomStore) Delete(_ context.Context, roomID int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.rooms, roomID)
	delete(s.participants, roomID)
	for id, m := range s.messages {
		if m.RoomID == roomID {
			s.deleteMessageLocked(id)
		}
	}
	return nil
}

func (r roomStore) SetTheme(_ context.Context, roomID int64, theme string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	rm.Theme = theme
	rm.UpdatedAt = s.tick()
	return nil
}

func (r roomStore) UpdateLastRead(_ context.Context, roomID, userID int64) (time.Time, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return time.Time{}, repository.ErrNotFound
	}
	now := s.tick()
	if p.lastRead == nil || now.After(*p.lastRead) {
		p.lastRead = &now
	}
	return *p.lastRead, nil
}

func (r roomStore) UnreadCount(_ context.Context, roomID, userID int64) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, m := range s.messages {
		if m.RoomID != roomID || m.SenderID == userID {
			continue
		}
		if p.lastRead == nil || m.CreatedAt.After(*p.lastRead) {
			n++
		}
	}
	return n, nil
}

func (s *Store) participantIDsLocked(roomID int64) []int64 {
	ps := s.participants[roomID]
	ids := make([]int64, 0, len(ps))
	for id := range ps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ps[ids[i]], ps[ids[j]]
		if !a.joined.Equal(b.joined) {
			return a.joined.Before(b.joined)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// --- messages ---

type messageStore struct{ s *Store }

func (r messageStore) Create(_ context.Context, m *model.Message) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[m.RoomID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.users[m.SenderID]; !ok {
		return repository.ErrNotFound
	}
	s.nextMessage++
	m.ID = s.nextMessage
	m.CreatedAt = s.tick()
	cp := *m
	cp.Sender, cp.Reactions = nil, nil
	s.messages[m.ID] = &cp
	return nil
}

func (r messageStore) GetByID(_ context.Context, id int64) (*model.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.copyLocked(m), nil
}

func (r messageStore) ListByRoom(_ context.Context, roomID int64, limit, offset int) ([]model.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.roomMessagesLocked(roomID, func(*model.Message) bool { return true })
	if offset >= len(all) {
		return []model.Message{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r messageStore) Last(_ context.Context, roomID int64) (*model.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLocked(roomID), nil
}

func (r messageStore) Delete(_ context.Context, id int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return repository.ErrNotFound
	}
	s.deleteMessageLocked(id)
	return nil
}

func (r messageStore) MarkRead(_ context.Context, id int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.IsRead {
		return false, nil
	}
	m.IsRead = true
	return true, nil
}

// roomMessagesLocked — сообщения комнаты от новых к старым (created_at DESC, id DESC).
func (s *Store) roomMessagesLocked(roomID int64, keep func(*model.Message) bool) []model.Message {
	out := make([]model.Message, 0)
	for _, m := range s.messages {
		if m.RoomID == roomID && keep(m) {
			out = append(out, *s.copyLocked(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) lastLocked(roomID int64) *model.Message {
	all := s.roomMessagesLocked(roomID, func(*model.Message) bool { return true })
	if len(all) == 0 {
		return nil
	}
	return &all[0]
}

func (s *Store) copyLocked(m *model.Message) *model.Message {
	cp := *m
	if u, ok := s.users[m.SenderID]; ok {
		pub := u.ToPublic()
		cp.Sender = &pub
	}
	return &cp
}

func (s *Store) deleteMessageLocked(id int64) {
	delete(s.messages, id)
	for k := range s.reactions {
		if k.messageID == id {
			delete(s.reactions, k)
		}
	}
	for k := range s.receipts {
		if k[0] == id {
			delete(s.receipts, k)
		}
	}
}

// --- pins ---

type pinStore struct{ s *Store }

func (r pinStore) Pin(_ context.Context, messageID, pinnedBy int64, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.IsPinned {
		return false, nil
	}
	m.IsPinned = true
	m.PinnedAt = &at
	m.PinnedBy = &pinnedBy
	return true, nil
}

func (r pinStore) Unpin(_ context.Context, messageID int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || !m.IsPinned {
		return false, nil
	}
	m.IsPinned = false
	m.PinnedAt, m.PinnedBy = nil, nil
	return true, nil
}

func (r pinStore) ListPinned(_ context.Context, roomID int64) ([]model.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.roomMessagesLocked(roomID, func(m *model.Message) bool { return m.IsPinned })
	sort.SliceStable(out, func(i, j int) bool { return out[i].PinnedAt.After(*out[j].PinnedAt) })
	return out, nil
}

// --- reactions ---

type reactionStore struct{ s *Store }

func (r reactionStore) Add(_ context.Context, messageID, userID int64, emoji string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, repository.ErrNotFound
	}
	k := reactionKey{messageID, userID, emoji}
	if _, ok := s.reactions[k]; ok {
		return false, nil
	}
	s.reactions[k] = s.tick()
	return true, nil
}

func (r reactionStore) Remove(_ context.Context, messageID, userID int64, emoji string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reactionKey{messageID, userID, emoji}
	if _, ok := s.reactions[k]; !ok {
		return false, nil
	}
	delete(s.reactions, k)
	return true, nil
}

func (r reactionStore) ListByMessages(_ context.Context, messageIDs []int64) (map[int64][]model.Reaction, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	out := make(map[int64][]model.Reaction)
	for k, at := range s.reactions {
		if _, ok := want[k.messageID]; !ok {
			continue
		}
		rc := model.Reaction{MessageID: k.messageID, UserID: k.userID, Emoji: k.emoji, CreatedAt: at}
		if u, ok := s.users[k.userID]; ok {
			rc.Username = u.Username
		}
		out[k.messageID] = append(out[k.messageID], rc)
	}
	for id := range out {
		rs := out[id]
		sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
	}
	return out, nil
}

// --- receipts ---

type receiptStore struct{ s *Store }

func (r receiptStore) Upsert(_ context.Context, messageID, userID int64) (model.ReadReceipt, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return model.ReadReceipt{}, repository.ErrNotFound
	}
	k := [2]int64{messageID, userID}
	at, ok := s.receipts[k]
	if !ok {
		at = s.tick()
		s.receipts[k] = at
	}
	return model.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: at}, nil
}

// --- users ---

type userStore struct{ s *Store }

func (r userStore) GetByID(_ context.Context, id int64) (*model.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r userStore) SetStatus(_ context.Context, id int64, status model.UserStatus) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Status = status
	return nil
}
