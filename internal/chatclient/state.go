// Package chatclient keeps a client's view of the chat in sync with the server.
//
// State changes only through Reduce, a pure function of (State, Action). Engine owns one
// State per session, runs the REST and socket calls, and feeds their results to Reduce.
package chatclient

import (
	"sort"

	"github.com/notehub/chat/internal/model"
)

// State is everything the presentation layer renders.
type State struct {
	Self           int64
	Rooms          []model.RoomSummary
	SelectedRoomID int64
	// Messages of the selected room, oldest first.
	Messages []model.Message
	HasMore  bool
	// Typing users of the selected room only: userID -> display name.
	Typing      map[int64]string
	Online      map[int64]bool
	Statuses    map[int64]model.UserStatus
	Pinned      []model.Message
	IsConnected bool
	Error       string
}

// NewState returns an empty state for the given user.
func NewState(self int64) State {
	return State{
		Self:     self,
		Typing:   map[int64]string{},
		Online:   map[int64]bool{},
		Statuses: map[int64]model.UserStatus{},
	}
}

// Room returns the room summary by id.
func (s State) Room(roomID int64) (model.RoomSummary, bool) {
	for _, r := range s.Rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return model.RoomSummary{}, false
}

// Action is one state transition.
type Action interface{ action() }

type (
	RoomsLoaded struct{ Rooms []model.RoomSummary }
	// RoomUpserted adds a room (or replaces it) and moves it to the top of the list.
	RoomUpserted struct{ Room model.RoomSummary }
	RoomRemoved  struct{ RoomID int64 }
	// RoomSelected clears the buffers of the previous room and zeroes the new room's unread count.
	RoomSelected struct{ RoomID int64 }
	// MessagesLoaded replaces the buffer with a history page, oldest first.
	MessagesLoaded struct {
		RoomID   int64
		Messages []model.Message
		HasMore  bool
	}
	// OlderMessagesLoaded prepends an older page, oldest first.
	OlderMessagesLoaded struct {
		RoomID   int64
		Messages []model.Message
		HasMore  bool
	}
	MessageReceived struct{ Message model.Message }
	MessageRemoved  struct {
		RoomID    int64
		MessageID int64
	}
	// MessageSeen marks a message as read by someone other than its sender.
	MessageSeen struct {
		RoomID    int64
		MessageID int64
	}
	// RoomLastMessageSet stores the server's view of a room's last message (nil when empty).
	RoomLastMessageSet struct {
		RoomID  int64
		Message *model.Message
	}
	TypingChanged struct {
		RoomID   int64
		UserID   int64
		Username string
		IsTyping bool
	}
	PresenceChanged struct {
		UserID int64
		Online bool
		Status model.UserStatus
	}
	StatusChanged struct {
		UserID int64
		Status model.UserStatus
	}
	ReactionChanged struct {
		RoomID    int64
		MessageID int64
		UserID    int64
		Username  string
		Emoji     string
		Added     bool
	}
	PinnedLoaded struct {
		RoomID   int64
		Messages []model.Message
	}
	RoomThemeChanged struct {
		RoomID int64
		Theme  string
	}
	RoomRead          struct{ RoomID int64 }
	ConnectionChanged struct{ Connected bool }
	ErrorSet          struct{ Err string }
)

func (RoomsLoaded) action()         {}
func (RoomUpserted) action()        {}
func (RoomRemoved) action()         {}
func (RoomSelected) action()        {}
func (MessagesLoaded) action()      {}
func (OlderMessagesLoaded) action() {}
func (MessageReceived) action()     {}
func (MessageRemoved) action()      {}
func (MessageSeen) action()         {}
func (RoomLastMessageSet) action()  {}
func (TypingChanged) action()       {}
func (PresenceChanged) action()     {}
func (StatusChanged) action()       {}
func (ReactionChanged) action()     {}
func (PinnedLoaded) action()        {}
func (RoomThemeChanged) action()    {}
func (RoomRead) action()            {}
func (ConnectionChanged) action()   {}
func (ErrorSet) action()            {}

// Reduce applies a to s and returns the new state. s is never modified.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case RoomsLoaded:
		s.Rooms = append([]model.RoomSummary(nil), a.Rooms...)
		if s.SelectedRoomID != 0 {
			if _, ok := s.Room(s.SelectedRoomID); !ok {
				s = clearSelection(s)
			}
		}

	case RoomUpserted:
		rooms := make([]model.RoomSummary, 0, len(s.Rooms)+1)
		rooms = append(rooms, a.Room)
		for _, r := range s.Rooms {
			if r.ID != a.Room.ID {
				rooms = append(rooms, r)
			}
		}
		s.Rooms = rooms

	case RoomRemoved:
		s.Rooms = filterRooms(s.Rooms, a.RoomID)
		if s.SelectedRoomID == a.RoomID {
			s = clearSelection(s)
		}

	case RoomSelected:
		s = clearSelection(s)
		s.SelectedRoomID = a.RoomID
		s.Rooms = updateRoom(s.Rooms, a.RoomID, func(r *model.RoomSummary) { r.UnreadCount = 0 })

	case MessagesLoaded:
		if a.RoomID != s.SelectedRoomID {
			return s
		}
		// Live messages that arrived while the page was in flight are kept.
		s.Messages = mergeMessages(a.Messages, s.Messages)
		s.HasMore = a.HasMore

	case OlderMessagesLoaded:
		if a.RoomID != s.SelectedRoomID {
			return s
		}
		s.Messages = mergeMessages(a.Messages, s.Messages)
		s.HasMore = a.HasMore

	case MessageReceived:
		m := a.Message
		if m.RoomID == s.SelectedRoomID {
			s.Messages = mergeMessages(s.Messages, []model.Message{m})
		}
		if idx := roomIndex(s.Rooms, m.RoomID); idx >= 0 {
			r := s.Rooms[idx]
			if r.LastMessage == nil || !m.CreatedAt.Before(r.LastMessage.CreatedAt) {
				cp := m
				r.LastMessage = &cp
			}
			if m.RoomID != s.SelectedRoomID && m.SenderID != s.Self {
				r.UnreadCount++
			}
			rooms := make([]model.RoomSummary, 0, len(s.Rooms))
			rooms = append(rooms, r)
			rooms = append(rooms, s.Rooms[:idx]...)
			rooms = append(rooms, s.Rooms[idx+1:]...)
			s.Rooms = rooms
		}

	case MessageRemoved:
		if a.RoomID == s.SelectedRoomID {
			s.Messages = removeMessage(s.Messages, a.MessageID)
			s.Pinned = removeMessage(s.Pinned, a.MessageID)
		}

	case MessageSeen:
		if a.RoomID == s.SelectedRoomID {
			s.Messages = updateMessage(s.Messages, a.MessageID, func(m *model.Message) { m.IsRead = true })
		}

	case RoomLastMessageSet:
		s.Rooms = updateRoom(s.Rooms, a.RoomID, func(r *model.RoomSummary) {
			if a.Message == nil {
				r.LastMessage = nil
				return
			}
			cp := *a.Message
			r.LastMessage = &cp
		})

	case TypingChanged:
		if a.RoomID != s.SelectedRoomID || a.UserID == s.Self {
			return s
		}
		typing := copyMap(s.Typing)
		if a.IsTyping {
			typing[a.UserID] = a.Username
		} else {
			delete(typing, a.UserID)
		}
		s.Typing = typing

	case PresenceChanged:
		online := copyMap(s.Online)
		if a.Online {
			online[a.UserID] = true
		} else {
			delete(online, a.UserID)
			if _, ok := s.Typing[a.UserID]; ok {
				typing := copyMap(s.Typing)
				delete(typing, a.UserID)
				s.Typing = typing
			}
		}
		s.Online = online
		if a.Status != "" {
			statuses := copyMap(s.Statuses)
			statuses[a.UserID] = a.Status
			s.Statuses = statuses
		}

	case StatusChanged:
		statuses := copyMap(s.Statuses)
		statuses[a.UserID] = a.Status
		s.Statuses = statuses

	case ReactionChanged:
		if a.RoomID != s.SelectedRoomID {
			return s
		}
		s.Messages = updateMessage(s.Messages, a.MessageID, func(m *model.Message) {
			m.Reactions = applyReaction(m.Reactions, a)
		})

	case PinnedLoaded:
		if a.RoomID != s.SelectedRoomID {
			return s
		}
		s.Pinned = append([]model.Message(nil), a.Messages...)
		pinned := make(map[int64]bool, len(a.Messages))
		for _, m := range a.Messages {
			pinned[m.ID] = true
		}
		msgs := make([]model.Message, len(s.Messages))
		copy(msgs, s.Messages)
		for i := range msgs {
			msgs[i].IsPinned = pinned[msgs[i].ID]
		}
		s.Messages = msgs

	case RoomThemeChanged:
		s.Rooms = updateRoom(s.Rooms, a.RoomID, func(r *model.RoomSummary) { r.Theme = a.Theme })

	case RoomRead:
		s.Rooms = updateRoom(s.Rooms, a.RoomID, func(r *model.RoomSummary) { r.UnreadCount = 0 })

	case ConnectionChanged:
		s.IsConnected = a.Connected

	case ErrorSet:
		s.Error = a.Err
	}
	return s
}

func clearSelection(s State) State {
	s.SelectedRoomID = 0
	s.Messages = nil
	s.Pinned = nil
	s.HasMore = false
	s.Typing = map[int64]string{}
	return s
}

func roomIndex(rooms []model.RoomSummary, roomID int64) int {
	for i, r := range rooms {
		if r.ID == roomID {
			return i
		}
	}
	return -1
}

func updateRoom(rooms []model.RoomSummary, roomID int64, fn func(*model.RoomSummary)) []model.RoomSummary {
	idx := roomIndex(rooms, roomID)
	if idx < 0 {
		return rooms
	}
	out := make([]model.RoomSummary, len(rooms))
	copy(out, rooms)
	fn(&out[idx])
	return out
}

func filterRooms(rooms []model.RoomSummary, roomID int64) []model.RoomSummary {
	out := make([]model.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		if r.ID != roomID {
			out = append(out, r)
		}
	}
	return out
}

// mergeMessages unions two runs by id and orders the result by (CreatedAt, ID).
// On duplicate ids the copy from b wins.
func mergeMessages(a, b []model.Message) []model.Message {
	byID := make(map[int64]int, len(a)+len(b))
	out := make([]model.Message, 0, len(a)+len(b))
	for _, run := range [][]model.Message{a, b} {
		for _, m := range run {
			if i, ok := byID[m.ID]; ok {
				out[i] = m
				continue
			}
			byID[m.ID] = len(out)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func removeMessage(msgs []model.Message, id int64) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func updateMessage(msgs []model.Message, id int64, fn func(*model.Message)) []model.Message {
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		out := make([]model.Message, len(msgs))
		copy(out, msgs)
		fn(&out[i])
		return out
	}
	return msgs
}

func applyReaction(rs []model.Reaction, a ReactionChanged) []model.Reaction {
	out := make([]model.Reaction, 0, len(rs)+1)
	found := false
	for _, r := range rs {
		if r.UserID == a.UserID && r.Emoji == a.Emoji {
			found = true
			if !a.Added {
				continue
			}
		}
		out = append(out, r)
	}
	if a.Added && !found {
		out = append(out, model.Reaction{MessageID: a.MessageID, UserID: a.UserID, Username: a.Username, Emoji: a.Emoji})
	}
	return out
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
