package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notehub/chat/internal/model"
	"github.com/notehub/chat/internal/security"
	"github.com/notehub/chat/internal/service"
	"github.com/notehub/chat/internal/service/servicetest"
)

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
	admin int64 = 9
)

func setup(t *testing.T) (*service.ChatService, *servicetest.Store) {
	t.Helper()
	svc, st := servicetest.NewService(t)
	st.AddUser(alice, "alice", false)
	st.AddUser(bob, "bob", false)
	st.AddUser(carol, "carol", false)
	st.AddUser(admin, "root", true)
	return svc, st
}

func direct(t *testing.T, svc *service.ChatService, a, b int64) int64 {
	t.Helper()
	room, _, err := svc.CreateDirectRoom(context.Background(), a, b)
	require.NoError(t, err)
	return room.ID
}

func TestCreateDirectRoom_Idempotent(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	first, created, err := svc.CreateDirectRoom(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, first.IsGroup)
	assert.Len(t, first.Participants, 2)

	again, created, err := svc.CreateDirectRoom(ctx, bob, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestCreateDirectRoom_Concurrent(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	const n = 16
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = bob, alice
			}
			room, _, err := svc.CreateDirectRoom(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, st.RoomCount())
}

func TestCreateDirectRoom_Errors(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	_, _, err := svc.CreateDirectRoom(ctx, alice, alice)
	assert.ErrorIs(t, err, service.ErrValidation)

	_, _, err = svc.CreateDirectRoom(ctx, alice, 404)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestCreateGroupRoom(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	room, err := svc.CreateGroupRoom(ctx, alice, "  team  ", []int64{bob, carol, bob, alice})
	require.NoError(t, err)
	assert.True(t, room.IsGroup)
	require.NotNil(t, room.Name)
	assert.Equal(t, "team", *room.Name)
	assert.Len(t, room.Participants, 3)
	assert.True(t, room.HasParticipant(alice))

	_, err = svc.CreateGroupRoom(ctx, alice, "empty", nil)
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = svc.CreateGroupRoom(ctx, alice, "", []int64{bob})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = svc.CreateGroupRoom(ctx, alice, "ghosts", []int64{404})
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestAppendMessage_EncryptsAtRest(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)

	msg, err := svc.AppendMessage(ctx, roomID, alice, "hello <b>bob</b>", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", msg.Body)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "alice", msg.Sender.Username)

	raw := st.RawBody(msg.ID)
	assert.True(t, security.IsEncrypted(raw))
	assert.NotContains(t, raw, "hello")
}

func TestAppendMessage_Errors(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)

	_, err := svc.AppendMessage(ctx, roomID, carol, "intruder", nil)
	assert.ErrorIs(t, err, service.ErrForbidden)

	_, err = svc.AppendMessage(ctx, 999, alice, "nowhere", nil)
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = svc.AppendMessage(ctx, roomID, alice, "   ", nil)
	assert.ErrorIs(t, err, service.ErrValidation)

	photo := "https://cdn.example.com/p.png"
	msg, err := svc.AppendMessage(ctx, roomID, alice, "", &photo)
	require.NoError(t, err)
	assert.Equal(t, "", msg.Body)
	assert.Equal(t, photo, *msg.PhotoURL)
}

func TestListMessages_PagesConcatenate(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)

	var sent []int64
	for i := 0; i < 7; i++ {
		m, err := svc.AppendMessage(ctx, roomID, alice, "m", nil)
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}

	var got []int64
	for offset := 0; ; offset += 3 {
		page, err := svc.ListMessages(ctx, roomID, bob, 3, offset)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			got = append(got, m.ID)
		}
	}

	want := make([]int64, len(sent))
	for i, id := range sent {
		want[len(sent)-1-i] = id
	}
	assert.Equal(t, want, got)

	_, err := svc.ListMessages(ctx, roomID, carol, 10, 0)
	assert.ErrorIs(t, err, service.ErrForbidden)
}

func TestMarkRead_UnreadCount(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)

	_, err := svc.AppendMessage(ctx, roomID, alice, "one", nil)
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, roomID, bob, "own message is never unread", nil)
	require.NoError(t, err)

	room, err := svc.GetRoom(ctx, roomID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, room.UnreadCount)

	first, err := svc.MarkRead(ctx, roomID, bob)
	require.NoError(t, err)
	room, err = svc.GetRoom(ctx, roomID, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, room.UnreadCount)

	_, err = svc.AppendMessage(ctx, roomID, alice, "two", nil)
	require.NoError(t, err)
	room, err = svc.GetRoom(ctx, roomID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, room.UnreadCount)

	second, err := svc.MarkRead(ctx, roomID, bob)
	require.NoError(t, err)
	assert.False(t, second.Before(first))

	_, err = svc.MarkRead(ctx, roomID, carol)
	assert.ErrorIs(t, err, service.ErrForbidden)
}

func TestRecordView(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)
	msg, err := svc.AppendMessage(ctx, roomID, alice, "seen?", nil)
	require.NoError(t, err)

	rr, err := svc.RecordView(ctx, roomID, msg.ID, alice)
	require.NoError(t, err)
	assert.Nil(t, rr)

	rr, err = svc.RecordView(ctx, roomID, msg.ID, bob)
	require.NoError(t, err)
	require.NotNil(t, rr)
	again, err := svc.RecordView(ctx, roomID, msg.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, rr.ReadAt, again.ReadAt)

	msgs, err := svc.ListMessages(ctx, roomID, alice, 10, 0)
	require.NoError(t, err)
	assert.True(t, msgs[0].IsRead)
}

func TestPinMessage_Idempotent(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)
	msg, err := svc.AppendMessage(ctx, roomID, alice, "pin me", nil)
	require.NoError(t, err)

	pinned, changed, err := svc.PinMessage(ctx, roomID, msg.ID, bob)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, pinned.IsPinned)
	assert.Equal(t, "pin me", pinned.Body)

	_, changed, err = svc.PinMessage(ctx, roomID, msg.ID, alice)
	require.NoError(t, err)
	assert.False(t, changed)

	list, err := svc.ListPinned(ctx, roomID, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, bob, *list[0].PinnedBy)

	_, changed, err = svc.UnpinMessage(ctx, roomID, msg.ID, alice)
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = svc.UnpinMessage(ctx, roomID, msg.ID, alice)
	require.NoError(t, err)
	assert.False(t, changed)

	list, err = svc.ListPinned(ctx, roomID, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReactions(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)
	msg, err := svc.AppendMessage(ctx, roomID, alice, "react", nil)
	require.NoError(t, err)

	changed, err := svc.AddReaction(ctx, roomID, msg.ID, bob, "👍")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = svc.AddReaction(ctx, roomID, msg.ID, bob, "👍")
	require.NoError(t, err)
	assert.False(t, changed)

	msgs, err := svc.ListMessages(ctx, roomID, alice, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs[0].Reactions, 1)
	assert.Equal(t, "bob", msgs[0].Reactions[0].Username)

	_, err = svc.AddReaction(ctx, roomID, msg.ID, bob, "")
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.AddReaction(ctx, roomID, msg.ID, carol, "👍")
	assert.ErrorIs(t, err, service.ErrForbidden)

	changed, err = svc.RemoveReaction(ctx, roomID, msg.ID, bob, "👍")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestAddReaction_EmojiLimitCountsCharacters(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)
	msg, err := svc.AppendMessage(ctx, roomID, alice, "react", nil)
	require.NoError(t, err)

	// 32 four-byte characters fit, 33 do not.
	_, err = svc.AddReaction(ctx, roomID, msg.ID, bob, strings.Repeat("😀", 32))
	require.NoError(t, err)
	_, err = svc.AddReaction(ctx, roomID, msg.ID, bob, strings.Repeat("😀", 33))
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestDeleteMessage_LastMessageRecomputed(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)
	only, err := svc.AppendMessage(ctx, roomID, alice, "only", nil)
	require.NoError(t, err)

	err = svc.DeleteMessage(ctx, roomID, only.ID, bob)
	assert.ErrorIs(t, err, service.ErrForbidden)

	require.NoError(t, svc.DeleteMessage(ctx, roomID, only.ID, alice))
	last, err := svc.RoomLastMessage(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, last)

	m1, err := svc.AppendMessage(ctx, roomID, alice, "first", nil)
	require.NoError(t, err)
	m2, err := svc.AppendMessage(ctx, roomID, bob, "second", nil)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteMessage(ctx, roomID, m2.ID, admin))
	last, err = svc.RoomLastMessage(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, m1.ID, last.ID)
	assert.Equal(t, "first", last.Body)

	err = svc.DeleteMessage(ctx, roomID, m2.ID, alice)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestDecryptFailure_IsIntegrityError(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)
	_, err := svc.AppendMessage(ctx, roomID, alice, "secret", nil)
	require.NoError(t, err)

	salt, err := security.NewSalt()
	require.NoError(t, err)
	st.SetRoomSalt(roomID, salt)

	_, err = svc.ListMessages(ctx, roomID, bob, 10, 0)
	require.Error(t, err)
	assert.Equal(t, service.KindIntegrity, service.KindOf(err))
	assert.Equal(t, service.ErrIntegrity.Message, service.PublicMessage(err))
	assert.NotContains(t, service.PublicMessage(err), "secret")
}

func TestSetTheme(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	roomID := direct(t, svc, alice, bob)

	theme, err := svc.SetTheme(ctx, roomID, bob, " Ocean ")
	require.NoError(t, err)
	assert.Equal(t, "ocean", theme)

	_, err = svc.SetTheme(ctx, roomID, bob, "neon")
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.SetTheme(ctx, roomID, carol, "dark")
	assert.ErrorIs(t, err, service.ErrForbidden)
}

func TestDeleteRoom_Permissions(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	group, err := svc.CreateGroupRoom(ctx, alice, "g", []int64{bob, carol})
	require.NoError(t, err)
	_, err = svc.DeleteRoom(ctx, group.ID, bob)
	assert.ErrorIs(t, err, service.ErrForbidden)

	ids, err := svc.DeleteRoom(ctx, group.ID, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{alice, bob, carol}, ids)

	roomID := direct(t, svc, alice, bob)
	_, err = svc.DeleteRoom(ctx, roomID, carol)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = svc.DeleteRoom(ctx, roomID, bob)
	require.NoError(t, err)

	_, err = svc.GetRoom(ctx, roomID, bob)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestGroupMembership(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	group, err := svc.CreateGroupRoom(ctx, alice, "g", []int64{bob})
	require.NoError(t, err)

	added, err := svc.AddParticipants(ctx, group.ID, bob, []int64{carol, bob})
	require.NoError(t, err)
	assert.Equal(t, []int64{carol}, added)

	remaining, err := svc.LeaveRoom(ctx, group.ID, carol)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{alice, bob}, remaining)

	_, err = svc.LeaveRoom(ctx, group.ID, alice)
	require.NoError(t, err)
	_, err = svc.LeaveRoom(ctx, group.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, st.RoomCount())

	roomID := direct(t, svc, alice, bob)
	_, err = svc.LeaveRoom(ctx, roomID, alice)
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.AddParticipants(ctx, roomID, alice, []int64{carol})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestAddParticipants_EmptyListIsValidationError(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	group, err := svc.CreateGroupRoom(ctx, alice, "g", []int64{bob})
	require.NoError(t, err)

	for _, ids := range [][]int64{nil, {}, {0, -3}} {
		_, err := svc.AddParticipants(ctx, group.ID, alice, ids)
		require.ErrorIs(t, err, service.ErrValidation, "ids=%v", ids)
	}
}

func TestListRooms_OrderedByActivity(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	withBob := direct(t, svc, alice, bob)
	withCarol := direct(t, svc, alice, carol)

	_, err := svc.AppendMessage(ctx, withBob, bob, "latest", nil)
	require.NoError(t, err)

	rooms, err := svc.ListRooms(ctx, alice)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, withBob, rooms[0].ID)
	assert.Equal(t, withCarol, rooms[1].ID)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "latest", rooms[0].LastMessage.Body)
	assert.Nil(t, rooms[1].LastMessage)
}

func TestSetStatus(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, svc.SetStatus(ctx, alice, model.StatusBusy))
	u, err := svc.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBusy, u.Status)

	err = svc.SetStatus(ctx, alice, "sleeping")
	assert.ErrorIs(t, err, service.ErrValidation)
	err = svc.SetStatus(ctx, 404, model.StatusAway)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestErrorKinds(t *testing.T) {
	err := &service.Error{Kind: service.KindForbidden, Message: "nope"}
	assert.True(t, errors.Is(err, service.ErrForbidden))
	assert.False(t, errors.Is(err, service.ErrNotFound))
	assert.Equal(t, service.KindInternal, service.KindOf(errors.New("boom")))
	assert.Equal(t, "internal error", service.PublicMessage(errors.New("db password leaked")))
}
