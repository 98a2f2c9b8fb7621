package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tariel-x/pinroom/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
)

type opener func(t *testing.T, dir string) Store

func openSQLite(t *testing.T, dir string) Store {
	s, err := OpenSQL(sqlite.Open(sqliteDSN(filepath.Join(dir, "chat.db"))), slog.Default())
	require.NoError(t, err)
	return s
}

func openBadger(t *testing.T, dir string) Store {
	s, err := OpenKV(filepath.Join(dir, "badger"), slog.Default())
	require.NoError(t, err)
	return s
}

var backends = map[string]opener{
	"sqlite": openSQLite,
	"badger": openBadger,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for name, o := range backends {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			fn(t, func() Store { return o(t, dir) })
		})
	}
}

func message(id, room string, at time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		RoomID:    room,
		Author:    "conn-" + id,
		Username:  "alice",
		Body:      "body " + id,
		Kind:      models.MessageKindText,
		Time:      at.Format(time.RFC3339Nano),
		CreatedAt: at,
	}
}

func TestCreateRoomRejectsDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "9999"}))
		require.ErrorIs(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "0000"}), ErrRoomExists)

		room, err := s.GetRoom(ctx, "R1")
		require.NoError(t, err)
		require.Equal(t, "9999", room.PIN)

		_, err = s.GetRoom(ctx, "r1")
		require.ErrorIs(t, err, ErrRoomNotFound)
	})
}

func TestRoomIDsDoNotShareMessages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		base := time.Unix(1_700_000_000, 0).UTC()
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "a", PIN: "1"}))
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "a:b", PIN: "1"}))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "a", base)))
		require.NoError(t, s.SaveMessage(ctx, message("m2", "a:b", base.Add(time.Second))))

		msgs, err := s.ListMessages(ctx, "a")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "m1", msgs[0].ID)
	})
}

func TestListMessagesOrderedWithReactions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		base := time.Unix(1_700_100_000, 0).UTC()
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "9999"}))

		// Saved out of order on purpose.
		require.NoError(t, s.SaveMessage(ctx, message("m2", "R1", base.Add(2*time.Second))))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "R1", base.Add(time.Second))))
		reply := message("m3", "R1", base.Add(3*time.Second))
		reply.ReplyTo = &models.ReplySnapshot{ID: "m1", Username: "alice", Message: "body m1"}
		require.NoError(t, s.SaveMessage(ctx, reply))

		require.NoError(t, s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "m1", Username: "B", Emoji: "👍"}))
		require.NoError(t, s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "m1", Username: "B", Emoji: "❤️"}))
		require.NoError(t, s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "m1", Username: "C", Emoji: "😂"}))

		msgs, err := s.ListMessages(ctx, "R1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
		require.Equal(t, map[string]string{"B": "❤️", "C": "😂"}, msgs[0].Reactions)
		require.NotNil(t, msgs[1].Reactions)
		require.Empty(t, msgs[1].Reactions)
		require.Nil(t, msgs[0].ReplyTo)
		require.Equal(t, &models.ReplySnapshot{ID: "m1", Username: "alice", Message: "body m1"}, msgs[2].ReplyTo)
		require.Equal(t, base.Add(time.Second).Format(time.RFC3339Nano), msgs[0].Time)
	})
}

func TestReplySnapshotSurvivesOriginalDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		base := time.Unix(1_700_200_000, 0).UTC()
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "1"}))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "R1", base)))
		reply := message("m2", "R1", base.Add(time.Second))
		reply.ReplyTo = &models.ReplySnapshot{ID: "m1", Username: "alice", Message: "body m1"}
		require.NoError(t, s.SaveMessage(ctx, reply))
		require.NoError(t, s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "m1", Username: "B", Emoji: "👍"}))

		require.NoError(t, s.DeleteMessage(ctx, "m1"))
		require.ErrorIs(t, s.DeleteMessage(ctx, "m1"), ErrMessageNotFound)

		got, err := s.GetMessage(ctx, "m2")
		require.NoError(t, err)
		require.Equal(t, "body m1", got.ReplyTo.Message)

		_, err = s.GetMessage(ctx, "m1")
		require.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestSaveMessageRequiresRoomAndUniqueID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		at := time.Unix(1_700_300_000, 0).UTC()
		require.ErrorIs(t, s.SaveMessage(ctx, message("m1", "missing", at)), ErrRoomNotFound)

		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "1"}))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "R1", at)))
		require.ErrorIs(t, s.SaveMessage(ctx, message("m1", "R1", at.Add(time.Second))), ErrMessageExists)
	})
}

func TestReactionRequiresMessageInRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		at := time.Unix(1_700_400_000, 0).UTC()
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "1"}))
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R2", PIN: "1"}))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "R1", at)))

		err := s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "nope", Username: "B", Emoji: "👍"})
		require.ErrorIs(t, err, ErrMessageNotFound)
		err = s.UpsertReaction(ctx, "R2", &models.Reaction{MessageID: "m1", Username: "B", Emoji: "👍"})
		require.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestDeleteRoomCascades(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		s := open()
		defer s.Close()

		at := time.Unix(1_700_500_000, 0).UTC()
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "1"}))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "R1", at)))
		require.NoError(t, s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "m1", Username: "B", Emoji: "👍"}))

		require.NoError(t, s.DeleteRoom(ctx, "R1"))
		require.ErrorIs(t, s.DeleteRoom(ctx, "R1"), ErrRoomNotFound)

		_, err := s.GetMessage(ctx, "m1")
		require.ErrorIs(t, err, ErrMessageNotFound)

		// The id is free again.
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "2"}))
		msgs, err := s.ListMessages(ctx, "R1")
		require.NoError(t, err)
		require.Empty(t, msgs)
	})
}

func TestHistorySurvivesReopen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func() Store) {
		ctx := context.Background()
		at := time.Unix(1_700_600_000, 0).UTC()

		s := open()
		require.NoError(t, s.CreateRoom(ctx, &models.Room{RoomID: "R1", PIN: "9999"}))
		require.NoError(t, s.SaveMessage(ctx, message("m1", "R1", at)))
		require.NoError(t, s.UpsertReaction(ctx, "R1", &models.Reaction{MessageID: "m1", Username: "B", Emoji: "👍"}))
		require.NoError(t, s.Close())

		s = open()
		defer s.Close()
		require.NoError(t, s.Ping(ctx))

		room, err := s.GetRoom(ctx, "R1")
		require.NoError(t, err)
		require.Equal(t, "9999", room.PIN)

		msgs, err := s.ListMessages(ctx, "R1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, map[string]string{"B": "👍"}, msgs[0].Reactions)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql"})
	require.Error(t, err)
}
