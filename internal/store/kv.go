package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tariel-x/pinroom/internal/models"

	"github.com/dgraph-io/badger/v4"
)

// KVStore keeps the same three records in badger.
//
// Keys (ids are hex encoded so that no id can extend another id's prefix):
//
//	room:{room}                      -> kvRoom
//	msg:{room}:{019d nanos}:{msg}    -> kvMessage, so a prefix scan is chronological
//	msgid:{msg}                      -> key of the msg: record
//	react:{msg}:{username}           -> emoji
type KVStore struct {
	db  *badger.DB
	log *slog.Logger
}

type kvRoom struct {
	RoomID    string `json:"room_id"`
	PIN       string `json:"pin"`
	CreatedAt int64  `json:"created_at"`
}

type kvMessage struct {
	ID        string                `json:"id"`
	RoomID    string                `json:"room_id"`
	Author    string                `json:"author"`
	Username  string                `json:"username"`
	Body      string                `json:"message"`
	Kind      models.MessageKind    `json:"type"`
	Time      string                `json:"time"`
	ReplyTo   *models.ReplySnapshot `json:"reply_to,omitempty"`
	CreatedAt int64                 `json:"created_at"`
}

// OpenKV opens badger at path. An empty path keeps everything in memory.
func OpenKV(path string, log *slog.Logger) (*KVStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &KVStore{db: db, log: log}, nil
}

func roomKey(roomID string) []byte {
	return []byte("room:" + hex.EncodeToString([]byte(roomID)))
}

func messagePrefix(roomID string) []byte {
	return []byte("msg:" + hex.EncodeToString([]byte(roomID)) + ":")
}

func messageKey(roomID string, at time.Time, messageID string) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", messagePrefix(roomID), at.UnixNano(), hex.EncodeToString([]byte(messageID))))
}

func messageIndexKey(messageID string) []byte {
	return []byte("msgid:" + hex.EncodeToString([]byte(messageID)))
}

func reactionPrefix(messageID string) []byte {
	return []byte("react:" + hex.EncodeToString([]byte(messageID)) + ":")
}

func reactionKey(messageID, username string) []byte {
	return append(reactionPrefix(messageID), []byte(hex.EncodeToString([]byte(username)))...)
}

func (s *KVStore) CreateRoom(_ context.Context, room *models.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(kvRoom{RoomID: room.RoomID, PIN: room.PIN, CreatedAt: room.CreatedAt.UnixNano()})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(roomKey(room.RoomID))
		switch {
		case err == nil:
			return ErrRoomExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(roomKey(room.RoomID), value)
	})
}

func (s *KVStore) GetRoom(_ context.Context, roomID string) (*models.Room, error) {
	var room *models.Room
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		room, err = getRoom(txn, roomID)
		return err
	})
	return room, err
}

func getRoom(txn *badger.Txn, roomID string) (*models.Room, error) {
	item, err := txn.Get(roomKey(roomID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	var rec kvRoom
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, err
	}
	return &models.Room{
		RoomID:    rec.RoomID,
		PIN:       rec.PIN,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

func (s *KVStore) DeleteRoom(_ context.Context, roomID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRoom(txn, roomID); err != nil {
			return err
		}

		msgs, keys, err := scanMessages(txn, roomID)
		if err != nil {
			return err
		}
		for i, m := range msgs {
			if err := deleteReactions(txn, m.ID); err != nil {
				return err
			}
			if err := txn.Delete(messageIndexKey(m.ID)); err != nil {
				return err
			}
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
		}
		return txn.Delete(roomKey(roomID))
	})
}

func (s *KVStore) SaveMessage(_ context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(toKVMessage(msg))
	if err != nil {
		return err
	}
	key := messageKey(msg.RoomID, msg.CreatedAt, msg.ID)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRoom(txn, msg.RoomID); err != nil {
			return err
		}

		_, err := txn.Get(messageIndexKey(msg.ID))
		switch {
		case err == nil:
			return ErrMessageExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(messageIndexKey(msg.ID), key)
	})
}

func (s *KVStore) GetMessage(_ context.Context, messageID string) (*models.Message, error) {
	var msg *models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		rec, _, err := getMessage(txn, messageID)
		if err != nil {
			return err
		}
		m := fromKVMessage(rec)
		if m.Reactions, err = loadReactions(txn, m.ID); err != nil {
			return err
		}
		msg = &m
		return nil
	})
	return msg, err
}

func getMessage(txn *badger.Txn, messageID string) (kvMessage, []byte, error) {
	var rec kvMessage
	item, err := txn.Get(messageIndexKey(messageID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rec, nil, ErrMessageNotFound
		}
		return rec, nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return rec, nil, err
	}

	item, err = txn.Get(key)
	if err != nil {
		return rec, nil, fmt.Errorf("message %s index is dangling: %w", messageID, err)
	}
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return rec, nil, err
	}
	return rec, key, nil
}

func (s *KVStore) ListMessages(_ context.Context, roomID string) ([]models.Message, error) {
	var out []models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		recs, _, err := scanMessages(txn, roomID)
		if err != nil {
			return err
		}
		out = make([]models.Message, 0, len(recs))
		for _, rec := range recs {
			m := fromKVMessage(rec)
			if m.Reactions, err = loadReactions(txn, m.ID); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func scanMessages(txn *badger.Txn, roomID string) ([]kvMessage, [][]byte, error) {
	prefix := messagePrefix(roomID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var (
		recs []kvMessage
		keys [][]byte
	)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var rec kvMessage
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return nil, nil, err
		}
		recs = append(recs, rec)
		keys = append(keys, item.KeyCopy(nil))
	}
	return recs, keys, nil
}

func loadReactions(txn *badger.Txn, messageID string) (map[string]string, error) {
	prefix := reactionPrefix(messageID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	reactions := map[string]string{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		username, err := hex.DecodeString(strings.TrimPrefix(string(item.Key()), string(prefix)))
		if err != nil {
			return nil, err
		}
		emoji, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		reactions[string(username)] = string(emoji)
	}
	return reactions, nil
}

func deleteReactions(txn *badger.Txn, messageID string) error {
	prefix := reactionPrefix(messageID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) DeleteMessage(_ context.Context, messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, key, err := getMessage(txn, messageID)
		if err != nil {
			return err
		}
		if err := deleteReactions(txn, messageID); err != nil {
			return err
		}
		if err := txn.Delete(messageIndexKey(messageID)); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *KVStore) UpsertReaction(_ context.Context, roomID string, reaction *models.Reaction) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, _, err := getMessage(txn, reaction.MessageID)
		if err != nil {
			return err
		}
		if rec.RoomID != roomID {
			return ErrMessageNotFound
		}
		return txn.Set(reactionKey(reaction.MessageID, reaction.Username), []byte(reaction.Emoji))
	})
}

func (s *KVStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

func toKVMessage(m *models.Message) kvMessage {
	return kvMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Author:    m.Author,
		Username:  m.Username,
		Body:      m.Body,
		Kind:      m.Kind,
		Time:      m.Time,
		ReplyTo:   m.ReplyTo,
		CreatedAt: m.CreatedAt.UnixNano(),
	}
}

func fromKVMessage(rec kvMessage) models.Message {
	return models.Message{
		ID:        rec.ID,
		RoomID:    rec.RoomID,
		Author:    rec.Author,
		Username:  rec.Username,
		Body:      rec.Body,
		Kind:      rec.Kind,
		Time:      rec.Time,
		ReplyTo:   rec.ReplyTo,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
