package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tariel-x/pinroom/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
)

var (
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageExists   = errors.New("message already exists")
	ErrMessageNotFound = errors.New("message not found")
)

// Store persists rooms, messages and reactions. Every method is atomic on its
// own; callers never need a transaction spanning two calls.
type Store interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error

	// SaveMessage writes the message together with its reply snapshot.
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	// ListMessages returns the room history ordered by CreatedAt ascending,
	// each message carrying its reaction map.
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error

	// UpsertReaction inserts or overwrites the reaction of reaction.Username
	// on a message of roomID.
	UpsertReaction(ctx context.Context, roomID string, reaction *models.Reaction) error

	Ping(ctx context.Context) error
	Close() error
}

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverBadger   Driver = "badger"
)

type Options struct {
	Driver Driver
	// Path is the sqlite file or the badger directory.
	Path string
	// DSN is the postgres connection string.
	DSN    string
	Logger *slog.Logger
}

func Open(opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Driver {
	case DriverSQLite, "":
		return OpenSQL(sqlite.Open(sqliteDSN(opts.Path)), logger)
	case DriverPostgres:
		return OpenSQL(postgres.Open(opts.DSN), logger)
	case DriverBadger:
		return OpenKV(opts.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func sqliteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func emptyReactions(msgs []models.Message) {
	for i := range msgs {
		if msgs[i].Reactions == nil {
			msgs[i].Reactions = map[string]string{}
		}
	}
}
