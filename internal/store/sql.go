package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tariel-x/pinroom/internal/models"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLStore is the gorm-backed store used for the sqlite and postgres drivers.
type SQLStore struct {
	db  *gorm.DB
	log *slog.Logger
}

func OpenSQL(dialector gorm.Dialector, log *slog.Logger) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		// One writer at a time keeps sqlite from returning SQLITE_BUSY under load.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.Room{},
		&models.Message{},
		&models.Reaction{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Debug("sql store ready", "dialect", dialector.Name())
	return &SQLStore{db: db, log: log}, nil
}

func (s *SQLStore) CreateRoom(ctx context.Context, room *models.Room) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Room{}).Where("room_id = ?", room.RoomID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrRoomExists
		}
		if err := tx.Create(room).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrRoomExists
			}
			return err
		}
		return nil
	})
}

func (s *SQLStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, "room_id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *SQLStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&models.Message{}).Select("id").Where("room_id = ?", roomID)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("room_id = ?", roomID).Delete(&models.Room{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRoomNotFound
		}
		return nil
	})
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rooms int64
		if err := tx.Model(&models.Room{}).Where("room_id = ?", msg.RoomID).Count(&rooms).Error; err != nil {
			return err
		}
		if rooms == 0 {
			return ErrRoomNotFound
		}

		var existing int64
		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrMessageExists
		}

		if err := tx.Create(msg).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrMessageExists
			}
			return err
		}
		return nil
	})
}

func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	msgs := []models.Message{msg}
	if err := s.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *SQLStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	if err := s.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *SQLStore) attachReactions(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := lo.Map(msgs, func(m models.Message, _ int) string { return m.ID })
	var reactions []models.Reaction
	if err := s.db.WithContext(ctx).Where("message_id IN ?", ids).Find(&reactions).Error; err != nil {
		return err
	}

	byMessage := lo.GroupBy(reactions, func(r models.Reaction) string { return r.MessageID })
	for i := range msgs {
		msgs[i].Reactions = lo.SliceToMap(byMessage[msgs[i].ID], func(r models.Reaction) (string, string) {
			return r.Username, r.Emoji
		})
	}
	emptyReactions(msgs)
	return nil
}

func (s *SQLStore) DeleteMessage(ctx context.Context, messageID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", messageID).Delete(&models.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrMessageNotFound
		}
		return nil
	})
}

func (s *SQLStore) UpsertReaction(ctx context.Context, roomID string, reaction *models.Reaction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.Message{}).
			Where("id = ? AND room_id = ?", reaction.MessageID, roomID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrMessageNotFound
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"reaction", "updated_at"}),
		}).Create(reaction).Error
	})
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
