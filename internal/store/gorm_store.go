package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

// Config holds database configuration.
type Config struct {
	Driver          string `mapstructure:"driver"` // postgres, mysql, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`   // postgres only
	FilePath        string `mapstructure:"file_path"` // sqlite only
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // minutes
}

// GormRepository implements Repository over a relational database.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository opens the configured database and migrates the two
// tables this gateway owns.
func NewGormRepository(cfg *Config) (*GormRepository, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		dialector = postgres.Open(dsn)

	case "mysql":
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
		)
		dialector = mysql.Open(dsn)

	case "sqlite":
		dialector = sqlite.Open(cfg.FilePath)

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}

	if err := db.AutoMigrate(&Membership{}, &domain.StrikeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormRepository{db: db}, nil
}

func (r *GormRepository) SaveMembership(ctx context.Context, roomID, userID string) error {
	m := Membership{RoomID: roomID, UserID: userID, JoinedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		FirstOrCreate(&m).Error
}

func (r *GormRepository) RemoveMembership(ctx context.Context, roomID, userID string) error {
	return r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&Membership{}).Error
}

func (r *GormRepository) GetStrikeRecord(ctx context.Context, roomID, userID string) (*domain.StrikeRecord, error) {
	var rec domain.StrikeRecord
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveStrikeRecord upserts with an optimistic version check so two
// gateway instances cannot silently overwrite each other.
func (r *GormRepository) SaveStrikeRecord(ctx context.Context, rec *domain.StrikeRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.StrikeRecord
		err := tx.Where("room_id = ? AND user_id = ?", rec.RoomID, rec.UserID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.Version = 1
			return tx.Create(rec).Error
		}
		if err != nil {
			return err
		}

		res := tx.Model(&domain.StrikeRecord{}).
			Where("room_id = ? AND user_id = ? AND version = ?", rec.RoomID, rec.UserID, rec.Version).
			Updates(map[string]any{
				"strikes":         rec.Strikes,
				"role":            rec.Role,
				"probation_until": rec.ProbationUntil,
				"last_warning_at": rec.LastWarningAt,
				"version":         rec.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("strike record %s/%s: version conflict", rec.RoomID, rec.UserID)
		}
		rec.Version++
		return nil
	})
}

func (r *GormRepository) ResetStrikeRecord(ctx context.Context, roomID, userID string) error {
	return r.db.WithContext(ctx).Model(&domain.StrikeRecord{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Updates(map[string]any{
			"strikes":         0,
			"role":            domain.RoleMember,
			"probation_until": nil,
			"last_warning_at": nil,
		}).Error
}
