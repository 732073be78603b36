package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

// Store owns the database handle shared by both dispatchers and all
// workers/services. Constructed once at startup and injected explicitly.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

func Open(driver, dsn string, logg *logger.Logger) (*Store, error) {
	storeLog := logg.With("component", "Store")

	// GORM logger: ignore "record not found" spam (critical for polling dispatchers)
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	storeLog.Info("Connecting to database", "driver", driver)
	handle, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// A single writer connection avoids SQLITE_BUSY under the polling load.
		sqlDB, err := handle.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if err := handle.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	return &Store{db: handle, log: storeLog}, nil
}

func (s *Store) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&domain.Job{},
		&domain.Service{},

		&domain.File{},
		&domain.MediaEntity{},
		&domain.Movie{},
		&domain.TVShow{},
		&domain.TVSeason{},
		&domain.TVEpisode{},

		&domain.MediaTechnicalInfo{},
		&domain.VideoTrack{},
		&domain.AudioTrack{},

		&domain.TranscodeSession{},
		&domain.PlaybackSession{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
