package daemons

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

const (
	defaultCleanupInterval = time.Hour

	completedRetention = 3 * time.Hour
	abandonedRetention = 24 * time.Hour
	erroredRetention   = 12 * time.Hour
	pendingRetention   = 6 * time.Hour
)

/*
Cleanup sweeps stale transcode sessions and their output directories:
completed sessions past a short retention, abandoned sessions with no
playback heartbeat, errored sessions and sessions stuck in PENDING that
never started.
*/
type Cleanup struct {
	db       *gorm.DB
	log      *logger.Logger
	interval time.Duration
}

func NewCleanup(db *gorm.DB, baseLog *logger.Logger) *Cleanup {
	return &Cleanup{
		db:       db,
		log:      baseLog.With("service", "Cleanup"),
		interval: defaultCleanupInterval,
	}
}

func (s *Cleanup) Type() domain.ServiceType { return domain.ServiceTypeCleanup }

func (s *Cleanup) Start(ctx context.Context, raw json.RawMessage) error {
	if len(raw) > 0 {
		var params dto.CleanupParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("decode cleanup params: %w", err)
		}
		if params.CleanupInterval > 0 {
			s.interval = time.Duration(params.CleanupInterval) * time.Second
		}
	}
	s.log.Info("Cleanup service starting", "interval", s.interval.String())
	return nil
}

func (s *Cleanup) IterationInterval() time.Duration { return s.interval }

func (s *Cleanup) Stop() error { return nil }

func (s *Cleanup) ProcessIteration(ctx context.Context, raw json.RawMessage) error {
	s.log.Info("Starting cleanup cycle")
	now := time.Now().UTC()

	sweeps := []struct {
		name  string
		query func(tx *gorm.DB) *gorm.DB
	}{
		{
			name: "completed",
			query: func(tx *gorm.DB) *gorm.DB {
				return tx.Where("state = ? AND completed_at < ?",
					domain.TranscodeStateCompleted, now.Add(-completedRetention))
			},
		},
		{
			name: "abandoned",
			query: func(tx *gorm.DB) *gorm.DB {
				return tx.Where("state = ? AND (last_heartbeat_at < ? OR (last_heartbeat_at IS NULL AND updated_at < ?))",
					domain.TranscodeStateActive, now.Add(-abandonedRetention), now.Add(-abandonedRetention))
			},
		},
		{
			name: "errored",
			query: func(tx *gorm.DB) *gorm.DB {
				return tx.Where("state = ? AND updated_at < ?",
					domain.TranscodeStateError, now.Add(-erroredRetention))
			},
		},
		{
			name: "stalled pending",
			query: func(tx *gorm.DB) *gorm.DB {
				return tx.Where("state = ? AND created_at < ?",
					domain.TranscodeStatePending, now.Add(-pendingRetention))
			},
		},
	}

	for _, sweep := range sweeps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sweep(ctx, sweep.name, sweep.query); err != nil {
			return err
		}
	}

	s.log.Info("Cleanup cycle completed")
	return nil
}

func (s *Cleanup) sweep(ctx context.Context, name string, filter func(tx *gorm.DB) *gorm.DB) error {
	var sessions []*domain.TranscodeSession
	if err := filter(s.db.WithContext(ctx).Model(&domain.TranscodeSession{})).Find(&sessions).Error; err != nil {
		return fmt.Errorf("list %s transcode sessions: %w", name, err)
	}
	if len(sessions) == 0 {
		return nil
	}
	s.log.Info("Sweeping transcode sessions", "kind", name, "count", len(sessions))

	for _, session := range sessions {
		s.removeOutput(session)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("transcode_session_id = ?", session.ID).
				Delete(&domain.PlaybackSession{}).Error; err != nil {
				return err
			}
			return tx.Delete(session).Error
		})
		if err != nil {
			return fmt.Errorf("delete transcode session %s: %w", session.ID, err)
		}
	}
	return nil
}

func (s *Cleanup) removeOutput(session *domain.TranscodeSession) {
	if session.OutputPath == "" {
		return
	}
	dir := filepath.Dir(session.OutputPath)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("Failed to remove transcode output", "dir", dir, "error", err)
	}
}
