package daemons

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
	"github.com/thandden/mediaserver/internal/workers"
)

// settleDelay gives a newly created file time to finish copying before it is
// hashed and enqueued.
const settleDelay = 2 * time.Second

/*
WatchDog watches a directory tree for new media files. The fsnotify watcher
delivers events on its own channel, which is exactly the signal-source shape
the iteration loop wants: ProcessIteration blocks on the channel and the
context, so the service paces itself and needs no inter-iteration sleep.

New matching files are hashed, recorded in the files table and enqueued as
FILE_MATCHER jobs with no parent. Files whose path or hash is already known
are ignored, which also makes redelivered events harmless.
*/
type WatchDog struct {
	db      *gorm.DB
	log     *logger.Logger
	jobRepo repos.JobRepo

	params  dto.WatchDogParams
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	knownPaths map[string]struct{}
	knownHash  map[string]struct{}

	stopOnce sync.Once
}

func NewWatchDog(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.JobRepo) *WatchDog {
	return &WatchDog{
		db:         db,
		log:        baseLog.With("service", "WatchDog"),
		jobRepo:    jobRepo,
		knownPaths: make(map[string]struct{}),
		knownHash:  make(map[string]struct{}),
	}
}

func (s *WatchDog) Type() domain.ServiceType { return domain.ServiceTypeWatchDog }

func (s *WatchDog) IterationInterval() time.Duration { return 0 }

func (s *WatchDog) Start(ctx context.Context, raw json.RawMessage) error {
	if err := json.Unmarshal(raw, &s.params); err != nil {
		return fmt.Errorf("decode watchdog params: %w", err)
	}
	if s.params.DirPath == "" {
		return fmt.Errorf("dir_path is required")
	}
	if _, err := os.Stat(s.params.DirPath); err != nil {
		return fmt.Errorf("watch directory %s: %w", s.params.DirPath, err)
	}

	if err := s.loadKnownFiles(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher

	// fsnotify does not recurse; register every subdirectory.
	err = filepath.WalkDir(s.params.DirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("register watch directories: %w", err)
	}

	s.log.Info("Watching directory", "dir", s.params.DirPath)
	return nil
}

// ProcessIteration handles one watcher event (or returns on cancellation).
func (s *WatchDog) ProcessIteration(ctx context.Context, raw json.RawMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case event, ok := <-s.watcher.Events:
		if !ok {
			return fmt.Errorf("watcher event channel closed")
		}
		return s.handleEvent(ctx, event)
	case err, ok := <-s.watcher.Errors:
		if !ok {
			return fmt.Errorf("watcher error channel closed")
		}
		s.log.Warn("Watcher error", "error", err)
		return nil
	}
}

func (s *WatchDog) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *WatchDog) handleEvent(ctx context.Context, event fsnotify.Event) error {
	if !event.Has(fsnotify.Create) {
		return nil
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		// New subdirectories join the watch set.
		if err := s.watcher.Add(event.Name); err != nil {
			s.log.Warn("Failed to watch new directory", "dir", event.Name, "error", err)
		}
		return nil
	}

	rel, err := filepath.Rel(s.params.DirPath, event.Name)
	if err != nil {
		rel = filepath.Base(event.Name)
	}
	if !workers.MatchesMediaFile(rel, s.params.FileExtensions, s.params.FilePatterns) {
		return nil
	}
	if s.isKnownPath(event.Name) {
		return nil
	}

	// Let the copy settle before hashing.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settleDelay):
	}

	return s.indexFile(ctx, event.Name)
}

func (s *WatchDog) indexFile(ctx context.Context, path string) error {
	hash, err := hashFile(path)
	if err != nil {
		s.log.Warn("Failed to hash new file", "path", path, "error", err)
		return nil
	}
	if s.isKnownHash(hash) {
		s.log.Debug("File content already known, skipping", "path", path)
		return nil
	}

	file := &domain.File{
		Path:      path,
		MediaType: s.params.MediaType,
		Hash:      hash,
		Status:    domain.FileStatusUnindexed,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		// The file id is generated on create; the job params carry it.
		params, err := json.Marshal(dto.FileMatcherParams{
			Path:      path,
			MediaType: s.params.MediaType,
			FileID:    file.ID,
		})
		if err != nil {
			return err
		}
		_, err = s.jobRepo.Create(dbctx.Context{Ctx: ctx, Tx: tx}, []*domain.Job{{
			JobType:    domain.JobTypeFileMatcher,
			Status:     domain.JobStatusOpen,
			Parameters: params,
		}})
		return err
	})
	if err != nil {
		return fmt.Errorf("index new file %s: %w", path, err)
	}

	s.remember(path, hash)
	s.log.Info("New file detected and queued", "path", path)
	return nil
}

func (s *WatchDog) loadKnownFiles(ctx context.Context) error {
	var files []domain.File
	if err := s.db.WithContext(ctx).Select("path", "hash").Find(&files).Error; err != nil {
		return fmt.Errorf("load known files: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.knownPaths[f.Path] = struct{}{}
		if f.Hash != "" {
			s.knownHash[f.Hash] = struct{}{}
		}
	}
	s.log.Debug("Loaded known files", "count", len(files))
	return nil
}

func (s *WatchDog) isKnownPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.knownPaths[path]
	return ok
}

func (s *WatchDog) isKnownHash(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.knownHash[hash]
	return ok
}

func (s *WatchDog) remember(path, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownPaths[path] = struct{}{}
	s.knownHash[hash] = struct{}{}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
