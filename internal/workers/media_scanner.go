package workers

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
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

/*
MediaScanner walks a directory for media files, records the new ones in the
files table and spawns one FILE_MATCHER child per new file. With
create_watchdog set, it also seeds a WATCH_DOG service row for the directory
so later drops are picked up without rescanning.

Idempotent: files already present (by path) are skipped, and the watchdog
seed is insert-if-absent.
*/
type MediaScanner struct {
	db          *gorm.DB
	log         *logger.Logger
	serviceRepo repos.ServiceRepo
}

func NewMediaScanner(db *gorm.DB, baseLog *logger.Logger, serviceRepo repos.ServiceRepo) *MediaScanner {
	return &MediaScanner{
		db:          db,
		log:         baseLog.With("worker", "MediaScanner"),
		serviceRepo: serviceRepo,
	}
}

func (w *MediaScanner) Type() domain.JobType { return domain.JobTypeMediaScan }

func (w *MediaScanner) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.MediaScannerParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode media scanner params: %w", err)
	}
	if params.DirPath == "" {
		return nil, fmt.Errorf("dir_path is required")
	}

	found, err := w.scanDirectory(params)
	if err != nil {
		return nil, err
	}
	w.log.Info("Scan finished", "dir", params.DirPath, "found", len(found))

	known, err := w.knownPaths(ctx)
	if err != nil {
		return nil, err
	}

	var children []jobs.ChildJobSpec
	var newFiles []*domain.File
	for _, path := range found {
		if _, ok := known[path]; ok {
			continue
		}
		hash, err := hashFile(path)
		if err != nil {
			w.log.Warn("Failed to hash file, skipping", "path", path, "error", err)
			continue
		}
		file := &domain.File{
			Path:      path,
			MediaType: params.MediaType,
			Hash:      hash,
			Status:    domain.FileStatusUnindexed,
		}
		newFiles = append(newFiles, file)
	}

	if len(newFiles) > 0 {
		if err := w.db.WithContext(ctx).Create(&newFiles).Error; err != nil {
			return nil, fmt.Errorf("insert files: %w", err)
		}
		for _, file := range newFiles {
			children = append(children, jobs.ChildJobSpec{
				JobType: domain.JobTypeFileMatcher,
				Params: dto.FileMatcherParams{
					Path:      file.Path,
					MediaType: params.MediaType,
					FileID:    file.ID,
				},
			})
		}
	}

	if params.CreateWatchdog {
		if err := w.seedWatchdog(ctx, params); err != nil {
			return nil, err
		}
	}

	return children, nil
}

func (w *MediaScanner) scanDirectory(params dto.MediaScannerParams) ([]string, error) {
	if _, err := os.Stat(params.DirPath); err != nil {
		return nil, fmt.Errorf("scan directory %s: %w", params.DirPath, err)
	}

	var matching []string
	err := filepath.WalkDir(params.DirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("Skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(params.DirPath, path)
		if relErr != nil {
			rel = d.Name()
		}
		if MatchesMediaFile(rel, params.FileExtensions, params.FilePatterns) {
			matching = append(matching, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matching, nil
}

func (w *MediaScanner) knownPaths(ctx context.Context) (map[string]struct{}, error) {
	var paths []string
	if err := w.db.WithContext(ctx).Model(&domain.File{}).Pluck("path", &paths).Error; err != nil {
		return nil, fmt.Errorf("load known files: %w", err)
	}
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		out[p] = struct{}{}
	}
	return out, nil
}

func (w *MediaScanner) seedWatchdog(ctx context.Context, params dto.MediaScannerParams) error {
	watchParams, err := json.Marshal(dto.WatchDogParams{
		DirPath:        params.DirPath,
		MediaType:      params.MediaType,
		FileExtensions: params.FileExtensions,
		FilePatterns:   params.FilePatterns,
	})
	if err != nil {
		return err
	}
	svc := &domain.Service{
		ServiceType: domain.ServiceTypeWatchDog,
		Status:      domain.ServiceStatusInactive,
		Command:     domain.ServiceCommandStart,
		Parameters:  watchParams,
	}
	if err := w.serviceRepo.SeedDefault(dbctx.Context{Ctx: ctx}, svc); err != nil {
		return fmt.Errorf("seed watchdog service: %w", err)
	}
	w.log.Info("Watchdog service seeded", "dir", params.DirPath)
	return nil
}

// MatchesMediaFile reports whether the relative path is a media file of
// interest. Patterns, when present, are doublestar globs and replace the
// extension filter. An empty filter matches everything.
func MatchesMediaFile(relPath string, extensions, patterns []string) bool {
	if len(patterns) > 0 {
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, filepath.ToSlash(relPath)); err == nil && ok {
				return true
			}
		}
		return false
	}
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(relPath))
	for _, allowed := range extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
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
