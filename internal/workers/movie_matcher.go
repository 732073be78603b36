package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/logger"
	"github.com/thandden/mediaserver/internal/platform/tmdb"
)

// MovieMatcher fetches movie details from TMDB, records the movie and a
// confirmed entity for the file, and queues the poster download.
//
// Re-runs reuse the existing movie row (unique tmdb_id) and the existing
// entity for the file, so at-least-once execution cannot duplicate either.
type MovieMatcher struct {
	db   *gorm.DB
	log  *logger.Logger
	tmdb *tmdb.Client
}

func NewMovieMatcher(db *gorm.DB, baseLog *logger.Logger, client *tmdb.Client) *MovieMatcher {
	return &MovieMatcher{
		db:   db,
		log:  baseLog.With("worker", "MovieMatcher"),
		tmdb: client,
	}
}

func (w *MovieMatcher) Type() domain.JobType { return domain.JobTypeMovieMatcher }

func (w *MovieMatcher) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.MovieMatcherParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode movie matcher params: %w", err)
	}

	details, err := w.tmdb.MovieDetails(ctx, params.TMDBID)
	if err != nil {
		return nil, fmt.Errorf("fetch movie details: %w", err)
	}

	matchedData, _ := json.Marshal(details)

	var entityID uuid.UUID
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		movie, err := w.upsertMovie(tx, details)
		if err != nil {
			return err
		}

		var entity domain.MediaEntity
		err = tx.Where("file_id = ? AND entity_type = ?", params.FileID, domain.EntityTypeMovie).
			First(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entity = domain.MediaEntity{
				FileID:         params.FileID,
				EntityType:     domain.EntityTypeMovie,
				MovieID:        &movie.ID,
				MatchedData:    matchedData,
				MetadataStatus: domain.MetadataStatusConfirmed,
			}
			if err := tx.Create(&entity).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			if err := tx.Model(&entity).Updates(map[string]interface{}{
				"movie_id":        movie.ID,
				"matched_data":    matchedData,
				"metadata_status": domain.MetadataStatusConfirmed,
			}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&domain.File{}).Where("id = ?", params.FileID).Updates(map[string]interface{}{
			"indexed": true,
			"status":  domain.FileStatusIndexed,
		}).Error; err != nil {
			return err
		}

		entityID = entity.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist movie match: %w", err)
	}

	w.log.Info("Movie matched", "title", details.Title, "tmdb_id", details.ID)

	if details.PosterPath == "" {
		return nil, nil
	}
	return []jobs.ChildJobSpec{{
		JobType: domain.JobTypeImageDownloader,
		Params: dto.ImageDownloaderParams{
			ImagePath: details.PosterPath,
			EntityID:  entityID,
		},
	}}, nil
}

func (w *MovieMatcher) upsertMovie(tx *gorm.DB, details *tmdb.MovieDetails) (*domain.Movie, error) {
	var movie domain.Movie
	err := tx.Where("tmdb_id = ?", details.ID).First(&movie).Error
	if err == nil {
		return &movie, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tmdbID := details.ID
	movie = domain.Movie{
		TMDBID:       &tmdbID,
		Title:        details.Title,
		Overview:     details.Overview,
		PosterPath:   details.PosterPath,
		BackdropPath: details.BackdropPath,
	}
	if release, year, ok := parseDate(details.ReleaseDate); ok {
		movie.ReleaseDate = &release
		movie.Year = &year
	}
	if err := tx.Create(&movie).Error; err != nil {
		return nil, err
	}
	return &movie, nil
}

func parseDate(s string) (time.Time, int, bool) {
	if s == "" {
		return time.Time{}, 0, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, 0, false
	}
	return t, t.Year(), true
}
