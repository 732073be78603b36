package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/logger"
	"github.com/thandden/mediaserver/internal/platform/tmdb"
)

// TVMatcher fetches show, season and episode details from TMDB, upserts the
// show/season/episode rows and records a confirmed entity for the file.
//
// Upserts key on tmdb_id (show) and the season/episode uniqueness
// constraints, so re-runs and sibling episodes of the same show converge on
// the same rows.
type TVMatcher struct {
	db   *gorm.DB
	log  *logger.Logger
	tmdb *tmdb.Client
}

func NewTVMatcher(db *gorm.DB, baseLog *logger.Logger, client *tmdb.Client) *TVMatcher {
	return &TVMatcher{
		db:   db,
		log:  baseLog.With("worker", "TVMatcher"),
		tmdb: client,
	}
}

func (w *TVMatcher) Type() domain.JobType { return domain.JobTypeTVMatcher }

func (w *TVMatcher) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.TVMatcherParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode tv matcher params: %w", err)
	}

	show, err := w.tmdb.TVDetails(ctx, params.TMDBID)
	if err != nil {
		return nil, fmt.Errorf("fetch tv details: %w", err)
	}
	season, err := w.tmdb.SeasonDetails(ctx, params.TMDBID, params.SeasonNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch season details: %w", err)
	}
	episode, err := w.tmdb.EpisodeDetails(ctx, params.TMDBID, params.SeasonNumber, params.EpisodeNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch episode details: %w", err)
	}

	matchedData, _ := json.Marshal(episode)

	var entityID uuid.UUID
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		showRow, err := w.upsertShow(tx, show)
		if err != nil {
			return err
		}
		seasonRow, err := w.upsertSeason(tx, showRow, params.SeasonNumber, season)
		if err != nil {
			return err
		}
		episodeRow, err := w.upsertEpisode(tx, seasonRow, params.EpisodeNumber, episode)
		if err != nil {
			return err
		}

		var entity domain.MediaEntity
		err = tx.Where("file_id = ? AND entity_type = ?", params.FileID, domain.EntityTypeTVEpisode).
			First(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entity = domain.MediaEntity{
				FileID:         params.FileID,
				EntityType:     domain.EntityTypeTVEpisode,
				TVEpisodeID:    &episodeRow.ID,
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
				"tv_episode_id":   episodeRow.ID,
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
		return nil, fmt.Errorf("persist tv match: %w", err)
	}

	w.log.Info("Episode matched",
		"show", show.Name,
		"season", params.SeasonNumber,
		"episode", params.EpisodeNumber,
	)

	if show.PosterPath == "" {
		return nil, nil
	}
	return []jobs.ChildJobSpec{{
		JobType: domain.JobTypeImageDownloader,
		Params: dto.ImageDownloaderParams{
			ImagePath: show.PosterPath,
			EntityID:  entityID,
		},
	}}, nil
}

func (w *TVMatcher) upsertShow(tx *gorm.DB, details *tmdb.TVDetails) (*domain.TVShow, error) {
	var show domain.TVShow
	err := tx.Where("tmdb_id = ?", details.ID).First(&show).Error
	if err == nil {
		return &show, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tmdbID := details.ID
	show = domain.TVShow{
		TMDBID:       &tmdbID,
		Title:        details.Name,
		Overview:     details.Overview,
		PosterPath:   details.PosterPath,
		BackdropPath: details.BackdropPath,
	}
	if _, year, ok := parseDate(details.FirstAirDate); ok {
		show.Year = &year
	}
	if err := tx.Create(&show).Error; err != nil {
		return nil, err
	}
	return &show, nil
}

func (w *TVMatcher) upsertSeason(tx *gorm.DB, show *domain.TVShow, number int, details *tmdb.SeasonDetails) (*domain.TVSeason, error) {
	var season domain.TVSeason
	err := tx.Where("show_id = ? AND season_number = ?", show.ID, number).First(&season).Error
	if err == nil {
		return &season, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	season = domain.TVSeason{
		ShowID:       show.ID,
		SeasonNumber: number,
		Title:        details.Name,
		Overview:     details.Overview,
		PosterPath:   details.PosterPath,
	}
	if err := tx.Create(&season).Error; err != nil {
		return nil, err
	}
	return &season, nil
}

func (w *TVMatcher) upsertEpisode(tx *gorm.DB, season *domain.TVSeason, number int, details *tmdb.EpisodeDetails) (*domain.TVEpisode, error) {
	var episode domain.TVEpisode
	err := tx.Where("season_id = ? AND episode_number = ?", season.ID, number).First(&episode).Error
	if err == nil {
		return &episode, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	episode = domain.TVEpisode{
		SeasonID:      season.ID,
		EpisodeNumber: number,
		Title:         details.Name,
		Overview:      details.Overview,
		StillPath:     details.StillPath,
	}
	if airDate, _, ok := parseDate(details.AirDate); ok {
		episode.AirDate = &airDate
	}
	if err := tx.Create(&episode).Error; err != nil {
		return nil, err
	}
	return &episode, nil
}
