package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/logger"
	"github.com/thandden/mediaserver/internal/platform/tmdb"
)

// MetadataMatcher searches TMDB for the parsed title and hands the best hit
// to the type-specific matcher. No hit is a normal completion with no
// children; the file simply stays unmatched.
type MetadataMatcher struct {
	db   *gorm.DB
	log  *logger.Logger
	tmdb *tmdb.Client
}

func NewMetadataMatcher(db *gorm.DB, baseLog *logger.Logger, client *tmdb.Client) *MetadataMatcher {
	return &MetadataMatcher{
		db:   db,
		log:  baseLog.With("worker", "MetadataMatcher"),
		tmdb: client,
	}
}

func (w *MetadataMatcher) Type() domain.JobType { return domain.JobTypeMetadataMatcher }

func (w *MetadataMatcher) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.MetadataMatcherParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode metadata matcher params: %w", err)
	}
	matched := params.MatchedData
	if matched.Title == "" {
		return nil, fmt.Errorf("matched_data.title is required")
	}

	var (
		results []tmdb.SearchResult
		err     error
	)
	switch matched.MediaType {
	case domain.MediaTypeMovie:
		results, err = w.tmdb.SearchMovie(ctx, matched.Title, matched.Year)
	case domain.MediaTypeTV:
		results, err = w.tmdb.SearchTV(ctx, matched.Title, matched.Year)
	default:
		return nil, fmt.Errorf("unsupported media type %q", matched.MediaType)
	}
	if err != nil {
		return nil, fmt.Errorf("search tmdb: %w", err)
	}

	if len(results) == 0 {
		w.log.Info("No matches found", "title", matched.Title)
		return nil, nil
	}

	first := results[0]
	w.log.Info("Matched title", "title", matched.Title, "tmdb_id", first.ID)

	switch matched.MediaType {
	case domain.MediaTypeMovie:
		return []jobs.ChildJobSpec{{
			JobType: domain.JobTypeMovieMatcher,
			Params: dto.MovieMatcherParams{
				TMDBID: first.ID,
				FileID: params.FileID,
			},
		}}, nil
	default:
		if matched.SeasonNumber == nil || matched.EpisodeNumber == nil {
			w.log.Info("TV match without season/episode numbers, skipping", "title", matched.Title)
			return nil, nil
		}
		return []jobs.ChildJobSpec{{
			JobType: domain.JobTypeTVMatcher,
			Params: dto.TVMatcherParams{
				TMDBID:        first.ID,
				FileID:        params.FileID,
				SeasonNumber:  *matched.SeasonNumber,
				EpisodeNumber: *matched.EpisodeNumber,
			},
		}}, nil
	}
}
