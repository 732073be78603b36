package dto

import (
	"github.com/google/uuid"

	"github.com/thandden/mediaserver/internal/domain"
)

// Parameter shapes for each job and service type. These are the JSON
// payloads stored in the parameters columns; each worker/service decodes its
// own shape, the dispatchers never look inside.

// MatchedData is the file matcher's parse result handed to the metadata
// matcher.
type MatchedData struct {
	Title         string           `json:"title"`
	MediaType     domain.MediaType `json:"media_type"`
	Year          *int             `json:"year,omitempty"`
	SeasonNumber  *int             `json:"season_number,omitempty"`
	EpisodeNumber *int             `json:"episode_number,omitempty"`
}

type MediaScannerParams struct {
	DirPath        string           `json:"dir_path"`
	MediaType      domain.MediaType `json:"media_type"`
	FileExtensions []string         `json:"file_extensions"`
	// FilePatterns are doublestar globs matched against the path relative to
	// dir_path; when set they replace the extension filter.
	FilePatterns   []string `json:"file_patterns,omitempty"`
	CreateWatchdog bool     `json:"create_watchdog,omitempty"`
}

type FileMatcherParams struct {
	Path      string           `json:"path"`
	MediaType domain.MediaType `json:"media_type"`
	FileID    uuid.UUID        `json:"file_id"`
}

type MetadataMatcherParams struct {
	MatchedData MatchedData `json:"matched_data"`
	FileID      uuid.UUID   `json:"file_id"`
}

type MovieMatcherParams struct {
	TMDBID int       `json:"tmdb_id"`
	FileID uuid.UUID `json:"file_id"`
}

type TVMatcherParams struct {
	TMDBID        int       `json:"tmdb_id"`
	FileID        uuid.UUID `json:"file_id"`
	SeasonNumber  int       `json:"season_number"`
	EpisodeNumber int       `json:"episode_number"`
}

type FFProbeParams struct {
	FileID uuid.UUID `json:"file_id"`
	Path   string    `json:"path"`
}

type ImageDownloaderParams struct {
	ImagePath string    `json:"image_path"`
	EntityID  uuid.UUID `json:"entity_id"`
}

type TranscoderParams struct {
	TranscodeSessionID uuid.UUID `json:"transcode_session_id"`
	// Optional encode overrides; when set they are written onto the session
	// before the command is built, so an enqueue can (re)configure a
	// session's targets.
	TargetCodec      string `json:"target_codec,omitempty"`
	TargetResolution string `json:"target_resolution,omitempty"`
	TargetBitrate    *int64 `json:"target_bitrate,omitempty"`
}

type WatchDogParams struct {
	DirPath        string           `json:"dir_path"`
	MediaType      domain.MediaType `json:"media_type"`
	FileExtensions []string         `json:"file_extensions"`
	FilePatterns   []string         `json:"file_patterns,omitempty"`
}

type CleanupParams struct {
	// CleanupInterval is the inter-iteration sleep in seconds.
	CleanupInterval int `json:"cleanup_interval"`
}

type MetricsCollectorParams struct {
	// SampleInterval is the inter-iteration sleep in seconds.
	SampleInterval int `json:"sample_interval"`
}
