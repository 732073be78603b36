package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type MediaType string

const (
	MediaTypeMovie MediaType = "MOVIE"
	MediaTypeTV    MediaType = "TV"
	MediaTypeMusic MediaType = "MUSIC"
)

type FileStatus string

const (
	FileStatusUnindexed FileStatus = "UNINDEXED"
	FileStatusIndexed   FileStatus = "INDEXED"
)

type EntityType string

const (
	EntityTypeMovie     EntityType = "MOVIE"
	EntityTypeTVEpisode EntityType = "TV_EPISODE"
)

type MetadataStatus string

const (
	MetadataStatusPending   MetadataStatus = "PENDING"
	MetadataStatusConfirmed MetadataStatus = "CONFIRMED"
	MetadataStatusRejected  MetadataStatus = "REJECTED"
)

type TranscodeState string

const (
	TranscodeStatePending   TranscodeState = "PENDING"
	TranscodeStateActive    TranscodeState = "ACTIVE"
	TranscodeStateCompleted TranscodeState = "COMPLETED"
	TranscodeStateInactive  TranscodeState = "INACTIVE"
	TranscodeStateError     TranscodeState = "ERROR"
)

// File is one media file discovered on disk.
type File struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Path      string     `gorm:"column:path;not null;uniqueIndex:uq_files_path" json:"path"`
	MediaType MediaType  `gorm:"column:media_type;not null" json:"media_type"`
	Indexed   bool       `gorm:"column:indexed;not null;default:false" json:"indexed"`
	Hash      string     `gorm:"column:hash;index" json:"hash,omitempty"`
	Status    FileStatus `gorm:"column:status;not null" json:"status"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
}

func (File) TableName() string { return "files" }

// MediaEntity links a file to the movie or episode it was matched to.
type MediaEntity struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	FileID         uuid.UUID      `gorm:"type:uuid;column:file_id;not null;index" json:"file_id"`
	EntityType     EntityType     `gorm:"column:entity_type;not null" json:"entity_type"`
	MovieID        *uuid.UUID     `gorm:"type:uuid;column:movie_id" json:"movie_id,omitempty"`
	TVEpisodeID    *uuid.UUID     `gorm:"type:uuid;column:tv_episode_id" json:"tv_episode_id,omitempty"`
	MatchedData    datatypes.JSON `gorm:"column:matched_data" json:"matched_data,omitempty"`
	MetadataStatus MetadataStatus `gorm:"column:metadata_status;not null" json:"metadata_status"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (MediaEntity) TableName() string { return "media_entities" }

type Movie struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TMDBID       *int       `gorm:"column:tmdb_id;uniqueIndex:uq_movies_tmdb_id" json:"tmdb_id,omitempty"`
	Title        string     `gorm:"column:title;not null" json:"title"`
	Overview     string     `gorm:"column:overview" json:"overview,omitempty"`
	PosterPath   string     `gorm:"column:poster_path" json:"poster_path,omitempty"`
	BackdropPath string     `gorm:"column:backdrop_path" json:"backdrop_path,omitempty"`
	ReleaseDate  *time.Time `gorm:"column:release_date" json:"release_date,omitempty"`
	Year         *int       `gorm:"column:year" json:"year,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null" json:"updated_at"`
}

func (Movie) TableName() string { return "movies" }

type TVShow struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TMDBID       *int      `gorm:"column:tmdb_id;uniqueIndex:uq_tv_shows_tmdb_id" json:"tmdb_id,omitempty"`
	Title        string    `gorm:"column:title;not null" json:"title"`
	Overview     string    `gorm:"column:overview" json:"overview,omitempty"`
	PosterPath   string    `gorm:"column:poster_path" json:"poster_path,omitempty"`
	BackdropPath string    `gorm:"column:backdrop_path" json:"backdrop_path,omitempty"`
	Year         *int      `gorm:"column:year" json:"year,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (TVShow) TableName() string { return "tv_shows" }

type TVSeason struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ShowID       uuid.UUID `gorm:"type:uuid;column:show_id;not null;uniqueIndex:uq_season_number_per_show" json:"show_id"`
	SeasonNumber int       `gorm:"column:season_number;not null;uniqueIndex:uq_season_number_per_show" json:"season_number"`
	Title        string    `gorm:"column:title" json:"title,omitempty"`
	Overview     string    `gorm:"column:overview" json:"overview,omitempty"`
	PosterPath   string    `gorm:"column:poster_path" json:"poster_path,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (TVSeason) TableName() string { return "tv_seasons" }

type TVEpisode struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SeasonID      uuid.UUID  `gorm:"type:uuid;column:season_id;not null;uniqueIndex:uq_episode_number_per_season" json:"season_id"`
	EpisodeNumber int        `gorm:"column:episode_number;not null;uniqueIndex:uq_episode_number_per_season" json:"episode_number"`
	Title         string     `gorm:"column:title" json:"title,omitempty"`
	Overview      string     `gorm:"column:overview" json:"overview,omitempty"`
	StillPath     string     `gorm:"column:still_path" json:"still_path,omitempty"`
	AirDate       *time.Time `gorm:"column:air_date" json:"air_date,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (TVEpisode) TableName() string { return "tv_episodes" }

// MediaTechnicalInfo holds the ffprobe result for a file. Reprobing a file
// replaces the row and its tracks.
type MediaTechnicalInfo struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	FileID          uuid.UUID      `gorm:"type:uuid;column:file_id;not null;uniqueIndex:uq_technical_info_file" json:"file_id"`
	DurationMs      *int64         `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	Bitrate         *int64         `gorm:"column:bitrate" json:"bitrate,omitempty"`
	ContainerFormat string         `gorm:"column:container_format" json:"container_format,omitempty"`
	CodecData       datatypes.JSON `gorm:"column:codec_data" json:"codec_data,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

func (MediaTechnicalInfo) TableName() string { return "media_technical_info" }

type VideoTrack struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TechnicalInfoID uuid.UUID      `gorm:"type:uuid;column:technical_info_id;not null;uniqueIndex:uq_video_track_per_media" json:"technical_info_id"`
	TrackIndex      int            `gorm:"column:track_index;not null;uniqueIndex:uq_video_track_per_media" json:"track_index"`
	Width           *int           `gorm:"column:width" json:"width,omitempty"`
	Height          *int           `gorm:"column:height" json:"height,omitempty"`
	Codec           string         `gorm:"column:codec" json:"codec,omitempty"`
	FrameRate       *float64       `gorm:"column:frame_rate" json:"frame_rate,omitempty"`
	BitDepth        *int           `gorm:"column:bit_depth" json:"bit_depth,omitempty"`
	ColorSpace      string         `gorm:"column:color_space" json:"color_space,omitempty"`
	HDRFormat       string         `gorm:"column:hdr_format" json:"hdr_format,omitempty"`
	Bitrate         *int64         `gorm:"column:bitrate" json:"bitrate,omitempty"`
	IsDefault       bool           `gorm:"column:is_default;not null;default:false" json:"is_default"`
	MetadataInfo    datatypes.JSON `gorm:"column:metadata_info" json:"metadata_info,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

func (VideoTrack) TableName() string { return "video_tracks" }

type AudioTrack struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TechnicalInfoID uuid.UUID      `gorm:"type:uuid;column:technical_info_id;not null;uniqueIndex:uq_audio_track_per_media" json:"technical_info_id"`
	TrackIndex      int            `gorm:"column:track_index;not null;uniqueIndex:uq_audio_track_per_media" json:"track_index"`
	Codec           string         `gorm:"column:codec" json:"codec,omitempty"`
	Language        string         `gorm:"column:language" json:"language,omitempty"`
	Channels        *int           `gorm:"column:channels" json:"channels,omitempty"`
	SampleRate      *int           `gorm:"column:sample_rate" json:"sample_rate,omitempty"`
	Bitrate         *int64         `gorm:"column:bitrate" json:"bitrate,omitempty"`
	Title           string         `gorm:"column:title" json:"title,omitempty"`
	IsDefault       bool           `gorm:"column:is_default;not null;default:false" json:"is_default"`
	MetadataInfo    datatypes.JSON `gorm:"column:metadata_info" json:"metadata_info,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

func (AudioTrack) TableName() string { return "audio_tracks" }

// TranscodeSession tracks one HLS transcode of a file. The target_* columns
// carry the per-session encode configuration the transcoder builds its
// command from.
type TranscodeSession struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	FileID           uuid.UUID      `gorm:"type:uuid;column:file_id;not null;index" json:"file_id"`
	State            TranscodeState `gorm:"column:state;not null;index" json:"state"`
	OutputPath       string         `gorm:"column:output_path" json:"output_path,omitempty"`
	TargetCodec      string         `gorm:"column:target_codec" json:"target_codec,omitempty"`
	TargetResolution string         `gorm:"column:target_resolution" json:"target_resolution,omitempty"`
	TargetBitrate    *int64         `gorm:"column:target_bitrate" json:"target_bitrate,omitempty"`
	StartTimestamp   string         `gorm:"column:start_timestamp" json:"start_timestamp,omitempty"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message,omitempty"`
	LastHeartbeatAt *time.Time     `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (TranscodeSession) TableName() string { return "transcode_sessions" }

// PlaybackSession tracks a client watching a transcode session.
type PlaybackSession struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TranscodeSessionID uuid.UUID  `gorm:"type:uuid;column:transcode_session_id;not null;index" json:"transcode_session_id"`
	CurrentPosition    int        `gorm:"column:current_position;not null;default:0" json:"current_position"`
	WatchedPercentage  float64    `gorm:"column:watched_percentage;not null;default:0" json:"watched_percentage"`
	LastHeartbeatAt    *time.Time `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt          time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"not null" json:"updated_at"`
}

func (PlaybackSession) TableName() string { return "playback_sessions" }
