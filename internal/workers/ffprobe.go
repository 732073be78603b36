package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

// probeOutput mirrors the subset of ffprobe's JSON output we consume.
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

type probeStream struct {
	Index        int               `json:"index"`
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	ColorSpace   string            `json:"color_space"`
	BitRate       string            `json:"bit_rate"`
	Channels      int               `json:"channels"`
	SampleRate    string            `json:"sample_rate"`
	Tags          map[string]string `json:"tags"`
	Disposition   struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

/*
FFProbe extracts technical information for a file by running the ffprobe
binary and stores it as a media_technical_info row with its video and audio
tracks. Reprobing replaces the previous result, so re-runs are safe.
*/
type FFProbe struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFFProbe(db *gorm.DB, baseLog *logger.Logger) *FFProbe {
	return &FFProbe{db: db, log: baseLog.With("worker", "FFProbe")}
}

func (w *FFProbe) Type() domain.JobType { return domain.JobTypeFFProbe }

func (w *FFProbe) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.FFProbeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode ffprobe params: %w", err)
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	probe, err := w.runProbe(ctx, params.Path)
	if err != nil {
		return nil, err
	}

	info, videoTracks, audioTracks := ExtractTechnicalInfo(probe, params.FileID)

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Replace any previous probe result for this file.
		var prior domain.MediaTechnicalInfo
		if err := tx.Where("file_id = ?", params.FileID).First(&prior).Error; err == nil {
			if err := tx.Where("technical_info_id = ?", prior.ID).Delete(&domain.VideoTrack{}).Error; err != nil {
				return err
			}
			if err := tx.Where("technical_info_id = ?", prior.ID).Delete(&domain.AudioTrack{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&prior).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(info).Error; err != nil {
			return err
		}
		for _, track := range videoTracks {
			track.TechnicalInfoID = info.ID
			if err := tx.Create(track).Error; err != nil {
				return err
			}
		}
		for _, track := range audioTracks {
			track.TechnicalInfoID = info.ID
			if err := tx.Create(track).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save technical info: %w", err)
	}

	w.log.Info("Probed file",
		"path", params.Path,
		"container", info.ContainerFormat,
		"video_tracks", len(videoTracks),
		"audio_tracks", len(audioTracks),
	)
	return nil, nil
}

func (w *FFProbe) runProbe(ctx context.Context, path string) (*probeOutput, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, stderr.String())
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &out, nil
}

// ExtractTechnicalInfo maps ffprobe output onto the technical info row and
// its tracks. Track indices follow the stream order in the container.
func ExtractTechnicalInfo(probe *probeOutput, fileID uuid.UUID) (*domain.MediaTechnicalInfo, []*domain.VideoTrack, []*domain.AudioTrack) {
	info := &domain.MediaTechnicalInfo{
		FileID:          fileID,
		ContainerFormat: probe.Format.FormatName,
	}
	if probe.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			ms := int64(seconds * 1000)
			info.DurationMs = &ms
		}
	}
	if probe.Format.BitRate != "" {
		if rate, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
			info.Bitrate = &rate
		}
	}
	if len(probe.Format.Tags) > 0 {
		if data, err := json.Marshal(probe.Format.Tags); err == nil {
			info.CodecData = data
		}
	}

	var videoTracks []*domain.VideoTrack
	var audioTracks []*domain.AudioTrack
	for i, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			videoTracks = append(videoTracks, extractVideoTrack(stream, i))
		case "audio":
			audioTracks = append(audioTracks, extractAudioTrack(stream, i))
		}
	}
	return info, videoTracks, audioTracks
}

func extractVideoTrack(stream probeStream, index int) *domain.VideoTrack {
	track := &domain.VideoTrack{
		TrackIndex: index,
		Codec:      stream.CodecName,
		ColorSpace: stream.ColorSpace,
		IsDefault:  stream.Disposition.Default == 1,
	}
	if stream.Width > 0 {
		w := stream.Width
		track.Width = &w
	}
	if stream.Height > 0 {
		h := stream.Height
		track.Height = &h
	}
	if fps, ok := parseFrameRate(stream.AvgFrameRate); ok {
		track.FrameRate = &fps
	}
	if stream.BitRate != "" {
		if rate, err := strconv.ParseInt(stream.BitRate, 10, 64); err == nil {
			track.Bitrate = &rate
		}
	}
	if len(stream.Tags) > 0 {
		if data, err := json.Marshal(stream.Tags); err == nil {
			track.MetadataInfo = data
		}
	}
	return track
}

func extractAudioTrack(stream probeStream, index int) *domain.AudioTrack {
	track := &domain.AudioTrack{
		TrackIndex: index,
		Codec:      stream.CodecName,
		Language:   stream.Tags["language"],
		Title:      stream.Tags["title"],
		IsDefault:  stream.Disposition.Default == 1,
	}
	if stream.Channels > 0 {
		ch := stream.Channels
		track.Channels = &ch
	}
	if stream.SampleRate != "" {
		if rate, err := strconv.Atoi(stream.SampleRate); err == nil {
			track.SampleRate = &rate
		}
	}
	if stream.BitRate != "" {
		if rate, err := strconv.ParseInt(stream.BitRate, 10, 64); err == nil {
			track.Bitrate = &rate
		}
	}
	if len(stream.Tags) > 0 {
		if data, err := json.Marshal(stream.Tags); err == nil {
			track.MetadataInfo = data
		}
	}
	return track
}

// parseFrameRate turns ffprobe's "24000/1001" fractions into a float.
func parseFrameRate(s string) (float64, bool) {
	if s == "" || s == "0/0" {
		return 0, false
	}
	var num, den float64
	if _, err := fmt.Sscanf(s, "%f/%f", &num, &den); err == nil && den != 0 {
		return num / den, true
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	return 0, false
}
