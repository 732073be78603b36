package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/ffmpeg"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

const transcodePollInterval = 1 * time.Second

/*
Transcoder drives one transcode_sessions row to completion.

The session row is the control channel: a PENDING session starts ffmpeg, an
external write to INACTIVE stops it, an ffmpeg failure lands on ERROR with
the message recorded. The worker owns the ffmpeg process for the duration of
the job; when the job is re-run after a crash the session restarts from its
recorded state.
*/
type Transcoder struct {
	db           *gorm.DB
	log          *logger.Logger
	transcodeDir string
}

func NewTranscoder(db *gorm.DB, baseLog *logger.Logger, transcodeDir string) *Transcoder {
	return &Transcoder{
		db:           db,
		log:          baseLog.With("worker", "Transcoder"),
		transcodeDir: transcodeDir,
	}
}

func (w *Transcoder) Type() domain.JobType { return domain.JobTypeTranscoder }

func (w *Transcoder) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.TranscoderParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode transcoder params: %w", err)
	}

	session, file, err := w.loadSession(ctx, params.TranscodeSessionID)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case domain.TranscodeStateCompleted, domain.TranscodeStateInactive:
		w.log.Info("Transcode session already finished", "session_id", session.ID, "state", session.State)
		return nil, nil
	case domain.TranscodeStateError:
		return nil, fmt.Errorf("transcode session %s is in ERROR state: %s", session.ID, session.ErrorMessage)
	}

	if err := w.applyTargetOverrides(ctx, session, params); err != nil {
		return nil, err
	}

	outputBase := session.OutputPath
	if outputBase == "" {
		outputBase = filepath.Join(w.transcodeDir, session.ID.String(), "segment")
		if err := w.updateSession(ctx, session.ID, map[string]interface{}{"output_path": outputBase}); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(outputBase), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	args, err := w.buildCommand(session, file.Path, outputBase)
	if err != nil {
		w.failSession(ctx, session.ID, err)
		return nil, fmt.Errorf("build ffmpeg command: %w", err)
	}

	if err := w.updateSession(ctx, session.ID, map[string]interface{}{
		"state": domain.TranscodeStateActive,
	}); err != nil {
		return nil, err
	}

	if err := w.runFFmpeg(ctx, session.ID, args); err != nil {
		if errors.Is(err, errSessionStopped) {
			w.log.Info("Transcode session stopped", "session_id", session.ID)
			return nil, nil
		}
		w.failSession(ctx, session.ID, err)
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}

	now := time.Now().UTC()
	if err := w.updateSession(ctx, session.ID, map[string]interface{}{
		"state":        domain.TranscodeStateCompleted,
		"completed_at": now,
	}); err != nil {
		return nil, err
	}
	w.log.Info("Transcode completed", "session_id", session.ID)
	return nil, nil
}

var errSessionStopped = errors.New("transcode session stopped externally")

const defaultVideoCodec = "h264"

// applyTargetOverrides writes any encode targets carried on the job params
// onto the session row, so the session stays the single record of what was
// asked for.
func (w *Transcoder) applyTargetOverrides(ctx context.Context, session *domain.TranscodeSession, params dto.TranscoderParams) error {
	updates := map[string]interface{}{}
	if params.TargetCodec != "" && params.TargetCodec != session.TargetCodec {
		session.TargetCodec = params.TargetCodec
		updates["target_codec"] = params.TargetCodec
	}
	if params.TargetResolution != "" && params.TargetResolution != session.TargetResolution {
		session.TargetResolution = params.TargetResolution
		updates["target_resolution"] = params.TargetResolution
	}
	if params.TargetBitrate != nil {
		session.TargetBitrate = params.TargetBitrate
		updates["target_bitrate"] = *params.TargetBitrate
	}
	if len(updates) == 0 {
		return nil
	}
	return w.updateSession(ctx, session.ID, updates)
}

// buildCommand assembles the segmented HLS command from the session's encode
// targets: codec (h264 when unset), WxH resolution, bitrate, and the start
// offset that drives the segment numbering.
func (w *Transcoder) buildCommand(session *domain.TranscodeSession, inputPath, outputBase string) ([]string, error) {
	codec := session.TargetCodec
	if codec == "" {
		codec = defaultVideoCodec
	}

	builder := ffmpeg.NewCommandBuilder().
		VideoCodec(codec).
		AudioCodec("aac").
		SegmentDuration(5).
		InputPath(inputPath).
		OutputPath(outputBase)

	if session.TargetResolution != "" {
		width, height, err := parseResolution(session.TargetResolution)
		if err != nil {
			return nil, err
		}
		builder.Resolution(width, height)
	}
	if session.TargetBitrate != nil && *session.TargetBitrate > 0 {
		builder.VideoBitrate(*session.TargetBitrate)
	}
	if session.StartTimestamp != "" {
		builder.StartTimestamp(session.StartTimestamp)
	}
	return builder.Build()
}

// parseResolution splits a "1920x1080" style target into its dimensions.
func parseResolution(s string) (int, int, error) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid target resolution %q", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid target resolution %q", s)
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid target resolution %q", s)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid target resolution %q", s)
	}
	return width, height, nil
}

// runFFmpeg runs the command while watching the session row: an external
// flip to INACTIVE kills the process.
func (w *Transcoder) runFFmpeg(ctx context.Context, sessionID uuid.UUID, args []string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	ffmpegDone := make(chan error, 1)
	go func() { ffmpegDone <- cmd.Wait() }()

	stopped := false
	for {
		select {
		case err := <-ffmpegDone:
			if stopped {
				return errSessionStopped
			}
			if err != nil {
				return fmt.Errorf("%w: %s", err, lastLine(stderr.String()))
			}
			return nil
		case <-time.After(transcodePollInterval):
			var state domain.TranscodeState
			err := w.db.WithContext(ctx).Model(&domain.TranscodeSession{}).
				Where("id = ?", sessionID).
				Pluck("state", &state).Error
			if err != nil {
				w.log.Warn("Failed to poll transcode session state", "error", err)
				continue
			}
			if state == domain.TranscodeStateInactive {
				stopped = true
				cancel()
			}
		}
	}
}

func (w *Transcoder) loadSession(ctx context.Context, sessionID uuid.UUID) (*domain.TranscodeSession, *domain.File, error) {
	var session domain.TranscodeSession
	if err := w.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("transcode session %s not found", sessionID)
		}
		return nil, nil, err
	}
	var file domain.File
	if err := w.db.WithContext(ctx).Where("id = ?", session.FileID).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("file %s for transcode session not found", session.FileID)
		}
		return nil, nil, err
	}
	return &session, &file, nil
}

func (w *Transcoder) updateSession(ctx context.Context, sessionID uuid.UUID, updates map[string]interface{}) error {
	return w.db.WithContext(ctx).Model(&domain.TranscodeSession{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

func (w *Transcoder) failSession(ctx context.Context, sessionID uuid.UUID, cause error) {
	if err := w.updateSession(ctx, sessionID, map[string]interface{}{
		"state":         domain.TranscodeStateError,
		"error_message": cause.Error(),
	}); err != nil {
		w.log.Error("Failed to record transcode error", "session_id", sessionID, "error", err)
	}
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}
