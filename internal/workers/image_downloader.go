package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/logger"
	"github.com/thandden/mediaserver/internal/platform/tmdb"
)

// ImageDownloader fetches a TMDB image into the image directory under the
// entity id. Downloading the same image twice just overwrites the file.
type ImageDownloader struct {
	db       *gorm.DB
	log      *logger.Logger
	tmdb     *tmdb.Client
	imageDir string
}

func NewImageDownloader(db *gorm.DB, baseLog *logger.Logger, client *tmdb.Client, imageDir string) *ImageDownloader {
	return &ImageDownloader{
		db:       db,
		log:      baseLog.With("worker", "ImageDownloader"),
		tmdb:     client,
		imageDir: imageDir,
	}
}

func (w *ImageDownloader) Type() domain.JobType { return domain.JobTypeImageDownloader }

func (w *ImageDownloader) Execute(ctx context.Context, raw json.RawMessage) ([]jobs.ChildJobSpec, error) {
	var params dto.ImageDownloaderParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode image downloader params: %w", err)
	}
	if params.ImagePath == "" {
		return nil, fmt.Errorf("image_path is required")
	}

	destPath := filepath.Join(w.imageDir, params.EntityID.String(), path.Base(params.ImagePath))

	w.log.Info("Downloading image", "image_path", params.ImagePath, "dest", destPath)
	if err := w.tmdb.DownloadImage(ctx, params.ImagePath, destPath); err != nil {
		return nil, fmt.Errorf("download image %s: %w", params.ImagePath, err)
	}

	return nil, nil
}
