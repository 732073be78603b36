package workers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanDirectoryFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "movie.mkv"), "a")
	writeFile(t, filepath.Join(dir, "nested", "episode.mp4"), "b")
	writeFile(t, filepath.Join(dir, "notes.txt"), "c")

	scanner := NewMediaScanner(nil, logger.Nop(), nil)
	found, err := scanner.scanDirectory(dto.MediaScannerParams{
		DirPath:        dir,
		FileExtensions: []string{".mkv", ".mp4"},
	})
	require.NoError(t, err)

	require.Len(t, found, 2)
	assert.Contains(t, found, filepath.Join(dir, "movie.mkv"))
	assert.Contains(t, found, filepath.Join(dir, "nested", "episode.mp4"))
}

func TestScanDirectoryWithPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "season1", "e01.mkv"), "a")
	writeFile(t, filepath.Join(dir, "season1", "e01.srt"), "b")
	writeFile(t, filepath.Join(dir, "sample", "sample.mkv"), "c")

	scanner := NewMediaScanner(nil, logger.Nop(), nil)
	found, err := scanner.scanDirectory(dto.MediaScannerParams{
		DirPath:      dir,
		FilePatterns: []string{"season*/**/*.mkv", "season*/*.mkv"},
	})
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, filepath.Join(dir, "season1", "e01.mkv"), found[0])
}

func TestScanDirectoryMissingPath(t *testing.T) {
	scanner := NewMediaScanner(nil, logger.Nop(), nil)
	_, err := scanner.scanDirectory(dto.MediaScannerParams{
		DirPath: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	assert.Error(t, err)
}

func TestHashFileIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	writeFile(t, path, "identical content")

	first, err := hashFile(path)
	require.NoError(t, err)
	second, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 32)

	_, err = hashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
