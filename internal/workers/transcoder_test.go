package workers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

func TestBuildCommandUsesSessionTargets(t *testing.T) {
	w := NewTranscoder(nil, logger.Nop(), t.TempDir())
	bitrate := int64(4_000_000)
	session := &domain.TranscodeSession{
		TargetCodec:      "hevc",
		TargetResolution: "1280x720",
		TargetBitrate:    &bitrate,
		StartTimestamp:   "90",
	}

	args, err := w.buildCommand(session, "/media/input.mkv", "/tmp/session/segment")
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c:v hevc")
	assert.Contains(t, joined, "-vf scale=1280x720")
	assert.Contains(t, joined, "-b:v 4000000")
	assert.Contains(t, joined, "-ss 90")
	assert.Contains(t, joined, "-segment_time 5")
	// 90 seconds / 5 second segments + 1
	assert.Contains(t, joined, "-segment_start_number 19")
}

func TestBuildCommandDefaults(t *testing.T) {
	w := NewTranscoder(nil, logger.Nop(), t.TempDir())
	session := &domain.TranscodeSession{}

	args, err := w.buildCommand(session, "/media/input.mkv", "/tmp/session/segment")
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c:v h264")
	assert.NotContains(t, joined, "-vf")
	assert.NotContains(t, joined, "-b:v")
	assert.NotContains(t, joined, "-ss")
}

func TestBuildCommandRejectsBadResolution(t *testing.T) {
	w := NewTranscoder(nil, logger.Nop(), t.TempDir())
	session := &domain.TranscodeSession{TargetResolution: "widescreen"}

	_, err := w.buildCommand(session, "/in.mkv", "/out/segment")
	assert.Error(t, err)
}

func TestParseResolution(t *testing.T) {
	cases := []struct {
		in     string
		width  int
		height int
		ok     bool
	}{
		{"1920x1080", 1920, 1080, true},
		{"1280x720", 1280, 720, true},
		{"640 x 480", 640, 480, true},
		{"1080p", 0, 0, false},
		{"x", 0, 0, false},
		{"1920x0", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		width, height, err := parseResolution(tc.in)
		if tc.ok {
			require.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.width, width, "input %q", tc.in)
			assert.Equal(t, tc.height, height, "input %q", tc.in)
		} else {
			assert.Error(t, err, "input %q", tc.in)
		}
	}
}
