package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBasicCommand(t *testing.T) {
	args, err := NewCommandBuilder().
		VideoCodec("h264").
		AudioCodec("aac").
		InputPath("/media/input.mkv").
		OutputPath("/tmp/session/segment").
		SegmentDuration(6).
		Build()
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-i /media/input.mkv")
	assert.Contains(t, joined, "-c:v h264")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-f segment")
	assert.Contains(t, joined, "-segment_time 6")
	assert.Equal(t, "/tmp/session/segment_%03d.ts", args[len(args)-1])
}

func TestBuildRequiresCodec(t *testing.T) {
	_, err := NewCommandBuilder().
		InputPath("/in.mkv").
		OutputPath("/out/seg").
		Build()
	assert.ErrorIs(t, err, ErrNoCodec)
}

func TestBuildRequiresPaths(t *testing.T) {
	_, err := NewCommandBuilder().
		VideoCodec("h264").
		Build()
	assert.ErrorIs(t, err, ErrNoPaths)
}

func TestBuildVideoOptions(t *testing.T) {
	args, err := NewCommandBuilder().
		VideoCodec("hevc").
		Resolution(1920, 1080).
		ColorDepth(Bit10).
		QualityPreset("slow").
		InputPath("/in.mkv").
		OutputPath("/out/seg").
		Build()
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-vf scale=1920x1080")
	assert.Contains(t, joined, "-pix_fmt yuv420p10le")
	assert.Contains(t, joined, "-preset slow")
}

func TestVideoBitrate(t *testing.T) {
	args, err := NewCommandBuilder().
		VideoCodec("h264").
		VideoBitrate(4_000_000).
		InputPath("/in.mkv").
		OutputPath("/out/seg").
		Build()
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "-b:v 4000000")

	// Unset bitrate leaves the flag out entirely.
	args, err = NewCommandBuilder().
		VideoCodec("h264").
		InputPath("/in.mkv").
		OutputPath("/out/seg").
		Build()
	require.NoError(t, err)
	assert.NotContains(t, strings.Join(args, " "), "-b:v")
}

func TestAudioOnlyCommandSkipsVideoChain(t *testing.T) {
	args, err := NewCommandBuilder().
		AudioCodec("aac").
		InputPath("/in.flac").
		OutputPath("/out/seg").
		Build()
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "-c:v")
	assert.Contains(t, joined, "-c:a aac")
}

func TestStartTimestampDrivesSegmentNumbering(t *testing.T) {
	args, err := NewCommandBuilder().
		VideoCodec("h264").
		InputPath("/in.mkv").
		OutputPath("/out/seg").
		SegmentDuration(10).
		StartTimestamp("00:01:30").
		Build()
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-ss 00:01:30")
	assert.Contains(t, joined, "-segment_format mpegts")
	// 90 seconds / 10 second segments + 1
	assert.Contains(t, joined, "-segment_start_number 10")
	assert.True(t, strings.Index(joined, "-ss") < strings.Index(joined, "-i"),
		"-ss must precede -i for input seeking")
}

func TestCalculateHLSStartNumber(t *testing.T) {
	cases := []struct {
		timestamp string
		segment   int
		want      int
	}{
		{"", 10, 1},
		{"90", 10, 10},
		{"00:01:30", 10, 10},
		{"01:30", 10, 10},
		{"45", 10, 5},
		{"0", 10, 1},
		{"garbage", 10, 1},
	}
	for _, tc := range cases {
		b := NewCommandBuilder().SegmentDuration(tc.segment)
		if tc.timestamp != "" {
			b.StartTimestamp(tc.timestamp)
		}
		assert.Equal(t, tc.want, b.CalculateHLSStartNumber(), "timestamp %q", tc.timestamp)
	}
}

func TestManualStartNumberOverridesCalculation(t *testing.T) {
	args, err := NewCommandBuilder().
		VideoCodec("h264").
		InputPath("/in.mkv").
		OutputPath("/out/seg").
		SegmentDuration(10).
		StartTimestamp("90").
		HLSStartNumber(42).
		Build()
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "-segment_start_number 42")
}

func TestManifestGenerator(t *testing.T) {
	manifest := ManifestGenerator{
		DurationSeconds: 25,
		SegmentDuration: 10,
		SessionID:       "abc",
	}.Generate()

	lines := strings.Split(manifest, "\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Contains(t, manifest, "#EXT-X-TARGETDURATION:10")
	assert.Contains(t, manifest, "abc_000.ts")
	assert.Contains(t, manifest, "abc_001.ts")
	assert.Contains(t, manifest, "abc_002.ts")
	assert.NotContains(t, manifest, "abc_003.ts")
	assert.Equal(t, "#EXT-X-ENDLIST", lines[len(lines)-1])
}
