package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

// fakeRunner records invocations and lets each test decide the outcome.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	missing map[string]bool
	handle  func(name string, args []string) (Result, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	if f.handle == nil {
		return Result{}, nil
	}
	return f.handle(name, args)
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", errors.New("not found")
	}
	return "/usr/bin/" + name, nil
}

func writeSized(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestResolutionLabel(t *testing.T) {
	tests := []struct {
		height int
		want   string
		ok     bool
	}{
		{100, "", false},
		{143, "", false},
		{144, "144p", true},
		{239, "144p", true},
		{240, "240p", true},
		{719, "540p", true},
		{720, "720p", true},
		{1080, "1080p", true},
		{1088, "1080p", true},
		{1920, "2160p", true},
		{2160, "2160p", true},
		{3584, "7K", true},
		{6142, "8K", true},
		{6143, "8K+", true},
		{10000, "8K+", true},
	}
	for _, tt := range tests {
		got, ok := ResolutionLabel(tt.height)
		assert.Equal(t, tt.ok, ok, "height %d", tt.height)
		assert.Equal(t, tt.want, got, "height %d", tt.height)
	}
}

func TestResolutionLabelExactlyOneBand(t *testing.T) {
	for h := 0; h < 8000; h++ {
		matches := 0
		for _, band := range resolutionBands {
			if h >= band.min && (band.max == 0 || h < band.max) {
				matches++
			}
		}
		require.LessOrEqual(t, matches, 1, "height %d", h)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "02:05", FormatDuration(125.9))
	assert.Equal(t, "1:02:05", FormatDuration(3725))
	assert.Equal(t, "00:00", FormatDuration(0))
}

func TestScreenSeeks(t *testing.T) {
	seeks := ScreenSeeks(100, 10)
	require.Len(t, seeks, 10)
	assert.InDelta(t, 5.0, seeks[0], 1e-9)
	assert.InDelta(t, 95.0, seeks[9], 1e-9)
	assert.Nil(t, ScreenSeeks(100, 0))
	assert.Equal(t, []float64{50}, ScreenSeeks(100, 1))
}

func TestContactSheetArgs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "contact.jpg")
	runner := &fakeRunner{handle: func(_ string, _ []string) (Result, error) {
		writeSized(t, out, 10)
		return Result{}, nil
	}}
	ff := NewFfmpeg(runner)

	require.NoError(t, ff.ContactSheet(context.Background(), "/v/a.mp4", "3x6", out))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "vcsi", runner.calls[0].name)
	assert.Equal(t, []string{"/v/a.mp4", "-g", "3x6", "-o", out}, runner.calls[0].args)
}

func TestContactSheetFailureIsBuildFailed(t *testing.T) {
	runner := &fakeRunner{handle: func(_ string, _ []string) (Result, error) {
		return Result{Stderr: "no such file"}, errors.New("exit status 1")
	}}
	err := NewFfmpeg(runner).ContactSheet(context.Background(), "/v/a.mp4", "3x6", "/tmp/none.jpg")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BuildFailed))
	assert.Equal(t, "Failed to generate contact sheet", errs.PublicMessage(err))
}

func TestAudioBitrate(t *testing.T) {
	runner := &fakeRunner{handle: func(_ string, _ []string) (Result, error) {
		return Result{Stdout: "128000\n"}, nil
	}}
	assert.Equal(t, "128 kbps", NewFfmpeg(runner).AudioBitrate(context.Background(), "/v/a.mp4"))

	failing := &fakeRunner{handle: func(_ string, _ []string) (Result, error) {
		return Result{}, errors.New("exit status 1")
	}}
	assert.Equal(t, "UNK", NewFfmpeg(failing).AudioBitrate(context.Background(), "/v/a.mp4"))

	garbage := &fakeRunner{handle: func(_ string, _ []string) (Result, error) {
		return Result{Stdout: "N/A"}, nil
	}}
	assert.Equal(t, "UNK", NewFfmpeg(garbage).AudioBitrate(context.Background(), "/v/a.mp4"))
}

func TestMediaInfoUnavailable(t *testing.T) {
	runner := &fakeRunner{missing: map[string]bool{"mediainfo": true}}
	_, err := NewFfmpeg(runner).MediaInfo(context.Background(), "/v/a.mp4")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, runner.calls)
}

func TestPreviewGIFShrinksUntilUnderLimit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "preview.gif")
	sizes := []int{300, 200, 90}
	var widths []string
	runner := &fakeRunner{handle: func(_ string, args []string) (Result, error) {
		filter := args[3]
		widths = append(widths, strings.SplitN(strings.TrimPrefix(filter, "fps=10,scale="), ":", 2)[0])
		writeSized(t, out, sizes[len(widths)-1])
		return Result{}, nil
	}}

	require.NoError(t, NewFfmpeg(runner).PreviewGIF(context.Background(), "/tmp/p.mp4", out, 100))
	assert.Equal(t, []string{"320", "310", "300"}, widths)
}
