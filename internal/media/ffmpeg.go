package media

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/dustin/go-humanize"
)

const previewStartWidth = 320

type ffmpeg struct {
	runner       Runner
	ffmpegCmd    string
	ffprobeCmd   string
	vcsiCmd      string
	mediainfoCmd string
}

func NewFfmpeg(runner Runner) ffmpeg {
	if runner == nil {
		runner = ExecRunner{}
	}
	return ffmpeg{
		runner:       runner,
		ffmpegCmd:    "ffmpeg",
		ffprobeCmd:   "ffprobe",
		vcsiCmd:      "vcsi",
		mediainfoCmd: "mediainfo",
	}
}

func NewOperator(runner Runner) Operator {
	return NewFfmpeg(runner)
}

// ContactSheet renders a grid of frames with vcsi.
func (ff ffmpeg) ContactSheet(ctx context.Context, video, layout, out string) error {
	res, err := ff.runner.Run(ctx, ff.vcsiCmd, video, "-g", layout, "-o", out)
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "vcsi failed for %s", video).
			WithContext("stderr", tail(res.Stderr)).
			WithUserMessage("Failed to generate contact sheet")
	}
	return expectFile(out, "contact sheet")
}

// Thumbnail picks a representative frame shortly after the start.
func (ff ffmpeg) Thumbnail(ctx context.Context, video, out string) error {
	res, err := ff.runner.Run(ctx, ff.ffmpegCmd,
		"-ss", "30",
		"-i", video,
		"-vf", "thumbnail=300",
		"-frames:v", "1",
		out,
		"-y",
	)
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "ffmpeg thumbnail failed for %s", video).
			WithContext("stderr", tail(res.Stderr)).
			WithUserMessage("Failed to generate cover")
	}
	return expectFile(out, "thumbnail")
}

func (ff ffmpeg) Screenshot(ctx context.Context, video string, seek float64, out string) error {
	res, err := ff.runner.Run(ctx, ff.ffmpegCmd,
		"-v", "error",
		"-y",
		"-ss", strconv.FormatFloat(seek, 'f', 3, 64),
		"-i", video,
		"-frames:v", "1",
		"-vf", "scale=960:-2",
		out,
	)
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "ffmpeg screenshot at %.1fs failed", seek).
			WithContext("stderr", tail(res.Stderr))
	}
	return expectFile(out, "screenshot")
}

// AudioBitrate reports the first audio stream's bitrate, or "UNK".
func (ff ffmpeg) AudioBitrate(ctx context.Context, video string) string {
	res, err := ff.runner.Run(ctx, ff.ffprobeCmd,
		"-v", "0",
		"-select_streams", "a:0",
		"-show_entries", "stream=bit_rate",
		"-of", "compact=p=0:nk=1",
		video,
	)
	if err != nil {
		log.Warn("Unable to determine audio bitrate: %v", err)
		return "UNK"
	}
	bps, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		log.Warn("Unable to parse audio bitrate %q", strings.TrimSpace(res.Stdout))
		return "UNK"
	}
	return fmt.Sprintf("%d kbps", bps/1000)
}

// MediaInfo returns mediainfo's report, or ErrUnavailable when the binary is
// not installed.
func (ff ffmpeg) MediaInfo(ctx context.Context, video string) (string, error) {
	if _, err := ff.runner.LookPath(ff.mediainfoCmd); err != nil {
		return "", ErrUnavailable
	}
	res, err := ff.runner.Run(ctx, ff.mediainfoCmd, video)
	if err != nil {
		return "", errs.Wrap(err, errs.ProbeFailed, "mediainfo failed for %s", video).
			WithContext("stderr", tail(res.Stderr))
	}
	return res.Stdout, nil
}

// PreviewGIF converts a preview clip into a palette-optimised GIF, narrowing
// it 10px at a time until it fits within maxSize.
func (ff ffmpeg) PreviewGIF(ctx context.Context, clip, out string, maxSize int64) error {
	width := previewStartWidth
	for {
		res, err := ff.runner.Run(ctx, ff.ffmpegCmd,
			"-i", clip,
			"-vf", fmt.Sprintf("fps=10,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse", width),
			out,
			"-y",
		)
		if err != nil {
			return errs.Wrap(err, errs.BuildFailed, "ffmpeg preview GIF failed").
				WithContext("stderr", tail(res.Stderr)).
				WithUserMessage("Error generating preview GIF")
		}
		info, err := os.Stat(out)
		if err != nil {
			return errs.Wrap(err, errs.BuildFailed, "preview GIF missing")
		}
		if info.Size() <= maxSize {
			return nil
		}
		width -= 10
		if width <= 0 {
			return errs.New(errs.BuildFailed, "preview GIF cannot be shrunk below %s", humanize.Bytes(uint64(maxSize))).
				WithUserMessage("Unable to generate preview GIF (too long)")
		}
		log.Debug("Preview GIF is %s, retrying at width %d", humanize.Bytes(uint64(info.Size())), width)
	}
}

// ToGIF re-encodes an (animated) image as GIF.
func (ff ffmpeg) ToGIF(ctx context.Context, in, out string) error {
	res, err := ff.runner.Run(ctx, ff.ffmpegCmd, "-v", "error", "-i", in, out, "-y")
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "ffmpeg gif conversion failed for %s", in).
			WithContext("stderr", tail(res.Stderr))
	}
	return expectFile(out, "gif")
}

func expectFile(path, what string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return errs.New(errs.BuildFailed, "%s was not produced at %s", what, path)
	}
	return nil
}

func tail(s string) string {
	const limit = 512
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
