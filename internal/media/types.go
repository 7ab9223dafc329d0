package media

import (
	"context"
	"errors"
)

// ErrUnavailable marks an optional tool that is not installed.
var ErrUnavailable = errors.New("tool not installed")

// Result is the captured output of one external process.
type Result struct {
	Stdout string
	Stderr string
}

// Runner invokes external programs. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	LookPath(name string) (string, error)
}

// Operator is the set of media tools the generation pipeline drives.
type Operator interface {
	ContactSheet(ctx context.Context, video, layout, out string) error
	Thumbnail(ctx context.Context, video, out string) error
	Screenshot(ctx context.Context, video string, seek float64, out string) error
	AudioBitrate(ctx context.Context, video string) string
	MediaInfo(ctx context.Context, video string) (string, error)
	PreviewGIF(ctx context.Context, clip, out string, maxSize int64) error
	ToGIF(ctx context.Context, in, out string) error
}
