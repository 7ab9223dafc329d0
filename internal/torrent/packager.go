// Package torrent builds .torrent files with mktorrent and registers them
// with the torrent clients seeding the content.
package torrent

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/media"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

const (
	minPieceExp = 15
	maxPieceExp = 24
	source      = "Emp"
)

// Artifact is a torrent placed in every configured torrent directory.
type Artifact struct {
	Paths    []string
	Target   string
	InfoHash string
}

// Primary is the copy handed back to the submitter.
func (a Artifact) Primary() string {
	if len(a.Paths) == 0 {
		return ""
	}
	return a.Paths[0]
}

type Request struct {
	// Target is the file or directory to hash.
	Target string
	// Name is the base name of the placed .torrent files.
	Name     string
	Size     int64
	Announce string
	// PieceLength is the log2 piece size; zero derives it from Size.
	PieceLength int
}

type Packager struct {
	runner media.Runner
	dirs   []string
	cmd    string
}

func NewPackager(runner media.Runner, dirs []string) *Packager {
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &Packager{runner: runner, dirs: dirs, cmd: "mktorrent"}
}

// PieceLength returns log2 of the piece size for content of the given size,
// kept within what trackers accept.
func PieceLength(size int64) int {
	if size <= 0 {
		return minPieceExp
	}
	exp := int(math.Log2(float64(size) / 1024))
	return min(max(exp, minPieceExp), maxPieceExp)
}

// Build runs mktorrent in a private temp dir and copies the result into each
// torrent directory. Either every copy is placed or none is.
func (p *Packager) Build(ctx context.Context, req Request) (Artifact, error) {
	if len(p.dirs) == 0 {
		return Artifact{}, errs.New(errs.Config, "no torrent directories configured")
	}
	piece := req.PieceLength
	if piece == 0 {
		piece = PieceLength(req.Size)
	}

	tmpDir, err := os.MkdirTemp("", "stash-empornium-torrent-")
	if err != nil {
		return Artifact{}, errs.Wrap(err, errs.BuildFailed, "create temp dir")
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, file.SafeName(req.Name)+".torrent")
	args := []string{
		"-l", strconv.Itoa(piece),
		"-s", source,
		"-a", req.Announce,
		"-p",
		"-v",
		"-o", tmpPath,
		req.Target,
	}
	log.Debug("Saving torrent to %s", tmpPath)
	res, err := p.runner.Run(ctx, p.cmd, args...)
	if err != nil {
		return Artifact{}, errs.Wrap(err, errs.BuildFailed, "mktorrent failed, command: %s %s", p.cmd, strings.Join(args, " ")).
			WithContext("stderr", strings.TrimSpace(res.Stderr)).
			WithUserMessage("Couldn't generate torrent")
	}

	hash, err := InfoHash(tmpPath)
	if err != nil {
		return Artifact{}, errs.Wrap(err, errs.BuildFailed, "read generated torrent").
			WithUserMessage("Couldn't generate torrent")
	}

	if err := ctx.Err(); err != nil {
		return Artifact{}, errs.Wrap(err, errs.BuildFailed, "torrent for %s abandoned", req.Name)
	}
	placed := make([]string, 0, len(p.dirs))
	for _, dir := range p.dirs {
		dst := filepath.Join(dir, req.Name+".torrent")
		if err := file.CopyAtomic(tmpPath, dst, 0o644); err != nil {
			for _, done := range placed {
				_ = os.Remove(done)
			}
			return Artifact{}, errs.Wrap(err, errs.BuildFailed, "place torrent in %s", dir).
				WithUserMessage("Couldn't save torrent file")
		}
		placed = append(placed, dst)
	}
	log.Debug("Moved torrent to %v", placed)
	return Artifact{Paths: placed, Target: req.Target, InfoHash: hash}, nil
}

// InfoHash is the hex sha1 of a torrent's bencoded info dictionary.
func InfoHash(path string) (string, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return "", err
	}
	return mi.HashInfoBytes().HexString(), nil
}
