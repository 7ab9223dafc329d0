// Package gallery assembles multi-file torrent packs: the scene video plus its
// image gallery laid out under the media directory.
package gallery

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/pathmap"
	"github.com/bdbenim/stash-empornium/internal/stash"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

type Method string

const (
	Copy     Method = "copy"
	Hardlink Method = "hardlink"
	Symlink  Method = "symlink"
)

func (m Method) Valid() bool {
	switch m {
	case Copy, Hardlink, Symlink:
		return true
	}
	return false
}

// DefaultImageFormats are extracted from zip galleries when nothing else is
// configured.
var DefaultImageFormats = []string{"jpg", "jpeg", "png"}

// Link places source inside destDir by method. An existing entry of the same
// name is left alone.
func Link(source, destDir string, method Method) error {
	if err := file.EnsureDir(destDir); err != nil {
		return errs.Wrap(err, errs.Config, "prepare %s", destDir)
	}
	dst := filepath.Join(destDir, filepath.Base(source))
	var err error
	switch method {
	case Hardlink:
		err = os.Link(source, dst)
	case Symlink:
		err = os.Symlink(source, dst)
	case Copy:
		if _, statErr := os.Lstat(dst); statErr == nil {
			return nil
		}
		err = file.CopyAtomic(source, dst, 0o666)
	default:
		return errs.New(errs.Config, "move_method must be one of 'hardlink', 'symlink', or 'copy'")
	}
	if err != nil && !errors.Is(err, os.ErrExist) {
		return errs.Wrap(err, errs.BuildFailed, "link %s into %s", source, destDir)
	}
	return nil
}

// Unzip extracts the entries of source whose extension is in exts into dest
// and returns their paths. An ext of ".*" selects every entry.
func Unzip(source, dest string, exts []string) ([]string, error) {
	if err := file.EnsureDir(dest); err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(source)
	if err != nil {
		return nil, errs.Wrap(err, errs.BuildFailed, "open %s", source)
	}
	defer r.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	var out []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !file.MatchExt(f.Name, exts) {
			continue
		}
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, root) {
			return nil, errs.New(errs.BuildFailed, "zip entry %q escapes the destination", f.Name)
		}
		if err := extract(f, target); err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

func extract(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return w.Close()
}

// TorrentDirectory is where a scene's pack is assembled: the scene title
// under mediaDir, or the file's base name without extension when untitled.
func TorrentDirectory(mediaDir, title, basename string) (string, error) {
	if mediaDir == "" {
		return "", errs.New(errs.Config, "media_directory not specified in config").
			WithUserMessage("media_directory not specified in config")
	}
	name := title
	if name == "" {
		name = file.TrimExt(basename)
	}
	if name == "" {
		return "", errs.New(errs.Config, "unable to create directory for torrent")
	}
	return filepath.Join(mediaDir, name), nil
}

// Pack is a gallery laid out for a torrent.
type Pack struct {
	// Dir is the torrent target.
	Dir string
	// Images are local copies usable for a contact sheet.
	Images []string
	// tempDir holds extracted zip contents and is removed by Cleanup.
	tempDir string
}

func (p *Pack) Cleanup() {
	if p == nil || p.tempDir == "" {
		return
	}
	if err := os.RemoveAll(p.tempDir); err != nil {
		log.Warn("Failed to remove %s: %v", p.tempDir, err)
		return
	}
	log.Debug("Deleted %s", p.tempDir)
}

type Options struct {
	MediaDir string
	Method   Method
	Formats  []string
	Maps     pathmap.Table
}

// Read lays out the scene's first gallery under <media dir>/<title>/Gallery.
// Folder galleries are linked file by file; zip galleries are extracted to a
// temp dir and copied. It returns nil when the scene has no usable gallery.
func Read(scene *stash.Scene, basename string, opts Options) (*Pack, error) {
	if len(scene.Galleries) == 0 {
		return nil, nil
	}
	dir, err := TorrentDirectory(opts.MediaDir, scene.Title, basename)
	if err != nil {
		return nil, err
	}
	imageDir := filepath.Join(dir, "Gallery")
	formats := opts.Formats
	if len(formats) == 0 {
		formats = DefaultImageFormats
	}
	g := scene.Galleries[0]

	switch {
	case g.Folder != nil && g.Folder.Path != "":
		source := pathmap.Map(g.Folder.Path, opts.Maps)
		entries, err := os.ReadDir(source)
		if err != nil {
			return nil, errs.Wrap(err, errs.NotFound, "read gallery %s", source)
		}
		if err := file.EnsureDir(imageDir); err != nil {
			return nil, err
		}
		pack := &Pack{Dir: dir}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			src := filepath.Join(source, e.Name())
			if err := Link(src, imageDir, opts.Method); err != nil {
				return nil, err
			}
			pack.Images = append(pack.Images, src)
		}
		return pack, nil

	case len(g.Files) > 0:
		zipPath := pathmap.Map(g.Files[0].Path, opts.Maps)
		tmp, err := os.MkdirTemp("", "stash-empornium-gallery-")
		if err != nil {
			return nil, err
		}
		pack := &Pack{Dir: dir, tempDir: tmp}
		files, err := Unzip(zipPath, tmp, formats)
		if err != nil {
			pack.Cleanup()
			return nil, err
		}
		for _, f := range files {
			if err := file.CopyAtomic(f, filepath.Join(imageDir, filepath.Base(f)), 0o666); err != nil {
				pack.Cleanup()
				return nil, errs.Wrap(err, errs.BuildFailed, "copy gallery image")
			}
		}
		pack.Images = files
		return pack, nil
	}
	return nil, nil
}
