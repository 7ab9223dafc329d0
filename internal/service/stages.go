package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/gallery"
	"github.com/bdbenim/stash-empornium/internal/imagecache"
	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/internal/media"
	"github.com/bdbenim/stash-empornium/internal/tags"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"golang.org/x/sync/errgroup"
)

func (r *run) contactSheet(ctx context.Context) (string, error) {
	if r.screens == "" {
		if urls := r.images.GetImages(ctx, r.file.ID, imagecache.CategoryContact, r.host); imagecache.Complete(urls) {
			log.Debug("Reusing contact sheet of file %s", r.file.ID)
			return urls[0], nil
		}
	}
	out := filepath.Join(r.work, "contact_sheet.jpg")
	if err := r.media.ContactSheet(ctx, r.path, r.cfg.Backend.ContactSheetLayout, out); err != nil {
		return "", errs.Wrap(err, errs.BuildFailed, "contact sheet for %s", r.path).
			WithUserMessage("Failed to generate contact sheet")
	}
	r.keepScreen(out, "contact_sheet.jpg")

	url, digest, err := r.images.GetOrUpload(ctx, out, imagecache.JPEG, r.host, imagecache.UploadOptions{})
	if err != nil {
		return "", errs.Wrap(err, errs.UploadFailed, "upload contact sheet").
			WithUserMessage("Failed to upload contact sheet")
	}
	r.images.SetImages(ctx, r.file.ID, imagecache.CategoryContact, []string{digest})
	return url, nil
}

// cover uploads the catalog screenshot at full size and at width 800. A
// screenshot that is missing or in an unusable format is replaced by a
// frame picked from the video.
func (r *run) cover(ctx context.Context) (coverURLs, error) {
	data, contentType, err := r.stash.Download(ctx, r.scene.Paths.Screenshot)
	m := imagecache.ParseMime(contentType)
	if err != nil || !hostable(m) {
		if err != nil {
			log.Warn("Failed to download screenshot: %v", err)
		} else {
			log.Info("Screenshot has type %q, generating a cover", contentType)
		}
		out := filepath.Join(r.work, "cover.png")
		if err := r.media.Thumbnail(ctx, r.path, out); err != nil {
			return coverURLs{}, errs.Wrap(err, errs.BuildFailed, "thumbnail").
				WithUserMessage("Failed to generate cover")
		}
		if data, err = os.ReadFile(out); err != nil {
			return coverURLs{}, errs.Wrap(err, errs.BuildFailed, "read %s", out).
				WithUserMessage("Failed to generate cover")
		}
		m = imagecache.PNG
	}
	if r.screens != "" {
		if err := file.WriteAtomic(filepath.Join(r.screens, "cover."+m.Ext()), data, 0o644); err != nil {
			log.Warn("Failed to copy cover into %s: %v", r.screens, err)
		}
	}

	full, digest, err := r.images.GetOrUploadBytes(ctx, data, m, r.host, imagecache.UploadOptions{})
	if err != nil {
		return coverURLs{}, errs.Wrap(err, errs.UploadFailed, "upload cover").
			WithUserMessage("Failed to upload cover")
	}
	r.images.SetImages(ctx, r.file.ID, imagecache.CategoryCover, []string{digest})

	resized, _, err := r.images.GetOrUploadBytes(ctx, data, m, r.host, imagecache.UploadOptions{Width: 800, Default: full})
	if err != nil {
		resized = full
	}
	return coverURLs{Full: full, Resized: resized}, nil
}

func (r *run) preview(ctx context.Context) (string, error) {
	if urls := r.images.GetImages(ctx, r.scene.Files[0].ID, imagecache.CategoryPreview, r.host); imagecache.Complete(urls) {
		return urls[0], nil
	}
	data, _, err := r.stash.Download(ctx, r.scene.Paths.Preview)
	if err != nil {
		return "", err
	}
	clip := filepath.Join(r.work, "preview.mp4")
	if err := os.WriteFile(clip, data, 0o644); err != nil {
		return "", err
	}
	out := filepath.Join(r.work, "preview.gif")
	if err := r.media.PreviewGIF(ctx, clip, out, imagecache.DefaultMaxUploadSize); err != nil {
		return "", err
	}
	url, digest, err := r.images.GetOrUpload(ctx, out, imagecache.GIF, r.host, imagecache.UploadOptions{})
	if err != nil {
		return "", err
	}
	// The preview is per scene, so every file shares it.
	for _, f := range r.scene.Files {
		r.images.SetImages(ctx, f.ID, imagecache.CategoryPreview, []string{digest})
	}
	return url, nil
}

func (r *run) galleryContact(ctx context.Context) (string, error) {
	out := filepath.Join(r.work, "gallery_contact.jpg")
	if err := gallery.ContactSheet(r.pack.Images, 800, 200, out); err != nil {
		return "", err
	}
	url, _, err := r.images.GetOrUpload(ctx, out, imagecache.JPEG, r.host, imagecache.UploadOptions{})
	return url, err
}

// sceneImages tags the performers and uploads performer and studio images.
func (r *run) sceneImages(ctx context.Context) (sceneImages, error) {
	perf := r.cfg.Performers
	opts := tags.PerformerOptions{
		TagEthnicity: perf.TagEthnicity,
		TagHairColor: perf.TagHairColor,
		TagEyeColor:  perf.TagEyeColor,
		CupSizes:     perf.CupSizes,
	}
	out := sceneImages{
		Performers: make(map[string]performerInfo, len(r.scene.Performers)),
		StudioLogo: imagecache.DefaultStudioImage,
	}

	for _, p := range r.scene.Performers {
		info := performerInfo{
			Tag: r.session.AddPerformer(tags.Performer{
				Name:         p.Name,
				Ethnicity:    p.Ethnicity,
				HairColor:    p.HairColor,
				EyeColor:     p.EyeColor,
				Measurements: p.Measurements,
			}, opts),
			ImageRemoteURL: imagecache.DefaultPerformerImage,
		}
		if p.ImagePath != "" {
			data, contentType, err := r.stash.Download(ctx, p.ImagePath)
			if err != nil {
				r.warn(fmt.Sprintf("Unable to download image for performer %s", p.Name), err)
			} else {
				m := imagecache.ParseMime(contentType)
				if !hostable(m) {
					return out, errs.New(errs.UploadFailed, "performer %s image has type %q", p.Name, contentType).
						WithUserMessage("Unrecognized performer image format")
				}
				url, _, err := r.images.GetOrUploadBytes(ctx, data, m, r.host,
					imagecache.UploadOptions{Default: imagecache.DefaultPerformerImage})
				if err != nil {
					r.warn(fmt.Sprintf("Unable to upload image for performer %s", p.Name), err)
				} else {
					info.ImageRemoteURL = url
				}
			}
		}
		out.Performers[p.Name] = info
	}

	studio := r.scene.Studio
	if studio == nil || studio.ImagePath == "" || containsDefault(studio.ImagePath) {
		return out, nil
	}
	data, contentType, err := r.stash.Download(ctx, studio.ImagePath)
	if err != nil {
		r.warn("Unable to download studio image", err)
		return out, nil
	}
	m := imagecache.ParseMime(contentType)
	if !hostable(m) && m != imagecache.SVG {
		r.emit(jobs.Warning("Unrecognized studio image file type"))
		return out, nil
	}
	url, _, err := r.images.GetOrUploadBytes(ctx, data, m, r.host,
		imagecache.UploadOptions{Default: imagecache.DefaultStudioImage})
	if err != nil {
		r.warn("Unable to upload studio image", err)
		return out, nil
	}
	out.StudioLogo = url
	return out, nil
}

// screensURLs captures screens_count frames in parallel and uploads them.
func (r *run) screensURLs(ctx context.Context) ([]string, error) {
	if urls := r.images.GetImages(ctx, r.file.ID, imagecache.CategoryScreens, r.host); imagecache.Complete(urls) && r.screens == "" {
		log.Debug("Reusing %d screens of file %s", len(urls), r.file.ID)
		return urls, nil
	}
	seeks := media.ScreenSeeks(r.file.Duration, r.cfg.Backend.ScreensCount)
	urls := make([]string, len(seeks))
	digests := make([]string, len(seeks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, seek := range seeks {
		g.Go(func() error {
			name := fmt.Sprintf("screen_%02d.jpg", i+1)
			out := filepath.Join(r.work, name)
			if err := r.media.Screenshot(gctx, r.path, seek, out); err != nil {
				return err
			}
			r.keepScreen(out, name)
			url, digest, err := r.images.GetOrUpload(gctx, out, imagecache.JPEG, r.host, imagecache.UploadOptions{})
			if err != nil {
				return err
			}
			urls[i], digests[i] = url, digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(err, errs.BuildFailed, "screens for %s", r.path).
			WithUserMessage("Failed to generate screens")
	}
	r.images.SetImages(ctx, r.file.ID, imagecache.CategoryScreens, digests)
	return urls, nil
}

// keepScreen copies a generated image into the torrent's screens folder.
func (r *run) keepScreen(src, name string) {
	if r.screens == "" {
		return
	}
	if err := file.CopyAtomic(src, filepath.Join(r.screens, name), 0o644); err != nil {
		log.Warn("Failed to copy %s into %s: %v", name, r.screens, err)
	}
}

// hostable are the formats image hosts take without conversion.
func hostable(m imagecache.Mime) bool {
	switch m {
	case imagecache.JPEG, imagecache.PNG, imagecache.WEBP:
		return true
	}
	return false
}
