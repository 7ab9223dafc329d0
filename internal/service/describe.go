package service

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/bdbenim/stash-empornium/internal/media"
	"github.com/bdbenim/stash-empornium/internal/render"
	"github.com/bdbenim/stash-empornium/internal/stash"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// assets are the finished pieces a description is rendered from.
type assets struct {
	title          string
	audioBitrate   string
	studioTag      string
	mediaInfo      string
	contactSheet   string
	galleryContact string
	imageCount     int
	cover          coverURLs
	images         sceneImages
	screens        []string
}

// resolveTags fills the session from catalog tags and file metadata and
// returns the studio tag.
func (r *run) resolveTags(resolution string, hasResolution bool) string {
	for _, t := range r.scene.Tags {
		r.resolveTag(t.Name)
		for _, p := range t.Parents {
			r.resolveTag(p.Name)
		}
	}

	md, f := r.cfg.Metadata, r.file
	if md.TagCodec && f.VideoCodec != "" {
		r.session.Add(f.VideoCodec)
	}
	if md.TagDate {
		if parts := strings.Split(r.scene.Date, "-"); len(parts) == 3 {
			r.session.Add(parts[0])
			r.session.Add(parts[0] + "." + parts[1])
			r.session.Add(strings.Join(parts, "."))
		}
	}
	if md.TagFramerate && f.FrameRate > 0 {
		r.session.Add(fmt.Sprintf("%d.fps", int(math.Round(f.FrameRate))))
	}
	if md.TagResolution && hasResolution {
		r.session.Add(resolution)
	}

	var studioTag string
	if s := r.scene.Studio; s != nil {
		if host := urlHost(s.URL); host != "" {
			studioTag = r.session.Add(host)
		}
		if s.ParentStudio != nil {
			if host := urlHost(s.ParentStudio.URL); host != "" {
				r.session.Add(host)
			}
		}
	}
	return studioTag
}

func (r *run) resolveTag(name string) {
	if err := r.session.Resolve(name); err != nil {
		log.Warn("Failed to resolve tag %q: %v", name, err)
	}
}

func (r *run) descriptionContext(a assets) render.Context {
	f := r.file
	performers := make(map[string]map[string]string, len(a.images.Performers))
	for name, p := range a.images.Performers {
		performers[name] = p.templateValue()
	}

	ctx := render.Context{
		"studio":          studioName(r.scene),
		"studio_logo":     a.images.StudioLogo,
		"studiotag":       a.studioTag,
		"director":        r.scene.Director,
		"title":           a.title,
		"date":            render.FormatDate(r.cfg.Backend.DateFormat, r.scene.Date),
		"details":         nilIfEmpty(r.scene.Details),
		"duration":        media.FormatDuration(f.Duration),
		"container":       f.Format,
		"video_codec":     f.VideoCodec,
		"audio_codec":     f.AudioCodec,
		"audio_bitrate":   a.audioBitrate,
		"resolution":      fmt.Sprintf("%d×%d", f.Width, f.Height),
		"bitrate":         fmt.Sprintf("%.2f Mb/s", float64(f.BitRate)/(1<<20)),
		"framerate":       fmt.Sprintf("%v fps", f.FrameRate),
		"screens":         nil,
		"contact_sheet":   a.contactSheet,
		"performers":      performers,
		"cover":           a.cover.Resized,
		"image_count":     a.imageCount,
		"gallery_contact": nilIfEmpty(a.galleryContact),
		"media_info":      a.mediaInfo,
		"pad":             "",
	}
	if len(a.screens) > 0 {
		ctx["screens"] = a.screens
	}
	for category, names := range r.session.CategoryLists() {
		ctx[category] = strings.Join(names, ", ")
	}
	return ctx
}

func studioName(s *stash.Scene) string {
	if s.Studio == nil {
		return ""
	}
	return s.Studio.Name
}

func performerNames(s *stash.Scene) []string {
	names := make([]string, 0, len(s.Performers))
	for _, p := range s.Performers {
		names = append(names, p.Name)
	}
	return names
}

// urlHost is the host of raw without a leading "www.".
func urlHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

func joinTags(tags []string) string {
	return strings.Join(tags, " ")
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func containsDefault(imagePath string) bool {
	return strings.Contains(imagePath, "default=true")
}
