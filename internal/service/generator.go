// Package service turns a catalog scene into a tracker submission.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bdbenim/stash-empornium/internal/config"
	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/gallery"
	"github.com/bdbenim/stash-empornium/internal/imagecache"
	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/internal/media"
	"github.com/bdbenim/stash-empornium/internal/pathmap"
	"github.com/bdbenim/stash-empornium/internal/render"
	"github.com/bdbenim/stash-empornium/internal/stash"
	"github.com/bdbenim/stash-empornium/internal/tags"
	"github.com/bdbenim/stash-empornium/internal/task"
	"github.com/bdbenim/stash-empornium/internal/torrent"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/dustin/go-humanize"
)

type Deps struct {
	Config   *config.Config
	Stash    SceneSource
	Media    media.Operator
	Images   *imagecache.Cache
	Tags     *tags.Engine
	Render   *render.Renderer
	Torrents TorrentBuilder
	// Clients may be nil when no torrent client is configured.
	Clients Notifier
}

type Generator struct {
	cfg      *config.Config
	stash    SceneSource
	media    media.Operator
	images   *imagecache.Cache
	tags     *tags.Engine
	render   *render.Renderer
	torrents TorrentBuilder
	clients  Notifier
}

func NewGenerator(d Deps) *Generator {
	return &Generator{
		cfg:      d.Config,
		stash:    d.Stash,
		media:    d.Media,
		images:   d.Images,
		tags:     d.Tags,
		render:   d.Render,
		torrents: d.Torrents,
		clients:  d.Clients,
	}
}

// Execute adapts Generate to the job manager.
func (g *Generator) Execute(ctx context.Context, job *jobs.Job, emit func(jobs.Event)) error {
	return g.Generate(ctx, job.Params, emit)
}

// run is the state of one generation.
type run struct {
	*Generator
	params   jobs.Params
	emit     func(jobs.Event)
	host     string
	template string
	timeout  time.Duration

	scene   *stash.Scene
	file    stash.File
	path    string
	work    string
	target  string
	screens string
	pack    *gallery.Pack
	session *tags.Session
	stages  []waiter
}

type waiter interface {
	Wait(timeout time.Duration) error
}

func (r *run) info(msg string) {
	r.emit(jobs.Info(msg))
}

func (r *run) warn(msg string, err error) {
	log.Warn("%s: %v", msg, err)
	r.emit(jobs.Warning(msg))
}

// Generate runs the whole pipeline for one request and emits progress, the
// final result and any warnings. A returned error ends the job; its public
// message is what the consumer sees.
func (g *Generator) Generate(ctx context.Context, p jobs.Params, emit func(jobs.Event)) error {
	var emitMu sync.Mutex
	r := &run{
		Generator: g,
		params:    p,
		emit: func(ev jobs.Event) {
			emitMu.Lock()
			defer emitMu.Unlock()
			emit(ev)
		},
		host:     g.cfg.ImageHost(p.Tracker),
		template: p.Template,
		timeout:  g.cfg.StageTimeout(),
	}
	if !g.render.HasTemplate(r.template) {
		r.template = g.cfg.Backend.DefaultTemplate
	}
	log.Info("Generating submission for scene %s (tracker %q, template %s, host %s)", p.SceneID, p.Tracker, r.template, r.host)

	work, err := os.MkdirTemp("", "stash-empornium-")
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "create work dir")
	}
	r.work = work
	defer os.RemoveAll(work)

	if err := r.resolve(ctx); err != nil {
		return err
	}
	defer func() { r.pack.Cleanup() }()
	if err := r.layout(); err != nil {
		return err
	}
	return r.generate(ctx)
}

// resolve loads the scene and finds the local video file.
func (r *run) resolve(ctx context.Context) error {
	r.info("Getting scene metadata")
	scene, err := r.stash.FindScene(ctx, string(r.params.SceneID))
	if err != nil {
		return err
	}
	f, ok := scene.FileByID(string(r.params.FileID))
	if !ok {
		return errs.New(errs.NotFound, "scene %s has no files", scene.ID).
			WithUserMessage("No file exists")
	}
	r.scene, r.file = scene, f
	r.path = pathmap.Map(f.Path, r.cfg.File.Maps)
	if _, err := os.Stat(r.path); err != nil {
		return errs.Wrap(err, errs.NotFound, "stat %s", r.path).
			WithUserMessage("Couldn't find file " + r.path)
	}
	log.Debug("Using file %s (%s)", r.path, humanize.IBytes(uint64(max(f.Size, 0))))
	return nil
}

// layout decides the torrent target: the video itself, or a directory pack
// holding the video plus gallery and screens.
func (r *run) layout() error {
	r.target = r.path
	includeScreens := r.cfg.IncludeScreens(r.params.Tracker)
	opts := gallery.Options{
		MediaDir: r.cfg.Backend.MediaDirectory,
		Method:   gallery.Method(r.cfg.Backend.MoveMethod),
		Formats:  r.cfg.Backend.ImageFormats,
		Maps:     r.cfg.File.Maps,
	}

	if r.params.Gallery {
		r.info("Processing gallery")
		pack, err := gallery.Read(r.scene, r.file.Basename, opts)
		switch {
		case err != nil:
			r.warn("Failed to process gallery", err)
		case pack == nil:
			r.emit(jobs.Warning("Scene has no gallery"))
		default:
			r.pack = pack
		}
	}

	var dir string
	switch {
	case r.pack != nil:
		dir = r.pack.Dir
	case includeScreens:
		var err error
		if dir, err = gallery.TorrentDirectory(opts.MediaDir, r.scene.Title, r.file.Basename); err != nil {
			return err
		}
	default:
		return nil
	}

	if err := gallery.Link(r.path, dir, opts.Method); err != nil {
		return errs.Wrap(err, errs.BuildFailed, "link video into %s", dir).
			WithUserMessage("Failed to prepare torrent directory")
	}
	r.target = dir
	if includeScreens {
		r.screens = filepath.Join(dir, "screens")
		if err := file.EnsureDir(r.screens); err != nil {
			return errs.Wrap(err, errs.BuildFailed, "create %s", r.screens)
		}
	}
	return nil
}

// stageContext bounds one stage by the configured stage timeout.
func (r *run) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// startStage runs fn in the background under its own deadline. The run keeps
// the handle so a failed generation can join it before cleaning up.
func startStage[T any](ctx context.Context, r *run, name string, fn func(context.Context) (T, error)) *task.Future[T] {
	f := task.Go(name, func() (T, error) {
		sctx, cancel := r.stageContext(ctx)
		defer cancel()
		return fn(sctx)
	})
	r.stages = append(r.stages, f)
	return f
}

// abandon cancels the stages still running and waits for them, so nothing
// writes into the work dir or the torrent directories after Generate
// returns. A torrent placed after the failure is removed again.
func (r *run) abandon(cancel context.CancelFunc, torrentF *task.Future[torrent.Artifact]) {
	cancel()
	for _, s := range r.stages {
		_ = s.Wait(r.timeout)
	}
	if torrentF == nil {
		return
	}
	if artifact, err := torrentF.Await(r.timeout); err == nil {
		for _, p := range artifact.Paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to remove abandoned torrent %s: %v", p, err)
			}
		}
	}
}

func (r *run) generate(parent context.Context) (err error) {
	ctx, cancel := context.WithCancel(parent)
	var torrentF *task.Future[torrent.Artifact]
	defer func() {
		if err != nil {
			r.abandon(cancel, torrentF)
		}
		cancel()
	}()

	f := r.file
	title := r.scene.Title
	if title == "" {
		title = f.Basename
	}
	resolution, hasResolution := media.ResolutionLabel(f.Height)
	r.session = r.tags.NewSession(ctx, r.params.Tracker)

	r.info("Generating torrent")
	torrentF = startStage(ctx, r, "torrent", func(ctx context.Context) (torrent.Artifact, error) {
		return r.torrents.Build(ctx, torrent.Request{
			Target:   r.target,
			Name:     f.Basename,
			Size:     f.Size,
			Announce: r.params.AnnounceURL,
		})
	})

	r.info("Generating contact sheet")
	contactF := startStage(ctx, r, "contact sheet", r.contactSheet)

	r.info("Processing cover image")
	coverF := startStage(ctx, r, "cover", r.cover)

	var previewF *task.Future[string]
	if r.cfg.Backend.UsePreview {
		previewF = startStage(ctx, r, "preview", r.preview)
	}

	mediaInfoF := startStage(ctx, r, "media info", func(ctx context.Context) (string, error) {
		return r.media.MediaInfo(ctx, r.path)
	})

	var galleryF *task.Future[string]
	imageCount := 0
	if r.pack != nil && len(r.pack.Images) > 0 {
		imageCount = len(r.pack.Images)
		galleryF = startStage(ctx, r, "gallery contact sheet", r.galleryContact)
	}

	r.info("Processing performers and studio")
	imagesF := startStage(ctx, r, "scene images", r.sceneImages)

	var screens []string
	if r.params.Screens {
		r.info("Generating screens")
		sctx, scancel := r.stageContext(ctx)
		screens, err = r.screensURLs(sctx)
		scancel()
		if err != nil {
			return err
		}
	}

	actx, acancel := r.stageContext(ctx)
	audioBitrate := r.media.AudioBitrate(actx, r.path)
	acancel()

	titleCtx := render.Context{
		"studio":     studioName(r.scene),
		"performers": performerNames(r.scene),
		"title":      title,
		"date":       r.scene.Date,
		"resolution": resolution,
		"codec":      f.VideoCodec,
		"duration":   media.FormatDuration(f.Duration),
		"framerate":  f.FrameRate,
	}
	renderedTitle, err := render.Title(r.cfg.Backend.TitleTemplate, titleCtx)
	if err != nil {
		return err
	}

	studioTag := r.resolveTags(resolution, hasResolution)

	contactURL, err := contactF.Await(r.timeout)
	if err != nil {
		return stageError(err, "Failed to generate contact sheet")
	}
	cover, err := coverF.Await(r.timeout)
	if err != nil {
		return stageError(err, "Failed to upload cover")
	}
	images, err := imagesF.Await(r.timeout)
	if err != nil {
		return stageError(err, "Failed to process performer images")
	}

	var galleryContact string
	if galleryF != nil {
		if galleryContact, err = galleryF.Await(r.timeout); err != nil {
			r.warn("Failed to generate gallery contact sheet", err)
		}
	}

	r.info("Rendering template")
	mediaInfo, err := mediaInfoF.Await(r.timeout)
	switch {
	case errors.Is(err, media.ErrUnavailable):
		mediaInfo = ""
	case err != nil:
		r.warn("Failed to generate media info", err)
		mediaInfo = ""
	}

	descCtx := r.descriptionContext(assets{
		title:          title,
		audioBitrate:   audioBitrate,
		studioTag:      studioTag,
		mediaInfo:      mediaInfo,
		contactSheet:   contactURL,
		galleryContact: galleryContact,
		imageCount:     imageCount,
		cover:          cover,
		images:         images,
		screens:        screens,
	})

	var previewURL string
	if previewF != nil {
		if previewURL, err = previewF.Await(r.timeout); err != nil {
			r.warn("Unable to generate preview GIF", err)
			previewURL = ""
		}
		descCtx["preview"] = previewURL
	}

	description, err := r.render.Description(r.template, descCtx)
	if err != nil {
		return err
	}

	r.info("Waiting for torrent generation to complete")
	artifact, err := torrentF.Await(r.timeout)
	if err != nil {
		return stageError(err, "Failed to save torrent")
	}
	content, err := os.ReadFile(artifact.Primary())
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "read %s", artifact.Primary()).
			WithUserMessage("Failed to save torrent")
	}

	coverURL := cover.Full
	if previewURL != "" && r.cfg.Backend.AnimatedCover {
		coverURL = previewURL
	}
	result := jobs.Event{
		Status: jobs.EventSuccess,
		Data: &jobs.EventData{
			Message: "Done",
			Fill: &jobs.Fill{
				Title:       renderedTitle,
				Cover:       coverURL,
				Tags:        joinTags(r.session.Tags()),
				Description: description,
				TorrentPath: artifact.Primary(),
				FilePath:    r.path,
				Anon:        r.cfg.Backend.Anon,
			},
			File: &jobs.TorrentFile{
				Name:    filepath.Base(artifact.Primary()),
				Content: base64.StdEncoding.EncodeToString(content),
			},
		},
	}
	if s := r.session.Suggestions(); len(s) > 0 {
		result.Data.Suggestions = s
	}
	r.emit(result)
	log.Info("Scene %s ready: %s", r.params.SceneID, renderedTitle)

	if r.clients != nil {
		r.clients.AddAll(ctx, artifact.Primary(), r.target)
	}
	return nil
}

// stageError keeps typed errors from a stage and gives everything else,
// timeouts and panics included, the stage's user message.
func stageError(err error, msg string) error {
	var e *errs.Error
	if errors.As(err, &e) && e.UserMessage != "" {
		return err
	}
	return errs.Wrap(err, errs.BuildFailed, "%s", msg).WithUserMessage(msg)
}
