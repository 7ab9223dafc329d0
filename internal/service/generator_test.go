package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdbenim/stash-empornium/internal/config"
	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/imagecache"
	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/internal/media"
	"github.com/bdbenim/stash-empornium/internal/pathmap"
	"github.com/bdbenim/stash-empornium/internal/persistence"
	"github.com/bdbenim/stash-empornium/internal/render"
	"github.com/bdbenim/stash-empornium/internal/stash"
	"github.com/bdbenim/stash-empornium/internal/tags"
	"github.com/bdbenim/stash-empornium/internal/torrent"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageBytes(t *testing.T, w, h int, jpg bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: uint8(x), G: uint8(w), B: uint8(h), A: 255})
	}
	var buf bytes.Buffer
	if jpg {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	} else {
		require.NoError(t, png.Encode(&buf, img))
	}
	return buf.Bytes()
}

func digestOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// countingHost records how often each digest was uploaded.
type countingHost struct {
	mu      sync.Mutex
	uploads map[string]int
}

func (h *countingHost) Name() string { return "jerking" }

func (h *countingHost) Upload(_ context.Context, data []byte, m imagecache.Mime) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := digestOf(data)
	h.uploads[d]++
	return "https://img.test/" + d + "." + m.Ext(), nil
}

func (h *countingHost) count(digest string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uploads[digest]
}

type fakeStash struct {
	scene  *stash.Scene
	assets map[string]asset
}

type asset struct {
	data        []byte
	contentType string
}

func (f *fakeStash) FindScene(_ context.Context, id string) (*stash.Scene, error) {
	if f.scene == nil || f.scene.ID != id {
		return nil, errs.New(errs.NotFound, "scene %s not found", id).WithUserMessage("Scene does not exist")
	}
	return f.scene, nil
}

func (f *fakeStash) Download(_ context.Context, url string) ([]byte, string, error) {
	a, ok := f.assets[url]
	if !ok {
		return nil, "", errs.New(errs.NotFound, "download %s: status 404", url)
	}
	return a.data, a.contentType, nil
}

// fakeOperator stands in for ffmpeg, vcsi and mediainfo.
type fakeOperator struct {
	t         *testing.T
	mu        sync.Mutex
	calls     map[string]int
	mediaInfo string
	contact   []byte
	// hang names the tools that run until their context ends.
	hang       map[string]bool
	contactErr error
}

func (o *fakeOperator) stall(ctx context.Context, name string) error {
	if !o.hang[name] {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (o *fakeOperator) called(name string) {
	o.mu.Lock()
	o.calls[name]++
	o.mu.Unlock()
}

func (o *fakeOperator) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[name]
}

func (o *fakeOperator) ContactSheet(_ context.Context, _, layout, out string) error {
	o.called("contact")
	assert.Equal(o.t, "3x6", layout)
	if o.contactErr != nil {
		return o.contactErr
	}
	return os.WriteFile(out, o.contact, 0o644)
}

func (o *fakeOperator) Thumbnail(_ context.Context, _, out string) error {
	o.called("thumbnail")
	return os.WriteFile(out, imageBytes(o.t, 40, 30, false), 0o644)
}

func (o *fakeOperator) Screenshot(ctx context.Context, _ string, seek float64, out string) error {
	o.called("screenshot")
	if err := o.stall(ctx, "screenshot"); err != nil {
		return err
	}
	return os.WriteFile(out, imageBytes(o.t, 20+int(seek), 10, true), 0o644)
}

func (o *fakeOperator) AudioBitrate(ctx context.Context, _ string) string {
	if o.stall(ctx, "audio") != nil {
		return ""
	}
	return "128 kbps"
}

func (o *fakeOperator) MediaInfo(ctx context.Context, _ string) (string, error) {
	o.called("mediainfo")
	if err := o.stall(ctx, "mediainfo"); err != nil {
		return "", err
	}
	if o.mediaInfo == "" {
		return "", media.ErrUnavailable
	}
	return o.mediaInfo, nil
}

func (o *fakeOperator) PreviewGIF(ctx context.Context, _, out string, _ int64) error {
	o.called("preview")
	if err := o.stall(ctx, "preview"); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("GIF89a"), 0o644)
}

func (o *fakeOperator) ToGIF(context.Context, string, string) error {
	return nil
}

type fakeBuilder struct {
	dir  string
	err  error
	reqs []torrent.Request
	// delay is spent before placing the torrent, ignoring cancellation.
	delay time.Duration
	// hang blocks until the context ends.
	hang bool
}

func (b *fakeBuilder) Build(ctx context.Context, req torrent.Request) (torrent.Artifact, error) {
	b.reqs = append(b.reqs, req)
	if b.err != nil {
		return torrent.Artifact{}, b.err
	}
	if b.hang {
		<-ctx.Done()
		return torrent.Artifact{}, ctx.Err()
	}
	time.Sleep(b.delay)
	p := filepath.Join(b.dir, req.Name+".torrent")
	if err := os.WriteFile(p, []byte("d4:infod4:name"+req.Name+"ee"), 0o644); err != nil {
		return torrent.Artifact{}, err
	}
	return torrent.Artifact{Paths: []string{p}, Target: req.Target}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	added [][2]string
}

func (n *fakeNotifier) AddAll(_ context.Context, torrentPath, contentPath string) {
	n.mu.Lock()
	n.added = append(n.added, [2]string{torrentPath, contentPath})
	n.mu.Unlock()
}

type harness struct {
	gen      *Generator
	cfg      *config.Config
	stash    *fakeStash
	op       *fakeOperator
	host     *countingHost
	builder  *fakeBuilder
	notifier *fakeNotifier
	cover    []byte
	video    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	mediaDir := filepath.Join(root, "media")
	require.NoError(t, os.MkdirAll(mediaDir, 0o755))
	video := filepath.Join(mediaDir, "pool.day.mp4")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0o644))

	cfg := config.Default()
	cfg.Backend.TorrentDirectories = []string{filepath.Join(root, "torrents")}
	cfg.Backend.StageTimeout = 10
	cfg.File.Maps = pathmap.Table{"/stash/media": mediaDir}

	templateDir := filepath.Join(root, "templates")
	_, err := render.InstallDefaults(templateDir)
	require.NoError(t, err)
	renderer, err := render.New(templateDir, cfg.Templates)
	require.NoError(t, err)

	store, err := persistence.NewSQLiteStore(filepath.Join(root, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	host := &countingHost{uploads: map[string]int{}}
	cover := imageBytes(t, 64, 36, false)
	fs := &fakeStash{
		scene: &stash.Scene{
			ID:       "12",
			Title:    "Pool Day",
			Date:     "2023-07-04",
			Director: "Director",
			Studio: &stash.Studio{
				Name:      "Studio",
				URL:       "https://www.studio.example/",
				ImagePath: "http://stash/studio/1/image?default=true",
			},
			Performers: []stash.Performer{{
				Name:      "Jane Doe",
				ImagePath: "http://stash/performer/1/image",
			}},
			Tags: []stash.Tag{{Name: "Outdoor"}},
			Files: []stash.File{{
				ID:         "3",
				Path:       "/stash/media/pool.day.mp4",
				Basename:   "pool.day.mp4",
				Width:      1920,
				Height:     1088,
				Format:     "mp4",
				Duration:   125.5,
				VideoCodec: "h264",
				AudioCodec: "aac",
				FrameRate:  29.97,
				BitRate:    4 << 20,
				Size:       1 << 30,
			}},
			Paths: stash.Paths{
				Screenshot: "http://stash/scene/12/screenshot",
				Preview:    "http://stash/scene/12/preview",
			},
		},
		assets: map[string]asset{
			"http://stash/scene/12/screenshot": {cover, "image/png"},
			"http://stash/scene/12/preview":    {[]byte("mp4"), "video/mp4"},
			"http://stash/performer/1/image":   {imageBytes(t, 30, 40, true), "image/jpeg"},
		},
	}
	op := &fakeOperator{t: t, calls: map[string]int{}, contact: imageBytes(t, 90, 60, true)}
	builder := &fakeBuilder{dir: t.TempDir()}
	notifier := &fakeNotifier{}

	gen := NewGenerator(Deps{
		Config:   cfg,
		Stash:    fs,
		Media:    op,
		Images:   imagecache.New(nil, []imagecache.Host{host}, imagecache.Options{}),
		Tags:     tags.NewEngine(store),
		Render:   renderer,
		Torrents: builder,
		Clients:  notifier,
	})
	return &harness{
		gen: gen, cfg: cfg, stash: fs, op: op, host: host,
		builder: builder, notifier: notifier, cover: cover, video: video,
	}
}

func (h *harness) generate(t *testing.T, p jobs.Params) ([]jobs.Event, error) {
	t.Helper()
	var events []jobs.Event
	err := h.gen.Generate(context.Background(), p, func(ev jobs.Event) {
		events = append(events, ev)
	})
	return events, err
}

// generateWithin fails the test if Generate has not returned after limit.
func (h *harness) generateWithin(t *testing.T, p jobs.Params, limit time.Duration) ([]jobs.Event, error) {
	t.Helper()
	type outcome struct {
		events []jobs.Event
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var events []jobs.Event
		err := h.gen.Generate(context.Background(), p, func(ev jobs.Event) {
			events = append(events, ev)
		})
		done <- outcome{events, err}
	}()
	select {
	case o := <-done:
		return o.events, o.err
	case <-time.After(limit):
		t.Fatalf("Generate still running after %s", limit)
		return nil, nil
	}
}

func torrentFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.torrent"))
	require.NoError(t, err)
	return matches
}

func final(t *testing.T, events []jobs.Event) *jobs.EventData {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Terminal())
	require.Equal(t, jobs.EventSuccess, last.Status, last.Message)
	require.NotNil(t, last.Data.Fill)
	return last.Data
}

func countStatus(events []jobs.Event, status string) int {
	n := 0
	for _, ev := range events {
		if ev.Status == status {
			n++
		}
	}
	return n
}

func TestGenerate_EndToEnd(t *testing.T) {
	h := newHarness(t)
	params := jobs.Params{SceneID: "12", FileID: "3", AnnounceURL: "http://tracker/announce", Tracker: "EMP"}

	events, err := h.generate(t, params)
	require.NoError(t, err)
	data := final(t, events)

	fill := data.Fill
	assert.Equal(t, "[Studio] Jane Doe - Pool Day (2023-07-04) [1080p]", fill.Title)
	tagList := strings.Fields(fill.Tags)
	for _, want := range []string{"1080p", "2023", "2023.07", "2023.07.04", "30.fps", "studio.example", "jane.doe"} {
		assert.Contains(t, tagList, want)
	}
	assert.NotContains(t, tagList, "outdoor")
	assert.Equal(t, map[string]string{"outdoor": "outdoor"}, data.Suggestions)

	coverDigest := digestOf(h.cover)
	assert.Equal(t, "https://img.test/"+coverDigest+".png", fill.Cover)
	assert.Equal(t, 1, h.host.count(coverDigest))
	assert.Equal(t, h.video, fill.FilePath)
	assert.Contains(t, fill.Description, "[img]https://img.test/"+coverDigest+".png[/img]")
	assert.Contains(t, fill.Description, "1920×1088 @ 4.00 Mb/s, 29.97 fps")
	assert.Contains(t, fill.Description, "July 4, 2023")
	assert.Equal(t, "pool.day.mp4.torrent", data.File.Name)
	assert.NotEmpty(t, data.File.Content)

	require.Len(t, h.builder.reqs, 1)
	assert.Equal(t, h.video, h.builder.reqs[0].Target)
	assert.Equal(t, "http://tracker/announce", h.builder.reqs[0].Announce)
	require.Len(t, h.notifier.added, 1)
	assert.Equal(t, h.video, h.notifier.added[0][1])

	// Resubmitting uploads nothing new and reuses the contact sheet.
	events, err = h.generate(t, params)
	require.NoError(t, err)
	again := final(t, events)
	assert.Equal(t, fill.Cover, again.Fill.Cover)
	assert.Equal(t, 1, h.host.count(coverDigest))
	assert.Equal(t, 1, h.op.count("contact"))
}

func TestGenerate_MediaInfoAbsent(t *testing.T) {
	h := newHarness(t)
	h.stash.scene.Studio = nil

	events, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.NoError(t, err)
	data := final(t, events)

	assert.Zero(t, countStatus(events, jobs.EventError))
	assert.Zero(t, countStatus(events, jobs.EventWarning))
	assert.Equal(t, 1, h.op.count("mediainfo"))
	assert.NotContains(t, data.Fill.Description, "MediaInfo")
}

func TestGenerate_MediaInfoPresent(t *testing.T) {
	h := newHarness(t)
	h.op.mediaInfo = "General\nComplete name : pool.day.mp4"

	events, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.NoError(t, err)
	assert.Contains(t, final(t, events).Fill.Description, "Complete name : pool.day.mp4")
}

func TestGenerate_SceneNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.generate(t, jobs.Params{SceneID: "99"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Equal(t, "Scene does not exist", errs.PublicMessage(err))
}

func TestGenerate_MissingLocalFile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.video))
	_, err := h.generate(t, jobs.Params{SceneID: "12"})
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Contains(t, errs.PublicMessage(err), "Couldn't find file")
}

func TestGenerate_UnrecognizedPerformerImageIsFatal(t *testing.T) {
	h := newHarness(t)
	h.stash.assets["http://stash/performer/1/image"] = asset{[]byte("<html>"), "text/html"}

	_, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.Error(t, err)
	assert.Equal(t, "Unrecognized performer image format", errs.PublicMessage(err))
}

func TestGenerate_TorrentFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.builder.err = errs.New(errs.BuildFailed, "mktorrent exited 1").WithUserMessage("Couldn't generate torrent")

	_, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.Error(t, err)
	assert.Equal(t, "Couldn't generate torrent", errs.PublicMessage(err))
	assert.Empty(t, h.notifier.added)
}

func TestGenerate_HungScreenshotHitsStageTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.StageTimeout = 1
	h.op.hang = map[string]bool{"screenshot": true}

	_, err := h.generateWithin(t, jobs.Params{SceneID: "12", Screens: true}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, "Failed to generate screens", errs.PublicMessage(err))
	assert.Empty(t, torrentFiles(t, h.builder.dir))
	assert.Empty(t, h.notifier.added)
}

func TestGenerate_HungAudioBitrateIsLeftBlank(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.StageTimeout = 1
	h.op.hang = map[string]bool{"audio": true}

	events, err := h.generateWithin(t, jobs.Params{SceneID: "12"}, 5*time.Second)
	require.NoError(t, err)
	assert.NotContains(t, final(t, events).Fill.Description, "128 kbps")
}

func TestGenerate_FailureRemovesLateTorrent(t *testing.T) {
	h := newHarness(t)
	h.op.contactErr = errs.New(errs.BuildFailed, "vcsi exited 1")
	h.builder.delay = 300 * time.Millisecond

	_, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.Error(t, err)
	assert.Equal(t, "Failed to generate contact sheet", errs.PublicMessage(err))
	require.Len(t, h.builder.reqs, 1, "torrent build was started")

	assert.Empty(t, torrentFiles(t, h.builder.dir))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, torrentFiles(t, h.builder.dir), "nothing placed after Generate returned")
	assert.Empty(t, h.notifier.added)
}

func TestGenerate_SlowMediaInfoBecomesWarning(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.StageTimeout = 1
	h.op.mediaInfo = "General\nComplete name : pool.day.mp4"
	h.op.hang = map[string]bool{"mediainfo": true}

	events, err := h.generateWithin(t, jobs.Params{SceneID: "12"}, 5*time.Second)
	require.NoError(t, err)
	assert.NotContains(t, final(t, events).Fill.Description, "Complete name")
	assert.GreaterOrEqual(t, countStatus(events, jobs.EventWarning), 1)
}

func TestGenerate_SlowPreviewBecomesWarning(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.StageTimeout = 1
	h.cfg.Backend.UsePreview = true
	h.cfg.Backend.AnimatedCover = true
	h.op.hang = map[string]bool{"preview": true}

	events, err := h.generateWithin(t, jobs.Params{SceneID: "12"}, 5*time.Second)
	require.NoError(t, err)
	fill := final(t, events).Fill
	assert.Equal(t, "https://img.test/"+digestOf(h.cover)+".png", fill.Cover)
	assert.GreaterOrEqual(t, countStatus(events, jobs.EventWarning), 1)
}

func TestGenerate_SlowTorrentFailsJob(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.StageTimeout = 1
	h.builder.hang = true

	_, err := h.generateWithin(t, jobs.Params{SceneID: "12"}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, "Failed to save torrent", errs.PublicMessage(err))
	assert.Empty(t, h.notifier.added)
}

func TestGenerate_CoverFallsBackToThumbnail(t *testing.T) {
	h := newHarness(t)
	h.stash.assets["http://stash/scene/12/screenshot"] = asset{[]byte("???"), "application/octet-stream"}

	events, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.NoError(t, err)
	final(t, events)
	assert.Equal(t, 1, h.op.count("thumbnail"))
}

func TestGenerate_ScreensAreCachedPerFile(t *testing.T) {
	h := newHarness(t)
	params := jobs.Params{SceneID: "12", Screens: true}

	events, err := h.generate(t, params)
	require.NoError(t, err)
	desc := final(t, events).Fill.Description
	assert.Equal(t, 10, h.op.count("screenshot"))
	assert.Equal(t, 10, strings.Count(desc, "[img=480]"))

	_, err = h.generate(t, params)
	require.NoError(t, err)
	assert.Equal(t, 10, h.op.count("screenshot"))
}

func TestGenerate_IncludeScreensBuildsDirectoryPack(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.MediaDirectory = t.TempDir()

	events, err := h.generate(t, jobs.Params{SceneID: "12", Tracker: "FC"})
	require.NoError(t, err)
	final(t, events)

	dir := filepath.Join(h.cfg.Backend.MediaDirectory, "Pool Day")
	require.Len(t, h.builder.reqs, 1)
	assert.Equal(t, dir, h.builder.reqs[0].Target)
	for _, name := range []string{"pool.day.mp4", "screens/contact_sheet.jpg", "screens/cover.png"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.Equal(t, dir, h.notifier.added[0][1])
}

func TestGenerate_AnimatedCoverUsesPreview(t *testing.T) {
	h := newHarness(t)
	h.cfg.Backend.UsePreview = true
	h.cfg.Backend.AnimatedCover = true

	events, err := h.generate(t, jobs.Params{SceneID: "12"})
	require.NoError(t, err)
	fill := final(t, events).Fill
	assert.True(t, strings.HasSuffix(fill.Cover, ".gif"), fill.Cover)
	assert.Equal(t, 1, h.op.count("preview"))
}

func TestGenerate_UnknownTemplateFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	events, err := h.generate(t, jobs.Params{SceneID: "12", Template: "../../etc/passwd"})
	require.NoError(t, err)
	assert.Contains(t, final(t, events).Fill.Description, "[size=6][b]Pool Day[/b][/size]")
}

type resetCounter struct {
	mu sync.Mutex
	n  int
}

func (r *resetCounter) ResetLocal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return 0
}

func TestCacheReset(t *testing.T) {
	c := cron.New()
	counter := &resetCounter{}

	require.NoError(t, NewCacheReset(counter, "", c).Schedule())
	assert.Empty(t, c.Entries())

	assert.Error(t, NewCacheReset(counter, "never", c).Schedule())

	s := NewCacheReset(counter, "@every 1s", c)
	require.NoError(t, s.Schedule())
	require.Len(t, c.Entries(), 1)

	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool {
		counter.mu.Lock()
		defer counter.mu.Unlock()
		return counter.n > 0
	}, 3*time.Second, 50*time.Millisecond)
}
