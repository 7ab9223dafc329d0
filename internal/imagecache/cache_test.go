package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHost struct {
	name  string
	calls atomic.Int32
	fail  bool
	last  Mime
}

func (h *countingHost) Name() string { return h.name }

func (h *countingHost) Upload(_ context.Context, data []byte, m Mime) (string, error) {
	n := h.calls.Add(1)
	h.last = m
	if h.fail {
		return "", errors.New("host down")
	}
	return fmt.Sprintf("https://%s.example/%d.%s", h.name, n, m.Ext()), nil
}

func pngBytes(t *testing.T, w, h int, noisy bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	r := rand.New(rand.NewSource(1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255}
			if noisy {
				c = color.NRGBA{R: uint8(r.Intn(256)), G: uint8(r.Intn(256)), B: uint8(r.Intn(256)), A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cover.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, w, h, false), 0o644))
	return path
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestGetOrUpload_UploadsIdenticalBytesOnce(t *testing.T) {
	_, rdb := newRedis(t)
	host := &countingHost{name: "jerking"}
	cache := New(rdb, []Host{host}, Options{})
	path := writePNG(t, 64, 48)
	ctx := context.Background()

	url1, digest1, err := cache.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	url2, digest2, err := cache.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)

	assert.Equal(t, url1, url2)
	assert.Equal(t, digest1, digest2)
	assert.EqualValues(t, 1, host.calls.Load())

	// a fresh process sees the remote tier
	restarted := New(rdb, []Host{host}, Options{})
	url3, _, err := restarted.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, url1, url3)
	assert.EqualValues(t, 1, host.calls.Load())
}

func TestGetOrUpload_ConcurrentCallersUploadOnce(t *testing.T) {
	host := &countingHost{name: "jerking"}
	cache := New(nil, []Host{host}, Options{})
	data := pngBytes(t, 32, 32, true)
	ctx := context.Background()

	start := make(chan struct{})
	urls := make([]string, 32)
	var wg sync.WaitGroup
	for i := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			url, _, err := cache.GetOrUploadBytes(ctx, data, PNG, "jerking", UploadOptions{})
			assert.NoError(t, err)
			urls[i] = url
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, host.calls.Load())
	for _, u := range urls {
		assert.Equal(t, urls[0], u)
	}
}

func TestGetOrUpload_HostsAreCachedSeparately(t *testing.T) {
	jerking := &countingHost{name: "jerking"}
	imgbox := &countingHost{name: "imgbox"}
	cache := New(nil, []Host{jerking, imgbox}, Options{})
	path := writePNG(t, 16, 16)

	a, _, err := cache.GetOrUpload(context.Background(), path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	b, _, err := cache.GetOrUpload(context.Background(), path, PNG, "imgbox", UploadOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.EqualValues(t, 1, jerking.calls.Load())
	assert.EqualValues(t, 1, imgbox.calls.Load())
}

func TestLookup_MigratesLegacyJerkingKey(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set("stash-empornium:abc123", "https://jerking.example/old.png"))
	cache := New(rdb, nil, Options{})

	url, ok := cache.Lookup(context.Background(), "abc123", "jerking")
	require.True(t, ok)
	assert.Equal(t, "https://jerking.example/old.png", url)
	assert.False(t, mr.Exists("stash-empornium:abc123"))
	got, err := mr.Get("stash-empornium:jerking:abc123")
	require.NoError(t, err)
	assert.Equal(t, url, got)

	_, ok = New(rdb, nil, Options{}).Lookup(context.Background(), "abc123", "imgbox")
	assert.False(t, ok)
}

func TestGetOrUpload_NoCacheAndOverwrite(t *testing.T) {
	mr, rdb := newRedis(t)
	path := writePNG(t, 20, 20)
	ctx := context.Background()

	host := &countingHost{name: "jerking"}
	noCache := New(rdb, []Host{host}, Options{NoCache: true})
	_, digest, err := noCache.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	_, _, err = noCache.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, host.calls.Load())
	assert.False(t, mr.Exists("stash-empornium:jerking:"+digest))

	overwrite := New(rdb, []Host{host}, Options{Overwrite: true})
	url, _, err := overwrite.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, host.calls.Load())
	stored, err := mr.Get("stash-empornium:jerking:" + digest)
	require.NoError(t, err)
	assert.Equal(t, url, stored)
}

func TestGetOrUpload_FailureUsesDefault(t *testing.T) {
	host := &countingHost{name: "jerking", fail: true}
	cache := New(nil, []Host{host}, Options{})
	path := writePNG(t, 8, 8)

	url, _, err := cache.GetOrUpload(context.Background(), path, PNG, "jerking", UploadOptions{Default: DefaultPerformerImage})
	require.NoError(t, err)
	assert.Equal(t, DefaultPerformerImage, url)

	_, _, err = cache.GetOrUpload(context.Background(), path, PNG, "jerking", UploadOptions{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UploadFailed))
}

func TestGetOrUpload_RejectsUnknownMime(t *testing.T) {
	host := &countingHost{name: "jerking"}
	cache := New(nil, []Host{host}, Options{})

	_, _, err := cache.GetOrUploadBytes(context.Background(), []byte("not an image"), Unknown, "jerking", UploadOptions{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UploadFailed))
	assert.Zero(t, host.calls.Load())
}

func TestGetOrUpload_ResizesBeforeDigest(t *testing.T) {
	host := &countingHost{name: "jerking"}
	cache := New(nil, []Host{host}, Options{})
	path := writePNG(t, 200, 100)

	_, full, err := cache.GetOrUpload(context.Background(), path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	_, small, err := cache.GetOrUpload(context.Background(), path, PNG, "jerking", UploadOptions{Width: 80})
	require.NoError(t, err)

	assert.NotEqual(t, full, small)
	assert.EqualValues(t, 2, host.calls.Load())
}

func TestImageIndex_SurvivesRestart(t *testing.T) {
	_, rdb := newRedis(t)
	host := &countingHost{name: "jerking"}
	cache := New(rdb, []Host{host}, Options{})
	ctx := context.Background()

	var digests, urls []string
	for i := range 3 {
		url, digest, err := cache.GetOrUploadBytes(ctx, pngBytes(t, 10+i, 10, false), PNG, "jerking", UploadOptions{})
		require.NoError(t, err)
		digests = append(digests, digest)
		urls = append(urls, url)
	}
	cache.SetImages(ctx, "77", CategoryScreens, digests)

	restarted := New(rdb, []Host{host}, Options{})
	got := restarted.GetImages(ctx, "77", CategoryScreens, "jerking")
	assert.Equal(t, urls, got)
	assert.True(t, Complete(got))

	other := restarted.GetImages(ctx, "77", CategoryScreens, "imgbox")
	assert.Len(t, other, 3)
	assert.False(t, Complete(other))

	assert.Nil(t, restarted.GetImages(ctx, "77", CategoryCover, "jerking"))
}

func TestFlush_ClearsBothTiers(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set("unrelated", "keep"))
	host := &countingHost{name: "jerking"}
	cache := New(rdb, []Host{host}, Options{})
	ctx := context.Background()
	path := writePNG(t, 12, 12)

	_, digest, err := cache.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	cache.SetImages(ctx, "1", CategoryCover, []string{digest})

	require.NoError(t, cache.Flush(ctx))
	assert.Equal(t, []string{"unrelated"}, mr.Keys())

	_, _, err = cache.GetOrUpload(ctx, path, PNG, "jerking", UploadOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, host.calls.Load())
}

func TestGetOrUpload_RedisDownDegradesToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	host := &countingHost{name: "jerking"}
	cache := New(rdb, []Host{host}, Options{})
	path := writePNG(t, 10, 10)

	for range 2 {
		_, _, err := cache.GetOrUpload(context.Background(), path, PNG, "jerking", UploadOptions{})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, host.calls.Load())
}

func TestConnect_DisabledOrUnreachable(t *testing.T) {
	assert.Nil(t, Connect(context.Background(), RedisOptions{Host: "localhost", Disable: true}))
	assert.Nil(t, Connect(context.Background(), RedisOptions{}))

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client := Connect(context.Background(), RedisOptions{Host: mr.Host(), Port: port})
	require.NotNil(t, client)
	_ = client.Close()
}

func TestIsAnimatedWebP(t *testing.T) {
	header := func(chunk string, flags byte) []byte {
		b := make([]byte, 30)
		copy(b[0:], "RIFF")
		copy(b[8:], "WEBP")
		copy(b[12:], chunk)
		b[20] = flags
		return b
	}
	assert.True(t, IsAnimatedWebP(header("VP8X", 0x02)))
	assert.True(t, IsAnimatedWebP(header("VP8X", 0x12)))
	assert.False(t, IsAnimatedWebP(header("VP8X", 0x10)))
	assert.False(t, IsAnimatedWebP(header("VP8 ", 0x02)))
	assert.False(t, IsAnimatedWebP([]byte("RIFF")))
}

func TestNormalize_SVGBecomesPNG(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 40 20" width="40" height="20">
<rect x="0" y="0" width="40" height="20" fill="#ff0000"/></svg>`)

	out, m, err := Normalize(context.Background(), svg, SVG, nil)
	require.NoError(t, err)
	assert.Equal(t, PNG, m)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 20, img.Bounds().Dy())
}

func TestNormalize_PassesThroughHostFormats(t *testing.T) {
	data := pngBytes(t, 4, 4, false)
	out, m, err := Normalize(context.Background(), data, PNG, nil)
	require.NoError(t, err)
	assert.Equal(t, PNG, m)
	assert.Equal(t, data, out)
}

func TestShrink_FitsUnderLimit(t *testing.T) {
	data := pngBytes(t, 200, 200, true)
	limit := int64(len(data) / 2)

	out, err := Shrink(data, PNG, limit)
	require.NoError(t, err)
	assert.LessOrEqual(t, int64(len(out)), limit)

	same, err := Shrink(data, PNG, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, same)
}

func animatedGIF(t *testing.T, frames int) []byte {
	t.Helper()
	palette := color.Palette{color.Black, color.White}
	anim := &gif.GIF{}
	r := rand.New(rand.NewSource(2))
	for range frames {
		img := image.NewPaletted(image.Rect(0, 0, 64, 64), palette)
		for i := range img.Pix {
			img.Pix[i] = uint8(r.Intn(2))
		}
		anim.Image = append(anim.Image, img)
		anim.Delay = append(anim.Delay, 10)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))
	return buf.Bytes()
}

func TestShrink_KeepsAnimatedGIF(t *testing.T) {
	data := animatedGIF(t, 4)

	same, err := Shrink(data, GIF, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, same)

	_, err = Shrink(data, GIF, int64(len(data)/2))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UploadFailed))
}

func TestParseMime(t *testing.T) {
	assert.Equal(t, JPEG, ParseMime("image/jpeg"))
	assert.Equal(t, PNG, ParseMime("image/png; charset=binary"))
	assert.Equal(t, SVG, ParseMime("image/svg+xml"))
	assert.Equal(t, Unknown, ParseMime("text/html"))
	assert.Equal(t, "unk", Unknown.Ext())
}
