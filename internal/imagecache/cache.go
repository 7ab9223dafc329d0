package imagecache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix     = "stash-empornium"
	filePrefix    = keyPrefix + "-file"
	scanChunkSize = 5000

	// DefaultMaxUploadSize is the size ceiling shared by the supported hosts.
	DefaultMaxUploadSize = 5_000_000
)

// Image categories recorded per scene file.
const (
	CategoryCover   = "cover"
	CategoryContact = "contact"
	CategoryScreens = "screens"
	CategoryPreview = "preview"
)

// Host uploads image bytes and returns the public URL.
type Host interface {
	Name() string
	Upload(ctx context.Context, data []byte, m Mime) (string, error)
}

type Options struct {
	// NoCache disables both reads and writes.
	NoCache bool
	// Overwrite skips reads but still records new uploads.
	Overwrite     bool
	MaxUploadSize int64
	GIF           GIFConverter
}

// UploadOptions tune a single GetOrUpload call.
type UploadOptions struct {
	// Width downsizes the image first when it is wider.
	Width int
	// Default is returned instead of an error when the upload fails.
	Default string
}

// Cache maps (digest, host) to uploaded URLs in two tiers: an in-process
// map and, when configured, redis. Identical bytes reach a host once.
type Cache struct {
	hosts   map[string]Host
	rdb     *redis.Client
	opts    Options
	uploads singleflight.Group

	mu      sync.RWMutex
	urls    map[string]map[string]string   // host -> digest -> url
	digests map[string]map[string][]string // file id -> category -> digests
}

// New builds a cache over the given hosts. rdb may be nil, in which case
// only the in-process tier is used.
func New(rdb *redis.Client, hosts []Host, opts Options) *Cache {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	c := &Cache{
		hosts:   make(map[string]Host, len(hosts)),
		rdb:     rdb,
		opts:    opts,
		urls:    make(map[string]map[string]string),
		digests: make(map[string]map[string][]string),
	}
	for _, h := range hosts {
		c.hosts[h.Name()] = h
	}
	return c
}

// Digest is the md5 of data in hex.
func Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// GetOrUpload returns the URL of the file's bytes on host, uploading them
// only when neither tier knows the digest yet.
func (c *Cache) GetOrUpload(ctx context.Context, path string, m Mime, host string, opts UploadOptions) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return c.fallback(opts, "", errs.Wrap(err, errs.UploadFailed, "read %s", path))
	}
	return c.GetOrUploadBytes(ctx, data, m, host, opts)
}

// GetOrUploadBytes is GetOrUpload for data already in memory.
func (c *Cache) GetOrUploadBytes(ctx context.Context, data []byte, m Mime, host string, opts UploadOptions) (string, string, error) {
	if opts.Width > 0 {
		resized, rm, err := Resize(data, m, opts.Width)
		if err != nil {
			return c.fallback(opts, "", err)
		}
		data, m = resized, rm
	}
	digest := Digest(data)

	if url, ok := c.Lookup(ctx, digest, host); ok {
		log.Debug("Found %s in %s cache", digest, host)
		return url, digest, nil
	}

	h, ok := c.hosts[host]
	if !ok {
		return c.fallback(opts, digest, errs.New(errs.UploadFailed, "unknown image host %q", host))
	}

	v, err, _ := c.uploads.Do(host+":"+digest, func() (any, error) {
		// a caller that missed the cache may arrive after the upload that
		// filled it has already left the group
		if url, ok := c.Lookup(ctx, digest, host); ok {
			return url, nil
		}
		url, err := c.upload(ctx, h, data, m)
		if err != nil {
			return "", err
		}
		c.add(ctx, digest, host, url)
		return url, nil
	})
	if err != nil {
		return c.fallback(opts, digest, err)
	}
	return v.(string), digest, nil
}

func (c *Cache) upload(ctx context.Context, h Host, data []byte, m Mime) (string, error) {
	normalized, nm, err := Normalize(ctx, data, m, c.opts.GIF)
	if err != nil {
		return "", err
	}
	normalized, err = Shrink(normalized, nm, c.opts.MaxUploadSize)
	if err != nil {
		return "", err
	}
	url, err := h.Upload(ctx, normalized, nm)
	if err != nil {
		return "", errs.Wrap(err, errs.UploadFailed, "upload to %s", h.Name())
	}
	if url == "" {
		return "", errs.New(errs.UploadFailed, "%s returned no url", h.Name())
	}
	log.Debug("Uploaded %s image to %s", nm.Ext(), url)
	return url, nil
}

func (c *Cache) fallback(opts UploadOptions, digest string, err error) (string, string, error) {
	if opts.Default != "" {
		log.Warn("Image upload failed, using default: %v", err)
		return opts.Default, digest, nil
	}
	return "", digest, err
}

// Lookup checks the in-process tier, then redis. Jerking entries written
// before keys were namespaced by host are migrated on the way.
func (c *Cache) Lookup(ctx context.Context, digest, host string) (string, bool) {
	if c.opts.NoCache || c.opts.Overwrite {
		return "", false
	}
	c.mu.RLock()
	url, ok := c.urls[host][digest]
	c.mu.RUnlock()
	if ok {
		return url, true
	}
	if c.rdb == nil {
		return "", false
	}

	url, err := c.rdb.Get(ctx, hostKey(host, digest)).Result()
	if err == nil {
		c.remember(digest, host, url)
		return url, true
	}
	if !errors.Is(err, redis.Nil) {
		log.Warn("Redis lookup failed: %v", err)
		return "", false
	}
	if host != "jerking" {
		return "", false
	}
	legacy := keyPrefix + ":" + digest
	url, err = c.rdb.Get(ctx, legacy).Result()
	if err != nil {
		return "", false
	}
	c.remember(digest, host, url)
	if err := c.rdb.Rename(ctx, legacy, hostKey(host, digest)).Err(); err != nil {
		log.Warn("Failed to migrate legacy cache key %s: %v", legacy, err)
	}
	return url, true
}

func (c *Cache) add(ctx context.Context, digest, host, url string) {
	if c.opts.NoCache {
		return
	}
	c.remember(digest, host, url)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, hostKey(host, digest), url, 0).Err(); err != nil {
			log.Warn("Failed to write %s to redis: %v", digest, err)
		}
	}
}

func (c *Cache) remember(digest, host, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.urls[host] == nil {
		c.urls[host] = make(map[string]string)
	}
	c.urls[host][digest] = url
}

// GetImages resolves the digests recorded for a file and category into URLs
// on host. Unknown digests come back as "". A nil result means nothing was
// recorded at all.
func (c *Cache) GetImages(ctx context.Context, fileID, category, host string) []string {
	if c.opts.NoCache || c.opts.Overwrite {
		return nil
	}
	c.mu.RLock()
	digests, ok := c.digests[fileID][category]
	c.mu.RUnlock()

	if !ok && c.rdb != nil {
		joined, err := c.rdb.HGet(ctx, fileKey(fileID), category).Result()
		switch {
		case err == nil && joined != "":
			digests = strings.Split(joined, ":")
			c.setDigests(fileID, category, digests)
			ok = true
		case err != nil && !errors.Is(err, redis.Nil):
			log.Warn("Redis index lookup failed: %v", err)
		}
	}
	if !ok {
		return nil
	}

	urls := make([]string, len(digests))
	for i, d := range digests {
		urls[i], _ = c.Lookup(ctx, d, host)
	}
	log.Debug("Got %d cached %s urls for file %s", len(urls), category, fileID)
	return urls
}

// SetImages records the digests making up a file's images of one category.
func (c *Cache) SetImages(ctx context.Context, fileID, category string, digests []string) {
	if c.opts.NoCache || len(digests) == 0 {
		return
	}
	c.setDigests(fileID, category, digests)
	if c.rdb != nil {
		if err := c.rdb.HSet(ctx, fileKey(fileID), category, strings.Join(digests, ":")).Err(); err != nil {
			log.Warn("Failed to write image index for file %s: %v", fileID, err)
		}
	}
}

func (c *Cache) setDigests(fileID, category string, digests []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.digests[fileID] == nil {
		c.digests[fileID] = make(map[string][]string)
	}
	c.digests[fileID][category] = append([]string(nil), digests...)
}

// Complete reports whether every url of a GetImages result is known.
func Complete(urls []string) bool {
	if len(urls) == 0 {
		return false
	}
	for _, u := range urls {
		if u == "" {
			return false
		}
	}
	return true
}

// ResetLocal drops the in-process tier.
func (c *Cache) ResetLocal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.urls {
		n += len(m)
	}
	c.urls = make(map[string]map[string]string)
	c.digests = make(map[string]map[string][]string)
	return n
}

// Flush clears both tiers.
func (c *Cache) Flush(ctx context.Context) error {
	local := c.ResetLocal()
	if c.rdb == nil {
		log.Info("Cleared %d local cache entries", local)
		return nil
	}
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", scanChunkSize).Result()
		if err != nil {
			return fmt.Errorf("scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete cache keys: %w", err)
			}
			count += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	log.Info("Cleared %d local cache entries and %d remote entries", local, count)
	return nil
}

func hostKey(host, digest string) string {
	return keyPrefix + ":" + host + ":" + digest
}

func fileKey(fileID string) string {
	return filePrefix + ":" + fileID
}
