package torrent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"sync"
	"time"

	"github.com/bdbenim/stash-empornium/internal/pathmap"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"golang.org/x/net/publicsuffix"
)

const clientTimeout = 15 * time.Second

// Client is a torrent client that seeds generated torrents in place.
type Client interface {
	Name() string
	// Add registers the torrent paused, pointing at the directory holding
	// contentPath, and starts a recheck.
	Add(ctx context.Context, torrentPath, contentPath string) error
	// Start resumes a torrent previously added. Unknown paths are ignored.
	Start(ctx context.Context, torrentPath string) error
	Resume(ctx context.Context, infohash string) error
	Connected(ctx context.Context) bool
}

// Options is the connection block shared by every client type.
type Options struct {
	Host     string
	Port     int
	SSL      bool
	Path     string
	Username string
	Password string
	Label    string
	PathMaps pathmap.Table
	Timeout  time.Duration
}

func (o Options) baseURL(defaultPort int) string {
	scheme := "http"
	if o.SSL {
		scheme = "https"
	}
	port := o.Port
	if port == 0 {
		port = defaultPort
		if o.SSL {
			port = 443
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, port)
}

func (o Options) httpClient() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = clientTimeout
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{Jar: jar, Timeout: timeout}
}

// HashBook remembers the infohash of every torrent path added in this
// process, so a later Start can address it.
type HashBook struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewHashBook() *HashBook {
	return &HashBook{hashes: make(map[string]string)}
}

// Remember computes and records the infohash of torrentPath if unknown.
func (b *HashBook) Remember(torrentPath string) (string, error) {
	b.mu.RLock()
	h, ok := b.hashes[torrentPath]
	b.mu.RUnlock()
	if ok {
		return h, nil
	}
	h, err := InfoHash(torrentPath)
	if err != nil {
		return "", err
	}
	b.Set(torrentPath, h)
	return h, nil
}

func (b *HashBook) Set(torrentPath, infohash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hashes[torrentPath] = infohash
}

func (b *HashBook) Lookup(torrentPath string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.hashes[torrentPath]
	return h, ok
}

// base holds what every client shares: a label, path maps and the hash book.
type base struct {
	name   string
	label  string
	maps   pathmap.Table
	hashes *HashBook
}

func newBase(name string, opts Options, hashes *HashBook) base {
	if hashes == nil {
		hashes = NewHashBook()
	}
	return base{name: name, label: opts.Label, maps: opts.PathMaps, hashes: hashes}
}

func (b base) Name() string { return b.name }

// saveDir maps the content path into the client's namespace and returns its
// parent directory.
func (b base) saveDir(contentPath string) string {
	return filepath.Dir(pathmap.Map(contentPath, b.maps))
}

func (b base) start(ctx context.Context, torrentPath string, resume func(context.Context, string) error) error {
	h, ok := b.hashes.Lookup(torrentPath)
	if !ok {
		log.Debug("%s: no torrent known for %s", b.name, torrentPath)
		return nil
	}
	return resume(ctx, h)
}

// Set fans operations out to every configured client. Failures are logged
// and do not stop the remaining clients.
type Set []Client

func (s Set) AddAll(ctx context.Context, torrentPath, contentPath string) {
	for _, c := range s {
		if err := c.Add(ctx, torrentPath, contentPath); err != nil {
			log.Error("Error attempting to add torrent to %s: %v", c.Name(), err)
			continue
		}
		log.Info("Torrent added to %s", c.Name())
	}
}

func (s Set) StartAll(ctx context.Context, torrentPath string) {
	for _, c := range s {
		if err := c.Start(ctx, torrentPath); err != nil {
			log.Error("Error attempting to start torrent in %s: %v", c.Name(), err)
		}
	}
}
