package torrent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bdbenim/stash-empornium/internal/errs"
)

// QBittorrent uses the WebUI API v2. The session cookie lives in the client's
// jar and is refreshed once when a request comes back 403.
type QBittorrent struct {
	base
	url      string
	username string
	password string
	client   *http.Client

	mu       sync.Mutex
	loggedIn bool
}

func NewQBittorrent(opts Options, hashes *HashBook) *QBittorrent {
	return &QBittorrent{
		base:     newBase("qBittorrent", opts, hashes),
		url:      opts.baseURL(8080) + "/api/v2",
		username: opts.Username,
		password: opts.Password,
		client:   opts.httpClient(),
	}
}

func (q *QBittorrent) login(ctx context.Context, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loggedIn && !force {
		return nil
	}

	data := url.Values{}
	data.Set("username", q.username)
	data.Set("password", q.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url+"/auth/login", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := q.client.Do(req)
	if err != nil {
		q.loggedIn = false
		return errs.Wrap(err, errs.Network, "qbittorrent login")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	q.loggedIn = resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "Ok."
	if !q.loggedIn {
		return errs.New(errs.Network, "failed to login to qBittorrent: status %d", resp.StatusCode)
	}
	return nil
}

// post sends a request built by mk, logging in again once on 403.
func (q *QBittorrent) post(ctx context.Context, path string, mk func() (io.Reader, string, error)) (string, error) {
	if err := q.login(ctx, false); err != nil {
		return "", err
	}
	for attempt := 0; ; attempt++ {
		body, contentType, err := mk()
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url+path, body)
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := q.client.Do(req)
		if err != nil {
			return "", errs.Wrap(err, errs.Network, "qbittorrent %s", path)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden && attempt == 0 {
			if err := q.login(ctx, true); err != nil {
				return "", fmt.Errorf("re-login after 403: %w", err)
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", errs.New(errs.Network, "qbittorrent %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return strings.TrimSpace(string(raw)), nil
	}
}

func (q *QBittorrent) postForm(ctx context.Context, path string, data url.Values) error {
	_, err := q.post(ctx, path, func() (io.Reader, string, error) {
		return strings.NewReader(data.Encode()), "application/x-www-form-urlencoded", nil
	})
	return err
}

func (q *QBittorrent) Add(ctx context.Context, torrentPath, contentPath string) error {
	hash, err := q.hashes.Remember(torrentPath)
	if err != nil {
		return errs.Wrap(err, errs.BuildFailed, "read torrent %s", torrentPath)
	}
	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"paused":   "true",
		"savepath": q.saveDir(contentPath),
	}
	if q.label != "" {
		fields["category"] = q.label
	}

	body, err := q.post(ctx, "/torrents/add", func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="torrents"; filename=%q`, filepath.Base(torrentPath)))
		h.Set("Content-Type", "application/x-bittorrent")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(raw); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	})
	if err != nil {
		return err
	}
	if body == "Fails." {
		return errs.New(errs.Network, "failed to add torrent to qBittorrent")
	}
	return q.postForm(ctx, "/torrents/recheck", url.Values{"hashes": {hash}})
}

func (q *QBittorrent) Start(ctx context.Context, torrentPath string) error {
	return q.start(ctx, torrentPath, q.Resume)
}

func (q *QBittorrent) Resume(ctx context.Context, infohash string) error {
	return q.postForm(ctx, "/torrents/start", url.Values{"hashes": {infohash}})
}

func (q *QBittorrent) Connected(ctx context.Context) bool {
	return q.login(ctx, false) == nil
}
