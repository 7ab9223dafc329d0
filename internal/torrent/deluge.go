package torrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// Deluge drives the Deluge web UI's JSON-RPC endpoint.
type Deluge struct {
	base
	url      string
	password string
	client   *http.Client
	seq      atomic.Int64

	mu   sync.Mutex
	host string
}

func NewDeluge(opts Options, hashes *HashBook) *Deluge {
	return &Deluge{
		base:     newBase("Deluge", opts, hashes),
		url:      opts.baseURL(8112),
		password: opts.Password,
		client:   opts.httpClient(),
	}
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (d *Deluge) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     d.seq.Add(1),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.Network, "deluge %s", method)
	}
	defer resp.Body.Close()

	var res rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode deluge %s response: %w", method, err)
	}
	if res.Error != nil {
		return nil, errs.New(errs.Network, "deluge %s: %s", method, res.Error.Message).
			WithContext("code", res.Error.Code)
	}
	log.Debug("Deluge response to %s: %s", method, res.Result)
	return res.Result, nil
}

func (d *Deluge) webConnected(ctx context.Context) bool {
	raw, err := d.call(ctx, "web.connected")
	if err != nil {
		return false
	}
	var ok bool
	return json.Unmarshal(raw, &ok) == nil && ok
}

// connect logs in when needed and makes sure the web UI is attached to a
// daemon.
func (d *Deluge) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.webConnected(ctx) {
		raw, err := d.call(ctx, "auth.login", d.password)
		if err != nil {
			return err
		}
		var ok bool
		if err := json.Unmarshal(raw, &ok); err != nil || !ok {
			return errs.New(errs.Network, "deluge login rejected")
		}
	}

	if d.host == "" {
		raw, err := d.call(ctx, "web.get_hosts")
		if err != nil {
			return err
		}
		var hosts [][]json.RawMessage
		if err := json.Unmarshal(raw, &hosts); err != nil || len(hosts) == 0 || len(hosts[0]) == 0 {
			return errs.New(errs.Network, "deluge has no daemon hosts")
		}
		if err := json.Unmarshal(hosts[0][0], &d.host); err != nil {
			return fmt.Errorf("decode deluge host id: %w", err)
		}
	}

	raw, err := d.call(ctx, "web.get_host_status", d.host)
	if err != nil {
		return err
	}
	var status []json.RawMessage
	var state string
	if json.Unmarshal(raw, &status) == nil && len(status) > 1 {
		_ = json.Unmarshal(status[1], &state)
	}
	if state != "Connected" {
		if _, err := d.call(ctx, "web.connect", d.host); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deluge) upload(ctx context.Context, torrentPath string) (string, error) {
	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(torrentPath))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(raw); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := d.client.Do(req)
	if err != nil {
		return "", errs.Wrap(err, errs.Network, "deluge upload")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var res struct {
		Success bool     `json:"success"`
		Files   []string `json:"files"`
	}
	if err := json.Unmarshal(body, &res); err != nil || !res.Success || len(res.Files) == 0 {
		return "", errs.New(errs.Network, "failed to upload torrent to Deluge")
	}
	return res.Files[0], nil
}

func (d *Deluge) Add(ctx context.Context, torrentPath, contentPath string) error {
	if _, err := d.hashes.Remember(torrentPath); err != nil {
		return errs.Wrap(err, errs.BuildFailed, "read torrent %s", torrentPath)
	}
	if err := d.connect(ctx); err != nil {
		return err
	}
	remote, err := d.upload(ctx, torrentPath)
	if err != nil {
		return err
	}

	raw, err := d.call(ctx, "web.add_torrents", []map[string]any{{
		"path": remote,
		"options": map[string]any{
			"download_location": d.saveDir(contentPath),
			"add_paused":        true,
		},
	}})
	if err != nil {
		return err
	}
	var results [][]json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil || len(results) == 0 || len(results[0]) < 2 {
		return errs.New(errs.Network, "torrent uploaded to Deluge but failed to add")
	}
	var added bool
	var infohash string
	_ = json.Unmarshal(results[0][0], &added)
	_ = json.Unmarshal(results[0][1], &infohash)
	if !added {
		return errs.New(errs.Network, "torrent uploaded to Deluge but failed to add (does it already exist?)")
	}
	if infohash != "" {
		d.hashes.Set(torrentPath, infohash)
	}
	_, err = d.call(ctx, "core.force_recheck", []string{infohash})
	return err
}

func (d *Deluge) Start(ctx context.Context, torrentPath string) error {
	return d.start(ctx, torrentPath, d.Resume)
}

func (d *Deluge) Resume(ctx context.Context, infohash string) error {
	if err := d.connect(ctx); err != nil {
		return err
	}
	_, err := d.call(ctx, "core.resume_torrent", []string{infohash})
	return err
}

func (d *Deluge) Connected(ctx context.Context) bool {
	return d.connect(ctx) == nil
}
