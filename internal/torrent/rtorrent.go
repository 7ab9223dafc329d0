package torrent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// RTorrent speaks rTorrent's XML-RPC interface.
type RTorrent struct {
	base
	url      string
	username string
	password string
	client   *http.Client
}

func NewRTorrent(opts Options, hashes *HashBook) *RTorrent {
	path := strings.TrimPrefix(opts.Path, "/")
	if path == "" {
		path = "RPC2"
	}
	r := &RTorrent{
		base:     newBase("rTorrent", opts, hashes),
		url:      opts.baseURL(8080) + "/" + path,
		username: opts.Username,
		password: opts.Password,
		client:   opts.httpClient(),
	}
	log.Debug("Connecting to rtorrent at '%s'", r.url)
	return r
}

func (r *RTorrent) Add(ctx context.Context, torrentPath, contentPath string) error {
	if _, err := r.hashes.Remember(torrentPath); err != nil {
		return errs.Wrap(err, errs.BuildFailed, "read torrent %s", torrentPath)
	}
	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return err
	}
	dir := r.saveDir(contentPath)
	log.Debug("Adding torrent %s to directory %s", torrentPath, dir)
	return r.call(ctx, "load.raw_verbose",
		xmlString(""),
		xmlBase64(raw),
		xmlString("d.directory.set="+dir),
		xmlString("d.custom1.set="+r.label),
		xmlString("d.check_hash="),
	)
}

func (r *RTorrent) Start(ctx context.Context, torrentPath string) error {
	return r.start(ctx, torrentPath, r.Resume)
}

func (r *RTorrent) Resume(ctx context.Context, infohash string) error {
	return r.call(ctx, "d.start", xmlString(strings.ToUpper(infohash)))
}

func (r *RTorrent) Connected(ctx context.Context) bool {
	return r.call(ctx, "system.listMethods") == nil
}

type xmlParam string

func xmlString(s string) xmlParam {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return xmlParam("<string>" + buf.String() + "</string>")
}

func xmlBase64(b []byte) xmlParam {
	return xmlParam("<base64>" + base64.StdEncoding.EncodeToString(b) + "</base64>")
}

type methodResponse struct {
	Fault *struct {
		Members []struct {
			Name  string `xml:"name"`
			Value struct {
				String string `xml:"string"`
				Int    string `xml:"int"`
				I4     string `xml:"i4"`
				Text   string `xml:",chardata"`
			} `xml:"value"`
		} `xml:"value>struct>member"`
	} `xml:"fault"`
}

func (m *methodResponse) faultString() string {
	for _, member := range m.Fault.Members {
		if member.Name == "faultString" {
			if member.Value.String != "" {
				return member.Value.String
			}
			return strings.TrimSpace(member.Value.Text)
		}
	}
	return "unknown fault"
}

func (r *RTorrent) call(ctx context.Context, method string, params ...xmlParam) error {
	var body strings.Builder
	body.WriteString(xml.Header)
	body.WriteString("<methodCall><methodName>")
	body.WriteString(method)
	body.WriteString("</methodName><params>")
	for _, p := range params {
		body.WriteString("<param><value>")
		body.WriteString(string(p))
		body.WriteString("</value></param>")
	}
	body.WriteString("</params></methodCall>")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(body.String()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml")
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errs.Wrap(err, errs.Network, "rtorrent %s", method)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.Network, "rtorrent %s: status %d", method, resp.StatusCode)
	}

	var res methodResponse
	if err := xml.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode rtorrent response: %w", err)
	}
	if res.Fault != nil {
		return errs.New(errs.Network, "rtorrent %s: %s", method, res.faultString())
	}
	return nil
}
