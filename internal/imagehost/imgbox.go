package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/imagecache"
	"golang.org/x/net/html"
)

const ImgboxURL = "https://imgbox.com"

// Imgbox uploads anonymously: every upload opens a fresh session, reads the
// csrf token from the landing page and trades it for an upload token.
type Imgbox struct {
	base    string
	timeout time.Duration
}

func NewImgbox(baseURL string, timeout time.Duration) *Imgbox {
	if baseURL == "" {
		baseURL = ImgboxURL
	}
	return &Imgbox{base: baseURL, timeout: timeout}
}

func (b *Imgbox) Name() string { return "imgbox" }

type imgboxToken struct {
	TokenID       json.Number `json:"token_id"`
	TokenSecret   string      `json:"token_secret"`
	GalleryID     string      `json:"gallery_id"`
	GallerySecret string      `json:"gallery_secret"`
}

type imgboxResponse struct {
	Files []struct {
		OriginalURL string `json:"original_url"`
	} `json:"files"`
}

func (b *Imgbox) Upload(ctx context.Context, data []byte, m imagecache.Mime) (string, error) {
	client := newHTTPClient(b.timeout)

	page, err := get(ctx, client, b.base+"/")
	if err != nil {
		return "", errs.Wrap(err, errs.Network, "imgbox landing page")
	}
	csrf := findCSRFToken(page)
	if csrf == "" {
		return "", errs.New(errs.UploadFailed, "imgbox csrf token not found")
	}

	token, err := b.generateToken(ctx, client, csrf)
	if err != nil {
		return "", err
	}

	fields := []field{
		{"token_id", token.TokenID.String()},
		{"token_secret", token.TokenSecret},
		{"content_type", "2"},
		{"thumbnail_size", "100c"},
		{"gallery_id", token.GalleryID},
		{"gallery_secret", token.GallerySecret},
		{"comments_enabled", "0"},
	}
	body, contentType, err := multipartBody(fields, "files[]", data, m)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/upload/process", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-CSRF-Token", csrf)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", errs.Wrap(err, errs.Network, "imgbox upload")
	}
	raw, err := readBody(resp)
	if err != nil {
		return "", errs.Wrap(err, errs.UploadFailed, "imgbox upload")
	}
	var res imgboxResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errs.Wrap(err, errs.UploadFailed, "decode imgbox response")
	}
	if len(res.Files) == 0 || res.Files[0].OriginalURL == "" {
		return "", errs.New(errs.UploadFailed, "imgbox response has no image url")
	}
	return res.Files[0].OriginalURL, nil
}

func (b *Imgbox) generateToken(ctx context.Context, client *http.Client, csrf string) (*imgboxToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/ajax/token/generate", strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-CSRF-Token", csrf)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.Network, "imgbox token")
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, errs.Wrap(err, errs.UploadFailed, "imgbox token")
	}
	var token imgboxToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, errs.Wrap(err, errs.UploadFailed, "decode imgbox token")
	}
	if token.TokenSecret == "" {
		return nil, errs.New(errs.UploadFailed, "imgbox returned an empty token")
	}
	return &token, nil
}

// findCSRFToken reads <meta name="csrf-token"> or, failing that, the
// authenticity_token form input.
func findCSRFToken(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	var fallback string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return fallback
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			attrs := make(map[string]string, len(tok.Attr))
			for _, a := range tok.Attr {
				attrs[a.Key] = a.Val
			}
			switch tok.Data {
			case "meta":
				if attrs["name"] == "csrf-token" && attrs["content"] != "" {
					return attrs["content"]
				}
			case "input":
				if attrs["name"] == "authenticity_token" && fallback == "" {
					fallback = attrs["value"]
				}
			}
		}
	}
}
