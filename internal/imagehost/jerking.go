package imagehost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/imagecache"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

const JerkingURL = "https://jerking.empornium.ph"

var authTokenPattern = regexp.MustCompile(`config\.auth_token\s*=\s*["'](\w+)["']`)

// Jerking talks to the Chevereto instance at jerking.empornium.ph. The auth
// token scraped during the handshake is reused until an upload is refused.
type Jerking struct {
	base   string
	client *http.Client

	mu    sync.Mutex
	token string
}

func NewJerking(baseURL string, timeout time.Duration) *Jerking {
	if baseURL == "" {
		baseURL = JerkingURL
	}
	return &Jerking{base: baseURL, client: newHTTPClient(timeout)}
}

func (j *Jerking) Name() string { return "jerking" }

func (j *Jerking) handshake(ctx context.Context) (string, error) {
	body, err := get(ctx, j.client, j.base+"/json")
	if err != nil {
		return "", errs.Wrap(err, errs.Network, "jerking handshake")
	}
	m := authTokenPattern.FindSubmatch(body)
	if m == nil {
		return "", errs.New(errs.UploadFailed, "jerking auth token not found").
			WithUserMessage("Unable to get auth token for image host")
	}

	if u, err := url.Parse(j.base); err == nil {
		j.client.Jar.SetCookies(u, []*http.Cookie{
			{Name: "AGREE_CONSENT", Value: "1", Path: "/"},
			{Name: "CHV_COOKIE_LAW_DISPLAY", Value: "0", Path: "/"},
		})
	}
	return string(m[1]), nil
}

func (j *Jerking) authToken(ctx context.Context, refresh bool) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token != "" && !refresh {
		return j.token, nil
	}
	token, err := j.handshake(ctx)
	if err != nil {
		return "", err
	}
	j.token = token
	return token, nil
}

type jerkingResponse struct {
	Image *struct {
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	} `json:"image"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (j *Jerking) Upload(ctx context.Context, data []byte, m imagecache.Mime) (string, error) {
	token, err := j.authToken(ctx, false)
	if err != nil {
		return "", err
	}
	res, err := j.post(ctx, token, data, m)
	if err == nil && res.Error == nil {
		return res.url()
	}

	log.Debug("Error uploading image, retrying connection")
	if token, err = j.authToken(ctx, true); err != nil {
		return "", err
	}
	res, err = j.post(ctx, token, data, m)
	if err != nil {
		return "", err
	}
	if res.Error != nil {
		return "", errs.New(errs.UploadFailed, "jerking: %s", res.Error.Message)
	}
	return res.url()
}

func (r *jerkingResponse) url() (string, error) {
	if r.Image == nil || r.Image.Image.URL == "" {
		return "", errs.New(errs.UploadFailed, "jerking response has no image url")
	}
	return r.Image.Image.URL, nil
}

func (j *Jerking) post(ctx context.Context, token string, data []byte, m imagecache.Mime) (*jerkingResponse, error) {
	fields := []field{
		{"thumb_width", "160"},
		{"thumb_height", "160"},
		{"thumb_crop", "false"},
		{"medium_width", "800"},
		{"medium_crop", "false"},
		{"type", "file"},
		{"action", "upload"},
		{"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10)},
		{"auth_token", token},
		{"nsfw", "0"},
	}
	body, contentType, err := multipartBody(fields, "source", data, m)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.base+"/json", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", j.base)
	req.Header.Set("Referer", j.base+"/")
	req.Header.Set("User-Agent", userAgent)

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.Network, "jerking upload")
	}
	raw, readErr := readBody(resp)

	var res jerkingResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		if readErr != nil {
			return nil, errs.Wrap(readErr, errs.UploadFailed, "jerking upload")
		}
		return nil, errs.Wrap(err, errs.UploadFailed, "decode jerking response")
	}
	if res.Error == nil && readErr != nil {
		return nil, errs.Wrap(readErr, errs.UploadFailed, "jerking upload")
	}
	return &res, nil
}
