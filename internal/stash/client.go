// Package stash queries a stash instance over GraphQL.
package stash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

const DefaultURL = "http://localhost:9999"

const findSceneQuery = `query FindScene($id: ID!) {
  findScene(id: $id) {
    id
    title
    details
    director
    date
    galleries { folder { path } files { path } }
    studio { name url image_path parent_studio { url } }
    tags { name parents { name } }
    performers {
      name circumcised country ethnicity eye_color fake_tits gender
      hair_color height_cm measurements piercings image_path tattoos
      tags { name }
    }
    paths { screenshot preview }
    files {
      id path basename width height format duration
      video_codec audio_codec frame_rate bit_rate size
    }
  }
}`

type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    strings.TrimSuffix(url, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

type graphQLError struct {
	Message string `json:"message"`
}

// FindScene returns nil and a NotFound error when stash has no such scene.
func (c *Client) FindScene(ctx context.Context, id string) (*Scene, error) {
	payload, err := json.Marshal(map[string]any{
		"query":     findSceneQuery,
		"variables": map[string]any{"id": id},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.Network, "query stash").
			WithUserMessage("Unable to reach stash")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.New(errs.Network, "stash returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))).
			WithUserMessage("Stash query failed")
	}

	var res struct {
		Data struct {
			FindScene *Scene `json:"findScene"`
		} `json:"data"`
		Errors []graphQLError `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode stash response: %w", err)
	}
	if len(res.Errors) > 0 {
		return nil, errs.New(errs.Network, "stash: %s", res.Errors[0].Message).
			WithUserMessage("Stash query failed")
	}
	if res.Data.FindScene == nil {
		return nil, errs.New(errs.NotFound, "scene %s not found", id).
			WithUserMessage("Scene does not exist")
	}
	log.Debug("Loaded scene %s with %d files", id, len(res.Data.FindScene.Files))
	return res.Data.FindScene, nil
}

// Download fetches an asset served by stash (screenshots, previews, images).
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", errs.Wrap(err, errs.Network, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errs.New(errs.NotFound, "download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.Wrap(err, errs.Network, "read %s", url)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}
}
