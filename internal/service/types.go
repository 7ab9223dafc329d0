package service

import (
	"context"

	"github.com/bdbenim/stash-empornium/internal/stash"
	"github.com/bdbenim/stash-empornium/internal/torrent"
)

// SceneSource is the catalog the generator reads scenes and assets from.
type SceneSource interface {
	FindScene(ctx context.Context, id string) (*stash.Scene, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// TorrentBuilder produces the torrent files of a submission.
type TorrentBuilder interface {
	Build(ctx context.Context, req torrent.Request) (torrent.Artifact, error)
}

// Notifier hands a finished torrent to the configured clients.
type Notifier interface {
	AddAll(ctx context.Context, torrentPath, contentPath string)
}

// performerInfo is what description templates see per performer.
type performerInfo struct {
	ImageRemoteURL string `json:"image_remote_url"`
	Tag            string `json:"tag"`
}

func (p performerInfo) templateValue() map[string]string {
	return map[string]string{
		"image_remote_url": p.ImageRemoteURL,
		"tag":              p.Tag,
	}
}

type coverURLs struct {
	Full    string
	Resized string
}

// sceneImages are the catalog-served images of performers and the studio.
type sceneImages struct {
	Performers map[string]performerInfo
	StudioLogo string
}
