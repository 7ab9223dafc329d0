package pathmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	table := Table{
		"/data":         "/mnt/media",
		"/data/videos/": "/srv/videos/",
		"/other":        "/x",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "longest prefix wins", in: "/data/videos/a.mp4", want: "/srv/videos/a.mp4"},
		{name: "shorter prefix", in: "/data/pics/b.jpg", want: "/mnt/media/pics/b.jpg"},
		{name: "exact prefix", in: "/data", want: "/mnt/media"},
		{name: "segment boundary", in: "/database/c.mp4", want: "/database/c.mp4"},
		{name: "no match", in: "/elsewhere/d.mp4", want: "/elsewhere/d.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Map(tt.in, table))
		})
	}
}

func TestMapRootPrefix(t *testing.T) {
	assert.Equal(t, "/host/data/a.mp4", Map("/data/a.mp4", Table{"/": "/host"}))
	assert.Equal(t, "/data/a.mp4", Map("/data/a.mp4", Table{"/mnt": "/"}))
	assert.Equal(t, "/a.mp4", Map("/mnt/a.mp4", Table{"/mnt": "/"}))
}

func TestMapEmptyTable(t *testing.T) {
	assert.Equal(t, "/a/b", Map("/a/b", nil))
}
