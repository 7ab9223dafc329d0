package imagecache

import (
	"mime"
	"strings"
)

// Mime is the closed set of image types the upload path understands.
type Mime int

const (
	Unknown Mime = iota
	JPEG
	PNG
	WEBP
	SVG
	GIF
)

// Ext returns the file extension used for the type; Unknown maps to "unk".
func (m Mime) Ext() string {
	switch m {
	case JPEG:
		return "jpg"
	case PNG:
		return "png"
	case WEBP:
		return "webp"
	case SVG:
		return "svg"
	case GIF:
		return "gif"
	default:
		return "unk"
	}
}

func (m Mime) ContentType() string {
	switch m {
	case JPEG:
		return "image/jpeg"
	case PNG:
		return "image/png"
	case WEBP:
		return "image/webp"
	case SVG:
		return "image/svg+xml"
	case GIF:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func (m Mime) String() string {
	return m.ContentType()
}

// ParseMime maps a Content-Type header value to a Mime.
func ParseMime(contentType string) Mime {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return JPEG
	case "image/png":
		return PNG
	case "image/webp":
		return WEBP
	case "image/svg+xml":
		return SVG
	case "image/gif":
		return GIF
	default:
		return Unknown
	}
}
