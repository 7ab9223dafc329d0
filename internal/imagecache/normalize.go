package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/webp"
)

const (
	shrinkFactor   = 0.95
	maxShrinkSteps = 80
	defaultSVGSize = 512
)

// GIFConverter re-encodes an animated image as GIF. ffmpeg does this in
// production.
type GIFConverter interface {
	ToGIF(ctx context.Context, in, out string) error
}

// Normalize converts data into something every host accepts: animated webp
// becomes gif, static webp and svg become png. Unknown input is rejected.
func Normalize(ctx context.Context, data []byte, m Mime, gif GIFConverter) ([]byte, Mime, error) {
	switch m {
	case JPEG, PNG, GIF:
		return data, m, nil
	case WEBP:
		if IsAnimatedWebP(data) {
			out, err := webpToGIF(ctx, data, gif)
			return out, GIF, err
		}
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, Unknown, errs.Wrap(err, errs.UploadFailed, "decode webp")
		}
		out, err := encode(img, PNG)
		return out, PNG, err
	case SVG:
		out, err := rasterizeSVG(data)
		return out, PNG, err
	default:
		return nil, Unknown, errs.New(errs.UploadFailed, "unsupported image type").
			WithUserMessage("Unrecognized image format")
	}
}

// IsAnimatedWebP checks the VP8X animation flag of a RIFF/WEBP container.
func IsAnimatedWebP(data []byte) bool {
	if len(data) < 21 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return false
	}
	if string(data[12:16]) != "VP8X" {
		return false
	}
	const animationFlag = 0x02
	return data[20]&animationFlag != 0
}

func webpToGIF(ctx context.Context, data []byte, gif GIFConverter) ([]byte, error) {
	if gif == nil {
		return nil, errs.New(errs.UploadFailed, "no converter for animated webp")
	}
	dir, err := os.MkdirTemp("", "stash-empornium-webp-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.webp")
	out := filepath.Join(dir, "out.gif")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, err
	}
	if err := gif.ToGIF(ctx, in, out); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

func rasterizeSVG(data []byte) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(err, errs.UploadFailed, "parse svg")
	}
	w, h := int(icon.ViewBox.W), int(icon.ViewBox.H)
	if w <= 0 || h <= 0 {
		w, h = defaultSVGSize, defaultSVGSize
	}
	icon.SetTarget(0, 0, float64(w), float64(h))
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	icon.Draw(rasterx.NewDasher(w, h, rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())), 1)
	return encode(rgba, PNG)
}

// Resize scales the image down to width, keeping the aspect ratio. Images
// already narrow enough are returned unchanged. Formats imaging cannot
// re-encode come back as png.
func Resize(data []byte, m Mime, width int) ([]byte, Mime, error) {
	if width <= 0 || m == SVG || m == Unknown {
		return data, m, nil
	}
	img, err := decode(data, m)
	if err != nil {
		return nil, m, err
	}
	if img.Bounds().Dx() <= width {
		return data, m, nil
	}
	resized := imaging.Resize(img, width, 0, imaging.Lanczos)
	if m == WEBP {
		m = PNG
	}
	out, err := encode(resized, m)
	if err != nil {
		return nil, m, err
	}
	log.Debug("Resized image to %dx%d", resized.Bounds().Dx(), resized.Bounds().Dy())
	return out, m, nil
}

// Shrink re-encodes the image at 95% of its size until it fits maxSize.
// GIFs are never re-encoded since that would keep only the first frame.
func Shrink(data []byte, m Mime, maxSize int64) ([]byte, error) {
	if maxSize <= 0 || int64(len(data)) <= maxSize {
		return data, nil
	}
	if m == GIF {
		return nil, errs.New(errs.UploadFailed, "gif is %s, over the %s upload limit",
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(maxSize)))
	}
	original := len(data)
	img, err := decode(data, m)
	if err != nil {
		return nil, err
	}
	for range maxShrinkSteps {
		b := img.Bounds()
		w := int(float64(b.Dx()) * shrinkFactor)
		h := int(float64(b.Dy()) * shrinkFactor)
		if w < 1 || h < 1 {
			break
		}
		img = imaging.Resize(img, w, h, imaging.Lanczos)
		if data, err = encode(img, m); err != nil {
			return nil, err
		}
		if int64(len(data)) <= maxSize {
			log.Debug("Shrunk image from %s to %s", humanize.Bytes(uint64(original)), humanize.Bytes(uint64(len(data))))
			return data, nil
		}
	}
	return nil, errs.New(errs.UploadFailed, "image still larger than %s after shrinking", humanize.Bytes(uint64(maxSize)))
}

func decode(data []byte, m Mime) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	if m == WEBP {
		img, err = webp.Decode(bytes.NewReader(data))
	} else {
		img, err = imaging.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.UploadFailed, "decode %s", m.Ext())
	}
	return img, nil
}

func encode(img image.Image, m Mime) ([]byte, error) {
	var format imaging.Format
	switch m {
	case JPEG:
		format = imaging.JPEG
	case PNG:
		format = imaging.PNG
	case GIF:
		format = imaging.GIF
	default:
		return nil, fmt.Errorf("cannot encode %s", m.Ext())
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return nil, errs.Wrap(err, errs.UploadFailed, "encode %s", m.Ext())
	}
	return buf.Bytes(), nil
}
