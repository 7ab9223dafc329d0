package gallery

import (
	"image"
	"image/color"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
	"github.com/disintegration/imaging"
)

// ContactSheet tiles images into rows of targetWidth. Images taller than
// rowHeight are scaled down to it; each full row is then stretched to fill
// the width exactly. Unreadable files are skipped.
func ContactSheet(files []string, targetWidth, rowHeight int, out string) error {
	var (
		rows     []*image.NRGBA
		pending  []image.Image
		rowWidth int
		total    int
	)

	flush := func(stretch bool) {
		if len(pending) == 0 {
			return
		}
		h := rowHeight
		if stretch && rowWidth > 0 {
			h = int(float64(rowHeight) * float64(targetWidth) / float64(rowWidth))
		}
		row := imaging.New(targetWidth, h, color.Black)
		left := 0
		for _, img := range pending {
			scaled := imaging.Resize(img, 0, h, imaging.Lanczos)
			row = imaging.Paste(row, scaled, image.Pt(left, 0))
			left += scaled.Bounds().Dx()
		}
		rows = append(rows, row)
		total += h
		pending = pending[:0]
		rowWidth = 0
	}

	for _, f := range files {
		img, err := imaging.Open(f)
		if err != nil {
			log.Debug("Skipping %s in gallery contact sheet: %v", f, err)
			continue
		}
		b := img.Bounds()
		w := b.Dx()
		if b.Dy() > rowHeight {
			w = int(float64(rowHeight) / float64(b.Dy()) * float64(b.Dx()))
		}
		if rowWidth > 0 && rowWidth+w > targetWidth {
			flush(true)
		}
		pending = append(pending, img)
		rowWidth += w
	}
	flush(false)

	if total == 0 {
		return errs.New(errs.BuildFailed, "no readable images for gallery contact sheet")
	}
	sheet := imaging.New(targetWidth, total, color.Black)
	top := 0
	for _, row := range rows {
		sheet = imaging.Paste(sheet, row, image.Pt(0, top))
		top += row.Bounds().Dy()
	}
	if err := imaging.Save(sheet, out); err != nil {
		return errs.Wrap(err, errs.BuildFailed, "save gallery contact sheet")
	}
	return nil
}
