package media

import (
	"fmt"
	"strings"
)

type resolutionBand struct {
	min   int
	max   int // exclusive; 0 means unbounded
	label string
}

// Same heuristics stash uses for its resolution filter.
var resolutionBands = []resolutionBand{
	{144, 240, "144p"},
	{240, 360, "240p"},
	{360, 480, "360p"},
	{480, 540, "480p"},
	{540, 720, "540p"},
	{720, 1080, "720p"},
	{1080, 1440, "1080p"},
	{1440, 1920, "1440p"},
	{1920, 2560, "2160p"},
	{2560, 3000, "5K"},
	{3000, 3584, "6K"},
	{3584, 3840, "7K"},
	{3840, 6143, "8K"},
	{6143, 0, "8K+"},
}

// ResolutionLabel returns the label for a frame height. Heights below the
// first band have no label.
func ResolutionLabel(height int) (string, bool) {
	for _, band := range resolutionBands {
		if height >= band.min && (band.max == 0 || height < band.max) {
			return band.label, true
		}
	}
	return "", false
}

// FormatDuration renders seconds as H:MM:SS, dropping a zero hour ("02:05").
func FormatDuration(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	out := fmt.Sprintf("%d:%02d:%02d", h, m, s)
	return strings.TrimPrefix(out, "0:")
}

// ScreenSeeks spreads n capture points over the middle 90% of the video.
func ScreenSeeks(duration float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{duration * 0.5}
	}
	seeks := make([]float64, n)
	for i := range n {
		seeks[i] = duration * (0.05 + float64(i)/float64(n-1)*0.9)
	}
	return seeks
}
