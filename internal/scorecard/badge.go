package scorecard

import (
	"bytes"
	"embed"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

//go:embed assets/*.svg
var badgeFiles embed.FS

type badgeCacheKey struct {
	name string
	size int
}

var (
	badgeCache   = map[badgeCacheKey]image.Image{}
	badgeCacheMu sync.RWMutex
)

// badgeImage rasterizes an embedded SVG badge at the requested pixel size.
// Rendered badges are cached per (name, size).
func badgeImage(name string, size int) (image.Image, error) {
	key := badgeCacheKey{name: name, size: size}

	badgeCacheMu.RLock()
	if img, ok := badgeCache[key]; ok {
		badgeCacheMu.RUnlock()
		return img, nil
	}
	badgeCacheMu.RUnlock()

	data, err := badgeFiles.ReadFile(fmt.Sprintf("assets/%s.svg", name))
	if err != nil {
		return nil, fmt.Errorf("read badge asset %s: %w", name, err)
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(sanitizeSVG(data)))
	if err != nil {
		return nil, fmt.Errorf("parse badge svg: %w", err)
	}

	if icon.ViewBox.W <= 0 {
		icon.ViewBox.W = float64(size)
	}
	if icon.ViewBox.H <= 0 {
		icon.ViewBox.H = float64(size)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	badgeCacheMu.Lock()
	badgeCache[key] = img
	badgeCacheMu.Unlock()

	return img, nil
}
