package acquire

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	// Decoders registered with image.Decode
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxSamples bounds the pixel grid inspected by the content check
const maxSamples = 128

// validate decodes data and applies size, geometry and content checks. A
// non-empty reason means the candidate was rejected.
func (p *Pipeline) validate(data []byte) (image.Image, string, error) {
	if int64(len(data)) < p.opts.MinBytes {
		return nil, ReasonTooSmall, fmt.Errorf("%d bytes", len(data))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ReasonDecode, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < p.opts.MinWidth || h < p.opts.MinHeight {
		return nil, ReasonDimensions, fmt.Errorf("%dx%d", w, h)
	}

	aspect := float64(w) / float64(h)
	if (p.opts.MinAspect > 0 && aspect < p.opts.MinAspect) || (p.opts.MaxAspect > 0 && aspect > p.opts.MaxAspect) {
		return nil, ReasonAspect, fmt.Errorf("aspect %.2f", aspect)
	}

	stddev, colors := contentStats(img)
	if stddev < p.opts.MinStdDev || colors < p.opts.MinColors {
		return nil, ReasonNoContent, fmt.Errorf("stddev %.1f, %d colors", stddev, colors)
	}

	return img, "", nil
}

// contentStats samples up to maxSamples x maxSamples pixels and returns the
// luminance standard deviation and the distinct quantized color count.
func contentStats(img image.Image) (float64, int) {
	b := img.Bounds()
	stepX := max(1, b.Dx()/maxSamples)
	stepY := max(1, b.Dy()/maxSamples)

	var sum, sumSq float64
	var n int
	colors := make(map[uint16]struct{})

	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			r8, g8, b8 := r>>8, g>>8, bl>>8
			lum := 0.299*float64(r8) + 0.587*float64(g8) + 0.114*float64(b8)
			sum += lum
			sumSq += lum * lum
			n++
			colors[uint16(r8>>3)<<10|uint16(g8>>3)<<5|uint16(b8>>3)] = struct{}{}
		}
	}
	if n == 0 {
		return 0, 0
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance), len(colors)
}

// hasTransparency reports whether any pixel is not fully opaque
func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9]+`)

// fileStem builds a readable, collision-free name from the query and hash
func fileStem(query, hash string) string {
	slug := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(query), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		slug = "image"
	}
	return slug + "_" + hash[:12]
}

// save writes img as PNG when it carries transparency and JPEG otherwise,
// through a temp file and rename so readers never see a partial image.
func (p *Pipeline) save(img image.Image, hash, destDir, query string) (*Asset, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}

	ext := ".jpg"
	if hasTransparency(img) {
		ext = ".png"
	}
	finalPath := filepath.Join(destDir, fileStem(query, hash)+ext)

	tmp, err := os.CreateTemp(destDir, ".acquire-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if ext == ".png" {
		err = png.Encode(tmp, img)
	} else {
		err = jpeg.Encode(tmp, img, &jpeg.Options{Quality: p.opts.JPEGQuality})
	}
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename asset: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("stat asset: %w", err)
	}

	b := img.Bounds()
	return &Asset{
		LocalPath:   finalPath,
		ContentHash: hash,
		Width:       b.Dx(),
		Height:      b.Dy(),
		ByteSize:    info.Size(),
	}, nil
}
