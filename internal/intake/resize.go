package intake

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const mobileMaxDimension = 1200

// Profile bounds a pre-submission downscale.
type Profile struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

func DesktopProfile() Profile {
	return Profile{MaxWidth: 1920, MaxHeight: 1920, Quality: 85}
}

// MobileProfile tightens p to at most 1200px per side and re-encodes at a
// lower quality.
func MobileProfile(p Profile) Profile {
	return Profile{
		MaxWidth:  min(p.MaxWidth, mobileMaxDimension),
		MaxHeight: min(p.MaxHeight, mobileMaxDimension),
		Quality:   75,
	}
}

// ResizedDimensions scales (w, h) into (maxW, maxH) keeping the aspect
// ratio. It never upscales.
func ResizedDimensions(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return w, h
	}
	if w <= maxW && h <= maxH {
		return w, h
	}

	ratio := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(math.Floor(float64(w) * ratio))
	nh := int(math.Floor(float64(h) * ratio))
	return max(nw, 1), max(nh, 1)
}

// Downscale decodes img, fits it into p and re-encodes it as JPEG. Images
// already inside the bounds are returned unchanged.
func Downscale(img Image, p Profile) (Image, error) {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	w, h := ResizedDimensions(b.Dx(), b.Dy(), p.MaxWidth, p.MaxHeight)
	if w == b.Dx() && h == b.Dy() {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return Image{}, fmt.Errorf("encode image: %w", err)
	}

	return Image{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Filename: img.Filename,
		Source:   img.Source,
	}, nil
}

// Optimize downscales images above threshold bytes. It is best-effort: any
// failure, or a result that is not smaller, keeps the original.
func (in *Intake) Optimize(img Image, p Profile, threshold int64) Image {
	if threshold <= 0 || img.Size() <= threshold {
		return img
	}

	out, err := Downscale(img, p)
	if err != nil {
		in.logger.Warn("image optimize skipped", "err", err, "bytes", img.Size())
		return img
	}
	if out.Size() >= img.Size() {
		return img
	}

	in.logger.Debug("image optimized", "from_bytes", img.Size(), "to_bytes", out.Size())
	return out
}
