// Package thumbnail shrinks page images for previews and reference uploads.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // decoder registration
	"image/jpeg"
	_ "image/png" // decoder registration

	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration
)

const (
	DefaultMaxKB = 50

	startQuality  = 85
	minQuality    = 20
	qualityStep   = 5
	resizeQuality = 80
	resizeFactor  = 0.9
	minLongSide   = 512
)

// Compress returns data re-encoded as JPEG so that it fits into maxKB where
// possible. Data that is already small enough, or that is not a decodable
// image, is returned untouched.
func Compress(data []byte, maxKB int) ([]byte, error) {
	limit := maxKB * 1024
	if maxKB <= 0 || len(data) <= limit {
		return data, nil
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("thumbnail: not a decodable image, keeping original")
		return data, nil
	}
	img := flatten(src)

	for q := startQuality; q >= minQuality; q -= qualityStep {
		out, err := encode(img, q)
		if err != nil {
			return nil, err
		}
		if len(out) <= limit {
			log.Debug().Str("format", format).Int("from_kb", len(data)/1024).Int("to_kb", len(out)/1024).Int("quality", q).Msg("thumbnail: compressed")
			return out, nil
		}
	}
	return shrink(img, limit)
}

func shrink(img image.Image, limit int) ([]byte, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for {
		w = int(float64(w) * resizeFactor)
		h = int(float64(h) * resizeFactor)
		if w < 1 || h < 1 {
			return nil, fmt.Errorf("thumbnail: image too small to shrink")
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		out, err := encode(dst, resizeQuality)
		if err != nil {
			return nil, err
		}
		if len(out) <= limit || max(w, h) <= minLongSide {
			return out, nil
		}
	}
}

// flatten draws src over white so transparent regions do not turn black in JPEG.
func flatten(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Over)
	return dst
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("thumbnail: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Service derives preview images for finished pages.
type Service struct {
	MaxKB int
}

func (s Service) Derive(data []byte) ([]byte, error) {
	maxKB := s.MaxKB
	if maxKB <= 0 {
		maxKB = DefaultMaxKB
	}
	return Compress(data, maxKB)
}
