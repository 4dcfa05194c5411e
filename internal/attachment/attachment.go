// Package attachment normalizes uploaded images into bounded, model-ready
// payloads: decode, cap to 512px, flatten transparency, re-encode as JPEG.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	// Register WebP with the image registry; imaging brings JPEG, PNG,
	// GIF, TIFF and BMP itself.
	_ "golang.org/x/image/webp"
)

// ErrImageInvalid marks unreadable, unsupported, or oversized uploads. It is
// a client error, never retried.
var ErrImageInvalid = errors.New("invalid or unsupported image file")

const (
	// MaxDimension bounds both sides of the processed image.
	MaxDimension = 512
	// MaxUploadBytes caps the raw upload before any decode work happens.
	MaxUploadBytes = 8 << 20

	jpegQuality = 85
	payloadMIME = "image/jpeg"
)

// Payload is the canonical processed form of one upload.
type Payload struct {
	MIME   string
	Data   []byte
	Width  int
	Height int
}

// Base64 returns the payload encoded for inline transport to the model.
func (p *Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// DataURL returns the payload as a data: URL, the form OpenAI-compatible
// backends accept for inline images.
func (p *Payload) DataURL() string {
	return "data:" + p.MIME + ";base64," + p.Base64()
}

// Process decodes raw, scales it down so neither dimension exceeds
// MaxDimension (aspect preserved, never upscaled), flattens any alpha or
// palette data onto an opaque white background, and re-encodes as JPEG.
func Process(raw []byte) (*Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrImageInvalid)
	}
	if len(raw) > MaxUploadBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrImageInvalid, MaxUploadBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageInvalid, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > MaxDimension || bounds.Dy() > MaxDimension {
		img = imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)
	}

	flat := flatten(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageInvalid, err)
	}

	b := flat.Bounds()
	return &Payload{
		MIME:   payloadMIME,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// flatten composites the image over white so JPEG's missing alpha channel
// can't turn transparent regions black.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
