// Package imagemeta decodes the textual properties and pixel size embedded in
// an image container. It supports PNG text chunks and JPEG EXIF/comment
// segments; property values that are not valid UTF-8 are dropped.
package imagemeta

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Format names reported in Image.Format.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

var (
	// ErrUnsupportedFormat is returned for data that is neither PNG nor JPEG.
	ErrUnsupportedFormat = errors.New("imagemeta: unsupported image format")

	// ErrTruncated is returned when a chunk or segment runs past the data.
	ErrTruncated = errors.New("imagemeta: truncated image data")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Image is the decoded metadata of one image file.
type Image struct {
	Format     string
	Width      int
	Height     int
	Properties map[string]string
}

// Sniff returns the container format from the magic bytes, or "".
func Sniff(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngSignature):
		return FormatPNG
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	}
	return ""
}

// Decode reads the text properties and dimensions from an encoded image.
func Decode(data []byte) (*Image, error) {
	img := &Image{Format: Sniff(data), Properties: make(map[string]string)}

	var err error
	switch img.Format {
	case FormatPNG:
		err = readPNGText(data, img.Properties)
	case FormatJPEG:
		err = readJPEGText(data, img.Properties)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s metadata: %w", img.Format, err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s header: %w", img.Format, err)
	}
	img.Width, img.Height = cfg.Width, cfg.Height
	return img, nil
}
