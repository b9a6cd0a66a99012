package imaging

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"

	// imaging registers jpeg/png/gif/bmp/tiff decoders; webp decode comes
	// from x/image.
	_ "golang.org/x/image/webp"
)

// Info holds what DecodeConfig can tell us without a full decode.
type Info struct {
	Width  int
	Height int
	Format string
}

// Sniff reads just the header of an image stream: dimensions and format,
// no pixel data.
func Sniff(r io.Reader) (Info, error) {
	config, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode image header: %w", err)
	}
	return Info{Width: config.Width, Height: config.Height, Format: format}, nil
}

// Decode fully decodes an image, applying EXIF orientation so rotated
// camera shots come out upright.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// FitWithin scales the image down to fit the bounding box, preserving
// aspect ratio. Images already inside the box come back unscaled.
func FitWithin(img image.Image, maxWidth, maxHeight int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxWidth && bounds.Dy() <= maxHeight {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}

// Encode renders the image into the named format. Quality applies to jpeg
// only.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case "jpeg", "jpg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		return nil, fmt.Errorf("unsupported encode format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
