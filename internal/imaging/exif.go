package imaging

import (
	"io"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// CaptureTime extracts the EXIF capture timestamp. Most scanned or
// converted images carry no EXIF block at all, so absence is normal and
// returns nil rather than an error.
func CaptureTime(r io.Reader) *time.Time {
	exifData, err := exif.Decode(r)
	if err != nil {
		return nil
	}
	dt, err := exifData.DateTime()
	if err != nil {
		return nil
	}
	return &dt
}
