// Package imaging holds the still/thumbnail encode helpers shared by the
// event processor and the MJPEG server. Thumbnail resizing uses a Lanczos
// resample via disintegration/imaging, a common choice for camera-pipeline
// thumbnailing.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// EncodeJPEG encodes img at quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail resizes img to exactly width x height using Lanczos
// resampling, then encodes at quality. The aspect ratio is not preserved. The event processor calls for q=75,
// but callers supply it so the default lives in config, not here.
func Thumbnail(img image.Image, width, height, quality int) ([]byte, error) {
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	return EncodeJPEG(resized, quality)
}
