package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func checkerboard(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestEncodeJPEGProducesDecodableImage(t *testing.T) {
	src := checkerboard(64, 64)
	data, err := EncodeJPEG(src, 90)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("decode round trip: %v", err)
	}
}

func TestThumbnailResizesToBoundingBox(t *testing.T) {
	src := checkerboard(640, 480)
	data, err := Thumbnail(src, 320, 240, 75)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 320 || b.Dy() > 240 {
		t.Fatalf("expected thumbnail within 320x240, got %dx%d", b.Dx(), b.Dy())
	}
	if b.Dx() == 0 || b.Dy() == 0 {
		t.Fatal("expected non-empty thumbnail")
	}
}
