package preprocess

import (
	"bytes"
	"fmt"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

// ReadOrientation returns the EXIF orientation code (1-8) embedded in raw.
func ReadOrientation(raw []byte) (int, error) {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return 1, err
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1, err
	}
	code, err := tag.Int(0)
	if err != nil {
		return 1, err
	}
	if code < 1 || code > 8 {
		return 1, fmt.Errorf("orientation %d out of range", code)
	}
	return code, nil
}

// ApplyOrientation undoes the camera rotation or mirroring described by code
// so that the visual top of the scene is at the top of the buffer. Code 1 and
// unknown codes return src unchanged.
func ApplyOrientation(src *image.RGBA, code int) *image.RGBA {
	if code <= 1 || code > 8 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if code >= 5 {
		dw, dh = h, w
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			sx, sy := sourcePixel(code, x, y, w, h)
			si := src.PixOffset(b.Min.X+sx, b.Min.Y+sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// sourcePixel maps a destination pixel back to the source for a w x h source.
func sourcePixel(code, x, y, w, h int) (int, int) {
	switch code {
	case 2: // mirrored horizontally
		return w - 1 - x, y
	case 3: // rotated 180
		return w - 1 - x, h - 1 - y
	case 4: // mirrored vertically
		return x, h - 1 - y
	case 5: // transpose
		return y, x
	case 6: // needs 90 clockwise
		return y, h - 1 - x
	case 7: // transverse
		return w - 1 - y, h - 1 - x
	case 8: // needs 90 counter-clockwise
		return w - 1 - y, x
	}
	return x, y
}
