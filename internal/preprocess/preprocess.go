// Package preprocess turns raw image bytes into an upright, RGB, contrast
// normalized buffer of bounded size. Every step after decoding is best-effort:
// a failing step hands its input through unchanged.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrDecode wraps any failure to turn bytes into pixels.
var ErrDecode = errors.New("decode image")

// Options controls the normalization steps.
type Options struct {
	// MaxDimension caps the longer side; larger images are downscaled. Zero disables.
	MaxDimension int
	// TileGrid is the number of CLAHE tiles per axis.
	TileGrid int
	// ClipLimit is the CLAHE clip limit. Zero disables equalization.
	ClipLimit float64
	// MaxPixels rejects images whose declared width*height is larger, before
	// any pixel buffer is allocated. Zero disables the check.
	MaxPixels int
}

// bytesPerPixel is the peak working set per pixel: the decoder's native
// buffer, the RGBA copy, and the equalization planes and output.
const bytesPerPixel = 32

// DefaultOptions are the production settings.
func DefaultOptions() Options {
	return Options{MaxDimension: 1300, TileGrid: 8, ClipLimit: 2.0, MaxPixels: MaxPixelsFor(0.5)}
}

// MaxPixelsFor is the largest image that fits in perImageGB of memory.
func MaxPixelsFor(perImageGB float64) int {
	if perImageGB <= 0 {
		return 0
	}
	return int(perImageGB * (1 << 30) / bytesPerPixel)
}

// Preprocessor applies Options to images. It holds no per-image state and is
// safe for concurrent use.
type Preprocessor struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Preprocessor with opts.
func New(opts Options, logger *zap.Logger) *Preprocessor {
	return &Preprocessor{opts: opts, logger: logger.Named("preprocess")}
}

// Options returns the configured options.
func (p *Preprocessor) Options() Options {
	return p.opts
}

// Normalize runs every step in order: decode, orientation, equalization, downscale.
func (p *Preprocessor) Normalize(raw []byte) (*image.RGBA, error) {
	img, err := p.Decode(raw)
	if err != nil {
		return nil, err
	}
	img = p.Orient(raw, img)
	img = p.Equalize(img)
	return p.Downscale(img), nil
}

// Decode converts raw bytes into an opaque RGBA buffer. Images larger than
// MaxPixels are rejected from their header alone.
func (p *Preprocessor) Decode(raw []byte) (*image.RGBA, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if limit := p.opts.MaxPixels; limit > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(limit) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, limit)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	p.logger.Debug("image decoded",
		zap.String("format", format),
		zap.Int("width", src.Bounds().Dx()),
		zap.Int("height", src.Bounds().Dy()))
	return toRGB(src), nil
}

// Orient applies the EXIF orientation found in raw. Missing or unreadable
// metadata leaves img as is.
func (p *Preprocessor) Orient(raw []byte, img *image.RGBA) *image.RGBA {
	return p.step("orientation", img, func(in *image.RGBA) (*image.RGBA, error) {
		code, err := ReadOrientation(raw)
		if err != nil {
			p.logger.Debug("no usable orientation metadata", zap.Error(err))
			return in, nil
		}
		return ApplyOrientation(in, code), nil
	})
}

// Equalize applies CLAHE to the luminance channel.
func (p *Preprocessor) Equalize(img *image.RGBA) *image.RGBA {
	if p.opts.ClipLimit <= 0 {
		return img
	}
	return p.step("equalize", img, func(in *image.RGBA) (*image.RGBA, error) {
		return EqualizeLuminance(in, p.opts.TileGrid, p.opts.ClipLimit), nil
	})
}

// Downscale shrinks img so that its longer side is at most MaxDimension.
func (p *Preprocessor) Downscale(img *image.RGBA) *image.RGBA {
	return p.step("downscale", img, func(in *image.RGBA) (*image.RGBA, error) {
		out := Downscale(in, p.opts.MaxDimension)
		if out != in {
			p.logger.Debug("image downscaled",
				zap.Int("from_width", in.Bounds().Dx()),
				zap.Int("from_height", in.Bounds().Dy()),
				zap.Int("to_width", out.Bounds().Dx()),
				zap.Int("to_height", out.Bounds().Dy()))
		}
		return out, nil
	})
}

func (p *Preprocessor) step(name string, img *image.RGBA, fn func(*image.RGBA) (*image.RGBA, error)) (out *image.RGBA) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("preprocess step panicked, passing image through",
				zap.String("stage", name), zap.Any("panic", r))
			out = img
		}
	}()
	res, err := fn(img)
	if err != nil || res == nil {
		p.logger.Warn("preprocess step failed, passing image through",
			zap.String("stage", name), zap.Error(err))
		return img
	}
	return res
}

// toRGB copies src into an RGBA buffer with every pixel fully opaque. Alpha is
// dropped, not composited, so colours of translucent pixels are kept.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
		return dst
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}
