// Package extractor defines the contract of the face detection and encoding
// capability. Implementations live elsewhere; see grpcclient.
package extractor

import (
	"context"
	"image"
)

// Vector is the fixed-length encoding of one detected face.
type Vector []float64

// Region is a face bounding box in pixel coordinates of the analysed buffer.
type Region struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Face is one detection.
type Face struct {
	Region Region
	Vector Vector
}

// Config tunes detection. Upsample trades cost for recall on small faces;
// Jitters trades cost for encoding stability.
type Config struct {
	Upsample int
	Jitters  int
}

// DefaultConfig matches the production service.
func DefaultConfig() Config {
	return Config{Upsample: 1, Jitters: 1}
}

// Extractor detects faces and encodes each one. It must be deterministic for
// identical input and config. Faces come back in no particular order and an
// empty slice with a nil error means no face was found.
type Extractor interface {
	Extract(ctx context.Context, img *image.RGBA, cfg Config) ([]Face, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, img *image.RGBA, cfg Config) ([]Face, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, img *image.RGBA, cfg Config) ([]Face, error) {
	return f(ctx, img, cfg)
}
