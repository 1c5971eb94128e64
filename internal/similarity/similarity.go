// Package similarity turns face encodings into per-person, per-target scores.
package similarity

import (
	"math"

	"github.com/example/face-similarity/internal/extractor"
)

// PersonEncoding is the single encoding kept for a reference person.
type PersonEncoding struct {
	ID     int64
	Vector extractor.Vector
}

// TargetFaces holds every encoding detected in one target image.
type TargetFaces struct {
	ImageURL string
	Vectors  []extractor.Vector
}

// TargetResult is the scored outcome for one target image.
type TargetResult struct {
	ImageURL     string            `json:"imageUrl"`
	Similarities map[int64]float64 `json:"similarities"`
	FaceCount    int               `json:"faceCount"`
}

// Distance is the Euclidean distance between a and b. Vectors of different
// length, or containing NaN, are infinitely far apart.
func Distance(a, b extractor.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	d := math.Sqrt(sum)
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// Score converts a distance into a similarity in [0, 1].
func Score(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	return math.Min(1, math.Max(0, 1-distance))
}

// Aggregate scores every target against every person. The result has one
// entry per target in input order. A target without faces scores 0 for
// everyone; otherwise each person's score is the best over the target's faces.
func Aggregate(people []PersonEncoding, targets []TargetFaces) []TargetResult {
	results := make([]TargetResult, len(targets))
	for i, target := range targets {
		scores := make(map[int64]float64, len(people))
		for _, person := range people {
			best := 0.0
			for _, face := range target.Vectors {
				if s := Score(Distance(person.Vector, face)); s > best {
					best = s
				}
			}
			scores[person.ID] = best
		}
		results[i] = TargetResult{
			ImageURL:     target.ImageURL,
			Similarities: scores,
			FaceCount:    len(target.Vectors),
		}
	}
	return results
}
