// Package faceengine turns images into face detections with identity embeddings.
package faceengine

import (
	"context"
	"image"
)

// BBox is a face bounding box in pixel coordinates: [x1, y1, x2, y2].
type BBox [4]float64

// Width returns the box width, never negative.
func (b BBox) Width() float64 {
	return max(0, b[2]-b[0])
}

// Height returns the box height, never negative.
func (b BBox) Height() float64 {
	return max(0, b[3]-b[1])
}

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// Scale multiplies every coordinate by f.
func (b BBox) Scale(f float64) BBox {
	return BBox{b[0] * f, b[1] * f, b[2] * f, b[3] * f}
}

// Translate shifts the box by (dx, dy).
func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{b[0] + dx, b[1] + dy, b[2] + dx, b[3] + dy}
}

// FaceDetection is one face found in an image.
type FaceDetection struct {
	BBox      BBox
	DetScore  float64
	Embedding []float32
}

// Profile describes what an adapter produces and how its output should be judged.
type Profile struct {
	Name                string
	Strategy            string
	Dim                 int
	MinDetScore         float64
	SimilarityThreshold float64
}

// Adapter detects faces and computes one embedding per face.
// Implementations must be safe for concurrent use and hold no per-call state.
type Adapter interface {
	// Detect returns every face found in img. Order is not guaranteed.
	// Unusable images yield an empty slice and no error.
	Detect(ctx context.Context, img image.Image) ([]FaceDetection, error)
	// Profile returns the model profile the adapter was built for.
	Profile() Profile
}
