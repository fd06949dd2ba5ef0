package faceengine

import (
	"context"
	"image"
)

type contrastFallback struct {
	Adapter
}

// WithContrastFallback wraps an adapter so that a detection pass returning no
// faces is retried exactly once on a luminance-equalized copy of the image.
// Frames that already yield faces cost a single pass.
func WithContrastFallback(a Adapter) Adapter {
	if _, ok := a.(contrastFallback); ok {
		return a
	}
	return contrastFallback{Adapter: a}
}

func (c contrastFallback) Detect(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	faces, err := c.Adapter.Detect(ctx, img)
	if err != nil || len(faces) > 0 || !IsUsableImage(img) {
		return faces, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Adapter.Detect(ctx, EqualizeLuminance(img))
}
