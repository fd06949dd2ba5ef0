package onnx

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/kozaktomas/recall/internal/faceengine"
)

// Config locates the runtime library and the two models.
type Config struct {
	LibraryPath  string
	DetectorPath string
	EmbedderPath string
	PoolSize     int

	// Tensor names; empty values fall back to the names used by the
	// ultralytics YOLO face export and the InsightFace ArcFace export.
	DetectorInput  string
	DetectorOutput string
	EmbedderInput  string
	EmbedderOutput string
}

func (c Config) withDefaults() Config {
	if c.DetectorInput == "" {
		c.DetectorInput = "images"
	}
	if c.DetectorOutput == "" {
		c.DetectorOutput = "output0"
	}
	if c.EmbedderInput == "" {
		c.EmbedderInput = "input.1"
	}
	if c.EmbedderOutput == "" {
		c.EmbedderOutput = "683"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	return c
}

// Adapter detects faces with a YOLO model and embeds each crop with ArcFace.
// Sessions are pooled, so one Adapter serves concurrent callers.
type Adapter struct {
	profile   faceengine.Profile
	detectors *sessionPool
	embedders *sessionPool
}

// New loads both models into session pools of cfg.PoolSize.
func New(cfg Config, profile faceengine.Profile) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if cfg.DetectorPath == "" || cfg.EmbedderPath == "" {
		return nil, fmt.Errorf("%w: detector and embedder model paths are required", faceengine.ErrModelUnavailable)
	}
	if profile.Dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", profile.Dim)
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %w", faceengine.ErrModelUnavailable, err)
	}

	detectors, err := newSessionPool(tensorSpec{
		modelPath:   cfg.DetectorPath,
		inputName:   cfg.DetectorInput,
		outputName:  cfg.DetectorOutput,
		inputShape:  ort.NewShape(1, 3, DetectorInputSize, DetectorInputSize),
		outputShape: ort.NewShape(1, 5, DetectorAnchors),
	}, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: detector: %w", faceengine.ErrModelUnavailable, err)
	}

	embedders, err := newSessionPool(tensorSpec{
		modelPath:   cfg.EmbedderPath,
		inputName:   cfg.EmbedderInput,
		outputName:  cfg.EmbedderOutput,
		inputShape:  ort.NewShape(1, 3, EmbedderInputSize, EmbedderInputSize),
		outputShape: ort.NewShape(1, int64(profile.Dim)),
	}, cfg.PoolSize)
	if err != nil {
		detectors.close()
		return nil, fmt.Errorf("%w: embedder: %w", faceengine.ErrModelUnavailable, err)
	}

	return &Adapter{profile: profile, detectors: detectors, embedders: embedders}, nil
}

// Profile returns the model profile this adapter was built for.
func (a *Adapter) Profile() faceengine.Profile {
	return a.profile
}

// Detect runs the detector on the whole frame, suppresses overlapping boxes
// and embeds every surviving face.
func (a *Adapter) Detect(ctx context.Context, img image.Image) ([]faceengine.FaceDetection, error) {
	if !faceengine.IsUsableImage(img) {
		return []faceengine.FaceDetection{}, nil
	}
	bounds := img.Bounds()

	resized := imaging.Resize(img, DetectorInputSize, DetectorInputSize, imaging.Linear)
	preds, err := a.detectors.with(ctx, func(s *session) ([]float32, error) {
		return s.infer(func(dst []float32) { fillCHW(dst, resized, 0, 255) })
	})
	if err != nil {
		return nil, a.wrap(ctx, err)
	}

	dets := decodeDetections(preds, DetectorAnchors, bounds.Dx(), bounds.Dy(), candidateScore)
	dets = faceengine.SuppressOverlaps(dets, nmsIoU)

	faces := make([]faceengine.FaceDetection, 0, len(dets))
	for _, d := range dets {
		d.BBox = d.BBox.Translate(float64(bounds.Min.X), float64(bounds.Min.Y))
		crop := faceCrop(img, d.BBox)

		emb, err := a.embedders.with(ctx, func(s *session) ([]float32, error) {
			return s.infer(func(dst []float32) { fillCHW(dst, crop, 127.5, 127.5) })
		})
		if err != nil {
			return nil, a.wrap(ctx, err)
		}
		if len(emb) != a.profile.Dim {
			return nil, &faceengine.DimensionMismatchError{
				Source: "model " + a.profile.Name,
				Want:   a.profile.Dim,
				Got:    len(emb),
			}
		}
		l2Normalize(emb)
		d.Embedding = emb
		faces = append(faces, d)
	}
	return faces, nil
}

func (a *Adapter) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", faceengine.ErrModelUnavailable, err)
}

// Close releases all sessions. The onnxruntime environment stays loaded.
func (a *Adapter) Close() {
	a.detectors.close()
	a.embedders.close()
}
