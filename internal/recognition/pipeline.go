package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/recall/internal/database"
	"github.com/kozaktomas/recall/internal/faceengine"
)

// Pipeline runs detect → filter → match → rank for single frames.
// It holds no per-call state and is safe for concurrent use.
type Pipeline struct {
	adapter     faceengine.Adapter
	store       database.IdentityReader
	profile     faceengine.Profile
	threshold   float64
	minDetScore float64
	concurrency int
	logger      *slog.Logger

	// storeDim is the store dimension once it has been verified against the profile.
	storeDim atomic.Int64
}

// New creates a pipeline over an adapter and a store handle.
func New(adapter faceengine.Adapter, store database.IdentityReader, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	profile := adapter.Profile()

	threshold := profile.SimilarityThreshold
	if opts.SimilarityThreshold != nil {
		threshold = *opts.SimilarityThreshold
	}
	minDetScore := profile.MinDetScore
	if opts.MinDetScore != nil {
		minDetScore = *opts.MinDetScore
	}
	concurrency := opts.QueryConcurrency
	if concurrency <= 0 {
		concurrency = DefaultQueryConcurrency
	}

	return &Pipeline{
		adapter:     adapter,
		store:       store,
		profile:     profile,
		threshold:   threshold,
		minDetScore: minDetScore,
		concurrency: concurrency,
		logger:      logger,
	}
}

// DefaultThreshold returns the configured similarity threshold.
func (p *Pipeline) DefaultThreshold() float64 {
	return p.threshold
}

// MinDetScore returns the detection score floor.
func (p *Pipeline) MinDetScore() float64 {
	return p.minDetScore
}

// Validate checks that the stored embeddings have the adapter's dimension.
// An empty store always passes. Store errors are returned as is.
func (p *Pipeline) Validate(ctx context.Context) error {
	dim, err := p.store.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("reading store dimension: %w", err)
	}
	return p.checkStoreDim(dim)
}

func (p *Pipeline) checkStoreDim(dim int) error {
	if dim == 0 || p.profile.Dim == 0 {
		return nil
	}
	if dim != p.profile.Dim {
		return &faceengine.DimensionMismatchError{Source: "store vs model " + p.profile.Name, Want: p.profile.Dim, Got: dim}
	}
	p.storeDim.Store(int64(dim))
	return nil
}

// Recognize identifies every face in img. threshold is the minimum similarity
// for a match; owner, when set, restricts candidates to that owner's identities.
//
// A frame without faces yields an empty slice. A failed store query degrades
// only its face to Unknown (Result.Err set). Adapter failures, dimension
// mismatches and cancellation fail the whole call, as does a threshold
// outside [0, 1].
func (p *Pipeline) Recognize(ctx context.Context, img image.Image, threshold float64, owner *int64) ([]Result, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	detections, err := p.adapter.Detect(ctx, img)
	if err != nil {
		return nil, p.adapterError(ctx, err)
	}

	faces, err := p.filter(detections)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return []Result{}, nil
	}

	results := make([]Result, len(faces))

	count, countErr := p.store.Count(ctx)
	if countErr == nil && count == 0 {
		for i, face := range faces {
			results[i] = unknownResult(face, nil)
		}
		return results, nil
	}
	if countErr != nil {
		p.logger.Debug("identity count failed, querying anyway", "error", countErr)
	} else if err := p.verifyStoreDim(ctx); err != nil {
		return nil, err
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	var (
		mu       sync.Mutex
		degraded []error
	)
	for i, face := range faces {
		g.Go(func() error {
			res, err := p.match(ctx, face, threshold, owner)
			if errors.Is(err, faceengine.ErrDimensionMismatch) {
				return err
			}
			if err != nil {
				mu.Lock()
				degraded = append(degraded, err)
				mu.Unlock()
				res = unknownResult(face, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(degraded) > 0 {
		p.logger.Warn("identity store query failed, faces reported as unknown",
			"faces", len(degraded), "total", len(faces), "error", degraded[0])
	}

	sortByConfidence(results)
	return results, nil
}

// filter drops low-confidence detections and checks embedding dimensions.
func (p *Pipeline) filter(detections []faceengine.FaceDetection) ([]faceengine.FaceDetection, error) {
	faces := make([]faceengine.FaceDetection, 0, len(detections))
	for _, d := range detections {
		if d.DetScore < p.minDetScore {
			continue
		}
		if p.profile.Dim > 0 && len(d.Embedding) != p.profile.Dim {
			return nil, &faceengine.DimensionMismatchError{Source: "detection", Want: p.profile.Dim, Got: len(d.Embedding)}
		}
		faces = append(faces, d)
	}
	return faces, nil
}

// verifyStoreDim checks the store dimension once per pipeline.
func (p *Pipeline) verifyStoreDim(ctx context.Context) error {
	if p.storeDim.Load() != 0 {
		return nil
	}
	dim, err := p.store.Dimension(ctx)
	if err != nil {
		// per-face queries will surface the outage
		return nil
	}
	return p.checkStoreDim(dim)
}

func (p *Pipeline) match(ctx context.Context, face faceengine.FaceDetection, threshold float64, owner *int64) (Result, error) {
	neighbors, err := p.store.QueryNearest(ctx, face.Embedding, database.DefaultK, owner)
	if err != nil {
		return Result{}, err
	}
	if len(neighbors) == 0 {
		return unknownResult(face, nil), nil
	}

	best := neighbors[0]
	similarity := 1 - best.Distance
	if similarity <= threshold {
		return unknownResult(face, nil), nil
	}

	id := best.Record.IdentityID
	return Result{
		DisplayName:   best.Record.DisplayName,
		RelationLabel: best.Record.RelationLabel,
		Confidence:    similarity,
		BBox:          face.BBox,
		DetScore:      face.DetScore,
		IdentityID:    &id,
	}, nil
}

func (p *Pipeline) adapterError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, faceengine.ErrModelUnavailable) || errors.Is(err, faceengine.ErrDimensionMismatch) {
		return fmt.Errorf("detecting faces: %w", err)
	}
	return fmt.Errorf("detecting faces: %w: %w", faceengine.ErrModelUnavailable, err)
}

// sortByConfidence orders results by confidence, highest first.
// Equal confidences keep detection order.
func sortByConfidence(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
}

// ValidateThreshold rejects similarity thresholds outside [0, 1]. Matched
// similarities then always lie in (0, 1].
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	return nil
}
