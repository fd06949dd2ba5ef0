// Package recognition matches the faces in a frame against known identities.
package recognition

import (
	"errors"

	"github.com/kozaktomas/recall/internal/faceengine"
)

// ErrInvalidThreshold is returned for similarity thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("similarity threshold must be within [0, 1]")

// UnknownName is the display name of a face that matched nobody.
const UnknownName = "Unknown"

// DefaultQueryConcurrency bounds the per-face store queries of one frame.
const DefaultQueryConcurrency = 4

// Result is the outcome for one detected face.
type Result struct {
	DisplayName   string          `json:"display_name"`
	RelationLabel string          `json:"relation_label"`
	Confidence    float64         `json:"confidence"`
	BBox          faceengine.BBox `json:"bbox"`
	DetScore      float64         `json:"det_score"`
	IdentityID    *string         `json:"identity_id"` // nil when unmatched
	Err           error           `json:"-"`           // set when the store query for this face failed
}

// Matched reports whether the face was identified.
func (r Result) Matched() bool {
	return r.IdentityID != nil
}

// Degraded reports whether the face is Unknown because the store failed.
func (r Result) Degraded() bool {
	return r.Err != nil
}

func unknownResult(face faceengine.FaceDetection, err error) Result {
	return Result{
		DisplayName: UnknownName,
		Confidence:  0.0,
		BBox:        face.BBox,
		DetScore:    face.DetScore,
		Err:         err,
	}
}

// Options configures a Pipeline. Nil thresholds fall back to the adapter profile.
type Options struct {
	SimilarityThreshold *float64 // default threshold for callers without their own
	MinDetScore         *float64 // detections scoring below are dropped
	QueryConcurrency    int      // parallel store queries per frame; 0 uses DefaultQueryConcurrency
}
