package faceengine

import (
	"errors"
	"fmt"
)

var (
	// ErrDetectionFailure means no face was found in an image.
	ErrDetectionFailure = errors.New("no face detected")

	// ErrModelUnavailable means the adapter could not run its model.
	ErrModelUnavailable = errors.New("face model unavailable")

	// ErrInvalidImage means image bytes could not be decoded.
	ErrInvalidImage = errors.New("invalid image")

	// ErrDimensionMismatch matches any *DimensionMismatchError with errors.Is.
	ErrDimensionMismatch = &DimensionMismatchError{}
)

// DimensionMismatchError reports embeddings of two different lengths meeting
// where they must agree. It is a configuration error and never retried.
type DimensionMismatchError struct {
	Source string
	Want   int
	Got    int
}

func (e *DimensionMismatchError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
	}
	return fmt.Sprintf("embedding dimension mismatch (%s): want %d, got %d", e.Source, e.Want, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	_, ok := target.(*DimensionMismatchError)
	return ok
}
