package database

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/recall/internal/faceengine"
)

var (
	// ErrStoreUnavailable wraps every failure to reach the backing store.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrInvalidRecord is returned for records without id or embedding.
	ErrInvalidRecord = errors.New("invalid identity record")

	// ErrUnknownBackend is returned by Open for unregistered backends.
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ValidateRecords checks that every record is complete and that all share
// one dimension equal to storedDim (when storedDim > 0). It returns the
// batch dimension.
func ValidateRecords(records []IdentityRecord, storedDim int) (int, error) {
	dim := storedDim
	for _, r := range records {
		if r.IdentityID == "" {
			return 0, fmt.Errorf("%w: empty identity id", ErrInvalidRecord)
		}
		if len(r.Embedding) == 0 {
			return 0, fmt.Errorf("%w: identity %s has no embedding", ErrInvalidRecord, r.IdentityID)
		}
		if dim == 0 {
			dim = len(r.Embedding)
			continue
		}
		if len(r.Embedding) != dim {
			return 0, &faceengine.DimensionMismatchError{
				Source: "identity " + r.IdentityID,
				Want:   dim,
				Got:    len(r.Embedding),
			}
		}
	}
	return dim, nil
}
