// Package enrollment rebuilds the identity store from contact photos.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/recall/internal/contacts"
	"github.com/kozaktomas/recall/internal/database"
	"github.com/kozaktomas/recall/internal/faceengine"
)

// DefaultBatchSize is the number of identities written per upsert.
const DefaultBatchSize = 32

// allOwnersWeight is the scope weight of a sync over every owner. A
// single-owner sync weighs 1, so an all-owners sync excludes all of them.
const allOwnersWeight = math.MaxInt32

var (
	// ErrFaceNotFound is recorded for a contact whose photo has no detectable face.
	ErrFaceNotFound = errors.New("no face found in contact photo")

	// ErrPhotoDecode is recorded for a contact whose photo cannot be decoded.
	ErrPhotoDecode = errors.New("contact photo cannot be decoded")
)

// ContactError is a per-contact sync failure. It never aborts the batch.
type ContactError struct {
	ContactID int64
	Name      string
	Err       error
}

func (e ContactError) Error() string {
	return fmt.Sprintf("contact %d (%s): %v", e.ContactID, e.Name, e.Err)
}

func (e ContactError) Unwrap() error {
	return e.Err
}

// Report summarizes a sync run.
type Report struct {
	Synced int
	Errors []ContactError
}

// Options configures a Service.
type Options struct {
	BatchSize int
	// RateLimiter, when set, paces detection calls against the face model.
	RateLimiter *rate.Limiter
	// Progress, when set, is called after each contact with the number done and the total.
	Progress func(done, total int)
}

// Service enrolls contacts into an identity store.
type Service struct {
	source  contacts.Source
	adapter faceengine.Adapter
	store   database.IdentityWriter
	opts    Options
	logger  *slog.Logger

	runs  singleflight.Group
	scope *semaphore.Weighted

	mu      sync.Mutex
	waiters map[string]int
	cancels map[string]context.CancelFunc
}

// New creates a sync service.
func New(source contacts.Source, adapter faceengine.Adapter, store database.IdentityWriter, opts Options, logger *slog.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source:  source,
		adapter: adapter,
		store:   store,
		opts:    opts,
		logger:  logger,
		scope:   semaphore.NewWeighted(allOwnersWeight),
		waiters: make(map[string]int),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Sync enrolls every active contact with a photo, optionally for one owner only.
//
// Concurrent calls for the same owner share a single run and its report. A
// sync over all owners never overlaps a single-owner sync. The shared run is
// detached from the caller that started it: a caller whose ctx ends returns
// ctx.Err() at once, and the run itself is cancelled only when every caller
// waiting on it has gone.
func (s *Service) Sync(ctx context.Context, owner *int64) (Report, error) {
	key := "all"
	if owner != nil {
		key = strconv.FormatInt(*owner, 10)
	}

	s.join(key)
	defer s.leave(key)

	ch := s.runs.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.mu.Lock()
		s.cancels[key] = cancel
		if s.waiters[key] == 0 {
			cancel()
		}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, key)
			s.mu.Unlock()
			cancel()
		}()
		return s.scoped(runCtx, owner)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined running sync", "owner", key)
		}
		report, _ := res.Val.(Report)
		return report, res.Err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (s *Service) join(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[key]++
}

// leave drops one caller of key and cancels the run once nobody waits for it.
func (s *Service) leave(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[key]--
	if s.waiters[key] > 0 {
		return
	}
	delete(s.waiters, key)
	if cancel, ok := s.cancels[key]; ok {
		cancel()
	}
}

// scoped runs sync once no overlapping sync holds the owner's scope.
func (s *Service) scoped(ctx context.Context, owner *int64) (Report, error) {
	weight := int64(allOwnersWeight)
	if owner != nil {
		weight = 1
	}
	if err := s.scope.Acquire(ctx, weight); err != nil {
		return Report{}, err
	}
	defer s.scope.Release(weight)
	return s.sync(ctx, owner)
}

func (s *Service) sync(ctx context.Context, owner *int64) (Report, error) {
	list, err := s.source.ActiveContacts(ctx, owner)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load contacts: %w", err)
	}

	var (
		report Report
		batch  = make([]database.IdentityRecord, 0, s.opts.BatchSize)
		model  = s.adapter.Profile().Name
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.Upsert(ctx, batch); err != nil {
			return fmt.Errorf("failed to upsert %d identities: %w", len(batch), err)
		}
		report.Synced += len(batch)
		batch = make([]database.IdentityRecord, 0, s.opts.BatchSize)
		return nil
	}

	for i, c := range list {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if s.opts.RateLimiter != nil {
			if err := s.opts.RateLimiter.Wait(ctx); err != nil {
				return report, err
			}
		}

		rec, err := s.enroll(ctx, c, model)
		switch {
		case err == nil:
			batch = append(batch, rec)
		case errors.Is(err, faceengine.ErrModelUnavailable),
			errors.Is(err, faceengine.ErrDimensionMismatch),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return report, fmt.Errorf("contact %d: %w", c.ID, err)
		default:
			report.Errors = append(report.Errors, ContactError{ContactID: c.ID, Name: c.DisplayName, Err: err})
			s.logger.Warn("contact not enrolled", "contact_id", c.ID, "error", err)
		}

		if len(batch) >= s.opts.BatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
		if s.opts.Progress != nil {
			s.opts.Progress(i+1, len(list))
		}
	}
	if err := flush(); err != nil {
		return report, err
	}

	s.logger.Info("sync finished", "contacts", len(list), "synced", report.Synced, "errors", len(report.Errors))
	return report, nil
}

// enroll turns one contact photo into an identity record using its largest face.
func (s *Service) enroll(ctx context.Context, c contacts.Contact, model string) (database.IdentityRecord, error) {
	img, err := faceengine.DecodeImage(c.Photo)
	if err != nil {
		return database.IdentityRecord{}, fmt.Errorf("%w: %w", ErrPhotoDecode, err)
	}

	faces, err := s.adapter.Detect(ctx, img)
	if err != nil {
		return database.IdentityRecord{}, err
	}
	idx, ok := faceengine.LargestFace(faces)
	if !ok {
		return database.IdentityRecord{}, ErrFaceNotFound
	}

	return database.IdentityRecord{
		IdentityID:    database.IdentityIDForContact(c.ID),
		DisplayName:   c.DisplayName,
		RelationLabel: c.RelationLabel,
		OwnerID:       c.OwnerID,
		ContactID:     c.ID,
		Embedding:     faces[idx].Embedding,
		Model:         model,
	}, nil
}

// Forget removes the identities of the given contacts and returns how many existed.
func (s *Service) Forget(ctx context.Context, contactIDs ...int64) (int, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(contactIDs))
	for i, id := range contactIDs {
		ids[i] = database.IdentityIDForContact(id)
	}
	n, err := s.store.Delete(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete identities: %w", err)
	}
	s.logger.Info("identities removed", "requested", len(contactIDs), "removed", n)
	return n, nil
}
