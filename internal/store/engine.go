package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
)

// Engine is the dedup/upsert layer over the registered backends. It
// decides insert/update/skip per backend by canonical URL and never
// retries a failed backend write itself; retry is the caller's call.
type Engine struct {
	backends []domain.Backend
	logger   *utils.Logger
}

// NewEngine creates an engine over the given backends. Registration
// order is the order results are reported in.
func NewEngine(logger *utils.Logger, backends ...domain.Backend) *Engine {
	if logger == nil {
		logger = utils.NewDefaultLogger()
	}
	return &Engine{
		backends: backends,
		logger:   logger.WithComponent("engine"),
	}
}

// Backend returns the registered backend with the given id, or nil
func (e *Engine) Backend(id domain.BackendID) domain.Backend {
	for _, b := range e.backends {
		if b.ID() == id {
			return b
		}
	}
	return nil
}

// BackendIDs returns the registered backend ids in registration order
func (e *Engine) BackendIDs() []domain.BackendID {
	ids := make([]domain.BackendID, len(e.backends))
	for i, b := range e.backends {
		ids[i] = b.ID()
	}
	return ids
}

// Upsert writes the record into every requested target and returns one
// result per target, in the requested order. Each (record, backend)
// write happens at most once per call. Existence checks are strictly
// backend-local: presence in one target never short-circuits another.
func (e *Engine) Upsert(ctx context.Context, rec domain.Record, targets []domain.BackendID) []domain.BackendResult {
	results := make([]domain.BackendResult, 0, len(targets))

	for _, id := range targets {
		backend := e.Backend(id)
		if backend == nil {
			results = append(results, domain.BackendResult{
				Backend: id,
				Outcome: domain.OutcomeFailed,
				Err:     fmt.Errorf("backend %q is not registered", id),
			})
			continue
		}
		results = append(results, e.upsertOne(ctx, backend, rec))
	}
	return results
}

func (e *Engine) upsertOne(ctx context.Context, backend domain.Backend, rec domain.Record) domain.BackendResult {
	result := domain.BackendResult{Backend: backend.ID()}
	log := e.logger.WithBackend(string(backend.ID())).WithURL(rec.Key())

	existing, err := backend.Get(ctx, rec.Kind(), rec.Key())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if insErr := backend.Insert(ctx, rec); insErr != nil {
			if errors.Is(insErr, domain.ErrRecordExists) {
				// The backend saw the row appear between our check and
				// the write; same terminal state, no data duplicated
				result.Outcome = domain.OutcomeSkippedExisting
				return result
			}
			result.Outcome = domain.OutcomeFailed
			result.Err = insErr
			log.Error().Err(insErr).Msg("Insert failed")
			return result
		}
		result.Outcome = domain.OutcomeCreated
		log.Debug().Msg("Record created")
		return result

	case err != nil:
		result.Outcome = domain.OutcomeFailed
		result.Err = err
		log.Error().Err(err).Msg("Existence check failed")
		return result
	}

	if existing.Equal(rec) {
		result.Outcome = domain.OutcomeSkippedExisting
		log.Debug().Msg("Record unchanged, skipping write")
		return result
	}

	if updErr := backend.Update(ctx, rec.Key(), rec); updErr != nil {
		result.Outcome = domain.OutcomeFailed
		result.Err = updErr
		log.Error().Err(updErr).Msg("Update failed")
		return result
	}
	result.Outcome = domain.OutcomeUpdated
	log.Debug().Msg("Record updated")
	return result
}

// Delete removes the record under the URL's canonical key from every
// registered backend independently; one backend failing never stops the
// attempt on the others. With allKinds set, both tables are tried in
// each backend rather than only the one the URL classifies into.
func (e *Engine) Delete(ctx context.Context, rawURL string, allKinds bool) ([]domain.DeleteResult, error) {
	canonical, err := utils.CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}

	kinds := []domain.RecordKind{utils.KindForURL(canonical)}
	if allKinds {
		kinds = []domain.RecordKind{domain.KindRepository, domain.KindPage}
	}

	results := make([]domain.DeleteResult, 0, len(e.backends))
	for _, backend := range e.backends {
		result := domain.DeleteResult{Backend: backend.ID(), Outcome: domain.DeleteNotFound}
		for _, kind := range kinds {
			switch err := backend.Delete(ctx, kind, canonical); {
			case err == nil:
				result.Outcome = domain.DeleteDeleted
			case errors.Is(err, domain.ErrNotFound):
				// keep the outcome from any earlier kind
			default:
				result.Outcome = domain.DeleteFailed
				result.Err = err
				e.logger.WithBackend(string(backend.ID())).Error().
					Err(err).Str("url", canonical).Msg("Delete failed")
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// Export returns a serialized snapshot of one backend's table
func (e *Engine) Export(ctx context.Context, id domain.BackendID, kind domain.RecordKind) ([]byte, error) {
	backend := e.Backend(id)
	if backend == nil {
		return nil, fmt.Errorf("backend %q is not registered", id)
	}
	return backend.Export(ctx, kind)
}

// Close closes every registered backend, returning the first error
func (e *Engine) Close() error {
	var firstErr error
	for _, b := range e.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasPartialSync reports whether the per-backend results diverge between
// success and failure, the signature of a partially-synced record
func HasPartialSync(results []domain.BackendResult) bool {
	var succeeded, failed bool
	for _, r := range results {
		if r.Outcome == domain.OutcomeFailed {
			failed = true
		} else {
			succeeded = true
		}
	}
	return succeeded && failed
}
