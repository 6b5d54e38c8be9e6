package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bayou/internal/domain"
)

const (
	DefaultEnrichWorkers   = 2
	DefaultEnrichQueueSize = 256
)

type EnrichmentJob struct {
	ActorURI string
	Protocol domain.Protocol
	Signer   domain.RequestSigner
}

// BackgroundEnricher refreshes auxiliary actor fields off the request path.
// Jobs are dropped when the queue is full and failures are only logged.
type BackgroundEnricher struct {
	Actors    ActorRepository
	Fetcher   IdentityFetcher
	Validator DocumentValidator
	Clock     Clock
	Timeout   time.Duration
	Log       logrus.FieldLogger

	jobs chan EnrichmentJob
	wg   sync.WaitGroup
}

func NewBackgroundEnricher(actors ActorRepository, fetcher IdentityFetcher, validator DocumentValidator, queueSize int, log logrus.FieldLogger) *BackgroundEnricher {
	if queueSize <= 0 {
		queueSize = DefaultEnrichQueueSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BackgroundEnricher{
		Actors:    actors,
		Fetcher:   fetcher,
		Validator: validator,
		Log:       log,
		jobs:      make(chan EnrichmentJob, queueSize),
	}
}

// Start runs workers until ctx is cancelled. Wait blocks until they exit.
func (e *BackgroundEnricher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = DefaultEnrichWorkers
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.work(ctx)
	}
}

func (e *BackgroundEnricher) Wait() {
	e.wg.Wait()
}

func (e *BackgroundEnricher) Enqueue(job EnrichmentJob) bool {
	if e == nil || job.ActorURI == "" {
		return false
	}
	select {
	case e.jobs <- job:
		return true
	default:
		e.Log.WithField("actor", job.ActorURI).Warn("enrichment queue full, dropping job")
		return false
	}
}

func (e *BackgroundEnricher) work(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			jctx, cancel := context.WithTimeout(ctx, e.timeout())
			if err := e.Enrich(jctx, job); err != nil {
				e.Log.WithFields(logrus.Fields{
					"actor": job.ActorURI,
					"error": err,
				}).Warn("actor enrichment failed")
			}
			cancel()
		}
	}
}

// Enrich refetches one actor. A changed key is swapped in as a whole; a
// tombstoned actor is deleted.
func (e *BackgroundEnricher) Enrich(ctx context.Context, job EnrichmentJob) error {
	if e.Actors == nil || e.Fetcher == nil {
		return errors.New("enricher is not configured")
	}
	existing, err := e.Actors.GetByURI(ctx, job.ActorURI)
	if err != nil {
		return err
	}
	if existing.Local {
		return nil
	}
	protocol := job.Protocol
	if protocol == "" {
		protocol = existing.Protocol
	}

	fetched, err := e.Fetcher.FetchIdentity(ctx, existing.URI, protocol, job.Signer)
	if errors.Is(err, domain.ErrTombstone) {
		return e.Actors.Delete(ctx, existing.URI)
	}
	if err != nil {
		return err
	}
	if e.Validator != nil {
		if err := e.Validator.ValidateActor(fetched, existing.URI, existing.Domain, ""); err != nil {
			return err
		}
	}

	replaced, err := syncActor(ctx, e.Actors, existing, fetched, e.now().UTC())
	if replaced {
		e.Log.WithFields(logrus.Fields{
			"actor":  existing.URI,
			"key_id": fetched.Key.ID,
		}).Info("remote key replaced")
	}
	return err
}

// syncActor writes a refetched document over the stored record. A changed
// key is swapped in as a whole.
func syncActor(ctx context.Context, repo ActorRepository, existing, fetched *domain.Actor, fetchedAt time.Time) (bool, error) {
	replaced := fetched.Key.ID != existing.Key.ID || fetched.Key.PEM != existing.Key.PEM
	if replaced {
		if err := repo.ReplacePublicKey(ctx, existing.URI, fetched.Key); err != nil {
			return false, err
		}
	}
	return replaced, repo.UpdateProfile(ctx, existing.URI, fetched.Profile(), fetchedAt)
}

func (e *BackgroundEnricher) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultFetchTimeout
}

func (e *BackgroundEnricher) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}
