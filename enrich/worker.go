package enrich

import (
	"context"
	"fmt"
	"time"

	"argus/metrics"
	"argus/storage"

	"go.uber.org/zap"
)

// Worker resolves one enrichment job: cache check first, then a fan-out to
// every provider registered for the job's IOC type.
type Worker struct {
	cache         *storage.IntelCache
	providers     ProviderSet
	lookupTimeout time.Duration
	logger        *zap.SugaredLogger
}

// NewWorker creates a worker over the given cache and provider set.
func NewWorker(cache *storage.IntelCache, providers ProviderSet, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		cache:         cache,
		providers:     providers,
		lookupTimeout: providerTimeout,
		logger:        logger,
	}
}

type lookupResult struct {
	report *Report
	err    error
}

// Process runs one job to completion. A valid cache entry short-circuits the
// job without any provider traffic. Otherwise every provider for the IOC type
// is queried concurrently and each report is upserted into the cache. A
// failure from any provider fails the whole job, which the queue retries;
// reports already upserted before the failure stand, and the retried job will
// re-query every provider again.
func (w *Worker) Process(ctx context.Context, job *storage.IntelLookupJob) error {
	entry, err := w.cache.GetValid(job.IOCValue)
	if err != nil {
		return fmt.Errorf("cache check for %s: %w", job.IOCValue, err)
	}
	if entry != nil {
		metrics.IntelCacheHits.Inc()
		w.logger.Debugw("Intel cache hit", "ioc", job.IOCValue, "provider", entry.Provider, "verdict", entry.Verdict)
		return nil
	}

	providers := w.providers[job.IOCType]
	if len(providers) == 0 {
		return fmt.Errorf("no providers configured for IOC type %s", job.IOCType)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, w.lookupTimeout)
	defer cancel()

	results := make(chan lookupResult, len(providers))
	for _, provider := range providers {
		go func(p Provider) {
			report, err := p.Lookup(lookupCtx, job.IOCValue)
			if err != nil {
				metrics.ProviderLookups.WithLabelValues(p.Name(), "error").Inc()
			} else {
				metrics.ProviderLookups.WithLabelValues(p.Name(), "ok").Inc()
			}
			results <- lookupResult{report: report, err: err}
		}(provider)
	}

	var firstErr error
	for range providers {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if err := w.store(job, res.report); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Worker) store(job *storage.IntelLookupJob, report *Report) error {
	now := time.Now().UTC()
	firstSeen := report.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	ttl := report.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	entry := &storage.CacheEntry{
		IOCValue:  job.IOCValue,
		IOCType:   job.IOCType,
		Provider:  report.Provider,
		RawResult: report.RawResult,
		Verdict:   report.Verdict,
		Score:     report.Score,
		FirstSeen: firstSeen,
		LastSeen:  now,
		TTL:       ttl,
	}
	if err := w.cache.Upsert(entry); err != nil {
		return fmt.Errorf("store report from %s: %w", report.Provider, err)
	}
	return nil
}
