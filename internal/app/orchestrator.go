package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/cache"
	"github.com/quantmind-br/reposheet-go/internal/config"
	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/extract"
	"github.com/quantmind-br/reposheet-go/internal/fetcher"
	"github.com/quantmind-br/reposheet-go/internal/store"
	"github.com/quantmind-br/reposheet-go/internal/utils"
)

// Orchestrator drives the scrape pipeline: canonicalize, fetch, extract,
// upsert. One instance serves a whole batch and is safe for concurrent use.
type Orchestrator struct {
	cfg      *config.Config
	fetcher  domain.Fetcher
	engine   *store.Engine
	cache    domain.Cache
	logger   *utils.Logger
	keyLocks *utils.KeyedMutex
}

// Options contains options for creating an Orchestrator. Fetcher and
// Backends override the config-driven wiring when set.
type Options struct {
	Config   *config.Config
	Fetcher  domain.Fetcher
	Backends []domain.Backend
	Logger   *utils.Logger
}

// New wires an Orchestrator from the configuration: response cache,
// stealth fetcher, local spreadsheet store and, when credentials are
// present, the remote sheet store.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger(utils.LoggerOptions{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger.WithComponent("orchestrator"),
		keyLocks: utils.NewKeyedMutex(),
	}

	if opts.Fetcher != nil {
		o.fetcher = opts.Fetcher
	} else {
		var respCache domain.Cache
		if cfg.Cache.Enabled {
			c, err := cache.NewBadgerCache(cache.Options{Directory: cfg.Cache.Directory})
			if err != nil {
				return nil, fmt.Errorf("failed to open response cache: %w", err)
			}
			respCache = c
			o.cache = c
		}

		proxyURL := ""
		if cfg.Proxy.Enabled {
			proxyURL = cfg.Proxy.URL
		}
		client, err := fetcher.NewClient(fetcher.ClientOptions{
			Timeout:    cfg.Concurrency.Timeout,
			MaxRetries: cfg.Retry.MaxRetries,
			Backoff: fetcher.RetrierOptions{
				InitialInterval: cfg.Retry.InitialInterval,
				MaxInterval:     cfg.Retry.MaxInterval,
				Multiplier:      cfg.Retry.Multiplier,
			},
			EnableCache: cfg.Cache.Enabled,
			CacheTTL:    cfg.Cache.TTL,
			Cache:       respCache,
			UserAgent:   cfg.Source.UserAgent,
			ProxyURL:    proxyURL,
			AuthToken:   cfg.Source.GitHubToken,
			AuthHost:    utils.Host(cfg.Source.GitHubAPIBaseURL),
		})
		if err != nil {
			return nil, err
		}
		o.fetcher = client
	}

	backends := opts.Backends
	if backends == nil {
		local, err := store.NewExcelStore(store.ExcelOptions{
			Path:           cfg.Local.Path,
			SideBufferPath: cfg.Local.SideBufferPath,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		backends = []domain.Backend{local}

		if cfg.RemoteConfigured() {
			remote, err := store.NewRemoteStore(store.RemoteOptions{
				BaseURL:           cfg.Remote.BaseURL,
				AppID:             cfg.Remote.AppID,
				AppSecret:         cfg.Remote.AppSecret,
				SpreadsheetToken:  cfg.Remote.SpreadsheetToken,
				RepositorySheetID: cfg.Remote.RepositorySheetID,
				PageSheetID:       cfg.Remote.PageSheetID,
				RequestsPerSecond: cfg.Remote.RequestsPerSecond,
				Burst:             cfg.Remote.Burst,
				Timeout:           cfg.Concurrency.Timeout,
				Logger:            logger,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create remote store: %w", err)
			}
			backends = append(backends, remote)
		}
	}

	o.engine = store.NewEngine(logger, backends...)
	return o, nil
}

// Scrape processes a single URL end to end and returns its report.
// The returned error covers only pre-flight failures; per-item failures
// are carried in the report.
func (o *Orchestrator) Scrape(ctx context.Context, rawURL string, saveToRemote bool) (*domain.ItemReport, error) {
	reports, err := o.ScrapeBatch(ctx, []string{rawURL}, saveToRemote)
	if err != nil {
		return nil, err
	}
	return reports[0], nil
}

// ScrapeBatch processes the URLs concurrently and returns one report per
// input, in input order. Inputs sharing a canonical URL are processed
// once; later occurrences report SkippedDuplicate without any network
// traffic. The error return covers only failures detected before any
// item runs, such as requesting the remote target without credentials.
func (o *Orchestrator) ScrapeBatch(ctx context.Context, urls []string, saveToRemote bool) ([]*domain.ItemReport, error) {
	targets, err := o.resolveTargets(saveToRemote)
	if err != nil {
		return nil, err
	}

	reports := make([]*domain.ItemReport, len(urls))
	seen := make(map[string]int, len(urls))
	var dispatch []int

	for i, rawURL := range urls {
		report := &domain.ItemReport{URL: rawURL, State: domain.StatePending}
		reports[i] = report

		canonical, err := utils.CanonicalURL(rawURL)
		if err != nil {
			report.State = domain.StateDone
			report.Outcome = domain.OutcomeFailed
			report.Err = err
			report.Reason = err.Error()
			continue
		}
		report.CanonicalURL = canonical
		report.Kind = utils.KindForURL(canonical)

		if first, dup := seen[canonical]; dup {
			report.State = domain.StateDone
			report.Outcome = domain.OutcomeSkippedDuplicate
			report.Reason = fmt.Sprintf("duplicate of input %q", urls[first])
			continue
		}
		seen[canonical] = i
		dispatch = append(dispatch, i)
	}

	o.logger.Info().
		Int("total", len(urls)).
		Int("unique", len(dispatch)).
		Int("workers", o.cfg.Concurrency.Workers).
		Bool("remote", len(targets) > 1).
		Msg("Starting batch")

	utils.ParallelForEach(ctx, dispatch, o.cfg.Concurrency.Workers,
		func(ctx context.Context, _ int, idx int) error {
			o.processItem(ctx, reports[idx], targets)
			return nil
		})

	// Items the pool never started stay pending after cancellation
	for _, idx := range dispatch {
		if reports[idx].State == domain.StatePending {
			reports[idx].State = domain.StateDone
			reports[idx].Outcome = domain.OutcomeCancelled
			reports[idx].Err = ctx.Err()
			reports[idx].Reason = "batch cancelled before item started"
		}
	}
	return reports, nil
}

// resolveTargets decides which backends a batch writes to. Remote is
// included on explicit request or when auto-sync is on, and either way
// requires the remote store to be registered.
func (o *Orchestrator) resolveTargets(saveToRemote bool) ([]domain.BackendID, error) {
	targets := []domain.BackendID{domain.BackendLocal}
	if !saveToRemote && !o.cfg.Remote.AutoSync {
		return targets, nil
	}
	if o.engine.Backend(domain.BackendRemote) == nil {
		if saveToRemote {
			return nil, fmt.Errorf("%w: remote sync requested but remote store is not configured", domain.ErrMissingCredentials)
		}
		// auto-sync without credentials degrades to local-only
		o.logger.Warn().Msg("Auto-sync enabled but remote store is not configured, writing local only")
		return targets, nil
	}
	return append(targets, domain.BackendRemote), nil
}

func (o *Orchestrator) processItem(ctx context.Context, report *domain.ItemReport, targets []domain.BackendID) {
	start := time.Now()
	log := o.logger.WithURL(report.CanonicalURL)
	defer func() {
		report.Duration = time.Since(start)
		report.State = domain.StateDone
	}()

	report.State = domain.StateFetching
	resp, viaAPI, err := o.fetch(ctx, report)
	if err != nil {
		o.failItem(report, err, log, "Fetch failed")
		return
	}

	report.State = domain.StateExtracting
	rec, err := extract.Extract(resp, report.CanonicalURL)
	if err != nil {
		o.failItem(report, err, log, "Extraction failed")
		return
	}
	// The repository API payload has no contributor total; it takes a
	// second call against the contributors listing
	if viaAPI {
		if repo, ok := rec.(*domain.RepositoryRecord); ok {
			o.fillContributors(ctx, repo, log)
		}
	}

	report.State = domain.StateUpserting
	o.keyLocks.Lock(report.CanonicalURL)
	results := o.engine.Upsert(ctx, rec, targets)
	o.keyLocks.Unlock(report.CanonicalURL)

	report.Backends = results
	report.Outcome, report.Err = aggregateOutcome(results)
	report.PartialSync = report.Outcome == domain.OutcomePartialSync
	if report.Err != nil {
		report.Reason = report.Err.Error()
	}

	log.Info().
		Str("outcome", string(report.Outcome)).
		Dur("duration", time.Since(start)).
		Bool("from_cache", resp.FromCache).
		Msg("Item processed")
}

// fetch retrieves the document backing a record. Repository URLs on the
// primary source go through the structured API when a token is set; the
// rendered page is the fallback for everything else. The bool reports
// whether the API path was taken.
func (o *Orchestrator) fetch(ctx context.Context, report *domain.ItemReport) (*domain.Response, bool, error) {
	if report.Kind == domain.KindRepository &&
		o.cfg.Source.GitHubToken != "" &&
		utils.Host(report.CanonicalURL) == "github.com" {
		owner, name, err := utils.ParseRepoPath(report.CanonicalURL)
		if err == nil {
			apiURL := fmt.Sprintf("%s/repos/%s/%s", o.cfg.Source.GitHubAPIBaseURL, owner, name)
			resp, err := o.fetcher.GetWithHeaders(ctx, apiURL, map[string]string{
				"Accept": "application/vnd.github.v3+json",
			})
			return resp, err == nil, err
		}
	}
	resp, err := o.fetcher.Get(ctx, report.CanonicalURL)
	return resp, false, err
}

// fillContributors counts contributors through the paginated listing:
// with one item per page, the last page number is the total. The count
// is best effort; a failed listing leaves the field at zero.
func (o *Orchestrator) fillContributors(ctx context.Context, rec *domain.RepositoryRecord, log *utils.Logger) {
	owner, name, err := utils.ParseRepoPath(rec.CanonicalURL)
	if err != nil {
		return
	}
	listURL := fmt.Sprintf("%s/repos/%s/%s/contributors?per_page=1&anon=true",
		o.cfg.Source.GitHubAPIBaseURL, owner, name)
	resp, err := o.fetcher.GetWithHeaders(ctx, listURL, map[string]string{
		"Accept": "application/vnd.github.v3+json",
	})
	if err != nil {
		log.Debug().Err(err).Msg("Contributor count unavailable")
		return
	}
	rec.Contributors = extract.ContributorCount(resp)
}

func (o *Orchestrator) failItem(report *domain.ItemReport, err error, log *utils.Logger, msg string) {
	report.Outcome = domain.OutcomeFailed
	if errors.Is(err, context.Canceled) {
		report.Outcome = domain.OutcomeCancelled
	}
	report.Err = err
	report.Reason = err.Error()
	log.Error().Err(err).Msg(msg)
}

// aggregateOutcome folds per-backend results into the item outcome.
// Divergent results surface as partial sync, never as plain success.
func aggregateOutcome(results []domain.BackendResult) (domain.Outcome, error) {
	var firstErr error
	var created, updated, failed, succeeded bool
	for _, r := range results {
		switch r.Outcome {
		case domain.OutcomeFailed:
			failed = true
			if firstErr == nil {
				firstErr = r.Err
			}
		case domain.OutcomeCreated:
			created, succeeded = true, true
		case domain.OutcomeUpdated:
			updated, succeeded = true, true
		default:
			succeeded = true
		}
	}

	switch {
	case failed && succeeded:
		return domain.OutcomePartialSync, firstErr
	case failed:
		return domain.OutcomeFailed, firstErr
	case created:
		return domain.OutcomeCreated, nil
	case updated:
		return domain.OutcomeUpdated, nil
	default:
		return domain.OutcomeSkippedExisting, nil
	}
}

// DeleteByURL removes the record under the URL's canonical key from
// every backend. With allKinds set, both tables are tried per backend.
func (o *Orchestrator) DeleteByURL(ctx context.Context, rawURL string, allKinds bool) ([]domain.DeleteResult, error) {
	return o.engine.Delete(ctx, rawURL, allKinds)
}

// Export returns a serialized snapshot of one backend's table
func (o *Orchestrator) Export(ctx context.Context, backend domain.BackendID, kind domain.RecordKind) ([]byte, error) {
	return o.engine.Export(ctx, backend, kind)
}

// ReplaySideBuffer flushes writes parked while the local workbook was
// locked by another process. Returns the number of rows replayed.
func (o *Orchestrator) ReplaySideBuffer(ctx context.Context) (int, error) {
	backend := o.engine.Backend(domain.BackendLocal)
	replayer, ok := backend.(interface {
		ReplaySideBuffer(context.Context) (int, error)
	})
	if !ok {
		return 0, fmt.Errorf("local backend does not buffer writes")
	}
	return replayer.ReplaySideBuffer(ctx)
}

// Close releases the fetcher, every backend and the response cache
func (o *Orchestrator) Close() error {
	var firstErr error
	if err := o.fetcher.Close(); err != nil {
		firstErr = err
	}
	if err := o.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if o.cache != nil {
		if err := o.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
