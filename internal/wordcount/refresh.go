package wordcount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ecfr-dashboard/internal/ecfr"
	"ecfr-dashboard/internal/observability/metrics"
	"ecfr-dashboard/internal/store"
)

// StateLastRefresh is the state key holding the RFC 3339 time of the last
// successful refresh.
const StateLastRefresh = "last_refresh"

var (
	// ErrRefreshRunning is returned by Run while another run is in progress.
	ErrRefreshRunning = errors.New("refresh already running")
	// ErrRefresherClosed is returned by Run after Close.
	ErrRefresherClosed = errors.New("refresher closed")
)

// Upstream is the part of the eCFR client the refresh needs.
type Upstream interface {
	GetAgencies(ctx context.Context) ([]ecfr.Agency, error)
	GetTitles(ctx context.Context) ([]ecfr.Title, error)
	GetFullTitleXMLStream(ctx context.Context, date string, title int) (io.ReadCloser, error)
}

type Options struct {
	// Concurrency bounds parallel downloads and parses; clamped to 1..8.
	Concurrency int
	// Timeout bounds a whole run; zero means no limit beyond the caller's.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Refresher pulls the agency and title catalogues, downloads title XML and
// recomputes word counts. Only one run executes at a time.
type Refresher struct {
	client  Upstream
	store   *store.Store
	workers int
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active bool
	closed bool
	wg     sync.WaitGroup
}

// Result summarises a refresh run. Agencies and Titles count the stored
// catalogue the word counts were computed from.
type Result struct {
	Agencies   int    `json:"agencies"`
	Titles     int    `json:"titles"`
	Downloaded int    `json:"downloaded"`
	Counted    int    `json:"counted_agencies"`
	ComputedAt string `json:"computed_at"`
}

func NewRefresher(client Upstream, st *store.Store, opts Options) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		client:  client,
		store:   st,
		workers: clampWorkers(opts.Concurrency),
		timeout: opts.Timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Running reports whether a run is in progress.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Close rejects further runs and waits for the one in progress to return.
// Cancel that run's context first if it should not complete.
func (r *Refresher) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Refresher) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrRefresherClosed
	case r.active:
		return ErrRefreshRunning
	}
	r.active = true
	r.wg.Add(1)
	return nil
}

func (r *Refresher) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	r.wg.Done()
}

// Run performs a full refresh. It returns ErrRefreshRunning without doing
// anything if a run is already in progress.
func (r *Refresher) Run(ctx context.Context) (Result, error) {
	return r.guarded(ctx, "refresh", r.run)
}

// Recount recomputes word counts from the stored catalogue and the
// snapshots already on disk, without contacting the upstream.
func (r *Refresher) Recount(ctx context.Context) (Result, error) {
	return r.guarded(ctx, "recount", func(ctx context.Context) (Result, error) {
		var res Result
		err := r.count(ctx, &res)
		return res, err
	})
}

func (r *Refresher) guarded(ctx context.Context, mode string, fn func(context.Context) (Result, error)) (Result, error) {
	if err := r.acquire(); err != nil {
		return Result{}, err
	}
	defer r.release()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := fn(ctx)
	metrics.RecordRefresh(err == nil, time.Since(start), res.Downloaded)
	if err != nil {
		r.logger.Error("refresh failed",
			slog.String("mode", mode),
			slog.Any("error", err),
			slog.Duration("duration", time.Since(start)))
		return res, err
	}
	r.logger.Info("refresh completed",
		slog.String("mode", mode),
		slog.Int("agencies", res.Agencies),
		slog.Int("titles", res.Titles),
		slog.Int("downloaded", res.Downloaded),
		slog.Int("counted_agencies", res.Counted),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func (r *Refresher) run(ctx context.Context) (Result, error) {
	var res Result

	// 1) agencies and titles concurrently
	var agencies []ecfr.Agency
	var titles []ecfr.Title
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := r.client.GetAgencies(gctx)
		if err != nil {
			return fmt.Errorf("fetch agencies: %w", err)
		}
		if err := r.store.UpsertAgencies(gctx, a); err != nil {
			return fmt.Errorf("store agencies: %w", err)
		}
		agencies = a
		return nil
	})
	g.Go(func() error {
		t, err := r.client.GetTitles(gctx)
		if err != nil {
			return fmt.Errorf("fetch titles: %w", err)
		}
		if err := r.store.UpsertTitles(gctx, t); err != nil {
			return fmt.Errorf("store titles: %w", err)
		}
		titles = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	// 2) snapshots for referenced titles not yet on disk
	downloaded, err := r.download(ctx, ecfr.Flatten(agencies), titles)
	res.Downloaded = downloaded
	if err != nil {
		return res, err
	}

	// 3) word counts
	err = r.count(ctx, &res)
	return res, err
}

// count computes word counts for the stored catalogue and records them.
func (r *Refresher) count(ctx context.Context, res *Result) error {
	agencies, err := r.store.Agencies(ctx)
	if err != nil {
		return fmt.Errorf("load agencies: %w", err)
	}
	titles, err := r.store.Titles(ctx)
	if err != nil {
		return fmt.Errorf("load titles: %w", err)
	}
	res.Agencies = len(agencies)
	res.Titles = len(titles)

	comp, err := Compute(ctx, r.store, agencies, titles, r.workers, r.logger)
	if err != nil {
		return err
	}
	if err := r.store.PutWordCounts(ctx, comp.Counts, comp.Totals); err != nil {
		return fmt.Errorf("store word counts: %w", err)
	}
	r.logChanges(ctx, comp.Totals)
	res.Counted = len(comp.Totals)

	res.ComputedAt = r.now().UTC().Format(time.RFC3339)
	return r.store.SetState(ctx, StateLastRefresh, res.ComputedAt)
}

func (r *Refresher) download(ctx context.Context, agencies []ecfr.Agency, titles []ecfr.Title) (int, error) {
	dates := make(map[int]string, len(titles))
	for _, t := range titles {
		if !t.Reserved && t.UpToDateAsOf != "" {
			dates[t.Number] = t.UpToDateAsOf
		}
	}

	var jobs []titleKey
	for _, k := range referencedTitles(agencies, dates) {
		exists, err := r.store.SnapshotExists(ctx, k.Title, k.Date)
		if err != nil {
			return 0, err
		}
		if !exists {
			jobs = append(jobs, k)
		}
	}

	var downloaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			rc, err := r.client.GetFullTitleXMLStream(gctx, j.Date, j.Title)
			if err != nil {
				return fmt.Errorf("download title %d (%s): %w", j.Title, j.Date, err)
			}
			err = r.store.SaveSnapshotFromReader(gctx, j.Title, j.Date, rc)
			_ = rc.Close()
			if err != nil {
				return fmt.Errorf("save title %d (%s): %w", j.Title, j.Date, err)
			}
			downloaded.Add(1)
			r.logger.Debug("title snapshot saved", slog.Int("title", j.Title), slog.String("date", j.Date))
			return nil
		})
	}
	err := g.Wait()
	return int(downloaded.Load()), err
}

// logChanges reports agencies whose content fingerprint moved since their
// previous stored total.
func (r *Refresher) logChanges(ctx context.Context, totals []store.AgencyTotal) {
	for _, t := range totals {
		prev, err := r.store.PreviousAgencyTotal(ctx, t.AgencySlug, t.Date)
		if err != nil {
			continue
		}
		if prev.Checksum != t.Checksum {
			r.logger.Info("agency content changed",
				slog.String("agency", t.AgencySlug),
				slog.String("from", prev.Date),
				slog.String("to", t.Date),
				slog.Int("word_delta", t.Words-prev.Words))
		}
	}
}
