// Package scraper orchestrates a backup run: paginated fetch through
// the selector, fan-out to the download pool, page-barriered cursor
// advancement, and the final index rebuild.
package scraper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"tumblrbackup/internal/downloader"
	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/cursor"
	errs "tumblrbackup/pkg/errors"
	"tumblrbackup/pkg/index"
	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/media"
	"tumblrbackup/pkg/models"
	"tumblrbackup/pkg/ratelimit"
	"tumblrbackup/pkg/retry"
	"tumblrbackup/pkg/selector"
	"tumblrbackup/pkg/storage"
	"tumblrbackup/pkg/tumblr"
)

// RunResult summarizes one run so callers can distinguish "completed
// fully", "completed with media failures" and "interrupted".
type RunResult struct {
	PostsCommitted int
	PostsSkipped   int
	MediaFetched   int
	MediaFailed    int
	TotalPosts     int
	Interrupted    bool
}

// Engine drives the backup of one blog into one archive directory.
type Engine struct {
	client      Client
	config      *config.Config
	account     string
	filter      selector.Filter
	force       bool
	rateLimiter ratelimit.Limiter
	logger      logger.Logger
}

// New creates an engine for the given blog account. The account may be
// a bare name or a full domain.
func New(cfg *config.Config, account string) (*Engine, error) {
	log := logger.GetLogger()

	blog, err := tumblr.CanonicalBlogName(account)
	if err != nil {
		return nil, err
	}

	client := tumblr.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.API.UserAgent, cfg.API.Timeout, log)

	rpm := cfg.RateLimit.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &Engine{
		client:      client,
		config:      cfg,
		account:     blog,
		rateLimiter: ratelimit.NewTokenBucket(rpm, time.Minute),
		logger:      log,
	}, nil
}

// SetClient replaces the remote client, mainly for tests.
func (e *Engine) SetClient(c Client) {
	e.client = c
}

// SetFilter attaches the external post predicate. The matching
// FilterExpr must be set in the selection configuration so the
// fingerprint reflects it.
func (e *Engine) SetFilter(f selector.Filter) {
	e.filter = f
}

// SetForce overrides the fingerprint gate, turning a refused resume
// into a full reconsideration pass.
func (e *Engine) SetForce(force bool) {
	e.force = force
}

// FingerprintMatches reports whether stored incremental state belongs
// to the given configuration.
func FingerprintMatches(stored string, cfg *config.Config) bool {
	return stored == cfg.Fingerprint()
}

// Run executes one backup run. The returned RunResult is valid even
// when err is non-nil for interruptions; fatal errors abort with the
// cursor left at the last fully processed page.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	var result RunResult

	sel, err := selector.New(e.config.Selection, e.filter)
	if err != nil {
		return result, err
	}

	outDir := e.config.Output.Directory
	if outDir == "" {
		outDir = e.account
	}
	archive, err := storage.New(outDir, e.config.Output.SaveRawJSON)
	if err != nil {
		return result, errs.New(errs.ErrorTypeStorage, err.Error())
	}

	curMgr := cursor.NewManager(outDir)
	stored, err := curMgr.Load()
	if err != nil {
		return result, errs.New(errs.ErrorTypeStorage, err.Error())
	}

	fp := e.config.Fingerprint()
	state, floor, reprocess, err := e.gate(curMgr, stored, fp)
	if err != nil {
		return result, err
	}
	if stored == nil {
		// A cursor-less archive with committed records cannot be
		// trusted as a floor; everything is reconsidered and already
		// committed records come back as skips.
		if maxID, idErr := archive.MaxCommittedID(); idErr == nil && maxID > 0 {
			e.logger.WarnWithFields("Archive has committed records but no incremental state", map[string]interface{}{
				"max_committed_id": maxID,
			})
		}
	}

	table := media.NewTable()
	if err := archive.ScanMedia(table.MarkExisting); err != nil {
		return result, errs.New(errs.ErrorTypeStorage, err.Error())
	}
	preFetched, _ := table.Counts()

	resolver := media.NewResolver(e.client, archive, table, e.config.Output.MediaNames,
		e.account, e.config.Download, e.logger)
	pool := downloader.NewWorkerPool(ctx, e.config.Download.Concurrency, resolver, archive,
		e.rateLimiter, e.config.Download.CommitFailedMedia, e.logger)
	pool.Start()

	var submitWG sync.WaitGroup
	title := e.account

	runErr := e.walk(ctx, sel, archive, curMgr, state, floor, reprocess, pool, &submitWG, &result, &title)

	submitWG.Wait()
	pool.Stop()

	fetched, failed := table.Counts()
	result.MediaFetched = fetched - preFetched
	result.MediaFailed = failed

	// The index is rebuilt from disk even after an interruption; a
	// rescan can only make it more accurate.
	if err := index.NewBuilder(archive, e.config.Index, title).Rebuild(); err != nil && runErr == nil {
		runErr = err
	}

	e.logger.InfoWithFields("Run finished", map[string]interface{}{
		"posts_committed": humanize.Comma(int64(result.PostsCommitted)),
		"posts_skipped":   humanize.Comma(int64(result.PostsSkipped)),
		"media_fetched":   humanize.Comma(int64(result.MediaFetched)),
		"media_failed":    result.MediaFailed,
		"interrupted":     result.Interrupted,
	})
	return result, runErr
}

// gate runs the fingerprint check and prepares the cursor state for
// this run. It returns the incremental floor (ids at or below it are
// already archived) and whether committed records must be
// reconsidered.
func (e *Engine) gate(curMgr *cursor.Manager, stored *cursor.State, fp string) (*cursor.State, int64, bool, error) {
	switch cursor.Gate(stored, fp, e.force) {
	case cursor.Refuse:
		return nil, 0, false, errs.New(errs.ErrorTypeConfig,
			"archive holds incremental state from different options; rerun with --force to override")
	case cursor.FullRun:
		state := &cursor.State{Fingerprint: fp}
		// Persist the fingerprint before any network work so an
		// interrupted first run still gates later resumes.
		if err := curMgr.Save(state); err != nil {
			return nil, 0, false, errs.New(errs.ErrorTypeStorage, err.Error())
		}
		return state, 0, false, nil
	}

	if stored.Fingerprint == fp {
		return stored, stored.MaxID, false, nil
	}

	// Forced past a mismatch: adopt the current options and walk the
	// whole stream again. Media dedup still prevents re-downloads.
	state := &cursor.State{Fingerprint: fp}
	if err := curMgr.Save(state); err != nil {
		return nil, 0, false, errs.New(errs.ErrorTypeStorage, err.Error())
	}
	e.logger.Warn("Fingerprint mismatch overridden; running a full reconsideration pass")
	return state, 0, true, nil
}

// walk drives pagination, the per-page barrier, and cursor advancement.
func (e *Engine) walk(
	ctx context.Context,
	sel *selector.Selector,
	archive *storage.Archive,
	curMgr *cursor.Manager,
	state *cursor.State,
	floor int64,
	reprocess bool,
	pool *downloader.WorkerPool,
	submitWG *sync.WaitGroup,
	result *RunResult,
	title *string,
) error {
	window := selector.NewWindow(e.config.Selection.Skip, e.config.Selection.Count)
	advanceOK := true
	fullWalk := false
	sawFloor := false
	var runMax int64

	next, explicit, err := e.pageSource(ctx, archive, title, result)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			return nil
		}

		page, last, err := next()
		if err != nil {
			return err
		}
		if len(page) == 0 {
			fullWalk = true
			break
		}

		windowDone := false
		var jobs []downloader.Job

		for _, post := range page {
			if post.ID > runMax {
				runMax = post.ID
			}
			if !explicit && !reprocess && post.ID <= floor {
				// Newest-first pagination: everything from here on is
				// already archived.
				sawFloor = true
				continue
			}
			if !sel.Included(post) {
				continue
			}
			switch window.Next() {
			case selector.Drop:
				continue
			case selector.Done:
				windowDone = true
			case selector.Take:
				jobs = append(jobs, downloader.Job{
					Post:      post,
					Refs:      media.ExtractRefs(post, e.config.Download),
					Reprocess: reprocess || explicit,
				})
			}
			if windowDone {
				break
			}
		}

		pageClean := e.processPage(ctx, pool, submitWG, jobs, result)
		if result.Interrupted {
			return nil
		}
		if !pageClean {
			advanceOK = false
		}

		if last {
			fullWalk = true
		}
		if sawFloor || fullWalk || window.Exhausted() {
			break
		}
	}

	// The walk runs newest first, so the highest id seen only becomes
	// the new floor once the walk has connected down to the previous
	// floor (or the end of the stream) with every page clean. An
	// aborted or unclean walk leaves the cursor untouched and the next
	// run reconsiders the same range; committed records are skipped.
	connected := sawFloor || fullWalk
	if connected && advanceOK && !explicit && !result.Interrupted {
		if err := curMgr.Advance(state, runMax); err != nil {
			return errs.New(errs.ErrorTypeStorage, err.Error())
		}
		if fullWalk {
			if err := curMgr.MarkComplete(state, result.TotalPosts); err != nil {
				return errs.New(errs.ErrorTypeStorage, err.Error())
			}
		}
	}
	return nil
}

// processPage submits one page's jobs and waits for all of them to
// reach a terminal outcome. Returns whether every job landed cleanly.
func (e *Engine) processPage(
	ctx context.Context,
	pool *downloader.WorkerPool,
	submitWG *sync.WaitGroup,
	jobs []downloader.Job,
	result *RunResult,
) bool {
	if len(jobs) == 0 {
		return true
	}

	submitWG.Add(1)
	go func() {
		defer submitWG.Done()
		for _, job := range jobs {
			if err := pool.Submit(job); err != nil {
				return
			}
		}
	}()

	clean := true
	for i := 0; i < len(jobs); i++ {
		select {
		case r := <-pool.Results():
			switch r.Outcome {
			case downloader.Committed:
				result.PostsCommitted++
			case downloader.Skipped:
				result.PostsSkipped++
			case downloader.Withheld:
				clean = false
			case downloader.Failed:
				clean = false
				if r.Error != nil {
					e.logger.WithError(r.Error).Error("Record processing failed")
				}
			}
		case <-ctx.Done():
			result.Interrupted = true
			return false
		}
	}
	return clean
}

// pageSource picks the record stream for this run: an explicit ident
// list, a replay of retained raw payloads, or live API pagination.
// The returned function yields one page per call; last reports that
// no further page exists. explicit marks streams that bypass the
// incremental floor.
func (e *Engine) pageSource(ctx context.Context, archive *storage.Archive, title *string, result *RunResult) (func() ([]*models.Post, bool, error), bool, error) {
	if len(e.config.Selection.Idents) > 0 {
		return e.identSource(ctx), true, nil
	}
	if e.config.Output.ReuseJSON {
		// Replay re-renders committed records from their retained raw
		// payloads; it bypasses the floor and never advances the
		// cursor since no remote state is observed.
		src, err := e.replaySource(archive)
		return src, true, err
	}
	return e.apiSource(ctx, title, result), false, nil
}

// identSource fetches exactly the configured post ids, one page total.
func (e *Engine) identSource(ctx context.Context) func() ([]*models.Post, bool, error) {
	done := false
	return func() ([]*models.Post, bool, error) {
		if done {
			return nil, true, nil
		}
		done = true

		var posts []*models.Post
		for _, id := range e.config.Selection.Idents {
			page, err := e.fetchPage(ctx, tumblr.PageQuery{Ident: id, Limit: 1})
			if err != nil {
				if typed, ok := err.(*errs.Error); ok && typed.Type == errs.ErrorTypeNotFound {
					e.logger.WarnWithFields("Requested post not found", map[string]interface{}{"post_id": id})
					continue
				}
				return nil, false, err
			}
			posts = append(posts, page.Posts...)
		}
		return posts, true, nil
	}
}

// replaySource rebuilds from retained raw payloads, newest first,
// without touching the posts API.
func (e *Engine) replaySource(archive *storage.Archive) (func() ([]*models.Post, bool, error), error) {
	ids, err := archive.RawIdents()
	if err != nil {
		return nil, errs.New(errs.ErrorTypeStorage, err.Error())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	offset := 0
	return func() ([]*models.Post, bool, error) {
		if offset >= len(ids) {
			return nil, true, nil
		}
		end := offset + tumblr.PageSize
		if end > len(ids) {
			end = len(ids)
		}

		var posts []*models.Post
		for _, id := range ids[offset:end] {
			raw, err := archive.ReadRaw(id)
			if err != nil {
				return nil, false, errs.New(errs.ErrorTypeStorage, err.Error())
			}
			post, err := models.DecodePost(raw)
			if err != nil {
				e.logger.WarnWithFields("Skipping undecodable raw payload", map[string]interface{}{
					"post_id": id,
					"error":   err.Error(),
				})
				continue
			}
			posts = append(posts, post)
		}
		offset = end
		return posts, offset >= len(ids), nil
	}, nil
}

// apiSource walks the live posts API newest first with offset
// pagination. A configured period is filtered by the selector; the
// source only uses it to stop once the whole page predates the window.
func (e *Engine) apiSource(ctx context.Context, title *string, result *RunResult) func() ([]*models.Post, bool, error) {
	offset := 0
	period, _ := selector.ParsePeriod(e.config.Selection.Period)

	return func() ([]*models.Post, bool, error) {
		page, err := e.fetchPage(ctx, tumblr.PageQuery{Offset: offset, Limit: tumblr.PageSize})
		if err != nil {
			return nil, false, err
		}

		if page.Blog.Title != "" {
			*title = page.Blog.Title
		}
		if page.TotalPosts > 0 {
			result.TotalPosts = page.TotalPosts
		}

		offset += len(page.Posts)
		last := len(page.Posts) < tumblr.PageSize

		if period != nil && len(page.Posts) > 0 {
			oldest := page.Posts[len(page.Posts)-1].Timestamp
			if oldest < period.Start {
				// Newest-first ordering: every later page is older
				// than the window too.
				last = true
			}
		}
		return page.Posts, last, nil
	}
}

// fetchPage retrieves one page with bounded retries; exhausting them
// aborts the run.
func (e *Engine) fetchPage(ctx context.Context, q tumblr.PageQuery) (*tumblr.Page, error) {
	if !e.rateLimiter.Allow() {
		e.rateLimiter.Wait()
	}

	cfg := retry.DefaultConfig()
	cfg.Context = ctx
	cfg.Logger = e.logger
	if e.config.Download.RetryAttempts > 0 {
		cfg.MaxAttempts = e.config.Download.RetryAttempts
	}

	return retry.DoWithResult(func() (*tumblr.Page, error) {
		return e.client.FetchPosts(ctx, e.account, q)
	}, cfg)
}

// Sanity check that the concrete client satisfies the engine's view.
var _ Client = (*tumblr.Client)(nil)
