// Package downloader runs the bounded worker pool that turns in-scope
// records into committed archive entries: per-record media resolution
// fanned out across workers, then an atomic commit per record.
package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/media"
	"tumblrbackup/pkg/models"
	"tumblrbackup/pkg/ratelimit"
	"tumblrbackup/pkg/storage"
)

// Job is one record to archive together with its media references.
type Job struct {
	Post *models.Post
	Refs []models.MediaReference
	// Reprocess forces a full reconsideration even when the record is
	// already committed, used by forced full re-runs. Media dedup
	// still prevents re-downloads.
	Reprocess bool
}

// Outcome classifies how a job terminated.
type Outcome int

const (
	// Committed means the record (and whatever media resolved) is
	// durably archived.
	Committed Outcome = iota
	// Skipped means the record was already committed and left alone.
	Skipped
	// Withheld means media failures kept the record uncommitted so a
	// later run retries it whole.
	Withheld
	// Failed means the commit itself errored.
	Failed
)

// Result reports one job's terminal state. Every submitted job yields
// exactly one Result; the coordinator counts them to implement the
// per-page barrier.
type Result struct {
	PostID       int64
	Outcome      Outcome
	MediaFetched int
	MediaFailed  int
	Error        error
	Duration     time.Duration
}

// Resolver fetches one media reference into the archive.
type Resolver interface {
	Resolve(ctx context.Context, ref models.MediaReference) (*media.Record, error)
}

// Store commits rendered records.
type Store interface {
	HasPost(id int64) bool
	CommitPost(post *models.Post, html []byte) error
}

// WorkerPool processes jobs with bounded concurrency.
type WorkerPool struct {
	numWorkers        int
	jobQueue          chan Job
	resultQueue       chan Result
	wg                sync.WaitGroup
	ctx               context.Context
	cancel            context.CancelFunc
	resolver          Resolver
	store             Store
	rateLimiter       ratelimit.Limiter
	commitFailedMedia bool
	logger            logger.Logger
}

// NewWorkerPool creates a pool. commitFailedMedia decides whether a
// record whose media partly failed is still committed (with remote
// links left in place) or withheld for a future run.
func NewWorkerPool(
	parent context.Context,
	numWorkers int,
	resolver Resolver,
	store Store,
	rateLimiter ratelimit.Limiter,
	commitFailedMedia bool,
	log logger.Logger,
) *WorkerPool {
	ctx, cancel := context.WithCancel(parent)

	if log == nil {
		log = logger.GetLogger()
	}

	return &WorkerPool{
		numWorkers:        numWorkers,
		jobQueue:          make(chan Job, numWorkers*2),
		resultQueue:       make(chan Result, numWorkers),
		ctx:               ctx,
		cancel:            cancel,
		resolver:          resolver,
		store:             store,
		rateLimiter:       rateLimiter,
		commitFailedMedia: commitFailedMedia,
		logger:            log,
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains remaining jobs and shuts the pool down.
func (wp *WorkerPool) Stop() {
	close(wp.jobQueue)
	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()
	wp.logger.Info("Worker pool stopped")
}

// Submit queues a job. It fails only when the pool is shutting down.
// The coordinator must not submit concurrently with Stop.
func (wp *WorkerPool) Submit(job Job) error {
	if wp.ctx.Err() != nil {
		return fmt.Errorf("worker pool is shutting down")
	}
	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the channel of terminal job states.
func (wp *WorkerPool) Results() <-chan Result {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		select {
		case <-wp.ctx.Done():
			// Cancelled mid-page: still emit a result so the page
			// barrier can account for every submitted job.
			wp.send(Result{PostID: job.Post.ID, Outcome: Failed, Error: wp.ctx.Err()})
			continue
		default:
		}

		result := wp.processJob(job, id)

		wp.send(result)
	}
}

func (wp *WorkerPool) send(result Result) {
	select {
	case wp.resultQueue <- result:
	case <-wp.ctx.Done():
		// A cancelled coordinator stops reading; drop the result
		// rather than deadlock the worker.
		select {
		case wp.resultQueue <- result:
		default:
		}
	}
}

// processJob resolves a record's media and commits it.
func (wp *WorkerPool) processJob(job Job, workerID int) Result {
	start := time.Now()
	post := job.Post
	result := Result{PostID: post.ID}

	if !job.Reprocess && wp.store.HasPost(post.ID) {
		result.Outcome = Skipped
		result.Duration = time.Since(start)
		return result
	}

	if len(job.Refs) > 0 && wp.rateLimiter != nil && !wp.rateLimiter.Allow() {
		wp.rateLimiter.Wait()
	}

	links := make(map[string]string, len(job.Refs))
	for _, ref := range job.Refs {
		rec, err := wp.resolver.Resolve(wp.ctx, ref)
		if err != nil {
			result.MediaFailed++
			wp.logger.WithError(err).WarnWithFields("Media reference unresolvable", map[string]interface{}{
				"worker_id": workerID,
				"post_id":   post.ID,
				"url":       ref.URL,
			})
			continue
		}
		if rec.Status == media.StatusFetched {
			result.MediaFetched++
			links[ref.URL] = "../" + storage.MediaDir + "/" + rec.Name
		} else {
			result.MediaFailed++
		}
	}

	if result.MediaFailed > 0 && !wp.commitFailedMedia {
		result.Outcome = Withheld
		result.Duration = time.Since(start)
		return result
	}

	if err := wp.store.CommitPost(post, storage.RenderPost(post, links)); err != nil {
		result.Outcome = Failed
		result.Error = err
		result.Duration = time.Since(start)
		wp.logger.ErrorWithFields("Worker failed to commit post", map[string]interface{}{
			"worker_id": workerID,
			"post_id":   post.ID,
			"error":     err.Error(),
		})
		return result
	}

	result.Outcome = Committed
	result.Duration = time.Since(start)
	return result
}

// QueueSize returns the number of queued jobs.
func (wp *WorkerPool) QueueSize() int {
	return len(wp.jobQueue)
}
