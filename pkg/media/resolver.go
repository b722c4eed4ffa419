// Package media resolves record attachments into archived files:
// canonical naming, archive-wide dedup, content sniffing, bounded
// retries, and fallback sourcing.
package media

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/models"
	"tumblrbackup/pkg/retry"
)

// sniffLen is how many leading bytes are fetched to detect the true
// content type before committing to the full transfer.
const sniffLen = 512

// internetArchivePrefix is the fallback source for media the primary
// host no longer serves.
const internetArchivePrefix = "https://web.archive.org/web/0/"

// Fetcher is the transfer surface the resolver needs from the API
// client.
type Fetcher interface {
	Download(ctx context.Context, mediaURL string) ([]byte, error)
	DownloadPrefix(ctx context.Context, mediaURL string, n int) ([]byte, error)
}

// Sink receives resolved payloads. The archive writer implements it.
type Sink interface {
	SaveMedia(name string, data []byte, mtime time.Time) error
	HasMedia(name string) bool
}

// Resolver turns media references into archived files. Naming policy
// and the dedup table are injected; the resolver never chooses them.
type Resolver struct {
	fetcher Fetcher
	sink    Sink
	table   *Table
	policy  config.MediaNamePolicy
	blog    string
	cfg     config.DownloadConfig
	logger  logger.Logger
}

// NewResolver creates a resolver bound to one archive's dedup table.
func NewResolver(fetcher Fetcher, sink Sink, table *Table, policy config.MediaNamePolicy, blog string, cfg config.DownloadConfig, log logger.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		sink:    sink,
		table:   table,
		policy:  policy,
		blog:    blog,
		cfg:     cfg,
		logger:  log,
	}
}

// Resolve fetches one media reference if the archive does not already
// hold it. The first caller to claim a canonical name performs the
// transfer; concurrent callers for the same name block until that
// transfer reaches a terminal status and share its record. Distinct
// names proceed fully in parallel.
func (r *Resolver) Resolve(ctx context.Context, ref models.MediaReference) (*Record, error) {
	ident := fmt.Sprintf("%d", ref.PostID)
	name, err := CanonicalName(ref.URL, r.policy, r.blog, ident, ref.Offset)
	if err != nil {
		return nil, err
	}

	rec, winner := r.table.Claim(Stem(name))
	if !winner {
		if err := rec.Wait(ctx); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if r.sink.HasMedia(name) {
		rec.Name = name
		rec.Ext = path.Ext(name)
		r.table.Complete(rec, StatusFetched)
		return rec, nil
	}

	status := r.fetch(ctx, ref, name, rec)
	r.table.Complete(rec, status)
	if status == StatusFailed {
		r.logger.WarnWithFields("Media fetch failed", map[string]interface{}{
			"url":     ref.URL,
			"name":    name,
			"post_id": ref.PostID,
		})
	}
	return rec, nil
}

// fetch walks the source chain for one claimed name. Each source is
// independently retried; a permanently unavailable primary falls
// through to the next source. No file is written on failure, so the
// next run retries the same name.
func (r *Resolver) fetch(ctx context.Context, ref models.MediaReference, name string, rec *Record) Status {
	for _, src := range r.sources(ref.URL) {
		prefix, data, err := r.fetchOne(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return StatusFailed
			}
			continue
		}

		final := finalName(name, prefix, ref.Hint)
		if err := r.sink.SaveMedia(final, data, time.Unix(ref.Timestamp, 0)); err != nil {
			r.logger.WithError(err).Error("Failed to store media payload")
			return StatusFailed
		}
		rec.Name = final
		rec.Ext = path.Ext(final)
		rec.Size = int64(len(data))
		rec.URL = src
		return StatusFetched
	}
	return StatusFailed
}

// fetchOne transfers a single source with bounded retries: a prefix
// read to sniff the content type, then the full payload. Not-found
// and auth failures are permanent for this source and skip the retry
// loop.
func (r *Resolver) fetchOne(ctx context.Context, src string) (prefix, data []byte, err error) {
	cfg := &retry.Config{
		MaxAttempts: r.cfg.RetryAttempts,
		Backoff:     retry.DefaultExponentialBackoff(),
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      r.logger,
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	// The prefix read doubles as a cheap availability probe; a 404
	// here saves the full transfer attempt.
	prefix, err = retry.DoWithResult(func() ([]byte, error) {
		return r.fetcher.DownloadPrefix(ctx, src, sniffLen)
	}, cfg)
	if err != nil {
		return nil, nil, err
	}

	data, err = retry.DoWithResult(func() ([]byte, error) {
		return r.fetcher.Download(ctx, src)
	}, cfg)
	if err != nil {
		return nil, nil, err
	}
	return prefix, data, nil
}

// sources returns the ordered source chain for a URL: the primary
// host, then the Internet Archive when enabled.
func (r *Resolver) sources(mediaURL string) []string {
	srcs := []string{mediaURL}
	if r.cfg.InternetArchive {
		srcs = append(srcs, internetArchivePrefix+mediaURL)
	}
	return srcs
}

// finalName corrects the extension when the sniffed content type
// disagrees with the URL's claimed one. Hint, when set, wins over
// sniffing for formats the detector cannot separate (e.g. audio
// streams behind redirectors).
func finalName(name string, data []byte, hint string) string {
	ext := path.Ext(name)
	if hint != "" {
		if ext == "" || ext != hint {
			return Stem(name) + hint
		}
		return name
	}

	detected := mimetype.Detect(data)
	dext := detected.Extension()
	if dext == "" || dext == ext {
		return name
	}
	// An unknown detection keeps whatever the URL claimed.
	if detected.Is("application/octet-stream") && ext != "" {
		return name
	}
	return Stem(name) + dext
}
