// Package storage owns the on-disk archive layout and makes every
// write atomic: a record is either fully committed or absent, never
// half-written.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/models"
)

// Archive directory layout, relative to the root.
const (
	PostsDir   = "posts"
	MediaDir   = "media"
	JSONDir    = "json"
	ArchiveDir = "archive"
	TagsDir    = "tags"
)

// Archive is the durable store for one backed-up blog.
type Archive struct {
	root     string
	saveJSON bool
	logger   logger.Logger
}

// New opens (or creates) an archive rooted at dir. saveJSON keeps the
// raw fetched payload alongside each rendered record.
func New(dir string, saveJSON bool) (*Archive, error) {
	for _, sub := range []string{"", PostsDir, MediaDir, ArchiveDir, TagsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	if saveJSON {
		if err := os.MkdirAll(filepath.Join(dir, JSONDir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create json directory: %w", err)
		}
	}
	return &Archive{
		root:     dir,
		saveJSON: saveJSON,
		logger:   logger.GetLogger(),
	}, nil
}

// Root returns the archive root directory.
func (a *Archive) Root() string {
	return a.root
}

// writeAtomic writes data to path via a temporary file and rename, so
// a crash leaves either the old file or the new one.
func (a *Archive) writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = out.Write(data)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// CommitPost writes the record's rendered form, and its raw payload
// when retention is on, then stamps the file with the record's own
// timestamp. The rename of the rendered file is the commit point;
// re-committing identical input changes nothing observable.
func (a *Archive) CommitPost(post *models.Post, html []byte) error {
	if a.saveJSON && post.Raw != nil {
		rawPath := filepath.Join(a.root, JSONDir, post.Ident()+".json")
		if err := a.writeAtomic(rawPath, post.Raw); err != nil {
			return err
		}
	}

	path := filepath.Join(a.root, PostsDir, post.Ident()+".html")
	if err := a.writeAtomic(path, html); err != nil {
		return err
	}

	mtime := post.Time()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return fmt.Errorf("failed to stamp post time: %w", err)
	}

	a.logger.DebugWithFields("Post committed", map[string]interface{}{
		"post_id": post.ID,
		"type":    string(post.Type),
	})
	return nil
}

// HasPost reports whether the record is already committed.
func (a *Archive) HasPost(id int64) bool {
	_, err := os.Stat(filepath.Join(a.root, PostsDir, strconv.FormatInt(id, 10)+".html"))
	return err == nil
}

// SaveMedia stores one attachment payload. The file is stamped with
// the owning record's timestamp if that is older than now.
func (a *Archive) SaveMedia(name string, data []byte, mtime time.Time) error {
	path := filepath.Join(a.root, MediaDir, name)
	if err := a.writeAtomic(path, data); err != nil {
		return err
	}
	if !mtime.IsZero() && mtime.Before(time.Now()) {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return fmt.Errorf("failed to stamp media time: %w", err)
		}
	}
	return nil
}

// HasMedia reports whether an attachment with this name exists.
func (a *Archive) HasMedia(name string) bool {
	_, err := os.Stat(filepath.Join(a.root, MediaDir, name))
	return err == nil
}

// ScanMedia walks the media store, reporting each file's dedup stem,
// name and size. Used to preload the dedup table on startup.
func (a *Archive) ScanMedia(fn func(stem, name string, size int64)) error {
	entries, err := os.ReadDir(filepath.Join(a.root, MediaDir))
	if err != nil {
		return fmt.Errorf("failed to read media directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		name := entry.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		fn(stem, name, info.Size())
	}
	return nil
}

// ReadRaw returns the retained raw payload for a committed record.
func (a *Archive) ReadRaw(id int64) ([]byte, error) {
	return os.ReadFile(filepath.Join(a.root, JSONDir, strconv.FormatInt(id, 10)+".json"))
}

// RawIdents lists the record identifiers with retained raw payloads,
// used by the replay mode that rebuilds an archive without refetching.
func (a *Archive) RawIdents() ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, JSONDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read json directory: %w", err)
	}
	var ids []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WritePage writes a derived listing page. relPath is relative to the
// archive root and its parent directory is created on demand.
func (a *Archive) WritePage(relPath string, data []byte) error {
	path := filepath.Join(a.root, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create listing directory: %w", err)
	}
	return a.writeAtomic(path, data)
}
