package storage

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// CommittedPost is the metadata of one record recovered from disk.
// Listings are computed from these, never from in-memory run state, so
// an interrupted index write can always be repaired by rescanning.
type CommittedPost struct {
	ID        int64
	Timestamp int64
	Type      string
	Tags      []string
}

var articleAttrs = regexp.MustCompile(
	`<article class=(\S+) id=p-\d+ data-timestamp=(\d+) data-tags="([^"]*)">`)

// ScanPosts reads every committed record's metadata from the posts
// directory. Files that do not parse are skipped with a warning
// rather than failing the scan.
func (a *Archive) ScanPosts() ([]CommittedPost, error) {
	dir := filepath.Join(a.root, PostsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read posts directory: %w", err)
	}

	var posts []CommittedPost
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".html") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".html"), 10, 64)
		if err != nil {
			continue
		}

		post, err := a.readPostMeta(filepath.Join(dir, name), id)
		if err != nil {
			a.logger.WarnWithFields("Skipping unreadable post file", map[string]interface{}{
				"file":  name,
				"error": err.Error(),
			})
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// readPostMeta extracts the article metadata attributes. The file
// mtime serves as the timestamp fallback since commits stamp it with
// the record's own time.
func (a *Archive) readPostMeta(path string, id int64) (CommittedPost, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CommittedPost{}, err
	}

	m := articleAttrs.FindSubmatch(data)
	if m == nil {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return CommittedPost{}, statErr
		}
		return CommittedPost{ID: id, Timestamp: info.ModTime().Unix()}, nil
	}

	ts, err := strconv.ParseInt(string(m[2]), 10, 64)
	if err != nil {
		return CommittedPost{}, err
	}

	var tags []string
	if raw := html.UnescapeString(string(m[3])); raw != "" {
		tags = strings.Split(raw, ",")
	}
	return CommittedPost{
		ID:        id,
		Timestamp: ts,
		Type:      string(m[1]),
		Tags:      tags,
	}, nil
}

// MaxCommittedID returns the highest committed record identifier, or
// zero for an empty archive.
func (a *Archive) MaxCommittedID() (int64, error) {
	posts, err := a.ScanPosts()
	if err != nil {
		return 0, err
	}
	var max int64
	for _, p := range posts {
		if p.ID > max {
			max = p.ID
		}
	}
	return max, nil
}
