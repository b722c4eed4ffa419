// Package index rebuilds the archive's listing pages. The index is
// always recomputed from the committed records on disk, never patched
// incrementally, so it cannot drift from the archive even if an
// earlier index write was interrupted.
package index

import (
	"crypto/md5"
	"fmt"
	"html"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/storage"
)

// Builder writes listing pages for one archive.
type Builder struct {
	archive *storage.Archive
	cfg     config.IndexConfig
	title   string
	logger  logger.Logger
}

// NewBuilder creates an index builder for the archive. title heads
// every generated page, typically the blog name.
func NewBuilder(archive *storage.Archive, cfg config.IndexConfig, title string) *Builder {
	return &Builder{
		archive: archive,
		cfg:     cfg,
		title:   title,
		logger:  logger.GetLogger(),
	}
}

type month struct {
	year  int
	month time.Month
}

func (m month) key() string {
	return fmt.Sprintf("%d-%02d", m.year, m.month)
}

// Rebuild scans the committed records and regenerates every listing
// page: the root index, one page set per month, and one per tag when
// tag indexing is on. Output depends only on the committed metadata,
// not on the order records were written.
func (b *Builder) Rebuild() error {
	posts, err := b.archive.ScanPosts()
	if err != nil {
		return err
	}

	// Canonical order before any grouping.
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].Timestamp != posts[j].Timestamp {
			return posts[i].Timestamp < posts[j].Timestamp
		}
		return posts[i].ID < posts[j].ID
	})

	months := make(map[month][]storage.CommittedPost)
	var order []month
	for _, p := range posts {
		t := time.Unix(p.Timestamp, 0).UTC()
		m := month{year: t.Year(), month: t.Month()}
		if _, ok := months[m]; !ok {
			order = append(order, m)
		}
		months[m] = append(months[m], p)
	}

	for _, m := range order {
		group := months[m]
		if b.cfg.ReverseMonth {
			group = reversed(group)
		}
		if err := b.writeGroup(storage.ArchiveDir, m.key(), "../posts", group); err != nil {
			return err
		}
	}

	if b.cfg.TagIndex {
		if err := b.rebuildTags(posts); err != nil {
			return err
		}
	}

	if err := b.writeRoot(order, months); err != nil {
		return err
	}

	b.logger.InfoWithFields("Index rebuilt", map[string]interface{}{
		"posts":  len(posts),
		"months": len(order),
	})
	return nil
}

// rebuildTags writes one page set per tag under a digest directory,
// keeping tag names with any character filesystem-safe.
func (b *Builder) rebuildTags(posts []storage.CommittedPost) error {
	tagged := make(map[string][]storage.CommittedPost)
	var names []string
	for _, p := range posts {
		for _, tag := range p.Tags {
			key := strings.ToLower(tag)
			if _, ok := tagged[key]; !ok {
				names = append(names, key)
			}
			tagged[key] = append(tagged[key], p)
		}
	}
	sort.Strings(names)

	for _, tag := range names {
		dir := filepath.Join(storage.TagsDir, TagDigest(tag))
		group := tagged[tag]
		if b.cfg.ReverseMonth {
			group = reversed(group)
		}
		if err := b.writeGroup(dir, "index", "../../posts", group); err != nil {
			return err
		}
	}
	return nil
}

// TagDigest returns the directory name for a tag's listing pages.
func TagDigest(tag string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(strings.ToLower(tag))))
}

// writeGroup paginates one ordered group and writes its pages with
// prev/next links. Page size zero means one unlimited page.
func (b *Builder) writeGroup(dir, base, postsRel string, group []storage.CommittedPost) error {
	size := b.cfg.PostsPerPage
	if size <= 0 {
		size = len(group)
		if size == 0 {
			size = 1
		}
	}
	pages := (len(group) + size - 1) / size
	if pages == 0 {
		pages = 1
	}

	for n := 1; n <= pages; n++ {
		start := (n - 1) * size
		end := start + size
		if end > len(group) {
			end = len(group)
		}

		var sb strings.Builder
		b.writeHead(&sb, fmt.Sprintf("%s - %s", b.title, base))
		b.writeNav(&sb, base, n, pages)
		sb.WriteString("<ul class=posts>\n")
		for _, p := range group[start:end] {
			t := time.Unix(p.Timestamp, 0).UTC()
			sb.WriteString(fmt.Sprintf("<li><a href=\"%s/%d.html\">%d</a> <time datetime=%s>%s</time> <span class=type>%s</span></li>\n",
				postsRel, p.ID, p.ID, t.Format(time.RFC3339), t.Format("2006-01-02"), html.EscapeString(p.Type)))
		}
		sb.WriteString("</ul>\n")
		b.writeNav(&sb, base, n, pages)
		sb.WriteString("</body></html>\n")

		if err := b.archive.WritePage(filepath.Join(dir, pageName(base, n)), []byte(sb.String())); err != nil {
			return err
		}
	}
	return nil
}

// pageName names the nth page of a group: the first page keeps the
// bare group name, later pages get a -pN suffix.
func pageName(base string, n int) string {
	if n == 1 {
		return base + ".html"
	}
	return fmt.Sprintf("%s-p%d.html", base, n)
}

func (b *Builder) writeNav(sb *strings.Builder, base string, n, pages int) {
	if pages <= 1 {
		return
	}
	sb.WriteString("<nav>")
	if n > 1 {
		sb.WriteString(fmt.Sprintf("<a rel=prev href=\"%s\">&laquo; prev</a> ", pageName(base, n-1)))
	}
	sb.WriteString(fmt.Sprintf("page %d of %d", n, pages))
	if n < pages {
		sb.WriteString(fmt.Sprintf(" <a rel=next href=\"%s\">next &raquo;</a>", pageName(base, n+1)))
	}
	sb.WriteString("</nav>\n")
}

func (b *Builder) writeHead(sb *strings.Builder, title string) {
	sb.WriteString("<!DOCTYPE html>\n<html><head><meta charset=utf-8>\n")
	sb.WriteString(fmt.Sprintf("<title>%s</title>\n", html.EscapeString(title)))
	sb.WriteString("</head><body>\n")
	sb.WriteString(fmt.Sprintf("<h1>%s</h1>\n", html.EscapeString(title)))
}

// writeRoot writes the archive's front page: one link per month, in
// canonical order unless the index-order flag reverses it.
func (b *Builder) writeRoot(order []month, months map[month][]storage.CommittedPost) error {
	if b.cfg.ReverseIndex {
		order = reversed(order)
	}

	var sb strings.Builder
	b.writeHead(&sb, b.title)
	sb.WriteString("<ul class=archive>\n")
	for _, m := range order {
		sb.WriteString(fmt.Sprintf("<li><a href=\"%s/%s.html\">%s %d</a> (%d)</li>\n",
			storage.ArchiveDir, m.key(), m.month.String(), m.year, len(months[m])))
	}
	sb.WriteString("</ul>\n</body></html>\n")

	return b.archive.WritePage("index.html", []byte(sb.String()))
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
