package storage

import (
	"fmt"
	"html"
	"strings"
	"time"

	"tumblrbackup/pkg/media"
	"tumblrbackup/pkg/models"
)

// RenderPost produces the durable HTML form of a record. Remote media
// URLs listed in links are rewritten to their archive-local paths
// (relative to the posts directory). The article element carries the
// record's metadata as data attributes so listings can be rebuilt
// from disk alone.
func RenderPost(post *models.Post, links map[string]string) []byte {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("<article class=%s id=p-%s data-timestamp=%d data-tags=\"%s\">\n",
		post.Type, post.Ident(), post.Timestamp, html.EscapeString(strings.Join(post.Tags, ","))))

	b.WriteString("<header>\n")
	ts := post.Time().UTC()
	b.WriteString(fmt.Sprintf("<p><time datetime=%s>%s</time>\n",
		ts.Format(time.RFC3339), ts.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("<a class=llink href=%s.html>&#182;</a>\n", post.Ident()))
	if post.PostURL != "" {
		b.WriteString(fmt.Sprintf("<a href=%s>&#9679;</a>\n", post.PostURL))
	}
	if post.RebloggedFrom != "" {
		b.WriteString(fmt.Sprintf("<a href=%s>&#10557;</a>\n", post.RebloggedFrom))
	}
	b.WriteString("</header>\n")

	renderBody(&b, post)

	if len(post.Tags) > 0 {
		b.WriteString("<footer>\n")
		for _, tag := range post.Tags {
			b.WriteString(fmt.Sprintf("<span class=tag>#%s</span>\n", html.EscapeString(tag)))
		}
		b.WriteString("</footer>\n")
	}
	b.WriteString("</article>\n")

	out := b.String()
	// Any remote URL that resolved locally is rewritten wherever it
	// appears, including inside API-provided body markup.
	for remote, local := range links {
		out = strings.ReplaceAll(out, remote, local)
	}
	return []byte(out)
}

// renderBody emits the type-specific section. Body, caption and
// description fields arrive as HTML from the remote service and are
// embedded as-is; everything user-plain is escaped.
func renderBody(b *strings.Builder, post *models.Post) {
	if post.Title != "" && post.Type != models.TypeLink {
		b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", html.EscapeString(post.Title)))
	}

	switch post.Type {
	case models.TypeText:
		b.WriteString(post.Body + "\n")
	case models.TypePhoto:
		for _, photo := range post.Photos {
			size := photo.BestSize()
			if size.URL == "" {
				continue
			}
			// The same maxsize rewrite the downloader applies, so the
			// rendered URL matches the resolved link's key.
			b.WriteString(fmt.Sprintf("<img alt=\"\" src=\"%s\">\n", media.MaxsizeURL(size.URL)))
			if photo.Caption != "" {
				b.WriteString(photo.Caption + "\n")
			}
		}
		if post.Caption != "" {
			b.WriteString(post.Caption + "\n")
		}
	case models.TypeVideo:
		if post.VideoURL != "" {
			b.WriteString(fmt.Sprintf("<video controls src=\"%s\"></video>\n", post.VideoURL))
		}
		if post.Caption != "" {
			b.WriteString(post.Caption + "\n")
		}
	case models.TypeAudio:
		src := post.AudioSourceURL
		if src == "" {
			src = post.AudioURL
		}
		if src != "" {
			b.WriteString(fmt.Sprintf("<audio controls src=\"%s\"></audio>\n", src))
		}
		if post.Caption != "" {
			b.WriteString(post.Caption + "\n")
		}
	case models.TypeQuote:
		b.WriteString(fmt.Sprintf("<blockquote><p>%s</p></blockquote>\n", post.Text))
		if post.Source != "" {
			b.WriteString(fmt.Sprintf("<p>%s</p>\n", post.Source))
		}
	case models.TypeLink:
		b.WriteString(fmt.Sprintf("<p><a href=\"%s\">%s</a></p>\n", post.URL, html.EscapeString(post.Title)))
		if post.Description != "" {
			b.WriteString(post.Description + "\n")
		}
	case models.TypeAnswer:
		b.WriteString(fmt.Sprintf("<blockquote><p>%s</p></blockquote>\n", html.EscapeString(post.Question)))
		b.WriteString(post.Answer + "\n")
	case models.TypeChat:
		b.WriteString(fmt.Sprintf("<pre>%s</pre>\n", html.EscapeString(post.Body)))
	default:
		if post.Body != "" {
			b.WriteString(post.Body + "\n")
		}
	}
}
