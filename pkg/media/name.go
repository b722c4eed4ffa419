package media

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"tumblrbackup/pkg/config"
	errs "tumblrbackup/pkg/errors"
)

var (
	sizeSuffix  = regexp.MustCompile(`_\d{2,4}(\.\w+)$`)
	badNameChar = regexp.MustCompile(`[:<>"/\\|*?]`)
)

// MaxsizeURL rewrites a tumblr image URL to request the largest
// commonly available resolution. GIFs are left alone because the
// largest size is not guaranteed to animate.
func MaxsizeURL(imageURL string) string {
	if !strings.Contains(imageURL, ".tumblr.com/") || strings.HasSuffix(imageURL, ".gif") {
		return imageURL
	}
	return sizeSuffix.ReplaceAllString(imageURL, "_1280$1")
}

// CanonicalName derives the archive-local file name for a media URL
// under the configured policy. offset distinguishes multiple
// attachments of the same record under the ident policies and is
// rendered as "_oN" with N starting at 1; offset 0 means the record's
// only attachment.
func CanonicalName(rawURL string, policy config.MediaNamePolicy, blog, ident string, offset int) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return "", errs.New(errs.ErrorTypeParsing, fmt.Sprintf("unusable media URL %q", rawURL))
	}

	fname := path.Base(parsed.Path)
	ext := path.Ext(fname)
	if parsed.RawQuery != "" {
		// Fold the query string into the name so URLs that differ
		// only by query do not collide. '@' keeps the name portable.
		stem := strings.TrimSuffix(fname, ext)
		fname = stem + "@" + parsed.RawQuery + ext
	}

	suffix := ""
	if offset > 0 {
		suffix = fmt.Sprintf("_o%d", offset)
	}

	switch policy {
	case config.NameIdent:
		return ident + suffix + ext, nil
	case config.NameBlogIdent:
		return blog + "_" + ident + suffix + ext, nil
	default:
		return badNameChar.ReplaceAllString(fname, ""), nil
	}
}

// Stem strips the extension from a canonical name. Stems key the
// dedup table so that extension corrections do not defeat dedup.
func Stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
