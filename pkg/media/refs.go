package media

import (
	"path"
	"regexp"
	"strings"

	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/models"
)

var inlineImage = regexp.MustCompile(`<img[^>]+src="(https?://[^"]+)"`)

// ExtractRefs lists the attachments a record references: declared
// photo sizes, the video and audio payloads, and images embedded in
// body markup. Offsets are assigned in reference order so the
// ident-derived name policies stay collision-free; a record's only
// attachment gets offset zero.
func ExtractRefs(post *models.Post, cfg config.DownloadConfig) []models.MediaReference {
	var refs []models.MediaReference
	add := func(url, hint string) {
		if url == "" {
			return
		}
		refs = append(refs, models.MediaReference{
			URL:       url,
			PostID:    post.ID,
			Timestamp: post.Timestamp,
			Hint:      hint,
		})
	}

	if cfg.SaveImages {
		for _, photo := range post.Photos {
			if size := photo.BestSize(); size.URL != "" {
				add(MaxsizeURL(size.URL), "")
			}
		}
		for _, body := range []string{post.Body, post.Caption, post.Answer, post.Description} {
			for _, m := range inlineImage.FindAllStringSubmatch(body, -1) {
				add(MaxsizeURL(m[1]), "")
			}
		}
	}

	if cfg.SaveVideo && post.VideoURL != "" {
		hint := ""
		if path.Ext(trimQuery(post.VideoURL)) == "" {
			hint = ".mp4"
		}
		add(post.VideoURL, hint)
	}

	if cfg.SaveAudio {
		src := post.AudioSourceURL
		if src == "" {
			src = post.AudioURL
		}
		if src != "" {
			hint := ""
			if path.Ext(trimQuery(src)) == "" {
				hint = ".mp3"
			}
			add(src, hint)
		}
	}

	if len(refs) > 1 {
		for i := range refs {
			refs[i].Offset = i + 1
		}
	}
	return refs
}

func trimQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
