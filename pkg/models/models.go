package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// PostType is the closed set of post kinds the API can return. Anything
// outside this set is preserved verbatim but never matched by a filter.
type PostType string

const (
	TypeText   PostType = "text"
	TypePhoto  PostType = "photo"
	TypeVideo  PostType = "video"
	TypeAudio  PostType = "audio"
	TypeQuote  PostType = "quote"
	TypeLink   PostType = "link"
	TypeAnswer PostType = "answer"
	TypeChat   PostType = "chat"

	// TypeAny is the wildcard used by the request grammar, not a real
	// post type.
	TypeAny PostType = "any"
)

// PostTypes lists every concrete post type.
var PostTypes = []PostType{
	TypeText, TypeQuote, TypeLink, TypeAnswer,
	TypeVideo, TypeAudio, TypePhoto, TypeChat,
}

// ValidType reports whether t names a concrete post type.
func ValidType(t PostType) bool {
	for _, pt := range PostTypes {
		if t == pt {
			return true
		}
	}
	return false
}

// PhotoSize is one available rendition of a photo.
type PhotoSize struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Photo is a single image in a photo post.
type Photo struct {
	Caption      string      `json:"caption"`
	OriginalSize PhotoSize   `json:"original_size"`
	AltSizes     []PhotoSize `json:"alt_sizes"`
}

// BestSize returns the largest available rendition. The original size
// is canonical when the payload carries one; alt sizes are only a
// fallback and their ordering is not trusted.
func (p Photo) BestSize() PhotoSize {
	if p.OriginalSize.URL != "" {
		return p.OriginalSize
	}
	if len(p.AltSizes) > 0 {
		return p.AltSizes[0]
	}
	return PhotoSize{}
}

// TrailItem is one entry in a post's reblog trail.
type TrailItem struct {
	Post struct {
		ID string `json:"id"`
	} `json:"post"`
	IsRootItem bool `json:"is_root_item"`
}

// Post is one remote content record. It is immutable once fetched; Raw
// preserves the exact API payload for raw retention and for external
// predicates over the full structured metadata.
type Post struct {
	ID              int64       `json:"id"`
	Timestamp       int64       `json:"timestamp"`
	Type            PostType    `json:"type"`
	Tags            []string    `json:"tags"`
	PostURL         string      `json:"post_url"`
	ShortURL        string      `json:"short_url"`
	BlogName        string      `json:"blog_name"`
	Title           string      `json:"title"`
	Body            string      `json:"body"`
	Caption         string      `json:"caption"`
	Text            string      `json:"text"`
	Source          string      `json:"source"`
	Question        string      `json:"question"`
	Answer          string      `json:"answer"`
	URL             string      `json:"url"`
	Description     string      `json:"description"`
	SourceTitle     string      `json:"source_title"`
	SourceURL       string      `json:"source_url"`
	Photos          []Photo     `json:"photos"`
	VideoURL        string      `json:"video_url"`
	VideoType       string      `json:"video_type"`
	AudioURL        string      `json:"audio_url"`
	AudioSourceURL  string      `json:"audio_source_url"`
	AudioType       string      `json:"audio_type"`
	NoteCount       int         `json:"note_count"`
	RebloggedFromID json.Number `json:"reblogged_from_id"`
	RebloggedFrom   string      `json:"reblogged_from_url"`
	RebloggedRoot   string      `json:"reblogged_root_url"`
	RootID          json.Number `json:"root_id"`
	Trail           []TrailItem `json:"trail"`

	Raw json.RawMessage `json:"-"`
}

// Time returns the post timestamp as a time.Time in the local zone.
func (p *Post) Time() time.Time {
	return time.Unix(p.Timestamp, 0)
}

// Ident returns the post id in its canonical decimal form.
func (p *Post) Ident() string {
	return strconv.FormatInt(p.ID, 10)
}

// IsReblog applies the structural reblog checks: an explicit source id,
// a root id differing from the post's own, or a trail whose first entry
// is another post. Content heuristics are deliberately not attempted.
func (p *Post) IsReblog() bool {
	if p.RebloggedFromID != "" || p.RebloggedFrom != "" {
		return true
	}
	if root, err := p.RootID.Int64(); err == nil && root != 0 && root != p.ID {
		return true
	}
	if len(p.Trail) > 0 {
		if first, err := strconv.ParseInt(p.Trail[0].Post.ID, 10, 64); err == nil && first != p.ID {
			return true
		}
		rooted := false
		for _, t := range p.Trail {
			if t.IsRootItem {
				rooted = true
			}
		}
		if !rooted {
			return true
		}
	}
	return false
}

// MediaReference points at one attachment of a post. It is descriptive
// only; the resolved attachment lives in the media store.
type MediaReference struct {
	URL    string
	PostID int64
	// Timestamp is the owning post's timestamp, stamped onto the
	// archived file.
	Timestamp int64
	// Hint forces a file extension (".mp4" for inline players whose
	// URLs carry none). Empty means sniff the content instead.
	Hint string
	// Offset distinguishes multiple attachments of one post under the
	// ident-derived name policies ("_o1", "_o2", ...). Zero for single
	// attachments.
	Offset int
}

// Blog is the envelope metadata of the mirrored blog.
type Blog struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Posts       int    `json:"posts"`
	UUID        string `json:"uuid"`
}

// Meta carries the API status that accompanies every response.
type Meta struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// PostsResponse is the page-level API envelope.
type PostsResponse struct {
	Meta     Meta `json:"meta"`
	Response struct {
		Blog       Blog              `json:"blog"`
		Posts      []json.RawMessage `json:"posts"`
		TotalPosts int               `json:"total_posts"`
	} `json:"response"`
}

// DecodePost parses one raw post payload, keeping the payload attached.
func DecodePost(raw json.RawMessage) (*Post, error) {
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.Raw = raw
	return &p, nil
}
