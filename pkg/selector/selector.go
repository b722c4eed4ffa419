// Package selector decides which remote posts are in scope for a run.
// It is a pure predicate over a post and the selection configuration:
// no side effects, no network.
package selector

import (
	"fmt"
	"strings"
	"time"

	"tumblrbackup/pkg/config"
	errs "tumblrbackup/pkg/errors"
	"tumblrbackup/pkg/models"
)

// TagAny marks a request clause that matches regardless of tags.
const TagAny = "__all__"

// Request is the parsed compound grammar TYPE:TAG:TAG,TYPE:TAG,...
// mapping each post type to the tags that admit it.
type Request map[models.PostType][]string

// ParseRequest parses the request grammar. The wildcard type "any"
// expands a clause to every concrete type, matching the original
// grammar where any:personal admits posts of any type tagged personal.
func ParseRequest(s string) (Request, error) {
	if s == "" {
		return nil, nil
	}
	req := make(Request)
	for _, clause := range strings.Split(strings.ToLower(s), ",") {
		parts := strings.Split(strings.TrimSpace(clause), ":")
		typ := models.PostType(parts[0])
		tags := parts[1:]
		if typ != models.TypeAny && !models.ValidType(typ) {
			return nil, errs.New(errs.ErrorTypeConfig, fmt.Sprintf("invalid post type %q in request", parts[0]))
		}
		types := []models.PostType{typ}
		if typ == models.TypeAny {
			types = models.PostTypes
		}
		for _, t := range types {
			if len(tags) == 0 {
				req[t] = []string{TagAny}
				continue
			}
			req[t] = append(req[t], tags...)
		}
	}
	return req, nil
}

// matches reports whether the request admits the post: its type must
// have a clause, and that clause's tags must either be unrestricted or
// intersect the post's tags case-insensitively.
func (r Request) matches(post *models.Post) bool {
	if len(r) == 0 {
		return true
	}
	tags, ok := r[post.Type]
	if !ok {
		return false
	}
	postTags := make(map[string]bool, len(post.Tags))
	for _, t := range post.Tags {
		postTags[strings.ToLower(t)] = true
	}
	for _, t := range tags {
		if t == TagAny || postTags[t] {
			return true
		}
	}
	return false
}

// Period is a half-open timestamp window [Start, End).
type Period struct {
	Start int64
	End   int64
}

// Contains reports whether ts falls inside the period.
func (p *Period) Contains(ts int64) bool {
	return ts >= p.Start && ts < p.End
}

// ParsePeriod parses YYYY, YYYYMM or YYYYMMDD (optionally Z-suffixed
// for UTC), or "START,END" where END is another period whose start
// bounds the window exclusively.
func ParsePeriod(s string) (*Period, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return nil, errs.New(errs.ErrorTypeConfig, "period must have either one date or a start and end")
	}
	start, end, err := parsePeriodDate(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	if len(parts) == 2 {
		end, _, err = parsePeriodDate(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, err
		}
	}
	return &Period{Start: start, End: end}, nil
}

// parsePeriodDate returns the start of the given period and the start
// of the following one.
func parsePeriodDate(s string) (int64, int64, error) {
	loc := time.Local
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z")
		loc = time.UTC
	}
	digits := strings.ReplaceAll(s, "-", "")

	var layout string
	var next func(time.Time) time.Time
	switch len(digits) {
	case 4:
		layout = "2006"
		next = func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	case 6:
		layout = "200601"
		next = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case 8:
		layout = "20060102"
		next = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	default:
		return 0, 0, errs.New(errs.ErrorTypeConfig, fmt.Sprintf("period must be YYYY[MM[DD]][Z], got %q", s))
	}

	start, err := time.ParseInLocation(layout, digits, loc)
	if err != nil {
		return 0, 0, errs.New(errs.ErrorTypeConfig, fmt.Sprintf("invalid period %q: %v", s, err))
	}
	return start.Unix(), next(start).Unix(), nil
}

// Filter is an optional external predicate over the full structured
// post metadata; it runs last because it is the most expensive check.
type Filter func(*models.Post) bool

// Selector evaluates the per-post constraints of a selection
// configuration. Position windowing lives in Window since it is
// stateful over the filtered stream.
type Selector struct {
	request Request
	period  *Period
	reblogs config.ReblogPolicy
	filter  Filter
}

// New builds a Selector from the selection configuration. Grammar or
// period errors surface here, before any network access.
func New(sel config.SelectionConfig, filter Filter) (*Selector, error) {
	request, err := ParseRequest(sel.Request)
	if err != nil {
		return nil, err
	}
	period, err := ParsePeriod(sel.Period)
	if err != nil {
		return nil, err
	}
	policy := sel.Reblogs
	if policy == "" {
		policy = config.ReblogInclude
	}
	return &Selector{
		request: request,
		period:  period,
		reblogs: policy,
		filter:  filter,
	}, nil
}

// Period exposes the parsed date window for upstream pagination bounds.
func (s *Selector) Period() *Period {
	return s.period
}

// Included reports whether the post is in scope. Checks run cheapest
// first; the external filter runs last.
func (s *Selector) Included(post *models.Post) bool {
	if !s.request.matches(post) {
		return false
	}
	if s.period != nil && !s.period.Contains(post.Timestamp) {
		return false
	}
	switch s.reblogs {
	case config.ReblogExclude:
		if post.IsReblog() {
			return false
		}
	case config.ReblogOnly:
		if !post.IsReblog() {
			return false
		}
	}
	if s.filter != nil && !s.filter(post) {
		return false
	}
	return true
}

// Window applies the skip/count position window over the filtered
// stream. It must only be fed posts the Selector already admitted.
type Window struct {
	skip  int
	count int
	seen  int
	taken int
}

// NewWindow creates a position window; count 0 means unlimited.
func NewWindow(skip, count int) *Window {
	return &Window{skip: skip, count: count}
}

// Verdict is the window's decision for one admitted post.
type Verdict int

const (
	// Drop skips the post; it falls before the window.
	Drop Verdict = iota
	// Take keeps the post.
	Take
	// Done signals the window is exhausted; the stream can stop.
	Done
)

// Next advances the window by one admitted post.
func (w *Window) Next() Verdict {
	if w.count > 0 && w.taken >= w.count {
		return Done
	}
	w.seen++
	if w.seen <= w.skip {
		return Drop
	}
	w.taken++
	return Take
}

// Exhausted reports whether the window can take no further posts.
func (w *Window) Exhausted() bool {
	return w.count > 0 && w.taken >= w.count
}
