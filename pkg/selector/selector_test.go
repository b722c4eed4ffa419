package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/models"
)

func post(id int64, typ models.PostType, tags ...string) *models.Post {
	return &models.Post{ID: id, Type: typ, Tags: tags, Timestamp: id}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		request string
		wantErr bool
		check   func(t *testing.T, r Request)
	}{
		{
			name:    "single type no tags",
			request: "photo",
			check: func(t *testing.T, r Request) {
				assert.Equal(t, []string{TagAny}, r[models.TypePhoto])
				assert.NotContains(t, r, models.TypeText)
			},
		},
		{
			name:    "type with tags",
			request: "photo:me:self",
			check: func(t *testing.T, r Request) {
				assert.Equal(t, []string{"me", "self"}, r[models.TypePhoto])
			},
		},
		{
			name:    "any expands to all types",
			request: "any:personal",
			check: func(t *testing.T, r Request) {
				for _, typ := range models.PostTypes {
					assert.Equal(t, []string{"personal"}, r[typ])
				}
			},
		},
		{
			name:    "compound clauses",
			request: "text,photo:me",
			check: func(t *testing.T, r Request) {
				assert.Equal(t, []string{TagAny}, r[models.TypeText])
				assert.Equal(t, []string{"me"}, r[models.TypePhoto])
			},
		},
		{
			name:    "invalid type rejected",
			request: "gifset:me",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRequest(tt.request)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestRequestMatching(t *testing.T) {
	r, err := ParseRequest("photo:me:self,quote")
	require.NoError(t, err)

	assert.True(t, r.matches(post(1, models.TypePhoto, "Me")), "tag match is case-insensitive")
	assert.True(t, r.matches(post(2, models.TypePhoto, "travel", "self")))
	assert.False(t, r.matches(post(3, models.TypePhoto, "travel")))
	assert.False(t, r.matches(post(4, models.TypePhoto)))
	assert.True(t, r.matches(post(5, models.TypeQuote)), "untagged clause admits any tags")
	assert.False(t, r.matches(post(6, models.TypeText, "me")))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2024Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), p.Start)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), p.End)

	p, err = ParsePeriod("202406Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Unix(), p.Start)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC).Unix(), p.End)

	p, err = ParsePeriod("20240615Z")
	require.NoError(t, err)
	assert.True(t, p.Contains(time.Date(2024, 6, 15, 23, 59, 59, 0, time.UTC).Unix()))
	assert.False(t, p.Contains(time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC).Unix()))

	p, err = ParsePeriod("2023Z,202403Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), p.Start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix(), p.End)

	_, err = ParsePeriod("junk")
	assert.Error(t, err)

	_, err = ParsePeriod("2023,2024,2025")
	assert.Error(t, err)
}

func TestSelectorReblogPolicy(t *testing.T) {
	reblog := post(1, models.TypePhoto)
	reblog.RebloggedFromID = "12345"
	original := post(2, models.TypePhoto)

	sel, err := New(config.SelectionConfig{Reblogs: config.ReblogExclude}, nil)
	require.NoError(t, err)
	assert.False(t, sel.Included(reblog))
	assert.True(t, sel.Included(original))

	sel, err = New(config.SelectionConfig{Reblogs: config.ReblogOnly}, nil)
	require.NoError(t, err)
	assert.True(t, sel.Included(reblog))
	assert.False(t, sel.Included(original))

	sel, err = New(config.SelectionConfig{}, nil)
	require.NoError(t, err)
	assert.True(t, sel.Included(reblog))
	assert.True(t, sel.Included(original))
}

func TestSelectorExternalFilterRunsLast(t *testing.T) {
	calls := 0
	filter := func(p *models.Post) bool {
		calls++
		return p.ID%2 == 0
	}
	sel, err := New(config.SelectionConfig{Request: "photo"}, filter)
	require.NoError(t, err)

	assert.False(t, sel.Included(post(1, models.TypeText)))
	assert.Zero(t, calls, "filter must not run when the request already rejects")

	assert.True(t, sel.Included(post(2, models.TypePhoto)))
	assert.False(t, sel.Included(post(3, models.TypePhoto)))
	assert.Equal(t, 2, calls)
}

// Mirrors the combined-constraint walkthrough: thirty posts alternating
// type and tags, filtered to photos tagged me or self, with five
// skipped and at most ten taken.
func TestSelectorWithWindow(t *testing.T) {
	sel, err := New(config.SelectionConfig{Request: "photo:me:self"}, nil)
	require.NoError(t, err)

	var stream []*models.Post
	for i := 1; i <= 30; i++ {
		typ := models.TypePhoto
		if i%3 == 0 {
			typ = models.TypeText
		}
		tags := []string{"me"}
		if i%5 == 0 {
			tags = []string{"travel"}
		}
		stream = append(stream, post(int64(i), typ, tags...))
	}

	w := NewWindow(5, 10)
	var taken []int64
	for _, p := range stream {
		if !sel.Included(p) {
			continue
		}
		switch w.Next() {
		case Drop:
		case Take:
			taken = append(taken, p.ID)
		case Done:
		}
		if w.Exhausted() {
			break
		}
	}

	// Photos tagged me: ids not divisible by 3 or 5. First five are
	// skipped, the rest taken.
	want := []int64{11, 13, 14, 16, 17, 19, 22, 23, 26, 28}
	assert.Equal(t, want, taken)
}

func TestWindowUnlimitedCount(t *testing.T) {
	w := NewWindow(2, 0)
	var verdicts []Verdict
	for i := 0; i < 5; i++ {
		verdicts = append(verdicts, w.Next())
	}
	assert.Equal(t, []Verdict{Drop, Drop, Take, Take, Take}, verdicts)
	assert.False(t, w.Exhausted())
}

func TestWindowDoneAfterCount(t *testing.T) {
	w := NewWindow(0, 2)
	assert.Equal(t, Take, w.Next())
	assert.Equal(t, Take, w.Next())
	assert.Equal(t, Done, w.Next())
	assert.True(t, w.Exhausted())
}

func ExampleParseRequest() {
	r, _ := ParseRequest("photo:me,quote")
	fmt.Println(len(r[models.TypePhoto]), r[models.TypeQuote][0] == TagAny)
	// Output: 1 true
}
