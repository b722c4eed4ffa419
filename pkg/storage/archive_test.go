package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumblrbackup/pkg/models"
)

func testPost(id, ts int64, typ models.PostType, tags ...string) *models.Post {
	return &models.Post{
		ID:        id,
		Timestamp: ts,
		Type:      typ,
		Tags:      tags,
		Body:      "<p>hello</p>",
	}
}

func TestNewCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, true)
	require.NoError(t, err)

	for _, sub := range []string{PostsDir, MediaDir, ArchiveDir, TagsDir, JSONDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestCommitPostStampsTimestamp(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, false)
	require.NoError(t, err)

	ts := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC).Unix()
	post := testPost(100, ts, models.TypeText)
	require.NoError(t, a.CommitPost(post, RenderPost(post, nil)))

	assert.True(t, a.HasPost(100))
	assert.False(t, a.HasPost(101))

	info, err := os.Stat(filepath.Join(dir, PostsDir, "100.html"))
	require.NoError(t, err)
	assert.Equal(t, ts, info.ModTime().Unix())

	// No temp file survives the commit.
	_, err = os.Stat(filepath.Join(dir, PostsDir, "100.html.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestCommitPostIsIdempotent(t *testing.T) {
	a, err := New(t.TempDir(), false)
	require.NoError(t, err)

	post := testPost(7, 1600000000, models.TypePhoto, "me")
	html := RenderPost(post, nil)
	require.NoError(t, a.CommitPost(post, html))
	first, err := os.ReadFile(filepath.Join(a.Root(), PostsDir, "7.html"))
	require.NoError(t, err)

	require.NoError(t, a.CommitPost(post, html))
	second, err := os.ReadFile(filepath.Join(a.Root(), PostsDir, "7.html"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCommitPostRetainsRawJSON(t *testing.T) {
	a, err := New(t.TempDir(), true)
	require.NoError(t, err)

	post := testPost(55, 1600000000, models.TypeText)
	post.Raw = json.RawMessage(`{"id":55,"type":"text"}`)
	require.NoError(t, a.CommitPost(post, RenderPost(post, nil)))

	raw, err := a.ReadRaw(55)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":55,"type":"text"}`, string(raw))

	ids, err := a.RawIdents()
	require.NoError(t, err)
	assert.Equal(t, []int64{55}, ids)
}

func TestSaveMediaAndScan(t *testing.T) {
	a, err := New(t.TempDir(), false)
	require.NoError(t, err)

	mtime := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.SaveMedia("photo_1280.jpg", []byte("bytes"), mtime))
	assert.True(t, a.HasMedia("photo_1280.jpg"))
	assert.False(t, a.HasMedia("other.jpg"))

	info, err := os.Stat(filepath.Join(a.Root(), MediaDir, "photo_1280.jpg"))
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), info.ModTime().Unix())

	var got []string
	require.NoError(t, a.ScanMedia(func(stem, name string, size int64) {
		got = append(got, stem+"|"+name)
		assert.Equal(t, int64(5), size)
	}))
	assert.Equal(t, []string{"photo_1280|photo_1280.jpg"}, got)
}

func TestScanPostsRecoversMetadata(t *testing.T) {
	a, err := New(t.TempDir(), false)
	require.NoError(t, err)

	posts := []*models.Post{
		testPost(3, 1600000300, models.TypePhoto, "me", "self"),
		testPost(1, 1600000100, models.TypeText),
		testPost(2, 1600000200, models.TypeQuote, "words & wisdom"),
	}
	for _, p := range posts {
		require.NoError(t, a.CommitPost(p, RenderPost(p, nil)))
	}

	scanned, err := a.ScanPosts()
	require.NoError(t, err)
	require.Len(t, scanned, 3)

	sort.Slice(scanned, func(i, j int) bool { return scanned[i].ID < scanned[j].ID })
	assert.Equal(t, int64(1600000100), scanned[0].Timestamp)
	assert.Equal(t, "text", scanned[0].Type)
	assert.Nil(t, scanned[0].Tags)
	assert.Equal(t, []string{"words & wisdom"}, scanned[1].Tags)
	assert.Equal(t, []string{"me", "self"}, scanned[2].Tags)

	max, err := a.MaxCommittedID()
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
}

func TestMaxCommittedIDEmptyArchive(t *testing.T) {
	a, err := New(t.TempDir(), false)
	require.NoError(t, err)

	max, err := a.MaxCommittedID()
	require.NoError(t, err)
	assert.Zero(t, max)
}

func TestWritePageCreatesParents(t *testing.T) {
	a, err := New(t.TempDir(), false)
	require.NoError(t, err)

	require.NoError(t, a.WritePage(filepath.Join(TagsDir, "abc123", "index.html"), []byte("<html>")))
	data, err := os.ReadFile(filepath.Join(a.Root(), TagsDir, "abc123", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(data))
}

func TestRenderPostRewritesMediaLinks(t *testing.T) {
	remote := "https://64.media.tumblr.com/abc/photo_1280.jpg"
	post := testPost(9, 1600000000, models.TypePhoto)
	post.Photos = []models.Photo{{
		OriginalSize: models.PhotoSize{URL: remote, Width: 1280, Height: 720},
	}}

	html := string(RenderPost(post, map[string]string{remote: "../media/photo_1280.jpg"}))
	assert.Contains(t, html, `src="../media/photo_1280.jpg"`)
	assert.NotContains(t, html, remote)
	assert.Contains(t, html, "data-timestamp=1600000000")
}

func TestRenderPostEscapesTitleAndTags(t *testing.T) {
	post := testPost(4, 1600000000, models.TypeText, `a<b>`)
	post.Title = `Tom & "Jerry"`

	html := string(RenderPost(post, nil))
	assert.Contains(t, html, "Tom &amp; &#34;Jerry&#34;")
	assert.NotContains(t, html, `<b>`)
}
