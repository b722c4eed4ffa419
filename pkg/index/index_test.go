package index

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/models"
	"tumblrbackup/pkg/storage"
)

func commit(t *testing.T, a *storage.Archive, id int64, ts time.Time, typ models.PostType, tags ...string) {
	t.Helper()
	post := &models.Post{ID: id, Timestamp: ts.Unix(), Type: typ, Tags: tags}
	require.NoError(t, a.CommitPost(post, storage.RenderPost(post, nil)))
}

func newArchive(t *testing.T) *storage.Archive {
	t.Helper()
	a, err := storage.New(t.TempDir(), false)
	require.NoError(t, err)
	return a
}

func readPage(t *testing.T, a *storage.Archive, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(a.Root(), rel))
	require.NoError(t, err)
	return string(data)
}

var postLink = regexp.MustCompile(`posts/(\d+)\.html`)

func linkedIDs(page string) []string {
	var ids []string
	for _, m := range postLink.FindAllStringSubmatch(page, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

func TestRebuildGroupsByMonth(t *testing.T) {
	a := newArchive(t)
	jun := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	jul := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

	commit(t, a, 2, jun.Add(time.Hour), models.TypeText)
	commit(t, a, 1, jun, models.TypePhoto)
	commit(t, a, 3, jul, models.TypeText)

	b := NewBuilder(a, config.IndexConfig{}, "myblog")
	require.NoError(t, b.Rebuild())

	root := readPage(t, a, "index.html")
	assert.Contains(t, root, "archive/2024-06.html")
	assert.Contains(t, root, "archive/2024-07.html")
	assert.Less(t, strings.Index(root, "2024-06"), strings.Index(root, "2024-07"))

	juneIDs := linkedIDs(readPage(t, a, "archive/2024-06.html"))
	assert.Equal(t, []string{"1", "2"}, juneIDs, "within-group order is (timestamp, id) ascending")
	assert.Equal(t, []string{"3"}, linkedIDs(readPage(t, a, "archive/2024-07.html")))
}

func TestRebuildIsDeterministic(t *testing.T) {
	base := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	build := func(order []int64) map[string]string {
		a := newArchive(t)
		for _, id := range order {
			commit(t, a, id, base.Add(time.Duration(id)*time.Hour), models.TypeText, "tag")
		}
		require.NoError(t, NewBuilder(a, config.IndexConfig{TagIndex: true}, "b").Rebuild())

		pages := make(map[string]string)
		for _, rel := range []string{"index.html", "archive/2023-05.html", filepath.Join("tags", TagDigest("tag"), "index.html")} {
			pages[rel] = readPage(t, a, rel)
		}
		return pages
	}

	assert.Equal(t, build([]int64{1, 2, 3, 4}), build([]int64{4, 2, 1, 3}),
		"listing pages depend only on committed metadata, not commit order")
}

func TestReverseFlagsAreIndependent(t *testing.T) {
	a := newArchive(t)
	commit(t, a, 1, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), models.TypeText)
	commit(t, a, 2, time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), models.TypeText)
	commit(t, a, 3, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), models.TypeText)

	require.NoError(t, NewBuilder(a, config.IndexConfig{ReverseIndex: true}, "b").Rebuild())
	root := readPage(t, a, "index.html")
	assert.Less(t, strings.Index(root, "2024-02"), strings.Index(root, "2024-01"), "index flag reverses month order")
	assert.Equal(t, []string{"1", "2"}, linkedIDs(readPage(t, a, "archive/2024-01.html")),
		"index flag leaves within-month order alone")

	require.NoError(t, NewBuilder(a, config.IndexConfig{ReverseMonth: true}, "b").Rebuild())
	root = readPage(t, a, "index.html")
	assert.Less(t, strings.Index(root, "2024-01"), strings.Index(root, "2024-02"), "month flag leaves index order alone")
	assert.Equal(t, []string{"2", "1"}, linkedIDs(readPage(t, a, "archive/2024-01.html")))
}

func TestPagination(t *testing.T) {
	a := newArchive(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for id := int64(1); id <= 5; id++ {
		commit(t, a, id, base.Add(time.Duration(id)*time.Minute), models.TypeText)
	}

	require.NoError(t, NewBuilder(a, config.IndexConfig{PostsPerPage: 2}, "b").Rebuild())

	p1 := readPage(t, a, "archive/2024-03.html")
	assert.Equal(t, []string{"1", "2"}, linkedIDs(p1))
	assert.Contains(t, p1, `href="2024-03-p2.html"`)
	assert.NotContains(t, p1, "rel=prev")

	p2 := readPage(t, a, "archive/2024-03-p2.html")
	assert.Equal(t, []string{"3", "4"}, linkedIDs(p2))
	assert.Contains(t, p2, `href="2024-03.html"`)
	assert.Contains(t, p2, `href="2024-03-p3.html"`)

	p3 := readPage(t, a, "archive/2024-03-p3.html")
	assert.Equal(t, []string{"5"}, linkedIDs(p3))
	assert.NotContains(t, p3, "rel=next")
}

func TestUnlimitedPageSize(t *testing.T) {
	a := newArchive(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for id := int64(1); id <= 5; id++ {
		commit(t, a, id, base.Add(time.Duration(id)*time.Minute), models.TypeText)
	}

	require.NoError(t, NewBuilder(a, config.IndexConfig{PostsPerPage: 0}, "b").Rebuild())

	p1 := readPage(t, a, "archive/2024-03.html")
	assert.Len(t, linkedIDs(p1), 5)
	_, err := os.Stat(filepath.Join(a.Root(), "archive", "2024-03-p2.html"))
	assert.True(t, os.IsNotExist(err))
}

func TestTagIndex(t *testing.T) {
	a := newArchive(t)
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	commit(t, a, 1, base, models.TypePhoto, "Travel")
	commit(t, a, 2, base.Add(time.Hour), models.TypePhoto, "travel", "food")
	commit(t, a, 3, base.Add(2*time.Hour), models.TypeText)

	require.NoError(t, NewBuilder(a, config.IndexConfig{TagIndex: true}, "b").Rebuild())

	travel := readPage(t, a, filepath.Join("tags", TagDigest("travel"), "index.html"))
	assert.Equal(t, []string{"1", "2"}, linkedIDs(travel), "tag match is case-insensitive")

	food := readPage(t, a, filepath.Join("tags", TagDigest("food"), "index.html"))
	assert.Equal(t, []string{"2"}, linkedIDs(food))
}

func TestTagDigestStable(t *testing.T) {
	assert.Equal(t, TagDigest("Travel"), TagDigest("travel"))
	assert.Len(t, TagDigest("x"), 32)
}

func TestEmptyArchiveRebuild(t *testing.T) {
	a := newArchive(t)
	require.NoError(t, NewBuilder(a, config.IndexConfig{TagIndex: true}, "b").Rebuild())
	root := readPage(t, a, "index.html")
	assert.Contains(t, root, "<h1>b</h1>")
}
