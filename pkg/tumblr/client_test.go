package tumblr

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "tumblrbackup/pkg/errors"
	"tumblrbackup/pkg/logger"
)

func newTestClient(baseURL string) *Client {
	return NewClient(baseURL, "test_key", "tumblrbackup-test/1.0", 5*time.Second, logger.Nop())
}

func TestCanonicalBlogName(t *testing.T) {
	tests := []struct {
		account string
		want    string
		wantErr bool
	}{
		{account: "staff", want: "staff.tumblr.com"},
		{account: "staff.tumblr.com", want: "staff.tumblr.com"},
		{account: "example.com", want: "example.com"},
		{account: "", wantErr: true},
		{account: ".", wantErr: true},
		{account: "..", wantErr: true},
		{account: "a/b", wantErr: true},
		{account: `a\b`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := CanonicalBlogName(tt.account)
		if tt.wantErr {
			require.Error(t, err, "account %q", tt.account)
			var e *errs.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, errs.ErrorTypeConfig, e.Type)
			continue
		}
		require.NoError(t, err, "account %q", tt.account)
		assert.Equal(t, tt.want, got)
	}
}

const emptyEnvelope = `{"meta":{"status":200,"msg":"OK"},"response":{"blog":{},"posts":[],"total_posts":0}}`

func TestFetchPostsBuildsQuery(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		fmt.Fprint(w, emptyEnvelope)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.FetchPosts(context.Background(), "staff", PageQuery{Offset: 100, Limit: 500})
	require.NoError(t, err)

	assert.Equal(t, "/v2/blog/staff.tumblr.com/posts", gotPath)
	assert.Equal(t, []string{"test_key"}, gotQuery["api_key"])
	assert.Equal(t, []string{"50"}, gotQuery["limit"], "limit is clamped to the page size")
	assert.Equal(t, []string{"true"}, gotQuery["reblog_info"])
	assert.Equal(t, []string{"100"}, gotQuery["offset"])

	// An ident query addresses a single post and ignores pagination.
	_, err = client.FetchPosts(context.Background(), "staff", PageQuery{Ident: 42, Before: 99, Offset: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, gotQuery["id"])
	assert.NotContains(t, gotQuery, "before")
	assert.NotContains(t, gotQuery, "offset")
}

func TestFetchPostsDecodesEnvelope(t *testing.T) {
	body := `{"meta":{"status":200,"msg":"OK"},"response":{
		"blog":{"name":"staff","title":"Staff","posts":2},
		"posts":[
			{"id":2,"type":"text","timestamp":2000,"title":"second"},
			{"id":1,"type":"photo","timestamp":1000}
		],
		"total_posts":2}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	page, err := newTestClient(server.URL).FetchPosts(context.Background(), "staff", PageQuery{})
	require.NoError(t, err)

	assert.Equal(t, "staff", page.Blog.Name)
	assert.Equal(t, 2, page.TotalPosts)
	require.Len(t, page.Posts, 2)
	assert.Equal(t, int64(2), page.Posts[0].ID)
	assert.Equal(t, int64(1), page.Posts[1].ID)
	assert.NotEmpty(t, page.Posts[0].Raw, "the raw payload stays attached")
}

func TestFetchPostsMapsStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   errs.ErrorType
	}{
		{http.StatusUnauthorized, errs.ErrorTypeAuth},
		{http.StatusForbidden, errs.ErrorTypeAuth},
		{http.StatusNotFound, errs.ErrorTypeNotFound},
		{http.StatusGone, errs.ErrorTypeNotFound},
		{http.StatusTooManyRequests, errs.ErrorTypeRateLimit},
		{http.StatusInternalServerError, errs.ErrorTypeServerError},
		{http.StatusBadGateway, errs.ErrorTypeServerError},
		{http.StatusTeapot, errs.ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).FetchPosts(context.Background(), "staff", PageQuery{})
			require.Error(t, err)
			var e *errs.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.want, e.Type)
			assert.Equal(t, tt.status, e.Code)
		})
	}
}

func TestFetchPostsGarbledBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).FetchPosts(context.Background(), "staff", PageQuery{})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.ErrorTypeParsing, e.Type)
}

func TestDownload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 2048)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	data, err := newTestClient(server.URL).Download(context.Background(), server.URL+"/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadPrefixSendsRange(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, 512)
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer server.Close()

	data, err := newTestClient(server.URL).DownloadPrefix(context.Background(), server.URL+"/photo.jpg", 512)
	require.NoError(t, err)
	assert.Equal(t, "bytes=0-511", gotRange)
	assert.Equal(t, payload, data)
}

func TestDownloadPrefixTruncatesFullResponse(t *testing.T) {
	// Some hosts ignore the Range header and answer 200 with the whole
	// body; the prefix read must still stop at n bytes.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0xEF}, 4096))
	}))
	defer server.Close()

	data, err := newTestClient(server.URL).DownloadPrefix(context.Background(), server.URL+"/photo.jpg", 512)
	require.NoError(t, err)
	assert.Len(t, data, 512)
}

func TestFetchBlogInfo(t *testing.T) {
	body := `{"meta":{"status":200,"msg":"OK"},"response":{
		"blog":{"name":"staff","title":"Staff","posts":120},
		"posts":[{"id":1,"type":"text","timestamp":1000}],
		"total_posts":120}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	info, err := newTestClient(server.URL).FetchBlogInfo(context.Background(), "staff")
	require.NoError(t, err)
	assert.Equal(t, "staff", info.Name)
	assert.Equal(t, 120, info.Posts)
}
