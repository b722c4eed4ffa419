// Package tumblr implements the remote content source: a typed client
// for the v2 blog API and ranged media retrieval.
package tumblr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errs "tumblrbackup/pkg/errors"
	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/models"
)

// PageSize is the largest page the posts endpoint will return.
const PageSize = 50

// Client is an API client for one blog host.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	headers    map[string]string
	logger     logger.Logger
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey, userAgent string, timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	headers := map[string]string{
		"Accept": "application/json",
	}
	if userAgent != "" {
		headers["User-Agent"] = userAgent
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		headers:    headers,
		logger:     log,
	}
}

// SetHeader sets a custom header for the client
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// CanonicalBlogName expands a bare name to its tumblr.com host and
// rejects names that could escape into the filesystem.
func CanonicalBlogName(account string) (string, error) {
	if account == "" || account == "." || account == ".." || strings.ContainsAny(account, "/\\") {
		return "", errs.New(errs.ErrorTypeConfig, fmt.Sprintf("invalid blog name %q", account))
	}
	if !strings.Contains(account, ".") {
		return account + ".tumblr.com", nil
	}
	return account, nil
}

// PageQuery addresses one page of the posts endpoint.
type PageQuery struct {
	Offset int
	// Before selects posts strictly older than this timestamp when
	// non-zero; it takes precedence over Offset.
	Before int64
	// Ident selects a single post by id when non-zero.
	Ident int64
	Limit int
}

// Page is one fetched batch of posts.
type Page struct {
	Blog       models.Blog
	Posts      []*models.Post
	TotalPosts int
}

// FetchBlogInfo retrieves blog metadata using a single-post request.
func (c *Client) FetchBlogInfo(ctx context.Context, blog string) (*models.Blog, error) {
	page, err := c.FetchPosts(ctx, blog, PageQuery{Limit: 1})
	if err != nil {
		return nil, err
	}
	info := page.Blog
	if info.Name == "" {
		info.Name = blog
	}
	return &info, nil
}

// FetchPosts retrieves one page of posts.
func (c *Client) FetchPosts(ctx context.Context, blog string, q PageQuery) (*Page, error) {
	host, err := CanonicalBlogName(blog)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > PageSize {
		q.Limit = PageSize
	}

	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("reblog_info", "true")
	switch {
	case q.Ident != 0:
		params.Set("id", strconv.FormatInt(q.Ident, 10))
	case q.Before != 0:
		params.Set("before", strconv.FormatInt(q.Before, 10))
	case q.Offset > 0:
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	endpoint := fmt.Sprintf("%s/v2/blog/%s/posts?%s", c.baseURL, host, params.Encode())

	var resp models.PostsResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	page := &Page{
		Blog:       resp.Response.Blog,
		TotalPosts: resp.Response.TotalPosts,
	}
	for _, raw := range resp.Response.Posts {
		post, err := models.DecodePost(raw)
		if err != nil {
			return nil, &errs.Error{
				Type:    errs.ErrorTypeParsing,
				Message: fmt.Sprintf("failed to decode post: %v", err),
			}
		}
		page.Posts = append(page.Posts, post)
	}
	return page, nil
}

// getJSON performs a GET request and decodes the JSON response
func (c *Client) getJSON(ctx context.Context, endpoint string, target interface{}) error {
	resp, err := c.get(ctx, endpoint, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkResponseStatus(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("failed to read response body: %v", err),
			Code:    resp.StatusCode,
		}
	}
	if err := json.Unmarshal(body, target); err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          endpoint,
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return &errs.Error{
			Type:    errs.ErrorTypeParsing,
			Message: fmt.Sprintf("failed to parse JSON: %v", err),
			Code:    resp.StatusCode,
		}
	}
	return nil
}

// Download retrieves a media URL in full.
func (c *Client) Download(ctx context.Context, mediaURL string) ([]byte, error) {
	resp, err := c.get(ctx, mediaURL, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkResponseStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("failed to read media body: %v", err),
		}
	}
	return data, nil
}

// DownloadPrefix retrieves at most n leading bytes of a media URL for
// content sniffing. Servers that ignore the Range header return the
// whole body; callers must tolerate extra bytes.
func (c *Client) DownloadPrefix(ctx context.Context, mediaURL string, n int) ([]byte, error) {
	resp, err := c.get(ctx, mediaURL, fmt.Sprintf("bytes=0-%d", n-1))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if err := c.checkResponseStatus(resp); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(n)))
	if err != nil {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("failed to read media prefix: %v", err),
		}
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, rawURL, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeUnknown,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.DebugWithFields("HTTP request failed", map[string]interface{}{
			"url":      rawURL,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Message: fmt.Sprintf("network error: %v", err),
		}
	}
	c.logger.DebugWithFields("HTTP request completed", map[string]interface{}{
		"url":      rawURL,
		"status":   resp.StatusCode,
		"duration": duration,
	})
	return resp, nil
}

// checkResponseStatus maps HTTP statuses onto the error taxonomy.
func (c *Client) checkResponseStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &errs.Error{
			Type:    errs.ErrorTypeAuth,
			Message: "authentication required",
			Code:    resp.StatusCode,
		}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &errs.Error{
			Type:    errs.ErrorTypeNotFound,
			Message: "resource not found",
			Code:    resp.StatusCode,
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		return &errs.Error{
			Type:    errs.ErrorTypeRateLimit,
			Message: fmt.Sprintf("rate limit exceeded (retry after %q)", retryAfter),
			Code:    resp.StatusCode,
		}
	case resp.StatusCode >= 500:
		return &errs.Error{
			Type:    errs.ErrorTypeServerError,
			Message: "server error",
			Code:    resp.StatusCode,
		}
	default:
		return &errs.Error{
			Type:    errs.ErrorTypeUnknown,
			Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}
}
