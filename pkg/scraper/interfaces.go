package scraper

import (
	"context"

	"tumblrbackup/pkg/models"
	"tumblrbackup/pkg/tumblr"
)

// Client defines the remote service operations the engine consumes.
type Client interface {
	FetchBlogInfo(ctx context.Context, blog string) (*models.Blog, error)
	FetchPosts(ctx context.Context, blog string, q tumblr.PageQuery) (*tumblr.Page, error)
	Download(ctx context.Context, mediaURL string) ([]byte, error)
	DownloadPrefix(ctx context.Context, mediaURL string, n int) ([]byte, error)
}
