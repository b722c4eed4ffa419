package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the backup engine
type Config struct {
	// API credentials and client settings
	API APIConfig `yaml:"api" json:"api"`

	// Post selection
	Selection SelectionConfig `yaml:"selection" json:"selection"`

	// Media download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Archive layout
	Output OutputConfig `yaml:"output" json:"output"`

	// Listing page generation
	Index IndexConfig `yaml:"index" json:"index"`

	// API rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// APIConfig holds API-specific configuration
type APIConfig struct {
	Key       string        `yaml:"key" json:"key"`
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// ReblogPolicy controls whether reblogged posts are kept.
type ReblogPolicy string

const (
	ReblogInclude ReblogPolicy = "include"
	ReblogExclude ReblogPolicy = "exclude"
	ReblogOnly    ReblogPolicy = "only"
)

// SelectionConfig decides which remote posts are in scope for a run.
type SelectionConfig struct {
	// Request is the compound grammar TYPE:TAG:TAG,TYPE:TAG,... The
	// wildcard type is "any"; a clause without tags matches every tag.
	Request string `yaml:"request" json:"request"`

	// Period limits posts to a date window: YYYY, YYYYMM, YYYYMMDD, any
	// of those with a Z suffix for UTC, or "START,END" with the same
	// forms.
	Period string `yaml:"period" json:"period"`

	// Skip and Count form the position window over the filtered stream.
	// Count 0 means unlimited.
	Skip  int `yaml:"skip" json:"skip"`
	Count int `yaml:"count" json:"count"`

	Reblogs ReblogPolicy `yaml:"reblogs" json:"reblogs"`

	// Idents restricts the run to an explicit list of post ids.
	Idents []int64 `yaml:"idents" json:"idents"`

	// FilterExpr names the external predicate for fingerprinting. The
	// predicate itself is attached programmatically by the caller.
	FilterExpr string `yaml:"filter" json:"filter"`
}

// MediaNamePolicy selects how canonical media names are derived.
type MediaNamePolicy string

const (
	// NameOriginal keeps the remote basename.
	NameOriginal MediaNamePolicy = "o"
	// NameIdent derives the name from the owning post id.
	NameIdent MediaNamePolicy = "i"
	// NameBlogIdent prefixes the blog name to the post id.
	NameBlogIdent MediaNamePolicy = "bi"
)

// DownloadConfig holds media download settings
type DownloadConfig struct {
	Concurrency     int           `yaml:"concurrency" json:"concurrency"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
	SaveImages      bool          `yaml:"save_images" json:"save_images"`
	SaveVideo       bool          `yaml:"save_video" json:"save_video"`
	SaveAudio       bool          `yaml:"save_audio" json:"save_audio"`
	InternetArchive bool          `yaml:"internet_archive" json:"internet_archive"`

	// CommitFailedMedia keeps a post whose attachments all failed,
	// leaving the remote URLs in place; off withholds it for a later
	// run.
	CommitFailedMedia bool `yaml:"commit_failed_media" json:"commit_failed_media"`
}

// OutputConfig holds archive layout settings
type OutputConfig struct {
	Directory   string          `yaml:"directory" json:"directory"`
	MediaNames  MediaNamePolicy `yaml:"media_names" json:"media_names"`
	SaveRawJSON bool            `yaml:"save_raw_json" json:"save_raw_json"`
	ReuseJSON   bool            `yaml:"reuse_json" json:"reuse_json"`
}

// IndexConfig holds listing page settings
type IndexConfig struct {
	PostsPerPage int  `yaml:"posts_per_page" json:"posts_per_page"`
	ReverseIndex bool `yaml:"reverse_index" json:"reverse_index"`
	ReverseMonth bool `yaml:"reverse_month" json:"reverse_month"`
	TagIndex     bool `yaml:"tag_index" json:"tag_index"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "https://api.tumblr.com",
			UserAgent: "tumblrbackup/1.0",
			Timeout:   30 * time.Second,
		},
		Selection: SelectionConfig{
			Reblogs: ReblogInclude,
		},
		Download: DownloadConfig{
			Concurrency:       5,
			Timeout:           60 * time.Second,
			RetryAttempts:     3,
			SaveImages:        true,
			CommitFailedMedia: true,
		},
		Output: OutputConfig{
			MediaNames: NameOriginal,
		},
		Index: IndexConfig{
			PostsPerPage: 50,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) findConfigFile() string {
	locations := []string{
		".tumblrbackup.yaml",
		".tumblrbackup.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "tumblrbackup", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "tumblrbackup", "config.yml"),
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if key := os.Getenv("TUMBLRBACKUP_API_KEY"); key != "" {
		c.API.Key = key
	}
	if ua := os.Getenv("TUMBLRBACKUP_USER_AGENT"); ua != "" {
		c.API.UserAgent = ua
	}
	if dir := os.Getenv("TUMBLRBACKUP_OUTPUT_DIR"); dir != "" {
		c.Output.Directory = dir
	}
	if conc := os.Getenv("TUMBLRBACKUP_CONCURRENCY"); conc != "" {
		var val int
		fmt.Sscanf(conc, "%d", &val)
		if val > 0 {
			c.Download.Concurrency = val
		}
	}
	if level := os.Getenv("TUMBLRBACKUP_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks if the configuration is valid. Contradictory
// selections are rejected here, before any network access.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("API base URL is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("API timeout must be positive"))
	}
	if c.Selection.Skip < 0 {
		errs = append(errs, errors.New("skip must not be negative"))
	}
	if c.Selection.Count < 0 {
		errs = append(errs, errors.New("count must not be negative"))
	}
	switch c.Selection.Reblogs {
	case ReblogInclude, ReblogExclude, ReblogOnly:
	default:
		errs = append(errs, fmt.Errorf("invalid reblog policy %q", c.Selection.Reblogs))
	}
	if c.Download.Concurrency <= 0 {
		errs = append(errs, errors.New("download concurrency must be positive"))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts must not be negative"))
	}
	switch c.Output.MediaNames {
	case NameOriginal, NameIdent, NameBlogIdent:
	default:
		errs = append(errs, fmt.Errorf("invalid media name policy %q", c.Output.MediaNames))
	}
	if c.Index.PostsPerPage < 0 {
		errs = append(errs, errors.New("posts per page must not be negative"))
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// fingerprintOptions is the canonical subset of options that change
// which posts a run selects or how it lays them out on disk. Two runs
// may share incremental state only if these serialize identically.
type fingerprintOptions struct {
	Request     string          `json:"request"`
	Period      string          `json:"period"`
	Skip        int             `json:"skip"`
	Count       int             `json:"count"`
	Reblogs     ReblogPolicy    `json:"reblogs"`
	Idents      []int64         `json:"idents"`
	FilterExpr  string          `json:"filter"`
	SaveImages  bool            `json:"save_images"`
	SaveVideo   bool            `json:"save_video"`
	SaveAudio   bool            `json:"save_audio"`
	MediaNames  MediaNamePolicy `json:"media_names"`
	SaveRawJSON bool            `json:"save_raw_json"`
}

// Fingerprint returns the canonical serialization of all run-affecting
// options. The string itself is persisted so mismatches stay
// inspectable.
func (c *Config) Fingerprint() string {
	idents := append([]int64(nil), c.Selection.Idents...)
	sort.Slice(idents, func(i, j int) bool { return idents[i] < idents[j] })

	fp := fingerprintOptions{
		Request:     canonicalRequest(c.Selection.Request),
		Period:      c.Selection.Period,
		Skip:        c.Selection.Skip,
		Count:       c.Selection.Count,
		Reblogs:     c.Selection.Reblogs,
		Idents:      idents,
		FilterExpr:  c.Selection.FilterExpr,
		SaveImages:  c.Download.SaveImages,
		SaveVideo:   c.Download.SaveVideo,
		SaveAudio:   c.Download.SaveAudio,
		MediaNames:  c.Output.MediaNames,
		SaveRawJSON: c.Output.SaveRawJSON,
	}
	data, _ := json.Marshal(fp)
	return string(data)
}

// canonicalRequest normalizes clause and tag order so logically equal
// requests fingerprint equally.
func canonicalRequest(request string) string {
	if request == "" {
		return ""
	}
	clauses := strings.Split(strings.ToLower(request), ",")
	for i, clause := range clauses {
		parts := strings.Split(strings.TrimSpace(clause), ":")
		if len(parts) > 1 {
			tags := parts[1:]
			sort.Strings(tags)
			parts = append(parts[:1], tags...)
		}
		clauses[i] = strings.Join(parts, ":")
	}
	sort.Strings(clauses)
	return strings.Join(clauses, ",")
}

// Load loads configuration from all sources with proper precedence:
// environment variables > .env file > config file > defaults.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
