package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tumblrbackup/pkg/auth"
	"tumblrbackup/pkg/config"
	"tumblrbackup/pkg/logger"
	"tumblrbackup/pkg/scraper"
)

var (
	// Backup command flags
	outputDir       string
	apiKey          string
	request         string
	period          string
	skip            int
	count           int
	reblogs         string
	idents          []int64
	mediaNames      string
	noImages        bool
	saveVideo       bool
	saveAudio       bool
	internetArchive bool
	saveJSON        bool
	reuseJSON       bool
	concurrency     int
	rateLimit       int
	maxRetries      int
	timeoutSecs     int
	postsPerPage    int
	reverseIndex    bool
	reverseMonth    bool
	tagIndex        bool
	skipFailedPosts bool
	force           bool
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup <blog>",
	Short: "Mirror a blog into a local archive directory",
	Long: `Download a blog's posts and media into a local archive.

The blog may be a bare name or a full domain. The first run fetches
everything in scope; later runs with the same options fetch only posts
newer than the archive. Changing selection options between runs is
refused unless --force is given.

An API key is required. It is resolved in this order:
  - the --api-key flag
  - the TUMBLRBACKUP_API_KEY environment variable
  - the system keychain (use 'tumblrbackup auth set' to store)`,
	Example: `  # Mirror a whole blog
  tumblrbackup backup staff

  # Only photo posts tagged "art" from 2023
  tumblrbackup backup staff --request photo:art --period 2023

  # Re-fetch two specific posts, media included
  tumblrbackup backup staff --idents 123,456

  # Rebuild post pages from retained JSON without network fetches
  tumblrbackup backup staff --reuse-json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runBackup(cmd, args)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringVarP(&outputDir, "output", "o", "", "archive directory (default: the blog name)")
	backupCmd.Flags().StringVar(&apiKey, "api-key", "", "API key (overrides environment and keychain)")
	backupCmd.Flags().StringVar(&request, "request", "", "post selection as TYPE:TAG:TAG,... (\"any\" matches every type)")
	backupCmd.Flags().StringVar(&period, "period", "", "date window: YYYY, YYYYMM, YYYYMMDD or START,END")
	backupCmd.Flags().IntVar(&skip, "skip", 0, "skip the first N selected posts")
	backupCmd.Flags().IntVarP(&count, "count", "n", 0, "back up at most N posts (0 for unlimited)")
	backupCmd.Flags().StringVar(&reblogs, "reblogs", "", "reblog policy: include, exclude or only")
	backupCmd.Flags().Int64SliceVar(&idents, "idents", nil, "back up exactly these post ids")
	backupCmd.Flags().StringVar(&mediaNames, "media-names", "", "media naming policy: o (original), i (post id), bi (blog + post id)")
	backupCmd.Flags().BoolVar(&noImages, "no-images", false, "skip image downloads")
	backupCmd.Flags().BoolVar(&saveVideo, "save-video", false, "download hosted video")
	backupCmd.Flags().BoolVar(&saveAudio, "save-audio", false, "download hosted audio")
	backupCmd.Flags().BoolVar(&internetArchive, "internet-archive", false, "retry dead media links through the Internet Archive")
	backupCmd.Flags().BoolVarP(&saveJSON, "save-json", "j", false, "retain each post's raw JSON payload")
	backupCmd.Flags().BoolVar(&reuseJSON, "reuse-json", false, "rebuild from retained JSON instead of the network")
	backupCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent post workers")
	backupCmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "API requests per minute")
	backupCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry attempts per network request")
	backupCmd.Flags().IntVar(&timeoutSecs, "download-timeout", 0, "media download timeout in seconds")
	backupCmd.Flags().IntVar(&postsPerPage, "posts-per-page", 0, "posts per listing page (0 for a single page)")
	backupCmd.Flags().BoolVar(&reverseIndex, "reverse-index", false, "list months newest first")
	backupCmd.Flags().BoolVar(&reverseMonth, "reverse-month", false, "list posts within a month newest first")
	backupCmd.Flags().BoolVar(&tagIndex, "tag-index", false, "build per-tag listing pages")
	backupCmd.Flags().BoolVar(&skipFailedPosts, "skip-failed-posts", false, "withhold posts whose media failed instead of keeping remote links")
	backupCmd.Flags().BoolVar(&force, "force", false, "override the incremental state of a run with different options")
}

func runBackup(cmd *cobra.Command, args []string) {
	blog := strings.TrimSpace(args[0])

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	applyBackupFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid options:", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Options{Level: cfg.Logging.Level, File: cfg.Logging.File}); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(1)
	}
	log := logger.GetLogger()
	log.WithField("version", version).Info("tumblrbackup starting")

	key, err := auth.ResolveAPIKey(cfg.API.Key)
	if err != nil {
		if errors.Is(err, auth.ErrNoAPIKey) {
			fmt.Fprintln(os.Stderr, "No API key found.")
			fmt.Fprintln(os.Stderr, "\nStore one securely with:")
			fmt.Fprintln(os.Stderr, "  tumblrbackup auth set")
			fmt.Fprintln(os.Stderr, "\nOr set the environment variable:")
			fmt.Fprintln(os.Stderr, "  export TUMBLRBACKUP_API_KEY=your_key")
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "Failed to resolve API key:", err)
		os.Exit(1)
	}
	cfg.API.Key = key

	engine, err := scraper.New(cfg, blog)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize:", err)
		os.Exit(1)
	}
	engine.SetForce(force)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := engine.Run(ctx)
	if err != nil && !result.Interrupted {
		log.WithError(err).WithField("blog", blog).Error("backup failed")
		fmt.Fprintln(os.Stderr, "Backup failed:", err)
		os.Exit(1)
	}

	printSummary(blog, result)
	if result.Interrupted {
		os.Exit(3)
	}
	if result.MediaFailed > 0 {
		os.Exit(2)
	}
}

// applyBackupFlags folds explicitly set command line flags over the
// loaded configuration. Flags left at their defaults do not override
// the config file.
func applyBackupFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("output") {
		cfg.Output.Directory = outputDir
	}
	if flags.Changed("api-key") {
		cfg.API.Key = apiKey
	}
	if flags.Changed("request") {
		cfg.Selection.Request = request
	}
	if flags.Changed("period") {
		cfg.Selection.Period = period
	}
	if flags.Changed("skip") {
		cfg.Selection.Skip = skip
	}
	if flags.Changed("count") {
		cfg.Selection.Count = count
	}
	if flags.Changed("reblogs") {
		cfg.Selection.Reblogs = config.ReblogPolicy(reblogs)
	}
	if flags.Changed("idents") {
		cfg.Selection.Idents = idents
	}
	if flags.Changed("media-names") {
		cfg.Output.MediaNames = config.MediaNamePolicy(mediaNames)
	}
	if flags.Changed("no-images") {
		cfg.Download.SaveImages = !noImages
	}
	if flags.Changed("save-video") {
		cfg.Download.SaveVideo = saveVideo
	}
	if flags.Changed("save-audio") {
		cfg.Download.SaveAudio = saveAudio
	}
	if flags.Changed("internet-archive") {
		cfg.Download.InternetArchive = internetArchive
	}
	if flags.Changed("save-json") {
		cfg.Output.SaveRawJSON = saveJSON
	}
	if flags.Changed("reuse-json") {
		cfg.Output.ReuseJSON = reuseJSON
	}
	if flags.Changed("concurrency") {
		cfg.Download.Concurrency = concurrency
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit.RequestsPerMinute = rateLimit
	}
	if flags.Changed("max-retries") {
		cfg.Download.RetryAttempts = maxRetries
	}
	if flags.Changed("download-timeout") {
		cfg.Download.Timeout = time.Duration(timeoutSecs) * time.Second
	}
	if flags.Changed("posts-per-page") {
		cfg.Index.PostsPerPage = postsPerPage
	}
	if flags.Changed("reverse-index") {
		cfg.Index.ReverseIndex = reverseIndex
	}
	if flags.Changed("reverse-month") {
		cfg.Index.ReverseMonth = reverseMonth
	}
	if flags.Changed("tag-index") {
		cfg.Index.TagIndex = tagIndex
	}
	if flags.Changed("skip-failed-posts") {
		cfg.Download.CommitFailedMedia = !skipFailedPosts
	}
	if flags.Changed("log-level") || quiet {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = logFile
	}
}

func printSummary(blog string, result scraper.RunResult) {
	status := "complete"
	if result.Interrupted {
		status = "interrupted"
	}
	fmt.Printf("\nBackup of %s %s:\n", blog, status)
	fmt.Printf("  posts committed: %d\n", result.PostsCommitted)
	fmt.Printf("  posts already archived: %d\n", result.PostsSkipped)
	fmt.Printf("  media files fetched: %d\n", result.MediaFetched)
	if result.MediaFailed > 0 {
		fmt.Printf("  media files failed: %d\n", result.MediaFailed)
	}
}
