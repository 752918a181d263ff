package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-civitai-manager/index"
	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/bandwidth"
	"go-civitai-manager/internal/catalog"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/manager"
	"go-civitai-manager/internal/organizer"
	"go-civitai-manager/internal/queue"
)

var downloadCmd = &cobra.Command{
	Use:   "download [urls or files...]",
	Short: "Download models by Civitai URL",
	Long: `Download one or more models given their Civitai URLs. Arguments that
name existing files are read and scanned for model URLs, so a saved wishlist
can be passed directly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().Int("concurrency", 0, "Maximum concurrent model downloads (overrides config)")
	downloadCmd.Flags().Int("max-images", 0, "Maximum preview images per model (overrides config)")
	downloadCmd.Flags().Bool("nsfw", false, "Allow NSFW preview images")
	downloadCmd.Flags().Bool("no-model", false, "Skip the model file, download images and metadata only")
	downloadCmd.Flags().Bool("no-images", false, "Skip preview images")

	viper.BindPFlag("download.concurrency", downloadCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("download.max_images", downloadCmd.Flags().Lookup("max-images"))
	viper.BindPFlag("download.nsfw", downloadCmd.Flags().Lookup("nsfw"))
	viper.BindPFlag("download.no_model", downloadCmd.Flags().Lookup("no-model"))
	viper.BindPFlag("download.no_images", downloadCmd.Flags().Lookup("no-images"))

	rootCmd.AddCommand(downloadCmd)
}

// collectURLs expands the command arguments into model URLs. Arguments that
// name readable files are scanned for URLs; everything else must itself be a
// model URL.
func collectURLs(args []string) []string {
	var urls []string
	seen := make(map[string]bool)

	add := func(url string) {
		if !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}

	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil && !info.IsDir() {
			data, readErr := os.ReadFile(arg)
			if readErr != nil {
				log.WithError(readErr).Warnf("Cannot read URL file %s, skipping", arg)
				continue
			}
			found := helpers.ExtractModelURLs(string(data))
			log.Infof("Found %d model URLs in %s", len(found), arg)
			for _, url := range found {
				add(url)
			}
			continue
		}

		if strings.Contains(arg, "civitai.com/models/") {
			add(arg)
		} else {
			log.Warnf("Argument %q is neither a model URL nor a readable file, skipping", arg)
		}
	}
	return urls
}

// fanoutNotifier forwards queue events to multiple targets.
type fanoutNotifier struct {
	mu      sync.Mutex
	targets []queue.Notifier
}

func (f *fanoutNotifier) add(n queue.Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, n)
}

func (f *fanoutNotifier) QueueSizeChanged(n int) {
	f.mu.Lock()
	targets := f.targets
	f.mu.Unlock()
	for _, t := range targets {
		t.QueueSizeChanged(n)
	}
}

func (f *fanoutNotifier) TaskChanged(task queue.Task) {
	f.mu.Lock()
	targets := f.targets
	f.mu.Unlock()
	for _, t := range targets {
		t.TaskChanged(task)
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if cfg.SavePath == "" {
		return fmt.Errorf("SavePath must be set in the config file or via --save-path")
	}
	if _, err := os.Stat(cfg.SavePath); err != nil {
		return fmt.Errorf("save path %s does not exist: %w", cfg.SavePath, err)
	}

	if v := viper.GetInt("download.concurrency"); v > 0 {
		cfg.MaxConcurrentDownloads = v
	}
	if v := viper.GetInt("download.max_images"); v > 0 {
		cfg.TopImageCount = v
	}
	if cmd.Flags().Changed("nsfw") {
		cfg.DownloadNsfw = viper.GetBool("download.nsfw")
	}
	if viper.GetBool("download.no_model") {
		cfg.DownloadModel = false
	}
	if viper.GetBool("download.no_images") {
		cfg.DownloadImages = false
	}

	urls := collectURLs(args)
	if len(urls) == 0 {
		return fmt.Errorf("no valid model URLs found in arguments")
	}

	// Metadata fetches get the configured short timeout; file transfers run
	// on a separate client with a long one.
	apiHttpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(cfg.APIClientTimeoutSec) * time.Second,
	}
	fileHttpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   30 * time.Minute,
	}

	client := api.NewClient(apiHttpClient, cfg)
	org := organizer.New(cfg.SavePath)
	dl := downloader.NewDownloader(fileHttpClient, cfg.APIKey, org)
	bw := bandwidth.NewMonitor(time.Duration(cfg.BandwidthWindowSec)*time.Second, time.Second)

	var cat *catalog.Catalog
	if cfg.DatabasePath != "" {
		idx, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
		if err != nil {
			log.WithError(err).Warn("Could not open search index, continuing without full-text search")
			idx = nil
		}
		cat, err = catalog.Open(cfg.DatabasePath, cfg.LegacyCatalogPath, idx)
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer func() {
			if err := cat.Close(); err != nil {
				log.WithError(err).Warn("Error closing catalog")
			}
		}()
	} else {
		log.Warn("DatabasePath not set, downloads will not be recorded in the catalog")
	}

	notifier := &fanoutNotifier{}
	q := queue.NewManager(notifier)
	pool := manager.NewPool(cfg, q, client, dl, org, cat, bw)
	notifier.add(pool)

	accepted := q.EnqueueAll(urls)
	log.Infof("Enqueued %d of %d URLs", accepted, len(urls))
	if accepted == 0 {
		return fmt.Errorf("no URLs were accepted into the queue")
	}

	pool.Start()
	waitForCompletion(q, bw, urls)
	pool.Stop()

	printSummary(q, urls)
	return nil
}

// waitForCompletion renders live task progress until every enqueued task
// reaches a terminal state.
func waitForCompletion(q *queue.Manager, bw *bandwidth.Monitor, urls []string) {
	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	for {
		allDone := true
		var b strings.Builder

		for _, url := range urls {
			task, ok := q.Get(url)
			if !ok {
				continue
			}
			if !task.State.Terminal() {
				allDone = false
			}
			fmt.Fprintf(&b, "[%-11s] model %3d%% images %3d%%  %s\n", task.State, task.ModelProgress, task.ImageProgress, url)
		}

		if _, rates := bw.History(); len(rates) > 0 {
			fmt.Fprintf(&b, "Throughput: %s/s\n", helpers.BytesToSize(uint64(rates[len(rates)-1])))
		}

		fmt.Fprint(writer, b.String())

		if allDone {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// printSummary reports final task outcomes after the pool stops.
func printSummary(q *queue.Manager, urls []string) {
	completed, failed, canceled := 0, 0, 0
	for _, url := range urls {
		task, ok := q.Get(url)
		if !ok {
			continue
		}
		switch task.State {
		case queue.StateCompleted:
			completed++
			if task.Result != nil {
				log.Infof("Downloaded %s (%s) in %v", task.Result.Name, helpers.BytesToSize(uint64(task.Result.SizeBytes)), task.Duration().Round(time.Second))
			}
		case queue.StateFailed:
			failed++
			log.Errorf("Failed %s: %s", url, task.ErrorMessage)
		case queue.StateCanceled:
			canceled++
		}
	}
	log.Infof("Done: %d completed, %d failed, %d canceled", completed, failed, canceled)
}
