package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/bandwidth"
	"go-civitai-manager/internal/catalog"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/organizer"
	"go-civitai-manager/internal/queue"
	"go-civitai-manager/internal/scoring"
)

const schedulerPollInterval = time.Second

// Pool runs queued downloads with bounded concurrency. An outer pool of up
// to MaxConcurrentDownloads tasks each runs one model's full pipeline; inside
// each task an inner pool of DownloadThreads workers fetches that model's
// images. A scheduler goroutine fills free slots whenever it is woken, with a
// periodic poll as fallback.
type Pool struct {
	cfg    models.Config
	queue  *queue.Manager
	client *api.Client
	dl     *downloader.Downloader
	org    *organizer.Organizer
	cat    *catalog.Catalog
	bw     *bandwidth.Monitor

	wake chan struct{}
	stop chan struct{}

	mu     sync.Mutex
	active int

	wg        sync.WaitGroup // in-flight tasks
	schedDone chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool wires the download pipeline together. cat and bw may be nil when
// catalog persistence or bandwidth sampling is not wanted.
func NewPool(cfg models.Config, q *queue.Manager, client *api.Client, dl *downloader.Downloader, org *organizer.Organizer, cat *catalog.Catalog, bw *bandwidth.Monitor) *Pool {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 3
	}
	if cfg.DownloadThreads <= 0 {
		cfg.DownloadThreads = 3
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		client:    client,
		dl:        dl,
		org:       org,
		cat:       cat,
		bw:        bw,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		schedDone: make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. Safe to call once.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		go p.schedule()
	})
}

// Wake nudges the scheduler to check the queue for free slots. Never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the scheduler down and waits for in-flight tasks to finish.
// Queued tasks that have not started stay queued.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.schedDone
	p.wg.Wait()
}

// QueueSizeChanged implements queue.Notifier so the pool reacts to enqueues
// without polling.
func (p *Pool) QueueSizeChanged(int) { p.Wake() }

// TaskChanged implements queue.Notifier. The pool has no interest in
// individual task transitions.
func (p *Pool) TaskChanged(queue.Task) {}

// ActiveCount returns the number of tasks currently downloading.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// schedule fills free pool slots from the queue until stopped. The fallback
// ticker catches any missed wakeups.
func (p *Pool) schedule() {
	defer close(p.schedDone)

	ticker := time.NewTicker(schedulerPollInterval)
	defer ticker.Stop()

	for {
		p.fillSlots()

		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// fillSlots dequeues and launches tasks while slots are free.
func (p *Pool) fillSlots() {
	for {
		p.mu.Lock()
		if p.active >= p.cfg.MaxConcurrentDownloads {
			p.mu.Unlock()
			return
		}
		task, ok := p.queue.DequeueNext()
		if !ok {
			p.mu.Unlock()
			return
		}
		p.active++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runTask(task)
	}
}

// runTask executes one model's full download pipeline. Every failure is
// converted to task state at this boundary; nothing propagates to the
// scheduler or other tasks.
func (p *Pool) runTask(task queue.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Task %s panicked: %v", task.URL, r)
			p.queue.Fail(task.URL, fmt.Sprintf("internal error: %v", r))
		}

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.wg.Done()
		p.Wake()
	}()

	modelID, versionID, ok := api.ParseModelURL(task.URL)
	if !ok {
		p.queue.Fail(task.URL, "invalid URL: no model id found")
		return
	}

	if p.queue.IsCancelled(task.URL) {
		return
	}

	result, err := p.client.FetchModel(modelID, versionID, p.cfg.TopImageCount)
	if err != nil {
		p.queue.Fail(task.URL, fmt.Sprintf("fetching model %d: %v", modelID, err))
		return
	}
	record := result.Record

	destDir, err := p.org.ResolveDestination(record.Type, record.BaseModel, record.Name)
	if err != nil {
		p.queue.Fail(task.URL, fmt.Sprintf("resolving destination: %v", err))
		return
	}
	record.LocalPath = destDir

	if p.queue.IsCancelled(task.URL) {
		return
	}

	// A model file failure does not fail the task; the images can still make
	// the download worthwhile.
	if p.cfg.DownloadModel && result.File.DownloadUrl != "" {
		p.downloadModelFile(task.URL, record, result.File, destDir)
	}

	if p.queue.IsCancelled(task.URL) {
		return
	}

	if p.cfg.DownloadImages && len(record.Images) > 0 {
		record.Images = p.filterAndRankImages(record.Images)
		p.downloadImages(task.URL, record, destDir)
		if len(record.Images) > 0 && !record.HasLocalImages() {
			log.Warnf("No preview images could be downloaded for %s", record.Name)
		}
	} else {
		record.Images = nil
	}

	if p.queue.IsCancelled(task.URL) {
		return
	}

	for i := range record.Images {
		if record.Images[i].LocalPath != "" {
			record.Thumbnail = record.Images[i].LocalPath
			break
		}
	}

	now := time.Now().Format(models.DateTimeLayout)
	record.DownloadDate = now
	record.LastUpdated = now

	if err := writeMetadata(destDir, record); err != nil {
		log.WithError(err).Warnf("Failed to write metadata for model %d", record.ID)
	}

	if p.cat != nil {
		if err := p.cat.Add(record); err != nil {
			log.WithError(err).Warnf("Failed to add model %d to catalog", record.ID)
		}
	}

	p.queue.Complete(task.URL, record)
	log.Infof("Completed download of %s (model %d)", record.Name, record.ID)
}

// downloadModelFile streams the primary model file, feeding progress into the
// task and throughput samples into the bandwidth monitor.
func (p *Pool) downloadModelFile(taskURL string, record *models.ModelRecord, file models.File, destDir string) {
	onProgress := func(percent int, chunkBytes, total int64) {
		p.queue.SetModelProgress(taskURL, percent)
		if p.bw != nil && chunkBytes > 0 {
			p.bw.AddSample(chunkBytes)
		}
	}
	cancel := func() bool { return p.queue.IsCancelled(taskURL) }

	path, err := p.dl.DownloadFile(file.DownloadUrl, destDir, file.Hashes, onProgress, cancel)
	if err != nil {
		if errors.Is(err, downloader.ErrCancelled) {
			return
		}
		log.WithError(err).Warnf("Model file download failed for %s, continuing with images", record.Name)
		return
	}

	if info, statErr := os.Stat(path); statErr == nil {
		record.SizeBytes = info.Size()
	}
}

// filterAndRankImages applies the NSFW filter, re-ranks by reaction score and
// truncates to the configured maximum.
func (p *Pool) filterAndRankImages(images []models.ImageDescriptor) []models.ImageDescriptor {
	filtered := images
	if !p.cfg.DownloadNsfw {
		filtered = filtered[:0:0]
		for _, img := range images {
			if !img.Nsfw {
				filtered = append(filtered, img)
			}
		}
	}

	return scoring.TopRatedImages(filtered, p.cfg.TopImageCount)
}

// downloadImages fetches the task's image set through an inner bounded pool,
// reporting aggregate progress as completed/total. Per-image failures are
// logged and skipped.
func (p *Pool) downloadImages(taskURL string, record *models.ModelRecord, destDir string) {
	total := len(record.Images)
	if total == 0 {
		p.queue.SetImageProgress(taskURL, 100)
		return
	}

	imageDir := filepath.Join(destDir, "images")

	var (
		progressMu sync.Mutex
		completed  int
	)
	reportDone := func() {
		progressMu.Lock()
		completed++
		percent := completed * 100 / total
		progressMu.Unlock()
		p.queue.SetImageProgress(taskURL, percent)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < p.cfg.DownloadThreads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				img := &record.Images[i]
				path, err := p.dl.DownloadImage(img.URL, imageDir)
				if err != nil {
					log.WithError(err).Warnf("Image download failed, skipping: %s", img.URL)
				} else {
					img.LocalPath = path
				}
				reportDone()
			}
		}()
	}

	for i := range record.Images {
		// Cancellation is observed between per-image downloads; whatever is
		// already in flight finishes.
		if p.queue.IsCancelled(taskURL) {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// writeMetadata snapshots the record next to the downloaded files. The file
// is the on-disk source of truth used by catalog rebuild scans, so it is
// written via temp-and-rename.
func writeMetadata(destDir string, record *models.ModelRecord) error {
	data, err := record.MarshalMetadata()
	if err != nil {
		return err
	}

	finalPath := filepath.Join(destDir, models.MetadataFilename)
	tempFile, err := os.CreateTemp(destDir, models.MetadataFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary metadata file: %w", err)
	}

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFile.Name())
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempFile.Name())
		return fmt.Errorf("closing metadata file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		_ = os.Remove(tempFile.Name())
		return fmt.Errorf("replacing metadata file: %w", err)
	}
	return nil
}
