package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/scoring"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
	ErrNoVersions   = errors.New("model has no versions")
	ErrNoFiles      = errors.New("model version has no files")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

const userAgent = "go-civitai-manager/1.0"

// Client talks to the Civitai API. Every JSON fetch goes through a shared
// client-side throttle: calls block until at least rateDelay has elapsed
// since the previous request, then update the shared timestamp. Bursts are
// never permitted, even after idle periods.
type Client struct {
	ApiKey     string
	BaseUrl    string
	HttpClient *http.Client

	fetchBatchSize int
	maxRetries     int
	retryDelay     time.Duration

	rateDelay   time.Duration
	rateMu      sync.Mutex
	lastRequest time.Time
}

// NewClient creates a new API client configured from cfg. A nil httpClient
// gets a default with the configured timeout.
func NewClient(httpClient *http.Client, cfg models.Config) *Client {
	timeout := time.Duration(cfg.APIClientTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	batchSize := cfg.FetchBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	rateDelay := time.Duration(cfg.APIDelayMs) * time.Millisecond
	if rateDelay < 0 {
		rateDelay = 0
	}

	return &Client{
		ApiKey:         cfg.APIKey,
		BaseUrl:        CivitaiApiBaseUrl,
		HttpClient:     httpClient,
		fetchBatchSize: batchSize,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
		rateDelay:      rateDelay,
	}
}

// waitForRateLimit blocks the caller until the minimum delay since the last
// request has elapsed, then claims the slot. Holding the mutex while sleeping
// serializes concurrent callers so consecutive request starts stay at least
// rateDelay apart.
func (c *Client) waitForRateLimit() {
	if c.rateDelay <= 0 {
		return
	}
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	if elapsed := time.Since(c.lastRequest); elapsed < c.rateDelay {
		time.Sleep(c.rateDelay - elapsed)
	}
	c.lastRequest = time.Now()
}

// URL parsing patterns, checked in order. The query-parameter form must come
// before the bare /models/{id} form.
var (
	queryVersionPattern = regexp.MustCompile(`/models/(\d+).*?[?&]modelVersionId=(\d+)`)
	pathVersionPattern  = regexp.MustCompile(`/models/(\d+)/versions/(\d+)`)
	modelOnlyPattern    = regexp.MustCompile(`/models/(\d+)`)
)

// ParseModelURL extracts a model ID and optional version ID (0 when absent)
// from a Civitai URL. ok is false for unrecognized input; that is not an
// error, callers must check.
func ParseModelURL(rawURL string) (modelID, versionID int, ok bool) {
	if m := queryVersionPattern.FindStringSubmatch(rawURL); m != nil {
		modelID, _ = strconv.Atoi(m[1])
		versionID, _ = strconv.Atoi(m[2])
		return modelID, versionID, true
	}
	if m := pathVersionPattern.FindStringSubmatch(rawURL); m != nil {
		modelID, _ = strconv.Atoi(m[1])
		versionID, _ = strconv.Atoi(m[2])
		return modelID, versionID, true
	}
	if m := modelOnlyPattern.FindStringSubmatch(rawURL); m != nil {
		modelID, _ = strconv.Atoi(m[1])
		return modelID, 0, true
	}
	return 0, 0, false
}

// fetchJSON performs a throttled GET against an API endpoint and decodes the
// JSON response into out. Transient failures (network errors, 429, 5xx) are
// retried with linear backoff; auth errors and 404s fail immediately.
func (c *Client) fetchJSON(reqURL string, out interface{}) error {
	req, err := http.NewRequest("GET", reqURL, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", reqURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		c.waitForRateLimit()

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, c.maxRetries, err)
			if attempt < c.maxRetries-1 {
				log.WithError(err).Warnf("Retrying (%d/%d)...", attempt+1, c.maxRetries)
				time.Sleep(time.Duration(attempt+1) * c.retryDelay)
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return fmt.Errorf("error reading response body: %w", readErr)
			}
			if err := json.Unmarshal(body, out); err != nil {
				log.WithError(err).Errorf("Error unmarshalling response JSON from %s", reqURL)
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return ErrUnauthorized
		case http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound
		case http.StatusTooManyRequests:
			lastErr = ErrRateLimited
		default:
			if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
			} else {
				resp.Body.Close()
				return fmt.Errorf("API request failed with status %d", resp.StatusCode)
			}
		}

		// Retryable status; drain and close for connection reuse.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt < c.maxRetries-1 {
			sleep := time.Duration(attempt+1) * c.retryDelay
			if resp.StatusCode == http.StatusTooManyRequests {
				sleep *= 2 // Longer backoff for rate limits
			}
			log.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt+1, c.maxRetries, sleep)
			time.Sleep(sleep)
		}
	}

	return lastErr
}

// GetModelDetails fetches details for a specific model ID.
func (c *Client) GetModelDetails(modelID int) (models.Model, error) {
	var model models.Model
	reqURL := fmt.Sprintf("%s/models/%d", c.BaseUrl, modelID)
	if err := c.fetchJSON(reqURL, &model); err != nil {
		return models.Model{}, fmt.Errorf("fetching model %d: %w", modelID, err)
	}
	return model, nil
}

// GetVersionDetails fetches details for a specific model version ID.
func (c *Client) GetVersionDetails(versionID int) (models.ModelVersion, error) {
	var version models.ModelVersion
	reqURL := fmt.Sprintf("%s/model-versions/%d", c.BaseUrl, versionID)
	if err := c.fetchJSON(reqURL, &version); err != nil {
		return models.ModelVersion{}, fmt.Errorf("fetching model version %d: %w", versionID, err)
	}
	return version, nil
}

// getImagePage fetches one page of the /images listing.
func (c *Client) getImagePage(modelID, versionID int, nsfw bool, cursor string) (models.ImagePage, error) {
	values := url.Values{}
	values.Set("modelId", strconv.Itoa(modelID))
	values.Set("limit", strconv.Itoa(c.fetchBatchSize))
	values.Set("nsfw", strconv.FormatBool(nsfw))
	if versionID > 0 {
		values.Set("modelVersionId", strconv.Itoa(versionID))
	}
	if cursor != "" {
		values.Set("cursor", cursor)
	}

	var page models.ImagePage
	reqURL := fmt.Sprintf("%s/images?%s", c.BaseUrl, values.Encode())
	if err := c.fetchJSON(reqURL, &page); err != nil {
		return models.ImagePage{}, err
	}
	return page, nil
}

// fetchImageStream walks the cursor pagination for one nsfw flag value until
// the cursor runs out or maxImages is reached.
func (c *Client) fetchImageStream(modelID, versionID int, nsfw bool, maxImages int) []models.ModelImage {
	var items []models.ModelImage
	cursor := ""
	for {
		log.Debugf("Fetching images page for model %d (nsfw=%t, cursor=%q)", modelID, nsfw, cursor)
		page, err := c.getImagePage(modelID, versionID, nsfw, cursor)
		if err != nil {
			// A failed page ends the stream; whatever was collected still counts.
			log.WithError(err).Warnf("Image page fetch failed for model %d (nsfw=%t)", modelID, nsfw)
			return items
		}
		if len(page.Items) == 0 {
			return items
		}
		items = append(items, page.Items...)
		if maxImages > 0 && len(items) >= maxImages {
			return items
		}
		cursor = page.Metadata.NextCursor
		if cursor == "" {
			return items
		}
	}
}

// FetchImages collects preview images for a model. Two streams run
// concurrently, one with nsfw=true and one with nsfw=false, to bypass the
// API's default content filter. Results are merged, deduplicated by image ID,
// ranked by reaction score and truncated to maxImages.
func (c *Client) FetchImages(modelID, versionID, maxImages int) []models.ModelImage {
	var (
		wg        sync.WaitGroup
		nsfwItems []models.ModelImage
		sfwItems  []models.ModelImage
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		nsfwItems = c.fetchImageStream(modelID, versionID, true, maxImages)
	}()
	go func() {
		defer wg.Done()
		sfwItems = c.fetchImageStream(modelID, versionID, false, maxImages)
	}()
	wg.Wait()

	seen := make(map[int]bool, len(nsfwItems)+len(sfwItems))
	merged := make([]models.ModelImage, 0, len(nsfwItems)+len(sfwItems))
	for _, img := range append(nsfwItems, sfwItems...) {
		if seen[img.ID] {
			continue
		}
		seen[img.ID] = true
		merged = append(merged, img)
	}

	scoring.SortImagesByScore(merged)
	if maxImages > 0 && len(merged) > maxImages {
		merged = merged[:maxImages]
	}
	log.Infof("Fetched %d images for model %d", len(merged), modelID)
	return merged
}

// selectFile picks the file flagged primary, falling back to the first file.
func selectFile(files []models.File) models.File {
	for _, f := range files {
		if f.Primary {
			return f
		}
	}
	return files[0]
}

// extractDependencies pulls auxiliary requirements (required VAEs) out of a
// version's file list.
func extractDependencies(files []models.File) []models.Dependency {
	var deps []models.Dependency
	for _, f := range files {
		if f.Type == "VAE" {
			deps = append(deps, models.Dependency{
				Type:     "VAE",
				Name:     f.Name,
				Required: true,
			})
		}
	}
	return deps
}

// FetchResult carries everything the download pipeline needs beyond the
// record itself.
type FetchResult struct {
	Record *models.ModelRecord
	File   models.File
	Images []models.ModelImage
}

// FetchModel composes the model, version and image lookups into one
// ModelRecord. When versionID is 0 the first (latest) entry of the model's
// version list is used. Structural absences (404, zero versions, zero files)
// are errors; no partial record is produced.
func (c *Client) FetchModel(modelID, versionID, maxImages int) (*FetchResult, error) {
	log.Infof("Fetching model information for model ID %d", modelID)

	model, err := c.GetModelDetails(modelID)
	if err != nil {
		return nil, err
	}

	if versionID == 0 {
		if len(model.ModelVersions) == 0 {
			return nil, fmt.Errorf("%w: model %d", ErrNoVersions, modelID)
		}
		versionID = model.ModelVersions[0].ID
		log.Infof("Using latest version ID %d for model %d", versionID, modelID)
	}

	version, err := c.GetVersionDetails(versionID)
	if err != nil {
		return nil, err
	}
	if len(version.Files) == 0 {
		return nil, fmt.Errorf("%w: version %d of model %d", ErrNoFiles, versionID, modelID)
	}
	file := selectFile(version.Files)

	images := c.FetchImages(modelID, versionID, maxImages)
	descriptors := make([]models.ImageDescriptor, 0, len(images))
	for _, img := range images {
		descriptors = append(descriptors, models.ImageDescriptor{
			URL:    img.URL,
			Nsfw:   img.Nsfw,
			Width:  img.Width,
			Height: img.Height,
			Stats:  img.Stats,
			Meta:   img.Meta,
		})
	}

	record := &models.ModelRecord{
		ID:           modelID,
		Name:         model.Name,
		Description:  helpers.StripHTML(model.Description),
		Type:         model.Type,
		BaseModel:    version.BaseModel,
		VersionID:    versionID,
		VersionName:  version.Name,
		DownloadUrl:  version.DownloadUrl,
		Tags:         version.TrainedWords,
		Images:       descriptors,
		Nsfw:         model.Nsfw,
		Creator:      model.Creator.Username,
		Stats:        model.Stats,
		Rating:       scoring.OverallRating(model.Stats),
		Dependencies: extractDependencies(version.Files),
	}
	if record.Name == "" {
		record.Name = fmt.Sprintf("model_%d", modelID)
	}
	if record.BaseModel == "" {
		record.BaseModel = "unknown"
	}

	return &FetchResult{Record: record, File: file, Images: images}, nil
}
