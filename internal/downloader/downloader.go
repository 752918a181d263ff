package downloader

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrCancelled    = errors.New("download cancelled")
)

// ProgressFunc receives download progress. percent is 0-100, chunkBytes is
// the number of bytes transferred since the previous callback, totalBytes is
// the Content-Length (0 when the server did not send one).
type ProgressFunc func(percent int, chunkBytes, totalBytes int64)

// CancelFunc reports whether the surrounding task was cancelled. The copy
// loop polls it once per chunk.
type CancelFunc func() bool

const copyChunkSize = 64 * 1024

// FileChecker answers whether a file is already present in a directory.
// Satisfied by organizer.Organizer.
type FileChecker interface {
	FileAlreadyPresent(destDir, filename string) bool
}

// statChecker is the fallback FileChecker when no organizer is wired in.
type statChecker struct{}

func (statChecker) FileAlreadyPresent(destDir, filename string) bool {
	info, err := os.Stat(filepath.Join(destDir, filename))
	return err == nil && !info.IsDir()
}

// Downloader streams files to disk with progress reporting and
// skip-if-already-present semantics.
type Downloader struct {
	client *http.Client
	apiKey string
	files  FileChecker
}

// NewDownloader creates a new Downloader instance. File transfers get a much
// longer timeout than metadata calls. A nil files checker falls back to a
// plain stat.
func NewDownloader(client *http.Client, apiKey string, files FileChecker) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	if files == nil {
		files = statChecker{}
	}
	return &Downloader{
		client: client,
		apiKey: apiKey,
		files:  files,
	}
}

// filenameFromResponse extracts a filename from the Content-Disposition
// header, returning "" when absent or unparseable.
func filenameFromResponse(resp *http.Response) string {
	contentDisposition := resp.Header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err == nil && params["filename"] != "" {
		log.Debugf("Received filename from Content-Disposition: %s", params["filename"])
		return params["filename"]
	}
	return ""
}

// filenameFromURL derives a filename from the URL path, dropping any query
// string leftovers.
func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	var base string
	if err != nil {
		base = filepath.Base(rawURL)
	} else {
		base = filepath.Base(parsed.Path)
	}
	if idx := strings.Index(base, "?"); idx != -1 {
		base = base[:idx]
	}
	if base == "" || base == "." || base == "/" {
		base = "download"
	}
	return base
}

// copyWithProgress streams body into dst in fixed-size chunks, invoking
// onProgress whenever at least one percent or one second has passed since the
// previous callback, plus a mandatory final 100% callback. cancel is polled
// every chunk.
func copyWithProgress(dst io.Writer, body io.Reader, total int64, onProgress ProgressFunc, cancel CancelFunc) (int64, error) {
	var (
		written     int64
		chunkBytes  int64
		lastPercent int
		lastReport  = time.Now()
		buf         = make([]byte, copyChunkSize)
	)

	for {
		if cancel != nil && cancel() {
			return written, ErrCancelled
		}

		n, err := body.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			chunkBytes += int64(wn)
			if werr != nil {
				return written, werr
			}

			if onProgress != nil && total > 0 {
				percent := int(written * 100 / total)
				now := time.Now()
				if percent >= 100 || percent > lastPercent || now.Sub(lastReport) >= time.Second {
					onProgress(percent, chunkBytes, total)
					lastPercent = percent
					lastReport = now
					chunkBytes = 0
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}

	if onProgress != nil {
		onProgress(100, chunkBytes, total)
	}
	return written, nil
}

// DownloadFile streams url into destDir. The filename comes from the
// Content-Disposition header when present, otherwise from the URL path. If
// the destination file already exists by name it is returned immediately
// without a transfer. The file is written to a temporary name, verified
// against the provided hashes, and renamed into place on success.
func (d *Downloader) DownloadFile(rawURL, destDir string, hashes models.Hashes, onProgress ProgressFunc, cancel CancelFunc) (string, error) {
	// Cheap pre-check against the URL-derived name before any network I/O.
	urlName := filenameFromURL(rawURL)
	if d.files.FileAlreadyPresent(destDir, urlName) {
		candidate := filepath.Join(destDir, urlName)
		log.Infof("File already exists, skipping download: %s", candidate)
		return candidate, nil
	}

	if !helpers.CheckAndMakeDir(destDir) {
		return "", fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, destDir)
	}

	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, rawURL, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, rawURL)
	}

	filename := filenameFromResponse(resp)
	if filename == "" {
		filename = urlName
	}
	finalPath := filepath.Join(destDir, filename)

	// The server-provided name may differ from the URL-derived one; check again.
	if d.files.FileAlreadyPresent(destDir, filename) {
		log.Infof("File already exists, skipping download: %s", finalPath)
		return finalPath, nil
	}

	total, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)

	tempFile, err := os.CreateTemp(destDir, filename+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: creating temporary file in %s: %w", ErrFileSystem, destDir, err)
	}

	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	log.Infof("Downloading %s (%s) to %s...", filename, helpers.BytesToSize(uint64(total)), destDir)

	_, copyErr := copyWithProgress(tempFile, resp.Body, total, onProgress, cancel)
	if closeErr := tempFile.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("%w: closing temporary file: %w", ErrFileSystem, closeErr)
	}
	if copyErr != nil {
		if errors.Is(copyErr, ErrCancelled) {
			return "", copyErr
		}
		return "", fmt.Errorf("writing %s: %w", finalPath, copyErr)
	}

	// Verify the temp file before it reaches the final path, so a corrupt
	// download is removed by the cleanup defer instead of masquerading as a
	// finished file on later skip-if-exists checks.
	hashesProvided := hashes.SHA256 != "" || hashes.BLAKE3 != "" || hashes.CRC32 != ""
	if hashesProvided && !helpers.CheckHash(tempFile.Name(), hashes) {
		log.Errorf("Hash mismatch for downloaded file: %s", finalPath)
		return "", ErrHashMismatch
	}

	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return "", fmt.Errorf("%w: renaming %s to %s: %w", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	cleanupTemp = false

	log.Infof("Successfully downloaded %s", finalPath)
	return finalPath, nil
}

// DownloadImage fetches a single image into targetDir, deriving the filename
// from the URL. An existing file short-circuits without a transfer. Returns
// the final path on disk.
func (d *Downloader) DownloadImage(rawURL, targetDir string) (string, error) {
	filename := filenameFromURL(rawURL)
	finalPath := filepath.Join(targetDir, filename)
	if d.files.FileAlreadyPresent(targetDir, filename) {
		return finalPath, nil
	}

	if !helpers.CheckAndMakeDir(targetDir) {
		return "", fmt.Errorf("%w: failed to create image directory %s", ErrFileSystem, targetDir)
	}

	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating image request for %s: %w", ErrHttpRequest, rawURL, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: performing image request for %s: %v", ErrHttpRequest, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: received status %d for image %s", ErrHttpStatus, resp.StatusCode, rawURL)
	}

	outFile, err := os.Create(finalPath)
	if err != nil {
		return "", fmt.Errorf("%w: creating image file %s: %w", ErrFileSystem, finalPath, err)
	}
	defer outFile.Close()

	counter := &helpers.CounterWriter{Writer: outFile}
	if _, err := io.Copy(counter, resp.Body); err != nil {
		_ = os.Remove(finalPath)
		return "", fmt.Errorf("writing image file %s: %w", finalPath, err)
	}
	log.Debugf("Downloaded image %s (%s)", finalPath, helpers.BytesToSize(counter.Total))

	return finalPath, nil
}
