package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/organizer"
)

func newFileServer(t *testing.T, content []byte, filename string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if filename != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
}

func TestDownloadFile_Success(t *testing.T) {
	content := []byte("model file bytes")
	server := newFileServer(t, content, "model.safetensors")
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(server.Client(), "", nil)

	path, err := d.DownloadFile(server.URL+"/api/download/models/1", dir, models.Hashes{}, nil, nil)
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}

	if filepath.Base(path) != "model.safetensors" {
		t.Errorf("expected Content-Disposition filename, got %s", filepath.Base(path))
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(content) {
		t.Errorf("downloaded content mismatch: %v", err)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestDownloadFile_SkipsExisting(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("should not be fetched"))
	}))
	defer server.Close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.bin")
	if err := os.WriteFile(existing, []byte("already here"), 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(server.Client(), "", nil)
	path, err := d.DownloadFile(server.URL+"/files/existing.bin", dir, models.Hashes{}, nil, nil)
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}

	if path != existing {
		t.Errorf("expected existing path %s, got %s", existing, path)
	}
	if requests != 0 {
		t.Errorf("expected no network requests for existing file, got %d", requests)
	}
	got, _ := os.ReadFile(existing)
	if string(got) != "already here" {
		t.Error("existing file was overwritten")
	}
}

func TestDownloadFile_ProgressEndsAtHundred(t *testing.T) {
	content := make([]byte, 300*1024)
	server := newFileServer(t, content, "big.bin")
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(server.Client(), "", nil)

	var percents []int
	var totalBytes int64
	onProgress := func(percent int, chunkBytes, total int64) {
		percents = append(percents, percent)
		totalBytes += chunkBytes
	}

	if _, err := d.DownloadFile(server.URL+"/big.bin", dir, models.Hashes{}, onProgress, nil); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}

	if len(percents) == 0 {
		t.Fatal("no progress callbacks")
	}
	if percents[len(percents)-1] != 100 {
		t.Errorf("final callback reported %d%%, want 100", percents[len(percents)-1])
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Errorf("progress went backwards: %v", percents)
			break
		}
	}
	if totalBytes != int64(len(content)) {
		t.Errorf("chunk bytes sum %d, want %d", totalBytes, len(content))
	}
}

func TestDownloadFile_HashVerification(t *testing.T) {
	content := []byte("verified payload")
	sum := sha256.Sum256(content)
	goodHash := hex.EncodeToString(sum[:])

	server := newFileServer(t, content, "hashed.bin")
	defer server.Close()
	d := NewDownloader(server.Client(), "", nil)

	if _, err := d.DownloadFile(server.URL+"/hashed.bin", t.TempDir(), models.Hashes{SHA256: goodHash}, nil, nil); err != nil {
		t.Errorf("download with matching hash failed: %v", err)
	}

	_, err := d.DownloadFile(server.URL+"/hashed.bin", t.TempDir(), models.Hashes{SHA256: "badbadbad"}, nil, nil)
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
}

func TestDownloadFile_HashMismatchLeavesNoFile(t *testing.T) {
	content := []byte("corrupt payload")
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Disposition", `attachment; filename="tainted.bin"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(server.Client(), "", nil)
	badHashes := models.Hashes{SHA256: "deadbeef"}

	_, err := d.DownloadFile(server.URL+"/tainted.bin", dir, badHashes, nil, nil)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}

	// A rejected download must not occupy the final path or leave temp files.
	if _, err := os.Stat(filepath.Join(dir, "tainted.bin")); !os.IsNotExist(err) {
		t.Fatal("rejected download left a file at the final path")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("directory not empty after rejected download: %v", entries)
	}

	// A retry must re-fetch instead of skipping on a leftover file.
	_, err = d.DownloadFile(server.URL+"/tainted.bin", dir, badHashes, nil, nil)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch on retry, got %v", err)
	}
	if requests != 2 {
		t.Errorf("expected 2 requests, got %d", requests)
	}
}

func TestDownloadFile_UsesFileChecker(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("bytes"))
	}))
	defer server.Close()

	root := t.TempDir()
	org := organizer.New(root)
	dest := filepath.Join(root, "checkpoints", "Example")
	if err := os.MkdirAll(dest, 0700); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(dest, "model.safetensors")
	if err := os.WriteFile(existing, []byte("kept"), 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(server.Client(), "", org)
	path, err := d.DownloadFile(server.URL+"/files/model.safetensors", dest, models.Hashes{}, nil, nil)
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if path != existing {
		t.Errorf("expected existing path %s, got %s", existing, path)
	}
	if requests != 0 {
		t.Errorf("expected the organizer check to skip the download, got %d requests", requests)
	}
}

func TestDownloadFile_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	d := NewDownloader(server.Client(), "", nil)
	_, err := d.DownloadFile(server.URL+"/denied.bin", t.TempDir(), models.Hashes{}, nil, nil)
	if !errors.Is(err, ErrHttpStatus) {
		t.Errorf("expected ErrHttpStatus, got %v", err)
	}
}

func TestDownloadFile_Cancelled(t *testing.T) {
	content := make([]byte, 512*1024)
	server := newFileServer(t, content, "cancel.bin")
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(server.Client(), "", nil)

	cancel := func() bool { return true }
	_, err := d.DownloadFile(server.URL+"/cancel.bin", dir, models.Hashes{}, nil, cancel)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	// Nothing should be left at the final path.
	if _, err := os.Stat(filepath.Join(dir, "cancel.bin")); !os.IsNotExist(err) {
		t.Error("cancelled download left a final file")
	}
}

func TestDownloadImage(t *testing.T) {
	content := []byte("imagedata")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(server.Client(), "", nil)

	path, err := d.DownloadImage(server.URL+"/images/preview.jpeg?width=450", dir)
	if err != nil {
		t.Fatalf("DownloadImage failed: %v", err)
	}
	if filepath.Base(path) != "preview.jpeg" {
		t.Errorf("expected URL-derived name without query, got %s", filepath.Base(path))
	}

	got, _ := os.ReadFile(path)
	if string(got) != string(content) {
		t.Error("image content mismatch")
	}

	// Second call short-circuits on the existing file.
	if err := os.WriteFile(path, []byte("local edit"), 0644); err != nil {
		t.Fatal(err)
	}
	again, err := d.DownloadImage(server.URL+"/images/preview.jpeg?width=450", dir)
	if err != nil || again != path {
		t.Fatalf("repeat DownloadImage failed: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "local edit" {
		t.Error("existing image was re-downloaded")
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/path/file.bin", "file.bin"},
		{"https://example.com/path/file.bin?token=abc", "file.bin"},
		{"https://example.com/", "download"},
		{"https://example.com", "download"},
	}
	for _, tt := range tests {
		if got := filenameFromURL(tt.url); got != tt.want {
			t.Errorf("filenameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
