package manager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/organizer"
	"go-civitai-manager/internal/queue"
)

// testServer fakes enough of the Civitai API and CDN for a full pipeline run.
type testServer struct {
	*httptest.Server

	modelGate     chan struct{} // when non-nil, /models requests block until it closes
	modelRequests atomic.Int64
	fileStatus    int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{fileStatus: http.StatusOK}

	mux := http.NewServeMux()

	mux.HandleFunc("/models/", func(w http.ResponseWriter, r *http.Request) {
		ts.modelRequests.Add(1)
		if ts.modelGate != nil {
			<-ts.modelGate
		}
		idStr := strings.TrimPrefix(r.URL.Path, "/models/")
		model := models.Model{
			ID:   mustAtoi(idStr),
			Name: "Test Model " + idStr,
			Type: "Checkpoint",
			ModelVersions: []models.ModelVersion{
				{ID: 111, Name: "v1.0", BaseModel: "SDXL 1.0"},
			},
		}
		json.NewEncoder(w).Encode(model)
	})

	mux.HandleFunc("/model-versions/", func(w http.ResponseWriter, r *http.Request) {
		version := models.ModelVersion{
			ID:        111,
			Name:      "v1.0",
			BaseModel: "SDXL 1.0",
			Files: []models.File{
				{
					Name:        "model.safetensors",
					Type:        "Model",
					Primary:     true,
					DownloadUrl: ts.URL + "/download/model.safetensors",
				},
			},
		}
		json.NewEncoder(w).Encode(version)
	})

	mux.HandleFunc("/images", func(w http.ResponseWriter, r *http.Request) {
		page := models.ImagePage{}
		if r.URL.Query().Get("nsfw") == "false" && r.URL.Query().Get("cursor") == "" {
			page.Items = []models.ModelImage{
				{ID: 1, URL: ts.URL + "/img/one.jpeg", Stats: models.ImageStats{LikeCount: 10}},
				{ID: 2, URL: ts.URL + "/img/two.jpeg", Stats: models.ImageStats{LikeCount: 5}},
			}
		}
		json.NewEncoder(w).Encode(page)
	})

	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		if ts.fileStatus != http.StatusOK {
			w.WriteHeader(ts.fileStatus)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="model.safetensors"`)
		w.Write([]byte("model weights"))
	})

	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg bytes"))
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func newTestPool(t *testing.T, ts *testServer, cfg models.Config, q *queue.Manager) *Pool {
	t.Helper()
	client := api.NewClient(ts.Client(), cfg)
	client.BaseUrl = ts.URL
	org := organizer.New(cfg.SavePath)
	dl := downloader.NewDownloader(ts.Client(), "", org)
	return NewPool(cfg, q, client, dl, org, nil, nil)
}

func testConfig(t *testing.T) models.Config {
	return models.Config{
		SavePath:               t.TempDir(),
		MaxConcurrentDownloads: 2,
		DownloadThreads:        2,
		TopImageCount:          5,
		DownloadModel:          true,
		DownloadImages:         true,
	}
}

func waitForState(t *testing.T, q *queue.Manager, url string, want queue.TaskState) queue.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := q.Get(url); ok && task.State == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := q.Get(url)
	t.Fatalf("task %s never reached state %s (currently %s, error %q)", url, want, task.State, task.ErrorMessage)
	return queue.Task{}
}

func TestPipelineCompletes(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(t)
	q := queue.NewManager(nil)
	pool := newTestPool(t, ts, cfg, q)

	url := "https://civitai.com/models/1234/test-model"
	require.True(t, q.Enqueue(url))

	pool.Start()
	defer pool.Stop()

	task := waitForState(t, q, url, queue.StateCompleted)

	assert.Equal(t, 100, task.ModelProgress)
	assert.Equal(t, 100, task.ImageProgress)
	require.NotNil(t, task.Result)
	record := task.Result

	assert.Equal(t, 1234, record.ID)
	assert.Equal(t, "Test Model 1234", record.Name)
	assert.Equal(t, "SDXL 1.0", record.BaseModel)
	assert.Greater(t, record.SizeBytes, int64(0))

	// The model file and both images landed under the resolved directory.
	modelFile := filepath.Join(record.LocalPath, "model.safetensors")
	if _, err := os.Stat(modelFile); err != nil {
		t.Errorf("model file not written: %v", err)
	}
	require.Len(t, record.Images, 2)
	for _, img := range record.Images {
		assert.NotEmpty(t, img.LocalPath)
	}
	assert.Equal(t, record.Images[0].LocalPath, record.Thumbnail)

	// Metadata snapshot is readable and round-trips the record id.
	data, err := os.ReadFile(filepath.Join(record.LocalPath, models.MetadataFilename))
	require.NoError(t, err)
	var snapshot models.ModelRecord
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, 1234, snapshot.ID)
}

func TestBoundedConcurrency(t *testing.T) {
	ts := newTestServer(t)
	ts.modelGate = make(chan struct{})

	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 2

	q := queue.NewManager(nil)
	pool := newTestPool(t, ts, cfg, q)

	urls := []string{
		"https://civitai.com/models/1",
		"https://civitai.com/models/2",
		"https://civitai.com/models/3",
	}
	for _, u := range urls {
		require.True(t, q.Enqueue(u))
	}

	pool.Start()
	defer pool.Stop()

	// Two tasks grab slots and block inside the model fetch; the third must
	// stay queued.
	deadline := time.Now().Add(5 * time.Second)
	for pool.ActiveCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 2, pool.ActiveCount())

	downloading, queued := 0, 0
	for _, task := range q.Tasks() {
		switch task.State {
		case queue.StateDownloading:
			downloading++
		case queue.StateQueued:
			queued++
		}
	}
	assert.Equal(t, 2, downloading)
	assert.Equal(t, 1, queued)

	close(ts.modelGate)
	for _, u := range urls {
		waitForState(t, q, u, queue.StateCompleted)
	}
}

func TestModelFileFailureDoesNotFailTask(t *testing.T) {
	ts := newTestServer(t)
	ts.fileStatus = http.StatusInternalServerError

	cfg := testConfig(t)
	q := queue.NewManager(nil)
	pool := newTestPool(t, ts, cfg, q)

	url := "https://civitai.com/models/1234"
	require.True(t, q.Enqueue(url))

	pool.Start()
	defer pool.Stop()

	task := waitForState(t, q, url, queue.StateCompleted)
	require.NotNil(t, task.Result)

	// No model file on disk, but the images are there.
	assert.Equal(t, int64(0), task.Result.SizeBytes)
	require.Len(t, task.Result.Images, 2)
	assert.NotEmpty(t, task.Result.Images[0].LocalPath)
}

func TestInvalidURLFails(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(t)
	q := queue.NewManager(nil)
	pool := newTestPool(t, ts, cfg, q)

	url := "https://civitai.com/images/999"
	require.True(t, q.Enqueue(url))

	pool.Start()
	defer pool.Stop()

	task := waitForState(t, q, url, queue.StateFailed)
	assert.Contains(t, task.ErrorMessage, "invalid URL")
	assert.Equal(t, int64(0), ts.modelRequests.Load())
}

func TestCancelledBeforeStartDoesNoWork(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(t)
	q := queue.NewManager(nil)
	pool := newTestPool(t, ts, cfg, q)

	url := "https://civitai.com/models/1234"
	require.True(t, q.Enqueue(url))
	require.True(t, q.Cancel(url))

	pool.Start()
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	task, ok := q.Get(url)
	require.True(t, ok)
	assert.Equal(t, queue.StateCanceled, task.State)
	assert.Equal(t, int64(0), ts.modelRequests.Load())
}

func TestFilterAndRankImages(t *testing.T) {
	images := []models.ImageDescriptor{
		{URL: "a", Nsfw: true, Stats: models.ImageStats{LikeCount: 100}},
		{URL: "b", Stats: models.ImageStats{LikeCount: 1}},
		{URL: "c", Nsfw: true, Stats: models.ImageStats{LikeCount: 50}},
		{URL: "d", Stats: models.ImageStats{LikeCount: 30}},
		{URL: "e", Stats: models.ImageStats{LikeCount: 20}},
		{URL: "f", Stats: models.ImageStats{LikeCount: 10}},
	}

	p := &Pool{cfg: models.Config{DownloadNsfw: false, TopImageCount: 3}}
	got := p.filterAndRankImages(images)

	require.Len(t, got, 3)
	assert.Equal(t, "d", got[0].URL)
	assert.Equal(t, "e", got[1].URL)
	assert.Equal(t, "f", got[2].URL)

	// With the filter off everything stays, ranked across both groups.
	p = &Pool{cfg: models.Config{DownloadNsfw: true, TopImageCount: 0}}
	got = p.filterAndRankImages(images)
	require.Len(t, got, 6)
	assert.Equal(t, "a", got[0].URL)
	assert.Equal(t, "c", got[1].URL)
}

func TestPanicInTaskIsContained(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(t)
	q := queue.NewManager(nil)

	client := api.NewClient(ts.Client(), cfg)
	client.BaseUrl = ts.URL
	dl := downloader.NewDownloader(ts.Client(), "", nil)
	// A nil organizer makes destination resolution panic partway through the
	// pipeline; the pool must turn that into a failed task, not crash.
	pool := NewPool(cfg, q, client, dl, nil, nil, nil)

	url := "https://civitai.com/models/1234"
	require.True(t, q.Enqueue(url))

	pool.Start()
	defer pool.Stop()

	task := waitForState(t, q, url, queue.StateFailed)
	assert.Contains(t, task.ErrorMessage, "internal error")
}
