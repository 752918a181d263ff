package queue

import (
	"sort"
	"sync"
	"time"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// TaskState is the lifecycle state of a download task. States only advance
// forward; Completed, Failed and Canceled are terminal.
type TaskState string

const (
	StateQueued      TaskState = "queued"
	StateDownloading TaskState = "downloading"
	StateCompleted   TaskState = "completed"
	StateFailed      TaskState = "failed"
	StateCanceled    TaskState = "canceled"
)

// Terminal reports whether s is an end state.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is a snapshot of one download. The URL doubles as the registry key.
type Task struct {
	URL           string
	State         TaskState
	ModelProgress int
	ImageProgress int
	ErrorMessage  string
	Priority      int
	EnqueuedAt    time.Time
	StartedAt     time.Time
	EndedAt       time.Time
	Result        *models.ModelRecord
}

// Duration returns elapsed wall time for the task: start-to-end once
// finished, start-to-now while downloading, zero before it starts.
func (t Task) Duration() time.Duration {
	switch {
	case !t.StartedAt.IsZero() && !t.EndedAt.IsZero():
		return t.EndedAt.Sub(t.StartedAt)
	case !t.StartedAt.IsZero() && t.State == StateDownloading:
		return time.Since(t.StartedAt)
	default:
		return 0
	}
}

// Notifier receives change events from the queue. Callbacks run on the
// mutating goroutine in mutation order and must not block.
type Notifier interface {
	QueueSizeChanged(n int)
	TaskChanged(task Task)
}

// task is the internal mutable representation.
type task struct {
	Task
	cancelRequested bool
}

// Manager is the combined task registry and pending queue. The registry keeps
// every task ever accepted (for history display); the order slice holds only
// the keys still waiting to start. All mutation is serialized through one
// mutex.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*task
	order    []string
	notifier Notifier
}

// NewManager creates an empty task queue. notifier may be nil.
func NewManager(notifier Notifier) *Manager {
	return &Manager{
		tasks:    make(map[string]*task),
		notifier: notifier,
	}
}

func (m *Manager) notifySize() {
	if m.notifier != nil {
		m.notifier.QueueSizeChanged(len(m.order))
	}
}

func (m *Manager) notifyTask(t *task) {
	if m.notifier != nil {
		m.notifier.TaskChanged(t.Task)
	}
}

// Enqueue registers url as a new queued task at the back of the queue.
// Returns false if url is empty or already active (queued or downloading).
// A url whose previous task finished may be enqueued again; the fresh task
// replaces the old one in the registry.
func (m *Manager) Enqueue(url string) bool {
	if url == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[url]; ok && !existing.State.Terminal() {
		log.Debugf("Rejecting duplicate enqueue for %s (state %s)", url, existing.State)
		return false
	}

	t := &task{Task: Task{
		URL:        url,
		State:      StateQueued,
		Priority:   len(m.order),
		EnqueuedAt: time.Now(),
	}}
	m.tasks[url] = t
	m.order = append(m.order, url)

	m.notifyTask(t)
	m.notifySize()
	return true
}

// EnqueueAll enqueues each url in order, returning how many were accepted.
func (m *Manager) EnqueueAll(urls []string) int {
	accepted := 0
	for _, url := range urls {
		if m.Enqueue(url) {
			accepted++
		}
	}
	return accepted
}

// DequeueNext pops the front of the queue, transitions the task to
// Downloading and stamps its start time. Returns false when the queue is
// empty.
func (m *Manager) DequeueNext() (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return Task{}, false
	}

	url := m.order[0]
	m.order = m.order[1:]

	t := m.tasks[url]
	t.State = StateDownloading
	t.StartedAt = time.Now()

	m.notifyTask(t)
	m.notifySize()
	return t.Task, true
}

// Reprioritize moves a queued url to newPosition (clamped to the queue
// bounds) and reassigns sequential priorities, preserving the relative order
// of the other entries. Returns false if url is not currently queued.
func (m *Manager) Reprioritize(url string, newPosition int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := -1
	for i, key := range m.order {
		if key == url {
			current = i
			break
		}
	}
	if current == -1 {
		return false
	}

	m.order = append(m.order[:current], m.order[current+1:]...)
	if newPosition < 0 {
		newPosition = 0
	}
	if newPosition > len(m.order) {
		newPosition = len(m.order)
	}
	m.order = append(m.order[:newPosition], append([]string{url}, m.order[newPosition:]...)...)

	for i, key := range m.order {
		m.tasks[key].Priority = i
	}

	m.notifyTask(m.tasks[url])
	m.notifySize()
	return true
}

// Cancel marks the task canceled. A queued task leaves the queue immediately
// and never starts; a downloading task keeps running until its worker
// observes the cancellation flag at the next safe point. Returns false for
// unknown or already-terminal tasks.
func (m *Manager) Cancel(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	if !ok || t.State.Terminal() {
		return false
	}

	wasQueued := t.State == StateQueued
	if wasQueued {
		for i, key := range m.order {
			if key == url {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}

	t.cancelRequested = true
	t.State = StateCanceled
	t.EndedAt = time.Now()

	m.notifyTask(t)
	if wasQueued {
		m.notifySize()
	}
	return true
}

// Clear cancels every queued (not downloading) task and empties the queue.
// Returns the number of tasks canceled.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := len(m.order)
	for _, url := range m.order {
		t := m.tasks[url]
		t.cancelRequested = true
		t.State = StateCanceled
		t.EndedAt = time.Now()
		m.notifyTask(t)
	}
	m.order = nil

	m.notifySize()
	return cleared
}

// Size returns the number of tasks still waiting to start.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// IsCancelled reports whether cancellation was requested for url. Workers
// poll this between sub-downloads.
func (m *Manager) IsCancelled(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	return ok && t.cancelRequested
}

// SetModelProgress updates the model file progress for an in-flight task.
func (m *Manager) SetModelProgress(url string, percent int) {
	m.setProgress(url, func(t *task) { t.ModelProgress = clampPercent(percent) })
}

// SetImageProgress updates the aggregate image progress for an in-flight task.
func (m *Manager) SetImageProgress(url string, percent int) {
	m.setProgress(url, func(t *task) { t.ImageProgress = clampPercent(percent) })
}

func (m *Manager) setProgress(url string, apply func(*task)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	if !ok || t.State != StateDownloading {
		return
	}
	apply(t)
	m.notifyTask(t)
}

// Complete transitions the task to Completed, attaches the resulting record
// and forces both progress fields to 100. A task already canceled stays
// canceled.
func (m *Manager) Complete(url string, record *models.ModelRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	if !ok || t.State.Terminal() {
		return
	}

	t.State = StateCompleted
	t.Result = record
	t.ModelProgress = 100
	t.ImageProgress = 100
	t.EndedAt = time.Now()

	m.notifyTask(t)
}

// Fail transitions the task to Failed with the given reason. A task already
// canceled stays canceled.
func (m *Manager) Fail(url string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	if !ok || t.State.Terminal() {
		return
	}

	t.State = StateFailed
	t.ErrorMessage = reason
	t.EndedAt = time.Now()

	m.notifyTask(t)
}

// Get returns a snapshot of the task for url.
func (m *Manager) Get(url string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[url]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// Tasks returns snapshots of every registered task, queued entries first in
// queue order, then the rest sorted by enqueue time.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := make(map[string]bool, len(m.order))
	out := make([]Task, 0, len(m.tasks))
	for _, url := range m.order {
		queued[url] = true
		out = append(out, m.tasks[url].Task)
	}

	var rest []Task
	for url, t := range m.tasks {
		if !queued[url] {
			rest = append(rest, t.Task)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].EnqueuedAt.Before(rest[j].EnqueuedAt)
	})
	return append(out, rest...)
}

// QueuedTasks returns snapshots of the pending tasks in queue order.
func (m *Manager) QueuedTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.order))
	for _, url := range m.order {
		out = append(out, m.tasks[url].Task)
	}
	return out
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
