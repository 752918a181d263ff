package queue

import (
	"sync"
	"testing"
	"time"

	"go-civitai-manager/internal/models"
)

// recordingNotifier captures notifications in delivery order.
type recordingNotifier struct {
	mu         sync.Mutex
	sizes      []int
	taskEvents []Task
}

func (n *recordingNotifier) QueueSizeChanged(size int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sizes = append(n.sizes, size)
}

func (n *recordingNotifier) TaskChanged(task Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskEvents = append(n.taskEvents, task)
}

func TestEnqueueRejectsDuplicatesAndEmpty(t *testing.T) {
	m := NewManager(nil)

	if m.Enqueue("") {
		t.Error("empty URL must be rejected")
	}
	if !m.Enqueue("https://civitai.com/models/1") {
		t.Error("first enqueue must be accepted")
	}
	if m.Enqueue("https://civitai.com/models/1") {
		t.Error("duplicate queued URL must be rejected")
	}

	// Still rejected while downloading.
	if _, ok := m.DequeueNext(); !ok {
		t.Fatal("dequeue failed")
	}
	if m.Enqueue("https://civitai.com/models/1") {
		t.Error("duplicate downloading URL must be rejected")
	}

	// Accepted again once terminal.
	m.Complete("https://civitai.com/models/1", nil)
	if !m.Enqueue("https://civitai.com/models/1") {
		t.Error("re-enqueue after completion must be accepted")
	}
}

func TestDequeueOrderFollowsPriority(t *testing.T) {
	m := NewManager(nil)
	urls := []string{"u/a", "u/b", "u/c"}
	m.EnqueueAll(urls)

	for _, want := range urls {
		task, ok := m.DequeueNext()
		if !ok {
			t.Fatalf("queue empty before %s", want)
		}
		if task.URL != want {
			t.Errorf("dequeued %s, want %s", task.URL, want)
		}
		if task.State != StateDownloading {
			t.Errorf("dequeued task in state %s, want downloading", task.State)
		}
		if task.StartedAt.IsZero() {
			t.Error("dequeued task missing start timestamp")
		}
	}

	if _, ok := m.DequeueNext(); ok {
		t.Error("expected empty queue")
	}
}

func TestReprioritize(t *testing.T) {
	m := NewManager(nil)
	m.EnqueueAll([]string{"u/a", "u/b", "u/c", "u/d"})

	if !m.Reprioritize("u/d", 0) {
		t.Fatal("reprioritize failed")
	}

	queued := m.QueuedTasks()
	wantOrder := []string{"u/d", "u/a", "u/b", "u/c"}
	for i, want := range wantOrder {
		if queued[i].URL != want {
			t.Errorf("position %d: got %s, want %s", i, queued[i].URL, want)
		}
		if queued[i].Priority != i {
			t.Errorf("%s has priority %d, want %d", queued[i].URL, queued[i].Priority, i)
		}
	}

	// Position clamped to queue bounds.
	if !m.Reprioritize("u/d", 99) {
		t.Fatal("reprioritize with large position failed")
	}
	queued = m.QueuedTasks()
	if queued[len(queued)-1].URL != "u/d" {
		t.Errorf("expected u/d at the back, got %s", queued[len(queued)-1].URL)
	}

	if m.Reprioritize("u/unknown", 0) {
		t.Error("reprioritizing unknown URL must fail")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n)
	m.EnqueueAll([]string{"u/a", "u/b"})

	if !m.Cancel("u/b") {
		t.Fatal("cancel failed")
	}

	task, _ := m.Get("u/b")
	if task.State != StateCanceled {
		t.Errorf("expected canceled, got %s", task.State)
	}
	if task.EndedAt.IsZero() {
		t.Error("canceled task missing end timestamp")
	}
	if m.Size() != 1 {
		t.Errorf("queue size %d, want 1", m.Size())
	}

	// A canceled task never reaches the worker.
	dequeued, ok := m.DequeueNext()
	if !ok || dequeued.URL != "u/a" {
		t.Errorf("expected u/a, got %v %t", dequeued.URL, ok)
	}
	if _, ok := m.DequeueNext(); ok {
		t.Error("canceled task must not be dequeued")
	}
}

func TestCancelDownloadingTaskIsCooperative(t *testing.T) {
	m := NewManager(nil)
	m.Enqueue("u/a")
	m.DequeueNext()

	if m.IsCancelled("u/a") {
		t.Error("not cancelled yet")
	}
	if !m.Cancel("u/a") {
		t.Fatal("cancel failed")
	}
	if !m.IsCancelled("u/a") {
		t.Error("cancellation flag not visible to worker")
	}

	// The worker finishing later must not overwrite the canceled state.
	m.Complete("u/a", &models.ModelRecord{ID: 1})
	task, _ := m.Get("u/a")
	if task.State != StateCanceled {
		t.Errorf("terminal state overwritten: %s", task.State)
	}
	m.Fail("u/a", "boom")
	task, _ = m.Get("u/a")
	if task.State != StateCanceled {
		t.Errorf("terminal state overwritten by Fail: %s", task.State)
	}
}

func TestCancelTerminalIsRejected(t *testing.T) {
	m := NewManager(nil)
	m.Enqueue("u/a")
	m.DequeueNext()
	m.Complete("u/a", nil)

	if m.Cancel("u/a") {
		t.Error("canceling a completed task must fail")
	}
	if m.Cancel("u/unknown") {
		t.Error("canceling an unknown task must fail")
	}
}

func TestClear(t *testing.T) {
	m := NewManager(nil)
	m.EnqueueAll([]string{"u/a", "u/b", "u/c"})
	m.DequeueNext() // u/a now downloading

	if cleared := m.Clear(); cleared != 2 {
		t.Errorf("Clear() = %d, want 2", cleared)
	}
	if m.Size() != 0 {
		t.Errorf("queue size %d after clear", m.Size())
	}

	// The downloading task is untouched.
	task, _ := m.Get("u/a")
	if task.State != StateDownloading {
		t.Errorf("downloading task was cleared: %s", task.State)
	}
	for _, url := range []string{"u/b", "u/c"} {
		task, _ := m.Get(url)
		if task.State != StateCanceled {
			t.Errorf("%s in state %s, want canceled", url, task.State)
		}
	}
}

func TestCompleteAttachesResultAndProgress(t *testing.T) {
	m := NewManager(nil)
	m.Enqueue("u/a")
	m.DequeueNext()
	m.SetModelProgress("u/a", 40)
	m.SetImageProgress("u/a", 70)

	record := &models.ModelRecord{ID: 42, Name: "done"}
	m.Complete("u/a", record)

	task, _ := m.Get("u/a")
	if task.State != StateCompleted {
		t.Errorf("state %s, want completed", task.State)
	}
	if task.Result == nil || task.Result.ID != 42 {
		t.Error("result record not attached")
	}
	if task.ModelProgress != 100 || task.ImageProgress != 100 {
		t.Errorf("progress not forced to 100: %d/%d", task.ModelProgress, task.ImageProgress)
	}
	if task.EndedAt.IsZero() {
		t.Error("missing end timestamp")
	}
}

func TestFailRecordsReason(t *testing.T) {
	m := NewManager(nil)
	m.Enqueue("u/a")
	m.DequeueNext()
	m.Fail("u/a", "connection reset")

	task, _ := m.Get("u/a")
	if task.State != StateFailed {
		t.Errorf("state %s, want failed", task.State)
	}
	if task.ErrorMessage != "connection reset" {
		t.Errorf("wrong error message %q", task.ErrorMessage)
	}
}

func TestProgressIgnoredOutsideDownloading(t *testing.T) {
	m := NewManager(nil)
	m.Enqueue("u/a")

	m.SetModelProgress("u/a", 50)
	task, _ := m.Get("u/a")
	if task.ModelProgress != 0 {
		t.Error("progress applied to a queued task")
	}

	m.SetModelProgress("u/a", -10)
	m.DequeueNext()
	m.SetModelProgress("u/a", 150)
	task, _ = m.Get("u/a")
	if task.ModelProgress != 100 {
		t.Errorf("progress not clamped: %d", task.ModelProgress)
	}
}

func TestNotificationOrder(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n)

	m.Enqueue("u/a")
	m.DequeueNext()
	m.Complete("u/a", nil)

	// Enqueue: task + size; Dequeue: task + size; Complete: task.
	if len(n.taskEvents) != 3 {
		t.Fatalf("expected 3 task events, got %d", len(n.taskEvents))
	}
	wantStates := []TaskState{StateQueued, StateDownloading, StateCompleted}
	for i, want := range wantStates {
		if n.taskEvents[i].State != want {
			t.Errorf("event %d state %s, want %s", i, n.taskEvents[i].State, want)
		}
	}
	if len(n.sizes) != 2 || n.sizes[0] != 1 || n.sizes[1] != 0 {
		t.Errorf("size events %v, want [1 0]", n.sizes)
	}
}

func TestTaskDuration(t *testing.T) {
	var task Task
	if task.Duration() != 0 {
		t.Error("unstarted task must have zero duration")
	}

	start := time.Now().Add(-3 * time.Second)
	task = Task{State: StateDownloading, StartedAt: start}
	if d := task.Duration(); d < 2*time.Second {
		t.Errorf("downloading duration %v, want roughly 3s", d)
	}

	task = Task{State: StateCompleted, StartedAt: start, EndedAt: start.Add(2 * time.Second)}
	if d := task.Duration(); d != 2*time.Second {
		t.Errorf("completed duration %v, want 2s", d)
	}
}

func TestConcurrentEnqueueSingleActiveTask(t *testing.T) {
	m := NewManager(nil)
	const url = "u/contested"

	var wg sync.WaitGroup
	accepted := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- m.Enqueue(url)
		}()
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d concurrent enqueues accepted, want exactly 1", wins)
	}
	if m.Size() != 1 {
		t.Errorf("queue size %d, want 1", m.Size())
	}
}
