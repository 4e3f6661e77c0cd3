// Package queue serializes work per group under a global concurrency cap.
// Each group holds at most one slot; failed items retry with bounded
// exponential backoff. Under SlotPolicyLegacy a retrying message check
// gives up its slot during backoff, so its later attempts can run
// alongside another item of the same group and outside the global cap.
package queue

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/ipc"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/metrics"
	"github.com/jsclaw/jsclaw/internal/protocol"
)

const maxRetries = 5

// ErrQueueFull is returned by Enqueue* when a group's queue has reached
// the configured high-watermark.
var ErrQueueFull = errors.New("group queue is full")

// SlotPolicy selects when a group's slot is released for a retrying item.
type SlotPolicy int

const (
	// SlotPolicyLegacy releases the slot after the first resolution of a
	// message-check item even when retries are still pending, and only
	// after terminal resolution for task items. This reproduces the
	// historical scheduler behavior.
	SlotPolicyLegacy SlotPolicy = iota

	// SlotPolicyStrict holds the slot across backoff for every item kind
	// and releases only on terminal success or exhaustion.
	SlotPolicyStrict
)

// Result is the terminal outcome of one work item.
type Result struct {
	OK  bool
	Err error
}

// Future resolves exactly once with the item's terminal outcome.
type Future <-chan Result

// ProcessMessagesFunc handles a message-check item for a group.
type ProcessMessagesFunc func(jid string) (bool, error)

// TaskFunc is the inline thunk carried by a task item.
type TaskFunc func() (bool, error)

type itemKind int

const (
	kindMessageCheck itemKind = iota
	kindTask
)

type workItem struct {
	kind     itemKind
	taskID   string
	fn       TaskFunc
	done     chan Result
	released bool
}

type groupState struct {
	jid           string
	folder        string
	proc          *exec.Cmd
	containerName string
	processing    bool
	items         []*workItem
}

// Queue schedules per-group work items. All state behind mu; the lock is
// never held across item execution or timers.
type Queue struct {
	mu          sync.Mutex
	cfg         *config.Config
	log         logging.Logger
	metrics     *metrics.Metrics
	groups      map[string]*groupState
	activeCount int

	processMessages ProcessMessagesFunc
	slotPolicy      SlotPolicy

	// retryBase is the first backoff step; production value is 5s.
	retryBase time.Duration
}

// New creates a Queue. processMessages handles message-check items and
// may be nil if only task items are enqueued. metrics may be nil.
func New(cfg *config.Config, log logging.Logger, m *metrics.Metrics, processMessages ProcessMessagesFunc) *Queue {
	return &Queue{
		cfg:             cfg,
		log:             log,
		metrics:         m,
		groups:          make(map[string]*groupState),
		processMessages: processMessages,
		slotPolicy:      SlotPolicyLegacy,
		retryBase:       5 * time.Second,
	}
}

// SetSlotPolicy switches the retry slot-release behavior. Call before
// any enqueue.
func (q *Queue) SetSlotPolicy(p SlotPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slotPolicy = p
}

func (q *Queue) group(jid string) *groupState {
	g, ok := q.groups[jid]
	if !ok {
		g = &groupState{jid: jid}
		q.groups[jid] = g
	}
	return g
}

// EnqueueMessageCheck appends a message-check item to the group's queue
// and returns its completion future.
func (q *Queue) EnqueueMessageCheck(jid string) (Future, error) {
	item := &workItem{kind: kindMessageCheck, done: make(chan Result, 1)}

	q.mu.Lock()
	g := q.group(jid)
	if q.cfg.MaxQueueDepth > 0 && len(g.items) >= q.cfg.MaxQueueDepth {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: group %s has %d pending items", ErrQueueFull, jid, q.cfg.MaxQueueDepth)
	}
	g.items = append(g.items, item)
	q.updateDepthLocked()
	q.mu.Unlock()

	q.drain()
	return item.done, nil
}

// EnqueueTask prepends a task item, giving it priority over pending
// message checks. Tasks enqueued later run before tasks enqueued earlier.
func (q *Queue) EnqueueTask(jid, taskID string, fn TaskFunc) (Future, error) {
	item := &workItem{kind: kindTask, taskID: taskID, fn: fn, done: make(chan Result, 1)}

	q.mu.Lock()
	g := q.group(jid)
	if q.cfg.MaxQueueDepth > 0 && len(g.items) >= q.cfg.MaxQueueDepth {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: group %s has %d pending items", ErrQueueFull, jid, q.cfg.MaxQueueDepth)
	}
	g.items = append([]*workItem{item}, g.items...)
	q.updateDepthLocked()
	q.mu.Unlock()

	q.drain()
	return item.done, nil
}

// drain dispatches at most one item: the first queued item of the first
// non-busy group, if the global cap allows. Completion re-drains.
func (q *Queue) drain() {
	q.mu.Lock()

	if q.activeCount >= q.cfg.MaxConcurrent {
		q.mu.Unlock()
		return
	}

	var g *groupState
	var item *workItem
	for _, cand := range q.groups {
		if !cand.processing && len(cand.items) > 0 {
			g = cand
			break
		}
	}
	if g == nil {
		q.mu.Unlock()
		return
	}

	item = g.items[0]
	g.items = g.items[1:]
	g.processing = true
	q.activeCount++
	q.updateDepthLocked()
	q.mu.Unlock()

	go q.process(g, item, 0)
}

// process runs one attempt of an item. attempt counts from zero.
func (q *Queue) process(g *groupState, item *workItem, attempt int) {
	ok, err := q.runItem(g, item)

	if err == nil {
		q.release(g, item)
		q.metrics.ItemResolved("success")
		item.done <- Result{OK: ok}
		return
	}

	if attempt < maxRetries {
		delay := q.retryBase << attempt
		q.log.Warn("work item failed, retrying",
			"jid", g.jid, "attempt", attempt, "delay", delay, "error", err)
		q.metrics.RetryScheduled()

		if q.shouldReleaseEarly(item) {
			q.release(g, item)
		}

		time.AfterFunc(delay, func() {
			q.process(g, item, attempt+1)
		})
		return
	}

	q.log.Error("work item failed permanently",
		"jid", g.jid, "attempts", attempt+1, "error", err)
	q.release(g, item)
	q.metrics.ItemResolved("failure")
	item.done <- Result{Err: err}
}

func (q *Queue) runItem(g *groupState, item *workItem) (bool, error) {
	if item.fn != nil {
		return item.fn()
	}
	if q.processMessages != nil {
		return q.processMessages(g.jid)
	}
	return false, errors.New("no processing function configured")
}

// shouldReleaseEarly reports whether a retrying item gives up its slot
// during backoff. Under the legacy policy, message checks do.
func (q *Queue) shouldReleaseEarly(item *workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.slotPolicy == SlotPolicyLegacy && item.fn == nil
}

// release frees the group slot once per item and re-drains.
func (q *Queue) release(g *groupState, item *workItem) {
	q.mu.Lock()
	if item.released {
		q.mu.Unlock()
		return
	}
	item.released = true
	g.processing = false
	g.proc = nil
	g.containerName = ""
	q.activeCount--
	q.mu.Unlock()

	q.drain()
}

// RegisterProcess attaches a live subprocess handle to a group. The
// runner invokes this through its OnProcess hook right after spawn.
func (q *Queue) RegisterProcess(jid string, proc *exec.Cmd, containerName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.group(jid)
	g.proc = proc
	g.containerName = containerName
	g.folder = folder
}

// SendMessage pushes text into the group's running container through its
// input mailbox. Returns false when the group has no active container.
func (q *Queue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	g, ok := q.groups[jid]
	var folder string
	hasProc := false
	if ok {
		folder = g.folder
		hasProc = g.proc != nil
	}
	q.mu.Unlock()

	if !hasProc || folder == "" {
		return false
	}

	entry := protocol.IpcInput{
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := ipc.Write(ipc.InputDir(q.cfg.DataDir, folder), entry, ""); err != nil {
		q.log.Error("failed to write input entry", "jid", jid, "error", err)
		return false
	}
	return true
}

// CloseContainer writes the close sentinel into the group's input
// mailbox, asking its container to exit cooperatively.
func (q *Queue) CloseContainer(jid string) {
	q.mu.Lock()
	g, ok := q.groups[jid]
	var folder string
	if ok {
		folder = g.folder
	}
	q.mu.Unlock()

	if folder == "" {
		return
	}

	if err := ipc.WriteClose(ipc.InputDir(q.cfg.DataDir, folder)); err != nil {
		q.log.Warn("failed to write close sentinel", "jid", jid, "error", err)
	}
}

// HasActiveContainer reports whether the group currently holds a live
// subprocess handle.
func (q *Queue) HasActiveContainer(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[jid]
	return ok && g.proc != nil
}

// Shutdown asks every live container to exit, waits for the grace
// period, then force-kills stragglers.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	live := make([]*groupState, 0, len(q.groups))
	for _, g := range q.groups {
		if g.proc != nil {
			live = append(live, g)
		}
	}
	q.mu.Unlock()

	for _, g := range live {
		if g.folder != "" {
			if err := ipc.WriteClose(ipc.InputDir(q.cfg.DataDir, g.folder)); err != nil {
				q.log.Warn("failed to write close sentinel", "jid", g.jid, "error", err)
			}
		}
	}

	time.Sleep(grace)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, g := range live {
		if g.proc != nil && g.proc.Process != nil && (g.proc.ProcessState == nil || !g.proc.ProcessState.Exited()) {
			q.log.Warn("force killing container", "jid", g.jid, "container", g.containerName)
			g.proc.Process.Kill()
		}
	}
}

// Statuses returns a snapshot of every known group's slot state.
func (q *Queue) Statuses() []protocol.GroupStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	statuses := make([]protocol.GroupStatus, 0, len(q.groups))
	for _, g := range q.groups {
		statuses = append(statuses, protocol.GroupStatus{
			JID:           g.jid,
			Folder:        g.folder,
			Processing:    g.processing,
			QueueDepth:    len(g.items),
			ContainerName: g.containerName,
			HasContainer:  g.proc != nil,
		})
	}
	return statuses
}

// ActiveCount returns the number of occupied slots.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

func (q *Queue) updateDepthLocked() {
	total := 0
	for _, g := range q.groups {
		total += len(g.items)
	}
	q.metrics.QueueDepthSet(total)
}
