package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/metrics"
	"github.com/jsclaw/jsclaw/internal/protocol"
)

// Collaborators are the external services the watcher relays mailbox
// entries to. Implementations are provided by the embedding application.
type Collaborators interface {
	// SendMessage delivers an outbound chat message.
	SendMessage(jid, text, sender string) error

	// OnTask handles a task-control directive emitted by a container.
	OnTask(taskType string, data json.RawMessage, sourceGroup string, isMain bool) error

	// RegisteredGroups returns the currently registered groups, keyed by
	// folder or jid.
	RegisteredGroups() map[string]protocol.RegisteredGroup
}

// Watcher periodically drains every registered group's outbound
// mailboxes and dispatches the entries. Run one watcher per data
// directory; concurrent watchers would race over drained entries.
type Watcher struct {
	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Metrics
	collab  Collaborators

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
}

// NewWatcher creates a Watcher. metrics may be nil.
func NewWatcher(cfg *config.Config, log logging.Logger, m *metrics.Metrics, collab Collaborators) *Watcher {
	return &Watcher{cfg: cfg, log: log, metrics: m, collab: collab}
}

// Start runs one tick immediately, then one per poll interval, until
// Stop is called. Starting twice is an error.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("ipc watcher already started")
	}
	w.started = true
	w.stopCh = make(chan struct{})

	go w.run(w.stopCh)
	return nil
}

// Stop cancels the ticker. It does not wait for an in-flight tick.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
}

func (w *Watcher) run(stopCh <-chan struct{}) {
	w.Tick()

	ticker := time.NewTicker(w.cfg.IPCPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick drains every registered group's messages and tasks mailboxes
// once. Exported so callers can force a drain in tests and at shutdown.
func (w *Watcher) Tick() {
	groups := w.collab.RegisteredGroups()

	byFolder := make(map[string]protocol.RegisteredGroup, len(groups))
	for _, g := range groups {
		if g.Folder != "" {
			byFolder[g.Folder] = g
		}
	}

	ipcRoot := GroupDir(w.cfg.DataDir, "")
	dirEntries, err := os.ReadDir(ipcRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("failed to list ipc root", "dir", ipcRoot, "error", err)
		}
		return
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		group, ok := byFolder[de.Name()]
		if !ok {
			continue
		}
		w.drainMessages(group)
		w.drainTasks(group)
	}
}

func (w *Watcher) drainMessages(group protocol.RegisteredGroup) {
	dir := MessagesDir(w.cfg.DataDir, group.Folder)
	entries, err := Drain(dir, nil)
	if err != nil {
		w.log.Warn("failed to drain messages", "group", group.Folder, "error", err)
		return
	}

	for _, entry := range entries {
		var msg protocol.IpcMessage
		if err := json.Unmarshal(entry.Data, &msg); err != nil {
			w.log.Warn("malformed message entry", "group", group.Folder, "file", entry.Name, "error", err)
			w.metrics.EntrySkipped()
			continue
		}

		if msg.Text == "" {
			w.log.Warn("message entry without text", "group", group.Folder, "file", entry.Name)
			w.metrics.EntrySkipped()
			continue
		}

		target := msg.Target()
		if target == "" {
			target = group.JID
		}

		// Cross-group isolation: only the main group may address other
		// groups.
		if !group.Main() && msg.Target() != "" && msg.Target() != group.JID {
			w.log.Warn("blocked cross-group message",
				"group", group.Folder, "target", msg.Target(), "file", entry.Name)
			w.metrics.EntrySkipped()
			continue
		}

		if err := w.collab.SendMessage(target, msg.Text, msg.Sender); err != nil {
			w.log.Error("failed to dispatch message",
				"group", group.Folder, "target", target, "file", entry.Name, "error", err)
			Quarantine(dir, entry)
			w.metrics.EntryQuarantined()
			continue
		}
		w.metrics.MessageDispatched()
	}
}

func (w *Watcher) drainTasks(group protocol.RegisteredGroup) {
	dir := TasksDir(w.cfg.DataDir, group.Folder)
	entries, err := Drain(dir, nil)
	if err != nil {
		w.log.Warn("failed to drain tasks", "group", group.Folder, "error", err)
		return
	}

	for _, entry := range entries {
		var task protocol.IpcTask
		if err := json.Unmarshal(entry.Data, &task); err != nil {
			w.log.Warn("malformed task entry", "group", group.Folder, "file", entry.Name, "error", err)
			w.metrics.EntrySkipped()
			continue
		}

		if task.Type == "" {
			w.log.Warn("task entry without type", "group", group.Folder, "file", entry.Name)
			w.metrics.EntrySkipped()
			continue
		}
		if !protocol.KnownTaskType(task.Type) {
			w.log.Warn("unknown task type", "group", group.Folder, "type", task.Type, "file", entry.Name)
			Quarantine(dir, entry)
			w.metrics.EntryQuarantined()
			continue
		}

		if err := w.collab.OnTask(task.Type, task.Payload(), group.Folder, group.Main()); err != nil {
			w.log.Error("failed to dispatch task",
				"group", group.Folder, "type", task.Type, "file", entry.Name, "error", err)
			Quarantine(dir, entry)
			w.metrics.EntryQuarantined()
			continue
		}
		w.metrics.TaskDispatched()
	}
}
