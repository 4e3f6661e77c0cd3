// Package orchestrator wires the group queue, container runner, and IPC
// watcher into one facade and publishes lifecycle events.
package orchestrator

import (
	"encoding/json"
	"os/exec"
	"time"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/ipc"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/metrics"
	"github.com/jsclaw/jsclaw/internal/protocol"
	"github.com/jsclaw/jsclaw/internal/queue"
	"github.com/jsclaw/jsclaw/internal/runner"
)

// Collaborators are the external services the orchestrator is wired to:
// the chat adapter, the task store, and the group registry. The in-
// container agent and the delivery transports live behind them.
type Collaborators interface {
	// ProcessMessages resolves a message-check item for a group.
	ProcessMessages(jid string) (bool, error)

	// SendMessage delivers an outbound chat message.
	SendMessage(jid, text, sender string) error

	// OnTask handles a task-control directive emitted by a container.
	OnTask(taskType string, data json.RawMessage, sourceGroup string, isMain bool) error

	// RegisteredGroups returns the currently registered groups.
	RegisteredGroups() map[string]protocol.RegisteredGroup
}

// Orchestrator owns the queue, the runner, the watcher, and the event
// hub. Construct with New, then Start; Shutdown tears everything down.
type Orchestrator struct {
	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Metrics
	queue   *queue.Queue
	runner  *runner.Runner
	watcher *ipc.Watcher
	hub     *EventHub
}

// New wires an Orchestrator. metrics may be nil.
func New(cfg *config.Config, log logging.Logger, m *metrics.Metrics, collab Collaborators) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		log:     log,
		metrics: m,
		hub:     NewEventHub(),
	}

	o.queue = queue.New(cfg, log, m, collab.ProcessMessages)
	o.runner = runner.New(cfg, log, m)
	o.watcher = ipc.NewWatcher(cfg, log, m, collab)

	return o
}

// Start launches the IPC watcher.
func (o *Orchestrator) Start() error {
	return o.watcher.Start()
}

// Shutdown stops the watcher, asks every live container to exit, and
// force-kills stragglers after the grace period.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.hub.Publish(Event{Type: EventShutdown})
	o.watcher.Stop()
	o.queue.Shutdown(grace)

	// One final drain so entries written during the grace period are
	// not stranded.
	o.watcher.Tick()
	o.hub.Close()
}

// runHooks chains the queue registration handshake and event publishing
// in front of the caller's own hooks.
type runHooks struct {
	o     *Orchestrator
	group protocol.GroupConfig
	inner runner.Hooks
}

func (h *runHooks) OnProcess(cmd *exec.Cmd, containerName string) {
	h.o.queue.RegisterProcess(h.group.JID, cmd, containerName, h.group.Folder)
	h.o.hub.Publish(Event{
		Type:      EventContainerStarted,
		Group:     h.group.Folder,
		Container: containerName,
	})
	if h.inner != nil {
		h.inner.OnProcess(cmd, containerName)
	}
}

func (h *runHooks) OnOutput(output *protocol.ContainerOutput) error {
	h.o.hub.Publish(Event{
		Type:   EventContainerOutput,
		Group:  h.group.Folder,
		Detail: output,
	})
	if h.inner != nil {
		return h.inner.OnOutput(output)
	}
	return nil
}

// RunContainerAgent spawns a container for group, registering its live
// process with the queue so SendMessage can reach it mid-run, and
// returns the final ContainerOutput. hooks may be nil.
func (o *Orchestrator) RunContainerAgent(group protocol.GroupConfig, input protocol.ContainerInput, hooks runner.Hooks) (*protocol.ContainerOutput, error) {
	out, err := o.runner.Run(group, input, &runHooks{o: o, group: group, inner: hooks})

	detail := any(nil)
	if out != nil {
		detail = out.Status
	}
	o.hub.Publish(Event{
		Type:   EventContainerFinished,
		Group:  group.Folder,
		Detail: detail,
	})

	return out, err
}

// EnqueueMessageCheck queues a message-check item for the group.
func (o *Orchestrator) EnqueueMessageCheck(jid string) (queue.Future, error) {
	return o.queue.EnqueueMessageCheck(jid)
}

// EnqueueTask queues a priority task item for the group.
func (o *Orchestrator) EnqueueTask(jid, taskID string, fn queue.TaskFunc) (queue.Future, error) {
	return o.queue.EnqueueTask(jid, taskID, fn)
}

// SendMessage pushes a prompt into the group's running container.
func (o *Orchestrator) SendMessage(jid, text string) bool {
	return o.queue.SendMessage(jid, text)
}

// CloseContainer signals the group's container to exit cooperatively.
func (o *Orchestrator) CloseContainer(jid string) {
	o.queue.CloseContainer(jid)
}

// HasActiveContainer reports whether the group has a live container.
func (o *Orchestrator) HasActiveContainer(jid string) bool {
	return o.queue.HasActiveContainer(jid)
}

// WriteTasksSnapshot refreshes a group's current_tasks.json before the
// next spawn.
func (o *Orchestrator) WriteTasksSnapshot(folder string, tasks any) error {
	return runner.WriteTasksSnapshot(folder, tasks, o.cfg)
}

// GroupStatuses snapshots every known group's queue slot.
func (o *Orchestrator) GroupStatuses() []protocol.GroupStatus {
	return o.queue.Statuses()
}

// Queue exposes the underlying queue for callers that drive it directly.
func (o *Orchestrator) Queue() *queue.Queue {
	return o.queue
}

// Events exposes the event hub for admin subscribers.
func (o *Orchestrator) Events() *EventHub {
	return o.hub
}

// Metrics exposes the collector set, possibly nil.
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}
