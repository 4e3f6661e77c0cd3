package orchestrator

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/ipc"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/protocol"
)

type fakeCollaborators struct {
	mu       sync.Mutex
	groups   map[string]protocol.RegisteredGroup
	messages []string
}

func (f *fakeCollaborators) ProcessMessages(jid string) (bool, error) {
	return true, nil
}

func (f *fakeCollaborators) SendMessage(jid, text, sender string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, jid+":"+text)
	return nil
}

func (f *fakeCollaborators) OnTask(taskType string, data json.RawMessage, sourceGroup string, isMain bool) error {
	return nil
}

func (f *fakeCollaborators) RegisteredGroups() map[string]protocol.RegisteredGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups
}

func fakeRuntime(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runtime")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testOrchestrator(t *testing.T, script string) (*Orchestrator, *fakeCollaborators, *config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.GroupsDir = filepath.Join(t.TempDir(), "groups")
	cfg.IPCPollInterval = 10 * time.Millisecond
	cfg.ContainerTimeout = 5 * time.Second
	if script != "" {
		cfg.Runtime = fakeRuntime(t, script)
	}

	collab := &fakeCollaborators{groups: map[string]protocol.RegisteredGroup{}}
	o := New(cfg, logging.Discard(), nil, collab)
	return o, collab, cfg
}

const successFrame = `printf '%s\n' '---JSCLAW_OUTPUT_START---' '{"status":"success","result":"ok","new_session_id":"s1"}' '---JSCLAW_OUTPUT_END---'`

type captureHooks struct {
	mu        sync.Mutex
	active    bool
	container string
	outputs   []*protocol.ContainerOutput
	o         *Orchestrator
	jid       string
}

func (h *captureHooks) OnProcess(cmd *exec.Cmd, containerName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.container = containerName
	// The queue registration happens before the caller's hook fires.
	h.active = h.o.HasActiveContainer(h.jid)
}

func (h *captureHooks) OnOutput(output *protocol.ContainerOutput) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputs = append(h.outputs, output)
	return nil
}

// S1 at the facade level: the container's framed output becomes the
// final resolution and the live process is registered with the queue
// before any output arrives.
func TestRunContainerAgent(t *testing.T) {
	o, _, _ := testOrchestrator(t, "cat > /dev/null\n"+successFrame)

	hooks := &captureHooks{o: o, jid: "c1"}
	out, err := o.RunContainerAgent(
		protocol.GroupConfig{JID: "c1", Folder: "g1", IsMain: true},
		protocol.ContainerInput{Prompt: "hi", GroupFolder: "g1", ChatJID: "c1", IsMain: true},
		hooks)
	if err != nil {
		t.Fatalf("RunContainerAgent() error: %v", err)
	}

	if out.Status != "success" || out.Result == nil || *out.Result != "ok" || out.NewSessionID != "s1" {
		t.Errorf("output = %+v", out)
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if !hooks.active {
		t.Error("process was not registered with the queue before OnProcess")
	}
	if len(hooks.outputs) != 1 {
		t.Errorf("OnOutput fired %d times, want 1", len(hooks.outputs))
	}
}

func TestRunContainerAgentPublishesEvents(t *testing.T) {
	o, _, _ := testOrchestrator(t, "cat > /dev/null\n"+successFrame)

	client := o.Events().Subscribe()
	defer o.Events().Unsubscribe(client)

	if _, err := o.RunContainerAgent(
		protocol.GroupConfig{JID: "c1", Folder: "g1"},
		protocol.ContainerInput{Prompt: "hi"}, nil); err != nil {
		t.Fatal(err)
	}

	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 3 {
		select {
		case ev := <-client.C():
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("events so far: %v", types)
		}
	}

	want := []string{EventContainerStarted, EventContainerOutput, EventContainerFinished}
	for i, wt := range want {
		if types[i] != wt {
			t.Fatalf("event order = %v, want %v", types, want)
		}
	}
}

// The watcher relays a message a "container" drops into its mailbox
// while the orchestrator is running.
func TestWatcherRelaysContainerMessages(t *testing.T) {
	o, collab, cfg := testOrchestrator(t, "")

	collab.mu.Lock()
	collab.groups["g1"] = protocol.RegisteredGroup{JID: "j1", Folder: "g1"}
	collab.mu.Unlock()
	if err := ipc.EnsureGroupDirs(cfg.DataDir, "g1"); err != nil {
		t.Fatal(err)
	}

	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Shutdown(10 * time.Millisecond)

	if _, err := ipc.Write(ipc.MessagesDir(cfg.DataDir, "g1"),
		protocol.IpcMessage{Text: "from container"}, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		collab.mu.Lock()
		n := len(collab.messages)
		collab.mu.Unlock()
		if n == 1 {
			collab.mu.Lock()
			got := collab.messages[0]
			collab.mu.Unlock()
			if got != "j1:from container" {
				t.Errorf("relayed = %q", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message never relayed")
}

func TestEnqueuePassthrough(t *testing.T) {
	o, _, _ := testOrchestrator(t, "")

	f, err := o.EnqueueMessageCheck("j1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-f:
		if r.Err != nil || !r.OK {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message check never resolved")
	}

	ran := false
	f, err = o.EnqueueTask("j1", "T1", func() (bool, error) {
		ran = true
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-f:
	case <-time.After(2 * time.Second):
		t.Fatal("task never resolved")
	}
	if !ran {
		t.Error("task thunk did not run")
	}
}

func TestEventHubDropsWhenSlow(t *testing.T) {
	hub := NewEventHub()
	client := hub.Subscribe()
	defer hub.Unsubscribe(client)

	// Overflow the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(Event{Type: EventQueueRetry})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestEventHubClose(t *testing.T) {
	hub := NewEventHub()
	client := hub.Subscribe()

	hub.Close()

	if _, ok := <-client.C(); ok {
		t.Error("channel should be closed after hub Close")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d", hub.ClientCount())
	}

	// Subscribing after close yields a closed channel, not a hang.
	late := hub.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("late subscription should be closed immediately")
	}
}
