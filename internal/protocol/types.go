package protocol

import "encoding/json"

// Output frame markers emitted by the in-container agent on stdout.
const (
	OutputStartMarker = "---JSCLAW_OUTPUT_START---"
	OutputEndMarker   = "---JSCLAW_OUTPUT_END---"
)

// CloseSentinel is the filename a container watches for in its input
// mailbox as a cooperative exit signal.
const CloseSentinel = "_close"

// ContainerInput is the one-shot JSON document written to a container's stdin.
type ContainerInput struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"session_id,omitempty"`
	GroupFolder     string `json:"group_folder"`
	ChatJID         string `json:"chat_jid"`
	IsMain          bool   `json:"is_main"`
	IsScheduledTask bool   `json:"is_scheduled_task,omitempty"`
}

// ContainerOutput is one sentinel-framed result blob from a container.
type ContainerOutput struct {
	Status       string  `json:"status"` // "success" or "error"
	Result       *string `json:"result"`
	NewSessionID string  `json:"new_session_id,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Success reports whether the output carries a success status.
func (o *ContainerOutput) Success() bool {
	return o.Status == "success"
}

// IpcMessage is an outbound chat message dropped by a container into its
// messages mailbox. TargetJID may arrive under either key spelling; use
// Target to resolve it.
type IpcMessage struct {
	Text           string `json:"text"`
	TargetJID      string `json:"targetJid,omitempty"`
	TargetJIDSnake string `json:"target_jid,omitempty"`
	Sender         string `json:"sender,omitempty"`
	SourceGroup    string `json:"source_group,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Target returns the explicit target jid, preferring the camelCase key.
func (m *IpcMessage) Target() string {
	if m.TargetJID != "" {
		return m.TargetJID
	}
	return m.TargetJIDSnake
}

// Task directive types a container may emit into its tasks mailbox.
const (
	TaskSchedule = "schedule_task"
	TaskPause    = "pause_task"
	TaskResume   = "resume_task"
	TaskCancel   = "cancel_task"
)

// KnownTaskType reports whether typ is one of the closed task directive set.
func KnownTaskType(typ string) bool {
	switch typ {
	case TaskSchedule, TaskPause, TaskResume, TaskCancel:
		return true
	}
	return false
}

// IpcTask is a task-control directive dropped by a container into its
// tasks mailbox. Data may either be the payload itself or wrap it under
// a "data" key; Payload unwraps it.
type IpcTask struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	SourceGroup string          `json:"source_group,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

// Payload returns the directive payload, unwrapping a nested "data" key
// when present.
func (t *IpcTask) Payload() json.RawMessage {
	if len(t.Data) == 0 {
		return nil
	}
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(t.Data, &wrapper); err == nil && len(wrapper.Data) > 0 {
		return wrapper.Data
	}
	return t.Data
}

// IpcInput is a host-written entry in a container's input mailbox.
type IpcInput struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Mount is a user-declared additional bind mount for a group's container.
type Mount struct {
	HostPath      string `json:"host_path" yaml:"host_path"`
	ContainerPath string `json:"container_path" yaml:"container_path"`
	ReadOnly      bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// GroupConfig identifies one group and its container-facing settings.
type GroupConfig struct {
	JID    string  `json:"jid"`
	Name   string  `json:"name,omitempty"`
	Folder string  `json:"folder"`
	IsMain bool    `json:"is_main,omitempty"`
	Mounts []Mount `json:"mounts,omitempty"`
}

// RegisteredGroup is the watcher-facing registration record for a group.
type RegisteredGroup struct {
	JID             string `json:"jid"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder"`
	IsMain          bool   `json:"is_main,omitempty"`
	TriggerPattern  string `json:"trigger_pattern,omitempty"`
	RequiresTrigger bool   `json:"requires_trigger,omitempty"`
}

// Main reports whether the group is the main group. The folder name
// "main" is kept as a fallback heuristic for registrations that predate
// the explicit flag.
func (g *RegisteredGroup) Main() bool {
	return g.IsMain || g.Folder == "main"
}

// GroupStatus is a point-in-time snapshot of one group's queue slot,
// served by the admin API.
type GroupStatus struct {
	JID           string `json:"jid"`
	Folder        string `json:"folder"`
	Processing    bool   `json:"processing"`
	QueueDepth    int    `json:"queue_depth"`
	ContainerName string `json:"container_name,omitempty"`
	HasContainer  bool   `json:"has_container"`
}
