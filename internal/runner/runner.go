// Package runner owns one container subprocess lifetime: argument
// construction, spawn, stdin handoff, stdout framing, idle timeout, and
// termination.
package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/ipc"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/metrics"
	"github.com/jsclaw/jsclaw/internal/mounts"
	"github.com/jsclaw/jsclaw/internal/protocol"
)

// ContainerNamePrefix is the name prefix every spawned container carries.
const ContainerNamePrefix = "jsclaw-"

const stderrSampleSize = 500

// Hooks is the inversion-of-control pair handed to Run. OnProcess fires
// once, synchronously, right after a successful spawn so the caller can
// register the live handle; OnOutput fires for every parsed output frame,
// serially and in stdout order. An OnOutput error is logged, never
// propagated.
type Hooks interface {
	OnProcess(cmd *exec.Cmd, containerName string)
	OnOutput(output *protocol.ContainerOutput) error
}

// Runner spawns and supervises agent containers through the configured
// runtime CLI.
type Runner struct {
	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Metrics
}

// New creates a Runner. metrics may be nil.
func New(cfg *config.Config, log logging.Logger, m *metrics.Metrics) *Runner {
	return &Runner{cfg: cfg, log: log, metrics: m}
}

// runState tracks the mutable state of one container run. Its mutex is
// never held across subprocess I/O or hook invocations.
type runState struct {
	mu         sync.Mutex
	lastOutput *protocol.ContainerOutput
	timedOut   bool
	oversized  bool
	stderrTail []byte
	idleTimer  *time.Timer
}

func (s *runState) snapshot() (last *protocol.ContainerOutput, timedOut, oversized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutput, s.timedOut, s.oversized
}

// BuildArgs constructs the runtime argv for a group's container, minus
// the runtime binary itself. Mount order is fixed: group workspace, the
// three mailboxes, then the group's extra mounts; the image comes last.
// BuildArgs does not validate the extra mounts; Run does before calling it.
func (r *Runner) BuildArgs(group protocol.GroupConfig, containerName string) []string {
	args := []string{"run", "-i", "--rm", "--name", containerName}

	for _, kv := range envPairs(r.cfg.ContainerEnv) {
		args = append(args, "-e", kv)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		args = append(args, "-e", "ANTHROPIC_API_KEY="+key)
	}

	groupDir := filepath.Join(r.cfg.GroupsDir, group.Folder)
	args = append(args,
		"-v", groupDir+":/workspace/group",
		"-v", ipc.MessagesDir(r.cfg.DataDir, group.Folder)+":/workspace/ipc/messages",
		"-v", ipc.TasksDir(r.cfg.DataDir, group.Folder)+":/workspace/ipc/tasks",
		"-v", ipc.InputDir(r.cfg.DataDir, group.Folder)+":/workspace/ipc/input",
	)

	for _, m := range group.Mounts {
		if m.ReadOnly {
			args = append(args, "--mount",
				fmt.Sprintf("type=bind,source=%s,target=%s,readonly", m.HostPath, m.ContainerPath))
		} else {
			args = append(args, "-v", m.HostPath+":"+m.ContainerPath)
		}
	}

	args = append(args, r.cfg.ContainerImage)
	return args
}

// Run spawns a container for group, feeds it input on stdin, and blocks
// until the container resolves. An error is returned only when no
// container was spawned: mount rejection, workspace or mailbox setup
// failure, or spawn failure. Once spawned, every failure mode comes back
// as a ContainerOutput with error status. hooks may be nil.
func (r *Runner) Run(group protocol.GroupConfig, input protocol.ContainerInput, hooks Hooks) (*protocol.ContainerOutput, error) {
	if len(group.Mounts) > 0 {
		res := mounts.ValidateMounts(group.Mounts, group.Folder, group.IsMain, r.cfg.MountAllowlist)
		if !res.Valid {
			return nil, fmt.Errorf("mount validation failed for group %s: %s",
				group.Folder, strings.Join(res.Errors, "; "))
		}
	}

	containerName := fmt.Sprintf("%s%s-%d", ContainerNamePrefix, group.Folder, time.Now().UnixMilli())

	if err := os.MkdirAll(filepath.Join(r.cfg.GroupsDir, group.Folder), 0755); err != nil {
		return nil, fmt.Errorf("failed to create group workspace: %w", err)
	}
	if err := ipc.EnsureGroupDirs(r.cfg.DataDir, group.Folder); err != nil {
		return nil, fmt.Errorf("failed to create group mailboxes: %w", err)
	}

	args := r.BuildArgs(group, containerName)
	cmd := exec.Command(r.cfg.Runtime, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to spawn container: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to spawn container: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to spawn container: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.metrics.ContainerSpawnFailed()
		return nil, fmt.Errorf("unable to spawn container runtime %q: %w", r.cfg.Runtime, err)
	}

	r.log.Info("container started",
		"container", containerName, "group", group.Folder, "runtime", r.cfg.Runtime)
	r.metrics.ContainerStarted()

	if hooks != nil {
		hooks.OnProcess(cmd, containerName)
	}

	go func() {
		defer stdin.Close()
		data, err := json.Marshal(input)
		if err != nil {
			r.log.Error("failed to marshal container input", "container", containerName, "error", err)
			return
		}
		if _, err := stdin.Write(data); err != nil {
			r.log.Warn("failed to write container input", "container", containerName, "error", err)
		}
	}()

	state := &runState{}
	state.idleTimer = time.AfterFunc(r.cfg.ContainerTimeout, func() {
		state.mu.Lock()
		state.timedOut = true
		state.mu.Unlock()
		r.log.Warn("container idle timeout",
			"container", containerName, "timeout", r.cfg.ContainerTimeout)
		go r.stopContainer(containerName)
	})
	defer state.idleTimer.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.consumeStdout(stdout, state, hooks, containerName)
	}()
	go func() {
		defer wg.Done()
		r.consumeStderr(stderr, state)
	}()

	wg.Wait()
	err = cmd.Wait()
	state.idleTimer.Stop()

	exitCode := 0
	if err != nil {
		exitCode = 1
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() > 0 {
			exitCode = cmd.ProcessState.ExitCode()
		}
	}

	output := r.resolve(state, exitCode)
	r.metrics.ContainerFinished(output.Status)
	r.log.Info("container finished",
		"container", containerName, "status", output.Status, "exit_code", exitCode)
	return output, nil
}

// consumeStdout feeds the frame parser, resets the idle timer per output,
// and enforces the output-size ceiling on unframed buffer growth.
func (r *Runner) consumeStdout(stdout io.Reader, state *runState, hooks Hooks, containerName string) {
	parser := &frameParser{}
	buf := make([]byte, 32*1024)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			outputs := parser.feed(buf[:n])
			for _, out := range outputs {
				r.metrics.FrameParsed(out.Status == "error" && strings.HasPrefix(out.Error, "Failed to parse output"))

				state.mu.Lock()
				state.lastOutput = out
				state.idleTimer.Reset(r.cfg.ContainerTimeout)
				state.mu.Unlock()

				if hooks != nil {
					if cbErr := hooks.OnOutput(out); cbErr != nil {
						r.log.Error("output callback failed",
							"container", containerName, "error", cbErr)
					}
				}
			}

			if parser.size() > r.cfg.MaxOutputSize {
				state.mu.Lock()
				already := state.oversized
				state.oversized = true
				state.mu.Unlock()
				if !already {
					r.log.Warn("container output exceeded limit",
						"container", containerName, "limit", r.cfg.MaxOutputSize)
					go r.stopContainer(containerName)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// consumeStderr keeps a rolling tail of stderr for failure messages.
func (r *Runner) consumeStderr(stderr io.Reader, state *runState) {
	limit := r.cfg.MaxOutputSize / 2
	if limit < stderrSampleSize {
		limit = stderrSampleSize
	}
	buf := make([]byte, 8*1024)

	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			state.mu.Lock()
			state.stderrTail = append(state.stderrTail, buf[:n]...)
			if len(state.stderrTail) > limit {
				state.stderrTail = state.stderrTail[len(state.stderrTail)-limit:]
			}
			state.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// resolve maps the run's end state to the final ContainerOutput.
func (r *Runner) resolve(state *runState, exitCode int) *protocol.ContainerOutput {
	last, timedOut, oversized := state.snapshot()

	if timedOut {
		out := &protocol.ContainerOutput{
			Status: "error",
			Error:  fmt.Sprintf("Container timed out after %dms", r.cfg.ContainerTimeout.Milliseconds()),
		}
		if last != nil {
			out.Result = last.Result
			out.NewSessionID = last.NewSessionID
		}
		return out
	}

	if oversized {
		out := &protocol.ContainerOutput{
			Status: "error",
			Error: fmt.Sprintf("Container output exceeded %d bytes. stderr: %s",
				r.cfg.MaxOutputSize, state.stderrSample()),
		}
		if last != nil {
			out.Result = last.Result
			out.NewSessionID = last.NewSessionID
		}
		return out
	}

	if last != nil {
		return last
	}

	if exitCode == 0 {
		return &protocol.ContainerOutput{Status: "success", Result: nil}
	}

	return &protocol.ContainerOutput{
		Status: "error",
		Error:  fmt.Sprintf("Container exited with code %d. stderr: %s", exitCode, state.stderrSample()),
	}
}

func (s *runState) stderrSample() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.stderrTail
	if len(tail) > stderrSampleSize {
		tail = tail[len(tail)-stderrSampleSize:]
	}
	return string(tail)
}

// stopContainer asks the runtime to stop the container, falling back to
// kill when stop fails.
func (r *Runner) stopContainer(name string) {
	if err := exec.Command(r.cfg.Runtime, "stop", name).Run(); err != nil {
		r.log.Warn("container stop failed, killing", "container", name, "error", err)
		if err := exec.Command(r.cfg.Runtime, "kill", name).Run(); err != nil {
			r.log.Error("container kill failed", "container", name, "error", err)
		}
	}
}

func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
