// Package ipc implements the filesystem mailbox protocol shared between
// the host and its agent containers. Each mailbox is a directory of JSON
// files published with a temp-then-rename discipline so readers never see
// a partial write.
package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jsclaw/jsclaw/internal/protocol"
)

// Entry is one drained mailbox file: its filename and raw JSON content.
type Entry struct {
	Name string
	Data json.RawMessage
}

// Filter decides whether a filename is drained. A nil filter accepts all.
type Filter func(name string) bool

// Write atomically publishes obj as a JSON file in dir and returns the
// final path. The filename is prefix, then the epoch milliseconds plus a
// random suffix, so lexicographic order among entries with the same
// prefix tracks creation order.
func Write(dir string, obj any, prefix string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create mailbox dir: %w", err)
	}

	name := prefix + fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), randomSuffix())

	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}

	tmpPath := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp entry: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to publish entry: %w", err)
	}

	return finalPath, nil
}

// Read parses the JSON file at path into v. It returns false on any
// failure; callers are expected to tolerate missing or malformed entries.
func Read(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false
	}
	return true
}

// Drain consumes dir's finalized entries in ascending filename order.
// Dotfiles, non-.json files, and names rejected by filter are ignored.
// An entry that cannot be read or parsed is left in place for a later
// drain; an entry that was read but cannot be deleted is still returned.
// A missing dir yields an empty slice.
func Drain(dir string, filter Filter) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list mailbox: %w", err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if filter != nil && !filter(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)

		var raw json.RawMessage
		if !Read(path, &raw) {
			continue
		}

		// Best-effort cleanup: keep the entry even if the delete fails.
		os.Remove(path)

		entries = append(entries, Entry{Name: name, Data: raw})
	}

	return entries, nil
}

// WriteClose drops the close sentinel into dir, signaling the container
// draining that mailbox to exit cooperatively.
func WriteClose(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create mailbox dir: %w", err)
	}
	path := filepath.Join(dir, protocol.CloseSentinel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to write close sentinel: %w", err)
	}
	return f.Close()
}

// GroupDir returns the mailbox root for a group folder.
func GroupDir(dataDir, folder string) string {
	return filepath.Join(dataDir, "ipc", folder)
}

// MessagesDir returns a group's container-to-host messages mailbox.
func MessagesDir(dataDir, folder string) string {
	return filepath.Join(GroupDir(dataDir, folder), "messages")
}

// TasksDir returns a group's container-to-host task directive mailbox.
func TasksDir(dataDir, folder string) string {
	return filepath.Join(GroupDir(dataDir, folder), "tasks")
}

// InputDir returns a group's host-to-container input mailbox.
func InputDir(dataDir, folder string) string {
	return filepath.Join(GroupDir(dataDir, folder), "input")
}

// EnsureGroupDirs creates the full mailbox tree for a group.
func EnsureGroupDirs(dataDir, folder string) error {
	for _, dir := range []string{
		MessagesDir(dataDir, folder),
		TasksDir(dataDir, folder),
		InputDir(dataDir, folder),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Quarantine preserves a rejected entry in an errors/ sibling of its
// mailbox. The drained original is already gone, so the entry content is
// rewritten from the bytes in hand. Best effort; the caller has already
// logged the failure.
func Quarantine(dir string, entry Entry) {
	errDir := filepath.Join(dir, "errors")
	if err := os.MkdirAll(errDir, 0755); err != nil {
		return
	}
	os.WriteFile(filepath.Join(errDir, entry.Name), entry.Data, 0644)
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
