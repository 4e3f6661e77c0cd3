package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jsclaw/jsclaw/internal/config"
)

// WriteTasksSnapshot writes the group's scheduled tasks as pretty JSON
// into its workspace root. Callers invoke it only while no container is
// running for the group, so a plain write is sufficient.
func WriteTasksSnapshot(folder string, tasks any, cfg *config.Config) error {
	dir := filepath.Join(cfg.GroupsDir, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create group workspace: %w", err)
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks snapshot: %w", err)
	}

	path := filepath.Join(dir, "current_tasks.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tasks snapshot: %w", err)
	}

	return nil
}
