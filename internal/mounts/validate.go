// Package mounts gates user-supplied bind mounts behind a declarative
// allowlist. A mount is admitted only when its resolved host path sits
// under an allowed root and matches no blocked pattern.
package mounts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsclaw/jsclaw/internal/protocol"
)

// Allowlist is the on-disk mount policy.
type Allowlist struct {
	AllowedRoots    []string `json:"allowed_roots"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
}

// Result reports the outcome of validating a group's mount set. Policy
// rejections are carried in Errors, never as a Go error.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// blockedPatterns are substrings of resolved host paths that are never
// mountable regardless of the allowlist; they cover common credential
// and agent-state locations.
var blockedPatterns = []string{
	".ssh",
	".gnupg",
	".gpg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	".env",
	"private_key",
	"id_rsa",
	"id_ed25519",
	"credentials",
	"secrets",
	".npmrc",
	".pypirc",
}

// LoadAllowlist reads and checks the allowlist file at path.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount allowlist: %w", err)
	}

	var list Allowlist
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse mount allowlist: %w", err)
	}

	if len(list.AllowedRoots) == 0 {
		return nil, fmt.Errorf("mount allowlist has no allowed_roots")
	}

	return &list, nil
}

// ValidateMounts checks a group's declared mounts against the allowlist
// at allowlistPath. With no mounts the result is trivially valid; with
// mounts but no allowlist configured, every mount is blocked. isMain is
// accepted for future differential policy and currently changes nothing.
func ValidateMounts(mounts []protocol.Mount, groupName string, isMain bool, allowlistPath string) Result {
	if len(mounts) == 0 {
		return Result{Valid: true}
	}

	if allowlistPath == "" {
		return Result{
			Valid:  false,
			Errors: []string{fmt.Sprintf("group %s declares mounts but no mount allowlist is configured; all additional mounts are blocked", groupName)},
		}
	}

	list, err := LoadAllowlist(allowlistPath)
	if err != nil {
		return Result{
			Valid:  false,
			Errors: []string{fmt.Sprintf("mount allowlist unusable: %v", err)},
		}
	}

	roots := make([]string, 0, len(list.AllowedRoots))
	for _, root := range list.AllowedRoots {
		resolved, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if r, err := filepath.EvalSymlinks(resolved); err == nil {
			resolved = r
		}
		roots = append(roots, resolved)
	}

	var errs []string
	for _, m := range mounts {
		if err := checkMount(m, roots, list.BlockedPatterns); err != nil {
			errs = append(errs, err.Error())
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkMount(m protocol.Mount, roots []string, extraBlocked []string) error {
	if !strings.HasPrefix(m.ContainerPath, "/") {
		return fmt.Errorf("container path %q must be absolute", m.ContainerPath)
	}
	if strings.Contains(m.ContainerPath, "..") {
		return fmt.Errorf("container path %q must not contain '..'", m.ContainerPath)
	}

	resolved, err := filepath.EvalSymlinks(m.HostPath)
	if err != nil {
		return fmt.Errorf("host path %q does not exist or cannot be resolved", m.HostPath)
	}

	lower := strings.ToLower(resolved)
	for _, pattern := range blockedPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("host path %q matches blocked pattern %q", resolved, pattern)
		}
	}
	for _, pattern := range extraBlocked {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return fmt.Errorf("host path %q matches blocked pattern %q", resolved, pattern)
		}
	}

	for _, root := range roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("host path %q is outside all allowed roots", resolved)
}
