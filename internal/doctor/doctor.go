// Package doctor runs pre-flight checks for the orchestrator host and
// cleans up agent containers left behind by a previous process.
package doctor

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/mounts"
	"github.com/jsclaw/jsclaw/internal/runner"
)

// CheckResult holds one validation outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

// Doctor collects check results for a configuration.
type Doctor struct {
	cfg     *config.Config
	results []CheckResult
	errors  int
}

// New creates a Doctor for the given configuration.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, results: make([]CheckResult, 0)}
}

// Results returns all check results.
func (d *Doctor) Results() []CheckResult {
	return d.results
}

// HasErrors reports whether any check failed.
func (d *Doctor) HasErrors() bool {
	return d.errors > 0
}

func (d *Doctor) pass(name, message string) {
	d.results = append(d.results, CheckResult{Name: name, Passed: true, Message: message})
}

func (d *Doctor) warn(name, message string) {
	d.results = append(d.results, CheckResult{Name: name, Passed: true, Message: message, Warning: true})
}

func (d *Doctor) fail(name, message string) {
	d.results = append(d.results, CheckResult{Name: name, Passed: false, Message: message})
	d.errors++
}

// RunChecks runs every host-side validation.
func (d *Doctor) RunChecks() {
	d.CheckRuntime()
	d.CheckDataDir()
	d.CheckGroupsDir()
	d.CheckAllowlist()
}

// CheckRuntime verifies the container runtime CLI is on PATH.
func (d *Doctor) CheckRuntime() {
	path, err := exec.LookPath(d.cfg.Runtime)
	if err != nil {
		d.fail("runtime", fmt.Sprintf("%s not found in PATH", d.cfg.Runtime))
		return
	}

	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		d.warn("runtime", fmt.Sprintf("found at %s but --version failed", path))
		return
	}

	d.pass("runtime", fmt.Sprintf("available: %s (%s)", path, firstLine(string(out))))
}

// CheckDataDir verifies the IPC data directory is creatable and writable.
func (d *Doctor) CheckDataDir() {
	d.checkWritableDir("data_dir", d.cfg.DataDir)
}

// CheckGroupsDir verifies the group workspace root is creatable and writable.
func (d *Doctor) CheckGroupsDir() {
	d.checkWritableDir("groups_dir", d.cfg.GroupsDir)
}

func (d *Doctor) checkWritableDir(name, dir string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		d.fail(name, fmt.Sprintf("cannot create %s: %v", dir, err))
		return
	}

	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.fail(name, fmt.Sprintf("%s is not writable: %v", dir, err))
		return
	}
	probe.Close()
	os.Remove(probe.Name())

	d.pass(name, dir)
}

// CheckAllowlist parses the mount allowlist when one is configured.
func (d *Doctor) CheckAllowlist() {
	if d.cfg.MountAllowlist == "" {
		d.warn("mount_allowlist", "not configured; all additional mounts will be rejected")
		return
	}

	list, err := mounts.LoadAllowlist(d.cfg.MountAllowlist)
	if err != nil {
		d.fail("mount_allowlist", err.Error())
		return
	}

	d.pass("mount_allowlist", fmt.Sprintf("%d allowed roots, %d blocked patterns",
		len(list.AllowedRoots), len(list.BlockedPatterns)))
}

// Orphans lists leftover agent containers. Only available on docker
// hosts; other runtimes return an explanatory error.
func (d *Doctor) Orphans() ([]OrphanInfo, error) {
	if d.cfg.Runtime != config.RuntimeDocker {
		return nil, fmt.Errorf("orphan inspection requires the docker runtime, have %s", d.cfg.Runtime)
	}

	cli, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return cli.ListOrphans(runner.ContainerNamePrefix)
}

// ReapOrphans force-removes every leftover agent container and returns
// the removed set.
func (d *Doctor) ReapOrphans() ([]OrphanInfo, error) {
	if d.cfg.Runtime != config.RuntimeDocker {
		return nil, fmt.Errorf("orphan reaping requires the docker runtime, have %s", d.cfg.Runtime)
	}

	cli, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	orphans, err := cli.ListOrphans(runner.ContainerNamePrefix)
	if err != nil {
		return nil, err
	}

	removed := make([]OrphanInfo, 0, len(orphans))
	for _, o := range orphans {
		if err := cli.RemoveOrphan(o.ID); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", o.Name, err)
		}
		removed = append(removed, o)
	}

	return removed, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
