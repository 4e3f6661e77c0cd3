package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jsclaw/jsclaw/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.GroupsDir = filepath.Join(t.TempDir(), "groups")
	return cfg
}

func resultByName(results []CheckResult, name string) *CheckResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestCheckRuntimeMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime = "definitely-not-a-runtime"

	d := New(cfg)
	d.CheckRuntime()

	r := resultByName(d.Results(), "runtime")
	if r == nil || r.Passed {
		t.Errorf("missing runtime should fail, got %+v", r)
	}
	if !d.HasErrors() {
		t.Error("HasErrors() should be true")
	}
}

func TestCheckDirs(t *testing.T) {
	cfg := testConfig(t)

	d := New(cfg)
	d.CheckDataDir()
	d.CheckGroupsDir()

	for _, name := range []string{"data_dir", "groups_dir"} {
		r := resultByName(d.Results(), name)
		if r == nil || !r.Passed {
			t.Errorf("%s check = %+v", name, r)
		}
	}

	// The probe file must not be left behind.
	entries, _ := os.ReadDir(cfg.DataDir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".doctor-") {
			t.Errorf("probe file left behind: %s", e.Name())
		}
	}
}

func TestCheckAllowlistUnconfigured(t *testing.T) {
	cfg := testConfig(t)

	d := New(cfg)
	d.CheckAllowlist()

	r := resultByName(d.Results(), "mount_allowlist")
	if r == nil || !r.Passed || !r.Warning {
		t.Errorf("unconfigured allowlist should warn, got %+v", r)
	}
	if d.HasErrors() {
		t.Error("warning must not count as an error")
	}
}

func TestCheckAllowlistValid(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "allow.json")
	os.WriteFile(path, []byte(`{"allowed_roots":["/srv"],"blocked_patterns":["internal"]}`), 0644)
	cfg.MountAllowlist = path

	d := New(cfg)
	d.CheckAllowlist()

	r := resultByName(d.Results(), "mount_allowlist")
	if r == nil || !r.Passed || r.Warning {
		t.Errorf("valid allowlist check = %+v", r)
	}
	if !strings.Contains(r.Message, "1 allowed roots") {
		t.Errorf("message = %q", r.Message)
	}
}

func TestCheckAllowlistBroken(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "allow.json")
	os.WriteFile(path, []byte(`{"allowed_roots":[]}`), 0644)
	cfg.MountAllowlist = path

	d := New(cfg)
	d.CheckAllowlist()

	r := resultByName(d.Results(), "mount_allowlist")
	if r == nil || r.Passed {
		t.Errorf("empty allowlist should fail, got %+v", r)
	}
}

func TestOrphansRequireDocker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime = config.RuntimePodman

	d := New(cfg)
	if _, err := d.Orphans(); err == nil {
		t.Error("Orphans() should refuse non-docker runtimes")
	}
	if _, err := d.ReapOrphans(); err == nil {
		t.Error("ReapOrphans() should refuse non-docker runtimes")
	}
}
