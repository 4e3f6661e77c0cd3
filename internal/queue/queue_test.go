package queue

import (
	"encoding/json"
	"errors"
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

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.GroupsDir = filepath.Join(t.TempDir(), "groups")
	return cfg
}

func testQueue(t *testing.T, cfg *config.Config, fn ProcessMessagesFunc) *Queue {
	t.Helper()
	q := New(cfg, logging.Discard(), nil, fn)
	q.retryBase = 10 * time.Millisecond
	return q
}

func waitResult(t *testing.T, f Future) Result {
	t.Helper()
	select {
	case r := <-f:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("future never resolved")
		return Result{}
	}
}

func TestMessageCheckSuccess(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	var jids []string

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		jids = append(jids, jid)
		return true, nil
	})

	f, err := q.EnqueueMessageCheck("j1")
	if err != nil {
		t.Fatalf("EnqueueMessageCheck() error: %v", err)
	}

	r := waitResult(t, f)
	if r.Err != nil || !r.OK {
		t.Errorf("result = %+v", r)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(jids) != 1 || jids[0] != "j1" {
		t.Errorf("process calls = %v", jids)
	}

	if q.ActiveCount() != 0 {
		t.Errorf("active count = %d after completion", q.ActiveCount())
	}
}

func TestNoProcessingFunction(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, nil)

	f, err := q.EnqueueMessageCheck("j1")
	if err != nil {
		t.Fatal(err)
	}

	r := waitResult(t, f)
	if r.Err == nil {
		t.Error("expected failure with no processing function")
	}
}

// S4: a handler that fails three times then succeeds resolves true after
// four attempts with exponential backoff between them.
func TestRetryThenSucceed(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	var attempts []time.Time

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, time.Now())
		if len(attempts) <= 3 {
			return false, errors.New("transient")
		}
		return true, nil
	})

	start := time.Now()
	f, _ := q.EnqueueMessageCheck("j1")
	r := waitResult(t, f)

	if r.Err != nil || !r.OK {
		t.Fatalf("result = %+v", r)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 4 {
		t.Fatalf("got %d attempts, want 4", len(attempts))
	}

	// Backoff doubles: 10ms, 20ms, 40ms with the shrunk test base.
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("retries completed too fast: %s", elapsed)
	}
	for i := 1; i < len(attempts); i++ {
		if !attempts[i].After(attempts[i-1]) {
			t.Error("attempt times not monotonic")
		}
	}
}

// Invariant 5: an always-failing item is retried exactly five times,
// then rejected.
func TestRetriesExhausted(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	count := 0

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		count++
		return false, errors.New("permanent")
	})

	f, _ := q.EnqueueMessageCheck("j1")
	r := waitResult(t, f)

	if r.Err == nil {
		t.Fatal("expected terminal failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if count != maxRetries+1 {
		t.Errorf("got %d attempts, want %d", count, maxRetries+1)
	}

	if q.ActiveCount() != 0 {
		t.Errorf("active count = %d after exhaustion", q.ActiveCount())
	}
}

// S5 / invariant 6: a task enqueued after message checks runs before
// them; tasks among themselves are LIFO, checks stay FIFO.
func TestTaskPriority(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 1

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		if jid == "blocker" {
			<-gate
			return true, nil
		}
		mu.Lock()
		order = append(order, "check")
		mu.Unlock()
		return true, nil
	})

	// Occupy the single slot so group g's queue accumulates.
	blockerF, _ := q.EnqueueMessageCheck("blocker")

	var futures []Future
	for i := 0; i < 3; i++ {
		f, _ := q.EnqueueMessageCheck("g")
		futures = append(futures, f)
	}

	taskFn := func(id string) TaskFunc {
		return func() (bool, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return true, nil
		}
	}
	f1, _ := q.EnqueueTask("g", "T1", taskFn("T1"))
	f2, _ := q.EnqueueTask("g", "T2", taskFn("T2"))
	futures = append(futures, f1, f2)

	close(gate)
	waitResult(t, blockerF)
	for _, f := range futures {
		waitResult(t, f)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"T2", "T1", "check", "check", "check"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// Invariant 4: the number of concurrently running items never exceeds
// the global cap.
func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 2

	var mu sync.Mutex
	running, peak := 0, 0
	gate := make(chan struct{})

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		<-gate

		mu.Lock()
		running--
		mu.Unlock()
		return true, nil
	})

	var futures []Future
	for _, jid := range []string{"a", "b", "c", "d"} {
		f, _ := q.EnqueueMessageCheck(jid)
		futures = append(futures, f)
	}

	// Give the first dispatches time to land.
	time.Sleep(50 * time.Millisecond)
	if got := q.ActiveCount(); got > 2 {
		t.Errorf("active count = %d, exceeds cap", got)
	}

	close(gate)
	for _, f := range futures {
		waitResult(t, f)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

// Invariant 3: one group never has two items in flight.
func TestPerGroupExclusivity(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 4

	var mu sync.Mutex
	inFlight, peak := 0, 0

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return true, nil
	})

	var futures []Future
	for i := 0; i < 3; i++ {
		f, _ := q.EnqueueMessageCheck("same-group")
		futures = append(futures, f)
	}
	for _, f := range futures {
		waitResult(t, f)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak in-flight for one group = %d, want 1", peak)
	}
}

func TestQueueHighWatermark(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 1
	cfg.MaxQueueDepth = 1

	gate := make(chan struct{})
	q := testQueue(t, cfg, func(jid string) (bool, error) {
		<-gate
		return true, nil
	})

	blockerF, _ := q.EnqueueMessageCheck("blocker")

	if _, err := q.EnqueueMessageCheck("g"); err != nil {
		t.Fatalf("first enqueue should fit: %v", err)
	}
	if _, err := q.EnqueueMessageCheck("g"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	close(gate)
	waitResult(t, blockerF)
}

// Legacy slot policy: a retrying message check yields its slot during
// backoff, letting other groups proceed.
func TestLegacySlotReleaseDuringBackoff(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 1

	var mu sync.Mutex
	aAttempts := 0

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		aAttempts++
		if aAttempts == 1 {
			return false, errors.New("transient")
		}
		return true, nil
	})
	q.retryBase = 200 * time.Millisecond

	aF, _ := q.EnqueueMessageCheck("a")

	bRan := make(chan struct{})
	bF, _ := q.EnqueueTask("b", "B1", func() (bool, error) {
		close(bRan)
		return true, nil
	})

	// B must run while A is still backing off.
	select {
	case <-bRan:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("legacy policy should free the slot during message-check backoff")
	}

	waitResult(t, bF)
	r := waitResult(t, aF)
	if r.Err != nil || !r.OK {
		t.Errorf("a result = %+v", r)
	}
	if q.ActiveCount() != 0 {
		t.Errorf("active count = %d", q.ActiveCount())
	}
}

// Strict slot policy: the slot is held across backoff for every item
// kind, so other groups wait.
func TestStrictSlotHeldDuringBackoff(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 1

	var mu sync.Mutex
	aAttempts := 0
	var aResolved time.Time

	q := testQueue(t, cfg, func(jid string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		aAttempts++
		if aAttempts == 1 {
			return false, errors.New("transient")
		}
		return true, nil
	})
	q.SetSlotPolicy(SlotPolicyStrict)
	q.retryBase = 100 * time.Millisecond

	aF, _ := q.EnqueueMessageCheck("a")

	var bStarted time.Time
	bF, _ := q.EnqueueTask("b", "B1", func() (bool, error) {
		mu.Lock()
		bStarted = time.Now()
		mu.Unlock()
		return true, nil
	})

	r := waitResult(t, aF)
	mu.Lock()
	aResolved = time.Now()
	mu.Unlock()
	if r.Err != nil {
		t.Fatalf("a result = %+v", r)
	}
	waitResult(t, bF)

	mu.Lock()
	defer mu.Unlock()
	if bStarted.Before(aResolved.Add(-10 * time.Millisecond)) {
		t.Error("strict policy should hold the slot until a resolves")
	}
}

func TestSendMessageWithoutContainer(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, nil)

	if q.SendMessage("ghost", "hello") {
		t.Error("SendMessage should return false with no active container")
	}
}

func TestSendMessageWritesInputEntry(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, nil)

	q.RegisterProcess("j1", exec.Command("true"), "jsclaw-g1-1", "g1")

	if !q.SendMessage("j1", "follow-up prompt") {
		t.Fatal("SendMessage should succeed with a registered process")
	}

	entries, err := ipc.Drain(ipc.InputDir(cfg.DataDir, "g1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d input entries, want 1", len(entries))
	}

	var in protocol.IpcInput
	if err := json.Unmarshal(entries[0].Data, &in); err != nil {
		t.Fatalf("input entry not parseable: %v", err)
	}
	if in.Text != "follow-up prompt" || in.Timestamp == "" {
		t.Errorf("entry = %+v", in)
	}
}

func TestHasActiveContainer(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, nil)

	if q.HasActiveContainer("j1") {
		t.Error("no container registered yet")
	}

	q.RegisterProcess("j1", exec.Command("true"), "jsclaw-g1-1", "g1")
	if !q.HasActiveContainer("j1") {
		t.Error("container registered but not reported")
	}
}

func TestCloseContainer(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, nil)

	q.RegisterProcess("j1", exec.Command("true"), "jsclaw-g1-1", "g1")
	q.CloseContainer("j1")

	sentinel := filepath.Join(ipc.InputDir(cfg.DataDir, "g1"), protocol.CloseSentinel)
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("close sentinel missing: %v", err)
	}
}

// S8: shutdown writes close sentinels, waits out the grace period, and
// force-kills whatever is still alive.
func TestShutdown(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, nil)

	procs := make([]*exec.Cmd, 0, 2)
	for _, g := range []struct{ jid, folder string }{
		{"j1", "g1"}, {"j2", "g2"},
	} {
		cmd := exec.Command("sleep", "30")
		if err := cmd.Start(); err != nil {
			t.Fatal(err)
		}
		procs = append(procs, cmd)
		q.RegisterProcess(g.jid, cmd, "jsclaw-"+g.folder+"-1", g.folder)
	}

	start := time.Now()
	q.Shutdown(100 * time.Millisecond)
	if time.Since(start) < 100*time.Millisecond {
		t.Error("shutdown returned before the grace period")
	}

	for _, folder := range []string{"g1", "g2"} {
		sentinel := filepath.Join(ipc.InputDir(cfg.DataDir, folder), protocol.CloseSentinel)
		if _, err := os.Stat(sentinel); err != nil {
			t.Errorf("close sentinel missing for %s", folder)
		}
	}

	for _, cmd := range procs {
		if err := cmd.Wait(); err == nil {
			t.Error("process survived shutdown")
		}
	}
}

func TestStatuses(t *testing.T) {
	cfg := testConfig(t)
	q := testQueue(t, cfg, func(jid string) (bool, error) { return true, nil })

	q.RegisterProcess("j1", exec.Command("true"), "jsclaw-g1-7", "g1")

	statuses := q.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	s := statuses[0]
	if s.JID != "j1" || s.Folder != "g1" || !s.HasContainer || s.ContainerName != "jsclaw-g1-7" {
		t.Errorf("status = %+v", s)
	}
}
