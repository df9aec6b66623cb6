package phase

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/kbisect/internal/config"
	"github.com/oriys/kbisect/internal/domain"
	"github.com/oriys/kbisect/internal/hostmanager"
	"github.com/oriys/kbisect/internal/logging"
	"github.com/oriys/kbisect/internal/power"
	"github.com/oriys/kbisect/internal/remote"
)

// mockChannel answers Call/CallStreaming/Run with canned results keyed by
// the invoked program name, and IsAlive with a settable flag.
type mockChannel struct {
	remote.Channel
	mu      sync.Mutex
	alive   bool
	results map[string]remote.Result
	errs    map[string]error
	// streamArgs records the args of the last CallStreaming invocation.
	streamArgs []string
}

func newMockChannel() *mockChannel {
	return &mockChannel{alive: true, results: map[string]remote.Result{}, errs: map[string]error{}}
}

func (m *mockChannel) Call(ctx context.Context, program string, args ...string) (remote.Result, error) {
	return m.results[program], m.errs[program]
}

func (m *mockChannel) CallStreaming(ctx context.Context, onLine func(string, bool), program string, args ...string) (remote.Result, error) {
	m.mu.Lock()
	m.streamArgs = args
	m.mu.Unlock()
	res := m.results["sh"]
	if onLine != nil && res.Stdout != "" {
		onLine(res.Stdout, false)
	}
	return res, m.errs["sh"]
}

func (m *mockChannel) Run(ctx context.Context, command string) (remote.Result, error) {
	return m.results["run"], m.errs["run"]
}

func (m *mockChannel) IsAlive(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *mockChannel) setAlive(v bool) {
	m.mu.Lock()
	m.alive = v
	m.mu.Unlock()
}

// mockStore records every call made against it; all methods succeed.
type mockStore struct {
	mu      sync.Mutex
	results []*domain.IterationResult
	logIDs  int
}

func (s *mockStore) CreateBuildLog(ctx context.Context, iterationID, hostID string, kind domain.LogKind, header string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logIDs++
	return "log-1", nil
}
func (s *mockStore) AppendBuildLogChunk(ctx context.Context, logID string, chunk []byte) error {
	return nil
}
func (s *mockStore) FinalizeBuildLog(ctx context.Context, logID string, exitCode int) error {
	return nil
}
func (s *mockStore) CreateIterationResultsBulk(ctx context.Context, results []*domain.IterationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
	return nil
}
func (s *mockStore) StoreMetadata(ctx context.Context, m *domain.Metadata) error { return nil }

func testEngine(store Store) *Engine {
	return New(store, nil, config.TimeoutsConfig{
		Build:  5 * time.Second,
		Reboot: 5 * time.Second,
		Test:   5 * time.Second,
	}, config.TestConfig{Type: "boot"}, config.MetadataConfig{}, logging.Default())
}

func TestDeferredVerdictPolicy(t *testing.T) {
	if got := deferredVerdict(config.TestConfig{Type: "boot"}); got != domain.VerdictBad {
		t.Fatalf("boot test: got %v, want bad", got)
	}
	if got := deferredVerdict(config.TestConfig{Type: "custom"}); got != domain.VerdictSkip {
		t.Fatalf("custom test: got %v, want skip", got)
	}
}

func TestScaledAppliesTenPercentMargin(t *testing.T) {
	got := scaled(10 * time.Second)
	want := 11 * time.Second
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOutcomeDone(t *testing.T) {
	if (Outcome{}).done() {
		t.Fatal("zero-value outcome should not be done")
	}
	if !(Outcome{Halt: true}).done() {
		t.Fatal("halted outcome should be done")
	}
	if !(Outcome{Verdict: domain.VerdictGood}).done() {
		t.Fatal("outcome with a resolved verdict should be done")
	}
}

func TestPhase0ValidateSkipsWhenCommitMissing(t *testing.T) {
	ch := newMockChannel()
	ch.errs["git"] = nil
	ch.results["git"] = remote.Result{ExitCode: 1}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch, KernelPath: "/src"}
	states := map[string]*perHost{"host-a": newPerHost(mgr, "host-a")}

	e := testEngine(&mockStore{})
	out, results := e.phase0Validate(context.Background(), &domain.Iteration{ID: "it-1", CommitSHA: "deadbeef"}, states)

	if out.Verdict != domain.VerdictSkip {
		t.Fatalf("got %v, want skip", out.Verdict)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestPhase0ValidatePassesWhenCommitPresent(t *testing.T) {
	ch := newMockChannel()
	ch.results["git"] = remote.Result{ExitCode: 0}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch, KernelPath: "/src"}
	states := map[string]*perHost{"host-a": newPerHost(mgr, "host-a")}

	e := testEngine(&mockStore{})
	out, _ := e.phase0Validate(context.Background(), &domain.Iteration{ID: "it-1", CommitSHA: "deadbeef"}, states)

	if out.done() {
		t.Fatalf("expected phase to proceed, got %+v", out)
	}
}

func TestBuildOnHostCapturesLastLineAsRelease(t *testing.T) {
	ch := newMockChannel()
	ch.results["sh"] = remote.Result{ExitCode: 0, Stdout: "6.9.0-rc1+\n"}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch, KernelPath: "/src"}
	st := newPerHost(mgr, "host-a")

	e := testEngine(&mockStore{})
	ok, release := e.buildOnHost(context.Background(), st, &domain.Iteration{ID: "it-1", CommitSHA: "deadbeef", Num: 1})

	if !ok {
		t.Fatal("expected build to succeed")
	}
	if release != "6.9.0-rc1+" {
		t.Fatalf("got %q, want %q", release, "6.9.0-rc1+")
	}
}

func TestBuildOnHostFailsOnNonZeroExit(t *testing.T) {
	ch := newMockChannel()
	ch.results["sh"] = remote.Result{ExitCode: 1, Stdout: "compile error\n"}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch, KernelPath: "/src"}
	st := newPerHost(mgr, "host-a")

	e := testEngine(&mockStore{})
	ok, _ := e.buildOnHost(context.Background(), st, &domain.Iteration{ID: "it-1", CommitSHA: "deadbeef", Num: 1})

	if ok {
		t.Fatal("expected build to fail on non-zero exit")
	}
}

func TestRebootAndVerifyRespectsContextCancellation(t *testing.T) {
	ch := newMockChannel()
	ch.results["uname"] = remote.Result{ExitCode: 0, Stdout: "6.9.0-rc1+\n"}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch, Power: power.NewNoneController()}
	st := newPerHost(mgr, "host-a")

	e := testEngine(&mockStore{})

	// preBootSettle alone is 10s; a short-lived context must surface its
	// own deadline rather than block through the full settle wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := e.rebootAndVerify(ctx, st, "6.9.0-rc1+"); err == nil {
		t.Fatal("expected context-deadline error from the settle wait")
	}
}

func TestTestOnHostGood(t *testing.T) {
	ch := newMockChannel()
	ch.results["sh"] = remote.Result{ExitCode: 0}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch}
	st := newPerHost(mgr, "host-a")

	e := testEngine(&mockStore{})
	verdict := e.testOnHost(context.Background(), &domain.Iteration{ID: "it-1", Num: 1}, st)
	if verdict != domain.VerdictGood {
		t.Fatalf("got %v, want good", verdict)
	}
}

func TestTestOnHostBadOnNonZeroExit(t *testing.T) {
	ch := newMockChannel()
	ch.results["sh"] = remote.Result{ExitCode: 1}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch}
	st := newPerHost(mgr, "host-a")

	e := testEngine(&mockStore{})
	verdict := e.testOnHost(context.Background(), &domain.Iteration{ID: "it-1", Num: 1}, st)
	if verdict != domain.VerdictBad {
		t.Fatalf("got %v, want bad", verdict)
	}
}

func TestPhase3TestAggregatesToBadWhenAnyHostBad(t *testing.T) {
	chGood := newMockChannel()
	chGood.results["sh"] = remote.Result{ExitCode: 0}
	chBad := newMockChannel()
	chBad.results["sh"] = remote.Result{ExitCode: 1}

	states := map[string]*perHost{
		"host-a": newPerHost(&hostmanager.Manager{Name: "host-a", Channel: chGood}, "host-a"),
		"host-b": newPerHost(&hostmanager.Manager{Name: "host-b", Channel: chBad}, "host-b"),
	}

	e := testEngine(&mockStore{})
	out, results := e.phase3Test(context.Background(), &domain.Iteration{ID: "it-1", Num: 1}, states)

	if out.Verdict != domain.VerdictBad {
		t.Fatalf("got %v, want bad", out.Verdict)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestPhase3TestSkipsHostsAlreadyResolvedByPhase2(t *testing.T) {
	ch := newMockChannel()
	ch.results["sh"] = remote.Result{ExitCode: 0}

	resolved := newPerHost(&hostmanager.Manager{Name: "host-a", Channel: ch}, "host-a")
	resolved.result.Verdict = domain.VerdictSkip // Phase 2 already decided this host

	states := map[string]*perHost{"host-a": resolved}

	e := testEngine(&mockStore{})
	out, _ := e.phase3Test(context.Background(), &domain.Iteration{ID: "it-1", Num: 1}, states)

	if out.Verdict != domain.VerdictSkip {
		t.Fatalf("got %v, want skip (carried through from phase 2)", out.Verdict)
	}
}

func TestSnapshotResultsIncludesFailureReason(t *testing.T) {
	mgr := &hostmanager.Manager{Name: "host-a"}
	states := map[string]*perHost{"host-a": newPerHost(mgr, "host-a")}
	failures := map[string]bootFailure{"host-a": {reason: "no response", unrecoverable: true}}

	e := testEngine(&mockStore{})
	results := e.snapshotResults(&domain.Iteration{ID: "it-1"}, states, failures)

	if len(results) != 1 || results[0].ErrorMessage != "no response" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestCallRemoteFunctionFallsBackToDefaultLibPath(t *testing.T) {
	ch := newMockChannel()
	ch.results["sh"] = remote.Result{ExitCode: 0, Stdout: "ok\n"}

	mgr := &hostmanager.Manager{Name: "host-a", Channel: ch} // LibPath left unset
	_, err := callRemoteFunction(context.Background(), mgr, nil, "build_kernel", "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.streamArgs) != 2 || !strings.Contains(ch.streamArgs[1], remoteLibPath) {
		t.Fatalf("expected script sourcing %s, got args %q", remoteLibPath, ch.streamArgs)
	}
}
