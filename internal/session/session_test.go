package session

import (
	"context"
	"strings"
	"testing"

	"github.com/oriys/kbisect/internal/bisect"
	"github.com/oriys/kbisect/internal/config"
	"github.com/oriys/kbisect/internal/domain"
	"github.com/oriys/kbisect/internal/hostmanager"
	"github.com/oriys/kbisect/internal/logging"
	"github.com/oriys/kbisect/internal/phase"
)

func TestDeferredVerdictBootTestIsBad(t *testing.T) {
	got := deferredVerdict(config.TestConfig{Type: "boot"})
	if got != domain.VerdictBad {
		t.Fatalf("got %v, want %v", got, domain.VerdictBad)
	}
}

func TestDeferredVerdictCustomTestIsSkip(t *testing.T) {
	got := deferredVerdict(config.TestConfig{Type: "custom", Script: "run.sh"})
	if got != domain.VerdictSkip {
		t.Fatalf("got %v, want %v", got, domain.VerdictSkip)
	}
}

// fakeStore implements the Store interface with the minimum needed to
// exercise Resume's precondition checks without a live database.
type fakeStore struct {
	sess *domain.Session
}

func (f *fakeStore) GetOrCreateSession(ctx context.Context, good, bad string, cfg []byte) (*domain.Session, error) {
	return f.sess, nil
}
func (f *fakeStore) UpdateSession(ctx context.Context, s *domain.Session) error { return nil }
func (f *fakeStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return f.sess, nil
}
func (f *fakeStore) CreateIteration(ctx context.Context, it *domain.Iteration) error { return nil }
func (f *fakeStore) UpdateIteration(ctx context.Context, it *domain.Iteration) error { return nil }
func (f *fakeStore) ListIterations(ctx context.Context, sessionID string) ([]*domain.Iteration, error) {
	return nil, nil
}

// stuckRunner simulates a `git bisect` tool that never advances HEAD: every
// rev-parse HEAD returns the same commit, and every mark reports success
// without identifying a culprit, exactly as happens when a stale checkout
// or a broken bisect state leaves the tool spinning on one commit.
type stuckRunner struct {
	sha string
}

func (r *stuckRunner) Run(ctx context.Context, command string) (bisect.Result, error) {
	if strings.Contains(command, "rev-parse HEAD") {
		return bisect.Result{ExitCode: 0, Stdout: r.sha + "\n"}, nil
	}
	return bisect.Result{ExitCode: 0, Stdout: "ok\n"}, nil
}

// fakePhaseStore implements phase.Store with no-ops, just enough for the
// phase engine to run an iteration against an empty (zero-host) roster.
type fakePhaseStore struct{}

func (fakePhaseStore) CreateBuildLog(ctx context.Context, iterationID, hostID string, kind domain.LogKind, header string) (string, error) {
	return "", nil
}
func (fakePhaseStore) AppendBuildLogChunk(ctx context.Context, logID string, chunk []byte) error {
	return nil
}
func (fakePhaseStore) FinalizeBuildLog(ctx context.Context, logID string, exitCode int) error {
	return nil
}
func (fakePhaseStore) CreateIterationResultsBulk(ctx context.Context, results []*domain.IterationResult) error {
	return nil
}
func (fakePhaseStore) StoreMetadata(ctx context.Context, m *domain.Metadata) error { return nil }

// countingStore wraps fakeStore to count CreateIteration calls, so the
// stuck-detector test can assert exactly stuckThreshold rows were created.
type countingStore struct {
	fakeStore
	created int
}

func (c *countingStore) CreateIteration(ctx context.Context, it *domain.Iteration) error {
	c.created++
	return nil
}

func TestRunCreatesExactlyThreeIterationRowsBeforeStuckFailure(t *testing.T) {
	store := &countingStore{fakeStore: fakeStore{sess: &domain.Session{ID: "s1"}}}
	roster := &hostmanager.Roster{}
	engine := phase.New(fakePhaseStore{}, roster, config.TimeoutsConfig{Build: 1, Reboot: 1, Test: 1}, config.TestConfig{Type: "boot"}, config.MetadataConfig{}, logging.Default())
	driver := bisect.New(&stuckRunner{sha: "1111111111111111111111111111111111111111"}, "/repo")

	loop := &Loop{store: store, roster: roster, engine: engine, driver: driver, test: config.TestConfig{Type: "boot"}, logger: logging.Default()}

	_, err := loop.run(context.Background(), store.sess)
	if err == nil {
		t.Fatal("expected the stuck detector to fail the session")
	}
	if store.created != stuckThreshold {
		t.Fatalf("expected exactly %d iteration rows, got %d", stuckThreshold, store.created)
	}
}

func TestResumeRejectsNonHaltedSession(t *testing.T) {
	store := &fakeStore{sess: &domain.Session{ID: "s1", Status: domain.SessionCompleted}}
	loop := &Loop{store: store}

	_, err := loop.Resume(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected error resuming a non-halted session")
	}
}
