// Package session implements the outer loop that drives bisection
// iterations to termination: the 1000-iteration safety cap, the
// three-consecutive-identical-SHA stuck detector, and the resumable halt
// path used when a boot failure cannot be recovered.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/kbisect/internal/bisect"
	"github.com/oriys/kbisect/internal/config"
	"github.com/oriys/kbisect/internal/domain"
	"github.com/oriys/kbisect/internal/hostmanager"
	"github.com/oriys/kbisect/internal/logging"
	"github.com/oriys/kbisect/internal/phase"
)

const maxIterations = 1000
const stuckThreshold = 3

// Store is the subset of the durable store the session loop itself
// touches directly (phase.Engine owns the rest).
type Store interface {
	GetOrCreateSession(ctx context.Context, goodCommit, badCommit string, config []byte) (*domain.Session, error)
	UpdateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CreateIteration(ctx context.Context, it *domain.Iteration) error
	UpdateIteration(ctx context.Context, it *domain.Iteration) error
	ListIterations(ctx context.Context, sessionID string) ([]*domain.Iteration, error)
}

// bisectRunnerAdapter adapts a remote.Channel to bisect.Runner so the
// driver's Result type stays decoupled from the transport package.
type bisectRunnerAdapter struct {
	run func(ctx context.Context, command string) (bisect.Result, error)
}

func (a bisectRunnerAdapter) Run(ctx context.Context, command string) (bisect.Result, error) {
	return a.run(ctx, command)
}

// stuckState is the stuck-detector's state: the last SHA seen and how many
// consecutive times it repeated. It lives only in memory for the duration
// of one run call and is not written to Session.StateBlob, so a resumed
// session starts the counter fresh.
type stuckState struct {
	LastSHA string `json:"last_sha"`
	Repeats int    `json:"repeats"`
}

// Loop drives one bisection session to completion, halting, or failure.
type Loop struct {
	store   Store
	roster  *hostmanager.Roster
	engine  *phase.Engine
	driver  *bisect.Driver
	test    config.TestConfig
	logger  *logging.Logger
}

// New builds a session Loop. driver must be bound to the roster's
// designated host only — see hostmanager.Roster.Designated.
func New(store Store, roster *hostmanager.Roster, engine *phase.Engine, driver *bisect.Driver, test config.TestConfig, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loop{store: store, roster: roster, engine: engine, driver: driver, test: test, logger: logger}
}

// Start begins a new bisection session (or resumes the existing running
// one, per GetOrCreateSession's idempotence) and runs it to completion.
func (l *Loop) Start(ctx context.Context, good, bad string, cfg []byte) (*domain.Session, error) {
	if err := l.driver.Validate(ctx, good, bad); err != nil {
		return nil, fmt.Errorf("pre-bisection validation: %w", err)
	}

	sess, err := l.store.GetOrCreateSession(ctx, good, bad, cfg)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}

	if err := l.driver.Initialize(ctx, good, bad); err != nil {
		return nil, fmt.Errorf("initialize bisect: %w", err)
	}

	l.engine.CollectBaseline(ctx, sess.ID)

	return l.run(ctx, sess)
}

// Resume continues a halted session: re-verifies connectivity to every
// host, performs the deferred mark the halt left pending, then resumes the
// normal loop.
func (l *Loop) Resume(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Status != domain.SessionHalted {
		return nil, fmt.Errorf("session %s is not halted (status=%s)", sessionID, sess.Status)
	}

	for _, m := range l.roster.All() {
		if !m.Channel.IsAlive(ctx) {
			return nil, fmt.Errorf("host %s is still unreachable; cannot resume", m.Name)
		}
	}

	iterations, err := l.store.ListIterations(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	if len(iterations) > 0 {
		last := iterations[len(iterations)-1]
		if last.FinalVerdict == domain.VerdictUnknown {
			verdict := deferredVerdict(l.test)
			completed, err := l.driver.Mark(ctx, last.CommitSHA, verdict)
			if err != nil {
				return nil, fmt.Errorf("deferred mark of %s: %w", last.CommitSHA, err)
			}
			last.FinalVerdict = verdict
			now := time.Now()
			last.EndedAt = &now
			if err := l.store.UpdateIteration(ctx, last); err != nil {
				return nil, fmt.Errorf("persist deferred mark: %w", err)
			}
			if completed {
				return l.finish(ctx, sess, last.CommitSHA)
			}
		}
	}

	sess.Status = domain.SessionRunning
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("flip session back to running: %w", err)
	}

	return l.run(ctx, sess)
}

// deferredVerdict implements §4.7's resume policy: a boot failure that
// forced the halt is treated as `bad` under a boot-only test, or `skip`
// under a custom test script (where a boot failure does not by itself
// prove the kernel is bad).
func deferredVerdict(test config.TestConfig) domain.Verdict {
	if test.Type == "boot" {
		return domain.VerdictBad
	}
	return domain.VerdictSkip
}

func (l *Loop) run(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	stuck := stuckState{}

	// Number new iterations after any the session already recorded (a
	// resumed session), keeping iteration numbers unique per session.
	existing, err := l.store.ListIterations(ctx, sess.ID)
	if err != nil {
		return l.fail(ctx, sess, fmt.Sprintf("list iterations: %v", err))
	}

	for n := len(existing) + 1; ; n++ {
		if n > maxIterations {
			return l.fail(ctx, sess, fmt.Sprintf("exceeded safety cap of %d iterations", maxIterations))
		}

		sha, err := l.driver.NextCommit(ctx)
		if err != nil {
			return l.fail(ctx, sess, fmt.Sprintf("next_commit: %v", err))
		}

		if sha == stuck.LastSHA {
			stuck.Repeats++
		} else {
			stuck.LastSHA = sha
			stuck.Repeats = 1
		}

		iteration := &domain.Iteration{
			SessionID: sess.ID,
			Num:       n,
			CommitSHA: sha,
			StartedAt: time.Now(),
		}
		if err := l.store.CreateIteration(ctx, iteration); err != nil {
			return l.fail(ctx, sess, fmt.Sprintf("create iteration: %v", err))
		}

		// The row above persists the triggering occurrence before the stuck
		// detector aborts the session, so exactly stuckThreshold rows with
		// this commit_sha exist; it is not run since the driver has already
		// confirmed it is stuck.
		if stuck.Repeats >= stuckThreshold {
			return l.fail(ctx, sess, fmt.Sprintf("bisect tool returned %s for %d consecutive iterations", sha, stuck.Repeats))
		}

		outcome, _ := l.engine.RunIteration(ctx, iteration)

		if outcome.Halt {
			sess.Status = domain.SessionHalted
			if err := l.store.UpdateSession(ctx, sess); err != nil {
				return nil, fmt.Errorf("persist halt: %w", err)
			}
			l.logger.Log(&logging.IterationLog{Timestamp: time.Now(), SessionID: sess.ID, IterationNum: n, CommitSHA: sha, Success: false, Error: outcome.Reason})
			return sess, nil
		}

		now := time.Now()
		iteration.FinalVerdict = outcome.Verdict
		iteration.EndedAt = &now
		if err := l.store.UpdateIteration(ctx, iteration); err != nil {
			return l.fail(ctx, sess, fmt.Sprintf("update iteration: %v", err))
		}

		completed, err := l.driver.Mark(ctx, sha, outcome.Verdict)
		if err != nil {
			if err == bisect.ErrInvertedRange {
				return l.fail(ctx, sess, "inverted bisect range detected after mark: aborting")
			}
			return l.fail(ctx, sess, fmt.Sprintf("mark %s %s: %v", sha, outcome.Verdict, err))
		}

		if completed {
			return l.finish(ctx, sess, sha)
		}
	}
}

func (l *Loop) finish(ctx context.Context, sess *domain.Session, lastSHA string) (*domain.Session, error) {
	culprit, err := l.driver.Culprit(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract culprit: %w", err)
	}

	now := time.Now()
	sess.Status = domain.SessionCompleted
	sess.ResultCommit = culprit
	sess.EndedAt = &now
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist completion: %w", err)
	}
	return sess, nil
}

func (l *Loop) fail(ctx context.Context, sess *domain.Session, reason string) (*domain.Session, error) {
	now := time.Now()
	sess.Status = domain.SessionFailed
	sess.EndedAt = &now
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist failure (%s): %w", reason, err)
	}
	l.logger.Log(&logging.IterationLog{Timestamp: now, SessionID: sess.ID, Success: false, Error: reason})
	return sess, fmt.Errorf("session failed: %s", reason)
}

// NewDesignatedDriver builds a bisect.Driver bound to the roster's single
// designated host, adapting its Remote Channel's Run method to
// bisect.Runner.
func NewDesignatedDriver(roster *hostmanager.Roster, repoPath string) (*bisect.Driver, error) {
	designated, err := roster.Designated()
	if err != nil {
		return nil, err
	}
	adapter := bisectRunnerAdapter{run: func(ctx context.Context, command string) (bisect.Result, error) {
		res, err := designated.Channel.Run(ctx, command)
		return bisect.Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
	}}
	return bisect.New(adapter, repoPath), nil
}
