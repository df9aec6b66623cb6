// Package phase implements the four-phase pipeline run against every host
// for one candidate commit: validate, build, reboot-with-boot-verification,
// test, then aggregate into a single tri-valued verdict. The four phases
// are strictly sequential; within a phase, all hosts run concurrently via
// errgroup and the phase returns as soon as every host has a result or the
// phase's own timeout (configured timeout × 1.1) has elapsed.
package phase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/kbisect/internal/circuitbreaker"
	"github.com/oriys/kbisect/internal/config"
	"github.com/oriys/kbisect/internal/domain"
	"github.com/oriys/kbisect/internal/hostmanager"
	"github.com/oriys/kbisect/internal/logging"
	"github.com/oriys/kbisect/internal/metrics"
	"github.com/oriys/kbisect/internal/observability"
	"github.com/oriys/kbisect/internal/power"
	"github.com/oriys/kbisect/internal/remote"
)

// remoteLibPath is the fallback location of the shell-function library a
// host sources before invoking build_kernel, run_test, etc., used only when
// a host's own BisectPath was left unconfigured.
const remoteLibPath = "/usr/local/lib/kbisect/functions.sh"

const buildLogFlushThreshold = 10 * 1024 // 10 KiB, per the build-log streaming contract

// boot settle intervals, per the reboot phase's contract.
const (
	preBootSettle    = 10 * time.Second
	postBootSettle   = 10 * time.Second
	shutdownDeadline = 120 * time.Second
	bootPollInterval = 2 * time.Second
	inBandRebootKill = 5 * time.Second
)

// Store is the subset of the state store the phase engine writes to.
type Store interface {
	CreateBuildLog(ctx context.Context, iterationID, hostID string, kind domain.LogKind, header string) (string, error)
	AppendBuildLogChunk(ctx context.Context, logID string, chunk []byte) error
	FinalizeBuildLog(ctx context.Context, logID string, exitCode int) error
	CreateIterationResultsBulk(ctx context.Context, results []*domain.IterationResult) error
	StoreMetadata(ctx context.Context, m *domain.Metadata) error
}

// Engine runs the per-iteration phase pipeline across a host roster.
type Engine struct {
	store      Store
	roster     *hostmanager.Roster
	timeouts   config.TimeoutsConfig
	test       config.TestConfig
	collectCfg config.MetadataConfig
	logger     *logging.Logger
}

// New builds a phase Engine bound to a roster and the durable store.
func New(store Store, roster *hostmanager.Roster, timeouts config.TimeoutsConfig, test config.TestConfig, meta config.MetadataConfig, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{store: store, roster: roster, timeouts: timeouts, test: test, collectCfg: meta, logger: logger}
}

// Outcome is a phase's net effect on the iteration: proceed to the next
// phase (zero value), or stop here with Verdict set, or Halt the whole
// session (unrecoverable — e.g. no power controller and the host never
// came back at mark-time).
type Outcome struct {
	Verdict domain.Verdict
	Halt    bool
	Reason  string
}

func (o Outcome) done() bool { return o.Verdict != domain.VerdictUnknown || o.Halt }

// perHost accumulates one host's in-progress result across phases.
type perHost struct {
	mu     sync.Mutex
	host   *hostmanager.Manager
	hostID string
	result domain.IterationResult
}

func newPerHost(m *hostmanager.Manager, hostID string) *perHost {
	return &perHost{host: m, hostID: hostID, result: domain.IterationResult{HostID: hostID}}
}

func (p *perHost) setVerdict(v domain.Verdict) {
	p.mu.Lock()
	p.result.Verdict = v
	p.mu.Unlock()
}

func (p *perHost) verdict() domain.Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Verdict
}

// RunIteration drives all four phases for one commit. It returns the
// aggregated Outcome and the per-host results that were ultimately
// persisted at the phase that terminated the iteration.
func (e *Engine) RunIteration(ctx context.Context, iteration *domain.Iteration) (Outcome, []*domain.IterationResult) {
	hosts := e.roster.All()
	states := make(map[string]*perHost, len(hosts))
	for _, h := range hosts {
		states[h.Name] = newPerHost(h, h.Name)
	}

	if out, results := e.phase0Validate(ctx, iteration, states); out.done() {
		return out, results
	}

	expectedVersions, out, results := e.phase1Build(ctx, iteration, states)
	if out.done() {
		return out, results
	}

	if out, results := e.phase2Reboot(ctx, iteration, states, expectedVersions); out.done() {
		return out, results
	}

	return e.phase3Test(ctx, iteration, states)
}

// phase0Validate checks the commit exists on every host.
func (e *Engine) phase0Validate(ctx context.Context, iteration *domain.Iteration, states map[string]*perHost) (Outcome, []*domain.IterationResult) {
	ctx, span := observability.StartSpan(ctx, "phase.validate")
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, scaled(e.timeouts.Build))
	defer cancel()

	g, gctx := errgroup.WithContext(pctx)
	var mu sync.Mutex
	missing := make(map[string]bool, len(states))
	for _, st := range states {
		st := st
		g.Go(func() error {
			res, err := st.host.Channel.Call(gctx, "git", "-C", st.host.KernelPath, "cat-file", "-t", iteration.CommitSHA)
			if err != nil || res.ExitCode != 0 {
				mu.Lock()
				missing[st.hostID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(missing) == 0 {
		return Outcome{}, nil
	}

	results := make([]*domain.IterationResult, 0, len(states))
	for _, st := range states {
		r := st.result
		r.IterationID = iteration.ID
		r.Verdict = domain.VerdictSkip
		if missing[st.hostID] {
			r.ErrorMessage = "commit not present on host"
		}
		results = append(results, &r)
	}
	_ = e.store.CreateIterationResultsBulk(ctx, results)
	return Outcome{Verdict: domain.VerdictSkip, Reason: "commit missing on one or more hosts"}, results
}

// phase1Build runs build_kernel on every host with streaming log capture.
// It returns the expected kernel-release string per host, read from the
// final line of build_kernel's stdout, for Phase 2 to verify against.
func (e *Engine) phase1Build(ctx context.Context, iteration *domain.Iteration, states map[string]*perHost) (map[string]string, Outcome, []*domain.IterationResult) {
	ctx, span := observability.StartSpan(ctx, "phase.build")
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, scaled(e.timeouts.Build))
	defer cancel()

	expected := make(map[string]string, len(states))
	var expectedMu sync.Mutex
	failed := make(map[string]bool, len(states))
	var failedMu sync.Mutex

	g, gctx := errgroup.WithContext(pctx)
	for _, st := range states {
		st := st
		g.Go(func() error {
			ok, kernelRelease := e.buildOnHost(gctx, st, iteration)
			if ok {
				expectedMu.Lock()
				expected[st.hostID] = kernelRelease
				expectedMu.Unlock()
			} else {
				failedMu.Lock()
				failed[st.hostID] = true
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range states {
		if _, done := expected[st.hostID]; done {
			continue
		}
		failed[st.hostID] = true
	}

	if len(failed) == 0 {
		return expected, Outcome{}, nil
	}

	results := make([]*domain.IterationResult, 0, len(states))
	for _, st := range states {
		r := st.result
		r.IterationID = iteration.ID
		r.BuildOK = !failed[st.hostID]
		r.Verdict = domain.VerdictSkip
		if failed[st.hostID] {
			r.ErrorMessage = "build failed or timed out"
		}
		results = append(results, &r)
	}
	_ = e.store.CreateIterationResultsBulk(ctx, results)
	return nil, Outcome{Verdict: domain.VerdictSkip, Reason: "build failed on one or more hosts"}, results
}

func (e *Engine) buildOnHost(ctx context.Context, st *perHost, iteration *domain.Iteration) (ok bool, kernelRelease string) {
	logID, logErr := e.store.CreateBuildLog(ctx, iteration.ID, st.hostID, domain.LogKindBuild, fmt.Sprintf("build %s on %s\n", iteration.CommitSHA, st.hostID))
	if logErr != nil {
		e.logger.Log(&logging.IterationLog{Timestamp: time.Now(), IterationNum: iteration.Num, Host: st.hostID, Phase: "build", Success: false, Error: logErr.Error()})
	}

	var buf strings.Builder
	var lastLine string
	onLine := func(line string, isStderr bool) {
		if !isStderr {
			lastLine = line
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if buf.Len() >= buildLogFlushThreshold && logID != "" {
			_ = e.store.AppendBuildLogChunk(ctx, logID, []byte(buf.String()))
			buf.Reset()
		}
	}

	configArg := st.host.KernelConfigDst
	res, err := callRemoteFunction(ctx, st.host, onLine, "build_kernel", iteration.CommitSHA, st.host.KernelPath, configArg)

	if logID != "" {
		if buf.Len() > 0 {
			_ = e.store.AppendBuildLogChunk(ctx, logID, []byte(buf.String()))
		}
		_ = e.store.FinalizeBuildLog(ctx, logID, res.ExitCode)
	}

	if err != nil || res.ExitCode != 0 {
		st.host.RecordResult(circuitbreaker.KindBuild, false)
		if diag := st.host.QuarantineDiagnosis(); diag != "" {
			e.logger.Log(&logging.IterationLog{Timestamp: time.Now(), IterationNum: iteration.Num, Host: st.hostID, Phase: "build", Success: false, Error: diag})
		}
		return false, ""
	}
	st.host.RecordResult(circuitbreaker.KindBuild, true)
	st.mu.Lock()
	st.result.BuildOK = true
	st.mu.Unlock()
	return true, strings.TrimSpace(lastLine)
}

// phase2Reboot reboots every host and verifies the booted kernel matches
// the expected release from Phase 1. A boot failure on a host whose Power
// Controller is the "none" variant is unrecoverable and halts the whole
// iteration (the orchestrator cannot force the host back without out-of-
// band management); a boot failure on a host with ipmi/beaker power is
// resolved to a policy verdict (bad under a boot-only test, skip under a
// custom one) and the iteration continues.
func (e *Engine) phase2Reboot(ctx context.Context, iteration *domain.Iteration, states map[string]*perHost, expected map[string]string) (Outcome, []*domain.IterationResult) {
	ctx, span := observability.StartSpan(ctx, "phase.reboot")
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, scaled(e.timeouts.Reboot))
	defer cancel()

	failures := make(map[string]bootFailure, len(states))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(pctx)
	for _, st := range states {
		st := st
		g.Go(func() error {
			actual, err := e.rebootAndVerify(gctx, st, expected[st.hostID])
			if err != nil {
				_, isNone := st.host.Power.(*power.NoneController)
				mu.Lock()
				failures[st.hostID] = bootFailure{reason: err.Error(), unrecoverable: isNone}
				mu.Unlock()
				st.host.RecordResult(circuitbreaker.KindBoot, false)
				if diag := st.host.QuarantineDiagnosis(); diag != "" {
					e.logger.Log(&logging.IterationLog{Timestamp: time.Now(), IterationNum: iteration.Num, Host: st.hostID, Phase: "boot", Success: false, Error: diag})
				}
				return nil
			}
			st.mu.Lock()
			st.result.BootOK = true
			st.result.KernelVersion = actual
			st.mu.Unlock()
			st.host.RecordResult(circuitbreaker.KindBoot, true)
			e.collectConsole(ctx, iteration, st)
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return Outcome{}, nil
	}

	halt := false
	var errs []string
	for hostID, f := range failures {
		errs = append(errs, fmt.Sprintf("%s: %s", hostID, f.reason))
		if f.unrecoverable {
			halt = true
		}
	}

	if halt {
		results := e.snapshotResults(iteration, states, failures)
		_ = e.store.CreateIterationResultsBulk(ctx, results)
		return Outcome{Halt: true, Reason: "host with no power recovery failed to boot: " + strings.Join(errs, "; ")}, results
	}

	// Every failing host has recoverable power management: resolve each
	// to the policy verdict and let the iteration continue into Phase 3,
	// which will test only the hosts that booted successfully.
	policyVerdict := deferredVerdict(e.test)
	for hostID, f := range failures {
		st := states[hostID]
		st.mu.Lock()
		st.result.ErrorMessage = f.reason
		st.result.Verdict = policyVerdict
		st.mu.Unlock()
	}

	return Outcome{}, nil
}

// deferredVerdict resolves a boot failure to a verdict per the orchestrator's
// test-type policy: under a boot-only test, failing to boot the candidate
// kernel directly answers the pass/fail question (bad); under a custom test
// script, a boot failure is merely inconclusive (skip).
func deferredVerdict(test config.TestConfig) domain.Verdict {
	if test.Type == "boot" {
		return domain.VerdictBad
	}
	return domain.VerdictSkip
}

// bootFailure records why a host's reboot-and-verify step failed and
// whether its power management can recover it.
type bootFailure struct {
	reason        string
	unrecoverable bool
}

func (e *Engine) snapshotResults(iteration *domain.Iteration, states map[string]*perHost, failures map[string]bootFailure) []*domain.IterationResult {
	results := make([]*domain.IterationResult, 0, len(states))
	for hostID, st := range states {
		r := st.result
		r.IterationID = iteration.ID
		if f, bad := failures[hostID]; bad {
			r.ErrorMessage = f.reason
		}
		results = append(results, &r)
	}
	return results
}

// rebootAndVerify implements the boot-verification invariant: a boot is
// accepted only when the actual kernel release (uname -r) matches the
// expected release captured from Phase 1's build output. A mismatch means
// the host's protected fallback kernel booted instead of the test kernel,
// and is always reported as a boot failure.
func (e *Engine) rebootAndVerify(ctx context.Context, st *perHost, expectedRelease string) (string, error) {
	if _, isNone := st.host.Power.(*power.NoneController); isNone {
		e.inBandReboot(ctx, st)
	} else {
		resetCtx, cancel := context.WithTimeout(ctx, shutdownDeadline)
		confirmed, err := st.host.Power.Reset(resetCtx, st.host.Channel.IsAlive)
		cancel()
		if err != nil || !confirmed {
			e.inBandReboot(ctx, st)
		}
	}

	select {
	case <-time.After(preBootSettle):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	for {
		if st.host.Channel.IsAlive(ctx) {
			break
		}
		select {
		case <-time.After(bootPollInterval):
		case <-ctx.Done():
			return "", fmt.Errorf("host did not come back within boot timeout")
		}
	}

	select {
	case <-time.After(postBootSettle):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	res, err := st.host.Channel.Call(ctx, "uname", "-r")
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("uname -r failed: %v", err)
	}
	actual := strings.TrimSpace(res.Stdout)
	if actual != expectedRelease {
		return actual, fmt.Errorf("wrong kernel booted: expected %q, got %q", expectedRelease, actual)
	}
	return actual, nil
}

func (e *Engine) inBandReboot(ctx context.Context, st *perHost) {
	rebootCtx, cancel := context.WithTimeout(ctx, inBandRebootKill)
	defer cancel()
	_, _ = st.host.Channel.Run(rebootCtx, "reboot")
}

// collectConsole is a best-effort, fire-and-forget sidecar gated by
// metadata.collect_per_iteration: a short post-reboot console snapshot
// filed as Metadata, never allowed to affect the iteration's verdict.
// Failure here is logged and ignored, matching the non-fatal contract
// every metadata collector carries.
func (e *Engine) collectConsole(ctx context.Context, iteration *domain.Iteration, st *perHost) {
	if !e.collectCfg.CollectPerIteration {
		return
	}
	res, err := st.host.Channel.Call(ctx, "dmesg", "-T")
	if err != nil || res.ExitCode != 0 {
		return
	}
	_ = e.store.StoreMetadata(ctx, &domain.Metadata{
		SessionID:   iteration.SessionID,
		IterationID: iteration.ID,
		HostID:      st.hostID,
		Kind:        domain.MetadataConsole,
		Payload:     []byte(res.Stdout),
	})
}

// CollectBaseline runs metadata.collect_baseline's one-shot, session-level
// collection: a pre-iteration-1 snapshot per host, filed the same way
// collectConsole files its per-iteration snapshot. Called once from
// Loop.Start before the first iteration; never run again on resume. Failure
// on one host never blocks the others or the session.
func (e *Engine) CollectBaseline(ctx context.Context, sessionID string) {
	if !e.collectCfg.CollectBaseline {
		return
	}
	var wg sync.WaitGroup
	for _, m := range e.roster.All() {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Channel.Call(ctx, "uname", "-a")
			if err != nil || res.ExitCode != 0 {
				return
			}
			_ = e.store.StoreMetadata(ctx, &domain.Metadata{
				SessionID: sessionID,
				HostID:    m.Name,
				Kind:      domain.MetadataBaseline,
				Payload:   []byte(res.Stdout),
			})
		}()
	}
	wg.Wait()
}

// phase3Test runs the configured test on every host that successfully
// booted and aggregates the per-host good/bad/skip verdicts into the
// iteration's final verdict. Hosts whose verdict Phase 2 already resolved
// (a recoverable boot failure) are carried through unchanged.
func (e *Engine) phase3Test(ctx context.Context, iteration *domain.Iteration, states map[string]*perHost) (Outcome, []*domain.IterationResult) {
	ctx, span := observability.StartSpan(ctx, "phase.test")
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, scaled(e.timeouts.Test))
	defer cancel()

	g, gctx := errgroup.WithContext(pctx)
	for _, st := range states {
		st := st
		if st.verdict() != domain.VerdictUnknown {
			continue // Phase 2 already resolved this host (boot failure policy verdict)
		}
		g.Go(func() error {
			verdict := e.testOnHost(gctx, iteration, st)
			st.mu.Lock()
			st.result.TestOK = verdict == domain.VerdictGood
			st.result.Verdict = verdict
			st.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	results := make([]*domain.IterationResult, 0, len(states))
	anyBad, allGood := false, true
	for _, st := range states {
		r := st.result
		r.IterationID = iteration.ID
		if r.Verdict == domain.VerdictUnknown {
			r.Verdict = domain.VerdictSkip // phase timeout expired before this host reported
		}
		switch r.Verdict {
		case domain.VerdictBad:
			anyBad = true
			allGood = false
		case domain.VerdictSkip:
			allGood = false
		}
		results = append(results, &r)
	}
	_ = e.store.CreateIterationResultsBulk(ctx, results)

	verdict := domain.VerdictSkip
	switch {
	case allGood:
		verdict = domain.VerdictGood
	case anyBad:
		verdict = domain.VerdictBad
	}

	metrics.Global().RecordIteration(string(verdict), 0)
	return Outcome{Verdict: verdict}, results
}

func (e *Engine) testOnHost(ctx context.Context, iteration *domain.Iteration, st *perHost) domain.Verdict {
	logID, logErr := e.store.CreateBuildLog(ctx, iteration.ID, st.hostID, domain.LogKindTest, fmt.Sprintf("test %s on %s\n", iteration.CommitSHA, st.hostID))
	if logErr != nil {
		e.logger.Log(&logging.IterationLog{Timestamp: time.Now(), IterationNum: iteration.Num, Host: st.hostID, Phase: "test", Success: false, Error: logErr.Error()})
	}

	var buf strings.Builder
	onLine := func(line string, isStderr bool) {
		buf.WriteString(line)
		buf.WriteByte('\n')
		if buf.Len() >= buildLogFlushThreshold && logID != "" {
			_ = e.store.AppendBuildLogChunk(ctx, logID, []byte(buf.String()))
			buf.Reset()
		}
	}

	res, err := callRemoteFunction(ctx, st.host, onLine, "run_test", e.test.Type, st.host.TestScript)

	if logID != "" {
		if buf.Len() > 0 {
			_ = e.store.AppendBuildLogChunk(ctx, logID, []byte(buf.String()))
		}
		_ = e.store.FinalizeBuildLog(ctx, logID, res.ExitCode)
	}

	ok := err == nil && res.ExitCode == 0
	st.host.RecordResult(circuitbreaker.KindTest, ok)
	if !ok {
		if diag := st.host.QuarantineDiagnosis(); diag != "" {
			e.logger.Log(&logging.IterationLog{Timestamp: time.Now(), IterationNum: iteration.Num, Host: st.hostID, Phase: "test", Success: false, Error: diag})
		}
	}
	if err != nil {
		return domain.VerdictSkip
	}
	if ok {
		return domain.VerdictGood
	}
	return domain.VerdictBad
}

// callRemoteFunction sources the host's shell-function library (falling
// back to the well-known path if the host didn't configure one) and
// invokes fn with args, every argument quoted by this caller before it
// reaches the transport — the mandatory injection boundary the Remote
// Channel contract assumes. It streams output through onLine exactly like
// Channel.CallStreaming.
func callRemoteFunction(ctx context.Context, host *hostmanager.Manager, onLine func(line string, isStderr bool), fn string, args ...string) (remote.Result, error) {
	libPath := host.LibPath
	if libPath == "" {
		libPath = remoteLibPath
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellquote.Join(a)
	}
	script := fmt.Sprintf("source %s && %s %s", shellquote.Join(libPath), fn, strings.Join(quoted, " "))
	return host.Channel.CallStreaming(ctx, onLine, "sh", "-c", script)
}

// scaled applies the phase engine's 10% scheduling-overhead margin.
func scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * 1.1)
}
