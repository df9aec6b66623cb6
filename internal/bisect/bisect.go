// Package bisect drives `git bisect` as an external process on the single
// designated host. All hosts share the same source tree, but only the
// designated host's bisect state is authoritative; issuing bisect commands
// to any other host would let that host's view diverge from the others.
package bisect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/oriys/kbisect/internal/domain"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ErrInvertedRange is returned by Mark when the bisect tool reports that
// the merge base itself is bad — a configuration error that cannot be
// resolved by continuing the bisection.
var ErrInvertedRange = errors.New("inverted bisect range: merge base is bad")

// ErrCommitsSwapped indicates good/bad were given in the wrong order.
var ErrCommitsSwapped = errors.New("good and bad commits appear swapped")

// ErrUnrelatedBranches indicates neither endpoint is an ancestor of the other.
var ErrUnrelatedBranches = errors.New("good and bad commits are on unrelated branches")

// Runner is the subset of remote.Channel the driver needs to run git on
// the designated host.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Result mirrors remote.Result without importing internal/remote.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver runs git bisect on one designated host.
type Driver struct {
	runner Runner
	repo   string // path to the kernel source tree on the designated host
}

// New builds a Driver bound to the given runner and repository path.
func New(runner Runner, repoPath string) *Driver {
	return &Driver{runner: runner, repo: repoPath}
}

func (d *Driver) git(ctx context.Context, args string) (Result, error) {
	cmd := fmt.Sprintf("cd %s && git %s", shQuotePath(d.repo), args)
	return d.runner.Run(ctx, cmd)
}

func shQuotePath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

// Validate performs the one-time pre-bisection checks: both endpoints
// resolve to real commits, they are not equal, and good is an ancestor of
// bad (not the reverse, and not unrelated).
func (d *Driver) Validate(ctx context.Context, good, bad string) error {
	if good == bad {
		return errors.Errorf("good and bad commit are identical (%s)", good)
	}

	for _, sha := range []string{good, bad} {
		res, err := d.git(ctx, fmt.Sprintf("rev-parse --verify %s^{commit}", sha))
		if err != nil {
			return errors.Wrapf(err, "rev-parse %s", sha)
		}
		if res.ExitCode != 0 {
			if strings.Contains(res.Stderr, "No such file or directory") {
				return errors.Errorf("repository directory missing on designated host: %s", res.Stderr)
			}
			return errors.Errorf("commit %s does not exist: %s", sha, res.Stderr)
		}
	}

	fwd, err := d.git(ctx, fmt.Sprintf("merge-base --is-ancestor %s %s", good, bad))
	if err != nil {
		return errors.Wrap(err, "merge-base check")
	}
	if fwd.ExitCode == 0 {
		return nil
	}

	rev, err := d.git(ctx, fmt.Sprintf("merge-base --is-ancestor %s %s", bad, good))
	if err != nil {
		return errors.Wrap(err, "merge-base reverse check")
	}
	if rev.ExitCode == 0 {
		return errors.Wrapf(ErrCommitsSwapped, "good=%s bad=%s: swap the two arguments and retry", good, bad)
	}

	return errors.Wrapf(ErrUnrelatedBranches, "good=%s bad=%s", good, bad)
}

// Initialize resets any prior bisect state and starts a new bisection
// between bad and good. A failed `bisect reset` (no bisection in
// progress) is expected and ignored.
func (d *Driver) Initialize(ctx context.Context, good, bad string) error {
	if _, err := d.git(ctx, "bisect reset"); err != nil {
		return errors.Wrap(err, "bisect reset transport error")
	}
	res, err := d.git(ctx, fmt.Sprintf("bisect start %s %s", bad, good))
	if err != nil {
		return errors.Wrap(err, "bisect start transport error")
	}
	if res.ExitCode != 0 {
		return errors.Errorf("bisect start failed: %s", res.Stderr)
	}
	return nil
}

// NextCommit returns the SHA of the commit currently checked out as HEAD,
// rejecting anything that is not exactly 40 hex characters.
func (d *Driver) NextCommit(ctx context.Context) (string, error) {
	res, err := d.git(ctx, "rev-parse HEAD")
	if err != nil {
		return "", errors.Wrap(err, "rev-parse HEAD transport error")
	}
	if res.ExitCode != 0 {
		return "", errors.Errorf("rev-parse HEAD failed: %s", res.Stderr)
	}
	sha := strings.TrimSpace(res.Stdout)
	if !shaPattern.MatchString(sha) {
		return "", errors.Errorf("HEAD did not resolve to a 40-hex sha: %q", sha)
	}
	return sha, nil
}

// Mark reports a verdict for sha to git bisect. completed is true once the
// bisect tool has identified the first bad commit.
func (d *Driver) Mark(ctx context.Context, sha string, verdict domain.Verdict) (completed bool, err error) {
	var subcmd string
	switch verdict {
	case domain.VerdictGood:
		subcmd = "good"
	case domain.VerdictBad:
		subcmd = "bad"
	case domain.VerdictSkip:
		subcmd = "skip"
	default:
		return false, errors.Errorf("unmarkable verdict %q", verdict)
	}

	res, err := d.git(ctx, fmt.Sprintf("bisect %s %s", subcmd, sha))
	if err != nil {
		return false, errors.Wrapf(err, "bisect %s transport error", subcmd)
	}
	if strings.Contains(res.Stderr, "merge base") && strings.Contains(res.Stderr, "is bad") {
		return false, ErrInvertedRange
	}
	// Every remaining candidate has been skipped: git bisect exits non-zero
	// with "only 'skip'ped commits left to test" rather than identifying a
	// first bad commit. This is a terminal state, not a failure — the
	// session completes with no culprit found.
	combined := res.Stdout + res.Stderr
	if strings.Contains(combined, "only 'skip'ped commits left") || strings.Contains(combined, "We cannot bisect more") {
		return true, nil
	}
	if res.ExitCode != 0 {
		return false, errors.Errorf("bisect %s failed: %s", subcmd, res.Stderr)
	}

	if strings.Contains(res.Stdout, "is the first bad commit") {
		return true, nil
	}
	return false, nil
}

var firstBadLine = regexp.MustCompile(`([0-9a-f]{40}) is the first bad commit`)

// Culprit extracts the first-bad-commit SHA from `git bisect log`.
func (d *Driver) Culprit(ctx context.Context) (string, error) {
	res, err := d.git(ctx, "bisect log")
	if err != nil {
		return "", errors.Wrap(err, "bisect log transport error")
	}
	if res.ExitCode != 0 {
		return "", errors.Errorf("bisect log failed: %s", res.Stderr)
	}
	m := firstBadLine.FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", nil
	}
	return m[1], nil
}
