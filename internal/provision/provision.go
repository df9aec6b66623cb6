// Package provision implements the Repository Provisioner: a one-shot step
// that gets the kernel source tree and its test tooling onto every
// bisection host before a session starts. It clones (or reuses) a local
// staging checkout, rsyncs it out to each host excluding the bisect
// machinery's own index files, marks the destination a git safe.directory,
// and verifies the push landed cleanly.
package provision

import (
	"context"
	"os"
	"os/exec"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/oriys/kbisect/internal/hostmanager"
)

// Provisioner prepares a staging checkout and fans it out to every host in
// a roster.
type Provisioner struct {
	stagingDir string
}

// New builds a Provisioner that stages its local checkout under dir.
func New(stagingDir string) *Provisioner {
	return &Provisioner{stagingDir: stagingDir}
}

// Stage clones source at branch into the staging directory, reusing an
// existing checkout (a fetch of origin) if one is already present. When
// branch is set it is checked out and hard-reset to origin/branch; with
// branch empty, the checkout is left on its current ref. This is a
// local operation: it runs exec.CommandContext directly, not over a Remote
// Channel, since the staging directory lives on the controller, not a
// bisection host.
func (p *Provisioner) Stage(ctx context.Context, source, branch string) error {
	if _, err := os.Stat(p.stagingDir); err == nil {
		if err := p.runLocal(ctx, p.stagingDir, "git", "fetch", "origin"); err != nil {
			return errors.Wrap(err, "fetch staging checkout")
		}
	} else {
		if err := p.runLocal(ctx, "", "git", "clone", source, p.stagingDir); err != nil {
			return errors.Wrapf(err, "clone %s into %s", source, p.stagingDir)
		}
	}

	if branch != "" {
		if err := p.runLocal(ctx, p.stagingDir, "git", "checkout", branch); err != nil {
			return errors.Wrapf(err, "checkout %s", branch)
		}
		if err := p.runLocal(ctx, p.stagingDir, "git", "reset", "--hard", "origin/"+branch); err != nil {
			return errors.Wrapf(err, "reset to origin/%s", branch)
		}
	}

	return nil
}

// Push rsyncs the staging checkout to every host's kernel_path, excluding
// .git/index* (each host rebuilds its own index rather than receiving the
// controller's, since an in-flight bisect may be mutating it concurrently
// on the designated host), marks the destination a safe.directory for the
// remote user, and verifies the push with git status.
func (p *Provisioner) Push(ctx context.Context, hosts []*hostmanager.Manager) error {
	for _, h := range hosts {
		if err := p.pushHost(ctx, h); err != nil {
			return errors.Wrapf(err, "provision host %s", h.Name)
		}
	}
	return nil
}

func (p *Provisioner) pushHost(ctx context.Context, h *hostmanager.Manager) error {
	dest := h.SSHUser + "@" + h.Address + ":" + h.KernelPath + "/"
	args := []string{
		"-az", "--delete",
		"--exclude", ".git/index*",
		p.stagingDir + "/",
		dest,
	}
	if err := p.runLocal(ctx, "", "rsync", args...); err != nil {
		return errors.Wrap(err, "rsync to host")
	}

	return p.verifyAndFinish(ctx, h)
}

// verifyAndFinish runs every step after the rsync fan-out: marking the
// destination safe.directory, resetting and verifying the checkout,
// pushing the kernel config, and delegating install_build_deps.
func (p *Provisioner) verifyAndFinish(ctx context.Context, h *hostmanager.Manager) error {
	if _, err := h.Channel.Call(ctx, "git", "config", "--global", "--add", "safe.directory", h.KernelPath); err != nil {
		return errors.Wrap(err, "mark safe.directory")
	}
	if _, err := h.Channel.Call(ctx, "git", "-C", h.KernelPath, "reset", "--hard"); err != nil {
		return errors.Wrap(err, "reset host checkout")
	}
	res, err := h.Channel.Call(ctx, "git", "-C", h.KernelPath, "status", "--porcelain")
	if err != nil {
		return errors.Wrap(err, "verify host checkout")
	}
	if res.Stdout != "" {
		return errors.Errorf("host checkout not clean after push: %s", res.Stdout)
	}

	if h.KernelConfigDst != "" {
		if err := p.pushKernelConfig(ctx, h); err != nil {
			return err
		}
	}

	// install_build_deps is delegated to the shell-function library, sourced
	// from the host's LibPath when one is set (with LibPath empty, only an
	// install_build_deps already on the remote PATH runs), and is non-fatal:
	// a host missing build dependencies will simply fail Phase 1, which the
	// phase engine already reports per host.
	script := "command -v install_build_deps >/dev/null 2>&1 && install_build_deps || true"
	if h.LibPath != "" {
		script = ". " + shellquote.Join(h.LibPath) + " && " + script
	}
	_, _ = h.Channel.Call(ctx, "sh", "-c", script)

	return nil
}

func (p *Provisioner) pushKernelConfig(ctx context.Context, h *hostmanager.Manager) error {
	configSrc := p.stagingDir + "/.config"
	if _, err := os.Stat(configSrc); err != nil {
		return nil
	}
	if err := h.Channel.CopyFile(ctx, configSrc, h.KernelConfigDst); err != nil {
		return errors.Wrap(err, "copy kernel config to host")
	}
	return nil
}

// Cleanup removes the staging directory. Not fatal when it fails: a
// leftover staging checkout is reused, not corrupting, on the next run.
func (p *Provisioner) Cleanup() {
	_ = os.RemoveAll(p.stagingDir)
}

func (p *Provisioner) runLocal(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s %v: %s", name, args, string(out))
	}
	return nil
}
