package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/kbisect/internal/hostmanager"
	"github.com/oriys/kbisect/internal/remote"
)

// mockChannel records every call made against it and replays a canned
// result keyed by the program name.
type mockChannel struct {
	remote.Channel
	results map[string]remote.Result
	calls   [][]string
	copies  [][2]string
}

func (m *mockChannel) Call(ctx context.Context, program string, args ...string) (remote.Result, error) {
	call := append([]string{program}, args...)
	m.calls = append(m.calls, call)
	return m.results[program], nil
}

func (m *mockChannel) CopyFile(ctx context.Context, localPath, remotePath string) error {
	m.copies = append(m.copies, [2]string{localPath, remotePath})
	return nil
}

func TestPushHostRejectsDirtyCheckout(t *testing.T) {
	ch := &mockChannel{results: map[string]remote.Result{
		"git": {ExitCode: 0, Stdout: " M kernel/sched/core.c\n"},
	}}
	host := &hostmanager.Manager{Name: "host-a", Address: "10.0.0.1", SSHUser: "root", KernelPath: "/kernel", Channel: ch}

	p := New(t.TempDir())
	err := p.verifyAndFinish(context.Background(), host)
	if err == nil {
		t.Fatal("expected error for dirty checkout after push")
	}
}

func TestPushHostMarksSafeDirectoryAndResets(t *testing.T) {
	ch := &mockChannel{results: map[string]remote.Result{
		"git": {ExitCode: 0, Stdout: ""},
	}}
	host := &hostmanager.Manager{Name: "host-a", Address: "10.0.0.1", SSHUser: "root", KernelPath: "/kernel", Channel: ch}

	p := New(t.TempDir())
	if err := p.verifyAndFinish(context.Background(), host); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawSafeDirectory, sawReset, sawStatus bool
	for _, call := range ch.calls {
		joined := callString(call)
		if contains(joined, "safe.directory") {
			sawSafeDirectory = true
		}
		if contains(joined, "reset") && contains(joined, "--hard") {
			sawReset = true
		}
		if contains(joined, "status") && contains(joined, "--porcelain") {
			sawStatus = true
		}
	}
	if !sawSafeDirectory || !sawReset || !sawStatus {
		t.Fatalf("missing expected git calls: %v", ch.calls)
	}
}

func TestPushHostCopiesKernelConfigWhenPresent(t *testing.T) {
	staging := t.TempDir()
	if err := os.WriteFile(filepath.Join(staging, ".config"), []byte("CONFIG_X=y\n"), 0o644); err != nil {
		t.Fatalf("write staged config: %v", err)
	}

	ch := &mockChannel{results: map[string]remote.Result{"git": {ExitCode: 0}}}
	host := &hostmanager.Manager{
		Name: "host-a", Address: "10.0.0.1", SSHUser: "root",
		KernelPath: "/kernel", KernelConfigDst: "/boot/config-test", Channel: ch,
	}

	p := New(staging)
	if err := p.verifyAndFinish(context.Background(), host); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.copies) != 1 {
		t.Fatalf("expected exactly one CopyFile call, got %d", len(ch.copies))
	}
	if ch.copies[0][1] != "/boot/config-test" {
		t.Fatalf("copied to %q, want /boot/config-test", ch.copies[0][1])
	}
}

func TestPushHostSkipsKernelConfigWhenNotStaged(t *testing.T) {
	ch := &mockChannel{results: map[string]remote.Result{"git": {ExitCode: 0}}}
	host := &hostmanager.Manager{
		Name: "host-a", Address: "10.0.0.1", SSHUser: "root",
		KernelPath: "/kernel", KernelConfigDst: "/boot/config-test", Channel: ch,
	}

	p := New(t.TempDir())
	if err := p.verifyAndFinish(context.Background(), host); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.copies) != 0 {
		t.Fatalf("expected no CopyFile call when staging has no .config, got %d", len(ch.copies))
	}
}

func TestCleanupRemovesStagingDir(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, "staging")
	if err := os.Mkdir(staging, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p := New(staging)
	p.Cleanup()

	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir removed, stat err = %v", err)
	}
}

func callString(call []string) string {
	out := call[0]
	for _, c := range call[1:] {
		out += " " + c
	}
	return out
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
