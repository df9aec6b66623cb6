// Package remote implements the Remote Channel abstraction: the single
// boundary through which the orchestrator talks to a bisection host.
// Every method accepts a context and returns a plain error; callers decide
// how to log or wrap it.
//
// # Shell-quoting boundary
//
// call and CallStreaming build a single shell command line from a program
// name and a slice of arguments. Every argument is quoted with
// shellquote.Join before it reaches the wire — this is the sole injection
// boundary the orchestrator relies on, grounded in the same approach
// CoreOS's mantle test platform uses for its SSH-based machine control.
// run, by contrast, takes a caller-assembled command string verbatim and
// performs no quoting of its own; it exists for commands the caller has
// already built safely (e.g. a fixed shell-function invocation).
package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Result is the outcome of a non-streaming command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Channel is the Remote Channel contract every host interaction goes
// through: run, call, call_streaming, copy_file, is_alive.
type Channel interface {
	// Run executes a caller-assembled command string verbatim.
	Run(ctx context.Context, command string) (Result, error)

	// Call executes program with args, shell-quoting every argument.
	Call(ctx context.Context, program string, args ...string) (Result, error)

	// CallStreaming executes program with args, invoking onLine for each
	// line of stdout/stderr as it arrives, in order within each stream.
	// onLine is never invoked concurrently with itself.
	CallStreaming(ctx context.Context, onLine func(line string, isStderr bool), program string, args ...string) (Result, error)

	// CopyFile copies the local file at localPath to remotePath on the host.
	CopyFile(ctx context.Context, localPath, remotePath string) error

	// IsAlive reports whether the host currently accepts connections.
	IsAlive(ctx context.Context) bool

	// Close releases any held connection.
	Close() error
}

// SSHChannel is the production Channel implementation, backed by
// golang.org/x/crypto/ssh.
type SSHChannel struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration
}

// NewSSHChannel builds a Channel that dials addr (host:port) as user,
// authenticating with the private key at keyPath. A fresh ssh.Client is
// dialed per call: a bisection host reboots between nearly every phase, so
// there is no long-lived connection worth pooling.
func NewSSHChannel(addr, user, keyPath string, dialTimeout time.Duration) (*SSHChannel, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read ssh key %s", keyPath)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "parse ssh key %s", keyPath)
	}

	return &SSHChannel{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		},
		timeout: dialTimeout,
	}, nil
}

func (c *SSHChannel) dial(ctx context.Context) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.addr, c.config)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrapf(r.err, "dial %s", c.addr)
		}
		return r.client, nil
	}
}

// Run executes a caller-assembled command string verbatim over a new SSH session.
func (c *SSHChannel) Run(ctx context.Context, command string) (Result, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Wrap(err, "new ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case runErr := <-done:
		return resultFromRunErr(stdout.String(), stderr.String(), runErr)
	}
}

// Call executes program with args, shell-quoting every argument.
func (c *SSHChannel) Call(ctx context.Context, program string, args ...string) (Result, error) {
	return c.Run(ctx, buildCommandLine(program, args))
}

// CallStreaming executes program with args, invoking onLine for each line
// of output as it arrives. Stdout and stderr are drained concurrently, in
// the style of a multiplexed remote-exec session: each line carries which
// stream it came from so the caller can distinguish them, but ordering
// within a stream is preserved. onLine calls from the two drains are
// serialized by a mutex.
func (c *SSHChannel) CallStreaming(ctx context.Context, onLine func(line string, isStderr bool), program string, args ...string) (Result, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Wrap(err, "new ssh session")
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "stdout pipe")
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "stderr pipe")
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var onLineMu sync.Mutex
	drained := make(chan struct{}, 2)
	drain := func(r io.Reader, buf *bytes.Buffer, isStderr bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			buf.WriteString(line)
			buf.WriteByte('\n')
			if onLine != nil {
				onLineMu.Lock()
				onLine(line, isStderr)
				onLineMu.Unlock()
			}
		}
		drained <- struct{}{}
	}

	command := buildCommandLine(program, args)
	if err := session.Start(command); err != nil {
		return Result{}, errors.Wrap(err, "start command")
	}

	go drain(stdoutPipe, &stdoutBuf, false)
	go drain(stderrPipe, &stderrBuf, true)

	done := make(chan error, 1)
	go func() {
		<-drained
		<-drained
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case runErr := <-done:
		return resultFromRunErr(stdoutBuf.String(), stderrBuf.String(), runErr)
	}
}

// CopyFile streams localPath to remotePath via `install`, the way mantle's
// InstallFile does: mkdir the parent directory first, then pipe the local
// file into a remote install invocation reading from stdin.
func (c *SSHChannel) CopyFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()

	dir := parentDir(remotePath)
	if _, err := c.Call(ctx, "mkdir", "-p", dir); err != nil {
		return errors.Wrapf(err, "mkdir %s on host", dir)
	}

	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrap(err, "new ssh session")
	}
	defer session.Close()

	session.Stdin = f
	out, err := session.CombinedOutput(buildCommandLine("install", []string{"-m", "0644", "/dev/stdin", remotePath}))
	if err != nil {
		return errors.Wrapf(err, "remote install: %s", string(out))
	}
	return nil
}

// IsAlive reports whether the host currently accepts SSH connections.
func (c *SSHChannel) IsAlive(ctx context.Context) bool {
	client, err := c.dial(ctx)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

// Close is a no-op: SSHChannel dials a fresh connection per call.
func (c *SSHChannel) Close() error { return nil }

func buildCommandLine(program string, args []string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, shellquote.Join(program))
	for _, a := range args {
		quoted = append(quoted, shellquote.Join(a))
	}
	line := quoted[0]
	for _, q := range quoted[1:] {
		line += " " + q
	}
	return line
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "."
}

func resultFromRunErr(stdout, stderr string, runErr error) (Result, error) {
	if runErr == nil {
		return Result{ExitCode: 0, Stdout: stdout, Stderr: stderr}, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return Result{ExitCode: exitErr.ExitStatus(), Stdout: stdout, Stderr: stderr}, nil
	}
	return Result{ExitCode: -1, Stdout: stdout, Stderr: stderr}, fmt.Errorf("run command: %w", runErr)
}
