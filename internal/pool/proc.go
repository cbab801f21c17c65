package pool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// LaunchSpec describes one worker subprocess invocation.
type LaunchSpec struct {
	Prompt       string
	Dir          string
	AllowedTools string
	// ResumeSessionID continues a specific prior conversation; Continue picks
	// up whatever session last ran in the worktree. Both empty means a fresh
	// session.
	ResumeSessionID string
	Continue        bool
}

// Proc is a running worker subprocess.
type Proc interface {
	PID() int
	Stdout() io.Reader
	Running() bool
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
	Stderr() string
	Terminate()
	Kill()
}

// Launcher spawns worker subprocesses.
type Launcher interface {
	Launch(spec LaunchSpec) (Proc, error)
}

// ClaudeLauncher spawns claude CLI workers in their own session so they
// survive a supervisor restart.
type ClaudeLauncher struct {
	OAuthToken string
	ForgeToken string
}

func (l *ClaudeLauncher) Launch(spec LaunchSpec) (Proc, error) {
	var args []string
	switch {
	case spec.ResumeSessionID != "":
		args = append(args, "--resume", spec.ResumeSessionID, "-p", spec.Prompt)
	case spec.Continue:
		args = append(args, "--continue", "-p", spec.Prompt)
	default:
		args = append(args, "-p", spec.Prompt)
	}
	args = append(args,
		"--allowedTools", spec.AllowedTools,
		"--output-format", "stream-json",
		"--verbose",
	)

	// No context on the command: the worker must keep running after the
	// supervisor exits.
	cmd := exec.Command("claude", args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		"CLAUDE_CODE_OAUTH_TOKEN="+l.OAuthToken,
		"GH_TOKEN="+l.ForgeToken,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// A manual pipe instead of StdoutPipe: Wait runs concurrently with the
	// stream reader, and StdoutPipe's fd is closed by Wait itself.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = w

	p := &claudeProc{cmd: cmd, stdout: r}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("starting claude: %w", err)
	}
	w.Close()

	p.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.exitCode = exitCodeOf(err)
		close(p.done)
	}()

	return p, nil
}

type claudeProc struct {
	cmd      *exec.Cmd
	stdout   io.Reader
	stderr   lockedBuffer
	done     chan struct{}
	exitCode int
}

func (p *claudeProc) PID() int          { return p.cmd.Process.Pid }
func (p *claudeProc) Stdout() io.Reader { return p.stdout }
func (p *claudeProc) Stderr() string    { return p.stderr.String() }

func (p *claudeProc) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *claudeProc) Wait() int {
	<-p.done
	return p.exitCode
}

func (p *claudeProc) Terminate() {
	p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *claudeProc) Kill() {
	p.cmd.Process.Kill()
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// lockedBuffer guards stderr writes from the subprocess against concurrent
// reads by the monitor goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
