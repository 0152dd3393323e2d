package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrClosing is returned when the process manager is in the process of closing,
// meaning that no more child processes can be Exec'd, and existing, non-failed
// child processes will be stopped with this error.
var ErrClosing = errors.New("process manager is already closing")

// ChildExit is returned when a child process exits with a non-zero exit code
type ChildExit struct {
	ExitCode int
	Command  string
}

func (ce *ChildExit) Error() string {
	return fmt.Sprintf("command %s exited (%d)", ce.Command, ce.ExitCode)
}

// Manager tracks all of the child processes that have been spawned
type Manager struct {
	done     bool
	children map[*Child]struct{}
	mu       sync.Mutex
	doneCh   chan struct{}
	logger   hclog.Logger
}

// NewManager creates a new properly-initialized Manager instance
func NewManager(logger hclog.Logger) *Manager {
	return &Manager{
		children: make(map[*Child]struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

// ExecInput configures one managed child process run.
type ExecInput struct {
	// Cmd is the unstarted, fully-configured command (argv, dir, env, stdio).
	Cmd *Command

	// KillGrace is how long the child gets between the graceful terminate
	// signal and a hard kill once the context is cancelled.
	KillGrace time.Duration

	// KillSignal defaults to SIGTERM.
	KillSignal os.Signal
}

// ExecContext spawns a child process and blocks until it exits or ctx is
// cancelled. On cancellation the child's process group is sent KillSignal,
// then hard-killed after KillGrace. Returns the child's exit code; err is
// non-nil for a failed spawn, a non-zero exit (*ChildExit), cancellation
// (ctx.Err()), or a closing manager.
func (m *Manager) ExecContext(ctx context.Context, in ExecInput) (int, error) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return -1, ErrClosing
	}

	killSignal := in.KillSignal
	if killSignal == nil {
		killSignal = syscall.SIGTERM
	}
	child, err := newChild(NewInput{
		Cmd:         in.Cmd.Build(),
		KillTimeout: in.KillGrace,
		KillSignal:  killSignal,
		Logger:      m.logger,
	})
	if err != nil {
		m.mu.Unlock()
		return -1, err
	}

	m.children[child] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.children, child)
		m.mu.Unlock()
	}()

	if err := child.Start(); err != nil {
		return -1, err
	}

	select {
	case exitCode, ok := <-child.ExitCh():
		if !ok {
			return -1, ErrClosing
		}
		if exitCode != ExitCodeOK {
			return exitCode, &ChildExit{ExitCode: exitCode, Command: child.Command()}
		}
		return exitCode, nil
	case <-ctx.Done():
		child.Stop()
		return -1, ctx.Err()
	}
}

// Close sends the kill signal to all child processes if it hasn't been done
// yet, and in either case blocks until they all exit or time out.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		<-m.doneCh
		return
	}
	wg := sync.WaitGroup{}
	m.done = true
	for child := range m.children {
		child := child
		wg.Add(1)
		go func() {
			child.Stop()
			wg.Done()
		}()
	}
	m.mu.Unlock()
	wg.Wait()
	close(m.doneCh)
}
