package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultGracePeriod is how long a supervised process is given to exit after
// SIGTERM before it is killed.
const DefaultGracePeriod = 10 * time.Second

// Process runs a child process only while the instance is active.
//
// Start launches the child unless it is already running, so a child that
// exited on its own is launched again on the next Start. Stop sends SIGTERM
// and kills the child if it did not exit within the grace period.
type Process struct {
	mu sync.Mutex

	args        []string
	gracePeriod time.Duration
	stdout      io.Writer
	stderr      io.Writer

	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcess returns a Process running args. A non-positive gracePeriod
// selects DefaultGracePeriod.
func NewProcess(args []string, gracePeriod time.Duration) (*Process, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, ErrEmptyCommand
	}

	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	return &Process{
		args:        args,
		gracePeriod: gracePeriod,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}, nil
}

// SetOutput redirects the standard output and error of future children.
func (p *Process) SetOutput(stdout, stderr io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stdout = stdout
	p.stderr = stderr
}

// Start implements Handler.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runningLocked() {
		return nil
	}

	// not bound to ctx, the child must outlive the call.
	//nolint:gosec // the command comes from the operator configuration.
	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting %q: %w", p.args[0], err)
	}

	exited := make(chan struct{})

	p.cmd = cmd
	p.exited = exited

	log := zerolog.Ctx(ctx).With().
		Str("command", p.args[0]).
		Int("pid", cmd.Process.Pid).
		Logger()

	log.Info().Msg("supervised process started")

	go func() {
		defer close(exited)

		err := cmd.Wait()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			log.Error().Err(err).Msg("error waiting for the supervised process")

			return
		}

		log.Info().
			Int("exit_code", cmd.ProcessState.ExitCode()).
			Msg("supervised process exited")
	}()

	return nil
}

// Stop implements Handler.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.runningLocked() {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("error signaling the supervised process: %w", err)
	}

	timer := time.NewTimer(p.gracePeriod)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	zerolog.Ctx(ctx).
		Warn().
		Dur("grace_period", p.gracePeriod).
		Msg("supervised process did not exit in time, killing it")

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("error killing the supervised process: %w", err)
	}

	<-p.exited

	return nil
}

// Running reports whether the child is currently running.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.runningLocked()
}

func (p *Process) runningLocked() bool {
	if p.exited == nil {
		return false
	}

	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}
