// Package process supervises the long running helper programs browserd
// depends on, such as the virtual X server and the VNC server.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/entrhq/browserd/pkg/logging"
)

// ErrExited is returned by Start when the program dies during its startup wait.
var ErrExited = errors.New("process exited during startup")

// Process is a started helper program.
type Process struct {
	name   string
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	logger *logging.Logger

	stopOnce sync.Once
}

// Start launches name with args and waits up to startupWait for it to
// settle. A program that exits within the wait is reported as ErrExited.
// Its stdout and stderr are forwarded to the debug log.
func Start(ctx context.Context, startupWait time.Duration, name string, args ...string) (*Process, error) {
	logger := logging.NewLogger("process").With("program", name)

	cmd := exec.Command(name, args...)
	// Own process group so Stop also reaches any children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &Process{
		name:   name,
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: logger,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.forward(&wg, stdoutPipe)
	go p.forward(&wg, stderrPipe)

	go func() {
		// Pipes must be drained before Wait closes them.
		wg.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()

	timer := time.NewTimer(startupWait)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: %s: %v", ErrExited, name, p.err)
	case <-ctx.Done():
		p.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	logger.Infof("Started %s (pid %d)", name, cmd.Process.Pid)
	return p, nil
}

func (p *Process) forward(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debugf("%s", scanner.Text())
	}
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the program has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop kills the program and waits for it to exit. Safe to call multiple times.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		//nolint:errcheck
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.done
		p.logger.Infof("Stopped %s", p.name)
	})
}

// Available reports whether name can be found on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
