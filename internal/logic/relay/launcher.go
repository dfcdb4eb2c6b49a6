package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
)

// Worker is a running capture worker seen from the parent.
type Worker interface {
	// Out carries messages from the worker.
	Out() io.Reader
	// In carries messages to the worker. Closing it tells the worker to stop.
	In() io.WriteCloser
	// Kill terminates the worker without waiting for it.
	Kill() error
	// Wait blocks until the worker has exited. It may be called more than once.
	Wait() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}

// ProcessLauncher runs the worker as a child process speaking the relay
// protocol on stdin/stdout. The child's stderr is relayed to the debug log.
type ProcessLauncher struct {
	Path string
	Args []string
	Env  []string // appended to the current environment
}

func (l ProcessLauncher) Launch(ctx context.Context) (Worker, error) {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	debug.Verbose("Worker process spawned (pid %d)", cmd.Process.Pid)

	p := &processWorker{cmd: cmd, stdin: stdin, stdout: stdout, stderrDone: make(chan struct{})}
	go p.logStderr(stderr)
	return p, nil
}

type processWorker struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderrDone chan struct{}

	waitOnce sync.Once
	waitErr  error
}

func (p *processWorker) Out() io.Reader     { return p.stdout }
func (p *processWorker) In() io.WriteCloser { return p.stdin }

func (p *processWorker) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait reaps the process once stderr has been drained.
func (p *processWorker) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		p.waitErr = p.cmd.Wait()
		if p.waitErr != nil {
			debug.Verbose("Worker process exited: %v", p.waitErr)
		} else {
			debug.Verbose("Worker process exited cleanly")
		}
	})
	return p.waitErr
}

func (p *processWorker) logStderr(r io.Reader) {
	defer close(p.stderrDone)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		debug.Info("[worker] %s", sc.Text())
	}
}

// GoroutineLauncher runs the worker in-process, connected through pipes.
// Kill cancels the worker's context and breaks both pipes, but a camera call
// already blocked in the driver keeps its goroutine until it returns.
type GoroutineLauncher struct {
	NewSystem SystemFactory
}

func (l GoroutineLauncher) Launch(ctx context.Context) (Worker, error) {
	toWorker, fromParent := io.Pipe()
	fromWorker, toParent := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)

	g := &goroutineWorker{
		cancel:    cancel,
		in:        fromParent,
		out:       fromWorker,
		workerIn:  toWorker,
		workerOut: toParent,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(g.done)
		err := Serve(ctx, toWorker, toParent, l.NewSystem)
		if err != nil {
			debug.Warn("worker: %v", err)
		}
		g.err = err
		toParent.Close()
	}()
	return g, nil
}

type goroutineWorker struct {
	cancel    context.CancelFunc
	in        *io.PipeWriter
	out       *io.PipeReader
	workerIn  *io.PipeReader
	workerOut *io.PipeWriter
	done      chan struct{}
	err       error
}

func (g *goroutineWorker) Out() io.Reader     { return g.out }
func (g *goroutineWorker) In() io.WriteCloser { return g.in }

func (g *goroutineWorker) Kill() error {
	g.cancel()
	g.workerIn.CloseWithError(errKilled)
	g.workerOut.CloseWithError(errKilled)
	return nil
}

func (g *goroutineWorker) Wait() error {
	<-g.done
	return g.err
}

var errKilled = errors.New("worker killed")
