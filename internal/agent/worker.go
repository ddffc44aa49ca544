package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/aristath/agentd/internal/config"
)

// Worker is a handle to a running agent process. The process implementation
// speaks the Envelope protocol; tests substitute an in-memory fake.
type Worker interface {
	PID() int
	// Dispatch queues an envelope for delivery on the worker's stdin.
	// It never blocks on the process; a stalled worker fills the send
	// buffer and Dispatch fails.
	Dispatch(env Envelope) error
	// Messages yields result and heartbeat envelopes from the worker's
	// stdout. The channel closes when the process exits.
	Messages() <-chan Envelope
	// Signal delivers a signal to the worker's process group.
	Signal(sig syscall.Signal) error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitErr reports the process exit error after Done is closed.
	ExitErr() error
}

// Spawner creates workers. The production implementation execs the configured
// command; tests inject fakes so coordinator and health logic run without
// real processes.
type Spawner interface {
	Spawn(ctx context.Context, agentID string, cfg config.AgentTypeConfig) (Worker, error)
}

// SpawnError wraps OS-level process creation failures.
type SpawnError struct {
	AgentType string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning agent of type %q: %v", e.AgentType, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcSpawner spawns real OS processes, each in its own process group so the
// whole subprocess tree can be signalled together.
type ProcSpawner struct{}

// Spawn starts the configured command and wires up the Envelope protocol.
func (ProcSpawner) Spawn(ctx context.Context, agentID string, cfg config.AgentTypeConfig) (Worker, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group for clean tree termination
	}
	cmd.Env = append(os.Environ(), "AGENTD_AGENT_ID="+agentID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{AgentType: agentID, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{AgentType: agentID, Err: err}
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{AgentType: agentID, Err: err}
	}

	w := &procWorker{
		cmd:      cmd,
		stdin:    stdin,
		out:      make(chan Envelope, 64),
		sendq:    make(chan Envelope, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.readLoop(stdout)
	go w.writeLoop()
	go w.waitLoop()
	return w, nil
}

// procWorker wraps an exec.Cmd speaking newline-delimited JSON.
type procWorker struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	out      chan Envelope
	sendq    chan Envelope
	readDone chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (w *procWorker) PID() int { return w.cmd.Process.Pid }

func (w *procWorker) Dispatch(env Envelope) error {
	select {
	case <-w.done:
		return fmt.Errorf("worker pid %d has exited", w.PID())
	default:
	}
	select {
	case w.sendq <- env:
		return nil
	default:
		return fmt.Errorf("worker pid %d send buffer full", w.PID())
	}
}

func (w *procWorker) Messages() <-chan Envelope { return w.out }

func (w *procWorker) Signal(sig syscall.Signal) error {
	// Negative PID signals the whole process group.
	return syscall.Kill(-w.cmd.Process.Pid, sig)
}

func (w *procWorker) Done() <-chan struct{} { return w.done }

func (w *procWorker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// readLoop decodes envelopes from stdout until EOF. Undecodable lines are
// skipped: workers may emit free-form diagnostics between protocol lines.
func (w *procWorker) readLoop(stdout io.Reader) {
	defer close(w.out)
	defer close(w.readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.Op == "" {
			continue
		}
		w.out <- env
	}
}

// writeLoop serializes dispatches onto stdin so concurrent Dispatch calls
// never interleave bytes.
func (w *procWorker) writeLoop() {
	enc := json.NewEncoder(w.stdin)
	for {
		select {
		case <-w.done:
			w.stdin.Close()
			return
		case env := <-w.sendq:
			if err := enc.Encode(env); err != nil {
				return
			}
		}
	}
}

// waitLoop reaps the process and records its exit error. Wait closes the
// stdout pipe, so it must not run until the read loop has drained it: a worker
// whose final result envelope is still in flight would lose it otherwise.
func (w *procWorker) waitLoop() {
	<-w.readDone
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exitErr = err
	w.mu.Unlock()
	close(w.done)
}
