package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/types"
)

// harnessRequest is one JSON line written to the harness stdin
type harnessRequest struct {
	Op   string `json:"op"`
	Code string `json:"code,omitempty"`
}

// harnessEvent is one JSON line read from the harness stdout. The harness
// speaks the executor event vocabulary plus two control types: "pong"
// (startup handshake) and "done" (execution finished cleanly).
type harnessEvent struct {
	Type      string         `json:"type"`
	Name      string         `json:"name,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Ename     string         `json:"ename,omitempty"`
	Evalue    string         `json:"evalue,omitempty"`
	Traceback []string       `json:"traceback,omitempty"`
}

// processExecutor runs a language harness as a subprocess in its own
// process group and exchanges JSON lines over its pipes.
type processExecutor struct {
	cfg     Config
	command string
	args    []string

	mu      sync.Mutex // serializes Execute; guards fields below
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	status  types.KernelStatus
	dead    bool
	waitCh  chan struct{}

	execMu sync.Mutex // serializes whole executions
}

func newProcessExecutor(cfg Config, command string, args []string) *processExecutor {
	return &processExecutor{
		cfg:     cfg,
		command: command,
		args:    args,
		status:  types.KernelStatusStarting,
	}
}

// Start launches the harness process and performs the ping handshake
func (p *processExecutor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return errdefs.Conflict("executor already started")
	}

	cmd := exec.Command(p.command, p.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return errdefs.KernelDead("failed to start %s: %v", p.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	p.cmd = cmd
	p.stdin = stdin
	p.scanner = scanner
	p.waitCh = make(chan struct{})

	go func() {
		cmd.Wait()
		p.mu.Lock()
		p.dead = true
		p.status = types.KernelStatusDead
		p.mu.Unlock()
		close(p.waitCh)
	}()
	p.mu.Unlock()

	// Handshake: the harness answers ping with pong once it is ready
	if err := p.writeRequest(harnessRequest{Op: "ping"}); err != nil {
		p.fail()
		return errdefs.KernelDead("handshake write failed: %v", err)
	}

	pongCh := make(chan error, 1)
	go func() {
		ev, err := p.readEvent()
		if err != nil {
			pongCh <- err
			return
		}
		if ev.Type != "pong" {
			pongCh <- fmt.Errorf("unexpected handshake reply %q", ev.Type)
			return
		}
		pongCh <- nil
	}()

	select {
	case err := <-pongCh:
		if err != nil {
			p.fail()
			return errdefs.KernelDead("executor handshake failed: %v", err)
		}
	case <-time.After(p.cfg.StartupTimeout):
		p.fail()
		return errdefs.KernelDead("executor did not start within %s", p.cfg.StartupTimeout)
	case <-ctx.Done():
		p.fail()
		return ctx.Err()
	}

	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return errdefs.KernelDead("executor died during startup")
	}
	p.status = types.KernelStatusIdle
	p.mu.Unlock()
	return nil
}

func (p *processExecutor) fail() {
	p.mu.Lock()
	p.killLocked()
	p.mu.Unlock()
}

// Execute runs code in the harness and streams events. The returned channel
// is closed after the terminator.
func (p *processExecutor) Execute(ctx context.Context, code string) (<-chan types.Event, error) {
	// Serialize executions: a second caller waits here
	p.execMu.Lock()

	p.mu.Lock()
	if p.dead || p.cmd == nil {
		p.mu.Unlock()
		p.execMu.Unlock()
		return nil, errdefs.KernelDead("executor is not running")
	}
	p.status = types.KernelStatusBusy
	p.mu.Unlock()

	if err := p.writeRequest(harnessRequest{Op: "execute", Code: code}); err != nil {
		p.mu.Lock()
		p.status = types.KernelStatusDead
		p.dead = true
		p.mu.Unlock()
		p.execMu.Unlock()
		return nil, errdefs.KernelDead("failed to submit code: %v", err)
	}

	out := make(chan types.Event, 64)
	go p.pump(ctx, out)
	return out, nil
}

// pump converts harness lines into events until the execution terminates.
// It owns execMu and releases it when the stream closes.
func (p *processExecutor) pump(ctx context.Context, out chan<- types.Event) {
	defer p.execMu.Unlock()
	defer close(out)

	out <- types.Event{Type: types.EventStreamStart, Message: "execution started"}
	count := 0
	var interrupted atomic.Bool

	// Context cancellation maps to interrupt
	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			p.Interrupt()
		case <-cancelDone:
		}
	}()

	for {
		ev, err := p.readEvent()
		if err != nil {
			// Harness gone: surface one error terminator, never more
			p.mu.Lock()
			p.dead = true
			p.status = types.KernelStatusDead
			p.mu.Unlock()
			reason := "executor terminated unexpectedly"
			if interrupted.Load() {
				reason = "execution was interrupted"
			}
			out <- types.Event{
				Type:   types.EventError,
				Ename:  "ExecutorDead",
				Evalue: reason,
			}
			return
		}

		switch ev.Type {
		case "done":
			p.setIdle()
			out <- types.Event{
				Type:        types.EventStreamComplete,
				Message:     "execution completed",
				OutputCount: count,
			}
			return
		case "execute_error":
			p.setIdle()
			out <- types.Event{
				Type:      types.EventExecuteError,
				Ename:     ev.Ename,
				Evalue:    ev.Evalue,
				Traceback: ev.Traceback,
			}
			return
		case "stream":
			count++
			out <- types.Event{Type: types.EventStream, Name: ev.Name, Text: ev.Text}
		case "display_data":
			count++
			out <- types.Event{Type: types.EventDisplayData, Data: ev.Data, Metadata: ev.Metadata}
		case "execute_result":
			count++
			out <- types.Event{Type: types.EventExecuteResult, Data: ev.Data}
		default:
			log.WithComponent("executor").Debug().
				Str("type", ev.Type).
				Msg("ignoring unknown harness event")
		}
	}
}

func (p *processExecutor) setIdle() {
	p.mu.Lock()
	if !p.dead {
		p.status = types.KernelStatusIdle
	}
	p.mu.Unlock()
}

// Interrupt signals the harness process group. Running code receives the
// interrupt; if the process does not settle within the grace period it is
// killed and the executor turns dead. Idle executors are untouched.
func (p *processExecutor) Interrupt() error {
	p.mu.Lock()
	if p.dead || p.cmd == nil || p.status != types.KernelStatusBusy {
		p.mu.Unlock()
		return nil
	}
	p.status = types.KernelStatusInterrupted
	pid := p.cmd.Process.Pid
	waitCh := p.waitCh
	p.mu.Unlock()

	// Negative pid targets the process group
	syscall.Kill(-pid, syscall.SIGINT)

	go func() {
		timer := time.NewTimer(p.cfg.InterruptGracePeriod)
		defer timer.Stop()
		select {
		case <-waitCh:
		case <-timer.C:
			p.mu.Lock()
			stillStuck := p.status == types.KernelStatusInterrupted && !p.dead
			p.mu.Unlock()
			if stillStuck {
				syscall.Kill(-pid, syscall.SIGKILL)
			}
		}
	}()
	return nil
}

// Status returns the executor status
func (p *processExecutor) Status() types.KernelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Shutdown terminates the harness process
func (p *processExecutor) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killLocked()
}

func (p *processExecutor) killLocked() error {
	if p.cmd == nil || p.dead {
		p.dead = true
		p.status = types.KernelStatusDead
		return nil
	}
	p.dead = true
	p.status = types.KernelStatusDead
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd.Process != nil {
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	return nil
}

func (p *processExecutor) writeRequest(req harnessRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = p.stdin.Write(data)
	return err
}

func (p *processExecutor) readEvent() (*harnessEvent, error) {
	for {
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev harnessEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Harness noise (e.g. interpreter warnings on stdout) is
			// forwarded as stderr stream output
			return &harnessEvent{Type: "stream", Name: "stderr", Text: string(line) + "\n"}, nil
		}
		return &ev, nil
	}
}
