package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/paygate/gateway/internal/logger"
)

// waiter is the single-shot completion primitive a caller blocks on. It is
// released exactly once, either by the read loop delivering a response or
// by the caller's own deadline/cancellation.
type waiter struct {
	ch chan *Response
}

// StdioTransport speaks line-delimited JSON-RPC over a child process's
// stdin/stdout. stderr is captured to the logger. One write goroutine is
// implicit (Call writes directly, serialized by stdinMu); one read-loop
// goroutine demultiplexes responses by request ID.
type StdioTransport struct {
	Command string
	Args    []string

	CallTimeout    time.Duration
	RespawnOnCrash bool
	RespawnBackoff time.Duration
	ShutdownGrace  time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	stdinMu sync.Mutex
	running bool

	nextID  int64
	waiters sync.Map // int64 -> *waiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStdio constructs a stdio-backed Transport for cmd/args.
func NewStdio(command string, args []string, callTimeout, respawnBackoff, shutdownGrace time.Duration, respawnOnCrash bool) *StdioTransport {
	return &StdioTransport{
		Command:        command,
		Args:           args,
		CallTimeout:    callTimeout,
		RespawnOnCrash: respawnOnCrash,
		RespawnBackoff: respawnBackoff,
		ShutdownGrace:  shutdownGrace,
	}
}

func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(ctx)
}

func (t *StdioTransport) startLocked(ctx context.Context) error {
	cmd := exec.Command(t.Command, t.Args...)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transport: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("transport: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transport: start %s: %w", t.Command, err)
	}

	t.cmd = cmd
	t.stdin = bufio.NewWriter(stdinPipe)
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.readLoop(bufio.NewScanner(stdoutPipe))
	go t.drainStderr(bufio.NewScanner(stderrPipe))
	go t.waitLoop()

	return nil
}

// waitLoop blocks until the child exits, then fails every outstanding
// waiter and optionally respawns.
func (t *StdioTransport) waitLoop() {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	close(t.doneCh)

	logger.Warn("transport: backend process exited", "command", t.Command, "error", err)
	t.failAllWaiters()

	select {
	case <-t.stopCh:
		return // deliberate Stop(), do not respawn
	default:
	}
	if !t.RespawnOnCrash {
		return
	}
	time.Sleep(t.RespawnBackoff)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.startLocked(context.Background()); err != nil {
		logger.Error("transport: respawn failed", "command", t.Command, "error", err)
	} else {
		logger.Info("transport: backend respawned", "command", t.Command)
	}
}

func (t *StdioTransport) failAllWaiters() {
	t.waiters.Range(func(key, value any) bool {
		w := value.(*waiter)
		select {
		case w.ch <- &Response{Error: &RPCError{Code: -32000, Message: ErrCrashed.Error()}}:
		default:
		}
		t.waiters.Delete(key)
		return true
	})
}

// readLoop parses each stdout line as a JSON-RPC response and delivers it
// to the waiter registered under its ID. Unrecognized IDs are dropped with
// a warning; the loop never blocks on a slow/absent waiter because the
// waiter channel is always buffered.
func (t *StdioTransport) readLoop(scanner *bufio.Scanner) {
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.Warn("transport: malformed response line", "command", t.Command, "error", err)
			continue
		}
		v, ok := t.waiters.Load(resp.ID)
		if !ok {
			logger.Warn("transport: response for unknown request id, dropping", "command", t.Command, "id", resp.ID)
			continue
		}
		t.waiters.Delete(resp.ID)
		w := v.(*waiter)
		respCopy := resp
		select {
		case w.ch <- &respCopy:
		default:
		}
	}
}

func (t *StdioTransport) drainStderr(scanner *bufio.Scanner) {
	for scanner.Scan() {
		logger.Warn("transport: backend stderr", "command", t.Command, "line", scanner.Text())
	}
}

func (t *StdioTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cmd := t.cmd
	stop := t.stopCh
	done := t.doneCh
	t.mu.Unlock()

	close(stop)
	t.failAllWaiters()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(t.ShutdownGrace):
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// Call assigns a fresh request ID, registers a waiter, writes the request
// line, and blocks until the matching response arrives, the per-call
// deadline elapses, or ctx is canceled. On timeout the waiter slot is
// released; the child is not killed.
func (t *StdioTransport) Call(ctx context.Context, method string, params json.RawMessage) (*Response, error) {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	id := atomic.AddInt64(&t.nextID, 1)
	w := &waiter{ch: make(chan *Response, 1)}
	t.waiters.Store(id, w)
	defer t.waiters.Delete(id)

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	t.stdinMu.Lock()
	_, werr := t.stdin.Write(append(line, '\n'))
	if werr == nil {
		werr = t.stdin.Flush()
	}
	t.stdinMu.Unlock()
	if werr != nil {
		return nil, fmt.Errorf("transport: write request: %w", werr)
	}

	deadline := t.CallTimeout
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *StdioTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
