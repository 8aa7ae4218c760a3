package stdio

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

// GracefulStopTimeout is how long Close waits for the subprocess
// to exit after its stdin is closed, before killing it.
var GracefulStopTimeout = 5 * time.Second

// ClientTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC messages over its stdin and stdout.
// The subprocess stderr is drained to the debug log.
type ClientTransport struct {
	command string
	args    []string
	env     []string

	mu             sync.RWMutex
	writeMu        sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	closing        bool

	closeOnce sync.Once
	stopOnce  sync.Once
	exited    chan struct{}
	stopErr   error
}

// NewClientTransport returns a transport that spawns command with args.
// env entries in KEY=VALUE form are appended to the current process environment.
func NewClientTransport(command string, args []string, env []string) *ClientTransport {
	return &ClientTransport{
		command: command,
		args:    args,
		env:     env,
		exited:  make(chan struct{}),
	}
}

// Start launches the subprocess. The subprocess lifecycle is independent
// of ctx, it is terminated only by Close.
func (t *ClientTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return errors.New("transport already started")
	}

	logger.KV(xlog.DEBUG, "status", "starting", "command", t.command, "args", t.args)

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "create stdin pipe"), chatmodel.ErrConnection)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return errors.Mark(errors.Wrap(err, "create stdout pipe"), chatmodel.ErrConnection)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return errors.Mark(errors.Wrap(err, "create stderr pipe"), chatmodel.ErrConnection)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return errors.Mark(errors.Wrapf(err, "start subprocess %s", t.command), chatmodel.ErrConnection)
	}

	t.cmd = cmd
	t.stdin = stdin

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})

	go func() {
		defer close(readDone)
		readMessages(context.Background(), stdout, t.dispatch, t.reportError)
	}()
	go func() {
		defer close(stderrDone)
		drainStderr(t.command, stderr)
	}()
	go func() {
		// Wait must not be called before all reads from the pipes complete
		<-readDone
		<-stderrDone
		err := cmd.Wait()
		logger.KV(xlog.DEBUG, "status", "exited", "command", t.command, "pid", cmd.Process.Pid, "err", err)
		close(t.exited)
		t.fireClose()
	}()

	logger.KV(xlog.DEBUG, "status", "started", "command", t.command, "pid", cmd.Process.Pid)
	return nil
}

// Send writes one message followed by a newline to the subprocess stdin
func (t *ClientTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	stdin := t.stdin
	closing := t.closing
	t.mu.RUnlock()

	if stdin == nil {
		return errors.Mark(errors.New("subprocess is not started"), chatmodel.ErrConnection)
	}
	if closing {
		return errors.Mark(errors.New("subprocess transport is closed"), chatmodel.ErrConnectionClosed)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		select {
		case <-t.exited:
			return errors.Mark(errors.Wrap(err, "subprocess exited"), chatmodel.ErrConnectionClosed)
		default:
			return errors.Mark(errors.Wrap(err, "write to subprocess stdin"), chatmodel.ErrConnection)
		}
	}
	return nil
}

// Close closes stdin of the subprocess and waits for it to exit,
// the subprocess is killed if it does not exit within GracefulStopTimeout.
func (t *ClientTransport) Close() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		cmd := t.cmd
		stdin := t.stdin
		t.mu.Unlock()

		if cmd == nil {
			t.fireClose()
			return
		}

		t.writeMu.Lock()
		_ = stdin.Close()
		t.writeMu.Unlock()

		select {
		case <-t.exited:
		case <-time.After(GracefulStopTimeout):
			logger.KV(xlog.WARNING,
				"reason", "kill",
				"command", t.command,
				"pid", cmd.Process.Pid,
			)
			if err := cmd.Process.Kill(); err != nil {
				t.stopErr = errors.Wrapf(err, "kill subprocess %s", t.command)
			}
			<-t.exited
		}
	})
	return t.stopErr
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *ClientTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *ClientTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *ClientTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

func (t *ClientTransport) dispatch(ctx context.Context, msg *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	h := t.messageHandler
	t.mu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}

func (t *ClientTransport) reportError(err error) {
	t.mu.RLock()
	h := t.errorHandler
	t.mu.RUnlock()
	if h != nil {
		h(err)
	}
}

func (t *ClientTransport) fireClose() {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		h := t.closeHandler
		t.mu.RUnlock()
		if h != nil {
			h()
		}
	})
}
