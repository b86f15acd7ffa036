package stdio

import (
	"context"
	"errors"
	"sync"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

// CrashPolicy decides whether the adapter should respawn after an
// unexpected exit; the reliability layer supplies the real policy.
type CrashPolicy func(status ExitStatus, epoch int) bool

// Client is the stdio-child outbound channel: frames written to the child's
// stdin, frames read one per line from its stdout, stderr drained to the
// logs.
type Client struct {
	channel    *base.Channel
	supervisor *Supervisor
	logger     *logrus.Logger
	policy     CrashPolicy

	mux    sync.Mutex
	handle *ChildHandle
	ctx    context.Context
}

// New spawns the child and returns the channel; the returned Client
// implements transport.Channel.
func New(ctx context.Context, spec Spec, options ...Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ret := &Client{
		supervisor: nil,
		logger:     logrus.StandardLogger(),
		ctx:        ctx,
	}
	cfg := &config{}
	for _, option := range options {
		option(ret, cfg)
	}
	if ret.supervisor == nil {
		ret.supervisor = NewSupervisor(spec, ret.logger)
	}
	channelOptions := append([]base.Option{
		base.WithFramer(frameLine),
		base.WithLogger(ret.logger),
	}, cfg.channelOptions...)
	ret.channel = base.New(ctx, ret.sendData, channelOptions...)

	handle, err := ret.supervisor.Spawn(ctx)
	if err != nil {
		_ = ret.channel.Close(err)
		return nil, err
	}
	ret.adopt(handle)
	return ret, nil
}

// adopt binds a child handle and starts its pipe drains.
func (c *Client) adopt(handle *ChildHandle) {
	c.mux.Lock()
	c.handle = handle
	c.mux.Unlock()
	go c.drainStdout(handle)
	go c.drainStderr(handle)
	go c.watchExit(handle)
}

func (c *Client) sendData(ctx context.Context, data []byte) error {
	c.mux.Lock()
	handle := c.handle
	c.mux.Unlock()
	if handle == nil {
		return transport.ErrChannelClosed
	}
	_, err := handle.Stdin.Write(data)
	return err
}

func (c *Client) drainStdout(handle *ChildHandle) {
	for handle.Stdout.Scan() {
		line := handle.Stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)
		if err := c.channel.HandleData(c.ctx, data); err != nil {
			var gatewayErr *mcpway.GatewayError
			if !errors.As(err, &gatewayErr) {
				return
			}
			// parse failures are logged and the frame dropped
		}
	}
}

func (c *Client) drainStderr(handle *ChildHandle) {
	entry := c.logger.WithFields(logrus.Fields{"pid": handle.PID, "epoch": handle.Epoch})
	for handle.Stderr.Scan() {
		entry.Info("child stderr: " + handle.Stderr.Text())
	}
}

// watchExit applies the crash policy once the child ends.
func (c *Client) watchExit(handle *ChildHandle) {
	<-handle.Exited()
	status := handle.Status()
	if status.Requested {
		// the supervisor replaced or stopped this epoch deliberately
		return
	}
	c.logger.WithFields(logrus.Fields{"pid": handle.PID, "code": status.Code}).
		Warn("child exited unexpectedly")
	if c.policy != nil && status.Code != 0 && c.policy(status, handle.Epoch) {
		fresh, err := c.supervisor.Respawn(c.ctx)
		if err == nil {
			_ = c.channel.Push(c.ctx, transport.Event{Kind: transport.EventRestart})
			c.adopt(fresh)
			return
		}
		c.logger.WithError(err).Error("child respawn failed")
	}
	c.channel.SetError(mcpway.NewGatewayError(mcpway.KindUpstream,
		&exitError{status: status}))
}

// Restart applies new override args/env: the old child is terminated and a
// fresh epoch spawned; in-flight frames are failed by the bridge on the
// restart event.
func (c *Client) Restart(ctx context.Context, extraArgs []string, env map[string]string) error {
	fresh, err := c.supervisor.Restart(ctx, extraArgs, env)
	if err != nil {
		return err
	}
	_ = c.channel.Push(ctx, transport.Event{Kind: transport.EventRestart})
	c.adopt(fresh)
	return nil
}

// Supervisor exposes the child supervisor.
func (c *Client) Supervisor() *Supervisor {
	return c.supervisor
}

// Inbound implements transport.Channel.
func (c *Client) Inbound() <-chan transport.Event { return c.channel.Inbound() }

// Send implements transport.Channel.
func (c *Client) Send(ctx context.Context, message *mcpway.Message) error {
	return c.channel.Send(ctx, message)
}

// SendBatch implements transport.Channel.
func (c *Client) SendBatch(ctx context.Context, batch mcpway.Batch) error {
	return c.channel.SendBatch(ctx, batch)
}

// Close implements transport.Channel; the child is drained and stopped.
func (c *Client) Close(reason error) error {
	c.supervisor.Stop()
	return c.channel.Close(reason)
}

// Done implements transport.Channel.
func (c *Client) Done() <-chan struct{} { return c.channel.Done() }

// Err implements transport.Channel.
func (c *Client) Err() error { return c.channel.Err() }

// exitError carries the exit status as the terminal channel error.
type exitError struct {
	status ExitStatus
}

func (e *exitError) Error() string {
	if e.status.Err != nil {
		return e.status.Err.Error()
	}
	return "child exited"
}

// ExitCode exposes the child's exit code for error mapping.
func (e *exitError) ExitCode() int {
	return e.status.Code
}

func frameLine(data []byte) []byte {
	n := len(data)
	if n > 0 && data[n-1] == '\n' {
		return data
	}
	framed := make([]byte, n+1)
	copy(framed, data)
	framed[n] = '\n'
	return framed
}
