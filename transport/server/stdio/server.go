// Package stdio implements the stdio-parent adapter: the gateway speaks
// newline-delimited JSON-RPC on its own standard streams. Logs never touch
// stdout in this mode.
package stdio

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/sirupsen/logrus"
)

const sessionKey = "stdio"

// Server reads frames from stdin and writes frames to stdout for the single
// implicit session.
type Server struct {
	acceptor base.Acceptor
	input    io.Reader
	output   io.Writer
	reader   *bufio.Reader
	logger   *logrus.Logger
	options  []base.Option
	session  *base.Session
	ctx      context.Context
}

// ListenAndServe drains stdin until EOF or context cancellation. EOF is a
// clean close.
func (t *Server) ListenAndServe() error {
	defer t.session.Close(nil)
	for {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		line, err := t.readLine(t.ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(line) <= 1 {
			continue
		}
		if err := t.session.PushFrameWait(t.ctx, []byte(line)); err != nil {
			t.logger.WithError(err).Warn("dropped inbound stdio frame")
		}
	}
}

func (t *Server) readLine(ctx context.Context) (string, error) {
	readChan := make(chan string, 1)
	errChan := make(chan error, 1)
	go func() {
		line, err := t.reader.ReadString('\n')
		if line != "" && (err == nil || err == io.EOF) {
			readChan <- line
			return
		}
		if err != nil {
			errChan <- err
			return
		}
		readChan <- line
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errChan:
		return "", err
	case line := <-readChan:
		return line, nil
	}
}

// Session exposes the implicit session channel.
func (t *Server) Session() *base.Session {
	return t.session
}

// New creates a stdio-parent server; the acceptor receives the implicit
// session channel before ListenAndServe starts draining.
func New(ctx context.Context, acceptor base.Acceptor, options ...Option) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	ret := &Server{
		acceptor: acceptor,
		input:    os.Stdin,
		output:   os.Stdout,
		logger:   logrus.StandardLogger(),
		ctx:      ctx,
	}
	for _, option := range options {
		option(ret)
	}
	ret.reader = bufio.NewReader(ret.input)
	sessionOptions := append([]base.Option{base.WithFramer(frameLine)}, ret.options...)
	ret.session = base.NewSession(ctx, sessionKey, ret.output, sessionOptions...)
	if ret.acceptor != nil {
		ret.acceptor(ret.session)
	}
	return ret
}

// frameLine terminates every message with a newline.
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
