package stdio

import (
	"io"

	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/sirupsen/logrus"
)

// Option represents a functional option for configuring the stdio adapter.
type Option func(*Server)

// WithReader sets the input reader.
func WithReader(reader io.Reader) Option {
	return func(t *Server) {
		t.input = reader
	}
}

// WithWriter sets the output writer.
func WithWriter(writer io.Writer) Option {
	return func(t *Server) {
		t.output = writer
	}
}

// WithLogger sets the logger; it must not write to stdout.
func WithLogger(logger *logrus.Logger) Option {
	return func(t *Server) {
		t.logger = logger
	}
}

// WithSessionOptions forwards options to the implicit session.
func WithSessionOptions(options ...base.Option) Option {
	return func(t *Server) {
		t.options = append(t.options, options...)
	}
}
