package stdio

import (
	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

type config struct {
	channelOptions []base.Option
}

// Option configures the stdio client.
type Option func(c *Client, cfg *config)

// WithLogger sets the logger; child stderr lines land here.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client, _ *config) {
		c.logger = logger
	}
}

// WithSupervisor injects a pre-built supervisor.
func WithSupervisor(supervisor *Supervisor) Option {
	return func(c *Client, _ *config) {
		c.supervisor = supervisor
	}
}

// WithCrashPolicy sets the respawn decision applied on unexpected exits.
func WithCrashPolicy(policy CrashPolicy) Option {
	return func(c *Client, _ *config) {
		c.policy = policy
	}
}

// WithChannelOptions forwards options to the underlying channel.
func WithChannelOptions(options ...base.Option) Option {
	return func(_ *Client, cfg *config) {
		cfg.channelOptions = append(cfg.channelOptions, options...)
	}
}
