package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/reliability"
	"github.com/mcpway/mcpway/transport"
)

type direction int

const (
	directionDownstream direction = iota
	directionUpstream
)

// String names the direction for logs.
func (d direction) String() string {
	if d == directionDownstream {
		return "downstream"
	}
	return "upstream"
}

// pump drains one direction of the session until either side terminates.
// Within a direction frames leave in the order they arrived; a saturated
// sink pauses this direction only.
func (s *Session) pump(ctx context.Context, dir direction) error {
	src, dst := s.input, s.output
	if dir == directionUpstream {
		src, dst = s.output, s.input
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-src.Inbound():
			if !ok {
				return s.terminate(dir, src.Err())
			}
			switch event.Kind {
			case transport.EventError:
				return s.terminate(dir, event.Err)
			case transport.EventRestart:
				s.handleRestart(ctx, dir)
			case transport.EventEndpoint:
				s.logger.WithField("endpoint", event.Endpoint).Debug("upstream endpoint announced")
			case transport.EventFrame:
				out, err := s.forward(ctx, dir, event.Message, src)
				if err != nil {
					return s.terminate(dir, err)
				}
				if out != nil {
					if err := s.waitSend(ctx, dst, out); err != nil {
						if err = s.deliverSendFailure(ctx, dir, src, mcpway.Batch{out}, err); err != nil {
							return s.terminate(dir, err)
						}
					}
				}
			case transport.EventBatch:
				// batch elements are processed strictly left-to-right: a
				// response element resolves its correlation entry before any
				// later request element is correlated
				outs := make(mcpway.Batch, 0, len(event.Batch))
				var failed error
				for _, message := range event.Batch {
					out, err := s.forward(ctx, dir, message, src)
					if err != nil {
						failed = err
						break
					}
					if out != nil {
						outs = append(outs, out)
					}
				}
				if failed != nil {
					return s.terminate(dir, failed)
				}
				if len(outs) > 0 {
					if err := s.waitSendBatch(ctx, dst, outs); err != nil {
						if err = s.deliverSendFailure(ctx, dir, src, outs, err); err != nil {
							return s.terminate(dir, err)
						}
					}
				}
			}
		}
	}
}

// forward maps one message onto its outbound form, maintaining the
// correlation tables. It returns nil when the message was consumed locally.
func (s *Session) forward(ctx context.Context, dir direction, message *mcpway.Message, src transport.Channel) (*mcpway.Message, error) {
	s.touch()
	fwd, rev := s.down, s.up
	if dir == directionUpstream {
		fwd, rev = s.up, s.down
	}
	switch message.Type {
	case mcpway.MessageTypeRequest:
		if dir == directionDownstream && message.Request.Method == "initialize" {
			if cached := s.cachedInitialize(); cached != nil {
				response := &mcpway.Response{
					Id:      message.Request.Id,
					Jsonrpc: mcpway.Version,
					Result:  cached.Result,
				}
				return nil, s.waitSend(ctx, src, mcpway.NewResponseMessage(response))
			}
		}
		outId := message.Request.Id
		if dir == directionDownstream && s.Policy.RewriteIds {
			outId = s.manager.NextId()
		}
		if _, err := fwd.Add(ctx, message.Request.Id, outId, message.Request.Method, s.deadline()); err != nil {
			// table full: answer the requester instead of stalling the pump
			response := &mcpway.Response{
				Id:      message.Request.Id,
				Jsonrpc: mcpway.Version,
				Error:   mcpway.NewBackpressureExceeded(),
			}
			return nil, s.waitSend(ctx, src, mcpway.NewResponseMessage(response))
		}
		clone := *message.Request
		clone.Id = outId
		return mcpway.NewRequestMessage(&clone), nil

	case mcpway.MessageTypeNotification:
		return message, nil

	case mcpway.MessageTypeResponse:
		entry, ok := rev.Match(message.Response.Id)
		if !ok {
			s.logger.WithField("id", message.Response.Id).
				Debug("dropping response with no matching request")
			return nil, nil
		}
		entry.Resolve(message.Response)
		if entry.Internal {
			return nil, nil
		}
		if entry.Method == "initialize" && dir == directionUpstream && message.Response.Error == nil {
			s.cacheInitialize(message.Response)
		}
		clone := *message.Response
		clone.Id = entry.InboundId
		return mcpway.NewResponseMessage(&clone), nil
	}
	return nil, nil
}

// handleRestart fails the requests in flight across the replaced upstream;
// clients are expected to retry.
func (s *Session) handleRestart(ctx context.Context, dir direction) {
	if dir != directionUpstream {
		return
	}
	for _, entry := range s.down.FailAll(mcpway.NewUpstreamRestarted()) {
		if entry.Internal {
			continue
		}
		_ = s.waitSend(ctx, s.input, mcpway.NewResponseMessage(entry.Response))
	}
}

// deliverSendFailure turns a rejected dispatch (open circuit) into error
// responses for the affected requests instead of tearing the session down;
// any other failure propagates.
func (s *Session) deliverSendFailure(ctx context.Context, dir direction, src transport.Channel, outs mcpway.Batch, cause error) error {
	if !reliability.IsCircuitOpen(cause) {
		return cause
	}
	fwd := s.down
	if dir == directionUpstream {
		fwd = s.up
	}
	for _, out := range outs {
		if out.Type != mcpway.MessageTypeRequest {
			continue
		}
		entry, ok := fwd.Match(out.Request.Id)
		if !ok {
			continue
		}
		entry.Fail(mcpway.NewCircuitOpen(""))
		if entry.Internal {
			continue
		}
		if err := s.waitSend(ctx, src, mcpway.NewResponseMessage(entry.Response)); err != nil {
			return err
		}
	}
	return nil
}

// terminate runs the symmetric cancellation: both tables drain with the
// mapped error and both channels close.
func (s *Session) terminate(dir direction, cause error) error {
	anError := terminalError(dir, cause)
	s.logger.WithField("direction", dir.String()).WithError(cause).Info("pump terminated")
	s.Close(anError)
	if cause == nil {
		return transport.ErrChannelClosed
	}
	return cause
}

// terminalError maps a channel failure onto the JSON-RPC error surfaced to
// waiting callers.
func terminalError(dir direction, cause error) *mcpway.Error {
	if cause == nil {
		return mcpway.NewChannelClosed()
	}
	var gatewayErr *mcpway.GatewayError
	if errors.As(cause, &gatewayErr) {
		switch gatewayErr.Kind {
		case mcpway.KindUpstream:
			if dir == directionUpstream {
				var exited interface{ ExitCode() int }
				if errors.As(gatewayErr.Cause, &exited) {
					return mcpway.NewUpstreamExited(exited.ExitCode())
				}
				return mcpway.NewUpstreamExited(0)
			}
		case mcpway.KindSession:
			return mcpway.NewSessionTimedOut()
		case mcpway.KindBackpressure:
			return mcpway.NewBackpressureExceeded()
		}
	}
	return mcpway.NewChannelClosed()
}

// waitSend forwards one frame, pausing this direction while the sink is
// saturated and resuming once it drains below the low-water mark.
func (s *Session) waitSend(ctx context.Context, dst transport.Channel, message *mcpway.Message) error {
	for {
		err := dst.Send(ctx, message)
		if err == nil || !errors.Is(err, transport.ErrBackpressure) {
			return err
		}
		if err := s.awaitDrain(ctx, dst); err != nil {
			return err
		}
	}
}

// waitSendBatch forwards a batch with the same pausing behavior.
func (s *Session) waitSendBatch(ctx context.Context, dst transport.Channel, batch mcpway.Batch) error {
	for {
		err := dst.SendBatch(ctx, batch)
		if err == nil || !errors.Is(err, transport.ErrBackpressure) {
			return err
		}
		if err := s.awaitDrain(ctx, dst); err != nil {
			return err
		}
	}
}

// drainNotifier is implemented by channels exposing their outbound queue.
type drainNotifier interface {
	Outbound() *transport.Outbound
}

func (s *Session) awaitDrain(ctx context.Context, dst transport.Channel) error {
	if notifier, ok := dst.(drainNotifier); ok && notifier.Outbound() != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dst.Done():
			return transport.ErrChannelClosed
		case <-notifier.Outbound().Resumed():
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-dst.Done():
		return transport.ErrChannelClosed
	case <-time.After(25 * time.Millisecond):
		return nil
	}
}
