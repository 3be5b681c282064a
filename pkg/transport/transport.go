// Package transport implements the Transport component: a subject-
// addressed pub/sub client with request/response, queue subscriptions,
// and automatic reconnect with subscription survival, backed by
// nats-io/nats.go.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/wasmbus-host/pkg/log"
)

// Header names carried on every invocation message.
const (
	HeaderInvocationID  = "invocation-id"
	HeaderTraceContext  = "trace-context"
	HeaderContentLength = "content-length"
	HeaderChunked       = "chunked"
)

// Message is a received pub/sub message: subject, payload, headers, and
// (for request-style messages) a reply subject.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
	Header  nats.Header
}

// Handler processes one received Message. A subscription's handler is
// called one message at a time on that subscription's delivery
// goroutine; a Handler must not block indefinitely.
type Handler func(msg *Message)

// Subscription is a live subscription handle.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe cancels the subscription.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Config configures a Transport's NATS connection.
type Config struct {
	URL  string
	Name string
	Opts []nats.Option
}

// Transport wraps a NATS connection with the publish/request/subscribe
// surface the rest of the host depends on.
type Transport struct {
	nc *nats.Conn
}

// Connect dials the configured NATS server with unbounded reconnect
// retry. Subscriptions created afterward survive reconnects because
// nats.go resubscribes them transparently.
func Connect(cfg Config) (*Transport, error) {
	name := cfg.Name
	if name == "" {
		name = "wasmbus-host"
	}

	opts := append([]nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Logger.Warn().Err(err).Msg("transport disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Logger.Info().Str("url", nc.ConnectedUrl()).Msg("transport reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Logger.Warn().Msg("transport connection closed")
		}),
	}, cfg.Opts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	return &Transport{nc: nc}, nil
}

// Conn exposes the underlying NATS connection for collaborators that
// need JetStream or object-store access beyond this package's pub/sub
// surface (pkg/chunkstore).
func (t *Transport) Conn() *nats.Conn {
	return t.nc
}

// Close drains and closes the underlying connection.
func (t *Transport) Close() {
	if err := t.nc.Drain(); err != nil {
		log.Logger.Warn().Err(err).Msg("transport drain failed, closing directly")
		t.nc.Close()
	}
}

// Publish sends payload on subject with best-effort delivery.
func (t *Transport) Publish(subject string, payload []byte, header nats.Header) error {
	msg := &nats.Msg{Subject: subject, Data: payload, Header: header}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Request publishes payload on subject and waits for exactly one reply,
// bounded by ctx's deadline. Returns a Timeout-classed error if the
// deadline elapses before a reply arrives.
func (t *Transport) Request(ctx context.Context, subject string, payload []byte, header nats.Header) (*Message, error) {
	msg := &nats.Msg{Subject: subject, Data: payload, Header: header}

	reply, err := t.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request %s: %w: %w", subject, ErrTimeout, err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	return &Message{
		Subject: reply.Subject,
		Data:    reply.Data,
		Header:  reply.Header,
	}, nil
}

// Subscribe delivers every message published on subject to handler.
// Delivery is broadcast: every subscriber on the subject receives every
// message.
func (t *Transport) Subscribe(subject string, handler Handler) (*Subscription, error) {
	sub, err := t.nc.Subscribe(subject, wrap(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, nil
}

// QueueSubscribe delivers each message published on subject to exactly
// one subscriber sharing group.
func (t *Transport) QueueSubscribe(subject, group string, handler Handler) (*Subscription, error) {
	sub, err := t.nc.QueueSubscribe(subject, group, wrap(handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s/%s: %w", subject, group, err)
	}
	return &Subscription{sub: sub}, nil
}

func wrap(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		handler(&Message{
			Subject: msg.Subject,
			Reply:   msg.Reply,
			Data:    msg.Data,
			Header:  msg.Header,
		})
	}
}

// ErrTimeout is wrapped into Request's returned error when ctx's
// deadline elapses before a reply arrives.
var ErrTimeout = fmt.Errorf("transport request timed out")
