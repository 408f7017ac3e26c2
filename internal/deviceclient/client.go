// SPDX-License-Identifier: MIT

// Package deviceclient implements the single-command request/response and
// long-lived DRD streaming operations of the Device Client (spec C6),
// serializing every operation behind the Rate Governor (C3) and Device
// Mutex Table (C4) before framing the wire with the Protocol Codec (C5).
package deviceclient

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slmgateway/internal/devicelock"
	"slmgateway/internal/protocol"
	"slmgateway/internal/ratelimit"
)

// Default timeouts (spec §5).
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultExchangeTimeout = 5 * time.Second
	DefaultStreamQuiet     = 30 * time.Second
)

// Dialer abstracts net.Dialer.DialContext so tests can substitute an
// in-process fake TCP device (internal/devicetest).
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Target names the device being addressed for a single call.
type Target struct {
	UnitID string
	Host   string
	Port   int
}

func (t Target) addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// MetricsSink receives per-command latency/outcome observations. It is
// the narrow slice of internal/metrics.Sink the Device Client needs.
type MetricsSink interface {
	ObserveCommand(unitID, command string, seconds float64, ok bool)
	SetStreamActive(unitID string, active bool)
}

// Client is the Device Client. It is shared process-wide: construct one
// and reuse it for every device, since C3 and C4 are themselves
// process-wide and keyed per unit_id.
type Client struct {
	dialer  Dialer
	gov     *ratelimit.Governor
	locks   *devicelock.Table
	logger  *slog.Logger
	tracer  trace.Tracer
	connect time.Duration
	metrics MetricsSink
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger used for command-level events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConnectTimeout overrides the default TCP connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connect = d }
}

// WithDialer overrides the default *net.Dialer, for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithMetrics attaches a sink that observes every Call's latency and
// success/failure outcome.
func WithMetrics(sink MetricsSink) Option {
	return func(c *Client) { c.metrics = sink }
}

// Locks exposes the Device Mutex Table the client serializes on, so a
// caller that wants to avoid queuing behind a long stream (spec §9's
// "do NOT queue poll attempts behind an active stream" note) can probe
// with TryAcquire before committing to a blocking Call.
func (c *Client) Locks() *devicelock.Table { return c.locks }

// NewClient constructs a Device Client sharing gov and locks with every
// other caller in the process (spec's "single long-lived object, owned by
// the application root" design note).
func NewClient(gov *ratelimit.Governor, locks *devicelock.Table, opts ...Option) *Client {
	c := &Client{
		dialer:  &net.Dialer{},
		gov:     gov,
		locks:   locks,
		logger:  slog.Default(),
		tracer:  otel.Tracer("slmgateway/deviceclient"),
		connect: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs a single command/response exchange: acquire C4, then C3,
// open a fresh TCP connection, send the framed command, read the result
// code, and — for queries — read one further data line. The connection
// is released before returning. deadline covers the entire
// acquire+connect+exchange sequence.
func (c *Client) Call(ctx context.Context, target Target, command string, deadline time.Duration) (string, error) {
	start := time.Now()
	data, err := c.call(ctx, target, command, deadline)
	if c.metrics != nil {
		c.metrics.ObserveCommand(target.UnitID, command, time.Since(start).Seconds(), err == nil)
	}
	return data, err
}

func (c *Client) call(ctx context.Context, target Target, command string, deadline time.Duration) (string, error) {
	ctx, span := c.tracer.Start(ctx, "deviceclient.Call", trace.WithAttributes(
		attribute.String("unit_id", target.UnitID),
		attribute.String("command", command),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	release, err := c.locks.Acquire(ctx, target.UnitID)
	if err != nil {
		return "", fmt.Errorf("acquire device lock: %w", err)
	}
	defer release()

	if err := c.gov.Acquire(ctx, target.UnitID); err != nil {
		if ctx.Err() != nil {
			return "", &protocol.TimeoutError{Unit: target.UnitID, Op: command, Dur: deadline.String()}
		}
		return "", err
	}

	conn, err := c.dialConn(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return "", &protocol.TimeoutError{Unit: target.UnitID, Op: "connect", Dur: deadline.String()}
		}
		return "", &protocol.ConnectError{Unit: target.UnitID, Addr: target.addr(), Cause: err}
	}
	defer conn.Close()

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}

	if _, err := conn.Write(protocol.EncodeCommand(command)); err != nil {
		return "", c.ioErr(target.UnitID, command, deadline, err)
	}

	reader := bufio.NewReader(conn)
	code, err := protocol.ReadResultLine(reader)
	if err != nil {
		return "", c.ioErr(target.UnitID, command, deadline, err)
	}
	if err := protocol.CheckResult(target.UnitID, command, code); err != nil {
		c.logger.Warn("command rejected", "device", target.UnitID, "command", command, "code", code)
		return "", err
	}

	if !protocol.IsQuery(command) {
		return "", nil
	}

	data, err := protocol.ReadDataLine(reader)
	if err != nil {
		return "", c.ioErr(target.UnitID, command, deadline, err)
	}
	return data, nil
}

func (c *Client) ioErr(unit, op string, deadline time.Duration, err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &protocol.TimeoutError{Unit: unit, Op: op, Dur: deadline.String()}
	}
	return &protocol.ConnectError{Unit: unit, Addr: op, Cause: err}
}

func (c *Client) dialConn(ctx context.Context, target Target) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connect)
	defer cancel()
	return c.dialer.DialContext(dialCtx, "tcp", target.addr())
}
