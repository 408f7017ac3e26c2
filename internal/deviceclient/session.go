// SPDX-License-Identifier: MIT

package deviceclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"slmgateway/internal/protocol"
)

// State is a DRD stream session's lifecycle state, adapted from a
// long-running child-process lifecycle to a long-running TCP session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStopping
	StateStopped
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// SnapshotFunc receives each parsed Snapshot read from a DRD stream. A
// non-nil return value ends the stream early and is surfaced as the
// error from StreamDRD.
type SnapshotFunc func(*protocol.Snapshot) error

// session tracks one DRD stream's state machine:
//
//	idle -> connecting -> streaming (loop)
//	                         |
//	              quiet-timeout/remote-close/cancel
//	                         |
//	                    stopping -> stopped/failed
type session struct {
	unit  string
	state State
}

func newSession(unit string) *session {
	return &session{unit: unit, state: StateIdle}
}

func (s *session) transition(next State) {
	s.state = next
}

// StreamDRD holds C4 for the entire stream. After the initial R+0000, it
// loops reading newline-delimited data lines with a per-line quiet-period
// budget, parsing each into a Snapshot and passing it to onSnapshot.
// Termination cases: per-line budget exceeded -> StreamTimeout; remote
// close -> clean end (nil); caller cancellation -> best-effort SUB byte
// then close. Exactly-once delivery is not provided.
func (c *Client) StreamDRD(ctx context.Context, target Target, onSnapshot SnapshotFunc, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = DefaultStreamQuiet
	}

	sess := newSession(target.UnitID)
	sess.transition(StateConnecting)

	release, err := c.locks.Acquire(ctx, target.UnitID)
	if err != nil {
		sess.transition(StateFailed)
		return fmt.Errorf("acquire device lock: %w", err)
	}
	defer release()

	if c.metrics != nil {
		c.metrics.SetStreamActive(target.UnitID, true)
		defer c.metrics.SetStreamActive(target.UnitID, false)
	}

	if err := c.gov.Acquire(ctx, target.UnitID); err != nil {
		sess.transition(StateFailed)
		return err
	}

	conn, err := c.dialConn(ctx, target)
	if err != nil {
		sess.transition(StateFailed)
		return &protocol.ConnectError{Unit: target.UnitID, Addr: target.addr(), Cause: err}
	}
	defer conn.Close()

	if _, err := conn.Write(protocol.EncodeCommand(protocol.CmdDRDStream)); err != nil {
		sess.transition(StateFailed)
		return &protocol.ConnectError{Unit: target.UnitID, Addr: target.addr(), Cause: err}
	}

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(quiet))
	code, err := protocol.ReadResultLine(reader)
	if err != nil {
		sess.transition(StateFailed)
		return streamIOErr(target.UnitID, quiet, err)
	}
	if err := protocol.CheckResult(target.UnitID, protocol.CmdDRDStream, code); err != nil {
		sess.transition(StateFailed)
		return err
	}

	sess.transition(StateStreaming)
	c.logger.Info("drd stream started", "device", target.UnitID)

	for {
		select {
		case <-ctx.Done():
			sess.transition(StateStopping)
			_, _ = conn.Write([]byte{protocol.SUB})
			sess.transition(StateStopped)
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(quiet))
		line, err := protocol.ReadDataLine(reader)
		if err != nil {
			if isTimeout(err) {
				sess.transition(StateFailed)
				return &protocol.StreamTimeout{Unit: target.UnitID, Quiet: quiet.String()}
			}
			// Remote close is a clean end of stream.
			sess.transition(StateStopped)
			return nil
		}

		snap, err := protocol.ParseSnapshot(target.UnitID, line)
		if err != nil {
			// A single unparseable line does not end the stream; it is
			// dropped, matching spec's "exactly-once delivery is NOT
			// provided; lost lines are dropped".
			continue
		}

		if err := onSnapshot(snap); err != nil {
			sess.transition(StateStopping)
			_, _ = conn.Write([]byte{protocol.SUB})
			sess.transition(StateStopped)
			return err
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func streamIOErr(unit string, quiet time.Duration, err error) error {
	if isTimeout(err) {
		return &protocol.StreamTimeout{Unit: unit, Quiet: quiet.String()}
	}
	return &protocol.ConnectError{Unit: unit, Addr: "drd", Cause: err}
}
