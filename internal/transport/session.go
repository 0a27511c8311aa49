package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// sendQueueSize bounds the per-session outbound queue.
	sendQueueSize = 64

	// pingInterval is the link keepalive cadence, distinct from the job
	// heartbeat the robot sends.
	pingInterval = 20 * time.Second

	// maxMissedPongs force-disconnects a robot that stopped answering.
	maxMissedPongs = 2

	// writeTimeout bounds a single frame write on the wire.
	writeTimeout = 10 * time.Second
)

// ErrSessionClosed is returned by Send on a closed or draining-refused
// session.
var ErrSessionClosed = errors.New("transport: session closed")

// ErrSendQueueFull is returned when an essential frame cannot be queued.
// The caller treats the robot as unreachable.
var ErrSendQueueFull = errors.New("transport: send queue full")

// Handler receives decoded application frames from active sessions.
// Implemented by the server wiring that bridges to the queue and registry.
type Handler interface {
	OnHeartbeat(ctx context.Context, robotID uuid.UUID, p HeartbeatPayload)
	OnAccept(ctx context.Context, robotID, jobID uuid.UUID)
	OnReject(ctx context.Context, robotID, jobID uuid.UUID, reason string)
	OnProgress(ctx context.Context, robotID uuid.UUID, msgID string, p ProgressPayload)
	OnResult(ctx context.Context, robotID uuid.UUID, p ResultPayload)
	OnCancelled(ctx context.Context, robotID, jobID uuid.UUID)
	OnSessionClosed(robotID uuid.UUID)
}

type outFrame struct {
	typ MsgType
	env Envelope
}

// Session is one robot's connection. Created by the server after a
// successful HELLO exchange; reads run on the accept goroutine, writes on a
// dedicated pump. All sends go through the bounded queue; a slow robot
// sheds non-essential frames first and is disconnected when essential
// traffic cannot be queued either.
type Session struct {
	RobotID  uuid.UUID
	TenantID string

	conn   net.Conn
	codec  Codec
	logger *zap.Logger

	state atomic.Int32

	send     chan outFrame
	closed   chan struct{}
	closeOne sync.Once

	missedPongs atomic.Int32

	// jobs the session believes are in flight, used on drain.
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	handler Handler
}

func newSession(conn net.Conn, codec Codec, robotID uuid.UUID, tenantID string, handler Handler, logger *zap.Logger) *Session {
	s := &Session{
		RobotID:  robotID,
		TenantID: tenantID,
		conn:     conn,
		codec:    codec,
		logger:   logger.With(zap.String("robot_id", robotID.String())),
		send:     make(chan outFrame, sendQueueSize),
		closed:   make(chan struct{}),
		inFlight: make(map[uuid.UUID]struct{}),
		handler:  handler,
	}
	s.state.Store(int32(StateActive))
	return s
}

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether the session may carry assignments.
func (s *Session) Active() bool { return s.State() == StateActive }

// Drain refuses new assignments and waits for in-flight jobs up to the
// drain deadline, then closes. Safe to call more than once.
func (s *Session) Drain(deadline time.Duration) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		return
	}
	s.logger.Info("session draining")

	go func() {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-timer.C:
				// In-flight jobs are abandoned; the stale-lock sweep
				// reclaims their leases.
				s.Close()
				return
			case <-tick.C:
				s.mu.Lock()
				n := len(s.inFlight)
				s.mu.Unlock()
				if n == 0 {
					s.Close()
					return
				}
			}
		}
	}()
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		_ = s.conn.Close()
	})
}

// TrackJob records an in-flight assignment for drain accounting.
func (s *Session) TrackJob(jobID uuid.UUID) {
	s.mu.Lock()
	s.inFlight[jobID] = struct{}{}
	s.mu.Unlock()
}

// UntrackJob drops a job from drain accounting once it settles.
func (s *Session) UntrackJob(jobID uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, jobID)
	s.mu.Unlock()
}

// InFlight returns how many assignments the session is tracking.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Send queues a frame. Essential frames (ASSIGN, CANCEL, ERROR) fail with
// ErrSendQueueFull when the queue is saturated; non-essential frames are
// dropped silently so a slow robot loses keepalives before control traffic.
func (s *Session) Send(typ MsgType, payload any, corrID string, essential bool) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if typ == MsgAssign && s.State() != StateActive {
		return ErrSessionClosed
	}

	raw, err := EncodePayload(s.codec, payload)
	if err != nil {
		return err
	}
	now := time.Now()
	f := outFrame{typ: typ, env: Envelope{
		MsgID:   NewMsgID(now.UnixMilli()),
		CorrID:  corrID,
		TS:      now.UnixMilli(),
		Payload: raw,
	}}

	select {
	case s.send <- f:
		return nil
	default:
		if essential {
			return ErrSendQueueFull
		}
		return nil
	}
}

// writePump serialises outbound frames onto the wire and emits keepalive
// pings. It is the only goroutine writing to conn.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case f := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := WriteFrame(s.conn, s.codec, f.typ, f.env); err != nil {
				s.logger.Warn("frame write failed",
					zap.String("type", f.typ.String()), zap.Error(err))
				return
			}

		case <-ticker.C:
			if s.missedPongs.Add(1) > maxMissedPongs {
				s.logger.Warn("robot missed pongs, disconnecting")
				return
			}
			if err := s.Send(MsgPing, struct{}{}, "", false); err != nil {
				return
			}

		case <-s.closed:
			return
		}
	}
}

// readPump decodes inbound frames and routes them to the handler. Runs on
// the connection's accept goroutine and returns when the connection dies.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.Close()
		s.handler.OnSessionClosed(s.RobotID)
	}()

	for {
		frame, err := ReadFrame(s.conn, s.codec)
		if err != nil {
			if s.State() != StateClosed {
				s.logger.Info("session read ended", zap.Error(err))
			}
			return
		}
		if err := s.dispatch(ctx, frame); err != nil {
			s.logger.Warn("protocol violation",
				zap.String("type", frame.Type.String()), zap.Error(err))
			_ = s.Send(MsgError, ErrorPayload{Code: ErrCodeProtocol, Message: err.Error()}, frame.Envelope.MsgID, true)
			return
		}
	}
}

// dispatch routes one inbound frame. Job-carrying frames are only legal on
// ACTIVE and DRAINING sessions (a draining robot still settles its work).
func (s *Session) dispatch(ctx context.Context, f *Frame) error {
	switch f.Type {
	case MsgPong:
		s.missedPongs.Store(0)
		return nil

	case MsgHeartbeat:
		var p HeartbeatPayload
		if err := DecodePayload(s.codec, f.Envelope.Payload, &p); err != nil {
			return err
		}
		s.handler.OnHeartbeat(ctx, s.RobotID, p)
		return nil

	case MsgAccept:
		var p AcceptPayload
		if err := DecodePayload(s.codec, f.Envelope.Payload, &p); err != nil {
			return err
		}
		jobID, err := uuid.Parse(p.JobID)
		if err != nil {
			return fmt.Errorf("bad job id %q", p.JobID)
		}
		s.handler.OnAccept(ctx, s.RobotID, jobID)
		return nil

	case MsgReject:
		var p RejectPayload
		if err := DecodePayload(s.codec, f.Envelope.Payload, &p); err != nil {
			return err
		}
		jobID, err := uuid.Parse(p.JobID)
		if err != nil {
			return fmt.Errorf("bad job id %q", p.JobID)
		}
		s.UntrackJob(jobID)
		s.handler.OnReject(ctx, s.RobotID, jobID, p.Reason)
		return nil

	case MsgProgress:
		var p ProgressPayload
		if err := DecodePayload(s.codec, f.Envelope.Payload, &p); err != nil {
			return err
		}
		s.handler.OnProgress(ctx, s.RobotID, f.Envelope.MsgID, p)
		return nil

	case MsgResult:
		var p ResultPayload
		if err := DecodePayload(s.codec, f.Envelope.Payload, &p); err != nil {
			return err
		}
		if jobID, err := uuid.Parse(p.JobID); err == nil {
			s.UntrackJob(jobID)
		}
		s.handler.OnResult(ctx, s.RobotID, p)
		return nil

	case MsgCancelled:
		var p CancelledPayload
		if err := DecodePayload(s.codec, f.Envelope.Payload, &p); err != nil {
			return err
		}
		jobID, err := uuid.Parse(p.JobID)
		if err != nil {
			return fmt.Errorf("bad job id %q", p.JobID)
		}
		s.UntrackJob(jobID)
		s.handler.OnCancelled(ctx, s.RobotID, jobID)
		return nil

	case MsgError:
		var p ErrorPayload
		_ = DecodePayload(s.codec, f.Envelope.Payload, &p)
		s.logger.Warn("robot reported transport error",
			zap.String("code", p.Code), zap.String("message", p.Message))
		return nil

	case MsgHello:
		return errors.New("duplicate HELLO on established session")

	default:
		return fmt.Errorf("unexpected message type %s", f.Type)
	}
}
