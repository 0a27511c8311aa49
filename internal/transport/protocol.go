// Package transport implements the robot wire protocol: a persistent
// mutually-authenticated TLS connection per robot carrying length-prefixed
// binary frames. Frame layout on the wire:
//
//	u32 little-endian  length of the remainder
//	u16 little-endian  message type
//	bytes              envelope, encoded with the session codec
//
// The envelope codec is JSON or MessagePack, chosen by the robot in its
// HELLO; the HELLO itself is always JSON so the server can parse it before
// the choice is known. See session.go for the session state machine and
// server.go for the listener.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// MsgType identifies a frame's message type on the wire.
type MsgType uint16

const (
	MsgHello     MsgType = 0x01 // R→C identity, capabilities, version
	MsgWelcome   MsgType = 0x02 // C→R session accepted, lease parameters
	MsgHeartbeat MsgType = 0x03 // R→C liveness and metrics
	MsgAssign    MsgType = 0x04 // C→R deliver a claimed job
	MsgAccept    MsgType = 0x05 // R→C job accepted
	MsgReject    MsgType = 0x06 // R→C job refused
	MsgProgress  MsgType = 0x07 // R→C progress, current node, logs
	MsgResult    MsgType = 0x08 // R→C terminal outcome
	MsgCancel    MsgType = 0x09 // C→R cooperative cancel request
	MsgCancelled MsgType = 0x0A // R→C cancel acknowledged terminal
	MsgPing      MsgType = 0x0B // C→R link keepalive
	MsgPong      MsgType = 0x0C // R→C link keepalive reply
	MsgError     MsgType = 0x0D // both: transport-level failure
)

// String returns the protocol name of the message type, for logs and metrics.
func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgWelcome:
		return "WELCOME"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgAssign:
		return "ASSIGN"
	case MsgAccept:
		return "ACCEPT"
	case MsgReject:
		return "REJECT"
	case MsgProgress:
		return "PROGRESS"
	case MsgResult:
		return "RESULT"
	case MsgCancel:
		return "CANCEL"
	case MsgCancelled:
		return "CANCELLED"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint16(t))
	}
}

// Envelope wraps every payload with ordering and correlation metadata.
// MsgID is a 128-bit value rendered as 32 fixed-width lowercase hex digits,
// unique per sender and monotonically comparable as a string within a
// session (high 64 bits are the millisecond timestamp).
type Envelope struct {
	MsgID   string `json:"msg_id" msgpack:"msg_id"`
	CorrID  string `json:"corr_id,omitempty" msgpack:"corr_id,omitempty"`
	TS      int64  `json:"ts" msgpack:"ts"` // millis since epoch
	Payload []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewMsgID returns a fresh envelope message ID: 64 bits of millisecond
// timestamp followed by 64 random bits, hex-encoded to fixed width so
// string comparison matches numeric comparison.
func NewMsgID(nowMillis int64) string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(nowMillis))
	if _, err := rand.Read(b[8:]); err != nil {
		// crypto/rand never fails on supported platforms; a zero suffix
		// still yields a usable, ordered ID.
		copy(b[8:], make([]byte, 8))
	}
	return fmt.Sprintf("%032x", b)
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// HelloPayload is the first message after the TLS handshake. Always JSON.
type HelloPayload struct {
	RobotID      string       `json:"robot_id" msgpack:"robot_id"`
	APIKey       string       `json:"api_key" msgpack:"api_key"`
	Hostname     string       `json:"hostname" msgpack:"hostname"`
	Name         string       `json:"name" msgpack:"name"`
	Capabilities db.StringSet `json:"capabilities" msgpack:"capabilities"`
	Tags         db.StringSet `json:"tags,omitempty" msgpack:"tags,omitempty"`
	MaxJobs      int          `json:"max_concurrent_jobs" msgpack:"max_concurrent_jobs"`
	Version      string       `json:"version" msgpack:"version"`
	Codec        string       `json:"codec" msgpack:"codec"` // "json" or "msgpack"
}

// WelcomePayload accepts the session and hands the robot its lease
// parameters.
type WelcomePayload struct {
	RobotID           string `json:"robot_id" msgpack:"robot_id"`
	SessionToken      string `json:"session_token" msgpack:"session_token"`
	HeartbeatInterval int64  `json:"heartbeat_interval_ms" msgpack:"heartbeat_interval_ms"`
	LeaseTimeout      int64  `json:"lease_timeout_ms" msgpack:"lease_timeout_ms"`
}

// HeartbeatPayload carries liveness plus a host metrics snapshot, and
// renews the lease of every job the robot currently holds.
type HeartbeatPayload struct {
	JobIDs  []string   `json:"job_ids,omitempty" msgpack:"job_ids,omitempty"`
	Metrics db.JSONMap `json:"metrics,omitempty" msgpack:"metrics,omitempty"`
}

// AssignPayload delivers a claimed job to the robot.
type AssignPayload struct {
	JobID          string     `json:"job_id" msgpack:"job_id"`
	WorkflowID     string     `json:"workflow_id" msgpack:"workflow_id"`
	WorkflowName   string     `json:"workflow_name,omitempty" msgpack:"workflow_name,omitempty"`
	Priority       int        `json:"priority" msgpack:"priority"`
	Payload        []byte     `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Inputs         db.JSONMap `json:"inputs,omitempty" msgpack:"inputs,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds" msgpack:"timeout_seconds"`
	Attempt        int        `json:"attempt" msgpack:"attempt"`
}

// AcceptPayload acknowledges an ASSIGN; the job moves to running.
type AcceptPayload struct {
	JobID string `json:"job_id" msgpack:"job_id"`
}

// RejectPayload refuses an ASSIGN; the lease is released and the job
// returns to pending.
type RejectPayload struct {
	JobID  string `json:"job_id" msgpack:"job_id"`
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// LogLine is one streamed robot log record inside a PROGRESS frame.
type LogLine struct {
	Timestamp int64      `json:"ts" msgpack:"ts"` // millis since epoch
	Level     string     `json:"level" msgpack:"level"`
	Message   string     `json:"message" msgpack:"message"`
	Source    string     `json:"source,omitempty" msgpack:"source,omitempty"`
	Extra     db.JSONMap `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// ProgressPayload reports execution progress and optionally batched logs.
type ProgressPayload struct {
	JobID       string    `json:"job_id" msgpack:"job_id"`
	Progress    int       `json:"progress" msgpack:"progress"` // 0..100
	CurrentNode string    `json:"current_node,omitempty" msgpack:"current_node,omitempty"`
	Logs        []LogLine `json:"logs,omitempty" msgpack:"logs,omitempty"`
}

// ResultPayload reports a terminal outcome.
type ResultPayload struct {
	JobID     string `json:"job_id" msgpack:"job_id"`
	Status    string `json:"status" msgpack:"status"` // completed or failed
	Result    []byte `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     string `json:"error,omitempty" msgpack:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty" msgpack:"error_code,omitempty"`
	Stack     string `json:"stack,omitempty" msgpack:"stack,omitempty"`
	Retryable bool   `json:"retryable" msgpack:"retryable"`
}

// CancelPayload asks the robot to stop a job cooperatively.
type CancelPayload struct {
	JobID  string `json:"job_id" msgpack:"job_id"`
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// CancelledPayload acknowledges a cancel with the terminal transition.
type CancelledPayload struct {
	JobID string `json:"job_id" msgpack:"job_id"`
}

// ErrorPayload reports a transport-level failure before tearing the session
// down.
type ErrorPayload struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Transport error codes carried in ErrorPayload.
const (
	ErrCodeAuthFailed     = "AUTH_FAILED"
	ErrCodeProtocol       = "PROTOCOL_VIOLATION"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeDraining       = "DRAINING"
	ErrCodeTooSlow        = "TOO_SLOW"
)
