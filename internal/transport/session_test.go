package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingHandler captures dispatched frames for assertions.
type recordingHandler struct {
	mu         sync.Mutex
	heartbeats []HeartbeatPayload
	accepts    []uuid.UUID
	rejects    []string
	progresses []ProgressPayload
	results    []ResultPayload
	cancelled  []uuid.UUID
	closed     chan uuid.UUID
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan uuid.UUID, 1)}
}

func (h *recordingHandler) OnHeartbeat(_ context.Context, _ uuid.UUID, p HeartbeatPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, p)
}

func (h *recordingHandler) OnAccept(_ context.Context, _ uuid.UUID, jobID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepts = append(h.accepts, jobID)
}

func (h *recordingHandler) OnReject(_ context.Context, _ uuid.UUID, _ uuid.UUID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejects = append(h.rejects, reason)
}

func (h *recordingHandler) OnProgress(_ context.Context, _ uuid.UUID, _ string, p ProgressPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progresses = append(h.progresses, p)
}

func (h *recordingHandler) OnResult(_ context.Context, _ uuid.UUID, p ResultPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, p)
}

func (h *recordingHandler) OnCancelled(_ context.Context, _ uuid.UUID, jobID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, jobID)
}

func (h *recordingHandler) OnSessionClosed(robotID uuid.UUID) {
	h.closed <- robotID
}

func pipeSession(t *testing.T, codec Codec, handler Handler) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	sess := newSession(server, codec, uuid.New(), "acme", handler, zap.NewNop())
	t.Cleanup(func() {
		sess.Close()
		_ = client.Close()
	})
	return sess, client
}

// writeClientFrame writes one frame from the robot side and returns its
// envelope message ID.
func writeClientFrame(t *testing.T, conn net.Conn, codec Codec, typ MsgType, payload any) string {
	t.Helper()
	raw, err := EncodePayload(codec, payload)
	require.NoError(t, err)
	now := time.Now()
	env := Envelope{
		MsgID:   NewMsgID(now.UnixMilli()),
		TS:      now.UnixMilli(),
		Payload: raw,
	}
	require.NoError(t, WriteFrame(conn, codec, typ, env))
	return env.MsgID
}

func TestSendShedsNonEssentialWhenSaturated(t *testing.T) {
	sess, _ := pipeSession(t, jsonCodec{}, newRecordingHandler())

	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, sess.Send(MsgPing, struct{}{}, "", false))
	}

	// Saturated: non-essential frames drop silently, essential ones error.
	require.NoError(t, sess.Send(MsgPing, struct{}{}, "", false))
	assert.Len(t, sess.send, sendQueueSize)
	err := sess.Send(MsgCancel, CancelPayload{JobID: uuid.NewString()}, "", true)
	assert.ErrorIs(t, err, ErrSendQueueFull)
}

func TestAssignRefusedUnlessActive(t *testing.T) {
	sess, _ := pipeSession(t, jsonCodec{}, newRecordingHandler())
	jobID := uuid.New()

	require.NoError(t, sess.Send(MsgAssign, AssignPayload{JobID: jobID.String()}, "", true))

	sess.TrackJob(jobID) // keeps the drain open
	sess.Drain(time.Minute)
	require.Equal(t, StateDraining, sess.State())

	err := sess.Send(MsgAssign, AssignPayload{JobID: jobID.String()}, "", true)
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Control traffic still flows while draining so in-flight work settles.
	require.NoError(t, sess.Send(MsgCancel, CancelPayload{JobID: jobID.String()}, "", true))

	sess.Close()
	err = sess.Send(MsgCancel, CancelPayload{JobID: jobID.String()}, "", true)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestDrainClosesWhenInFlightSettles(t *testing.T) {
	sess, _ := pipeSession(t, jsonCodec{}, newRecordingHandler())
	jobID := uuid.New()

	sess.TrackJob(jobID)
	sess.Drain(time.Minute)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDraining, sess.State(), "drain waits for in-flight work")

	sess.UntrackJob(jobID)
	assert.Eventually(t, func() bool { return sess.State() == StateClosed },
		3*time.Second, 50*time.Millisecond)
}

func TestDrainDeadlineForceCloses(t *testing.T) {
	sess, _ := pipeSession(t, jsonCodec{}, newRecordingHandler())

	sess.TrackJob(uuid.New())
	sess.Drain(50 * time.Millisecond)

	assert.Eventually(t, func() bool { return sess.State() == StateClosed },
		2*time.Second, 20*time.Millisecond)
}

func TestWritePumpDeliversQueuedFrames(t *testing.T) {
	sess, client := pipeSession(t, msgpackCodec{}, newRecordingHandler())
	go sess.writePump()

	jobID := uuid.New()
	require.NoError(t, sess.Send(MsgAssign, AssignPayload{JobID: jobID.String(), Attempt: 1}, "", true))

	frame, err := ReadFrame(client, msgpackCodec{})
	require.NoError(t, err)
	assert.Equal(t, MsgAssign, frame.Type)

	var p AssignPayload
	require.NoError(t, DecodePayload(msgpackCodec{}, frame.Envelope.Payload, &p))
	assert.Equal(t, jobID.String(), p.JobID)
	assert.Equal(t, 1, p.Attempt)
}

func TestReadPumpRoutesFramesToHandler(t *testing.T) {
	handler := newRecordingHandler()
	sess, client := pipeSession(t, jsonCodec{}, handler)
	go sess.readPump(context.Background())

	jobID := uuid.New()
	sess.TrackJob(jobID)

	writeClientFrame(t, client, jsonCodec{}, MsgHeartbeat, HeartbeatPayload{JobIDs: []string{jobID.String()}})
	writeClientFrame(t, client, jsonCodec{}, MsgAccept, AcceptPayload{JobID: jobID.String()})
	writeClientFrame(t, client, jsonCodec{}, MsgProgress, ProgressPayload{JobID: jobID.String(), Progress: 40})
	writeClientFrame(t, client, jsonCodec{}, MsgResult, ResultPayload{JobID: jobID.String(), Status: "completed"})

	assert.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.heartbeats) == 1 && len(handler.accepts) == 1 &&
			len(handler.progresses) == 1 && len(handler.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	assert.Equal(t, jobID, handler.accepts[0])
	assert.Equal(t, 40, handler.progresses[0].Progress)
	handler.mu.Unlock()
	assert.Zero(t, sess.InFlight(), "RESULT settles the tracked job")

	sess.Close()
	select {
	case id := <-handler.closed:
		assert.Equal(t, sess.RobotID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("session close was not reported")
	}
}

func TestReadPumpRejectsDuplicateHello(t *testing.T) {
	handler := newRecordingHandler()
	sess, client := pipeSession(t, jsonCodec{}, handler)
	go sess.readPump(context.Background())

	msgID := writeClientFrame(t, client, jsonCodec{}, MsgHello, HelloPayload{Hostname: "worker-01"})

	select {
	case <-handler.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after protocol violation")
	}
	assert.Equal(t, StateClosed, sess.State())

	// The ERROR reply was queued before teardown, correlated to the
	// offending frame.
	select {
	case f := <-sess.send:
		assert.Equal(t, MsgError, f.typ)
		assert.Equal(t, msgID, f.env.CorrID)
		var p ErrorPayload
		require.NoError(t, DecodePayload(jsonCodec{}, f.env.Payload, &p))
		assert.Equal(t, ErrCodeProtocol, p.Code)
	default:
		t.Fatal("no error frame queued")
	}
}
