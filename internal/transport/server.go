package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/registry"
)

// helloTimeout is how long a connection may sit after the TLS handshake
// before its HELLO arrives.
const helloTimeout = 5 * time.Second

// ErrNoSession is returned when a frame is addressed to a robot without an
// active session.
var ErrNoSession = errors.New("transport: no active session for robot")

// TLSConfig describes the listener's certificate material.
type TLSConfig struct {
	CertFile     string // server certificate
	KeyFile      string // server private key
	ClientCAFile string // CA bundle that signs robot client certificates
}

// Server owns the robot-facing TLS listener and the in-memory session map.
// The session map is advisory: the database is the source of truth for
// robot and job state, and the map is rebuilt as robots reconnect.
type Server struct {
	cfg      config.Config
	tlsConf  *tls.Config
	registry *registry.Service
	auth     *auth.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// handler is set after construction to break the wiring cycle with the
	// dispatcher, which both consumes sessions and handles their frames.
	handler Handler

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	listener net.Listener
	closed   chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup
}

// NewServer builds the robot transport server. Call SetHandler before Serve.
func NewServer(cfg config.Config, tlsCfg TLSConfig, reg *registry.Service, authSvc *auth.Service, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading server keypair: %w", err)
	}
	caPEM, err := os.ReadFile(tlsCfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("transport: reading client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("transport: client CA bundle contains no certificates")
	}

	return &Server{
		cfg: cfg,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    pool,
			MinVersion:   tls.VersionTLS12,
		},
		registry: reg,
		auth:     authSvc,
		metrics:  m,
		logger:   logger.Named("transport"),
		sessions: make(map[uuid.UUID]*Session),
		closed:   make(chan struct{}),
	}, nil
}

// SetHandler installs the frame handler. Must be called before Serve.
func (s *Server) SetHandler(h Handler) { s.handler = h }

// Serve accepts robot connections on addr until ctx is cancelled or Close
// is called.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if s.handler == nil {
		return errors.New("transport: handler not set")
	}
	ln, err := tls.Listen("tcp", addr, s.tlsConf)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("robot transport listening", zap.String("addr", addr))

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.closed:
				return nil
			default:
				return fmt.Errorf("transport: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs the HELLO handshake and, on success, the session pumps.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))

	session, err := s.handshake(ctx, conn)
	if err != nil {
		logger.Warn("handshake rejected", zap.Error(err))
		// Best effort ERROR before closing; HELLO is always JSON so the
		// reply is decodable regardless of the requested codec.
		now := time.Now()
		_ = conn.SetWriteDeadline(now.Add(writeTimeout))
		raw, _ := EncodePayload(jsonCodec{}, ErrorPayload{Code: ErrCodeAuthFailed, Message: "handshake rejected"})
		_ = WriteFrame(conn, jsonCodec{}, MsgError, Envelope{
			MsgID: NewMsgID(now.UnixMilli()), TS: now.UnixMilli(), Payload: raw,
		})
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if old, ok := s.sessions[session.RobotID]; ok {
		// A reconnect supersedes the previous session.
		old.Close()
	}
	s.sessions[session.RobotID] = session
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.RobotSessions.Set(float64(n))

	go session.writePump()
	session.readPump(ctx)

	s.mu.Lock()
	if s.sessions[session.RobotID] == session {
		delete(s.sessions, session.RobotID)
	}
	n = len(s.sessions)
	s.mu.Unlock()
	s.metrics.RobotSessions.Set(float64(n))
}

// handshake enforces: HELLO within 5s, always JSON; API key valid; client
// certificate CN equal to the robot ID the key resolves to. Registration
// goes through the registry, which mints the session token for WELCOME.
func (s *Server) handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return nil, err
	}

	frame, err := ReadFrame(conn, jsonCodec{})
	if err != nil {
		return nil, fmt.Errorf("reading HELLO: %w", err)
	}
	if frame.Type != MsgHello {
		return nil, fmt.Errorf("first frame is %s, want HELLO", frame.Type)
	}
	var hello HelloPayload
	if err := DecodePayload(jsonCodec{}, frame.Envelope.Payload, &hello); err != nil {
		return nil, err
	}
	codec, err := CodecByName(hello.Codec)
	if err != nil {
		return nil, err
	}

	principal, err := s.auth.VerifyKey(ctx, hello.APIKey)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", err)
	}

	// The client certificate CN must name the robot the key is bound to.
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, errors.New("connection is not TLS")
	}
	peers := tlsConn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, errors.New("no client certificate")
	}
	cn := peers[0].Subject.CommonName

	reg, err := s.registry.Register(ctx, registry.RegisterRequest{
		Name:              hello.Name,
		Hostname:          hello.Hostname,
		TenantID:          principal.TenantID,
		Capabilities:      hello.Capabilities,
		Tags:              hello.Tags,
		MaxConcurrentJobs: hello.MaxJobs,
		Version:           hello.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	robotID := reg.Robot.ID

	if principal.RobotID != nil && *principal.RobotID != robotID {
		return nil, errors.New("api key bound to a different robot")
	}
	if err := verifyPeerIdentity(cn, hello.RobotID, robotID); err != nil {
		return nil, err
	}

	// Clear the HELLO deadline; liveness is enforced by ping/pong.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	session := newSession(conn, codec, robotID, principal.TenantID, s.handler, s.logger)
	welcome := WelcomePayload{
		RobotID:           robotID.String(),
		SessionToken:      reg.SessionToken,
		HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds(),
		LeaseTimeout:      s.cfg.LeaseTimeout().Milliseconds(),
	}
	if err := session.Send(MsgWelcome, welcome, frame.Envelope.MsgID, true); err != nil {
		session.Close()
		return nil, err
	}

	s.logger.Info("robot session established",
		zap.String("robot_id", robotID.String()),
		zap.String("codec", codec.Name()),
		zap.String("hostname", hello.Hostname),
	)
	return session, nil
}

// verifyPeerIdentity requires the client certificate CN to equal the robot's
// ID, and a HELLO that claims an ID must name the same robot. Everything
// else in the HELLO (hostname, name) is client-chosen and registration
// upserts by hostname, so no other field may stand in for the CN.
func verifyPeerIdentity(cn, claimed string, robotID uuid.UUID) error {
	if claimed != "" {
		id, err := uuid.Parse(claimed)
		if err != nil {
			return fmt.Errorf("malformed robot id %q in hello", claimed)
		}
		if id != robotID {
			return fmt.Errorf("hello robot id %s does not name the registered robot", id)
		}
	}
	if cn != robotID.String() {
		return fmt.Errorf("certificate CN %q does not match robot id", cn)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Outbound API
// -----------------------------------------------------------------------------

// SessionFor returns the robot's session when it is connected.
func (s *Server) SessionFor(robotID uuid.UUID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[robotID]
	return sess, ok
}

// SendAssign delivers a claimed job to the robot's active session.
func (s *Server) SendAssign(robotID uuid.UUID, job *db.Job) error {
	sess, ok := s.SessionFor(robotID)
	if !ok || !sess.Active() {
		return ErrNoSession
	}
	payload := AssignPayload{
		JobID:          job.ID.String(),
		WorkflowID:     job.WorkflowID.String(),
		WorkflowName:   job.WorkflowName,
		Priority:       job.Priority,
		Payload:        job.Payload,
		Inputs:         job.Inputs,
		TimeoutSeconds: job.TimeoutSeconds,
		Attempt:        job.RetryCount + 1,
	}
	if err := sess.Send(MsgAssign, payload, "", true); err != nil {
		return err
	}
	sess.TrackJob(job.ID)
	s.metrics.FramesSent.WithLabelValues(MsgAssign.String()).Inc()
	return nil
}

// SendCancel forwards a cooperative cancel to the executing robot.
// Best effort: an unreachable robot is handled by the cancel grace sweep.
func (s *Server) SendCancel(robotID, jobID uuid.UUID, reason string) error {
	sess, ok := s.SessionFor(robotID)
	if !ok {
		return ErrNoSession
	}
	err := sess.Send(MsgCancel, CancelPayload{JobID: jobID.String(), Reason: reason}, "", true)
	if err == nil {
		s.metrics.FramesSent.WithLabelValues(MsgCancel.String()).Inc()
	}
	return err
}

// DrainAll moves every session to DRAINING for graceful shutdown.
func (s *Server) DrainAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.Drain(s.cfg.DrainDeadline)
	}
}

// Close stops accepting and tears down all sessions.
func (s *Server) Close() {
	s.closeOne.Do(func() {
		close(s.closed)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.RLock()
		for _, sess := range s.sessions {
			sess.Close()
		}
		s.mu.RUnlock()
		s.wg.Wait()
	})
}
