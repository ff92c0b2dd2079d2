package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server
// for managing bidirectional client communication. Server-to-client messages
// stream over SSE; client-to-server messages arrive via HTTP POST and are
// acknowledged with 202 Accepted, the answer travelling back on the stream.
//
// Every session is supervised: periodic heartbeat comments keep
// intermediaries from reaping the connection, an idle timer expires sessions
// with no message traffic, and a maximum-duration timer bounds session
// lifetime outright. An expired session ends its Messages iteration so the
// consumer releases it through Stop.
//
// The HandleSSE and HandleMessage handlers integrate with any HTTP
// framework. Instances should be created using NewSSEServer and shut down
// using Shutdown when no longer needed.
type SSEServer struct {
	logger *slog.Logger

	heartbeatInterval  time.Duration
	sessionIdleTimeout time.Duration
	sessionMaxDuration time.Duration

	sessions         chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage
	broadcasts       chan *sse.Message

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	maxDuration       time.Duration

	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	activity     chan struct{}

	done       chan struct{}
	expired    chan struct{}
	expireOnce sync.Once

	sendClosed      chan struct{}
	receivedClosed  chan struct{}
	superviseClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var (
	defaultSSEServerHeartbeatInterval  = 30 * time.Second
	defaultSSEServerSessionIdleTimeout = 5 * time.Minute
	defaultSSEServerSessionMaxDuration = 2 * time.Hour

	errSessionClosed = errors.New("session is closed")
)

// NewSSEServer creates and initializes a new SSE server. The server is
// immediately operational upon creation; sessions appear on the Sessions
// iterator as clients connect. The returned SSEServer must be shut down
// using Shutdown when no longer needed.
func NewSSEServer(options ...SSEServerOption) SSEServer {
	s := SSEServer{
		logger:           slog.Default().With(slog.String("component", "sse-server")),
		sessions:         make(chan *sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		broadcasts:       make(chan *sse.Message),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(&s)
	}

	if s.heartbeatInterval == 0 {
		s.heartbeatInterval = defaultSSEServerHeartbeatInterval
	}
	if s.sessionIdleTimeout == 0 {
		s.sessionIdleTimeout = defaultSSEServerSessionIdleTimeout
	}
	if s.sessionMaxDuration == 0 {
		s.sessionMaxDuration = defaultSSEServerSessionMaxDuration
	}

	return s
}

// WithSSEServerLogger sets the logger for the server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse-server"))
	}
}

// WithSSEServerHeartbeatInterval sets how often a comment-only heartbeat is
// written to each open stream. A negative value disables heartbeats.
func WithSSEServerHeartbeatInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.heartbeatInterval = interval
	}
}

// WithSSEServerSessionIdleTimeout expires sessions with no message traffic,
// inbound or outbound, for the given duration. Heartbeats do not count as
// traffic. A negative value disables the idle timer.
func WithSSEServerSessionIdleTimeout(timeout time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.sessionIdleTimeout = timeout
	}
}

// WithSSEServerSessionMaxDuration bounds the total lifetime of a session
// regardless of traffic. A negative value disables the bound.
func WithSSEServerSessionMaxDuration(d time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.sessionMaxDuration = d
	}
}

// Sessions implements the ServerTransport interface. The iterator yields new
// sessions as clients connect; the owning loop also routes inbound POSTs and
// broadcasts to the right session, so session lookup never needs a lock.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()
				go sess.supervise()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				sess, ok := sessionsMap[msg.sessID]
				if !ok {
					// The session might already be closed, drop the message.
					continue
				}

				select {
				case <-s.done:
					return
				case <-sess.done:
					// Nothing drains an ended session, drop the message so the
					// loop stays live for the other sessions.
				case <-sess.expired:
				case sess.receivedMsgs <- msg.msg:
				}
			case bc := <-s.broadcasts:
				// Enqueue per session off the loop so one slow stream never
				// stalls the others; a failed write expires only that session.
				for _, sess := range sessionsMap {
					go sess.enqueue(bc)
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. It blocks until the
// session loop has exited.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// Broadcast implements the Broadcaster interface by serializing the message
// once and fanning it out to every open session. A session whose stream
// cannot accept the write is expired; the others are unaffected.
func (s SSEServer) Broadcast(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("server is shutting down")
	case s.broadcasts <- sseMsg:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE connections over
// GET requests. The session ID is taken from the X-Session-ID header when
// the client provides one, otherwise generated. The connection remains open
// until the client disconnects, a session timer expires, or the server
// closes.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := r.Header.Get("X-Session-ID")
		if sessID == "" {
			sessID = uuid.New().String()
		}

		srvSession := &sseServerSession{
			id:                sessID,
			sess:              sess,
			logger:            s.logger,
			heartbeatInterval: s.heartbeatInterval,
			idleTimeout:       s.sessionIdleTimeout,
			maxDuration:       s.sessionMaxDuration,
			sendMsgs:          make(chan sseServerSessionSendMsg, 5),
			receivedMsgs:      make(chan JSONRPCMessage, 5),
			activity:          make(chan struct{}, 1),
			done:              make(chan struct{}),
			expired:           make(chan struct{}),
			sendClosed:        make(chan struct{}),
			receivedClosed:    make(chan struct{}),
			superviseClosed:   make(chan struct{}),
		}

		// Hand the session to the Sessions loop so the caller sees it.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		}

		// Block until the session is released, keeping the stream open.
		<-srvSession.sendClosed
		<-srvSession.superviseClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent
// via POST requests. The session is identified by the X-Session-ID header,
// falling back to the sessionID query parameter. Accepted messages are
// acknowledged with 202 Accepted and routed to the matching session's
// message stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.Header.Get("X-Session-ID")
		if sessID == "" {
			sessID = r.URL.Query().Get("sessionID")
		}
		if sessID == "" {
			nErr := errors.New("missing session ID")
			s.logger.Warn("missing session ID", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage

		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *sseServerSession) ID() string { return s.id }

// Send transmits a message over the session's event stream. Messages are
// queued so concurrent senders never race on the underlying stream writer.
func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	s.touch()

	errs := make(chan error, 1)

	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: sseMsg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case <-s.expired:
		return errSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case <-s.expired:
		return errSessionClosed
	}
}

// Messages implements the Session interface. The iteration ends when the
// session is stopped or when a supervision timer expires it, which is how
// the consumer learns it should release the session.
func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				s.touch()
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.expired:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.expire()
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
	<-s.superviseClosed
}

// touch records message activity, resetting the idle timer. Heartbeats
// deliberately bypass it.
func (s *sseServerSession) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

func (s *sseServerSession) expire() {
	s.expireOnce.Do(func() {
		close(s.expired)
	})
}

// enqueue hands an already-built event to the send queue, giving up when the
// session ends first.
func (s *sseServerSession) enqueue(msg *sse.Message) {
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: msg}:
	case <-s.done:
	case <-s.expired:
	}
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				// The stream is gone, let the consumer release the session.
				s.expire()

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				s.expire()

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}

			select {
			case sm.errs <- nil:
			default:
			}
		case <-s.done:
			return
		}
	}
}

// supervise runs the session's timers: heartbeat comments at a fixed
// interval, an idle timer reset by message traffic, and a hard cap on total
// session duration.
func (s *sseServerSession) supervise() {
	defer close(s.superviseClosed)

	var heartbeatC <-chan time.Time
	if s.heartbeatInterval > 0 {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if s.idleTimeout > 0 {
		idleTimer = time.NewTimer(s.idleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	var maxC <-chan time.Time
	if s.maxDuration > 0 {
		maxTimer := time.NewTimer(s.maxDuration)
		defer maxTimer.Stop()
		maxC = maxTimer.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-s.expired:
			return
		case <-heartbeatC:
			hb := &sse.Message{}
			hb.AppendComment("heartbeat")

			select {
			case s.sendMsgs <- sseServerSessionSendMsg{msg: hb}:
			case <-s.done:
				return
			case <-s.expired:
				return
			}
		case <-s.activity:
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(s.idleTimeout)
			}
		case <-idleC:
			s.logger.Info("session idle timeout reached", slog.String("sessionID", s.id))
			s.expire()
			return
		case <-maxC:
			s.logger.Info("session max duration reached", slog.String("sessionID", s.id))
			s.expire()
			return
		}
	}
}
