package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL     string
	logger         *slog.Logger
	maxMessageSize int64
	writeTimeout   time.Duration

	sessions        chan sseServerSession
	removedSessions chan string
	lookups         chan sseSessionLookup

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	rc           *http.ResponseController
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger
	writeTimeout time.Duration

	// disconnected is closed by the GET handler when the client goes away, broken by the
	// send loop when a write fails.
	disconnected   chan struct{}
	broken         chan struct{}
	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionLookup struct {
	sessID string
	result chan sseServerSession
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

const defaultSSEMaxMessageSize = 4 << 20

var errSessionNotFound = errors.New("session not found")

// NewSSEServer creates and initializes a new SSE server that listens for client connections
// at the specified messageURL. The server is immediately operational upon creation with
// initialized internal channels for session and message management. The returned SSEServer
// must be closed using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:      messageURL,
		logger:          slog.Default(),
		maxMessageSize:  defaultSSEMaxMessageSize,
		writeTimeout:    defaultServerSendTimeout,
		sessions:        make(chan sseServerSession),
		removedSessions: make(chan string),
		lookups:         make(chan sseSessionLookup),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse"),
		)
	}
}

// WithSSEServerMaxMessageSize sets the largest POST body accepted as a message.
func WithSSEServerMaxMessageSize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		if size > 0 {
			s.maxMessageSize = size
		}
	}
}

// WithSSEServerWriteTimeout bounds how long a single event write may take before the
// client is considered broken and dropped.
func WithSSEServerWriteTimeout(timeout time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server. Use this method to access and
// interact with connected clients through the Session interface.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				// Received a new session from handler.

				// Process send messages for this session in a separate goroutine
				go sess.processSendMessages()

				// Store the session in the map.
				sessionsMap[sess.id] = sess

				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				// Received a session ID to remove from the sessions map.
				delete(sessionsMap, sessID)
			case l := <-s.lookups:
				// The message handler routes the message itself, so a busy session
				// never blocks this loop.
				sess, ok := sessionsMap[l.sessID]
				if !ok {
					close(l.result)
					continue
				}
				l.result <- sess
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	close(s.done)

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the server closes.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Received the request to establish a new SSE session.
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		logger := s.logger.With(slog.String("sessionID", sessID))

		// Form an url for the client that can be used to communicate with the server session.
		url := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(url)
		if err := sess.Send(&msg); err != nil {
			logger.Error("failed to write SSE URL", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			logger.Error("failed to flush SSE", "err", err)
			return
		}

		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			rc:             http.NewResponseController(w),
			logger:         logger,
			writeTimeout:   s.writeTimeout,
			sendMsgs:       make(chan sseServerSessionSendMsg),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			disconnected:   make(chan struct{}),
			broken:         make(chan struct{}),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		// Feed the sessions channel that would be consumed in Sessions loop, so it can be fowarded to caller.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		logger.Info("sse session opened", slog.String("remoteAddr", r.RemoteAddr))

		// Block until the session is closed, so the connection is left open. A client going away ends
		// the Messages iteration, and the server stops the session in response.
		select {
		case <-r.Context().Done():
			close(srvSession.disconnected)
		case <-srvSession.broken:
		case <-srvSession.done:
		}
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		logger.Info("sse session closed")

		// Notify the main loop that this session is closed.
		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. Valid messages are routed to their corresponding Session's message stream,
// accessible through the Sessions iterator, and acknowledged with 202 Accepted; the
// actual response travels over the event stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Received a requuest form client to one of our sessions.
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		if r.Header.Get("Content-Type") != "" {
			ctype, err := contenttype.GetMediaType(r)
			if err != nil || !ctype.Matches(contenttype.NewMediaType("application/json")) {
				http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageSize))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONRPCError(w, http.StatusRequestEntityTooLarge,
					newErrorMessage(recoverRequestID(body), JSONRPCParseErrorCode, "parse error: message too large"))
				return
			}
			s.logger.Warn("failed to read message body", slog.String("err", err.Error()))
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			code, message := JSONRPCParseErrorCode, "parse error"
			if json.Valid(body) {
				code, message = JSONRPCInvalidRequestCode, "invalid request"
			}
			writeJSONRPCError(w, http.StatusBadRequest, newErrorMessage(recoverRequestID(body), code, message))
			return
		}

		sess, err := s.lookupSession(r.Context(), sessID)
		if err != nil {
			if errors.Is(err, errSessionNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		// Route the message straight to the session.
		select {
		case sess.receivedMsgs <- msg:
		case <-sess.done:
			http.Error(w, errSessionClosed.Error(), http.StatusNotFound)
			return
		case <-sess.disconnected:
			http.Error(w, errSessionClosed.Error(), http.StatusNotFound)
			return
		case <-sess.broken:
			http.Error(w, errSessionClosed.Error(), http.StatusNotFound)
			return
		case <-r.Context().Done():
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

func (s SSEServer) lookupSession(ctx context.Context, sessID string) (sseServerSession, error) {
	l := sseSessionLookup{
		sessID: sessID,
		result: make(chan sseServerSession, 1),
	}

	select {
	case s.lookups <- l:
	case <-s.done:
		return sseServerSession{}, fmt.Errorf("server is shutting down")
	case <-ctx.Done():
		return sseServerSession{}, ctx.Err()
	}

	sess, ok := <-l.result
	if !ok {
		return sseServerSession{}, errSessionNotFound
	}
	return sess, nil
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	case <-s.done:
		return errSessionClosed
	case <-s.disconnected:
		return errSessionClosed
	case <-s.broken:
		return errSessionClosed
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for write result: %w", ctx.Err())
	case <-s.done:
		return errSessionClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.disconnected:
				return
			case <-s.broken:
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// A client that stops reading would block the write forever, so every event gets a deadline.
			// Writers that don't support deadlines simply keep the old behaviour.
			_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))

			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			sm.errs <- err
			if err != nil {
				// The stream is broken, drop the client.
				s.logger.Warn("failed to send message, dropping session", slog.String("err", err.Error()))
				close(s.broken)
				return
			}
		case <-s.done:
			return
		}
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}
