package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tools to LLM
// applications. It manages the connection lifecycle of every session produced by its
// transport, handles protocol messages, and routes tool requests to the ToolServer.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	toolServer ToolServer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	maxConcurrentCalls   int64
	callSlots            *semaphore.Weighted

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	shutdown          *serverShutdown

	done   chan struct{}
	closed chan struct{}
}

// serverShutdown lets Shutdown be called more than once. The transport is only shut down
// by the first call, later calls report its result.
type serverShutdown struct {
	closeDone     sync.Once
	stopTransport sync.Once
	transportErr  error
}

// connState is the lifecycle state of a single client connection.
type connState int32

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	toolServer        ToolServer
	callSlots         *semaphore.Weighted
	onClientConnected func(string, Info)

	state atomic.Int32

	// inflight maps outstanding request ids to the cancel function of their context,
	// so notifications/cancelled can reach them.
	inflightMu sync.Mutex
	inflight   map[RequestID]context.CancelFunc
	handlers   sync.WaitGroup

	pongs chan RequestID
}

const (
	stateUninitialized connState = iota
	stateInitializing
	stateReady
	stateClosed
)

var (
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultServerMaxConcurrentCalls   = int64(10)

	errNotInitialized = JSONRPCError{Code: JSONRPCInvalidRequestCode, Message: "not initialized"}
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		shutdown:          &serverShutdown{},
		done:              make(chan struct{}),
		closed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.maxConcurrentCalls <= 0 {
		s.maxConcurrentCalls = defaultServerMaxConcurrentCalls
	}
	// Tool calls across all sessions share the same slots.
	s.callSlots = semaphore.NewWeighted(s.maxConcurrentCalls)

	s.capabilities = ServerCapabilities{}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
// Pings are disabled when the interval is zero, which is the default.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
// A client that can't take a message within this timeout gets the message dropped.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerMaxConcurrentCalls limits how many tools/call requests run at the same time,
// across all sessions. Requests above the limit wait for a free slot.
func WithServerMaxConcurrentCalls(n int64) ServerOption {
	return func(s *Server) {
		s.maxConcurrentCalls = n
	}
}

// WithServerOnClientConnected sets the callback for when a client completes the initialize request.
// The callback's parameter is the session ID and the Info the client reported.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the MCP server and manages its lifecycle. It handles client connections
// and protocol messages according to the MCP specification.
//
// Serve blocks until the transport stops producing sessions, either because Shutdown was
// called or because the transport itself is exhausted (stdin reaching EOF, for example),
// and every session has finished.
func (s Server) Serve() {
	defer close(s.closed)

	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		select {
		case <-s.done:
			// Stop waits for Messages to end, and this session was never served.
			go drain(sess)
			sess.Stop()
			continue
		default:
		}

		ss := s.newSession(sess)
		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}

	s.sessionsWaitGroup.Wait()
}

// Shutdown gracefully shuts down the server by terminating all active clients and cleaning up resources.
// It returns an error if the shutdown process fails or if the context is cancelled before the shutdown completes.
// Calling it again is safe.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	s.shutdown.closeDone.Do(func() { close(s.done) })

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	s.shutdown.stopTransport.Do(func() {
		s.shutdown.transportErr = s.transport.Shutdown(ctx)
	})
	if err := s.shutdown.transportErr; err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for serve loop: %w", ctx.Err())
	case <-s.closed:
	}

	return nil
}

func drain(sess Session) {
	for range sess.Messages() {
	}
}

func (s Server) newSession(sess Session) *serverSession {
	ss := &serverSession{
		session:              sess,
		logger:               s.logger.With(slog.String("sessionID", sess.ID())),
		serverCap:            s.capabilities,
		serverInfo:           s.info,
		instructions:         s.instructions,
		pingInterval:         s.pingInterval,
		pingTimeout:          s.pingTimeout,
		pingTimeoutThreshold: s.pingTimeoutThreshold,
		sendTimeout:          s.sendTimeout,
		toolServer:           s.toolServer,
		callSlots:            s.callSlots,
		onClientConnected:    s.onClientConnected,
		inflight:             make(map[RequestID]context.CancelFunc),
		pongs:                make(chan RequestID, 1),
	}
	ss.state.Store(int32(stateUninitialized))
	return ss
}

func (s *serverSession) start(done <-chan struct{}) {
	// This base context is to make sure all the operations started for this session are
	// cancelled when the session ends.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(s.session.Stop) }

	loopDone := make(chan struct{})
	go func() {
		select {
		case <-done:
			stop()
		case <-loopDone:
		}
	}()

	if s.pingInterval > 0 {
		go s.ping(baseCtx, stop)
	}

	// This loops would break when the session is closed
	for msg := range s.session.Messages() {
		s.handleMessage(baseCtx, msg)
	}

	close(loopDone)
	s.setState(stateClosed)
	baseCancel()
	s.handlers.Wait()
	stop()

	s.logger.Debug("session closed")
}

func (s *serverSession) handleMessage(ctx context.Context, msg JSONRPCMessage) {
	if msg.isResponse() {
		s.handleResponse(msg)
		return
	}

	isRequest := !msg.ID.IsZero()

	if (msg.JSONRPC != "" && msg.JSONRPC != JSONRPCVersion) || msg.Method == "" {
		s.logger.Warn("received invalid message",
			slog.String("jsonrpc", msg.JSONRPC),
			slog.String("method", msg.Method),
			slog.String("id", msg.ID.String()))
		if isRequest {
			s.reply(newErrorMessage(msg.ID, JSONRPCInvalidRequestCode, "invalid request"))
		}
		return
	}

	method := ParseMethod(msg.Method)

	switch method {
	case MethodInitialize:
		s.handleInitialize(msg)
	case MethodInitialized:
		s.handleInitialized(msg)
	case MethodNotificationsCancelled:
		s.handleCancelled(msg)
	case MethodPing:
		if isRequest {
			s.dispatch(ctx, msg, method)
		}
	case MethodToolsList, MethodToolsCall:
		if !isRequest {
			s.logger.Warn("ignoring request sent as notification", slog.String("method", msg.Method))
			return
		}
		if s.currentState() != stateReady {
			s.reply(errorResponse(msg.ID, errNotInitialized))
			return
		}
		s.dispatch(ctx, msg, method)
	case MethodUnknown:
		if !isRequest {
			s.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
			return
		}
		if s.currentState() != stateReady {
			s.reply(errorResponse(msg.ID, errNotInitialized))
			return
		}
		s.reply(newErrorMessage(msg.ID, JSONRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method)))
	}
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	if msg.ID.IsZero() {
		s.logger.Warn("ignoring initialize sent as notification")
		return
	}

	if state := s.currentState(); state != stateUninitialized {
		s.reply(newErrorMessage(msg.ID, JSONRPCInvalidRequestCode,
			fmt.Sprintf("session already initialized (state: %s)", state)))
		return
	}

	res, clientInfo, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.reply(errorResponse(msg.ID, err))
		return
	}

	// The state moves before the reply goes out, and the reply is sent from the read loop, so no
	// later message of this session is looked at until the initialize response is written.
	s.setState(stateInitializing)

	resBs, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("failed to marshal initialize result", slog.String("err", err.Error()))
		s.reply(newErrorMessage(msg.ID, JSONRPCInternalErrorCode, "internal error"))
		return
	}
	s.reply(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	})

	s.logger.Info("client initialized",
		slog.String("client", clientInfo.Name),
		slog.String("clientVersion", clientInfo.Version))
	if s.onClientConnected != nil {
		s.onClientConnected(s.session.ID(), clientInfo)
	}
}

func (s *serverSession) handleInitialized(msg JSONRPCMessage) {
	switch state := s.currentState(); state {
	case stateInitializing:
		s.setState(stateReady)
		s.logger.Debug("session ready")
	case stateReady:
		s.logger.Debug("ignoring duplicate initialized notification")
	default:
		s.logger.Warn("received initialized before initialize", slog.String("state", state.String()))
		if !msg.ID.IsZero() {
			s.reply(errorResponse(msg.ID, errNotInitialized))
		}
		return
	}

	// Some clients send the bare "initialized" form as a request. Answer it so they don't wait forever.
	if !msg.ID.IsZero() {
		s.reply(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{}`),
		})
	}
}

func (s *serverSession) handleCancelled(msg JSONRPCMessage) {
	var params CancelledParams
	if err := decodeParams(msg.Params, &params); err != nil || params.RequestID.IsZero() {
		s.logger.Warn("invalid cancellation notification", slog.String("params", string(msg.Params)))
		return
	}

	s.inflightMu.Lock()
	cancel, ok := s.inflight[params.RequestID]
	s.inflightMu.Unlock()

	if !ok {
		// The request might be finished already.
		return
	}
	s.logger.Debug("cancelling request",
		slog.String("requestID", params.RequestID.String()),
		slog.String("reason", params.Reason))
	cancel()
}

func (s *serverSession) handleResponse(msg JSONRPCMessage) {
	if msg.Error != nil {
		s.logger.Warn("received error response from client",
			slog.String("id", msg.ID.String()),
			slog.String("err", msg.Error.Error()))
	}
	// Only ping responses are expected. Drop it if the ping goroutine isn't ready for it.
	select {
	case s.pongs <- msg.ID:
	default:
	}
}

// dispatch runs the request in its own goroutine so a slow tool never blocks the read loop. The request
// context is registered under the request id until the handler returns.
func (s *serverSession) dispatch(ctx context.Context, msg JSONRPCMessage, method Method) {
	reqCtx, reqCancel := context.WithCancel(ctx)

	s.inflightMu.Lock()
	if _, ok := s.inflight[msg.ID]; ok {
		s.inflightMu.Unlock()
		reqCancel()
		s.reply(newErrorMessage(msg.ID, JSONRPCInvalidRequestCode,
			fmt.Sprintf("request id %s is already in use", msg.ID)))
		return
	}
	s.inflight[msg.ID] = reqCancel
	s.inflightMu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, msg.ID)
			s.inflightMu.Unlock()
			reqCancel()
		}()

		res := s.handleRequest(reqCtx, msg, method)
		if reqCtx.Err() != nil {
			// Cancelled by the client or the session went away, nobody is waiting for the result.
			s.logger.Debug("request cancelled, dropping response",
				slog.String("method", msg.Method),
				slog.String("id", msg.ID.String()))
			return
		}
		s.reply(res)
	}()
}

func (s *serverSession) handleRequest(ctx context.Context, msg JSONRPCMessage, method Method) (res JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic while handling request",
				slog.String("method", msg.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = newErrorMessage(msg.ID, JSONRPCInternalErrorCode, "internal error")
		}
	}()

	var result any
	var err error

	switch method {
	case MethodPing:
		result = struct{}{}
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodUnknown, MethodInitialize, MethodInitialized, MethodNotificationsCancelled:
		err = JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	if err != nil {
		s.logger.Error("failed to handle request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return errorResponse(msg.ID, err)
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return newErrorMessage(msg.ID, JSONRPCInternalErrorCode, "internal error")
	}

	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}
}

func (s *serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, Info, error) {
	var params initializeParams
	if err := decodeParams(msg.Params, &params); err != nil {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != ProtocolVersion {
		// The client decides whether it can live with the version we answer with.
		s.logger.Info("client requested a different protocol version",
			slog.String("requested", params.ProtocolVersion),
			slog.String("supported", ProtocolVersion))
	}

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, params.ClientInfo, nil
}

func (s *serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if err := decodeParams(msg.Params, &params); err != nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}

	return ts, nil
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    JSONRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := decodeParams(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	if params.Name == "" {
		return CallToolResult{}, JSONRPCError{
			Code:    JSONRPCInvalidParamsCode,
			Message: "missing tool name",
		}
	}

	if err := s.callSlots.Acquire(ctx, 1); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to acquire call slot: %w", err)
	}
	defer s.callSlots.Release(1)

	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		var jsonErr JSONRPCError
		if errors.As(err, &jsonErr) {
			return CallToolResult{}, jsonErr
		}
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

func (s *serverSession) progressReporter(token RequestID) ProgressReporter {
	if token.IsZero() {
		return func(ProgressParams) {}
	}
	return func(params ProgressParams) {
		params.ProgressToken = token
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", "err", err)
			return
		}

		s.reply(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNameNotificationsProgress,
			Params:  paramsBs,
		})
	}
}

func (s *serverSession) ping(ctx context.Context, stop func()) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var pending RequestID

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			stop()
			return
		}

		select {
		case <-ctx.Done():
			return
		case id := <-s.pongs:
			// Received id from client response, check whether it's the same as the one we sent.
			if id != pending {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			pending = RequestID{}
			continue
		case <-pingTicker.C:
		}

		if s.currentState() != stateReady {
			continue
		}
		// The previous ping was never answered.
		if !pending.IsZero() {
			failedPings++
		}

		pending = NewStringID(uuid.New().String())

		sendCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
		if err := s.session.Send(sendCtx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      pending,
			Method:  methodNamePing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (s *serverSession) reply(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message",
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
	}
}

func (s *serverSession) currentState() connState {
	return connState(s.state.Load())
}

func (s *serverSession) setState(state connState) {
	s.state.Store(int32(state))
}

func (c connState) String() string {
	switch c {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("connState(%d)", int32(c))
}

// decodeParams treats absent params as an empty object, since most methods make every field optional.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func errorResponse(id RequestID, err error) JSONRPCMessage {
	var jsonErr JSONRPCError
	if !errors.As(err, &jsonErr) {
		jsonErr = JSONRPCError{
			Code:    JSONRPCInternalErrorCode,
			Message: "internal error",
		}
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}
}
