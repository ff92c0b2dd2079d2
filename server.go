package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yosida95/uritemplate/v3"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that dispatches
// protocol requests against registered tools, resources, resource templates,
// and prompts. Capabilities are fixed at construction; registries may be
// mutated at any time, including while requests are in flight, and every
// mutation is atomic with respect to dispatch.
//
// The server serves any number of concurrent sessions produced by its
// transport. Each request is handled on its own goroutine, so one slow or
// failing handler never stalls the session's other requests.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	logger      *slog.Logger
	sendTimeout time.Duration

	// mu guards the four registries and the completion handlers. One lock is
	// enough: registration is rare and lookups are cheap map reads.
	mu                  sync.Mutex
	tools               map[string]toolEntry
	resources           map[string]resourceEntry
	templates           []templateEntry
	prompts             map[string]promptEntry
	promptCompletions   map[string]CompletionHandler
	templateCompletions map[string]CompletionHandler

	logLevel atomic.Int32

	sessMu   sync.RWMutex
	sessions map[string]*serverSession

	subMu         sync.Mutex
	subscriptions map[string]map[string]struct{}

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
}

type toolEntry struct {
	tool    Tool
	handler ToolHandler
}

type resourceEntry struct {
	resource Resource
	handler  ResourceHandler
}

type templateEntry struct {
	template ResourceTemplate
	pattern  *uritemplate.Template
	handler  ResourceHandler
}

type promptEntry struct {
	prompt  Prompt
	handler PromptHandler
}

type serverSession struct {
	srv     *Server
	session Session
	logger  *slog.Logger

	initialized atomic.Bool

	mu           sync.Mutex
	clientInfo   Info
	clientCap    ClientCapabilities
	cancels      map[string]context.CancelFunc
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a new Model Context Protocol (MCP) server with the
// specified configuration. The capability set is fixed here; registering an
// entry whose capability was not enabled fails.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:                info,
		transport:           transport,
		logger:              slog.Default().With(slog.String("component", "server")),
		tools:               make(map[string]toolEntry),
		resources:           make(map[string]resourceEntry),
		prompts:             make(map[string]promptEntry),
		promptCompletions:   make(map[string]CompletionHandler),
		templateCompletions: make(map[string]CompletionHandler),
		sessions:            make(map[string]*serverSession),
		subscriptions:       make(map[string]map[string]struct{}),
		sessionsWaitGroup:   &sync.WaitGroup{},
		done:                make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	s.logLevel.Store(int32(LogLevelInfo))

	return s
}

// WithToolsCapability enables the tools capability, with list-changed
// notifications.
func WithToolsCapability() ServerOption {
	return func(s *Server) {
		s.capabilities.Tools = &ToolsCapability{ListChanged: true}
	}
}

// WithResourcesCapability enables the resources capability, with list-changed
// notifications. When subscribe is true clients may also subscribe to
// per-resource update notifications.
func WithResourcesCapability(subscribe bool) ServerOption {
	return func(s *Server) {
		s.capabilities.Resources = &ResourcesCapability{
			Subscribe:   subscribe,
			ListChanged: true,
		}
	}
}

// WithPromptsCapability enables the prompts capability, with list-changed
// notifications.
func WithPromptsCapability() ServerOption {
	return func(s *Server) {
		s.capabilities.Prompts = &PromptsCapability{ListChanged: true}
	}
}

// WithLoggingCapability enables the logging capability so the server may
// push log messages to clients via Log.
func WithLoggingCapability() ServerOption {
	return func(s *Server) {
		s.capabilities.Logging = &LoggingCapability{}
	}
}

// WithInstructions returns a ServerOption that configures the server
// instructions sent to clients during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's
// send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameters are the session ID and the client's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client
// disconnects. The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// AddTool registers a tool and its handler. It fails when the tools
// capability is not enabled, the handler is nil, or the name is taken.
// A registered tool is visible to tools/list and tools/call atomically;
// sessions that completed the handshake are notified of the change.
func (s *Server) AddTool(tool Tool, handler ToolHandler) error {
	if s.capabilities.Tools == nil {
		return errors.New("tools capability not enabled")
	}
	if tool.Name == "" {
		return errors.New("tool name must not be empty")
	}
	if handler == nil {
		return errors.New("tool handler must not be nil")
	}

	s.mu.Lock()
	if _, ok := s.tools[tool.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	s.tools[tool.Name] = toolEntry{tool: tool, handler: handler}
	s.mu.Unlock()

	go s.notifyListChanged(methodNotificationsToolsListChanged)

	return nil
}

// RemoveTool unregisters the named tool. Removing an unknown name is a
// no-op.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()

	if ok {
		go s.notifyListChanged(methodNotificationsToolsListChanged)
	}
}

// AddResource registers a resource under its exact URI. Exact registrations
// always win over templates on resources/read.
func (s *Server) AddResource(resource Resource, handler ResourceHandler) error {
	if s.capabilities.Resources == nil {
		return errors.New("resources capability not enabled")
	}
	if resource.URI == "" {
		return errors.New("resource URI must not be empty")
	}
	if handler == nil {
		return errors.New("resource handler must not be nil")
	}

	s.mu.Lock()
	if _, ok := s.resources[resource.URI]; ok {
		s.mu.Unlock()
		return fmt.Errorf("resource %q already registered", resource.URI)
	}
	s.resources[resource.URI] = resourceEntry{resource: resource, handler: handler}
	s.mu.Unlock()

	go s.notifyListChanged(methodNotificationsResourcesListChanged)

	return nil
}

// RemoveResource unregisters the resource with the given exact URI.
func (s *Server) RemoveResource(uri string) {
	s.mu.Lock()
	_, ok := s.resources[uri]
	delete(s.resources, uri)
	s.mu.Unlock()

	if ok {
		go s.notifyListChanged(methodNotificationsResourcesListChanged)
	}
}

// AddResourceTemplate registers an RFC 6570 resource template. Templates are
// consulted in registration order when a read matches no exact URI, so the
// first registered matching template wins.
func (s *Server) AddResourceTemplate(template ResourceTemplate, handler ResourceHandler) error {
	if s.capabilities.Resources == nil {
		return errors.New("resources capability not enabled")
	}
	if handler == nil {
		return errors.New("resource handler must not be nil")
	}

	pattern, err := uritemplate.New(template.URITemplate)
	if err != nil {
		return fmt.Errorf("failed to parse uri template: %w", err)
	}

	s.mu.Lock()
	for _, t := range s.templates {
		if t.template.URITemplate == template.URITemplate {
			s.mu.Unlock()
			return fmt.Errorf("resource template %q already registered", template.URITemplate)
		}
	}
	s.templates = append(s.templates, templateEntry{
		template: template,
		pattern:  pattern,
		handler:  handler,
	})
	s.mu.Unlock()

	go s.notifyListChanged(methodNotificationsResourcesListChanged)

	return nil
}

// AddPrompt registers a prompt and its handler.
func (s *Server) AddPrompt(prompt Prompt, handler PromptHandler) error {
	if s.capabilities.Prompts == nil {
		return errors.New("prompts capability not enabled")
	}
	if prompt.Name == "" {
		return errors.New("prompt name must not be empty")
	}
	if handler == nil {
		return errors.New("prompt handler must not be nil")
	}

	s.mu.Lock()
	if _, ok := s.prompts[prompt.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("prompt %q already registered", prompt.Name)
	}
	s.prompts[prompt.Name] = promptEntry{prompt: prompt, handler: handler}
	s.mu.Unlock()

	go s.notifyListChanged(methodNotificationsPromptsListChanged)

	return nil
}

// RemovePrompt unregisters the named prompt.
func (s *Server) RemovePrompt(name string) {
	s.mu.Lock()
	_, ok := s.prompts[name]
	delete(s.prompts, name)
	delete(s.promptCompletions, name)
	s.mu.Unlock()

	if ok {
		go s.notifyListChanged(methodNotificationsPromptsListChanged)
	}
}

// SetCompletionHandler registers an argument-completion handler for a prompt
// (ref type "ref/prompt", keyed by name) or a resource template (ref type
// "ref/resource", keyed by template URI). Refs without a handler answer
// empty completions.
func (s *Server) SetCompletionHandler(ref CompletionRef, handler CompletionHandler) error {
	if handler == nil {
		return errors.New("completion handler must not be nil")
	}

	switch ref.Type {
	case CompletionRefPrompt:
		if s.capabilities.Prompts == nil {
			return errors.New("prompts capability not enabled")
		}
		s.mu.Lock()
		s.promptCompletions[ref.Name] = handler
		s.mu.Unlock()
	case CompletionRefResource:
		if s.capabilities.Resources == nil {
			return errors.New("resources capability not enabled")
		}
		s.mu.Lock()
		s.templateCompletions[ref.URI] = handler
		s.mu.Unlock()
	default:
		return fmt.Errorf("invalid completion ref type: %s", ref.Type)
	}

	return nil
}

// Serve starts the MCP server and manages its lifecycle. It accepts sessions
// from the transport and dispatches their messages until Shutdown is called.
//
// Serve blocks until the transport is shut down.
func (s *Server) Serve() {
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			srv:     s,
			session: sess,
			logger:  s.logger.With(slog.String("sessionID", sess.ID())),
			cancels: make(map[string]context.CancelFunc),
		}

		s.sessMu.Lock()
		s.sessions[sess.ID()] = ss
		s.sessMu.Unlock()

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), s.info)
			}

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			s.releaseSession(ss.session.ID())
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active
// sessions and closing the transport. It returns an error if the context is
// cancelled before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal every session to stop, then wait for them to drain.
	close(s.done)
	s.sessionsWaitGroup.Wait()

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

// Log pushes a log message to connected clients as a notifications/message.
// Messages below the level set via logging/setLevel are dropped, as is
// everything when the logging capability is not enabled.
func (s *Server) Log(params LogParams) {
	if s.capabilities.Logging == nil {
		return
	}
	if params.Level < LogLevel(s.logLevel.Load()) {
		return
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		s.logger.Error("failed to marshal log params", "err", err)
		return
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsMessage,
		Params:  paramsBs,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	// Serialize once for all sessions when the transport can fan out itself.
	if bc, ok := s.transport.(Broadcaster); ok {
		if err := bc.Broadcast(ctx, msg); err != nil {
			s.logger.Error("failed to broadcast log message", slog.String("err", err.Error()))
		}
		return
	}

	for _, ss := range s.activeSessions() {
		if err := ss.session.Send(ctx, msg); err != nil {
			ss.logger.Error("failed to send log message", slog.String("err", err.Error()))
		}
	}
}

// NotifyResourceUpdated emits notifications/resources/updated for the given
// URI to every session subscribed to it.
func (s *Server) NotifyResourceUpdated(uri string) {
	paramsBs, err := json.Marshal(resourceUpdatedParams{URI: uri})
	if err != nil {
		s.logger.Error("failed to marshal resource updated params", "err", err)
		return
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsResourcesUpdated,
		Params:  paramsBs,
	}

	s.subMu.Lock()
	subscribed := make([]string, 0, len(s.subscriptions[uri]))
	for sessID := range s.subscriptions[uri] {
		subscribed = append(subscribed, sessID)
	}
	s.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	for _, sessID := range subscribed {
		s.sessMu.RLock()
		ss, ok := s.sessions[sessID]
		s.sessMu.RUnlock()
		if !ok {
			continue
		}
		if err := ss.session.Send(ctx, msg); err != nil {
			ss.logger.Error("failed to send resource updated", slog.String("err", err.Error()))
		}
	}
}

func (s *Server) activeSessions() []*serverSession {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()

	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	return sessions
}

// notifyListChanged informs sessions that a registry changed. Only sessions
// that completed the handshake are told; with no attached sessions the
// notification is dropped.
func (s *Server) notifyListChanged(method string) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	for _, ss := range s.activeSessions() {
		if !ss.initialized.Load() {
			continue
		}
		if err := ss.session.Send(ctx, msg); err != nil {
			ss.logger.Error("failed to send list changed",
				slog.String("method", method),
				slog.String("err", err.Error()))
		}
	}
}

func (s *Server) releaseSession(sessID string) {
	s.sessMu.Lock()
	delete(s.sessions, sessID)
	s.sessMu.Unlock()

	s.subMu.Lock()
	for uri, set := range s.subscriptions {
		delete(set, sessID)
		if len(set) == 0 {
			delete(s.subscriptions, uri)
		}
	}
	s.subMu.Unlock()
}

func (ss *serverSession) start(done <-chan struct{}) {
	// All handler contexts descend from this one so in-flight work is
	// cancelled when the session ends.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	stopped := make(chan struct{})
	defer close(stopped)

	// The session must be stopped exactly once, whether the server shuts
	// down or the transport ends the message stream on its own.
	go func() {
		select {
		case <-done:
		case <-stopped:
		}
		ss.session.Stop()
	}()

	// This loop breaks when the session is closed.
	for raw := range ss.session.Messages() {
		decoded, err := DecodeMessage(raw)
		if err != nil {
			ss.logger.Info("dropping invalid message",
				slog.Any("message", raw),
				slog.String("err", err.Error()))
			// Request-shaped garbage still deserves an answer.
			if raw.Method != "" && !raw.ID.IsZero() {
				ss.sendError(raw.ID, JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: err.Error(),
				})
			}
			continue
		}

		switch m := decoded.(type) {
		case Request:
			ss.dispatch(baseCtx, m)
		case Notification:
			ss.handleNotification(m)
		case Response, ErrorResponse:
			// The server keeps no outstanding requests toward the client.
			ss.logger.Debug("dropping unsolicited response", slog.String("id", raw.ID.String()))
		}
	}
}

// dispatch handles one request on its own goroutine so a slow handler never
// blocks the session's message loop or its other requests.
func (ss *serverSession) dispatch(baseCtx context.Context, req Request) {
	ctx, cancel := context.WithCancel(baseCtx)

	ss.mu.Lock()
	ss.cancels[req.ID.String()] = cancel
	ss.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			ss.mu.Lock()
			delete(ss.cancels, req.ID.String())
			ss.mu.Unlock()
		}()

		result, err := ss.handleRequest(ctx, req)

		resMsg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      req.ID,
		}

		if err != nil {
			jsonErr := JSONRPCError{}
			if !errors.As(err, &jsonErr) {
				jsonErr = JSONRPCError{
					Code:    jsonRPCInternalErrorCode,
					Message: err.Error(),
				}
			}
			ss.logger.Info("request failed",
				slog.String("method", req.Method),
				slog.String("err", jsonErr.Error()))
			resMsg.Error = &jsonErr
		} else {
			resultBs, mErr := json.Marshal(result)
			if mErr != nil {
				// An envelope without result or error would leave the caller
				// waiting forever, answer with an error instead.
				ss.logger.Error("failed to marshal result",
					slog.String("method", req.Method),
					slog.String("err", mErr.Error()))
				resMsg.Error = &JSONRPCError{
					Code:    jsonRPCInternalErrorCode,
					Message: fmt.Errorf("failed to marshal result: %w", mErr).Error(),
				}
			} else {
				resMsg.Result = resultBs
			}
		}

		sendCtx, sendCancel := context.WithTimeout(context.Background(), ss.srv.sendTimeout)
		defer sendCancel()

		if err := ss.session.Send(sendCtx, resMsg); err != nil {
			ss.logger.Error("failed to send result", slog.String("err", err.Error()))
		}
	}()
}

func (ss *serverSession) handleRequest(ctx context.Context, req Request) (result any, err error) {
	// A panicking handler fails its own request, nothing else.
	defer func() {
		if r := recover(); r != nil {
			err = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("handler panicked: %v", r),
			}
		}
	}()

	switch req.Method {
	case MethodInitialize:
		return ss.handleInitialize(req)
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return ss.srv.callListTools(req)
	case MethodToolsCall:
		return ss.callCallTool(ctx, req)
	case MethodResourcesList:
		return ss.srv.callListResources(req)
	case MethodResourcesTemplatesList:
		return ss.srv.callListResourceTemplates(req)
	case MethodResourcesRead:
		return ss.callReadResource(ctx, req)
	case MethodResourcesSubscribe:
		return ss.callSubscribeResource(req, true)
	case MethodResourcesUnsubscribe:
		return ss.callSubscribeResource(req, false)
	case MethodPromptsList:
		return ss.srv.callListPrompts(req)
	case MethodPromptsGet:
		return ss.callGetPrompt(ctx, req)
	case MethodLoggingSetLevel:
		return ss.srv.callSetLogLevel(req)
	case MethodCompletionComplete:
		return ss.callComplete(ctx, req)
	default:
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		}
	}
}

func (ss *serverSession) handleNotification(n Notification) {
	switch n.Method {
	case methodNotificationsInitialized:
		ss.initialized.Store(true)
	case methodNotificationsCancelled:
		var params cancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			ss.logger.Warn("failed to unmarshal cancelled params", "err", err)
			return
		}

		ss.mu.Lock()
		cancel, ok := ss.cancels[params.RequestID.String()]
		ss.mu.Unlock()

		if ok {
			ss.logger.Debug("cancelling request",
				slog.String("requestID", params.RequestID.String()),
				slog.String("reason", params.Reason))
			cancel()
		}
	case methodNotificationsRootsListChanged:
		ss.logger.Debug("client roots list changed")
	default:
		ss.logger.Debug("unhandled notification", slog.String("method", n.Method))
	}
}

func (ss *serverSession) handleInitialize(req Request) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	ss.mu.Lock()
	ss.clientInfo = params.ClientInfo
	ss.clientCap = params.Capabilities
	ss.mu.Unlock()

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    ss.srv.capabilities,
		ServerInfo:      ss.srv.info,
		Instructions:    ss.srv.instructions,
	}, nil
}

func (s *Server) callListTools(req Request) (ListToolsResult, error) {
	if s.capabilities.Tools == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	s.mu.Lock()
	tools := make([]Tool, 0, len(s.tools))
	for _, entry := range s.tools {
		tools = append(tools, entry.tool)
	}
	s.mu.Unlock()

	slices.SortFunc(tools, func(a, b Tool) int {
		return strings.Compare(a.Name, b.Name)
	})

	return ListToolsResult{Tools: tools}, nil
}

func (ss *serverSession) callCallTool(ctx context.Context, req Request) (CallToolResult, error) {
	srv := ss.srv
	if srv.capabilities.Tools == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	srv.mu.Lock()
	entry, ok := srv.tools[params.Name]
	srv.mu.Unlock()

	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Tool not found: %s", params.Name),
		}
	}

	result, err := entry.handler(ctx, params, ss.progressReporter(params.Meta))
	if err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to call tool: %w", err).Error(),
		}
	}

	return result, nil
}

func (s *Server) callListResources(req Request) (ListResourcesResult, error) {
	if s.capabilities.Resources == nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourcesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ListResourcesResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	s.mu.Lock()
	resources := make([]Resource, 0, len(s.resources))
	for _, entry := range s.resources {
		resources = append(resources, entry.resource)
	}
	s.mu.Unlock()

	slices.SortFunc(resources, func(a, b Resource) int {
		return strings.Compare(a.URI, b.URI)
	})

	return ListResourcesResult{Resources: resources}, nil
}

func (s *Server) callListResourceTemplates(req Request) (ListResourceTemplatesResult, error) {
	if s.capabilities.Resources == nil {
		return ListResourceTemplatesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourceTemplatesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ListResourceTemplatesResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	s.mu.Lock()
	templates := make([]ResourceTemplate, 0, len(s.templates))
	for _, entry := range s.templates {
		templates = append(templates, entry.template)
	}
	s.mu.Unlock()

	return ListResourceTemplatesResult{Templates: templates}, nil
}

func (ss *serverSession) callReadResource(ctx context.Context, req Request) (ReadResourceResult, error) {
	srv := ss.srv
	if srv.capabilities.Resources == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	// Exact registrations win; templates are consulted in registration
	// order only when no exact URI matches.
	srv.mu.Lock()
	var handler ResourceHandler
	if entry, ok := srv.resources[params.URI]; ok {
		handler = entry.handler
	} else {
		for _, t := range srv.templates {
			if t.pattern.Match(params.URI) != nil {
				handler = t.handler
				break
			}
		}
	}
	srv.mu.Unlock()

	if handler == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Resource not found: %s", params.URI),
		}
	}

	result, err := handler(ctx, params, ss.progressReporter(params.Meta))
	if err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to read resource: %w", err).Error(),
		}
	}

	return result, nil
}

func (ss *serverSession) callSubscribeResource(req Request, subscribe bool) (any, error) {
	srv := ss.srv
	if srv.capabilities.Resources == nil || !srv.capabilities.Resources.Subscribe {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources subscription not supported by server",
		}
	}

	var params SubscribeResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	srv.subMu.Lock()
	if subscribe {
		set := srv.subscriptions[params.URI]
		if set == nil {
			set = make(map[string]struct{})
			srv.subscriptions[params.URI] = set
		}
		set[ss.session.ID()] = struct{}{}
	} else {
		set := srv.subscriptions[params.URI]
		delete(set, ss.session.ID())
		if len(set) == 0 {
			delete(srv.subscriptions, params.URI)
		}
	}
	srv.subMu.Unlock()

	return struct{}{}, nil
}

func (s *Server) callListPrompts(req Request) (ListPromptsResult, error) {
	if s.capabilities.Prompts == nil {
		return ListPromptsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params ListPromptsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ListPromptsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	s.mu.Lock()
	prompts := make([]Prompt, 0, len(s.prompts))
	for _, entry := range s.prompts {
		prompts = append(prompts, entry.prompt)
	}
	s.mu.Unlock()

	slices.SortFunc(prompts, func(a, b Prompt) int {
		return strings.Compare(a.Name, b.Name)
	})

	return ListPromptsResult{Prompts: prompts}, nil
}

func (ss *serverSession) callGetPrompt(ctx context.Context, req Request) (GetPromptResult, error) {
	srv := ss.srv
	if srv.capabilities.Prompts == nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	srv.mu.Lock()
	entry, ok := srv.prompts[params.Name]
	srv.mu.Unlock()

	if !ok {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Prompt not found: %s", params.Name),
		}
	}

	for _, arg := range entry.prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return GetPromptResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("Missing required argument: %s", arg.Name),
			}
		}
	}

	result, err := entry.handler(ctx, params, ss.progressReporter(params.Meta))
	if err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to get prompt: %w", err).Error(),
		}
	}

	return result, nil
}

func (s *Server) callSetLogLevel(req Request) (any, error) {
	if s.capabilities.Logging == nil {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "logging not supported by server",
		}
	}

	var params SetLogLevelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	s.logLevel.Store(int32(params.Level))

	return struct{}{}, nil
}

func (ss *serverSession) callComplete(ctx context.Context, req Request) (CompleteResult, error) {
	srv := ss.srv

	var params CompleteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return CompleteResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	var handler CompletionHandler

	switch params.Ref.Type {
	case CompletionRefPrompt:
		if srv.capabilities.Prompts == nil {
			return CompleteResult{}, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "prompts not supported by server",
			}
		}
		srv.mu.Lock()
		handler = srv.promptCompletions[params.Ref.Name]
		srv.mu.Unlock()
	case CompletionRefResource:
		if srv.capabilities.Resources == nil {
			return CompleteResult{}, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "resources not supported by server",
			}
		}
		srv.mu.Lock()
		handler = srv.templateCompletions[params.Ref.URI]
		srv.mu.Unlock()
	default:
		return CompleteResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("invalid completion ref type: %s", params.Ref.Type),
		}
	}

	// Refs without a registered handler complete to nothing.
	if handler == nil {
		return CompleteResult{}, nil
	}

	result, err := handler(ctx, params)
	if err != nil {
		return CompleteResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to complete: %w", err).Error(),
		}
	}

	return result, nil
}

// progressReporter builds the reporter passed to handlers. Without a
// progress token on the request the reporter silently drops reports.
func (ss *serverSession) progressReporter(meta ParamsMeta) ProgressReporter {
	if meta.ProgressToken == "" {
		return func(ProgressParams) {}
	}

	return func(params ProgressParams) {
		params.ProgressToken = meta.ProgressToken

		paramsBs, err := json.Marshal(params)
		if err != nil {
			ss.logger.Error("failed to marshal progress params", "err", err)
			return
		}

		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}

		ctx, cancel := context.WithTimeout(context.Background(), ss.srv.sendTimeout)
		defer cancel()

		if err := ss.session.Send(ctx, msg); err != nil {
			ss.logger.Error("failed to send progress", "err", err)
		}
	}
}

func (ss *serverSession) sendError(id MessageID, jsonErr JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.srv.sendTimeout)
	defer cancel()

	if err := ss.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}); err != nil {
		ss.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}
