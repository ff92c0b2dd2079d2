package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTransportClosed reports that the session's message stream ended while a
// request was outstanding or before one could be sent. Every pending request
// is rejected with it when the transport closes.
var ErrTransportClosed = errors.New("transport closed")

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client. It correlates
// requests with responses by message ID, fans server notifications out to
// any number of watchers, and answers the few requests a server may direct
// at a client (ping, roots/list, sampling/createMessage).
//
// Request IDs are integers assigned from an atomic counter starting at 1, so
// ids are unique and monotonic for the life of the client. Instances should
// be created using NewClient and connected with Connect before use.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	sendTimeout time.Duration

	rootsListHandler RootsListHandler
	samplingHandler  SamplingHandler

	session Session
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]pendingRequest
	closed  bool

	subMu       sync.Mutex
	subscribers []chan Notification

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
}

type pendingRequest struct {
	id      MessageID
	results chan JSONRPCMessage
}

var defaultClientSendTimeout = 30 * time.Second

// NewClient creates a new Model Context Protocol (MCP) client with the
// specified configuration.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default().With(slog.String("component", "client")),
		pending:   make(map[string]pendingRequest),
		readDone:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultClientSendTimeout
	}

	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "client"))
	}
}

// WithClientSendTimeout returns a ClientOption that configures the client's
// send timeout.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.sendTimeout = timeout
	}
}

// WithRootsListHandler lets the client answer roots/list requests from the
// server; setting it advertises the roots capability during initialization.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithSamplingHandler lets the client answer sampling/createMessage requests
// from the server; setting it advertises the sampling capability during
// initialization.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// Connect starts a transport session and performs the initialization
// handshake: it sends initialize, verifies the protocol version on the
// answer, records the server's info and capabilities, and acknowledges with
// the initialized notification. On any failure the session is stopped.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listen()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.clientCapabilities(),
		ClientInfo:      c.info,
	}

	var result initializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		c.teardown()
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		c.teardown()
		return fmt.Errorf("failed to send initialized: %w", err)
	}

	return nil
}

// Close terminates the session. It sends best-effort cancellation notices
// for every request still in flight, then stops the transport session; a
// failed notice never prevents the teardown from completing.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		outstanding := make([]MessageID, 0, len(c.pending))
		for _, p := range c.pending {
			outstanding = append(outstanding, p.id)
		}
		c.mu.Unlock()

		var errs []error

		ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		for _, id := range outstanding {
			if err := c.sendCancelled(ctx, id, userCancelledReason); err != nil {
				errs = append(errs, fmt.Errorf("failed to cancel request %s: %w", id, err))
			}
		}
		cancel()

		c.teardown()

		c.closeErr = errors.Join(errs...)
	})

	return c.closeErr
}

// ServerInfo returns the server metadata received during initialization.
func (c *Client) ServerInfo() Info { return c.serverInfo }

// ServerCapabilities returns the capability set negotiated during
// initialization.
func (c *Client) ServerCapabilities() ServerCapabilities { return c.serverCapabilities }

// Instructions returns the usage instructions the server sent during
// initialization.
func (c *Client) Instructions() string { return c.instructions }

// Notifications returns an iterator over notifications pushed by the server.
// Every active iterator receives every notification; the iteration ends when
// the transport closes. A watcher that falls behind has notifications
// dropped rather than stalling the session.
func (c *Client) Notifications() iter.Seq[Notification] {
	return func(yield func(Notification) bool) {
		ch, ok := c.subscribe()
		if !ok {
			return
		}
		defer c.unsubscribe(ch)

		for n := range ch {
			if !yield(n) {
				return
			}
		}
	}
}

// ToolListChanges yields once per notifications/tools/list_changed received.
func (c *Client) ToolListChanges() iter.Seq[struct{}] {
	return c.listChanges(methodNotificationsToolsListChanged)
}

// ResourceListChanges yields once per notifications/resources/list_changed
// received.
func (c *Client) ResourceListChanges() iter.Seq[struct{}] {
	return c.listChanges(methodNotificationsResourcesListChanged)
}

// PromptListChanges yields once per notifications/prompts/list_changed
// received.
func (c *Client) PromptListChanges() iter.Seq[struct{}] {
	return c.listChanges(methodNotificationsPromptsListChanged)
}

func (c *Client) listChanges(method string) iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for n := range c.Notifications() {
			if n.Method != method {
				continue
			}
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

// ResourceUpdates yields the URI of each notifications/resources/updated
// received for subscribed resources.
func (c *Client) ResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for n := range c.Notifications() {
			if n.Method != methodNotificationsResourcesUpdated {
				continue
			}
			var params resourceUpdatedParams
			if err := json.Unmarshal(n.Params, &params); err != nil {
				c.logger.Info("dropping malformed resource update",
					slog.String("err", err.Error()))
				continue
			}
			if !yield(params.URI) {
				return
			}
		}
	}
}

// ProgressReports yields progress updates for requests this client sent with
// a progress token.
func (c *Client) ProgressReports() iter.Seq[ProgressParams] {
	return func(yield func(ProgressParams) bool) {
		for n := range c.Notifications() {
			if n.Method != methodNotificationsProgress {
				continue
			}
			var params ProgressParams
			if err := json.Unmarshal(n.Params, &params); err != nil {
				c.logger.Info("dropping malformed progress notification",
					slog.String("err", err.Error()))
				continue
			}
			if !yield(params) {
				return
			}
		}
	}
}

// LogMessages yields log messages pushed by the server, filtered by the level
// set via SetLogLevel.
func (c *Client) LogMessages() iter.Seq[LogParams] {
	return func(yield func(LogParams) bool) {
		for n := range c.Notifications() {
			if n.Method != methodNotificationsMessage {
				continue
			}
			var params LogParams
			if err := json.Unmarshal(n.Params, &params); err != nil {
				c.logger.Info("dropping malformed log message",
					slog.String("err", err.Error()))
				continue
			}
			if !yield(params) {
				return
			}
		}
	}
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, nil)
}

// ListTools retrieves the server's tools, sorted by name.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.call(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := c.call(ctx, MethodToolsCall, params, &result)
	return result, err
}

// ListResources retrieves the server's resources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.call(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListResourceTemplates retrieves the server's resource templates in
// registration order.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.call(ctx, MethodResourcesTemplatesList, params, &result)
	return result, err
}

// SubscribeResource subscribes to update notifications for a resource URI.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	return c.call(ctx, MethodResourcesSubscribe, params, nil)
}

// UnsubscribeResource removes a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	return c.call(ctx, MethodResourcesUnsubscribe, params, nil)
}

// ListPrompts retrieves the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.call(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt renders a prompt by name.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.call(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// SetLogLevel sets the minimum severity of log messages the server pushes.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	return c.call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, nil)
}

// Complete requests argument completion suggestions for a prompt or resource
// template.
func (c *Client) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	var result CompleteResult
	err := c.call(ctx, MethodCompletionComplete, params, &result)
	return result, err
}

func (c *Client) clientCapabilities() ClientCapabilities {
	caps := ClientCapabilities{}
	if c.rootsListHandler != nil {
		caps.Roots = &RootsCapability{}
	}
	if c.samplingHandler != nil {
		caps.Sampling = &SamplingCapability{}
	}
	return caps
}

// call sends one request and blocks until its response arrives, the context
// ends, or the transport closes. Responses resolve strictly by id, so
// answers may arrive in any order relative to other calls.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	id := NewIntID(c.nextID.Add(1))

	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.pending[id.String()] = pendingRequest{id: id, results: results}
	c.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}

	if err := c.session.Send(ctx, msg); err != nil {
		c.forget(id)
		return fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)

		// Tell the server to stop working on it, best effort.
		cancelCtx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		defer cancel()
		if err := c.sendCancelled(cancelCtx, id, userCancelledReason); err != nil {
			c.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
		}

		return ctx.Err()
	case res, ok := <-results:
		if !ok {
			return ErrTransportClosed
		}
		if res.Error != nil {
			return *res.Error
		}
		if result != nil && res.Result != nil {
			if err := json.Unmarshal(res.Result, result); err != nil {
				return fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	return c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

func (c *Client) sendCancelled(ctx context.Context, id MessageID, reason string) error {
	return c.notify(ctx, methodNotificationsCancelled, cancelledParams{
		RequestID: id,
		Reason:    reason,
	})
}

// listen is the session's read loop. When it exits the transport is gone:
// every pending request is rejected and every notification watcher ended.
func (c *Client) listen() {
	defer close(c.readDone)

	for raw := range c.session.Messages() {
		decoded, err := DecodeMessage(raw)
		if err != nil {
			c.logger.Info("dropping invalid message",
				slog.Any("message", raw),
				slog.String("err", err.Error()))
			continue
		}

		switch m := decoded.(type) {
		case Response, ErrorResponse:
			c.resolve(raw)
		case Request:
			go c.handleServerRequest(m)
		case Notification:
			c.fanOut(m)
		}
	}

	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// A closed results channel is how callers learn the transport is gone.
	for _, p := range pending {
		close(p.results)
	}

	c.subMu.Lock()
	subscribers := c.subscribers
	c.subscribers = nil
	c.subMu.Unlock()

	for _, ch := range subscribers {
		close(ch)
	}
}

func (c *Client) resolve(raw JSONRPCMessage) {
	c.mu.Lock()
	p, ok := c.pending[raw.ID.String()]
	if ok {
		delete(c.pending, raw.ID.String())
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Info("dropping response with unknown id", slog.String("id", raw.ID.String()))
		return
	}

	p.results <- raw
}

func (c *Client) forget(id MessageID) {
	c.mu.Lock()
	delete(c.pending, id.String())
	c.mu.Unlock()
}

func (c *Client) handleServerRequest(req Request) {
	var result any
	var jsonErr *JSONRPCError

	switch req.Method {
	case MethodPing:
		result = struct{}{}
	case MethodRootsList:
		if c.rootsListHandler == nil {
			jsonErr = &JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "roots not supported by client",
			}
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		roots, err := c.rootsListHandler(ctx)
		cancel()
		if err != nil {
			jsonErr = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Errorf("failed to list roots: %w", err).Error(),
			}
			break
		}
		result = roots
	case MethodSamplingCreateMessage:
		if c.samplingHandler == nil {
			jsonErr = &JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "sampling not supported by client",
			}
			break
		}
		var params SamplingParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			jsonErr = &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		sampled, err := c.samplingHandler(ctx, params)
		cancel()
		if err != nil {
			jsonErr = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Errorf("failed to sample: %w", err).Error(),
			}
			break
		}
		result = sampled
	default:
		jsonErr = &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		}
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
	}
	if jsonErr != nil {
		resMsg.Error = jsonErr
	} else {
		resultBs, err := json.Marshal(result)
		if err != nil {
			resMsg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Errorf("failed to marshal result: %w", err).Error(),
			}
		} else {
			resMsg.Result = resultBs
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	if err := c.session.Send(ctx, resMsg); err != nil {
		c.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func (c *Client) subscribe() (chan Notification, bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, false
	}

	ch := make(chan Notification, 10)

	c.subMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subMu.Unlock()

	return ch, true
}

func (c *Client) unsubscribe(ch chan Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

func (c *Client) fanOut(n Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- n:
		default:
			c.logger.Debug("dropping notification for slow watcher", slog.String("method", n.Method))
		}
	}
}

func (c *Client) teardown() {
	// Connect may never have run, or failed before a session existed.
	if c.session == nil {
		return
	}
	c.session.Stop()
	<-c.readDone
}
