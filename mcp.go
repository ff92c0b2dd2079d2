package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP
// protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they
	// are initiated. Each yielded Session represents a unique client
	// connection; the implementation must guarantee that session IDs are
	// unique across all active connections.
	//
	// The iteration exits when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the transport and releases its
	// resources. Implementations should not stop the sessions they produced,
	// the caller already does that. The caller is guaranteed to call this
	// method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP
// protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server. The returned
	// session is usable immediately; transports that connect lazily surface
	// connection failures through their own supervision rather than here.
	StartSession(ctx context.Context) (Session, error)
}

// Broadcaster is implemented by server transports that can fan one message
// out to every open session in a single pass, serializing the payload once.
// The dispatcher prefers it over per-session sends for notifications.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg JSONRPCMessage) error
}

// Session represents one bidirectional communication channel between server
// and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the
	// other party. The iteration exits when the session is closed, which is
	// the transport-closure signal consumers rely on.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method
	// at most once; implementations should not call it themselves.
	Stop()
}

// ProgressReporter reports progress updates for a long-running operation.
// Handlers receive a usable reporter only when the originating request
// carried a progress token; otherwise reports are dropped.
type ProgressReporter func(progress ProgressParams)

// ToolHandler executes a registered tool. A returned error is translated by
// the dispatcher into an internal-error response for that request only.
type ToolHandler func(ctx context.Context, params CallToolParams, progress ProgressReporter) (CallToolResult, error)

// ResourceHandler serves reads for a registered resource or resource
// template.
type ResourceHandler func(ctx context.Context, params ReadResourceParams, progress ProgressReporter) (ReadResourceResult, error)

// PromptHandler renders a registered prompt.
type PromptHandler func(ctx context.Context, params GetPromptParams, progress ProgressReporter) (GetPromptResult, error)

// CompletionHandler produces argument completion suggestions for a prompt or
// resource template.
type CompletionHandler func(ctx context.Context, params CompleteParams) (CompleteResult, error)

// RootsListHandler lets a client answer roots/list requests from the server.
type RootsListHandler func(ctx context.Context) (RootList, error)

// SamplingHandler lets a client answer sampling/createMessage requests from
// the server by generating a model response for the supplied conversation.
type SamplingHandler func(ctx context.Context, params SamplingParams) (SamplingResult, error)
