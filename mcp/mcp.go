package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions yields a Session for every client that connects. The stdio transport
	// yields exactly one. Iteration ends once Shutdown is called, or when the transport
	// cannot produce more sessions.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport. Sessions it yielded are already stopped by the
	// Server when this is called, and it is called once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID identifies the session among the live sessions of its transport.
	ID() string

	// Send writes msg to the client, giving up when ctx is done.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages yields the decoded messages from the client until the session is
	// stopped or the client goes away.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop ends the session. The Server calls it exactly once.
	Stop()
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns the list of available tools.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to report operation progress.
	//
	// A returned JSONRPCError is sent to the client as a protocol error, which is how
	// implementations report unknown tools or invalid arguments. Any other error is
	// reported as a tool-level failure inside a result with IsError set.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// ProgressReporter sends a notifications/progress message for the running call. It does
// nothing when the client did not supply a progress token.
type ProgressReporter func(progress ProgressParams)
