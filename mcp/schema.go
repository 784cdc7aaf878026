package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RequestID identifies a JSON-RPC request. The protocol allows either a string or an integer, and the
// client expects the very same JSON value back in the response, so RequestID keeps the raw JSON token
// instead of converting it. RequestID is comparable and can be used as a map key. The zero value means
// "no id", which is what notifications carry.
type RequestID struct {
	raw string
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Method is the closed set of methods the server understands. Incoming method names are parsed once
// with ParseMethod; anything outside the set becomes MethodUnknown.
type Method int

// ParamsMeta contains optional metadata that clients attach to requests.
type ParamsMeta struct {
	// ProgressToken is an opaque token for correlating progress notifications with this request.
	ProgressToken RequestID `json:"progressToken,omitzero"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents the capabilities advertised by the server in the initialize result.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ClientCapabilities holds what the client declared during initialization. The server has no hard
// requirement on any of them, so they are kept as raw JSON for logging and future negotiation.
type ClientCapabilities struct {
	Roots        json.RawMessage `json:"roots,omitempty"`
	Sampling     json.RawMessage `json:"sampling,omitempty"`
	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	Meta ParamsMeta `json:"_meta,omitzero"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is the raw JSON object of argument name-value pairs.
	// Must satisfy required arguments defined in tool's InputSchema field.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	// The progressToken is used by ProgressReporter to emit progress updates if supported.
	Meta ParamsMeta `json:"_meta,omitzero"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports that the call itself
// was well-formed but the tool failed; the failure details are in Content and Meta.
type CallToolResult struct {
	Content []Content      `json:"content"`
	IsError bool           `json:"isError"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	// For image content
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken uniquely identifies the operation this progress update relates to
	ProgressToken RequestID `json:"progressToken"`
	// Progress represents the current progress value
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	// When non-zero, completion percentage can be calculated as (Progress/Total)*100
	Total float64 `json:"total,omitempty"`
}

// CancelledParams is the payload of a notifications/cancelled message.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision implemented by this package.
	ProtocolVersion = "2024-11-05"

	// ContentTypeText represents text content type.
	ContentTypeText ContentType = "text"
	// ContentTypeImage represents image content type.
	ContentTypeImage ContentType = "image"
)

// Standard JSON-RPC error codes.
const (
	JSONRPCParseErrorCode     = -32700
	JSONRPCInvalidRequestCode = -32600
	JSONRPCMethodNotFoundCode = -32601
	JSONRPCInvalidParamsCode  = -32602
	JSONRPCInternalErrorCode  = -32603
)

const (
	// MethodUnknown is any method name outside the supported set.
	MethodUnknown Method = iota
	// MethodInitialize starts the handshake.
	MethodInitialize
	// MethodInitialized completes the handshake. Both "notifications/initialized" and the bare
	// "initialized" parse to it.
	MethodInitialized
	// MethodPing checks liveness and is accepted in every state.
	MethodPing
	// MethodToolsList lists the available tools.
	MethodToolsList
	// MethodToolsCall invokes a tool.
	MethodToolsCall
	// MethodNotificationsCancelled cancels an outstanding request.
	MethodNotificationsCancelled
)

const (
	methodNameInitialize             = "initialize"
	methodNameInitialized            = "initialized"
	methodNameNotificationsInit      = "notifications/initialized"
	methodNamePing                   = "ping"
	methodNameToolsList              = "tools/list"
	methodNameToolsCall              = "tools/call"
	methodNameNotificationsCancelled = "notifications/cancelled"
	methodNameNotificationsProgress  = "notifications/progress"
)

var errInvalidRequestID = errors.New("request id must be a string or a number")

// ParseMethod maps a wire method name onto the Method enumeration.
func ParseMethod(name string) Method {
	switch name {
	case methodNameInitialize:
		return MethodInitialize
	case methodNameInitialized, methodNameNotificationsInit:
		return MethodInitialized
	case methodNamePing:
		return MethodPing
	case methodNameToolsList:
		return MethodToolsList
	case methodNameToolsCall:
		return MethodToolsCall
	case methodNameNotificationsCancelled:
		return MethodNotificationsCancelled
	default:
		return MethodUnknown
	}
}

func (m Method) String() string {
	switch m {
	case MethodInitialize:
		return methodNameInitialize
	case MethodInitialized:
		return methodNameNotificationsInit
	case MethodPing:
		return methodNamePing
	case MethodToolsList:
		return methodNameToolsList
	case MethodToolsCall:
		return methodNameToolsCall
	case MethodNotificationsCancelled:
		return methodNameNotificationsCancelled
	case MethodUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// NewStringID returns a RequestID holding the given string.
func NewStringID(id string) RequestID {
	return RequestID{raw: strconv.Quote(id)}
}

// NewIntID returns a RequestID holding the given integer.
func NewIntID(id int64) RequestID {
	return RequestID{raw: strconv.FormatInt(id, 10)}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool {
	return id.raw == ""
}

// String returns the id as it appears on the wire.
func (id RequestID) String() string {
	return id.raw
}

// MarshalJSON implements json.Marshaler. An absent id encodes as null, which is what JSON-RPC expects
// on error responses whose request id could not be determined.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON implements json.Unmarshaler. Strings and numbers are accepted, null yields the zero id,
// anything else is rejected.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to unmarshal request id: %w", err)
		}
		*id = NewStringID(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("failed to unmarshal request id: %w", err)
		}
		*id = RequestID{raw: n.String()}
	default:
		return errInvalidRequestID
	}
	return nil
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %+v", j.Code, j.Message, j.Data)
}

// isResponse reports whether the message is a reply to a request we sent.
// MarshalJSON implements json.Marshaler. An error response always carries its id, null when
// the request id could not be recovered.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	type message JSONRPCMessage
	if m.Error == nil {
		return json.Marshal(message(m))
	}
	return json.Marshal(struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      RequestID     `json:"id"`
		Error   *JSONRPCError `json:"error"`
	}{m.JSONRPC, m.ID, m.Error})
}

func (m JSONRPCMessage) isResponse() bool {
	return m.Method == "" && !m.ID.IsZero() && (m.Result != nil || m.Error != nil)
}

// recoverRequestID scans a possibly malformed or truncated message for a top-level "id" member. It walks
// the token stream only as far as the input stays well-formed, so an id that precedes the syntax error
// is still found.
func recoverRequestID(data []byte) RequestID {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return RequestID{}
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return RequestID{}
		}
		key, ok := keyTok.(string)
		if !ok {
			return RequestID{}
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return RequestID{}
		}
		if key != "id" {
			continue
		}

		var id RequestID
		if err := id.UnmarshalJSON(raw); err != nil {
			return RequestID{}
		}
		return id
	}

	return RequestID{}
}

func newErrorMessage(id RequestID, code int, message string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}
