// Package mcp implements the server side of the Model Context Protocol (MCP) for tool providers.
// This implementation follows the 2024-11-05 revision of the specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// A Server drives one connection state machine per client session. Sessions come from a
// ServerTransport: StdIO serves a single client over newline-delimited JSON, and SSEServer
// serves many clients over Server-Sent Events with HTTP POST for the client-to-server
// direction. Tools are provided by a ToolServer.
//
//	srv := mcp.NewServer(info, mcp.NewStdIO(os.Stdin, os.Stdout), mcp.WithToolServer(tools))
//	go srv.Serve()
//	defer srv.Shutdown(ctx)
package mcp
