package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/daedra/mcp"
)

type mockToolServer struct {
	calls atomic.Int32

	callFunc func(context.Context, mcp.CallToolParams, mcp.ProgressReporter) (mcp.CallToolResult, error)
}

// stdioHarness drives a Server over a pair of pipes, playing the client side with raw lines.
type stdioHarness struct {
	t *testing.T

	clientWriter *io.PipeWriter
	serverWriter *io.PipeWriter
	lines        chan string

	server    mcp.Server
	serveDone chan struct{}
}

type stdioHarnessConfig struct {
	toolServer    mcp.ToolServer
	serverOptions []mcp.ServerOption
	stdioOptions  []mcp.StdIOOption
}

const harnessTimeout = 3 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStdIOHarness(t *testing.T, cfg stdioHarnessConfig) *stdioHarness {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	stdioOpts := append([]mcp.StdIOOption{mcp.WithStdIOLogger(discardLogger())}, cfg.stdioOptions...)
	transport := mcp.NewStdIO(serverReader, serverWriter, stdioOpts...)

	srvOpts := []mcp.ServerOption{mcp.WithServerLogger(discardLogger())}
	if cfg.toolServer != nil {
		srvOpts = append(srvOpts, mcp.WithToolServer(cfg.toolServer))
	}
	srvOpts = append(srvOpts, cfg.serverOptions...)

	h := &stdioHarness{
		t:            t,
		clientWriter: clientWriter,
		serverWriter: serverWriter,
		lines:        make(chan string, 100),
		server:       mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, transport, srvOpts...),
		serveDone:    make(chan struct{}),
	}

	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(clientReader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
	}()

	go func() {
		defer close(h.serveDone)
		h.server.Serve()
	}()

	t.Cleanup(h.close)
	return h
}

func (h *stdioHarness) close() {
	// EOF on the input ends the only session.
	_ = h.clientWriter.Close()

	select {
	case <-h.serveDone:
	case <-time.After(harnessTimeout):
		h.t.Error("server did not stop after input was closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), harnessTimeout)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.t.Errorf("failed to shutdown server: %v", err)
	}
	_ = h.serverWriter.Close()
}

func (h *stdioHarness) send(line string) {
	h.t.Helper()
	if _, err := io.WriteString(h.clientWriter, line+"\n"); err != nil {
		h.t.Fatalf("failed to write line: %v", err)
	}
}

func (h *stdioHarness) sendRequest(id int64, method string, params any) {
	h.t.Helper()
	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewIntID(id),
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			h.t.Fatalf("failed to marshal params: %v", err)
		}
		msg.Params = bs
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		h.t.Fatalf("failed to marshal message: %v", err)
	}
	h.send(string(bs))
}

func (h *stdioHarness) sendNotification(method string, params any) {
	h.t.Helper()
	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			h.t.Fatalf("failed to marshal params: %v", err)
		}
		msg.Params = bs
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		h.t.Fatalf("failed to marshal message: %v", err)
	}
	h.send(string(bs))
}

func (h *stdioHarness) recvLine() string {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if !ok {
			h.t.Fatal("output closed while waiting for a message")
		}
		return line
	case <-time.After(harnessTimeout):
		h.t.Fatal("timeout waiting for a message")
	}
	return ""
}

func (h *stdioHarness) recv() mcp.JSONRPCMessage {
	h.t.Helper()
	line := h.recvLine()
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		h.t.Fatalf("server wrote a non JSON-RPC line %q: %v", line, err)
	}
	if msg.JSONRPC != mcp.JSONRPCVersion {
		h.t.Fatalf("expected jsonrpc %s, got %q in %s", mcp.JSONRPCVersion, msg.JSONRPC, line)
	}
	return msg
}

func (h *stdioHarness) expectNone(wait time.Duration) {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if ok {
			h.t.Fatalf("expected no message, got %s", line)
		}
	case <-time.After(wait):
	}
}

func (h *stdioHarness) initialize() {
	h.t.Helper()
	h.sendRequest(0, "initialize", map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	})
	res := h.recv()
	if res.Error != nil {
		h.t.Fatalf("initialize failed: %v", res.Error)
	}
	h.sendNotification("notifications/initialized", nil)
}

func (h *stdioHarness) callTool(id int64, name string, args any) {
	h.t.Helper()
	h.sendRequest(id, "tools/call", map[string]any{"name": name, "arguments": args})
}

func expectErrorCode(t *testing.T, msg mcp.JSONRPCMessage, id mcp.RequestID, code int) {
	t.Helper()
	if msg.ID != id {
		t.Errorf("expected id %s, got %s", id, msg.ID)
	}
	if msg.Error == nil {
		t.Fatalf("expected error %d, got result %s", code, msg.Result)
	}
	if msg.Error.Code != code {
		t.Errorf("expected error code %d, got %d (%s)", code, msg.Error.Code, msg.Error.Message)
	}
}

func decodeResult[T any](t *testing.T, msg mcp.JSONRPCMessage) T {
	t.Helper()
	var res T
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", msg.Error)
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("failed to unmarshal result %s: %v", msg.Result, err)
	}
	return res
}

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "echo",
				Description: "Echoes its input",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			},
		},
	}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	m.calls.Add(1)
	if m.callFunc != nil {
		return m.callFunc(ctx, params, progress)
	}

	if params.Name != "echo" {
		return mcp.CallToolResult{}, mcp.JSONRPCError{
			Code:    mcp.JSONRPCMethodNotFoundCode,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}
	}

	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: err.Error(),
		}
	}
	if args.Text == "" {
		return mcp.CallToolResult{}, errors.New("nothing to echo")
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: args.Text}},
	}, nil
}

// concurrencyGauge records the highest number of simultaneous holders.
type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	max     int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	if g.current > g.max {
		g.max = g.current
	}
}

func (g *concurrencyGauge) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

func (g *concurrencyGauge) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}
