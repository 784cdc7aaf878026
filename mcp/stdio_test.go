package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/daedra/mcp"
)

func TestStdIOMalformedLines(t *testing.T) {
	h := newStdIOHarness(t, stdioHarnessConfig{toolServer: &mockToolServer{}})

	// The id precedes the syntax error, so it can be answered.
	h.send(`{"jsonrpc":"2.0","id":5,"method":`)
	expectErrorCode(t, h.recv(), mcp.NewIntID(5), mcp.JSONRPCParseErrorCode)

	// Valid JSON with a wrongly typed id is an invalid request.
	h.send(`{"jsonrpc":"2.0","id":"x","method":42}`)
	expectErrorCode(t, h.recv(), mcp.NewStringID("x"), mcp.JSONRPCInvalidRequestCode)

	// Nothing to answer, the line is dropped.
	h.send(`this is not json`)
	h.send(``)
	h.send(`   `)

	h.sendRequest(6, "ping", nil)
	if msg := h.recv(); msg.ID != mcp.NewIntID(6) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestStdIOOversizedLine(t *testing.T) {
	h := newStdIOHarness(t, stdioHarnessConfig{
		toolServer:   &mockToolServer{},
		stdioOptions: []mcp.StdIOOption{mcp.WithStdIOMaxLineSize(64)},
	})

	h.send(`{"jsonrpc":"2.0","id":9,"method":"ping","params":{"pad":"` + strings.Repeat("x", 256) + `"}}`)
	msg := h.recv()
	expectErrorCode(t, msg, mcp.NewIntID(9), mcp.JSONRPCParseErrorCode)
	if !strings.Contains(msg.Error.Message, "too large") {
		t.Errorf("expected size error, got %q", msg.Error.Message)
	}

	// Reading resumes at the next line.
	h.send(`{"jsonrpc":"2.0","id":10,"method":"ping"}`)
	if msg := h.recv(); msg.ID != mcp.NewIntID(10) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestStdIOHandlesCRLF(t *testing.T) {
	h := newStdIOHarness(t, stdioHarnessConfig{toolServer: &mockToolServer{}})

	h.send("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\r")
	if msg := h.recv(); msg.ID != mcp.NewIntID(1) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestStdIOOutputIsOnlyJSONRPC(t *testing.T) {
	h := newStdIOHarness(t, stdioHarnessConfig{toolServer: &mockToolServer{}})
	h.initialize()

	h.callTool(1, "echo", map[string]any{"text": "a\nb"})
	h.sendRequest(2, "tools/list", nil)
	h.sendRequest(3, "missing", nil)

	for range 3 {
		line := h.recvLine()
		if strings.Contains(line, "\n") {
			t.Errorf("line contains a raw newline: %q", line)
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("line is not JSON: %q", line)
		}
		if string(msg["jsonrpc"]) != `"2.0"` {
			t.Errorf("expected jsonrpc 2.0 in %s", line)
		}
	}
}

func TestStdIOSessionEndsOnEOF(t *testing.T) {
	serverReader, clientWriter := io.Pipe()
	transport := mcp.NewStdIO(serverReader, io.Discard, mcp.WithStdIOLogger(discardLogger()))

	var sess mcp.Session
	sessions := make(chan mcp.Session, 1)
	go func() {
		for s := range transport.Sessions() {
			sessions <- s
		}
	}()
	select {
	case sess = <-sessions:
	case <-time.After(harnessTimeout):
		t.Fatal("no session yielded")
	}

	if sess.ID() == "" {
		t.Error("expected a session id")
	}

	received := make(chan mcp.JSONRPCMessage, 1)
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for msg := range sess.Messages() {
			received <- msg
		}
	}()

	if _, err := io.WriteString(clientWriter, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Method != "notifications/initialized" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(harnessTimeout):
		t.Fatal("timeout waiting for message")
	}

	_ = clientWriter.Close()
	select {
	case <-ended:
	case <-time.After(harnessTimeout):
		t.Fatal("Messages did not end on EOF")
	}

	sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), harnessTimeout)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown transport: %v", err)
	}

	if err := sess.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "late"}); err == nil {
		t.Error("expected error sending on a stopped session")
	}
}
