package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/halcyonix/mcp"
)

// scriptedServer is the raw peer of a Client under test: it reads frames off
// the wire and answers them by hand, with full control over ordering.
type scriptedServer struct {
	t       *testing.T
	writer  *io.PipeWriter
	scanner *bufio.Scanner
}

func newScriptedServer(t *testing.T, clientOptions ...mcp.ClientOption) (scriptedServer, *mcp.Client) {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	srv := scriptedServer{
		t:       t,
		writer:  serverWriter,
		scanner: bufio.NewScanner(serverReader),
	}
	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"},
		mcp.NewStdIO(clientReader, clientWriter), clientOptions...)

	return srv, cli
}

func (s scriptedServer) read() mcp.JSONRPCMessage {
	s.t.Helper()

	lines := make(chan string, 1)
	go func() {
		if s.scanner.Scan() {
			lines <- s.scanner.Text()
		}
	}()

	select {
	case line := <-lines:
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.t.Fatalf("failed to unmarshal frame %s: %v", line, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for client frame")
		return mcp.JSONRPCMessage{}
	}
}

func (s scriptedServer) write(msg mcp.JSONRPCMessage) {
	s.t.Helper()

	bs, err := json.Marshal(msg)
	if err != nil {
		s.t.Fatalf("failed to marshal frame: %v", err)
	}
	if _, err := s.writer.Write(append(bs, '\n')); err != nil {
		s.t.Fatalf("failed to write frame: %v", err)
	}
}

// respond answers a request with the given result value.
func (s scriptedServer) respond(id mcp.MessageID, result any) {
	s.t.Helper()

	bs, err := json.Marshal(result)
	if err != nil {
		s.t.Fatalf("failed to marshal result: %v", err)
	}
	s.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: bs})
}

// handshake plays the server side of Connect: answer initialize and swallow
// the initialized notification.
func (s scriptedServer) handshake() mcp.JSONRPCMessage {
	s.t.Helper()

	init := s.read()
	if init.Method != mcp.MethodInitialize {
		s.t.Fatalf("got method %q, want %q", init.Method, mcp.MethodInitialize)
	}

	s.respond(init.ID, map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "scripted", "version": "1.0"},
	})

	initialized := s.read()
	if initialized.Method != "notifications/initialized" {
		s.t.Fatalf("got method %q, want initialized notification", initialized.Method)
	}

	return init
}

func TestClientRequestIDsStartAtOne(t *testing.T) {
	srv, cli := newScriptedServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)

		init := srv.handshake()
		if n, ok := init.ID.Int(); !ok || n != 1 {
			t.Errorf("got initialize id %s, want numeric 1", init.ID.String())
		}

		ping := srv.read()
		if n, ok := ping.ID.Int(); !ok || n != 2 {
			t.Errorf("got ping id %s, want numeric 2", ping.ID.String())
		}
		srv.respond(ping.ID, struct{}{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("failed to ping: %v", err)
	}

	<-done
	cli.Close()
}

func TestClientOutOfOrderResponses(t *testing.T) {
	srv, cli := newScriptedServer(t)

	go func() {
		srv.handshake()

		// Collect both in-flight requests, then answer them in reverse.
		first := srv.read()
		second := srv.read()

		byMethod := map[string]mcp.MessageID{
			first.Method:  first.ID,
			second.Method: second.ID,
		}

		srv.respond(byMethod[mcp.MethodPromptsList], map[string]any{
			"prompts": []map[string]any{{"name": "only-prompt"}},
		})
		srv.respond(byMethod[mcp.MethodToolsList], map[string]any{
			"tools": []map[string]any{{"name": "only-tool"}},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	toolsDone := make(chan error, 1)
	go func() {
		result, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err == nil && (len(result.Tools) != 1 || result.Tools[0].Name != "only-tool") {
			err = fmt.Errorf("got tools %v, want [only-tool]", result.Tools)
		}
		toolsDone <- err
	}()

	result, err := cli.ListPrompts(ctx, mcp.ListPromptsParams{})
	if err != nil {
		t.Fatalf("failed to list prompts: %v", err)
	}
	if len(result.Prompts) != 1 || result.Prompts[0].Name != "only-prompt" {
		t.Errorf("got prompts %v, want [only-prompt]", result.Prompts)
	}

	if err := <-toolsDone; err != nil {
		t.Error(err)
	}

	cli.Close()
}

func TestClientTransportClosedRejectsPending(t *testing.T) {
	srv, cli := newScriptedServer(t)

	go func() {
		srv.handshake()

		// Receive the request, then kill the server-to-client stream instead
		// of answering.
		srv.read()
		srv.writer.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	err := cli.Ping(ctx)
	if !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("got %v, want ErrTransportClosed", err)
	}

	// Later calls fail fast the same way.
	err = cli.Ping(ctx)
	if !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("got %v, want ErrTransportClosed", err)
	}
}

func TestClientNotificationsFanOut(t *testing.T) {
	srv, cli := newScriptedServer(t)

	handshakeDone := make(chan struct{})
	go func() {
		srv.handshake()
		close(handshakeDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	<-handshakeDone

	received := make(chan mcp.Notification, 2)
	for range 2 {
		watching := make(chan struct{})
		go func() {
			close(watching)
			for n := range cli.Notifications() {
				received <- n
				return
			}
		}()
		<-watching
	}

	srv.write(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	// Every watcher sees every notification.
	for i := range 2 {
		select {
		case n := <-received:
			if n.Method != "notifications/tools/list_changed" {
				t.Errorf("got method %q, want list_changed", n.Method)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification on watcher %d", i)
		}
	}

	cli.Close()
}

func TestClientTypedNotificationAccessors(t *testing.T) {
	srv, cli := newScriptedServer(t)

	handshakeDone := make(chan struct{})
	go func() {
		srv.handshake()
		close(handshakeDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	<-handshakeDone

	changes := make(chan struct{}, 1)
	updates := make(chan string, 1)
	reports := make(chan mcp.ProgressParams, 1)
	logs := make(chan mcp.LogParams, 1)

	for _, watch := range []func(){
		func() {
			for range cli.ToolListChanges() {
				changes <- struct{}{}
				return
			}
		},
		func() {
			for uri := range cli.ResourceUpdates() {
				updates <- uri
				return
			}
		},
		func() {
			for p := range cli.ProgressReports() {
				reports <- p
				return
			}
		},
		func() {
			for p := range cli.LogMessages() {
				logs <- p
				return
			}
		},
	} {
		watching := make(chan struct{})
		go func() {
			close(watching)
			watch()
		}()
		<-watching
	}

	notify := func(method string, params any) {
		bs, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		srv.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: method, Params: bs})
	}

	notify("notifications/tools/list_changed", struct{}{})
	notify("notifications/resources/updated", map[string]any{"uri": "file:///a.txt"})
	notify("notifications/progress", map[string]any{"progressToken": "op-1", "progress": 0.25})
	notify("notifications/message", map[string]any{"level": 4, "logger": "srv", "data": "oops"})

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tool list change")
	}
	select {
	case uri := <-updates:
		if uri != "file:///a.txt" {
			t.Errorf("got uri %q, want file:///a.txt", uri)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resource update")
	}
	select {
	case p := <-reports:
		if p.ProgressToken != "op-1" || p.Progress != 0.25 {
			t.Errorf("got progress %+v, want token op-1 at 0.25", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress report")
	}
	select {
	case p := <-logs:
		if p.Logger != "srv" {
			t.Errorf("got logger %q, want srv", p.Logger)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log message")
	}

	cli.Close()
}

func TestClientCloseCancelsInFlightRequests(t *testing.T) {
	srv, cli := newScriptedServer(t)

	requestSeen := make(chan mcp.MessageID, 1)
	cancelledSeen := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		srv.handshake()

		req := srv.read()
		requestSeen <- req.ID

		// The client is closing; the next frame must be the cancellation.
		cancelledSeen <- srv.read()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	callDone := make(chan error, 1)
	go func() {
		err := cli.Ping(ctx)
		callDone <- err
	}()

	var pendingID mcp.MessageID
	select {
	case pendingID = <-requestSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("failed to close client: %v", err)
	}

	select {
	case n := <-cancelledSeen:
		if n.Method != "notifications/cancelled" {
			t.Fatalf("got method %q, want notifications/cancelled", n.Method)
		}
		var params struct {
			RequestID mcp.MessageID `json:"requestId"`
			Reason    string        `json:"reason"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			t.Fatalf("failed to unmarshal cancelled params: %v", err)
		}
		if params.RequestID != pendingID {
			t.Errorf("got request id %s, want %s", params.RequestID.String(), pendingID.String())
		}
		if params.Reason != "User requested cancellation" {
			t.Errorf("got reason %q, want user cancellation", params.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation notification")
	}

	if err := <-callDone; !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("got %v, want ErrTransportClosed", err)
	}
}

func TestClientAnswersServerPing(t *testing.T) {
	srv, cli := newScriptedServer(t)

	answered := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		srv.handshake()

		srv.write(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.NewStringID("srv-1"),
			Method:  mcp.MethodPing,
		})
		answered <- srv.read()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	select {
	case res := <-answered:
		if res.ID.String() != "srv-1" {
			t.Errorf("got id %s, want srv-1", res.ID.String())
		}
		if res.Error != nil {
			t.Errorf("got error %v, want result", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping answer")
	}

	cli.Close()
}

func TestClientRootsListHandler(t *testing.T) {
	t.Run("with handler", func(t *testing.T) {
		srv, cli := newScriptedServer(t, mcp.WithRootsListHandler(func(context.Context) (mcp.RootList, error) {
			return mcp.RootList{Roots: []mcp.Root{{URI: "file:///workspace", Name: "workspace"}}}, nil
		}))

		answered := make(chan mcp.JSONRPCMessage, 1)
		go func() {
			init := srv.read()

			// The roots capability must be advertised when a handler is set.
			var params struct {
				Capabilities mcp.ClientCapabilities `json:"capabilities"`
			}
			if err := json.Unmarshal(init.Params, &params); err != nil {
				t.Errorf("failed to unmarshal initialize params: %v", err)
			}
			if params.Capabilities.Roots == nil {
				t.Error("expected roots capability to be advertised")
			}

			srv.respond(init.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "scripted", "version": "1.0"},
			})
			srv.read() // initialized

			srv.write(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.NewIntID(100),
				Method:  mcp.MethodRootsList,
			})
			answered <- srv.read()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}

		select {
		case res := <-answered:
			if res.Error != nil {
				t.Fatalf("got error %v, want roots", res.Error)
			}
			var roots mcp.RootList
			if err := json.Unmarshal(res.Result, &roots); err != nil {
				t.Fatalf("failed to unmarshal roots: %v", err)
			}
			if len(roots.Roots) != 1 || roots.Roots[0].URI != "file:///workspace" {
				t.Errorf("got roots %v, want the workspace root", roots.Roots)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for roots answer")
		}

		cli.Close()
	})

	t.Run("without handler", func(t *testing.T) {
		srv, cli := newScriptedServer(t)

		answered := make(chan mcp.JSONRPCMessage, 1)
		go func() {
			srv.handshake()
			srv.write(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.NewIntID(100),
				Method:  mcp.MethodRootsList,
			})
			answered <- srv.read()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}

		select {
		case res := <-answered:
			if res.Error == nil {
				t.Fatal("expected an error answer")
			}
			if res.Error.Code != -32601 {
				t.Errorf("got code %d, want -32601", res.Error.Code)
			}
			if res.Error.Message != "roots not supported by client" {
				t.Errorf("got message %q, want roots-not-supported", res.Error.Message)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for roots answer")
		}

		cli.Close()
	})
}

func TestClientCloseBeforeConnect(t *testing.T) {
	reader, _ := io.Pipe()
	_, writer := io.Pipe()

	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, mcp.NewStdIO(reader, writer))

	// No session was ever established; Close must be a no-op, not a panic.
	if err := cli.Close(); err != nil {
		t.Errorf("failed to close unconnected client: %v", err)
	}
}

func TestClientConnectRejectsVersionMismatch(t *testing.T) {
	srv, cli := newScriptedServer(t)

	go func() {
		init := srv.read()
		srv.respond(init.ID, map[string]any{
			"protocolVersion": "1999-01-01",
			"capabilities":    map[string]any{},
			"serverInfo":      map[string]any{"name": "scripted", "version": "1.0"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cli.Connect(ctx)
	if err == nil {
		t.Fatal("expected connect to fail on version mismatch")
	}
}
