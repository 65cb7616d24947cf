package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startTestListener(t *testing.T, handler Handler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := Listen(path, handler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go ln.Serve(ctx)
	time.Sleep(10 * time.Millisecond)
	return path
}

func TestPingReturnsPong(t *testing.T) {
	path := startTestListener(t, func(ctx context.Context, req Request) Response {
		if req.Type == ReqPing {
			return Response{Type: RespPong, Version: "test"}
		}
		return Response{Type: RespError, Message: "unexpected"}
	})

	resp, err := Send(path, Request{Type: ReqPing})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Type != RespPong || resp.Version != "test" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestExecutionPendingDispatchesWithID(t *testing.T) {
	var gotID string
	path := startTestListener(t, func(ctx context.Context, req Request) Response {
		gotID = req.ID
		return Response{Type: RespOk}
	})

	resp, err := Send(path, Request{Type: ReqExecutionPending, ID: "exec-123"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Type != RespOk {
		t.Fatalf("expected Ok, got %+v", resp)
	}
	if gotID != "exec-123" {
		t.Fatalf("expected id exec-123, got %q", gotID)
	}
}

func TestMalformedRequestReturnsError(t *testing.T) {
	path := startTestListener(t, func(ctx context.Context, req Request) Response {
		return Response{Type: RespOk}
	})

	resp, err := rawSend(t, path, "{not json\n")
	if err != nil {
		t.Fatalf("rawSend: %v", err)
	}
	if resp.Type != RespError {
		t.Fatalf("expected Error response, got %+v", resp)
	}
}

// rawSend writes literal bytes rather than a marshaled Request, to test
// the server's handling of malformed input.
func rawSend(t *testing.T, path, raw string) (Response, error) {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(raw)); err != nil {
		return Response{}, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxMessageSize), maxMessageSize)
	if !scanner.Scan() {
		return Response{}, scanner.Err()
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln1, err := Listen(path, func(ctx context.Context, req Request) Response { return Response{Type: RespOk} })
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go ln1.Serve(ctx)
	time.Sleep(10 * time.Millisecond)

	// Simulate an unclean shutdown: the socket file is left behind but
	// nothing is listening on it anymore.
	cancel()
	time.Sleep(10 * time.Millisecond)

	ln2, err := Listen(path, func(ctx context.Context, req Request) Response { return Response{Type: RespOk} })
	if err != nil {
		t.Fatalf("second Listen should succeed over the stale socket: %v", err)
	}
	ln2.Close()
}
