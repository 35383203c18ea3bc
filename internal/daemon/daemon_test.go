package daemon

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"go.codemux.dev/tunneld/internal/core"
)

func quietLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(99),
	})))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	quietLogger(t)
	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = t.TempDir()
	return New(cfg)
}

// roundTrip sends one command line through an in-memory connection and
// returns the decoded response.
func roundTrip(t *testing.T, d *Daemon, command string) Response {
	t.Helper()

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		d.handleConnection(server)
		close(done)
	}()

	if _, err := client.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleConnection did not finish")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("invalid response JSON %q: %v", data, err)
	}
	return resp
}

func TestHandleConnection_Version(t *testing.T) {
	d := newTestDaemon(t)

	resp := roundTrip(t, d, "VERSION")
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected version data object, got %T", resp.Data)
	}
	if _, ok := data["version"]; !ok {
		t.Errorf("expected version field, got %v", data)
	}
}

func TestHandleConnection_StatusUnknownSession(t *testing.T) {
	d := newTestDaemon(t)

	resp := roundTrip(t, d, "STATUS no-such-session")
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected status object, got %T", resp.Data)
	}
	if data["status"] != "stopped" {
		t.Errorf("expected stopped status, got %v", data["status"])
	}
}

func TestHandleConnection_StatusListsEmpty(t *testing.T) {
	d := newTestDaemon(t)

	resp := roundTrip(t, d, "STATUS")
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected sessions map, got %T", resp.Data)
	}
	if len(data) != 0 {
		t.Errorf("expected no sessions, got %v", data)
	}
}

func TestHandleConnection_StartUsageError(t *testing.T) {
	d := newTestDaemon(t)

	resp := roundTrip(t, d, "START")
	if len(resp.Messages) == 0 || resp.Messages[0].Status != "ERROR" {
		t.Fatalf("expected usage error, got %+v", resp)
	}
}

func TestHandleConnection_UnknownCommand(t *testing.T) {
	d := newTestDaemon(t)

	resp := roundTrip(t, d, "FROBNICATE")
	if len(resp.Messages) == 0 || resp.Messages[0].Status != "ERROR" {
		t.Fatalf("expected error message, got %+v", resp)
	}
	if !strings.Contains(resp.Messages[0].Message, "FROBNICATE") {
		t.Errorf("error should name the command, got %q", resp.Messages[0].Message)
	}
}

func TestResponse_JSON(t *testing.T) {
	var r Response
	r.AddMessage("hello", "INFO")
	r.AddData(map[string]int{"n": 1})

	var decoded Response
	if err := json.Unmarshal([]byte(r.ToJSON()), &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if len(decoded.Messages) != 1 || decoded.Messages[0].Message != "hello" {
		t.Errorf("unexpected messages: %+v", decoded.Messages)
	}
	if decoded.Messages[0].Status != "INFO" {
		t.Errorf("unexpected status: %q", decoded.Messages[0].Status)
	}
}

func TestLogBroadcaster_BroadcastAndHistory(t *testing.T) {
	lb := NewLogBroadcaster(3)

	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	lb.Broadcast("one\n")
	select {
	case msg := <-ch:
		if msg != "one\n" {
			t.Errorf("unexpected message: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}

	// History is a bounded ring.
	lb.Broadcast("two\n")
	lb.Broadcast("three\n")
	lb.Broadcast("four\n")

	_, history := lb.SubscribeWithHistory(10)
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if history[0] != "two\n" || history[2] != "four\n" {
		t.Errorf("unexpected history: %v", history)
	}
}

func TestLogBroadcaster_SubscribeWithHistoryLimit(t *testing.T) {
	lb := NewLogBroadcaster(10)
	lb.Broadcast("a\n")
	lb.Broadcast("b\n")
	lb.Broadcast("c\n")

	_, history := lb.SubscribeWithHistory(2)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0] != "b\n" || history[1] != "c\n" {
		t.Errorf("expected the most recent lines, got %v", history)
	}
}

func TestLogBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	lb.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}

	// Broadcasting after unsubscribe must not panic.
	lb.Broadcast("still fine\n")
}

func TestLogBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	// Overfill the client buffer; Broadcast must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			lb.Broadcast("spam\n")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a slow client")
	}
}
