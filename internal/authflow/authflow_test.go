package authflow

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(99),
	})))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// writeScript creates an executable shell script standing in for the tunnel
// CLI. Scripts ignore their arguments.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devtunnel")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestPromptScanner_SingleChunk(t *testing.T) {
	s := newPromptScanner()

	ev, ok := s.feed([]byte("To sign in, use a web browser to open " +
		"https://github.com/login/device and enter the code WDJB-MJHT to authenticate.\n"))
	if !ok {
		t.Fatal("expected a match")
	}
	if ev.AuthURL != "https://github.com/login/device" {
		t.Errorf("unexpected url: %q", ev.AuthURL)
	}
	if ev.DeviceCode != "WDJB-MJHT" {
		t.Errorf("unexpected code: %q", ev.DeviceCode)
	}
}

func TestPromptScanner_StraddlesChunks(t *testing.T) {
	s := newPromptScanner()

	if _, ok := s.feed([]byte("open https://microsoft.com/devi")); ok {
		t.Fatal("unexpected match on partial URL")
	}
	ev, ok := s.feed([]byte("celogin and enter code ABCD-1234-EFGH\n"))
	if !ok {
		t.Fatal("expected a match after the URL completes")
	}
	if ev.AuthURL != "https://microsoft.com/devicelogin" {
		t.Errorf("unexpected url: %q", ev.AuthURL)
	}
	if ev.DeviceCode != "ABCD-1234-EFGH" {
		t.Errorf("unexpected code: %q", ev.DeviceCode)
	}
}

func TestPromptScanner_EmitsOnce(t *testing.T) {
	s := newPromptScanner()

	line := []byte("visit https://aka.ms/devicelogin code XXXX-YYYY\n")
	if _, ok := s.feed(line); !ok {
		t.Fatal("expected first feed to match")
	}
	if _, ok := s.feed(line); ok {
		t.Fatal("expected no second match")
	}
}

func TestPromptScanner_CodeMayLag(t *testing.T) {
	s := newPromptScanner()

	ev, ok := s.feed([]byte("open https://aka.ms/devicelogin\n"))
	if !ok {
		t.Fatal("expected a match on URL alone")
	}
	if ev.DeviceCode != "" {
		t.Errorf("expected empty code, got %q", ev.DeviceCode)
	}
}

func TestCheckAuth(t *testing.T) {
	quietLogger(t)

	cases := []struct {
		name string
		body string
		want bool
	}{
		{"logged in", `echo "Logged in as someone@example.com"; exit 0`, true},
		{"not logged in notice", `echo "Not logged in."; exit 0`, false},
		{"nonzero exit", `exit 1`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(writeScript(t, tc.body), time.Minute)
			if got := c.CheckAuth(context.Background()); got != tc.want {
				t.Errorf("CheckAuth = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLogin_Success(t *testing.T) {
	quietLogger(t)

	script := writeScript(t,
		`echo "Browse to https://github.com/login/device and enter WDJB-MJHT"; exit 0`)
	c := New(script, time.Minute)

	var events []Event
	ok, err := c.Login(context.Background(), "session-1", t.TempDir(), func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !ok {
		t.Fatal("expected login success")
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one auth event, got %d", len(events))
	}
	if events[0].AuthURL != "https://github.com/login/device" {
		t.Errorf("unexpected url: %q", events[0].AuthURL)
	}
	if events[0].DeviceCode != "WDJB-MJHT" {
		t.Errorf("unexpected code: %q", events[0].DeviceCode)
	}
}

func TestLogin_NonzeroExit(t *testing.T) {
	quietLogger(t)

	c := New(writeScript(t, `echo "login failed"; exit 1`), time.Minute)

	ok, err := c.Login(context.Background(), "session-1", t.TempDir(), func(Event) {})
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if ok {
		t.Fatal("expected login failure on nonzero exit")
	}
}

func TestLogin_CancelKillsSubprocess(t *testing.T) {
	quietLogger(t)

	c := New(writeScript(t, `sleep 30`), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok, err := c.Login(ctx, "session-1", t.TempDir(), func(Event) {})
	if ok {
		t.Fatal("expected login failure on cancel")
	}
	if err == nil {
		t.Fatal("expected context error on cancel")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancel took too long: %s", elapsed)
	}
}

func TestLogin_Timeout(t *testing.T) {
	quietLogger(t)

	c := New(writeScript(t, `sleep 30`), 200*time.Millisecond)

	start := time.Now()
	ok, err := c.Login(context.Background(), "session-1", t.TempDir(), func(Event) {})
	if ok {
		t.Fatal("expected login failure on timeout")
	}
	if err == nil {
		t.Fatal("expected context error on timeout")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}
