package tmux

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"agent-1", "agent-1"},
		{"agent 1", "agent_1"},
		{"a;rm -rf /", "a_rm_-rf__"},
		{"", "session"},
		{"...", "___"},
	}
	for _, c := range cases {
		if got := SanitizeName(c.in); got != c.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// fakeClient records every invocation in a file instead of running tmux.
func fakeClient(t *testing.T) (*Client, func() []string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := filepath.Join(dir, "tmux")
	body := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake tmux: %v", err)
	}
	c := &Client{
		bin:       script,
		available: true,
		logger:    log.New(io.Discard, "", 0),
		sleep:     func(time.Duration) {},
	}
	return c, func() []string {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return nil
		}
		return strings.Split(strings.TrimSpace(string(data)), "\n")
	}
}

func TestSendPrompt_twoPhases(t *testing.T) {
	c, calls := fakeClient(t)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := c.SendPrompt(context.Background(), "agent-1", "hello world"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	got := calls()
	if len(got) != 2 {
		t.Fatalf("tmux invocations = %d, want 2 (%v)", len(got), got)
	}
	if !strings.Contains(got[0], "hello world") || strings.Contains(got[0], "Enter") {
		t.Errorf("first write = %q, want text without Enter", got[0])
	}
	if !strings.HasSuffix(got[1], "Enter") {
		t.Errorf("second write = %q, want trailing Enter", got[1])
	}
	if len(slept) != 1 || slept[0] < 500*time.Millisecond {
		t.Errorf("sleep between phases = %v, want one sleep of at least 500ms", slept)
	}
}

func TestSendKeys_singleWrite(t *testing.T) {
	c, calls := fakeClient(t)
	if err := c.SendKeys(context.Background(), "s", "ls"); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	if got := calls(); len(got) != 1 {
		t.Errorf("tmux invocations = %d, want 1", len(got))
	}
}

func TestUnavailableClient(t *testing.T) {
	c := &Client{available: false, logger: log.New(io.Discard, "", 0), sleep: func(time.Duration) {}}
	if c.Available() {
		t.Error("Available() = true for missing binary")
	}
	if err := c.CreateSession(context.Background(), "s", "."); err == nil {
		t.Error("CreateSession succeeded without tmux")
	}
	if c.HasSession(context.Background(), "s") {
		t.Error("HasSession = true without tmux")
	}
}
