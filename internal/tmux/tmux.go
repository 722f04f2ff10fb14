// Package tmux wraps the external terminal multiplexer. The wrapper is a
// thin pass-through with three hardenings: session names are sanitized to a
// safe alphabet, prompt delivery is a two-phase write (text, then a delayed
// Enter — some clients race on a combined write), and a missing tmux binary
// is a warning rather than a fatal error so agents can still be created for
// external attachment.
package tmux

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// promptEnterDelay separates the prompt text from its newline.
const promptEnterDelay = 600 * time.Millisecond

// Client runs tmux commands. The zero value is not usable; call New.
type Client struct {
	bin       string
	available bool
	logger    *log.Logger
	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// New probes for the tmux binary. Absence is reported via Available(), not
// an error.
func New(logger *log.Logger) *Client {
	bin, err := exec.LookPath("tmux")
	c := &Client{bin: bin, available: err == nil, logger: logger, sleep: time.Sleep}
	if err != nil {
		logger.Printf("Warning: tmux not found, worker sessions disabled: %v", err)
	}
	return c
}

// Available reports whether the multiplexer binary was found.
func (c *Client) Available() bool { return c.available }

// SanitizeName maps an arbitrary string onto the tmux-legal alphabet
// (letters, digits, dash, underscore).
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if !c.available {
		return "", fmt.Errorf("tmux not available")
	}
	out, err := exec.CommandContext(ctx, c.bin, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateSession starts a detached session at the given working directory.
func (c *Client) CreateSession(ctx context.Context, name, cwd string) error {
	_, err := c.run(ctx, "new-session", "-d", "-s", SanitizeName(name), "-c", cwd)
	return err
}

// SendKeys types text into a session followed by Enter, in one write.
// Use SendPrompt for bootstrap prompts.
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	_, err := c.run(ctx, "send-keys", "-t", SanitizeName(name), text, "Enter")
	return err
}

// SendPrompt delivers a prompt in two phases: the text first, then Enter
// after a delay.
func (c *Client) SendPrompt(ctx context.Context, name, text string) error {
	session := SanitizeName(name)
	if _, err := c.run(ctx, "send-keys", "-t", session, text); err != nil {
		return err
	}
	c.sleep(promptEnterDelay)
	_, err := c.run(ctx, "send-keys", "-t", session, "Enter")
	return err
}

// Capture returns the visible text buffer of a session.
func (c *Client) Capture(ctx context.Context, name string) (string, error) {
	return c.run(ctx, "capture-pane", "-p", "-t", SanitizeName(name))
}

// KillSession tears a session down. Best-effort: a missing session is not
// an error.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", SanitizeName(name))
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

// ListSessions returns the names of all live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "No such file") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// HasSession reports whether a session exists.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	if !c.available {
		return false
	}
	err := exec.CommandContext(ctx, c.bin, "has-session", "-t", SanitizeName(name)).Run()
	return err == nil
}
