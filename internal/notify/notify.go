// Package notify posts activation outcomes to an ntfy-style HTTP endpoint.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/control"
	"github.com/dgnsrekt/pagecopy/internal/events"
	"github.com/dgnsrekt/pagecopy/internal/history"
)

const sendTimeout = 10 * time.Second

// Notifier forwards selected outcomes from the event broker.
type Notifier struct {
	endpoint string
	client   *http.Client
	states   map[control.State]bool
}

// New returns a notifier for outcomes whose state is in states.
func New(endpoint string, client *http.Client, states []control.State) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	set := make(map[control.State]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return &Notifier{endpoint: endpoint, client: client, states: set}
}

// ParseStates converts names such as "error,not-found" to states.
func ParseStates(names []string) ([]control.State, error) {
	var out []control.State
	for _, n := range names {
		s := control.State(strings.TrimSpace(n))
		switch s {
		case control.Success, control.Empty, control.NotFound, control.Failed:
			out = append(out, s)
		case "":
		default:
			return nil, fmt.Errorf("unknown notify state %q", n)
		}
	}
	return out, nil
}

// Run delivers matching outcomes until ctx is done.
func (n *Notifier) Run(ctx context.Context, broker *events.Broker) {
	id, ch := broker.Subscribe()
	defer broker.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != events.TypeOutcome {
				continue
			}
			var o history.Outcome
			if err := json.Unmarshal([]byte(evt.Payload), &o); err != nil {
				slog.Debug("notify outcome decode failed", "error", err)
				continue
			}
			if !n.states[o.State] {
				continue
			}
			if err := Send(ctx, n.client, n.endpoint, Message(o)); err != nil {
				slog.Warn("notify send failed", "endpoint", n.endpoint, "outcome_id", o.ID, "error", err)
			}
		}
	}
}

// Message renders o as a one-line notification.
func Message(o history.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", o.Target, o.State.Label("Idle"))
	if o.State == control.Success {
		fmt.Fprintf(&b, " (%d chars)", o.Chars)
	}
	if o.URL != "" {
		fmt.Fprintf(&b, " on %s", o.URL)
	}
	if o.Error != "" {
		fmt.Fprintf(&b, ": %s", o.Error)
	}
	return b.String()
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("notify endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
