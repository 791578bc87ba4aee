package notify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/control"
	"github.com/dgnsrekt/pagecopy/internal/events"
	"github.com/dgnsrekt/pagecopy/internal/history"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
	}
}

func TestSendPostsMessage(t *testing.T) {
	ctx := context.Background()

	var receivedMethod, receivedPath, receivedBody, receivedContentType string
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedContentType = r.Header.Get("Content-Type")
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return okResponse(), nil
		}),
	}

	if err := Send(ctx, client, "http://example.com/copier", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/copier"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedContentType, "text/plain"; got != want {
		t.Fatalf("content-type = %q; want %q", got, want)
	}
	if got, want := receivedBody, "hello"; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := Send(context.Background(), client, "http://example.com/copier", "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ntfy notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "ntfy notification failed")
	}
}

func TestSendDisallowsMissingEndpoint(t *testing.T) {
	if err := Send(context.Background(), http.DefaultClient, "", "hello"); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestMessage(t *testing.T) {
	got := Message(history.Outcome{Target: "#ftwp-postcontent", State: control.Failed, URL: "https://ebanglalibrary.com/a", Error: "no xclip"})
	want := "#ftwp-postcontent: Copy Failed on https://ebanglalibrary.com/a: no xclip"
	if got != want {
		t.Fatalf("Message() = %q; want %q", got, want)
	}
	got = Message(history.Outcome{Target: "#x", State: control.Success, Chars: 12})
	if got != "#x: Copied! (12 chars)" {
		t.Fatalf("Message(success) = %q", got)
	}
}

func TestParseStates(t *testing.T) {
	got, err := ParseStates([]string{"error", " not-found ", ""})
	if err != nil {
		t.Fatalf("ParseStates() error = %v", err)
	}
	if len(got) != 2 || got[0] != control.Failed || got[1] != control.NotFound {
		t.Fatalf("ParseStates() = %v", got)
	}
	if _, err := ParseStates([]string{"idle"}); err == nil {
		t.Fatal("ParseStates(idle) = nil error")
	}
}

func TestRunForwardsSelectedOutcomes(t *testing.T) {
	bodies := make(chan string, 4)
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			raw, _ := io.ReadAll(r.Body)
			bodies <- string(raw)
			return okResponse(), nil
		}),
	}
	broker := events.NewBroker()
	n := New("http://example.com/copier", client, []control.State{control.Failed})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx, broker)

	deadline := time.Now().Add(2 * time.Second)
	for broker.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broker.PublishJSON(events.TypeControl, control.View{State: control.Failed})
	broker.PublishJSON(events.TypeOutcome, history.Outcome{Target: "#a", State: control.Success})
	broker.PublishJSON(events.TypeOutcome, history.Outcome{Target: "#b", State: control.Failed})

	select {
	case body := <-bodies:
		if body != "#b: Copy Failed" {
			t.Fatalf("body = %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification sent")
	}
	select {
	case body := <-bodies:
		t.Fatalf("unexpected extra notification %q", body)
	case <-time.After(50 * time.Millisecond):
	}
}
