package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()
	if b.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d, want 2", b.ClientCount())
	}

	b.PublishJSON(TypeControl, map[string]string{"state": "success"})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != TypeControl || evt.Payload != `{"state":"success"}` {
				t.Fatalf("subscriber %d got %+v", i, evt)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	b.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if b.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", b.ClientCount())
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	_, ch := b.Subscribe()
	for i := 0; i < subscriberBufSize+10; i++ {
		b.Publish(Event{Type: TypePage, Payload: "{}"})
	}
	if len(ch) != subscriberBufSize {
		t.Fatalf("buffered = %d, want %d", len(ch), subscriberBufSize)
	}
}

func TestPublishJSONNilBroker(t *testing.T) {
	var b *Broker
	b.PublishJSON(TypeOutcome, struct{}{})
}

func TestSSEHandlerStreamsFilteredEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types=outcome", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(Event{Type: TypeControl, Payload: `{"skip":true}`})
	b.Publish(Event{Type: TypeOutcome, Payload: `{"id":"1"}`})

	rd := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: outcome" || lines[1] != `data: {"id":"1"}` {
		t.Fatalf("stream lines = %q", lines)
	}
}
