package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/control"
	"github.com/dgnsrekt/pagecopy/internal/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeBrowser serves the CDP HTTP discovery endpoints and a browser-level
// WebSocket that answers the commands the client issues.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	targets  []map[string]string
	failList bool
	methods  []string
	exprs    []string
	conn     net.Conn
	writeMu  sync.Mutex
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.serveHTTP))
	t.Cleanup(func() {
		fb.mu.Lock()
		if fb.conn != nil {
			_ = fb.conn.Close()
		}
		fb.mu.Unlock()
		fb.srv.Close()
	})
	return fb
}

func (fb *fakeBrowser) setTargets(targets ...map[string]string) {
	fb.mu.Lock()
	fb.targets = targets
	fb.mu.Unlock()
}

func (fb *fakeBrowser) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/json/version":
		wsURL := "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	case "/json/list":
		fb.mu.Lock()
		fail, targets := fb.failList, fb.targets
		fb.mu.Unlock()
		if fail {
			http.Error(w, "oops", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(targets)
	case "/devtools/browser/fake":
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			fb.t.Errorf("upgrade: %v", err)
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		fb.serveWS(conn)
	default:
		http.NotFound(w, r)
	}
}

func (fb *fakeBrowser) serveWS(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			fb.t.Errorf("bad request: %v", err)
			return
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, req.Method)
		fb.mu.Unlock()

		var result any = map[string]any{}
		switch req.Method {
		case "Target.attachToTarget":
			result = map[string]any{"sessionId": "session-1"}
		case "Page.addScriptToEvaluateOnNewDocument":
			result = map[string]any{"identifier": "1"}
		case "Runtime.evaluate":
			var p struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(req.Params, &p)
			fb.mu.Lock()
			fb.exprs = append(fb.exprs, p.Expression)
			fb.mu.Unlock()
			if strings.Contains(p.Expression, `"crash-button"`) {
				fb.write(map[string]any{"id": req.ID, "sessionId": req.SessionID, "error": map[string]any{"code": -32000, "message": "Execution context was destroyed."}})
				continue
			}
			result = map[string]any{"result": map[string]any{"type": "string", "value": evalAnswer(p.Expression)}}
		}
		fb.write(map[string]any{"id": req.ID, "sessionId": req.SessionID, "result": result})
	}
}

func evalAnswer(expr string) string {
	switch {
	case strings.Contains(expr, installedFlag):
		return `{"ok":true,"data":{"installed":true,"existing":false}}`
	case strings.Contains(expr, `getElementById("ftwp-postcontent")`):
		return `{"ok":true,"data":{"found":true,"text":"Hello world.\r\n\r\nBookmark"}}`
	case strings.Contains(expr, "document.querySelector("):
		return `{"ok":true,"data":{"found":false,"text":""}}`
	case strings.Contains(expr, `getElementById("missing-button")`):
		return `{"ok":false,"error_code":"CONTROL_NOT_FOUND","error_message":"control not found: missing-button"}`
	default:
		return `{"ok":true}`
	}
}

func (fb *fakeBrowser) write(v any) {
	data, _ := json.Marshal(v)
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

func (fb *fakeBrowser) calledMethods() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.methods...)
}

func pageTarget(id, url string) map[string]string {
	return map[string]string{"id": id, "type": "page", "title": "t-" + id, "url": url}
}

func newTestClient(t *testing.T, fb *fakeBrowser) *Client {
	t.Helper()
	patterns, err := target.ParsePatterns(target.DefaultPagePatterns)
	if err != nil {
		t.Fatalf("ParsePatterns() error = %v", err)
	}
	c := NewClient(fb.srv.URL, Options{
		Patterns:    patterns,
		Targets:     target.Defaults(),
		EvalTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectInstallsIntoMatchingTabs(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(
		pageTarget("tab-1", "https://www.ebanglalibrary.com/lessons/one/"),
		pageTarget("tab-2", "https://example.com/"),
		map[string]string{"id": "sw-1", "type": "service_worker", "url": "https://ebanglalibrary.com/sw.js"},
	)
	c := newTestClient(t, fb)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	pages, err := c.ListPages(context.Background())
	if err != nil {
		t.Fatalf("ListPages() error = %v", err)
	}
	if len(pages) != 1 || pages[0].TabID != "tab-1" {
		t.Fatalf("ListPages() = %+v, want only tab-1", pages)
	}
	if !pages[0].Installed {
		t.Fatalf("tab-1 not installed: %+v", pages[0])
	}

	methods := strings.Join(fb.calledMethods(), ",")
	for _, want := range []string{"Target.attachToTarget", "Runtime.enable", "Page.enable", "Runtime.addBinding", "Page.addScriptToEvaluateOnNewDocument", "Runtime.evaluate"} {
		if !strings.Contains(methods, want) {
			t.Errorf("CDP methods %q missing %s", methods, want)
		}
	}
}

func TestExtractTextOverCDP(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	got, err := c.ExtractText(context.Background(), "tab-1", target.ID("ftwp-postcontent"))
	if err != nil {
		t.Fatalf("ExtractText(id) error = %v", err)
	}
	if !got.Found || got.Text != "Hello world.\r\n\r\nBookmark" {
		t.Fatalf("ExtractText(id) = %+v", got)
	}

	got, err = c.ExtractText(context.Background(), "tab-1", target.Selector(".entry-content"))
	if err != nil {
		t.Fatalf("ExtractText(selector) error = %v", err)
	}
	if got.Found {
		t.Fatalf("ExtractText(selector) = %+v, want not found", got)
	}
}

func TestRenderControlMissingButton(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := c.RenderControl(context.Background(), "tab-1", control.View{ControlID: "missing-button", Label: "x", State: control.Idle})
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeControlNotFound {
		t.Fatalf("RenderControl() error = %v, want %s", err, CodeControlNotFound)
	}
}

func TestEvalOnUnknownPage(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := c.Alert(context.Background(), "tab-404", ClipboardAlertMessage)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodePageNotFound {
		t.Fatalf("Alert() error = %v, want %s", err, CodePageNotFound)
	}

	err = c.Alert(context.Background(), "  ", ClipboardAlertMessage)
	if !errors.As(err, &coded) || coded.Code != CodeValidation {
		t.Fatalf("Alert(blank) error = %v, want %s", err, CodeValidation)
	}
}

func TestBindingCalledRoutesPageEvents(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)

	events := make(chan PageEvent, 4)
	c.SetEventHandler(func(ev PageEvent) { events <- ev })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	emit := func(name, payload string) {
		fb.write(map[string]any{
			"method":    "Runtime.bindingCalled",
			"sessionId": "session-1",
			"params":    map[string]any{"name": name, "payload": payload, "executionContextId": 1},
		})
	}
	emit("someOtherBinding", `{"kind":"activate","control_id":"x"}`)
	emit(DefaultBindingName, `not json`)
	emit(DefaultBindingName, `{"kind":"activate","control_id":"gm-copy-ftwp-button"}`)

	select {
	case ev := <-events:
		if ev.Kind != EventActivate || ev.TabID != "tab-1" || ev.ControlID != "gm-copy-ftwp-button" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no page event received")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEvalFailureDetachesSession(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := c.RenderControl(context.Background(), "tab-1", control.View{ControlID: "crash-button", Label: "x"})
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeEvalFailure {
		t.Fatalf("RenderControl() error = %v, want %s", err, CodeEvalFailure)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(strings.Join(fb.calledMethods(), ","), "Target.detachFromTarget") {
		if time.Now().After(deadline) {
			t.Fatalf("stale session never detached; methods = %v", fb.calledMethods())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitKeepsPerTabOrder(t *testing.T) {
	c := NewClient("", Options{})
	release := make(chan struct{})
	got := make(chan PageEvent, 8)
	c.SetEventHandler(func(ev PageEvent) {
		if ev.TabID == "tab-1" && ev.Kind == EventReady {
			<-release
		}
		got <- ev
	})

	c.emit(PageEvent{TabID: "tab-1", Kind: EventReady})
	c.emit(PageEvent{TabID: "tab-1", Kind: EventActivate, ControlID: "gm-copy-ftwp-button"})
	c.emit(PageEvent{TabID: "tab-2", Kind: EventReady})

	select {
	case ev := <-got:
		if ev.TabID != "tab-2" {
			t.Fatalf("first delivered event = %+v, want tab-2 while tab-1 is busy", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tab-2 event blocked behind tab-1")
	}

	close(release)
	for _, want := range []EventKind{EventReady, EventActivate} {
		select {
		case ev := <-got:
			if ev.TabID != "tab-1" || ev.Kind != want {
				t.Fatalf("event = %+v, want tab-1 %s", ev, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tab-1 %s not delivered", want)
		}
	}
}

func TestSyncReportsClosedTabs(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)

	events := make(chan PageEvent, 4)
	c.SetEventHandler(func(ev PageEvent) { events <- ev })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	fb.setTargets(pageTarget("tab-1", "https://example.com/elsewhere"))
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventClosed || ev.TabID != "tab-1" {
			t.Fatalf("event = %+v, want closed tab-1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no closed event received")
	}
}

func TestSyncWrapsListTargetsError(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.setTargets(pageTarget("tab-1", "https://ebanglalibrary.com/a/"))
	c := newTestClient(t, fb)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	fb.mu.Lock()
	fb.failList = true
	fb.mu.Unlock()

	err := c.Sync(context.Background())
	var coded *CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("Sync() error = %v, want *CodedError", err)
	}
	if coded.Code != CodeCDPUnavailable {
		t.Fatalf("error code = %s; want %s", coded.Code, CodeCDPUnavailable)
	}
	if !strings.Contains(coded.Message, "failed to list targets") {
		t.Fatalf("error message = %q; want to contain %q", coded.Message, "failed to list targets")
	}
}

func TestConnectWithoutURL(t *testing.T) {
	c := NewClient("", Options{})
	err := c.Connect(context.Background())
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeCDPUnavailable {
		t.Fatalf("Connect() error = %v, want %s", err, CodeCDPUnavailable)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	var out Extraction
	if err := decodeEnvelope(`{"ok":true,"data":{"found":true,"text":"x"}}`, &out); err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	if !out.Found || out.Text != "x" {
		t.Fatalf("decodeEnvelope() out = %+v", out)
	}

	err := decodeEnvelope(`{"ok":false,"error_message":"SyntaxError: bad selector"}`, nil)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeEvalFailure {
		t.Fatalf("decodeEnvelope(failure) = %v, want %s", err, CodeEvalFailure)
	}

	if err := decodeEnvelope(`nope`, nil); !errors.As(err, &coded) || coded.Message != "invalid evaluation envelope" {
		t.Fatalf("decodeEnvelope(garbage) = %v", err)
	}
}

func TestShouldRetry(t *testing.T) {
	c := &Client{}
	tests := []struct {
		err  error
		want bool
	}{
		{newError(CodeCDPUnavailable, "x", nil), true},
		{newError(CodeEvalFailure, "x", errors.New("rawcdp: connection closed")), true},
		{newError(CodeEvalFailure, "x", errors.New("SyntaxError")), false},
		{newError(CodeEvalFailure, "x", nil), false},
		{newError(CodePageNotFound, "x", nil), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := c.shouldRetry(tt.err); got != tt.want {
			t.Errorf("shouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
