package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/pagecopy/internal/control"
	tgt "github.com/dgnsrekt/pagecopy/internal/target"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

// Options configures which pages are controlled and what gets installed.
type Options struct {
	Patterns    []tgt.Pattern
	Targets     []tgt.Descriptor
	EvalTimeout time.Duration
	BindingName string
}

type pageSession struct {
	info      PageInfo
	mu        sync.Mutex
	sessionID string
}

// Client attaches to matching browser tabs, installs the copy controls and
// performs the page-side half of every activation.
type Client struct {
	cdpURL      string
	patterns    []tgt.Pattern
	evalTimeout time.Duration
	binding     string
	install     string

	mu         sync.Mutex
	cdp        *rawCDP
	pages      map[target.ID]*pageSession
	unregister func()

	// bySession is read from the CDP read loop, so it has its own lock and
	// is never held while waiting on a CDP response.
	sessMu    sync.RWMutex
	bySession map[string]target.ID

	handlerMu sync.RWMutex
	handler   EventHandler

	// queues holds undelivered page events per tab; one goroutine drains
	// each tab so its events reach the handler in order.
	queueMu sync.Mutex
	queues  map[string]*eventQueue

	pageLocksMu sync.Mutex
	pageLocks   map[string]*sync.Mutex
}

type eventQueue struct {
	pending []PageEvent
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type bindingPayload struct {
	Kind      EventKind `json:"kind"`
	ControlID string    `json:"control_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	URL       string    `json:"url,omitempty"`
}

func NewClient(cdpURL string, opts Options) *Client {
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 5 * time.Second
	}
	if opts.BindingName == "" {
		opts.BindingName = DefaultBindingName
	}
	exprs := make([]string, 0, len(opts.Patterns))
	for _, p := range opts.Patterns {
		exprs = append(exprs, p.Expr())
	}
	return &Client{
		cdpURL:      cdpURL,
		patterns:    opts.Patterns,
		evalTimeout: opts.EvalTimeout,
		binding:     opts.BindingName,
		install:     jsInstall(opts.BindingName, exprs, opts.Targets),
		pages:       make(map[target.ID]*pageSession),
		bySession:   make(map[string]target.ID),
		pageLocks:   make(map[string]*sync.Mutex),
		queues:      make(map[string]*eventQueue),
	}
}

// SetEventHandler routes page events to h. Set it before Connect.
func (c *Client) SetEventHandler(h EventHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// emit queues ev for the handler. Events of one tab are delivered in order,
// events of different tabs concurrently.
func (c *Client) emit(ev PageEvent) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		return
	}

	c.queueMu.Lock()
	q, running := c.queues[ev.TabID]
	if !running {
		q = &eventQueue{}
		c.queues[ev.TabID] = q
	}
	q.pending = append(q.pending, ev)
	c.queueMu.Unlock()

	if !running {
		go c.drain(ev.TabID, q, h)
	}
}

func (c *Client) drain(tabID string, q *eventQueue, h EventHandler) {
	for {
		c.queueMu.Lock()
		if len(q.pending) == 0 {
			delete(c.queues, tabID)
			c.queueMu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		c.queueMu.Unlock()

		h(ev)
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	err := c.connectLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.installPending(ctx)
	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.unregister = c.cdp.registerEventHandler("Runtime.bindingCalled", c.onBindingCalled)

	// Pages were reset by cleanupLocked, so nothing can be removed here.
	if _, err := c.syncPagesLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "pages", len(c.pages))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	if c.unregister != nil {
		c.unregister()
		c.unregister = nil
	}
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for _, session := range c.pages {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "session_id", session.sessionID, "error", err)
				}
				cancel()
				session.sessionID = ""
				session.info.Installed = false
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.pages = make(map[target.ID]*pageSession)

	c.sessMu.Lock()
	c.bySession = make(map[string]target.ID)
	c.sessMu.Unlock()
}

// Sync refreshes the set of matching tabs and installs controls into any
// tab that does not have them yet. Tabs that closed or navigated away are
// reported as EventClosed.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	removed, err := c.syncPagesLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}
	c.forget(removed)
	c.installPending(ctx)
	return nil
}

// Watch runs Sync every interval until ctx is done, reconnecting when the
// browser connection drops.
func (c *Client) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				slog.Warn("cdpcontrol sync failed", "error", err)
			}
		}
	}
}

// ListPages returns the attached tabs after a refresh.
func (c *Client) ListPages(ctx context.Context) ([]PageInfo, error) {
	if err := c.Sync(ctx); err != nil {
		slog.Warn("cdpcontrol list pages failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	pages := make([]PageInfo, 0, len(c.pages))
	for _, s := range c.pages {
		if s == nil {
			continue
		}
		s.mu.Lock()
		pages = append(pages, s.info)
		s.mu.Unlock()
	}
	c.mu.Unlock()

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].TabID < pages[j].TabID
	})
	return pages, nil
}

// ExtractText resolves loc in the tab's document and returns its rendered text.
func (c *Client) ExtractText(ctx context.Context, tabID string, loc tgt.Locator) (Extraction, error) {
	if err := loc.Validate(); err != nil {
		return Extraction{}, newError(CodeValidation, err.Error(), nil)
	}
	var out Extraction
	if err := c.evalOnPage(ctx, tabID, jsExtract(loc), &out); err != nil {
		return Extraction{}, err
	}
	return out, nil
}

// RenderControl shows v on the control button in the tab.
func (c *Client) RenderControl(ctx context.Context, tabID string, v control.View) error {
	return c.evalOnPage(ctx, tabID, jsRender(v), nil)
}

// Alert opens a blocking dialog with message in the tab.
func (c *Client) Alert(ctx context.Context, tabID, message string) error {
	return c.evalOnPage(ctx, tabID, jsAlert(message), nil)
}

func (c *Client) onBindingCalled(sessionID string, params json.RawMessage) {
	var ev runtime.EventBindingCalled
	if err := json.Unmarshal(params, &ev); err != nil {
		slog.Debug("cdpcontrol binding event decode failed", "error", err)
		return
	}
	if ev.Name != c.binding {
		return
	}

	c.sessMu.RLock()
	tabID, ok := c.bySession[sessionID]
	c.sessMu.RUnlock()
	if !ok {
		slog.Debug("cdpcontrol binding call from unknown session", "session_id", sessionID)
		return
	}

	var p bindingPayload
	if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
		slog.Warn("cdpcontrol binding payload decode failed", "tab_id", tabID, "error", err)
		return
	}
	switch p.Kind {
	case EventReady, EventActivate, EventStyleError:
	default:
		slog.Debug("cdpcontrol unknown binding kind", "tab_id", tabID, "kind", p.Kind)
		return
	}

	c.emit(PageEvent{
		TabID:     string(tabID),
		URL:       p.URL,
		Kind:      p.Kind,
		ControlID: p.ControlID,
		Message:   p.Message,
	})
}

func (c *Client) installPending(ctx context.Context) {
	c.mu.Lock()
	cdp := c.cdp
	pending := make([]*pageSession, 0, len(c.pages))
	for _, s := range c.pages {
		s.mu.Lock()
		if !s.info.Installed {
			pending = append(pending, s)
		}
		s.mu.Unlock()
	}
	c.mu.Unlock()
	if cdp == nil {
		return
	}

	for _, s := range pending {
		if _, err := c.ensureSession(ctx, cdp, s); err != nil {
			slog.Warn("cdpcontrol install failed", "tab_id", s.info.TabID, "url", truncateURL(s.info.URL), "error", err)
		}
	}
}

// ensureSession returns an attached session for the page, installing the
// binding and controls when the page has no live session.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *pageSession) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" && session.info.Installed {
		return session.sessionID, nil
	}

	tabID := session.info.TabID
	if session.sessionID == "" {
		sid, err := cdp.attachToTarget(ctx, tabID)
		if err != nil {
			return "", newError(CodeCDPUnavailable, "attach to target failed", err)
		}
		session.sessionID = sid
		c.sessMu.Lock()
		c.bySession[sid] = target.ID(tabID)
		c.sessMu.Unlock()
		slog.Debug("cdpcontrol session attached", "tab_id", tabID, "session_id", sid)
	}
	sid := session.sessionID

	installCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()

	if err := cdp.enableDomains(installCtx, sid); err != nil {
		return "", newError(CodeCDPUnavailable, "enable runtime/page domains failed", err)
	}
	if err := cdp.addBinding(installCtx, sid, c.binding); err != nil {
		return "", newError(CodeCDPUnavailable, "add binding failed", err)
	}
	scriptID, err := cdp.addScriptOnNewDocument(installCtx, sid, c.install)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "register install script failed", err)
	}

	raw, err := cdp.evaluate(installCtx, sid, c.install)
	if err != nil {
		return "", newError(CodeEvalFailure, "install controls failed", err)
	}
	var result struct {
		Installed bool `json:"installed"`
		Existing  bool `json:"existing"`
	}
	if err := decodeEnvelope(raw, &result); err != nil {
		return "", err
	}

	session.info.Installed = true
	slog.Info("cdpcontrol controls installed",
		"tab_id", tabID,
		"url", truncateURL(session.info.URL),
		"script_id", scriptID,
		"current_document", result.Installed,
		"existing", result.Existing,
	)
	return sid, nil
}

func (c *Client) evalOnPage(ctx context.Context, tabID, js string, out any) error {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return newError(CodeValidation, "tab id is required", nil)
	}

	lock := c.pageLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.resolvePageSession(ctx, tabID)
	if err == nil {
		err = c.evalOnSession(ctx, session, js, out)
	}
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol eval retry after transient failure", "tab_id", tabID, "error", err)
	if c.asCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "tab_id", tabID, "error", recErr)
			return recErr
		}
	}

	session, err = c.resolvePageSession(ctx, tabID)
	if err != nil {
		return err
	}
	return c.evalOnSession(ctx, session, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, session *pageSession, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "tab_id", session.info.TabID, "error", err)
		// Drop the session so the next call re-attaches and reinstalls.
		session.mu.Lock()
		stale := session.sessionID
		c.sessMu.Lock()
		delete(c.bySession, stale)
		c.sessMu.Unlock()
		session.sessionID = ""
		session.info.Installed = false
		tabID := session.info.TabID
		session.mu.Unlock()
		if stale != "" {
			go c.detach(cdp, tabID, stale)
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

func (c *Client) resolvePageSession(ctx context.Context, tabID string) (*pageSession, error) {
	if s, ok := c.lookupPage(tabID); ok {
		return s, nil
	}
	if err := c.Sync(ctx); err != nil {
		return nil, err
	}
	if s, ok := c.lookupPage(tabID); ok {
		return s, nil
	}
	return nil, newError(CodePageNotFound, "page not found: "+tabID, nil)
}

func (c *Client) lookupPage(tabID string) (*pageSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.pages[target.ID(tabID)]
	return s, ok && s != nil
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	err := c.connectLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.installPending(ctx)
	return nil
}

// syncPagesLocked reconciles c.pages with the browser's page targets and
// returns the pages that are gone.
func (c *Client) syncPagesLocked(ctx context.Context) ([]*pageSession, error) {
	if c.cdp == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return nil, err
	}

	expected := make(map[target.ID]PageInfo)
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !tgt.MatchAny(c.patterns, t.URL) {
			continue
		}
		expected[t.TargetID] = PageInfo{
			TabID: string(t.TargetID),
			URL:   t.URL,
			Title: t.Title,
		}
	}

	var removed []*pageSession
	for targetID, session := range c.pages {
		if _, ok := expected[targetID]; ok {
			continue
		}
		delete(c.pages, targetID)
		removed = append(removed, session)
	}

	for targetID, info := range expected {
		session := c.pages[targetID]
		if session != nil {
			session.mu.Lock()
			session.info.URL = info.URL
			session.info.Title = info.Title
			session.mu.Unlock()
			continue
		}
		c.pages[targetID] = &pageSession{info: info}
	}

	c.pageLocksMu.Lock()
	for id := range c.pageLocks {
		if _, ok := c.pages[target.ID(id)]; !ok {
			delete(c.pageLocks, id)
		}
	}
	c.pageLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "pages", len(c.pages), "removed", len(removed))
	return removed, nil
}

// forget detaches removed pages in the background and reports them closed.
func (c *Client) forget(removed []*pageSession) {
	if len(removed) == 0 {
		return
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()

	for _, s := range removed {
		s.mu.Lock()
		sid := s.sessionID
		info := s.info
		s.sessionID = ""
		s.info.Installed = false
		s.mu.Unlock()

		if sid != "" {
			c.sessMu.Lock()
			delete(c.bySession, sid)
			c.sessMu.Unlock()
			if cdp != nil {
				go c.detach(cdp, info.TabID, sid)
			}
		}
		slog.Info("cdpcontrol page gone", "tab_id", info.TabID, "url", truncateURL(info.URL))
		c.emit(PageEvent{TabID: info.TabID, URL: info.URL, Kind: EventClosed})
	}
}

func (c *Client) detach(cdp *rawCDP, tabID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cdp.detachFromTarget(ctx, sessionID); err != nil {
		slog.Debug("cdpcontrol detach failed", "tab_id", tabID, "session_id", sessionID, "error", err)
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil && c.cdp.connected()
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) pageLock(tabID string) *sync.Mutex {
	c.pageLocksMu.Lock()
	defer c.pageLocksMu.Unlock()
	m, ok := c.pageLocks[tabID]
	if !ok {
		m = &sync.Mutex{}
		c.pageLocks[tabID] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
