package controller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/cdpcontrol"
	"github.com/dgnsrekt/pagecopy/internal/clipboard"
	"github.com/dgnsrekt/pagecopy/internal/control"
	"github.com/dgnsrekt/pagecopy/internal/events"
	"github.com/dgnsrekt/pagecopy/internal/history"
	"github.com/dgnsrekt/pagecopy/internal/target"
	"github.com/dgnsrekt/pagecopy/internal/textclean"
	"github.com/google/uuid"
)

const renderTimeout = 5 * time.Second

// Page is the browser side of an activation: locating content and showing
// control state inside a tab.
type Page interface {
	ListPages(ctx context.Context) ([]cdpcontrol.PageInfo, error)
	ExtractText(ctx context.Context, tabID string, loc target.Locator) (cdpcontrol.Extraction, error)
	RenderControl(ctx context.Context, tabID string, v control.View) error
	Alert(ctx context.Context, tabID, message string) error
}

// Options wires the collaborators of a Service. Nil History and Events are
// allowed.
type Options struct {
	Targets     []target.Descriptor
	RevertDelay time.Duration
	Clipboard   clipboard.Writer
	History     *history.Recorder
	Events      *events.Broker
}

// Service owns the controls of every attached page and runs activations.
type Service struct {
	page    Page
	clip    clipboard.Writer
	hist    *history.Recorder
	events  *events.Broker
	targets []target.Descriptor
	delay   time.Duration
	now     func() time.Time

	mu   sync.Mutex
	tabs map[string]*pageControls
}

// pageControls is the control set of one document in one tab.
type pageControls struct {
	url      string
	controls map[string]*boundControl
}

type boundControl struct {
	desc target.Descriptor
	ctl  *control.Control
	busy sync.Mutex
}

// PageStatus is an attached page with its current control views.
type PageStatus struct {
	cdpcontrol.PageInfo
	Controls []control.View `json:"controls"`
}

type controlEvent struct {
	TabID string `json:"tab_id"`
	control.View
}

func NewService(page Page, opts Options) *Service {
	targets := opts.Targets
	if len(targets) == 0 {
		targets = target.Defaults()
	}
	clip := opts.Clipboard
	if clip == nil {
		clip = clipboard.NewSystem()
	}
	return &Service{
		page:    page,
		clip:    clip,
		hist:    opts.History,
		events:  opts.Events,
		targets: append([]target.Descriptor(nil), targets...),
		delay:   opts.RevertDelay,
		now:     time.Now,
		tabs:    make(map[string]*pageControls),
	}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// HandleEvent reacts to events raised from inside a page.
func (s *Service) HandleEvent(ev cdpcontrol.PageEvent) {
	switch ev.Kind {
	case cdpcontrol.EventReady:
		s.resetTab(ev.TabID, ev.URL)
		slog.Info("page controls ready", "tab_id", ev.TabID, "url", ev.URL, "controls", len(s.targets))
	case cdpcontrol.EventActivate:
		if _, err := s.Activate(context.Background(), ev.TabID, ev.ControlID, history.SourcePage); err != nil {
			slog.Error("activation failed", "tab_id", ev.TabID, "control_id", ev.ControlID, "error", err)
		}
		return
	case cdpcontrol.EventStyleError:
		slog.Error("page style registration failed", "tab_id", ev.TabID, "error", ev.Message)
	case cdpcontrol.EventClosed:
		s.dropTab(ev.TabID)
		slog.Info("page controls dropped", "tab_id", ev.TabID)
	default:
		return
	}
	s.events.PublishJSON(events.TypePage, ev)
}

// Activate runs one extraction and copy cycle for controlID in tabID. Page
// level failures (missing element, empty content, clipboard errors) are
// reported through the returned Outcome; the error is only set when the
// activation could not run at all.
func (s *Service) Activate(ctx context.Context, tabID, controlID string, src history.Source) (history.Outcome, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return history.Outcome{}, err
	}
	if err := s.requireNonEmpty(controlID, "control_id"); err != nil {
		return history.Outcome{}, err
	}
	tabID, controlID = strings.TrimSpace(tabID), strings.TrimSpace(controlID)

	pc, bc, created, err := s.lookupControl(tabID, controlID)
	if err != nil {
		return history.Outcome{}, err
	}

	bc.busy.Lock()
	defer bc.busy.Unlock()

	out := history.Outcome{
		ID:        uuid.New().String(),
		TabID:     tabID,
		URL:       pc.url,
		ControlID: controlID,
		Target:    bc.desc.Locator.String(),
		Source:    src,
		At:        s.now().UTC(),
	}

	alert := false
	ext, err := s.page.ExtractText(ctx, tabID, bc.desc.Locator)
	switch {
	case err != nil && isCode(err, cdpcontrol.CodePageNotFound):
		s.discardTab(tabID, pc)
		return history.Outcome{}, err
	case err != nil:
		slog.Error("target lookup failed, treating as not found", "tab_id", tabID, "target", out.Target, "error", err)
		out.Error = err.Error()
		out.State = control.NotFound
	case !ext.Found:
		slog.Error("Element not found", "tab_id", tabID, "target", out.Target)
		out.State = control.NotFound
	case textclean.IsBlank(ext.Text):
		slog.Warn("Content empty", "tab_id", tabID, "target", out.Target)
		out.State = control.Empty
	default:
		alert = s.copyText(tabID, ext.Text, &out)
	}

	// The label goes up before the dialog, which blocks the page until dismissed.
	bc.ctl.Show(out.State)
	if alert {
		if alertErr := s.page.Alert(ctx, tabID, cdpcontrol.ClipboardAlertMessage); alertErr != nil {
			slog.Warn("clipboard failure alert not shown", "tab_id", tabID, "error", alertErr)
		}
	}
	s.record(out)

	// A control set made for this call is only kept once the tab answered.
	if created && err != nil {
		s.discardTab(tabID, pc)
	}
	return out, nil
}

// copyText cleans raw and writes it to the clipboard, filling in the outcome.
// Text that cleans down to nothing is still written. It reports whether the
// clipboard failed and the user should be alerted.
func (s *Service) copyText(tabID, raw string, out *history.Outcome) bool {
	text := textclean.Clean(raw)

	if err := s.clip.Write(text); err != nil {
		slog.Error("Failed to copy text", "tab_id", tabID, "target", out.Target, "error", err)
		out.State = control.Failed
		out.Error = err.Error()
		return true
	}

	out.State = control.Success
	out.Chars = len([]rune(text))
	slog.Info("Text copied to clipboard", "tab_id", tabID, "target", out.Target, "chars", out.Chars)
	return false
}

func (s *Service) record(out history.Outcome) {
	if s.hist != nil {
		if err := s.hist.Record(out); err != nil {
			slog.Warn("history record failed", "id", out.ID, "error", err)
		}
	}
	s.events.PublishJSON(events.TypeOutcome, out)
}

// lookupControl returns the control for controlID in tabID, creating the
// tab's control set on first use. created reports whether it did.
func (s *Service) lookupControl(tabID, controlID string) (pc *pageControls, bc *boundControl, created bool, err error) {
	if _, ok := target.Find(s.targets, controlID); !ok {
		return nil, nil, false, &cdpcontrol.CodedError{Code: cdpcontrol.CodeControlNotFound, Message: "unknown control: " + controlID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.tabs[tabID]
	if !ok {
		pc = s.newControls(tabID, "")
		s.tabs[tabID] = pc
		created = true
	}
	return pc, pc.controls[controlID], created, nil
}

func (s *Service) newControls(tabID, url string) *pageControls {
	pc := &pageControls{url: url, controls: make(map[string]*boundControl, len(s.targets))}
	render := s.renderer(tabID)
	for _, d := range s.targets {
		pc.controls[d.ControlID] = &boundControl{
			desc: d,
			ctl:  control.New(d.ControlID, d.Label, s.delay, render),
		}
	}
	return pc
}

// renderer pushes control views into the tab and onto the event stream.
func (s *Service) renderer(tabID string) control.RenderFunc {
	return func(v control.View) {
		ctx, cancel := context.WithTimeout(context.Background(), renderTimeout)
		defer cancel()
		if err := s.page.RenderControl(ctx, tabID, v); err != nil {
			if isCode(err, cdpcontrol.CodeControlNotFound) || isCode(err, cdpcontrol.CodePageNotFound) {
				slog.Debug("control render skipped", "tab_id", tabID, "control_id", v.ControlID, "error", err)
			} else {
				slog.Warn("control render failed", "tab_id", tabID, "control_id", v.ControlID, "error", err)
			}
		}
		s.events.PublishJSON(events.TypeControl, controlEvent{TabID: tabID, View: v})
	}
}

// resetTab replaces the tab's controls, as happens for every new document.
func (s *Service) resetTab(tabID, url string) {
	s.mu.Lock()
	old := s.tabs[tabID]
	s.tabs[tabID] = s.newControls(tabID, url)
	s.mu.Unlock()
	stopAll(old)
}

// discardTab drops pc unless a newer document already replaced it.
func (s *Service) discardTab(tabID string, pc *pageControls) {
	s.mu.Lock()
	if s.tabs[tabID] != pc {
		s.mu.Unlock()
		return
	}
	delete(s.tabs, tabID)
	s.mu.Unlock()
	stopAll(pc)
}

func (s *Service) dropTab(tabID string) {
	s.mu.Lock()
	old := s.tabs[tabID]
	delete(s.tabs, tabID)
	s.mu.Unlock()
	stopAll(old)
}

func stopAll(pc *pageControls) {
	if pc == nil {
		return
	}
	for _, bc := range pc.controls {
		bc.ctl.Stop()
	}
}

// Pages lists attached pages with their control views.
func (s *Service) Pages(ctx context.Context) ([]PageStatus, error) {
	infos, err := s.page.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PageStatus, 0, len(infos))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range infos {
		ps := PageStatus{PageInfo: info, Controls: make([]control.View, 0, len(s.targets))}
		pc := s.tabs[info.TabID]
		for _, d := range s.targets {
			if pc != nil {
				ps.Controls = append(ps.Controls, pc.controls[d.ControlID].ctl.View())
				continue
			}
			ps.Controls = append(ps.Controls, control.View{ControlID: d.ControlID, Label: d.Label, State: control.Idle})
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}

// Targets returns the configured descriptors.
func (s *Service) Targets() []target.Descriptor {
	return append([]target.Descriptor(nil), s.targets...)
}

// History returns up to limit recent outcomes, newest first.
func (s *Service) History(limit int) []history.Outcome {
	if s.hist == nil {
		return []history.Outcome{}
	}
	return s.hist.Recent(limit)
}

// TabCount returns how many tabs have a control set.
func (s *Service) TabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tabs)
}

// Close cancels every pending revert.
func (s *Service) Close() {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = make(map[string]*pageControls)
	s.mu.Unlock()
	for _, pc := range tabs {
		stopAll(pc)
	}
}

func isCode(err error, code string) bool {
	var coded *cdpcontrol.CodedError
	return errors.As(err, &coded) && coded.Code == code
}
