// Package control models the clickable copy control injected into a page.
//
// A control moves idle -> {success, empty, not-found, error} on activation and
// back to idle after a fixed delay. The revert is owned by the control: a new
// activation cancels the pending revert and starts a fresh one.
package control

import (
	"sync"
	"time"
)

// DefaultRevertDelay is how long a terminal state stays visible.
const DefaultRevertDelay = 3000 * time.Millisecond

// State is the visible state of a control.
type State string

const (
	Idle     State = "idle"
	Success  State = "success"
	Empty    State = "empty"
	NotFound State = "not-found"
	Failed   State = "error"
)

// Label returns the text shown for s; idle shows the descriptor label.
func (s State) Label(idleLabel string) string {
	switch s {
	case Success:
		return "Copied!"
	case Empty:
		return "Content Empty"
	case NotFound:
		return "Element Not Found!"
	case Failed:
		return "Copy Failed"
	default:
		return idleLabel
	}
}

// Class returns the style class applied for s, empty for idle.
func (s State) Class() string {
	switch s {
	case Success:
		return ClassCopied
	case Empty, NotFound, Failed:
		return ClassError
	default:
		return ""
	}
}

// Style class names shared with the page stylesheet.
const (
	ClassButton = "gm-copy-content-button"
	ClassCopied = "gm-copied"
	ClassError  = "gm-error"
)

// View is what a control looks like at one instant.
type View struct {
	ControlID string `json:"control_id"`
	Label     string `json:"label"`
	State     State  `json:"state"`
	Class     string `json:"class,omitempty"`
}

// RenderFunc pushes a view to wherever the control is displayed.
type RenderFunc func(View)

// Control is one copy control bound to a target descriptor.
type Control struct {
	id     string
	label  string
	delay  time.Duration
	render RenderFunc

	mu    sync.Mutex
	state State
	gen   uint64
	timer *time.Timer
}

// New returns an idle control. A non-positive delay uses DefaultRevertDelay.
func New(id, label string, delay time.Duration, render RenderFunc) *Control {
	if delay <= 0 {
		delay = DefaultRevertDelay
	}
	if render == nil {
		render = func(View) {}
	}
	return &Control{id: id, label: label, delay: delay, render: render, state: Idle}
}

// ID returns the control identifier.
func (c *Control) ID() string { return c.id }

// View returns the current view.
func (c *Control) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Control) viewLocked() View {
	return View{ControlID: c.id, Label: c.state.Label(c.label), State: c.state, Class: c.state.Class()}
}

// Show moves the control to s and renders it. Any terminal state schedules a
// revert to idle after the delay, replacing a revert still pending.
func (c *Control) Show(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = s
	c.render(c.viewLocked())

	if s == Idle {
		return
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.revert(gen) })
}

func (c *Control) revert(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.timer = nil
	c.state = Idle
	c.render(c.viewLocked())
}

// Stop cancels a pending revert without rendering.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
