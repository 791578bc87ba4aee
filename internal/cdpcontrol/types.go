package cdpcontrol

import "fmt"

const (
	CodeValidation      = "VALIDATION"
	CodePageNotFound    = "PAGE_NOT_FOUND"
	CodeControlNotFound = "CONTROL_NOT_FOUND"
	CodeEvalFailure     = "EVAL_FAILURE"
	CodeEvalTimeout     = "EVAL_TIMEOUT"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NewError builds a CodedError for callers outside the package.
func NewError(code, msg string, cause error) error {
	return newError(code, msg, cause)
}

// PageInfo describes an attached browser tab.
type PageInfo struct {
	TabID     string `json:"tab_id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Installed bool   `json:"installed"`
}

// Extraction is the rendered text read from a located element.
type Extraction struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// EventKind names a message sent from the page through the binding.
type EventKind string

const (
	EventReady      EventKind = "ready"
	EventActivate   EventKind = "activate"
	EventStyleError EventKind = "style_error"
	// EventClosed is raised locally when a tab disappears or stops matching.
	EventClosed EventKind = "closed"
)

// PageEvent is a page-originated event routed to the controller.
type PageEvent struct {
	TabID     string    `json:"tab_id"`
	URL       string    `json:"url,omitempty"`
	Kind      EventKind `json:"kind"`
	ControlID string    `json:"control_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// EventHandler receives page events. It is called on its own goroutine.
type EventHandler func(PageEvent)
