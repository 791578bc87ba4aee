// Package clipboard writes copied text to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/atotto/clipboard"
)

// ErrUnsupported is returned when no clipboard utility is available.
var ErrUnsupported = errors.New("clipboard unsupported")

// Writer is the single write-only clipboard call the controller needs.
type Writer interface {
	Write(text string) error
}

// System writes through github.com/atotto/clipboard.
type System struct{}

// NewSystem returns the system clipboard writer.
func NewSystem() *System { return &System{} }

// Write replaces the clipboard contents with text.
func (System) Write(text string) error {
	if clipboard.Unsupported {
		return fmt.Errorf("%w on %s", ErrUnsupported, runtime.GOOS)
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("clipboard write: %w", err)
	}
	return nil
}

// Func adapts a function to Writer.
type Func func(text string) error

func (f Func) Write(text string) error { return f(text) }

var (
	_ Writer = (*System)(nil)
	_ Writer = Func(nil)
)
