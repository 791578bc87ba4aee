package target

import (
	"fmt"
	"regexp"
	"strings"
)

// controlIDPattern keeps control ids usable as both element ids and CSS
// id selectors without escaping.
var controlIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Kind selects how a Locator finds its element.
type Kind string

const (
	ByID       Kind = "id"
	BySelector Kind = "selector"
)

// Locator is a tagged lookup value: an exact element id or a structural
// selector whose first match wins.
type Locator struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Value string `json:"value" yaml:"value"`
}

// ID returns an exact-identifier locator.
func ID(id string) Locator { return Locator{Kind: ByID, Value: id} }

// Selector returns a first-match structural-selector locator.
func Selector(sel string) Locator { return Locator{Kind: BySelector, Value: sel} }

func (l Locator) String() string {
	if l.Kind == ByID {
		return "#" + l.Value
	}
	return l.Value
}

// Validate reports whether the locator can be resolved.
func (l Locator) Validate() error {
	switch l.Kind {
	case ByID, BySelector:
	default:
		return fmt.Errorf("unknown locator kind %q", l.Kind)
	}
	if strings.TrimSpace(l.Value) == "" {
		return fmt.Errorf("locator value is required")
	}
	return nil
}

// Position pins a control to the bottom-right corner of the viewport.
type Position struct {
	Bottom int `json:"bottom" yaml:"bottom"`
	Right  int `json:"right" yaml:"right"`
}

// Descriptor names where to find content and how to label its control.
type Descriptor struct {
	Locator   Locator  `json:"locator" yaml:"locator"`
	Label     string   `json:"label" yaml:"label"`
	ControlID string   `json:"control_id" yaml:"control_id"`
	Position  Position `json:"position" yaml:"position"`
}

// Defaults returns the two built-in extraction points.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Locator:   ID("ftwp-postcontent"),
			Label:     "Copy #ftwp-postcontent",
			ControlID: "gm-copy-ftwp-button",
			Position:  Position{Bottom: 20, Right: 20},
		},
		{
			Locator:   Selector(".entry-content.ld-visible.ld-tab-content"),
			Label:     "Copy .entry-content",
			ControlID: "gm-copy-entry-content-button",
			Position:  Position{Bottom: 75, Right: 20},
		},
	}
}

// ValidateAll checks every descriptor and rejects duplicate control ids.
func ValidateAll(ds []Descriptor) error {
	if len(ds) == 0 {
		return fmt.Errorf("at least one target descriptor is required")
	}
	seen := make(map[string]bool, len(ds))
	for i, d := range ds {
		if err := d.Locator.Validate(); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if strings.TrimSpace(d.Label) == "" {
			return fmt.Errorf("targets[%d]: label is required", i)
		}
		if strings.TrimSpace(d.ControlID) == "" {
			return fmt.Errorf("targets[%d]: control_id is required", i)
		}
		if !controlIDPattern.MatchString(d.ControlID) {
			return fmt.Errorf("targets[%d]: control_id %q must start with a letter and contain only letters, digits, '-' or '_'", i, d.ControlID)
		}
		if seen[d.ControlID] {
			return fmt.Errorf("targets[%d]: duplicate control_id %q", i, d.ControlID)
		}
		seen[d.ControlID] = true
	}
	return nil
}

// Find returns the descriptor bound to controlID.
func Find(ds []Descriptor, controlID string) (Descriptor, bool) {
	for _, d := range ds {
		if d.ControlID == controlID {
			return d, true
		}
	}
	return Descriptor{}, false
}
