package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/dgnsrekt/pagecopy/internal/clipboard"
	"github.com/dgnsrekt/pagecopy/internal/headless"
	"github.com/dgnsrekt/pagecopy/internal/target"
)

type fakeExtractor map[string]headless.Result

func (f fakeExtractor) Extract(loc target.Locator) (headless.Result, error) {
	if res, ok := f[loc.String()]; ok {
		return res, nil
	}
	return headless.Result{Locator: loc}, nil
}

type captured struct{ text string }

func (c *captured) writer() clipboard.Writer {
	return clipboard.Func(func(text string) error {
		c.text = text
		return nil
	})
}

func TestCopyFirstFallsThroughToSecondTarget(t *testing.T) {
	ex := fakeExtractor{
		".entry-content.ld-visible.ld-tab-content": {Found: true, Text: "Lesson text\r\nBookmark"},
	}
	var c captured
	res, err := copyFirst(ex, target.Defaults(), "", c.writer())
	if err != nil {
		t.Fatalf("copyFirst() error = %v", err)
	}
	if c.text != "Lesson text\n" {
		t.Fatalf("copied %q", c.text)
	}
	if res.desc.ControlID != "gm-copy-entry-content-button" || res.chars != len("Lesson text\n") {
		t.Fatalf("result = %+v", res)
	}
}

func TestCopyFirstMarkerOnlyCopiesEmptyText(t *testing.T) {
	ex := fakeExtractor{
		"#ftwp-postcontent":                        {Found: true, Text: "Bookmark"},
		".entry-content.ld-visible.ld-tab-content": {Found: true, Text: "Lesson text"},
	}
	c := captured{text: "unchanged"}
	res, err := copyFirst(ex, target.Defaults(), "", c.writer())
	if err != nil {
		t.Fatalf("copyFirst() error = %v", err)
	}
	if c.text != "" || res.desc.ControlID != "gm-copy-ftwp-button" || res.chars != 0 {
		t.Fatalf("copied %q, result = %+v; want empty copy from first target", c.text, res)
	}
}

func TestCopyFirstReportsEveryMiss(t *testing.T) {
	ex := fakeExtractor{
		"#ftwp-postcontent": {Found: true, Text: "  \n "},
	}
	var c captured
	_, err := copyFirst(ex, target.Defaults(), "", c.writer())
	if err == nil {
		t.Fatal("copyFirst() = nil error, want misses")
	}
	for _, want := range []string{"#ftwp-postcontent: Content Empty", ".entry-content.ld-visible.ld-tab-content: Element Not Found!"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if c.text != "" {
		t.Fatalf("clipboard written: %q", c.text)
	}
}

func TestCopyFirstOnlyControl(t *testing.T) {
	ex := fakeExtractor{
		"#ftwp-postcontent": {Found: true, Text: "first"},
	}
	var c captured
	if _, err := copyFirst(ex, target.Defaults(), "gm-copy-entry-content-button", c.writer()); err == nil {
		t.Fatal("copyFirst() = nil error, want not found for the selected control")
	}
	if _, err := copyFirst(ex, target.Defaults(), "nope", c.writer()); err == nil || !strings.Contains(err.Error(), "unknown control") {
		t.Fatalf("copyFirst(unknown) error = %v", err)
	}
}

func TestCopyFirstClipboardFailure(t *testing.T) {
	ex := fakeExtractor{"#ftwp-postcontent": {Found: true, Text: "text"}}
	w := clipboard.Func(func(string) error { return clipboard.ErrUnsupported })
	_, err := copyFirst(ex, target.Defaults(), "", w)
	if !errors.Is(err, clipboard.ErrUnsupported) || !strings.HasPrefix(err.Error(), "Copy Failed") {
		t.Fatalf("copyFirst() error = %v", err)
	}
}
