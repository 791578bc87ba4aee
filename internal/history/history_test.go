package history

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/control"
)

type bufCloser struct {
	bytes.Buffer
	closed bool
	err    error
}

func (b *bufCloser) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return b.Buffer.Write(p)
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

func outcome(id string, state control.State) Outcome {
	return Outcome{ID: id, TabID: "tab", ControlID: "btn", State: state, Source: SourcePage, At: time.Unix(0, 0).UTC()}
}

func TestRecentNewestFirstAndBounded(t *testing.T) {
	r := New(3, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := r.Record(outcome(id, control.Success)); err != nil {
			t.Fatalf("Record(%s) error = %v", id, err)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}

	got := r.Recent(0)
	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	if strings.Join(ids, ",") != "d,c,b" {
		t.Fatalf("Recent(0) ids = %v, want d,c,b", ids)
	}

	if got := r.Recent(1); len(got) != 1 || got[0].ID != "d" {
		t.Fatalf("Recent(1) = %+v", got)
	}
	if got := r.Recent(10); len(got) != 3 {
		t.Fatalf("Recent(10) len = %d, want 3", len(got))
	}
}

func TestRecordWritesJSONLines(t *testing.T) {
	w := &bufCloser{}
	r := New(10, w)
	if err := r.Record(outcome("a", control.Empty)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := r.Record(outcome("b", control.NotFound)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(w.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", w.String())
	}
	if !strings.Contains(lines[0], `"state":"empty"`) || !strings.Contains(lines[1], `"state":"not-found"`) {
		t.Fatalf("unexpected lines %q", lines)
	}

	if err := r.Close(); err != nil || !w.closed {
		t.Fatalf("Close() = %v, closed = %v", err, w.closed)
	}
}

func TestRecordKeepsMemoryOnWriteError(t *testing.T) {
	r := New(10, &bufCloser{err: errors.New("disk full")})
	if err := r.Record(outcome("a", control.Failed)); err == nil {
		t.Fatal("Record() = nil, want write error")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestOpenSeedsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.jsonl")
	r, err := Open(path, 5)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := r.Record(outcome(id, control.Success)); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	_, _ = f.WriteString("not json\n")
	_ = f.Close()

	r2, err := Open(path, 5)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	defer r2.Close()
	got := r2.Recent(0)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("Recent() after reopen = %+v", got)
	}
}
