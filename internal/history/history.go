// Package history keeps a bounded record of copy outcomes, mirrored to a
// rotating JSONL file.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/control"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Source says what triggered an activation.
type Source string

const (
	SourcePage Source = "page"
	SourceAPI  Source = "api"
)

// Outcome is the result of one control activation.
type Outcome struct {
	ID        string        `json:"id"`
	TabID     string        `json:"tab_id"`
	URL       string        `json:"url,omitempty"`
	ControlID string        `json:"control_id"`
	Target    string        `json:"target"`
	State     control.State `json:"state"`
	Chars     int           `json:"chars"`
	Error     string        `json:"error,omitempty"`
	Source    Source        `json:"source"`
	At        time.Time     `json:"at"`
}

// Recorder stores the most recent outcomes in memory and appends every
// outcome to w when set.
type Recorder struct {
	size int

	mu   sync.Mutex
	ring []Outcome
	w    io.WriteCloser
}

// New returns an in-memory recorder holding at most size outcomes. w may be nil.
func New(size int, w io.WriteCloser) *Recorder {
	if size < 1 {
		size = 1
	}
	return &Recorder{size: size, w: w, ring: make([]Outcome, 0, size)}
}

// Open returns a recorder backed by a rotating JSONL file at path. Outcomes
// already in the file seed the in-memory window.
func Open(path string, size int) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	r := New(size, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
	if err := r.load(path); err != nil {
		slog.Warn("history load failed, starting empty", "path", path, "error", err)
	}
	return r, nil
}

func (r *Recorder) load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for sc.Scan() {
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			skipped++
			continue
		}
		r.push(o)
	}
	if skipped > 0 {
		slog.Debug("history skipped malformed lines", "path", path, "count", skipped)
	}
	return sc.Err()
}

func (r *Recorder) push(o Outcome) {
	if len(r.ring) == r.size {
		copy(r.ring, r.ring[1:])
		r.ring = r.ring[:r.size-1]
	}
	r.ring = append(r.ring, o)
}

// Record stores o. The in-memory copy is kept even when the file write fails.
func (r *Recorder) Record(o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(o)
	if r.w == nil {
		return nil
	}
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("history marshal: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("history write: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first. A non-positive limit
// returns everything held.
func (r *Recorder) Recent(limit int) []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.ring[i])
	}
	return out
}

// Len returns how many outcomes are held in memory.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

// Close closes the backing file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	return err
}
