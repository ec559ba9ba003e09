package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/security"
	"github.com/treykane/wg-manager/internal/tunnel"
)

// Event types written by RecordTransition.
const (
	TypeUpSucceeded   = "up_succeeded"
	TypeUpFailed      = "up_failed"
	TypeDownSucceeded = "down_succeeded"
	TypeDownFailed    = "down_failed"
)

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Tunnel     string      `json:"tunnel"`
	EventType  string      `json:"event_type"`
	From       model.State `json:"from"`
	State      model.State `json:"state"`
	Message    string      `json:"message,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	PID        int         `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Tunnel    string
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local event journal.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a journal appending to the JSON lines file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the journal file.
func (s *Store) Path() string { return s.path }

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// RecordTransition journals a finished tunnel transition. It has the
// signature of tunnel.Options.OnTransition; failures are logged.
func (s *Store) RecordTransition(tr tunnel.Transition) {
	evt := Event{
		Tunnel:     tr.Tunnel,
		From:       tr.From,
		State:      tr.Result,
		DurationMS: tr.Duration.Milliseconds(),
		PID:        os.Getpid(),
	}
	up := tr.Desired == model.StateUp
	switch {
	case up && tr.Err == nil:
		evt.EventType = TypeUpSucceeded
	case up:
		evt.EventType = TypeUpFailed
	case tr.Err == nil:
		evt.EventType = TypeDownSucceeded
	default:
		evt.EventType = TypeDownFailed
	}
	if tr.Err != nil {
		evt.Message = security.RedactMessage(tr.Err.Error())
	}
	if err := s.Append(evt); err != nil {
		slog.Warn("failed to write tunnel event", "tunnel", tr.Tunnel, "error", err)
	}
}

// Read returns events in append order, filtered by query, with optional limit.
func (s *Store) Read(q Query) ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.Tunnel) != "" && evt.Tunnel != q.Tunnel {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
