package ocr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
)

// Skipped marks a stage that did not run because an earlier stage made it unnecessary
const Skipped = "skipped"

// Status values used in stage entries
const (
	StatusOK                 = "ok"
	StatusError              = "error"
	StatusCalling            = "calling"
	StatusRunning            = "running"
	StatusOKButLowConfidence = "ok_but_low_confidence"
)

// Trail is the ordered stage diagnostic trail. Each stage holds exactly one
// entry; setting a stage again replaces its entry without moving it.
type Trail struct {
	mu       sync.Mutex
	keys     []string
	entries  map[string]interface{}
	observer func(*Trail)
}

// NewTrail creates an empty trail
func NewTrail() *Trail {
	return &Trail{entries: make(map[string]interface{})}
}

// OnUpdate registers fn to be called after every change
func (t *Trail) OnUpdate(fn func(*Trail)) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Set records entry for stage
func (t *Trail) Set(stage apperrors.Stage, entry interface{}) {
	t.mu.Lock()
	key := string(stage)
	if _, exists := t.entries[key]; !exists {
		t.keys = append(t.keys, key)
	}
	t.entries[key] = entry
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer(t)
	}
}

// Status records a status entry with extra key-value metadata
func (t *Trail) Status(stage apperrors.Stage, status string, meta map[string]interface{}) {
	entry := map[string]interface{}{"status": status}
	for k, v := range meta {
		entry[k] = v
	}
	t.Set(stage, entry)
}

// Skip marks stage as skipped
func (t *Trail) Skip(stage apperrors.Stage) {
	t.Set(stage, Skipped)
}

// Fail records the error entry for the error's stage
func (t *Trail) Fail(err *apperrors.StageError) {
	t.Set(err.Stage, err.ToMap())
}

// Get returns the entry for stage
func (t *Trail) Get(stage apperrors.Stage) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[string(stage)]
	return entry, ok
}

// StatusOf returns the status of stage: the "status" field of a record, the
// literal string for skipped stages, or "" when the stage is absent
func (t *Trail) StatusOf(stage apperrors.Stage) string {
	entry, ok := t.Get(stage)
	if !ok {
		return ""
	}
	switch e := entry.(type) {
	case string:
		return e
	case map[string]interface{}:
		s, _ := e["status"].(string)
		return s
	}
	return ""
}

// Stages returns the stage names in insertion order
func (t *Trail) Stages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.keys...)
}

// MarshalJSON writes the entries as a JSON object in insertion order
func (t *Trail) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range t.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(t.entries[key])
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores a trail, keeping the key order of the document
func (t *Trail) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("stages: expected object, got %v", tok)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = nil
	t.entries = make(map[string]interface{})

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("stages: expected key, got %v", tok)
		}
		var entry interface{}
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("stage %s: %w", key, err)
		}
		if _, exists := t.entries[key]; !exists {
			t.keys = append(t.keys, key)
		}
		t.entries[key] = entry
	}

	_, err = dec.Token()
	return err
}
