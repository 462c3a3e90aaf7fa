// Package record holds one record and writes edits to it back through a
// transport.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/recorder"
	"webviewer-bridge/internal/transport"
)

// ErrNoRecord is the cause reported when no record is loaded.
var ErrNoRecord = errors.New("no record loaded")

// UpdateFailedError wraps the reason an update did not apply.
type UpdateFailedError struct {
	RecordID int
	Cause    error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update record %d failed: %v", e.RecordID, e.Cause)
}

func (e *UpdateFailedError) Unwrap() error { return e.Cause }

// DeleteFailedError wraps the reason a delete did not apply.
type DeleteFailedError struct {
	RecordID int
	Cause    error
}

func (e *DeleteFailedError) Error() string {
	return fmt.Sprintf("delete record %d failed: %v", e.RecordID, e.Cause)
}

func (e *DeleteFailedError) Unwrap() error { return e.Cause }

// Recorder receives trace events.
type Recorder interface {
	Log(eventType, token string, data interface{})
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRecorder attaches a trace recorder.
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithLogger replaces the standard logger.
func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

// Controller owns one record. Writes are never retried here; callers decide
// how to surface a failure.
type Controller struct {
	tr       transport.Transport
	layout   string
	recorder Recorder
	logger   *log.Logger

	mu      sync.Mutex
	record  fm.Record
	pending map[string]any
}

// New returns a controller for rec that writes through tr on layout.
func New(tr transport.Transport, layout string, rec fm.Record, opts ...Option) *Controller {
	c := &Controller{tr: tr, layout: layout, record: rec.Clone()}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Load replaces the held record and drops pending edits.
func (c *Controller) Load(rec fm.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record = rec.Clone()
	c.pending = nil
}

// Record returns a copy of the held record.
func (c *Controller) Record() fm.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone()
}

// Edit stages a field change without sending it.
func (c *Controller) Edit(field string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]any)
	}
	c.pending[field] = value
}

// Dirty reports whether there are staged edits.
func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// PendingEdits returns a copy of the staged edits.
func (c *Controller) PendingEdits() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyFields(c.pending)
}

// Save sends the staged edits. It is a no-op when nothing is staged.
func (c *Controller) Save(ctx context.Context) error {
	edits := c.PendingEdits()
	if len(edits) == 0 {
		return nil
	}
	return c.UpdateRecord(ctx, edits)
}

// UpdateRecord sends fieldData for the held record. On success the submitted
// fields are merged into the local copy and the returned modId adopted;
// fields not submitted keep their local values.
func (c *Controller) UpdateRecord(ctx context.Context, fieldData map[string]any) error {
	c.mu.Lock()
	id := c.record.RecordID
	c.mu.Unlock()
	if id == 0 {
		return &UpdateFailedError{Cause: ErrNoRecord}
	}

	submitted := copyFields(fieldData)
	raw, err := c.tr.Perform(ctx, map[string]any{
		"fieldData": submitted,
		"recordId":  id,
		"layouts":   c.layout,
		"action":    "update",
	})
	c.trace("update", id, err)
	if err != nil {
		return &UpdateFailedError{RecordID: id, Cause: err}
	}

	var resp struct {
		ModID fm.Int `json:"modId"`
	}
	if body := fm.Unwrap(raw); len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			c.logger.Printf("[record] update %d: unreadable response: %v", id, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record.RecordID != id {
		// Replaced while the write was in flight; the new record is not ours to touch.
		return nil
	}
	if c.record.FieldData == nil {
		c.record.FieldData = make(map[string]any, len(submitted))
	}
	for k, v := range submitted {
		c.record.FieldData[k] = v
		if pv, ok := c.pending[k]; ok && sameValue(pv, v) {
			delete(c.pending, k)
		}
	}
	if resp.ModID > 0 {
		c.record.ModID = int(resp.ModID)
	}
	return nil
}

// DeleteRecord deletes the held record. On success the local record is empty.
func (c *Controller) DeleteRecord(ctx context.Context) error {
	c.mu.Lock()
	id := c.record.RecordID
	c.mu.Unlock()
	if id == 0 {
		return &DeleteFailedError{Cause: ErrNoRecord}
	}

	_, err := c.tr.Perform(ctx, map[string]any{
		"recordId": id,
		"layouts":  c.layout,
		"action":   "delete",
	})
	c.trace("delete", id, err)
	if err != nil {
		return &DeleteFailedError{RecordID: id, Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record.RecordID == id {
		c.record = fm.Record{}
		c.pending = nil
	}
	return nil
}

func (c *Controller) trace(action string, id int, err error) {
	if c.recorder == nil {
		return
	}
	event := map[string]interface{}{"action": action, "record_id": id, "layout": c.layout}
	if err != nil {
		event["error"] = err.Error()
	}
	c.recorder.Log(recorder.EventRecord, "", event)
}

func copyFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
