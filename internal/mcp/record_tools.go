package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/query"
	"webviewer-bridge/internal/record"
	"webviewer-bridge/internal/transport"
)

// rowSet keeps one record controller per row the agent has touched, so staged
// edits survive between tool calls.
type rowSet struct {
	tr     transport.Transport
	layout string
	opts   []record.Option

	mu   sync.Mutex
	rows map[int]*record.Controller
}

func newRowSet(tr transport.Transport, layout string, opts ...record.Option) *rowSet {
	return &rowSet{tr: tr, layout: layout, opts: opts, rows: make(map[int]*record.Controller)}
}

// get returns the controller for id, loading it from the current query
// result. Clean rows are reloaded so they track the latest fetch.
func (r *rowSet) get(q *query.Controller, id int) (*record.Controller, error) {
	if r.tr == nil {
		return nil, errors.New("record transport not configured")
	}
	if q == nil {
		return nil, errNoQuery
	}
	snap := q.Snapshot()
	var (
		row   fm.Record
		found bool
	)
	for _, rec := range snap.Result.Data {
		if rec.RecordID == id {
			row, found = rec, true
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		if found && !c.Dirty() {
			c.Load(row)
		}
		return c, nil
	}
	if !found {
		return nil, fmt.Errorf("record %d is not in the current result", id)
	}
	layout := r.layout
	if layout == "" {
		layout = snap.Descriptor.Layout
	}
	c := record.New(r.tr, layout, row, r.opts...)
	r.rows[id] = c
	return c, nil
}

func (r *rowSet) drop(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
}

func rowPayload(c *record.Controller) map[string]interface{} {
	return map[string]interface{}{
		"record":  c.Record(),
		"dirty":   c.Dirty(),
		"pending": c.PendingEdits(),
	}
}

type RecordUpdateTool struct {
	query *query.Controller
	rows  *rowSet
}

func (t *RecordUpdateTool) Name() string { return "record-update" }
func (t *RecordUpdateTool) Description() string {
	return `Write field values to a record from the current query result.

Only the submitted fields change locally; the returned modId is adopted.
Failures are not retried.`
}
func (t *RecordUpdateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"record_id": map[string]interface{}{
				"type":        "integer",
				"description": "recordId of a row in the current result",
			},
			"field_data": map[string]interface{}{
				"type":        "object",
				"description": "Field values to write",
			},
		},
		"required": []string{"record_id", "field_data"},
	}
}
func (t *RecordUpdateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requireRecordID(args)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	ok, err := decodeArg(args, "field_data", &fields)
	if err != nil {
		return nil, err
	}
	if !ok || len(fields) == 0 {
		return nil, errors.New("field_data is required")
	}
	c, err := t.rows.get(t.query, id)
	if err != nil {
		return nil, err
	}
	if err := c.UpdateRecord(ctx, fields); err != nil {
		return nil, err
	}
	return rowPayload(c), nil
}

type RecordEditTool struct {
	query *query.Controller
	rows  *rowSet
}

func (t *RecordEditTool) Name() string { return "record-edit" }
func (t *RecordEditTool) Description() string {
	return `Stage a field change on a record without sending it.
Use record-save to write all staged changes at once.`
}
func (t *RecordEditTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"record_id": map[string]interface{}{
				"type":        "integer",
				"description": "recordId of a row in the current result",
			},
			"field": map[string]interface{}{
				"type":        "string",
				"description": "Field name",
			},
			"value": map[string]interface{}{
				"description": "New value",
			},
		},
		"required": []string{"record_id", "field"},
	}
}
func (t *RecordEditTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requireRecordID(args)
	if err != nil {
		return nil, err
	}
	field := getStringArg(args, "field")
	if field == "" {
		return nil, errors.New("field is required")
	}
	c, err := t.rows.get(t.query, id)
	if err != nil {
		return nil, err
	}
	c.Edit(field, args["value"])
	return rowPayload(c), nil
}

type RecordSaveTool struct {
	query *query.Controller
	rows  *rowSet
}

func (t *RecordSaveTool) Name() string { return "record-save" }
func (t *RecordSaveTool) Description() string {
	return `Write the edits staged with record-edit. Does nothing when no edits are staged.`
}
func (t *RecordSaveTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"record_id": map[string]interface{}{
				"type":        "integer",
				"description": "recordId of a row in the current result",
			},
		},
		"required": []string{"record_id"},
	}
}
func (t *RecordSaveTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requireRecordID(args)
	if err != nil {
		return nil, err
	}
	c, err := t.rows.get(t.query, id)
	if err != nil {
		return nil, err
	}
	if err := c.Save(ctx); err != nil {
		return nil, err
	}
	return rowPayload(c), nil
}

type RecordDeleteTool struct {
	query *query.Controller
	rows  *rowSet
}

func (t *RecordDeleteTool) Name() string { return "record-delete" }
func (t *RecordDeleteTool) Description() string {
	return `Delete a record from the current query result, then refresh the query.`
}
func (t *RecordDeleteTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"record_id": map[string]interface{}{
				"type":        "integer",
				"description": "recordId of a row in the current result",
			},
		},
		"required": []string{"record_id"},
	}
}
func (t *RecordDeleteTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := requireRecordID(args)
	if err != nil {
		return nil, err
	}
	c, err := t.rows.get(t.query, id)
	if err != nil {
		return nil, err
	}
	if err := c.DeleteRecord(ctx); err != nil {
		return nil, err
	}
	t.rows.drop(id)

	if err := t.query.Refresh(ctx); err != nil && !errors.Is(err, query.ErrSuperseded) {
		log.Printf("[mcp] refresh after delete of %d: %v", id, err)
	}
	payload := snapshotPayload(t.query)
	payload["deleted"] = id
	return payload, nil
}
