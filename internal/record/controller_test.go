package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"reflect"
	"testing"

	"webviewer-bridge/internal/bridge"
	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/transport"
)

type captured struct {
	params []map[string]any
}

func (c *captured) transport(resp string, err error) transport.Transport {
	return transport.Func(func(ctx context.Context, params map[string]any) (json.RawMessage, error) {
		c.params = append(c.params, params)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(resp), nil
	})
}

func sample() fm.Record {
	return fm.Record{
		RecordID:  7,
		ModID:     3,
		FieldData: map[string]any{"Name": "Ada", "City": "London", "Age": 36},
	}
}

func quiet() Option { return WithLogger(log.New(&bytes.Buffer{}, "", 0)) }

func TestUpdateRecordMergesFields(t *testing.T) {
	var host captured
	c := New(host.transport(`{"modId":"4"}`, nil), "Contacts_Edit", sample(), quiet())

	if err := c.UpdateRecord(context.Background(), map[string]any{"City": "Paris"}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	sent := host.params[0]
	if sent["action"] != "update" || sent["layouts"] != "Contacts_Edit" || sent["recordId"] != 7 {
		t.Errorf("unexpected params %v", sent)
	}
	if _, present := sent["modId"]; present {
		t.Error("modId must not be sent")
	}
	if !reflect.DeepEqual(sent["fieldData"], map[string]any{"City": "Paris"}) {
		t.Errorf("unexpected fieldData %v", sent["fieldData"])
	}

	got := c.Record()
	want := map[string]any{"Name": "Ada", "City": "Paris", "Age": 36}
	if !reflect.DeepEqual(got.FieldData, want) {
		t.Errorf("fieldData %v, want %v", got.FieldData, want)
	}
	if got.ModID != 4 {
		t.Errorf("expected modId 4, got %d", got.ModID)
	}
}

func TestUpdateRecordEnvelopeModID(t *testing.T) {
	var host captured
	c := New(host.transport(`{"response":{"modId":9},"messages":[{"code":"0"}]}`, nil), "Contacts", sample(), quiet())
	if err := c.UpdateRecord(context.Background(), map[string]any{"Age": 37}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if c.Record().ModID != 9 {
		t.Errorf("expected modId 9, got %d", c.Record().ModID)
	}
}

func TestUpdateRecordFailure(t *testing.T) {
	var host captured
	cause := &bridge.HostError{Code: "301", Message: "Record is in use by another user"}
	c := New(host.transport("", cause), "Contacts", sample(), quiet())

	err := c.UpdateRecord(context.Background(), map[string]any{"City": "Paris"})
	var failed *UpdateFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected UpdateFailedError, got %v", err)
	}
	var hostErr *bridge.HostError
	if !errors.As(err, &hostErr) || hostErr.Code != "301" {
		t.Errorf("expected cause to unwrap to host error, got %v", err)
	}
	if got := c.Record(); got.FieldData["City"] != "London" || got.ModID != 3 {
		t.Errorf("local record changed on failure: %+v", got)
	}
	if len(host.params) != 1 {
		t.Errorf("expected no automatic retry, got %d calls", len(host.params))
	}
}

func TestDeleteRecord(t *testing.T) {
	var host captured
	c := New(host.transport(`{}`, nil), "Contacts", sample(), quiet())

	if err := c.DeleteRecord(context.Background()); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	sent := host.params[0]
	if sent["action"] != "delete" || sent["recordId"] != 7 {
		t.Errorf("unexpected params %v", sent)
	}
	if _, present := sent["fieldData"]; present {
		t.Error("delete must not send fieldData")
	}
	if !c.Record().IsZero() {
		t.Errorf("expected empty record, got %+v", c.Record())
	}

	err := c.DeleteRecord(context.Background())
	var failed *DeleteFailedError
	if !errors.As(err, &failed) || !errors.Is(err, ErrNoRecord) {
		t.Errorf("expected DeleteFailedError(ErrNoRecord), got %v", err)
	}
}

func TestDeleteRecordFailureKeepsRecord(t *testing.T) {
	var host captured
	c := New(host.transport("", errors.New("bridge closed")), "Contacts", sample(), quiet())

	err := c.DeleteRecord(context.Background())
	var failed *DeleteFailedError
	if !errors.As(err, &failed) || failed.RecordID != 7 {
		t.Fatalf("expected DeleteFailedError for record 7, got %v", err)
	}
	if c.Record().RecordID != 7 {
		t.Error("record cleared despite failure")
	}
}

func TestEditAndSave(t *testing.T) {
	var host captured
	c := New(host.transport(`{"modId":"5"}`, nil), "Contacts", sample(), quiet())

	if err := c.Save(context.Background()); err != nil || len(host.params) != 0 {
		t.Fatalf("Save with nothing staged should be a no-op, got %v and %d calls", err, len(host.params))
	}

	c.Edit("Name", "Ada Lovelace")
	c.Edit("Age", 37)
	if !c.Dirty() {
		t.Fatal("expected dirty after Edit")
	}
	if got := c.PendingEdits(); len(got) != 2 {
		t.Errorf("expected two pending edits, got %v", got)
	}
	if c.Record().FieldData["Name"] != "Ada" {
		t.Error("Edit must not change the record before Save")
	}

	if err := c.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if c.Dirty() {
		t.Errorf("expected clean after Save, pending %v", c.PendingEdits())
	}
	rec := c.Record()
	if rec.FieldData["Name"] != "Ada Lovelace" || rec.FieldData["Age"] != 37 || rec.FieldData["City"] != "London" || rec.ModID != 5 {
		t.Errorf("unexpected record after Save %+v", rec)
	}
}

func TestUpdateWithoutRecord(t *testing.T) {
	var host captured
	c := New(host.transport(`{}`, nil), "Contacts", fm.Record{}, quiet())
	err := c.UpdateRecord(context.Background(), map[string]any{"A": 1})
	if !errors.Is(err, ErrNoRecord) {
		t.Errorf("expected ErrNoRecord, got %v", err)
	}
	if len(host.params) != 0 {
		t.Error("expected no transport call")
	}
}

func TestLoadResetsPending(t *testing.T) {
	var host captured
	c := New(host.transport(`{}`, nil), "Contacts", sample(), quiet())
	c.Edit("Name", "x")
	c.Load(fm.Record{RecordID: 8})
	if c.Dirty() || c.Record().RecordID != 8 {
		t.Errorf("Load did not reset state: dirty=%v record=%+v", c.Dirty(), c.Record())
	}
}
