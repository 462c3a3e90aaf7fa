package query

import (
	"testing"

	"webviewer-bridge/internal/fm"
)

func TestParseTemplate(t *testing.T) {
	text := `{"query":[{"Status":"{{status}}","Owner":"{{ owner }}","Tag":"{{missing}}"}],"limit":25,"sort":[{"fieldName":"Name","sortOrder":"descend"}]}`
	q, err := ParseTemplate(text, map[string]string{"status": "Active", "owner": `Ada "the" Count`})
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if len(q.Query) != 1 {
		t.Fatalf("expected one criteria entry, got %v", q.Query)
	}
	c := q.Query[0]
	if c["Status"] != "Active" || c["Owner"] != `Ada "the" Count` || c["Tag"] != "{{missing}}" {
		t.Errorf("unexpected criteria %v", c)
	}
	if q.Limit != 25 || len(q.Sort) != 1 || q.Sort[0].SortOrder != fm.Descend {
		t.Errorf("unexpected descriptor %+v", q)
	}
}

func TestParseTemplateEmptyAndInvalid(t *testing.T) {
	q, err := ParseTemplate("  ", nil)
	if err != nil || len(q.Query) != 0 {
		t.Errorf("expected empty descriptor, got %+v, %v", q, err)
	}
	if _, err := ParseTemplate(`{"query":[`, nil); err == nil {
		t.Error("expected parse error")
	}
}
