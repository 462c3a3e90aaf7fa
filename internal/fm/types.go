// Package fm holds the FileMaker Data API shapes exchanged with the host:
// find requests, result sets and records.
package fm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Direction is a sort order understood by the Data API.
type Direction string

const (
	Ascend  Direction = "ascend"
	Descend Direction = "descend"
)

// Valid reports whether d is a known sort order.
func (d Direction) Valid() bool {
	return d == Ascend || d == Descend
}

// ParseDirection normalizes user input ("asc", "DESC", "descend") to a Direction.
// An empty string means no direction was supplied.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "ascend", "asc", "ascending":
		return Ascend, nil
	case "descend", "desc", "descending":
		return Descend, nil
	default:
		return "", fmt.Errorf("unknown sort direction %q", s)
	}
}

// SortSpec sorts on one field.
type SortSpec struct {
	FieldName string    `json:"fieldName"`
	SortOrder Direction `json:"sortOrder"`
}

// Criteria is one find request: field name to match expression. Entries in a
// QueryDescriptor are OR-ed together by the host.
type Criteria map[string]any

// Merge returns a copy of base with overlay applied on top.
func (c Criteria) Merge(overlay Criteria) Criteria {
	out := make(Criteria, len(c)+len(overlay))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// QueryDescriptor is the serializable find request sent to the host.
type QueryDescriptor struct {
	Layout string     `json:"layouts,omitempty"`
	Action string     `json:"action,omitempty"`
	Query  []Criteria `json:"query,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
	// Sort is omitted when empty; the host treats a missing sort differently
	// from an empty one.
	Sort []SortSpec `json:"sort,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (q QueryDescriptor) Clone() QueryDescriptor {
	out := q
	if q.Query != nil {
		out.Query = make([]Criteria, len(q.Query))
		for i, c := range q.Query {
			out.Query[i] = Criteria{}.Merge(c)
		}
	}
	if q.Sort != nil {
		out.Sort = append([]SortSpec(nil), q.Sort...)
	}
	return out
}

// Params flattens the descriptor into the loose parameter map the transports
// send. Keys absent from the descriptor stay absent.
func (q QueryDescriptor) Params() (map[string]any, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	params := make(map[string]any)
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return params, nil
}

// Record is one row returned by the host.
type Record struct {
	RecordID   int                         `json:"recordId"`
	ModID      int                         `json:"modId"`
	FieldData  map[string]any              `json:"fieldData"`
	PortalData map[string][]map[string]any `json:"portalData,omitempty"`
}

// IsZero reports whether r carries no identity and no data.
func (r Record) IsZero() bool {
	return r.RecordID == 0 && r.ModID == 0 && len(r.FieldData) == 0 && len(r.PortalData) == 0
}

// Clone returns a copy whose maps can be mutated independently.
func (r Record) Clone() Record {
	out := Record{RecordID: r.RecordID, ModID: r.ModID}
	if r.FieldData != nil {
		out.FieldData = make(map[string]any, len(r.FieldData))
		for k, v := range r.FieldData {
			out.FieldData[k] = v
		}
	}
	if r.PortalData != nil {
		out.PortalData = make(map[string][]map[string]any, len(r.PortalData))
		for k, rows := range r.PortalData {
			copied := make([]map[string]any, len(rows))
			for i, row := range rows {
				if row == nil {
					continue
				}
				copied[i] = make(map[string]any, len(row))
				for field, v := range row {
					copied[i][field] = v
				}
			}
			out.PortalData[k] = copied
		}
	}
	return out
}

// UnmarshalJSON accepts recordId/modId as either strings or numbers; FileMaker
// sends strings.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		RecordID   Int                         `json:"recordId"`
		ModID      Int                         `json:"modId"`
		FieldData  map[string]any              `json:"fieldData"`
		PortalData map[string][]map[string]any `json:"portalData"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.RecordID = int(raw.RecordID)
	r.ModID = int(raw.ModID)
	r.FieldData = raw.FieldData
	r.PortalData = raw.PortalData
	return nil
}

// DataInfo describes the found set behind a result page.
type DataInfo struct {
	Database         string `json:"database,omitempty"`
	Layout           string `json:"layout,omitempty"`
	Table            string `json:"table,omitempty"`
	TotalRecordCount Int    `json:"totalRecordCount"`
	FoundCount       Int    `json:"foundCount"`
	ReturnedCount    Int    `json:"returnedCount"`
}

// QueryResult is one page of records. It is replaced wholesale on every
// successful query.
type QueryResult struct {
	DataInfo *DataInfo `json:"dataInfo,omitempty"`
	Data     []Record  `json:"data"`
	// Raw keeps the decoded payload for path-based extraction.
	Raw any `json:"-"`
}

// FoundCount returns dataInfo.foundCount, or 0 when the host sent no dataInfo.
func (r QueryResult) FoundCount() int {
	if r.DataInfo == nil {
		return 0
	}
	return int(r.DataInfo.FoundCount)
}

// Clone copies the records and dataInfo. Raw is shared and must be treated
// as read-only.
func (r QueryResult) Clone() QueryResult {
	out := QueryResult{Raw: r.Raw}
	if r.DataInfo != nil {
		info := *r.DataInfo
		out.DataInfo = &info
	}
	if r.Data != nil {
		out.Data = make([]Record, len(r.Data))
		for i, rec := range r.Data {
			out.Data[i] = rec.Clone()
		}
	}
	return out
}

// ReturnedCount is derived from the records actually present.
func (r QueryResult) ReturnedCount() int {
	return len(r.Data)
}

// DecodeResult decodes a host response, unwrapping a Data API envelope
// ({"response": {...}, "messages": [...]}) when present.
func DecodeResult(payload json.RawMessage) (QueryResult, error) {
	body := Unwrap(payload)
	var result QueryResult
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return result, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return QueryResult{}, fmt.Errorf("decode query result: %w", err)
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return QueryResult{}, fmt.Errorf("decode query result: %w", err)
	}
	result.Raw = raw
	return result, nil
}

// Unwrap returns payload.response when payload is a Data API envelope, and
// payload unchanged otherwise.
func Unwrap(payload json.RawMessage) json.RawMessage {
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payload
	}
	trimmed := bytes.TrimSpace(envelope.Response)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return payload
	}
	return envelope.Response
}

// Int decodes JSON numbers and numeric strings alike.
type Int int

func (i *Int) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*i = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*i = Int(n)
	return nil
}
