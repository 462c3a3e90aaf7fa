package mcp

import (
	"context"
	"errors"
	"strings"

	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/query"
)

var errNoQuery = errors.New("query controller not configured")

// snapshotPayload is the common response shape of the query tools.
func snapshotPayload(q *query.Controller) map[string]interface{} {
	snap := q.Snapshot()
	return map[string]interface{}{
		"state":   snap,
		"records": snap.Result.Data,
	}
}

type QueryRunTool struct {
	query *query.Controller
}

func (t *QueryRunTool) Name() string { return "query-run" }
func (t *QueryRunTool) Description() string {
	return `Run a find through the viewer's query controller.

The first non-empty criteria ever run become the filter template used by
query-filter. Paging restarts from the supplied offset.

Returns: {state, records} where state carries page_number, total_pages,
found_count and the range shown.`
}
func (t *QueryRunTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"layout": map[string]interface{}{
				"type":        "string",
				"description": "Layout to search (defaults to the configured layout)",
			},
			"query": map[string]interface{}{
				"type":        "array",
				"description": "Find requests, e.g. [{\"Name\": \"=Ann\"}]",
				"items":       map[string]interface{}{"type": "object"},
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Page size",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "1-based offset of the first record",
			},
			"sort": map[string]interface{}{
				"type":        "array",
				"description": "Sort specs [{fieldName, sortOrder: ascend|descend}]",
				"items":       map[string]interface{}{"type": "object"},
			},
		},
	}
}
func (t *QueryRunTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.query == nil {
		return nil, errNoQuery
	}
	desc := fm.QueryDescriptor{
		Layout: getStringArg(args, "layout"),
		Limit:  getIntArg(args, "limit", 0),
		Offset: getIntArg(args, "offset", 0),
	}
	if _, err := decodeArg(args, "query", &desc.Query); err != nil {
		return nil, err
	}
	var sort []fm.SortSpec
	if _, err := decodeArg(args, "sort", &sort); err != nil {
		return nil, err
	}
	parsed, err := parseSort(sort)
	if err != nil {
		return nil, err
	}
	desc.Sort = parsed

	if err := t.query.Run(ctx, desc); err != nil {
		return nil, err
	}
	return snapshotPayload(t.query), nil
}

type QueryPageTool struct {
	query *query.Controller
}

func (t *QueryPageTool) Name() string { return "query-page" }
func (t *QueryPageTool) Description() string {
	return `Move the current query to another page.

Pass either page (1-based, clamped to the available pages) or
direction ("next" or "previous").`
}
func (t *QueryPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"page": map[string]interface{}{
				"type":        "integer",
				"description": "Target page number",
			},
			"direction": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"next", "previous"},
				"description": "Relative move instead of an absolute page",
			},
		},
	}
}
func (t *QueryPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.query == nil {
		return nil, errNoQuery
	}
	var err error
	switch strings.ToLower(getStringArg(args, "direction")) {
	case "next":
		err = t.query.NextPage(ctx)
	case "previous", "prev":
		err = t.query.PreviousPage(ctx)
	case "":
		page := getIntArg(args, "page", 0)
		if page <= 0 {
			return nil, errors.New("page or direction is required")
		}
		err = t.query.SetPage(ctx, page)
	default:
		return nil, errors.New("direction must be next or previous")
	}
	if err != nil {
		return nil, err
	}
	return snapshotPayload(t.query), nil
}

type QuerySortTool struct {
	query *query.Controller
}

func (t *QuerySortTool) Name() string { return "query-sort" }
func (t *QuerySortTool) Description() string {
	return `Toggle a field in the sort set and restart at page 1.

An unsorted field is added; a sorted field takes the new order, or is
removed when no order is given.`
}
func (t *QuerySortTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"field": map[string]interface{}{
				"type":        "string",
				"description": "Field name",
			},
			"order": map[string]interface{}{
				"type":        "string",
				"description": "ascend or descend",
			},
		},
		"required": []string{"field"},
	}
}
func (t *QuerySortTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.query == nil {
		return nil, errNoQuery
	}
	dir, err := fm.ParseDirection(getStringArg(args, "order"))
	if err != nil {
		return nil, err
	}
	if err := t.query.SortBy(ctx, getStringArg(args, "field"), dir); err != nil {
		return nil, err
	}
	return snapshotPayload(t.query), nil
}

type QueryFilterTool struct {
	query *query.Controller
}

func (t *QueryFilterTool) Name() string { return "query-filter" }
func (t *QueryFilterTool) Description() string {
	return `Narrow the current query by merging criteria into every find request
of the first query run. Supplied values win over the template's.

PREREQUISITE: query-run with non-empty criteria.`
}
func (t *QueryFilterTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"criteria": map[string]interface{}{
				"type":        "object",
				"description": "Field criteria, e.g. {\"City\": \"Boston\"}",
			},
		},
		"required": []string{"criteria"},
	}
}
func (t *QueryFilterTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.query == nil {
		return nil, errNoQuery
	}
	var criteria fm.Criteria
	ok, err := decodeArg(args, "criteria", &criteria)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("criteria is required")
	}
	if err := t.query.Filter(ctx, criteria); err != nil {
		return nil, err
	}
	return snapshotPayload(t.query), nil
}

type QueryLimitTool struct {
	query *query.Controller
}

func (t *QueryLimitTool) Name() string { return "query-limit" }
func (t *QueryLimitTool) Description() string {
	return `Change the page size of the current query and restart at page 1.`
}
func (t *QueryLimitTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Records per page",
			},
		},
		"required": []string{"limit"},
	}
}
func (t *QueryLimitTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.query == nil {
		return nil, errNoQuery
	}
	if err := t.query.SetLimit(ctx, getIntArg(args, "limit", 0)); err != nil {
		return nil, err
	}
	return snapshotPayload(t.query), nil
}

type QueryStateTool struct {
	query *query.Controller
}

func (t *QueryStateTool) Name() string { return "query-state" }
func (t *QueryStateTool) Description() string {
	return `Read the query controller's current state without fetching.

Set refresh to re-issue the current query first. Set path to extract
rows from the raw result (e.g. "data" or "response.data").`
}
func (t *QueryStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"refresh": map[string]interface{}{
				"type":        "boolean",
				"description": "Re-run the current query before reading",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Row path into the raw result",
			},
		},
	}
}
func (t *QueryStateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.query == nil {
		return nil, errNoQuery
	}
	if getBoolArg(args, "refresh", false) {
		if err := t.query.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	payload := snapshotPayload(t.query)
	if path := getStringArg(args, "path"); path != "" {
		rows, err := t.query.Rows(path)
		if err != nil {
			return nil, err
		}
		payload["rows"] = rows
	}
	return payload, nil
}
