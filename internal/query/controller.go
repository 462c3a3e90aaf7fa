// Package query owns paging, sorting and filtering state for one result set
// and re-fetches through a transport whenever that state changes.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/jsonpath"
	"webviewer-bridge/internal/mangle"
	"webviewer-bridge/internal/recorder"
	"webviewer-bridge/internal/transport"
)

var (
	// ErrNoTemplate is returned by Filter before any query supplied criteria.
	ErrNoTemplate = errors.New("query: no filter template captured yet")
	// ErrSuperseded is returned to the caller of a fetch whose result arrived
	// after a newer operation had already started.
	ErrSuperseded = errors.New("query: superseded by a newer request")
)

// DefaultRowsPath locates the rows of a Data API result.
const DefaultRowsPath = "data"

// State is the controller's fetch state.
type State int

const (
	Idle State = iota
	Fetching
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a point-in-time view of controller state. Its records are
// copies; Result.Raw is shared with the controller and read-only.
type Snapshot struct {
	State         State              `json:"-"`
	StateName     string             `json:"state"`
	PageNumber    int                `json:"page_number"`
	TotalPages    int                `json:"total_pages"`
	Limit         int                `json:"limit"`
	Offset        int                `json:"offset"`
	FoundCount    int                `json:"found_count"`
	ReturnedCount int                `json:"returned_count"`
	RangeStart    int                `json:"range_start"`
	RangeEnd      int                `json:"range_end"`
	Sort          []fm.SortSpec      `json:"sort,omitempty"`
	Descriptor    fm.QueryDescriptor `json:"descriptor"`
	Result        fm.QueryResult     `json:"-"`
	Generation    uint64             `json:"generation"`
	Error         string             `json:"error,omitempty"`
}

// FactSink receives diagnostic facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Recorder receives trace events.
type Recorder interface {
	Log(eventType, token string, data interface{})
}

// Config sets controller defaults.
type Config struct {
	Layout   string
	Limit    int
	RowsPath string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithFacts attaches a diagnostics fact sink.
func WithFacts(f FactSink) Option { return func(c *Controller) { c.facts = f } }

// WithRecorder attaches a trace recorder.
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithLogger replaces the standard logger.
func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

// Controller is the query state machine. All methods are safe for concurrent
// use; only the newest fetch may change state.
type Controller struct {
	tr       transport.Transport
	rowsPath string
	facts    FactSink
	recorder Recorder
	logger   *log.Logger

	mu         sync.Mutex
	state      State
	desc       fm.QueryDescriptor
	template   []fm.Criteria
	pageNumber int
	totalPages int
	foundCount int
	result     fm.QueryResult
	err        error
	generation uint64
}

// New returns an Idle controller that fetches through tr.
func New(tr transport.Transport, cfg Config, opts ...Option) *Controller {
	limit := cfg.Limit
	if limit <= 0 {
		limit = fm.DefaultLimit
	}
	c := &Controller{
		tr:         tr,
		rowsPath:   cfg.RowsPath,
		state:      Idle,
		desc:       fm.QueryDescriptor{Layout: cfg.Layout, Action: "read", Limit: limit, Offset: 1},
		pageNumber: 1,
		totalPages: 1,
	}
	if c.rowsPath == "" {
		c.rowsPath = DefaultRowsPath
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Run issues q as the current query. Its limit, offset, sort and criteria
// replace the controller's; the first non-empty criteria ever run become the
// filter template.
func (c *Controller) Run(ctx context.Context, q fm.QueryDescriptor) error {
	q = q.Clone()

	c.mu.Lock()
	if q.Layout == "" {
		q.Layout = c.desc.Layout
	}
	if q.Action == "" {
		q.Action = "read"
	}
	if q.Limit <= 0 {
		q.Limit = c.desc.Limit
	}
	if q.Offset <= 0 {
		q.Offset = 1
	}
	if len(q.Sort) == 0 {
		q.Sort = nil
	}
	if c.template == nil && len(q.Query) > 0 {
		c.template = fm.QueryDescriptor{Query: q.Query}.Clone().Query
	}
	c.desc = q
	c.pageNumber = 1
	if q.Offset > 1 {
		c.pageNumber = q.Offset/q.Limit + 1
	}
	return c.begin(ctx, "run")
}

// SetPage moves to page n, clamped to [1, totalPages].
func (c *Controller) SetPage(ctx context.Context, n int) error {
	c.mu.Lock()
	c.gotoPage(n)
	return c.begin(ctx, "page")
}

// NextPage is SetPage(pageNumber+1).
func (c *Controller) NextPage(ctx context.Context) error {
	c.mu.Lock()
	c.gotoPage(c.pageNumber + 1)
	return c.begin(ctx, "page")
}

// PreviousPage is SetPage(pageNumber-1).
func (c *Controller) PreviousPage(ctx context.Context) error {
	c.mu.Lock()
	c.gotoPage(c.pageNumber - 1)
	return c.begin(ctx, "page")
}

// SortBy toggles field in the sort set. An unsorted field is appended (dir,
// or ascending when dir is empty); a sorted field takes the new dir, or is
// removed when dir is empty. Paging restarts at page 1.
func (c *Controller) SortBy(ctx context.Context, field string, dir fm.Direction) error {
	if field == "" {
		return errors.New("query: sort field is required")
	}
	if dir != "" && !dir.Valid() {
		return fmt.Errorf("query: invalid sort direction %q", dir)
	}

	c.mu.Lock()
	sort := append([]fm.SortSpec(nil), c.desc.Sort...)
	idx := -1
	for i, s := range sort {
		if s.FieldName == field {
			idx = i
			break
		}
	}
	switch {
	case idx >= 0 && dir != "":
		sort[idx].SortOrder = dir
	case idx >= 0:
		sort = append(sort[:idx], sort[idx+1:]...)
	default:
		if dir == "" {
			dir = fm.Ascend
		}
		sort = append(sort, fm.SortSpec{FieldName: field, SortOrder: dir})
	}
	if len(sort) == 0 {
		sort = nil
	}
	c.desc.Sort = sort
	c.gotoFirst()
	return c.begin(ctx, "sort")
}

// Filter merges criteria onto every entry of the template captured by the
// first query, with criteria winning on conflicts, and restarts at page 1.
func (c *Controller) Filter(ctx context.Context, criteria fm.Criteria) error {
	c.mu.Lock()
	if len(c.template) == 0 {
		c.mu.Unlock()
		return ErrNoTemplate
	}
	merged := make([]fm.Criteria, len(c.template))
	for i, entry := range c.template {
		merged[i] = entry.Merge(criteria)
	}
	c.desc.Query = merged
	c.gotoFirst()
	return c.begin(ctx, "filter")
}

// Refresh re-issues the current query unchanged.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	return c.begin(ctx, "refresh")
}

// SetLimit changes the page size and restarts at page 1.
func (c *Controller) SetLimit(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("query: limit must be positive, got %d", n)
	}
	c.mu.Lock()
	c.desc.Limit = n
	c.totalPages = fm.TotalPages(c.foundCount, n)
	c.gotoFirst()
	return c.begin(ctx, "limit")
}

// Snapshot returns a copy of the current state. Records are copied; the raw
// decoded payload in Result.Raw is shared and read-only.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:         c.state,
		StateName:     c.state.String(),
		PageNumber:    c.pageNumber,
		TotalPages:    c.totalPages,
		Limit:         c.desc.Limit,
		Offset:        c.desc.Offset,
		FoundCount:    c.foundCount,
		ReturnedCount: c.result.ReturnedCount(),
		Descriptor:    c.desc.Clone(),
		Result:        c.result.Clone(),
		Generation:    c.generation,
	}
	s.Sort = s.Descriptor.Sort
	if c.foundCount > 0 {
		s.RangeStart = c.desc.Offset
		s.RangeEnd = min(c.foundCount, c.desc.Limit*c.pageNumber)
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

// State returns the current fetch state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error of the last failed fetch, or nil after a success.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns a copy of the last successful result. Raw is shared.
func (c *Controller) Result() fm.QueryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Clone()
}

// Rows extracts the row array at path from the last result. An empty path
// uses the configured rows path.
func (c *Controller) Rows(path string) ([]any, error) {
	c.mu.Lock()
	raw := c.result.Raw
	if path == "" {
		path = c.rowsPath
	}
	c.mu.Unlock()

	if raw == nil {
		return nil, nil
	}
	return jsonpath.Rows(raw, path)
}

func (c *Controller) gotoPage(n int) {
	c.pageNumber = fm.ClampPage(n, c.totalPages)
	c.desc.Offset = fm.Offset(c.pageNumber, c.desc.Limit)
}

func (c *Controller) gotoFirst() {
	c.pageNumber = 1
	c.desc.Offset = 1
}

// begin must be called with c.mu held; it releases it before fetching.
func (c *Controller) begin(ctx context.Context, op string) error {
	c.generation++
	gen := c.generation
	c.state = Fetching
	desc := c.desc.Clone()
	c.mu.Unlock()

	return c.fetch(ctx, gen, op, desc)
}

func (c *Controller) fetch(ctx context.Context, gen uint64, op string, desc fm.QueryDescriptor) error {
	start := time.Now()
	c.emit(ctx, "query_fetch", int64(gen), op)

	result, err := c.perform(ctx, desc)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Printf("[query] discarding %s result for generation %d (current %d)", op, gen, c.generation)
		c.emit(ctx, "query_discarded", int64(gen))
		return ErrSuperseded
	}

	if c.recorder != nil {
		event := map[string]interface{}{
			"operation":   op,
			"generation":  gen,
			"offset":      desc.Offset,
			"limit":       desc.Limit,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			event["error"] = err.Error()
		}
		c.recorder.Log(recorder.EventQuery, "", event)
	}

	if err != nil {
		c.state = Failed
		c.err = err
		c.logger.Printf("[query] %s failed: %v", op, err)
		return err
	}

	c.result = result
	if result.DataInfo != nil {
		c.foundCount = result.FoundCount()
		c.totalPages = fm.TotalPages(c.foundCount, c.desc.Limit)
		if c.pageNumber > c.totalPages {
			c.gotoPage(c.totalPages)
		}
	}
	c.state = Ready
	c.err = nil
	c.emit(ctx, "query_applied", int64(gen))
	return nil
}

func (c *Controller) perform(ctx context.Context, desc fm.QueryDescriptor) (fm.QueryResult, error) {
	params, err := desc.Params()
	if err != nil {
		return fm.QueryResult{}, err
	}
	raw, err := c.tr.Perform(ctx, params)
	if err != nil {
		return fm.QueryResult{}, err
	}
	return fm.DecodeResult(raw)
}

func (c *Controller) emit(ctx context.Context, predicate string, args ...interface{}) {
	if c.facts == nil {
		return
	}
	f := mangle.Fact{Predicate: predicate, Args: args, Timestamp: time.Now()}
	if err := c.facts.AddFacts(context.WithoutCancel(ctx), []mangle.Fact{f}); err != nil {
		c.logger.Printf("[query] record fact %s: %v", predicate, err)
	}
}
