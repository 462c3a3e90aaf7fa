package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event types written by the bridge and the controllers.
const (
	EventBridgeCall    = "bridge_call"
	EventBridgeWaiting = "bridge_waiting"
	EventDuplicate     = "duplicate_callback"
	EventQuery         = "query"
	EventRecord        = "record"
)

// Event is a single line in a call trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	Token     string      `json:"token,omitempty"`
	Data      interface{} `json:"data"`
}

// CallTrace is the payload of a bridge_call event.
type CallTrace struct {
	Script     string          `json:"script"`
	Params     interface{}     `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Failure    string          `json:"failure,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
}

// Recorder writes call traces to rotating JSONL files.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	current  string
	now      func() time.Time
}

// NewRecorder creates a recorder rooted at basePath, creating it if needed.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath: basePath,
		now:      time.Now,
	}, nil
}

// Start opens a fresh trace file for a server run, rotating out old ones.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	path := filepath.Join(r.basePath, fmt.Sprintf("trace_%s_%d.jsonl", runID, r.now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.current = path
	return nil
}

// Log appends an event to the current trace. It is a no-op before Start.
func (r *Recorder) Log(eventType, token string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Type:      eventType,
		Token:     token,
		Data:      data,
	})
}

// Path returns the file currently being written, or "" before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Tail returns up to n of the most recent events from the current trace.
// Data is left as raw JSON.
func (r *Recorder) Tail(n int) ([]Event, error) {
	r.mu.Lock()
	path := r.current
	if r.file != nil {
		_ = r.file.Sync()
	}
	r.mu.Unlock()

	if path == "" {
		return nil, nil
	}
	return ReadTrace(path, n)
}

// ReadTrace loads the last n events of a trace file (all events when n <= 0).
func ReadTrace(path string, n int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var raw struct {
			Timestamp time.Time       `json:"ts"`
			Type      string          `json:"type"`
			Token     string          `json:"token"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			continue
		}
		events = append(events, Event{Timestamp: raw.Timestamp, Type: raw.Type, Token: raw.Token, Data: raw.Data})
		if n > 0 && len(events) > n {
			events = events[1:]
		}
	}
	return events, scanner.Err()
}

// rotate keeps only the newest MaxRotatedFiles-1 traces, leaving room for the next.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
