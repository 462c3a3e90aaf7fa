package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"webviewer-bridge/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed schema.mg
var builtinSchema []byte

// Fact is a diagnostic event emitted by the bridge or the controllers.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// derivedArity covers rules in the builtin schema so Evaluate works even when
// the analyzer does not surface declarations for derived predicates.
var derivedArity = map[string]int{
	"completed":      1,
	"pending_call":   2,
	"host_error":     2,
	"retried_script": 1,
	"stale_response": 2,
	"viewer_error":   1,
}

// Engine keeps a bounded buffer of facts and evaluates the diagnostics rules
// over them.
type Engine struct {
	cfg config.MangleConfig
	mu  sync.RWMutex

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	facts []Fact
	index map[string][]int
}

// NewEngine builds an engine from cfg. An empty schema path loads the builtin
// diagnostics rules.
func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:   cfg,
		store: factstore.NewSimpleInMemoryStore(),
		index: make(map[string][]int),
	}
	if !cfg.Enable {
		return e, nil
	}

	source := builtinSchema
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		source = data
	}
	if err := e.load(source); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load(source []byte) error {
	unit, err := parse.Unit(bytes.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	e.programInfo = programInfo
	e.mu.Unlock()
	return nil
}

// AddFacts buffers facts for rule evaluation. The store mirrors the buffer,
// so trimmed facts stop contributing to derived predicates.
// A disabled engine accepts and drops everything.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if e == nil || !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
		e.rebuildIndex()
		e.store = storeOf(e.facts)
		return nil
	}

	base := len(e.facts) - len(facts)
	for i, f := range facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		e.store.Add(toAtom(f))
	}
	return nil
}

// Evaluate returns every fact currently derivable for predicate. Rules run
// over a fresh copy of the buffered facts, so negated conditions reflect the
// current buffer rather than earlier evaluations.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if e == nil || !e.cfg.Enable || e.programInfo == nil {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	store := storeOf(e.facts)
	if err := engine.EvalProgram(e.programInfo, store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity, ok := derivedArity[predicate]
	if !ok {
		arity = -1
		for sym := range e.programInfo.Decls {
			if sym.Symbol == predicate {
				arity = sym.Arity
				break
			}
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	out := make([]Fact, 0)
	err := store.GetFacts(query, func(atom ast.Atom) error {
		out = append(out, fromAtom(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// FactsByPredicate returns buffered facts for predicate in arrival order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	out := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			out = append(out, e.facts[idx])
		}
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether rules are loaded (or the engine is disabled).
func (e *Engine) Ready() bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func storeOf(facts []Fact) factstore.FactStore {
	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		store.Add(toAtom(f))
	}
	return store
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func fromAtom(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = fromConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case uint64:
		return ast.Number(int64(val))
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromConstant(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType:
		if v, err := c.StringValue(); err == nil {
			return v
		}
	case ast.NumberType:
		if v, err := c.NumberValue(); err == nil {
			return v
		}
	case ast.Float64Type:
		if v, err := c.Float64Value(); err == nil {
			return v
		}
	}
	return c.String()
}
