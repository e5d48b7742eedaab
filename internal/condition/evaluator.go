package condition

import (
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/relaybase/relay/internal/events"
)

var celNewEnv = cel.NewEnv

// MaxCacheSize is the maximum number of CEL programs to cache.
const MaxCacheSize = 1000

// Evaluator matches events against condition trees. Evaluation is pure:
// no I/O, deterministic for a given (condition, event) pair. Safe for
// concurrent use.
type Evaluator struct {
	env        *cel.Env
	prgCache   map[string]cel.Program
	cacheOrder []string // insertion order for simple FIFO eviction
	cacheMutex sync.RWMutex
}

// NewEvaluator creates an Evaluator with a CEL environment exposing the
// event document as 'doc' plus 'table' and 'key' coordinates.
func NewEvaluator() (*Evaluator, error) {
	env, err := celNewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("table", cel.StringType),
		cel.Variable("key", cel.StringType),
	)
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		env:        env,
		prgCache:   make(map[string]cel.Program),
		cacheOrder: make([]string, 0, MaxCacheSize),
	}, nil
}

// Eval walks the tree once, short-circuiting and/or. A data-dependent
// mismatch (comparing a string to a number) is a non-match, not an error;
// errors are reserved for malformed conditions and failed expressions.
func (e *Evaluator) Eval(c *Condition, ev *events.Event) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("malformed condition: nil node")
	}
	switch c.Kind {
	case KindAll:
		return true, nil

	case KindEq:
		v, ok := resolveField(c.Field, ev)
		if !ok {
			return false, nil
		}
		return valueEqual(v, c.Value), nil

	case KindExists:
		_, ok := resolveField(c.Field, ev)
		return ok, nil

	case KindGT, KindGTE, KindLT, KindLTE:
		v, ok := resolveField(c.Field, ev)
		if !ok {
			return false, nil
		}
		cmp, ok := compareValues(v, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Kind {
		case KindGT:
			return cmp > 0, nil
		case KindGTE:
			return cmp >= 0, nil
		case KindLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case KindIn:
		v, ok := resolveField(c.Field, ev)
		if !ok {
			return false, nil
		}
		for _, want := range c.Values {
			if valueEqual(v, want) {
				return true, nil
			}
		}
		return false, nil

	case KindAnd:
		for _, ch := range c.Children {
			ok, err := e.Eval(ch, ev)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindOr:
		for _, ch := range c.Children {
			ok, err := e.Eval(ch, ev)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KindNot:
		if len(c.Children) != 1 {
			return false, fmt.Errorf("malformed condition: not requires exactly one child")
		}
		ok, err := e.Eval(c.Children[0], ev)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case KindExpr:
		return e.evalExpr(c.Expr, ev)

	default:
		return false, fmt.Errorf("malformed condition: unknown kind %q", c.Kind)
	}
}

// Check validates the tree and compiles every expr leaf, so malformed
// conditions are rejected at subscription-create time rather than
// discovered during fanout.
func (e *Evaluator) Check(c *Condition) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return e.checkExprs(c)
}

func (e *Evaluator) checkExprs(c *Condition) error {
	if c.Kind == KindExpr {
		if _, err := e.getProgram(c.Expr); err != nil {
			return fmt.Errorf("malformed condition: %w", err)
		}
	}
	for _, ch := range c.Children {
		if err := e.checkExprs(ch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) evalExpr(src string, ev *events.Event) (bool, error) {
	prg, err := e.getProgram(src)
	if err != nil {
		return false, fmt.Errorf("failed to get CEL program: %w", err)
	}

	doc := ev.Document
	if doc == nil {
		doc = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"doc":   doc,
		"table": ev.Table,
		"key":   ev.Key,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL condition must return boolean, got %T", out.Value())
	}
	return match, nil
}

func (e *Evaluator) getProgram(src string) (cel.Program, error) {
	e.cacheMutex.RLock()
	prg, ok := e.prgCache[src]
	e.cacheMutex.RUnlock()
	if ok {
		return prg, nil
	}

	e.cacheMutex.Lock()
	defer e.cacheMutex.Unlock()

	// Double check
	if prg, ok := e.prgCache[src]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	// Evict oldest entry if cache is full (simple FIFO)
	if len(e.prgCache) >= MaxCacheSize {
		oldest := e.cacheOrder[0]
		delete(e.prgCache, oldest)
		e.cacheOrder = e.cacheOrder[1:]
		log.Printf("[Info] CEL cache full, evicted oldest entry")
	}

	e.prgCache[src] = prg
	e.cacheOrder = append(e.cacheOrder, src)
	return prg, nil
}

// resolveField resolves a field path against the event. Intrinsics address
// the event coordinates; anything else is a dotted path into the document.
func resolveField(field string, ev *events.Event) (any, bool) {
	switch field {
	case FieldTable:
		return ev.Table, true
	case FieldKey:
		return ev.Key, true
	}

	cur := any(ev.Document)
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valueEqual compares a resolved field value with a condition constant.
// Numbers compare numerically regardless of concrete type; everything else
// falls back to deep equality.
func valueEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values. Returns (cmp, true) when comparable:
// both numeric or both strings.
func compareValues(a, b any) (int, bool) {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
