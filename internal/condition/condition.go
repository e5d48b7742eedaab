// Package condition implements the predicate trees attached to
// subscriptions. A condition is evaluated against each update event to
// decide whether the event is fanned out to that subscription's channel.
package condition

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates condition node variants.
type Kind string

const (
	// KindAll matches every event.
	KindAll Kind = "all"
	// KindEq matches when a field equals a constant.
	KindEq Kind = "eq"
	// KindExists matches when a field is present.
	KindExists Kind = "exists"
	// Ordered comparisons over numbers and strings.
	KindGT  Kind = "gt"
	KindGTE Kind = "gte"
	KindLT  Kind = "lt"
	KindLTE Kind = "lte"
	// KindIn matches when a field equals any listed constant.
	KindIn Kind = "in"
	// Combinators.
	KindAnd Kind = "and"
	KindOr  Kind = "or"
	KindNot Kind = "not"
	// KindExpr evaluates a CEL expression over the event.
	KindExpr Kind = "expr"
)

// Intrinsic field paths addressing event coordinates instead of
// document fields.
const (
	FieldTable = "~table"
	FieldKey   = "~key"
)

// Condition is one node of a predicate tree. The zero value is invalid;
// use the constructors or Parse.
type Condition struct {
	Kind     Kind         `json:"kind"`
	Field    string       `json:"field,omitempty"`
	Value    any          `json:"value,omitempty"`
	Values   []any        `json:"values,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	Children []*Condition `json:"children,omitempty"`
}

// Constructors.

func All() *Condition                       { return &Condition{Kind: KindAll} }
func Eq(field string, v any) *Condition     { return &Condition{Kind: KindEq, Field: field, Value: v} }
func Exists(field string) *Condition        { return &Condition{Kind: KindExists, Field: field} }
func GT(field string, v any) *Condition     { return &Condition{Kind: KindGT, Field: field, Value: v} }
func GTE(field string, v any) *Condition    { return &Condition{Kind: KindGTE, Field: field, Value: v} }
func LT(field string, v any) *Condition     { return &Condition{Kind: KindLT, Field: field, Value: v} }
func LTE(field string, v any) *Condition    { return &Condition{Kind: KindLTE, Field: field, Value: v} }
func In(field string, vs ...any) *Condition { return &Condition{Kind: KindIn, Field: field, Values: vs} }
func And(cs ...*Condition) *Condition       { return &Condition{Kind: KindAnd, Children: cs} }
func Or(cs ...*Condition) *Condition        { return &Condition{Kind: KindOr, Children: cs} }
func Not(c *Condition) *Condition           { return &Condition{Kind: KindNot, Children: []*Condition{c}} }
func Expr(src string) *Condition            { return &Condition{Kind: KindExpr, Expr: src} }

// Parse decodes a persisted condition and validates its structure.
func Parse(data []byte) (*Condition, error) {
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed condition: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Encode serializes the condition for persistence.
func (c *Condition) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Validate checks the tree structurally. It does not compile expr leaves;
// Evaluator.Check does that in addition.
func (c *Condition) Validate() error {
	if c == nil {
		return fmt.Errorf("malformed condition: nil node")
	}
	switch c.Kind {
	case KindAll:
		return nil
	case KindEq, KindGT, KindGTE, KindLT, KindLTE:
		if c.Field == "" {
			return fmt.Errorf("malformed condition: %s requires a field", c.Kind)
		}
		if c.Value == nil {
			return fmt.Errorf("malformed condition: %s requires a value", c.Kind)
		}
		return nil
	case KindExists:
		if c.Field == "" {
			return fmt.Errorf("malformed condition: exists requires a field")
		}
		return nil
	case KindIn:
		if c.Field == "" {
			return fmt.Errorf("malformed condition: in requires a field")
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("malformed condition: in requires at least one value")
		}
		return nil
	case KindAnd, KindOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("malformed condition: %s requires at least one child", c.Kind)
		}
		for _, ch := range c.Children {
			if err := ch.Validate(); err != nil {
				return err
			}
		}
		return nil
	case KindNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("malformed condition: not requires exactly one child")
		}
		return c.Children[0].Validate()
	case KindExpr:
		if c.Expr == "" {
			return fmt.Errorf("malformed condition: expr requires an expression")
		}
		return nil
	default:
		return fmt.Errorf("malformed condition: unknown kind %q", c.Kind)
	}
}
