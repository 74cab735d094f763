package store

import (
	"bytes"

	"github.com/cockroachdb/errors"
)

// ConditionKind selects how a mutation is guarded.
type ConditionKind int

const (
	ConditionNone ConditionKind = iota
	ConditionIfNotExists
	ConditionIfExists
	// ConditionIf requires the record to exist and every expression to hold.
	ConditionIf
)

type Operator int

const (
	OperatorEQ Operator = iota
	OperatorNE
)

// Expression compares one column of the current record with Value.
// A missing column never equals anything.
type Expression struct {
	Column   string
	Value    []byte
	Operator Operator
}

func Eq(column string, value []byte) Expression {
	return Expression{Column: column, Value: value, Operator: OperatorEQ}
}

func Ne(column string, value []byte) Expression {
	return Expression{Column: column, Value: value, Operator: OperatorNE}
}

type Condition struct {
	Kind        ConditionKind
	Expressions []Expression
}

func IfNotExists() *Condition {
	return &Condition{Kind: ConditionIfNotExists}
}

func IfExists() *Condition {
	return &Condition{Kind: ConditionIfExists}
}

func If(exprs ...Expression) *Condition {
	return &Condition{Kind: ConditionIf, Expressions: exprs}
}

func (c *Condition) validate(op OpType) error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case ConditionNone, ConditionIfExists:
		return nil
	case ConditionIfNotExists:
		if op == OpTypeDelete {
			return errors.Wrap(ErrInvalidCondition, "delete cannot require absence")
		}
		return nil
	case ConditionIf:
		if len(c.Expressions) == 0 {
			return errors.Wrap(ErrInvalidCondition, "no expressions")
		}
		return nil
	}
	return errors.Wrapf(ErrInvalidCondition, "unknown kind %d", c.Kind)
}

// check evaluates c against the current record; current is nil when the
// record does not exist.
func (c *Condition) check(current *Record) error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case ConditionNone:
		return nil
	case ConditionIfNotExists:
		if current != nil {
			return errors.Wrap(ErrNoMutation, "record exists")
		}
	case ConditionIfExists:
		if current == nil {
			return errors.Wrap(ErrNoMutation, "record does not exist")
		}
	case ConditionIf:
		if current == nil {
			return errors.Wrap(ErrNoMutation, "record does not exist")
		}
		for _, e := range c.Expressions {
			if !e.holds(current) {
				return errors.Wrapf(ErrNoMutation, "condition on %q not met", e.Column)
			}
		}
	}
	return nil
}

func (e Expression) holds(r *Record) bool {
	v, ok := r.Values[e.Column]
	eq := ok && bytes.Equal(v, e.Value)
	if e.Operator == OperatorNE {
		return !eq
	}
	return eq
}

// applyMutation returns the record that results from m over current, or nil
// when the record is deleted.
func applyMutation(current *Record, m Mutation) (*Record, error) {
	switch mut := m.(type) {
	case *Put:
		next := current.clone()
		if next == nil {
			next = &Record{Target: mut.Target, Values: make(map[string][]byte, len(mut.Values))}
		}
		for k, v := range mut.Values {
			next.Values[k] = bytes.Clone(v)
		}
		return next, nil
	case *Delete:
		return nil, nil
	}
	return nil, errors.Wrapf(ErrUnknownOp, "%T", m)
}
