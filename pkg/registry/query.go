package registry

import (
	"fmt"
)

// Query is the outcome of asking a module something: either a value or
// Unavailable with the reason. Callers substitute a default with Or.
type Query[T any] struct {
	Kind      Kind
	Operation string
	Value     T
	OK        bool
	Reason    string
	Err       error
}

func Ok[T any](kind Kind, op string, v T) Query[T] {
	return Query[T]{Kind: kind, Operation: op, Value: v, OK: true}
}

func Unavailable[T any](kind Kind, op, reason string, err error) Query[T] {
	return Query[T]{Kind: kind, Operation: op, Reason: reason, Err: err}
}

func (q Query[T]) Or(def T) T {
	if q.OK {
		return q.Value
	}
	return def
}

// Fact is the audit line recorded when a default replaced the answer.
func (q Query[T]) Fact() string {
	return fmt.Sprintf("%s.%s: %s", q.Kind, q.Operation, q.Reason)
}

// Ask resolves kind, asserts it to M and runs fn. A missing module, a handle of
// the wrong type, an error or a panic all come back as Unavailable.
func Ask[M, T any](r *Registry, kind Kind, op string, fn func(M) (T, error)) (q Query[T]) {
	if r == nil {
		return Unavailable[T](kind, op, "registry not configured", nil)
	}
	handle, ok := r.Get(kind)
	if !ok {
		return Unavailable[T](kind, op, "module not set", nil)
	}
	m, ok := handle.(M)
	if !ok {
		return Unavailable[T](kind, op, fmt.Sprintf("handle %T has wrong type", handle), ErrWrongHandle)
	}
	defer func() {
		if rec := recover(); rec != nil {
			q = Unavailable[T](kind, op, fmt.Sprintf("module panicked: %v", rec), fmt.Errorf("panic: %v", rec))
		}
	}()
	v, err := fn(m)
	if err != nil {
		return Unavailable[T](kind, op, err.Error(), err)
	}
	return Ok(kind, op, v)
}

// Fallbacks collects the facts of every query that fell back to a default.
type Fallbacks struct {
	facts []string
}

// Use returns q's value or def, recording the substitution.
func Use[T any](f *Fallbacks, q Query[T], def T) T {
	if !q.OK && f != nil {
		f.facts = append(f.facts, q.Fact())
	}
	return q.Or(def)
}

func (f *Fallbacks) Add(fact string) {
	if f == nil || fact == "" {
		return
	}
	f.facts = append(f.facts, fact)
}

func (f *Fallbacks) List() []string {
	if f == nil || len(f.facts) == 0 {
		return nil
	}
	return append([]string(nil), f.facts...)
}

func (f *Fallbacks) Empty() bool {
	return f == nil || len(f.facts) == 0
}
