package expression

import (
	"fmt"
	"sync"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
)

// Evaluator validates and evaluates route conditions
type Evaluator interface {
	IsValidExpressionStatement(statement string) bool
	EvaluateConditional(statement string, e *event.Event) (bool, error)
}

// EvaluationError reports a statement that could not be parsed or did not
// produce a boolean for a given event
type EvaluationError struct {
	Statement string
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("unable to evaluate %q: %v", e.Statement, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// ConditionalEvaluator parses statements once and caches the result.
// It is safe for concurrent use.
type ConditionalEvaluator struct {
	mu    sync.RWMutex
	cache map[string]node
}

// NewEvaluator creates an evaluator with an empty statement cache
func NewEvaluator() *ConditionalEvaluator {
	return &ConditionalEvaluator{cache: make(map[string]node)}
}

func (c *ConditionalEvaluator) compile(statement string) (node, error) {
	c.mu.RLock()
	n, ok := c.cache[statement]
	c.mu.RUnlock()
	if ok {
		return n, nil
	}

	n, err := parse(statement)
	if err != nil {
		return nil, errors.WrapInvalid(
			&EvaluationError{Statement: statement, Err: fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)},
			"ConditionalEvaluator", "compile", "parse statement")
	}

	c.mu.Lock()
	c.cache[statement] = n
	c.mu.Unlock()
	return n, nil
}

// IsValidExpressionStatement reports whether statement parses
func (c *ConditionalEvaluator) IsValidExpressionStatement(statement string) bool {
	_, err := c.compile(statement)
	return err == nil
}

// EvaluateConditional evaluates statement against e. The statement must
// produce a boolean.
func (c *ConditionalEvaluator) EvaluateConditional(statement string, e *event.Event) (bool, error) {
	n, err := c.compile(statement)
	if err != nil {
		return false, err
	}
	if e == nil {
		e = &event.Event{}
	}

	v, err := n.eval(e)
	if err != nil {
		return false, errors.WrapInvalid(
			&EvaluationError{Statement: statement, Err: err},
			"ConditionalEvaluator", "EvaluateConditional", "evaluate statement")
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.WrapInvalid(
			&EvaluationError{Statement: statement, Err: fmt.Errorf("result is %T, not a boolean", v)},
			"ConditionalEvaluator", "EvaluateConditional", "evaluate statement")
	}
	return b, nil
}

// CacheSize returns how many statements are cached
func (c *ConditionalEvaluator) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
