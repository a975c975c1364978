package errors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and networking errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrInvalidAddress    = errors.New("invalid peer address")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Buffer capacity errors
	ErrSizeOverflow  = errors.New("batch size exceeds buffer capacity")
	ErrBufferTimeout = errors.New("timed out waiting for buffer capacity")

	// Configuration errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingConfig   = errors.New("missing required configuration")
	ErrUnknownPlugin   = errors.New("unknown plugin")
	ErrPipelineCycle   = errors.New("pipeline connector cycle")
	ErrInvalidRoute    = errors.New("invalid route condition")
	ErrPipelineMissing = errors.New("referenced pipeline not defined")

	// Resource errors
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrQueueFull         = errors.New("request queue full")

	// Circuit breaker and retry errors
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrBufferTimeout) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrResourceExhausted) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"fatal", "panic", "out of memory"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input or configuration
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrSizeOverflow) ||
		errors.Is(err, ErrUnknownPlugin) ||
		errors.Is(err, ErrPipelineCycle) ||
		errors.Is(err, ErrInvalidRoute)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}

	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Component types reported in a PluginError
const (
	ComponentSource    = "source"
	ComponentBuffer    = "buffer"
	ComponentProcessor = "processor"
	ComponentSink      = "sink"
	ComponentRoute     = "route"
	ComponentPipeline  = "pipeline"
)

// PluginError records a failure to construct one plugin of a pipeline.
type PluginError struct {
	Pipeline      string
	ComponentType string
	PluginName    string
	Err           error
}

// Error implements the error interface
func (pe *PluginError) Error() string {
	if pe.PluginName == "" {
		return fmt.Sprintf("%s.%s: %v", pe.Pipeline, pe.ComponentType, pe.Err)
	}
	return fmt.Sprintf("%s.%s.%s: %v", pe.Pipeline, pe.ComponentType, pe.PluginName, pe.Err)
}

// Unwrap returns the underlying error
func (pe *PluginError) Unwrap() error {
	return pe.Err
}

// PluginErrors collects plugin errors across a configuration run.
// The zero value is ready to use. It is not safe for concurrent use;
// pipelines are built sequentially.
type PluginErrors struct {
	errs []*PluginError
}

// Collect appends a plugin error
func (p *PluginErrors) Collect(pe *PluginError) {
	if pe == nil {
		return
	}
	p.errs = append(p.errs, pe)
}

// ForPipeline returns the errors scoped to a pipeline
func (p *PluginErrors) ForPipeline(pipeline string) []*PluginError {
	var out []*PluginError
	for _, pe := range p.errs {
		if pe.Pipeline == pipeline {
			out = append(out, pe)
		}
	}
	return out
}

// All returns every collected error
func (p *PluginErrors) All() []*PluginError {
	return p.errs
}

// Len returns the number of collected errors
func (p *PluginErrors) Len() int {
	return len(p.errs)
}

// Err returns the collection as an error, or nil when empty
func (p *PluginErrors) Err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return p
}

// Error renders a human-readable report grouped by pipeline.
func (p *PluginErrors) Error() string {
	byPipeline := make(map[string][]*PluginError)
	for _, pe := range p.errs {
		byPipeline[pe.Pipeline] = append(byPipeline[pe.Pipeline], pe)
	}
	names := make([]string, 0, len(byPipeline))
	for name := range byPipeline {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d plugin error(s) in %d pipeline(s)", len(p.errs), len(names))
	for _, name := range names {
		fmt.Fprintf(&b, "\n  pipeline %q:", name)
		for i, pe := range byPipeline[name] {
			target := pe.ComponentType
			if pe.PluginName != "" {
				target += " " + pe.PluginName
			}
			fmt.Fprintf(&b, "\n    %d. %s: %v", i+1, target, pe.Err)
		}
	}
	return b.String()
}

// Unwrap exposes the individual errors to errors.Is and errors.As
func (p *PluginErrors) Unwrap() []error {
	out := make([]error, len(p.errs))
	for i, pe := range p.errs {
		out[i] = pe
	}
	return out
}
