// Package errors provides standardized error handling for eventpipe.
//
// # Error Classification
//
// Every error that crosses a package boundary is either:
//
//   - Transient: buffer timeouts, open circuit breakers, peer connection
//     failures. Callers may retry, back off or fall back to local processing.
//   - Invalid: malformed configuration, unknown plugins, bad route
//     conditions, batches larger than a buffer. Retrying cannot help.
//   - Fatal: unrecoverable resource states.
//
// Classification survives wrapping, so errors.Is and errors.As work along
// the whole chain.
//
// # Wrapping
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// using Wrap, WrapTransient, WrapInvalid and WrapFatal:
//
//	if err := buf.WriteAll(ctx, records, timeout); err != nil {
//	    return errors.WrapTransient(err, "Connector", "Output", "write downstream buffer")
//	}
//
// # Plugin errors
//
// Pipeline construction does not stop at the first broken plugin. Each
// failure is recorded as a PluginError scoped to its pipeline and collected
// in PluginErrors, which renders a single report grouped by pipeline:
//
//	2 plugin error(s) in 1 pipeline(s)
//	  pipeline "ingest":
//	    1. sink opensearch: unknown plugin
//	    2. route: invalid route condition
package errors
