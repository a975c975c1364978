// Package expression implements the condition language used by pipeline
// routes.
//
// A condition is a boolean expression over JSON pointer paths into an
// event:
//
//	/status == 200
//	/level in {"ERROR", "WARN"} and not /debug
//	/message =~ "^timeout" or length(/tags) > 3
//	contains(/tags, "canary")
//
// Supported operators, from lowest to highest precedence: or, and, not,
// then the comparisons == != < <= > >= =~ !~ in and not in. Literals are
// numbers, double-quoted strings, true, false and null. Parentheses group.
//
// Parsed statements are cached, so evaluating the same condition against
// many events only parses it once.
package expression
