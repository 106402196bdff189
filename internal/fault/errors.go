// Package fault defines the error taxonomy shared by the shard routing and
// federation layer.
//
// Errors that callers need to branch on are *Error values carrying a Code.
// Use the IsXxx helpers (which unwrap via errors.As) instead of comparing
// messages.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes routing and write-path failures.
type Code string

const (
	// CodeInvalidIDFormat indicates a malformed universal id.
	CodeInvalidIDFormat Code = "INVALID_ID_FORMAT"

	// CodeUnresolvedMapping indicates the shard or type hash of an id could
	// not be mapped back to its plaintext value.
	CodeUnresolvedMapping Code = "UNRESOLVED_MAPPING"

	// CodeUnknownShard indicates an id decoded to a shard this process does
	// not know about.
	CodeUnknownShard Code = "UNKNOWN_SHARD"

	// CodeNoCapacity indicates no shard is eligible for new writes.
	CodeNoCapacity Code = "NO_CAPACITY_AVAILABLE"

	// CodeUniqueViolation indicates a global uniqueness constraint would be broken.
	CodeUniqueViolation Code = "UNIQUE_CONSTRAINT_VIOLATION"

	// CodeNotFound indicates the addressed record does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidArgument indicates a rejected table, column, or option.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Error is a classified failure from the routing layer.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// ShardID identifies the affected shard, if any.
	ShardID string

	// Table identifies the affected table, if any.
	Table string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause (optional).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ctx []string
	if e.ShardID != "" {
		ctx = append(ctx, "shard="+e.ShardID)
	}
	if e.Table != "" {
		ctx = append(ctx, "table="+e.Table)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return code != "" && CodeOf(err) == code
}

// IsInvalidID returns true for malformed-id errors.
func IsInvalidID(err error) bool { return Is(err, CodeInvalidIDFormat) }

// IsUnresolvedMapping returns true when an id could not be decoded from a cold cache.
func IsUnresolvedMapping(err error) bool { return Is(err, CodeUnresolvedMapping) }

// IsUnknownShard returns true when an id points at an unregistered shard.
func IsUnknownShard(err error) bool { return Is(err, CodeUnknownShard) }

// IsNoCapacity returns true when no shard can accept writes.
func IsNoCapacity(err error) bool { return Is(err, CodeNoCapacity) }

// IsUniqueViolation returns true for global uniqueness violations.
func IsUniqueViolation(err error) bool { return Is(err, CodeUniqueViolation) }

// IsNotFound returns true when the addressed record does not exist.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsInvalidArgument returns true for rejected tables, columns, or options.
func IsInvalidArgument(err error) bool { return Is(err, CodeInvalidArgument) }

// InvalidID creates an Error for a malformed id.
func InvalidID(id string, reason string) *Error {
	return &Error{
		Code:    CodeInvalidIDFormat,
		Message: reason,
		Details: map[string]string{"id": id},
	}
}

// UnresolvedMapping creates an Error for a hash with no known plaintext.
func UnresolvedMapping(kind, code string) *Error {
	return &Error{
		Code:    CodeUnresolvedMapping,
		Message: fmt.Sprintf("no %s mapping for hash %q", kind, code),
		Details: map[string]string{"kind": kind, "hash": code},
	}
}

// UnknownShard creates an Error for an unregistered shard.
func UnknownShard(shardID string) *Error {
	return &Error{
		Code:    CodeUnknownShard,
		Message: "shard is not registered",
		ShardID: shardID,
	}
}

// NoCapacity creates an Error for exhausted write capacity.
func NoCapacity(shards int) *Error {
	return &Error{
		Code:    CodeNoCapacity,
		Message: fmt.Sprintf("no write-eligible shard among %d", shards),
	}
}

// UniqueViolation creates an Error naming the violated constraint values.
func UniqueViolation(table string, values map[string]string) *Error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, values[k]))
	}
	return &Error{
		Code:    CodeUniqueViolation,
		Message: "duplicate value for " + strings.Join(parts, ", "),
		Table:   table,
		Details: values,
	}
}

// NotFound creates an Error for a missing record.
func NotFound(table, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("record %q not found", id),
		Table:   table,
		Details: map[string]string{"id": id},
	}
}

// InvalidArgument creates an Error for a rejected input.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidArgument,
		Message: fmt.Sprintf(format, args...),
	}
}
