// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ActionableError is a user-facing error: what failed, on which
	// resource, and what the user can do about it.
	//
	//	err := issue.NewErrorContext().
	//		WithOperation("load package").
	//		WithResource("./package.toml").
	//		WithSuggestion("Run 'wineyard manifest check ./package.toml'").
	//		Wrap(originalErr).
	//		BuildError()
	ActionableError struct {
		// Operation is a verb phrase such as "load package".
		Operation string
		// Resource is the file, URI or package involved (optional).
		Resource string
		// Suggestions are remediation hints (optional).
		Suggestions []string
		// Cause is the underlying error (optional).
		Cause error
	}

	// ErrorContext builds an ActionableError incrementally.
	ErrorContext struct {
		operation   string
		resource    string
		suggestions []string
		cause       error
	}
)

// NewErrorContext creates a new ErrorContext builder.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{}
}

// Wrap attaches operation and resource context to err. It returns nil for a
// nil err.
func Wrap(err error, operation, resource string, suggestions ...string) error {
	if err == nil {
		return nil
	}
	return &ActionableError{
		Operation:   operation,
		Resource:    resource,
		Suggestions: suggestions,
		Cause:       err,
	}
}

// Error returns "failed to <operation>: <resource>: <cause>".
func (e *ActionableError) Error() string {
	var msg strings.Builder

	msg.WriteString("failed to ")
	msg.WriteString(e.Operation)
	if e.Resource != "" {
		msg.WriteString(": ")
		msg.WriteString(e.Resource)
	}
	if e.Cause != nil {
		msg.WriteString(": ")
		msg.WriteString(e.Cause.Error())
	}

	return msg.String()
}

// Unwrap returns the cause.
func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format renders the message followed by one bullet per suggestion. In
// verbose mode the numbered cause chain is appended.
func (e *ActionableError) Format(verbose bool) string {
	var msg strings.Builder

	msg.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		msg.WriteString("\n")
		for _, suggestion := range e.Suggestions {
			msg.WriteString("\n  • ")
			msg.WriteString(suggestion)
		}
	}

	if verbose && e.Cause != nil {
		msg.WriteString("\n\nError chain:")
		depth := 1
		for err := e.Cause; err != nil; err = errors.Unwrap(err) {
			fmt.Fprintf(&msg, "\n  %d. %s", depth, err.Error())
			depth++
		}
	}

	return msg.String()
}

// HasSuggestions reports whether any suggestion is attached.
func (e *ActionableError) HasSuggestions() bool {
	return len(e.Suggestions) > 0
}

// WithOperation sets the operation being performed.
func (c *ErrorContext) WithOperation(op string) *ErrorContext {
	c.operation = op
	return c
}

// WithResource sets the resource involved.
func (c *ErrorContext) WithResource(res string) *ErrorContext {
	c.resource = res
	return c
}

// WithSuggestion appends a suggestion.
func (c *ErrorContext) WithSuggestion(sug string) *ErrorContext {
	c.suggestions = append(c.suggestions, sug)
	return c
}

// WithSuggestions appends several suggestions.
func (c *ErrorContext) WithSuggestions(sugs ...string) *ErrorContext {
	c.suggestions = append(c.suggestions, sugs...)
	return c
}

// Wrap sets the underlying cause.
func (c *ErrorContext) Wrap(err error) *ErrorContext {
	c.cause = err
	return c
}

// Build creates the ActionableError, or nil when no operation is set.
func (c *ErrorContext) Build() *ActionableError {
	if c.operation == "" {
		return nil
	}

	return &ActionableError{
		Operation:   c.operation,
		Resource:    c.resource,
		Suggestions: append([]string(nil), c.suggestions...),
		Cause:       c.cause,
	}
}

// BuildError is Build returned as an error, keeping a nil result untyped.
func (c *ErrorContext) BuildError() error {
	ae := c.Build()
	if ae == nil {
		return nil
	}
	return ae
}
