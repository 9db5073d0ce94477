// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{"operation_only", &ActionableError{Operation: "load package"}, "failed to load package"},
		{
			"with_resource",
			&ActionableError{Operation: "load package", Resource: "./package.toml"},
			"failed to load package: ./package.toml",
		},
		{
			"with_cause",
			&ActionableError{Operation: "fetch resource", Resource: "https://example.org/a", Cause: errors.New("timeout")},
			"failed to fetch resource: https://example.org/a: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionableError_ErrorsIs(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("sentinel")
	err := Wrap(fmt.Errorf("outer: %w", sentinel), "verify lock file", "package.lock")
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is should find the wrapped sentinel")
	}
	var ae *ActionableError
	if !errors.As(err, &ae) || ae.Resource != "package.lock" {
		t.Errorf("errors.As() = %+v", ae)
	}
	if Wrap(nil, "anything", "") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := &ActionableError{
		Operation:   "fetch resource",
		Suggestions: []string{"Check the network", "Raise fetch.retries"},
		Cause:       fmt.Errorf("dial: %w", root),
	}

	short := err.Format(false)
	if !strings.Contains(short, "  • Check the network") || !strings.Contains(short, "  • Raise fetch.retries") {
		t.Errorf("Format(false) missing suggestions:\n%s", short)
	}
	if strings.Contains(short, "Error chain") {
		t.Errorf("Format(false) should not include the chain:\n%s", short)
	}

	long := err.Format(true)
	if !strings.Contains(long, "1. dial: connection refused") || !strings.Contains(long, "2. connection refused") {
		t.Errorf("Format(true) chain:\n%s", long)
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	if NewErrorContext().WithResource("x").Build() != nil {
		t.Error("Build() without an operation should be nil")
	}
	if NewErrorContext().BuildError() != nil {
		t.Error("BuildError() without an operation should be an untyped nil")
	}

	cause := errors.New("boom")
	ae := NewErrorContext().
		WithOperation("load configuration").
		WithResource("config.cue").
		WithSuggestion("one").
		WithSuggestions("two", "three").
		Wrap(cause).
		Build()
	if ae.Operation != "load configuration" || ae.Resource != "config.cue" || ae.Cause != cause {
		t.Errorf("Build() = %+v", ae)
	}
	if len(ae.Suggestions) != 3 || !ae.HasSuggestions() {
		t.Errorf("Suggestions = %v", ae.Suggestions)
	}
}

func TestErrorContext_BuildDoesNotAlias(t *testing.T) {
	t.Parallel()

	ctx := NewErrorContext().WithOperation("op").WithSuggestion("first")
	a := ctx.Build()
	ctx.WithSuggestion("second")
	b := ctx.Build()

	if len(a.Suggestions) != 1 || len(b.Suggestions) != 2 {
		t.Errorf("suggestions a=%v b=%v", a.Suggestions, b.Suggestions)
	}
}
