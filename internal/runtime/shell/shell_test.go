// SPDX-License-Identifier: MPL-2.0

package shell

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSandbox struct {
	inputs map[string]string
	order  []string

	mu      sync.Mutex
	written map[string]string
	logs    []string
}

func newFakeSandbox(inputs ...string) *fakeSandbox {
	sb := &fakeSandbox{inputs: make(map[string]string), written: make(map[string]string)}
	for i := 0; i+1 < len(inputs); i += 2 {
		sb.inputs[inputs[i]] = inputs[i+1]
		sb.order = append(sb.order, inputs[i])
	}
	return sb
}

func (f *fakeSandbox) ReadInput(name string) ([]byte, error) {
	data, ok := f.inputs[name]
	if !ok {
		return nil, fmt.Errorf("no input %q", name)
	}
	return []byte(data), nil
}

func (f *fakeSandbox) ListInputs() []string { return f.order }

func (f *fakeSandbox) WriteOutput(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "forbidden" {
		return errors.New("undeclared")
	}
	f.written[name] = string(data)
	return nil
}

func (f *fakeSandbox) Log(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, line)
}

func (f *fakeSandbox) hasLog(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.ContainsFunc(f.logs, func(l string) bool { return strings.Contains(l, substr) })
}

func run(t *testing.T, script string, sb *fakeSandbox) error {
	t.Helper()
	return New(1).Evaluate(t.Context(), "test.sh", []byte(script), sb)
}

func TestEvaluate_CopiesInputToOutput(t *testing.T) {
	t.Parallel()

	sb := newFakeSandbox("greeting", "hello")
	if err := run(t, "read_input greeting | write_output copy\nwrite_output inline 'from args'\n", sb); err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if sb.written["copy"] != "hello" {
		t.Errorf("copy = %q", sb.written["copy"])
	}
	if sb.written["inline"] != "from args" {
		t.Errorf("inline = %q", sb.written["inline"])
	}
}

func TestEvaluate_ListInputsAndLog(t *testing.T) {
	t.Parallel()

	sb := newFakeSandbox("a", "1", "b", "2")
	script := `
for name in $(list_inputs); do
	log "input:$name"
done
echo "plain output"
log "version:$WINEYARD_RUNTIME_VERSION home:$HOME"
`
	if err := run(t, script, sb); err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	for _, want := range []string{"input:a", "input:b", "plain output", "version:1 home:"} {
		if !sb.hasLog(want) {
			t.Errorf("missing log %q in %q", want, sb.logs)
		}
	}
}

func TestEvaluate_RefusesOutsideAccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
	}{
		{"external command", "ls /\n"},
		{"absolute command", "/bin/sh -c true\n"},
		{"file write", "echo hi > out.txt\n"},
		{"file read", "read line < /etc/passwd\n"},
		{"source", ". /etc/profile\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sb := newFakeSandbox()
			err := run(t, tt.script, sb)
			if err == nil {
				t.Fatal("Evaluate() should fail")
			}
		})
	}
}

func TestEvaluate_DevNullAllowed(t *testing.T) {
	t.Parallel()

	sb := newFakeSandbox()
	if err := run(t, "echo quiet > /dev/null\nlog done\n", sb); err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if sb.hasLog("quiet") || !sb.hasLog("done") {
		t.Errorf("logs = %q", sb.logs)
	}
}

func TestEvaluate_SandboxErrorsReachTheModule(t *testing.T) {
	t.Parallel()

	sb := newFakeSandbox()
	err := run(t, "write_output forbidden x || log recovered\n", sb)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !sb.hasLog("recovered") || !sb.hasLog("write_output: undeclared") {
		t.Errorf("logs = %q", sb.logs)
	}

	err = run(t, "read_input missing\n", newFakeSandbox())
	if !errors.Is(err, ErrExitStatus) {
		t.Errorf("Evaluate() error = %v, want ErrExitStatus", err)
	}
}

func TestEvaluate_ParseError(t *testing.T) {
	t.Parallel()

	if err := run(t, "if then fi (\n", newFakeSandbox()); err == nil {
		t.Error("Evaluate() should fail on invalid syntax")
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := New(1).Evaluate(ctx, "loop.sh", []byte("while true; do :; done\n"), newFakeSandbox())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Evaluate() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestEvaluator_Metadata(t *testing.T) {
	t.Parallel()

	e := New(1)
	if e.Name() != Dialect || !slices.Equal(e.Extensions(), []string{".sh"}) {
		t.Errorf("Name() = %q, Extensions() = %v", e.Name(), e.Extensions())
	}
}
