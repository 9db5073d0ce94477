// SPDX-License-Identifier: MPL-2.0

// Package shell implements the module/sh evaluator: POSIX shell modules run
// by the in-process mvdan.cc/sh interpreter. Modules cannot start
// processes or open files. The only commands besides shell builtins are
// the sandbox commands:
//
//	read_input NAME          write the input's content to stdout
//	write_output NAME [DATA] publish DATA, or stdin, as the output NAME
//	list_inputs              print the input names, one per line
//	log MESSAGE...           record a log line
//
// Standard output and standard error of the module are recorded as log
// lines too.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/an-anime-team/wineyard/pkg/format"
)

const (
	// Dialect is the module/<dialect> secondary tag served by Evaluator.
	Dialect = "sh"

	// EnvRuntimeVersion is the only variable in a module's environment.
	EnvRuntimeVersion = "WINEYARD_RUNTIME_VERSION"

	devNull = "/dev/null"

	exitNotPermitted = 126
	exitNotFound     = 127
)

var (
	// ErrNotPermitted is returned for commands and files outside the sandbox.
	ErrNotPermitted = errors.New("not permitted in modules")

	// ErrExitStatus is wrapped by the error of a module exiting non-zero.
	ErrExitStatus = errors.New("module exited with non-zero status")
)

type (
	// Evaluator is the module/sh evaluator.
	Evaluator struct {
		runtimeVersion uint32
	}

	builtin func(ctx context.Context, sb format.Sandbox, args []string) error

	// logWriter turns written bytes into sandbox log lines.
	logWriter struct {
		mu  sync.Mutex
		sb  format.Sandbox
		buf bytes.Buffer
	}

	discard struct{}
)

var _ format.Evaluator = (*Evaluator)(nil)

var builtins = map[string]builtin{
	"read_input":   readInput,
	"write_output": writeOutput,
	"list_inputs":  listInputs,
	"log":          logLine,
}

// New creates the evaluator for a runtime version.
func New(runtimeVersion uint32) *Evaluator {
	return &Evaluator{runtimeVersion: runtimeVersion}
}

// Name implements format.Capability.
func (*Evaluator) Name() string { return Dialect }

// Extensions implements format.Evaluator.
func (*Evaluator) Extensions() []string { return []string{".sh"} }

// Evaluate implements format.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, module string, source []byte, sb format.Sandbox) error {
	prog, err := syntax.NewParser().Parse(bytes.NewReader(source), module)
	if err != nil {
		return fmt.Errorf("failed to parse module: %w", err)
	}

	stdout := &logWriter{sb: sb}
	stderr := &logWriter{sb: sb}
	defer stdout.Flush()
	defer stderr.Flush()

	runner, err := interp.New(
		interp.Env(expand.ListEnviron(EnvRuntimeVersion+"="+strconv.FormatUint(uint64(e.runtimeVersion), 10))),
		interp.StdIO(strings.NewReader(""), stdout, stderr),
		interp.ExecHandlers(execHandler(sb)),
		interp.OpenHandler(openHandler),
		interp.StatHandler(statHandler),
		interp.ReadDirHandler2(readDirHandler),
	)
	if err != nil {
		return fmt.Errorf("failed to create interpreter: %w", err)
	}

	if err := runner.Run(ctx, prog); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			return fmt.Errorf("%w: %d", ErrExitStatus, exitStatus)
		}
		return fmt.Errorf("module execution failed: %w", err)
	}
	return nil
}

// execHandler serves the sandbox commands and refuses everything else;
// the default handler that would start processes is never called.
func execHandler(sb format.Sandbox) func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			hc := interp.HandlerCtx(ctx)
			if fn, ok := builtins[args[0]]; ok {
				if err := fn(ctx, sb, args[1:]); err != nil {
					_, _ = fmt.Fprintf(hc.Stderr, "%s: %v\n", args[0], err)
					return interp.ExitStatus(1)
				}
				return nil
			}
			_, _ = fmt.Fprintf(hc.Stderr, "%s: command %v\n", args[0], ErrNotPermitted)
			if strings.ContainsRune(args[0], '/') {
				return interp.ExitStatus(exitNotPermitted)
			}
			return interp.ExitStatus(exitNotFound)
		}
	}
}

func readInput(ctx context.Context, sb format.Sandbox, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: read_input NAME")
	}
	data, err := sb.ReadInput(args[0])
	if err != nil {
		return err
	}
	_, err = interp.HandlerCtx(ctx).Stdout.Write(data)
	return err
}

func writeOutput(ctx context.Context, sb format.Sandbox, args []string) error {
	var data []byte
	switch len(args) {
	case 1:
		if stdin := interp.HandlerCtx(ctx).Stdin; stdin != nil {
			var err error
			if data, err = io.ReadAll(stdin); err != nil {
				return err
			}
		}
	case 2:
		data = []byte(args[1])
	default:
		return errors.New("usage: write_output NAME [DATA]")
	}
	return sb.WriteOutput(args[0], data)
}

func listInputs(ctx context.Context, sb format.Sandbox, args []string) error {
	if len(args) != 0 {
		return errors.New("usage: list_inputs")
	}
	stdout := interp.HandlerCtx(ctx).Stdout
	for _, name := range sb.ListInputs() {
		if _, err := fmt.Fprintln(stdout, name); err != nil {
			return err
		}
	}
	return nil
}

func logLine(_ context.Context, sb format.Sandbox, args []string) error {
	sb.Log(strings.Join(args, " "))
	return nil
}

func openHandler(_ context.Context, path string, _ int, _ os.FileMode) (io.ReadWriteCloser, error) {
	if path == devNull {
		return discard{}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: path, Err: ErrNotPermitted}
}

func statHandler(_ context.Context, name string, _ bool) (fs.FileInfo, error) {
	return nil, &fs.PathError{Op: "stat", Path: name, Err: ErrNotPermitted}
}

func readDirHandler(_ context.Context, path string) ([]fs.DirEntry, error) {
	return nil, &fs.PathError{Op: "readdir", Path: path, Err: ErrNotPermitted}
}

// Write implements io.Writer, logging each complete line.
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.sb.Log(strings.TrimSuffix(line, "\n"))
	}
}

// Flush logs a trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	sc := bufio.NewScanner(&w.buf)
	for sc.Scan() {
		w.sb.Log(sc.Text())
	}
	w.buf.Reset()
}

func (discard) Read([]byte) (int, error)    { return 0, io.EOF }
func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
