// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/an-anime-team/wineyard/pkg/format"
)

type (
	// sandbox implements format.Sandbox for one module evaluation. Shell
	// pipelines call it from several goroutines.
	sandbox struct {
		inputs []Resource
		// outputs holds the writable declared outputs by name.
		outputs map[string]*Output
		log     func(string)

		mu         sync.Mutex
		written    map[string][]byte
		order      []string
		violations []error
	}

	write struct {
		output *Output
		data   []byte
	}
)

var _ format.Sandbox = (*sandbox)(nil)

func newSandbox(inputs []Resource, outputs []Output, log func(string)) *sandbox {
	sb := &sandbox{
		inputs:  inputs,
		outputs: make(map[string]*Output, len(outputs)),
		log:     log,
		written: make(map[string][]byte),
	}
	for i := range outputs {
		// Module sources are published as declared; modules cannot replace them.
		if outputs[i].Format.Primary != format.PrimaryModule {
			sb.outputs[outputs[i].Name] = &outputs[i]
		}
	}
	return sb
}

// ReadInput implements format.Sandbox. Files inside an extracted archive
// are addressed as "<input>/<relative path>".
func (s *sandbox) ReadInput(name string) ([]byte, error) {
	for _, in := range s.inputs {
		if in.Name == name {
			return os.ReadFile(in.Blob)
		}
	}

	for _, in := range s.inputs {
		rel, ok := strings.CutPrefix(name, in.Name+"/")
		if !ok || in.Tree == "" {
			continue
		}
		rel = filepath.FromSlash(rel)
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%w: %q escapes the input", ErrUnknownInput, name)
		}
		return readTreeFile(in.Tree, rel, name)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownInput, name)
}

// readTreeFile reads rel below tree. Links are followed only while they
// stay inside the tree.
func readTreeFile(tree, rel, name string) (data []byte, err error) {
	f, err := os.OpenInRoot(tree, rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInput, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnknownInput, name, err)
	}
	defer func() { _ = f.Close() }() // read-only

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory", name)
	}
	return io.ReadAll(f)
}

// ListInputs implements format.Sandbox.
func (s *sandbox) ListInputs() []string {
	names := make([]string, len(s.inputs))
	for i, in := range s.inputs {
		names[i] = in.Name
	}
	return names
}

// WriteOutput implements format.Sandbox. The last write of a name wins.
// Writing an undeclared name is recorded and fails the module even if the
// module ignores the returned error.
func (s *sandbox) WriteOutput(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outputs[name]; !ok {
		err := fmt.Errorf("%w: %q", ErrUndeclaredOutput, name)
		s.violations = append(s.violations, err)
		return err
	}
	if _, seen := s.written[name]; !seen {
		s.order = append(s.order, name)
	}
	s.written[name] = append([]byte(nil), data...)
	return nil
}

// Log implements format.Sandbox.
func (s *sandbox) Log(line string) {
	if s.log != nil {
		s.log(line)
	}
}

func (s *sandbox) violation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.violations...)
}

// writes returns the written outputs in first-write order.
func (s *sandbox) writes() []write {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]write, len(s.order))
	for i, name := range s.order {
		out[i] = write{output: s.outputs[name], data: s.written[name]}
	}
	return out
}
