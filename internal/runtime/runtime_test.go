// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/an-anime-team/wineyard/internal/acquire"
	"github.com/an-anime-team/wineyard/internal/codec"
	"github.com/an-anime-team/wineyard/internal/logging"
	"github.com/an-anime-team/wineyard/internal/runtime/shell"
	"github.com/an-anime-team/wineyard/internal/store"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

const helloSHA256 = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

// scriptedEvaluator runs a Go function as module/go.
type scriptedEvaluator struct {
	calls atomic.Int32
	fn    func(sb format.Sandbox) error
}

func (*scriptedEvaluator) Name() string         { return "go" }
func (*scriptedEvaluator) Extensions() []string { return []string{".go"} }

func (e *scriptedEvaluator) Evaluate(_ context.Context, _ string, _ []byte, sb format.Sandbox) error {
	e.calls.Add(1)
	return e.fn(sb)
}

type fixture struct {
	rt    *Runtime
	store *store.Store
	dir   string
}

func newFixture(t *testing.T, version uint32, extra ...format.Evaluator) *fixture {
	t.Helper()

	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := codec.NewRegistry()
	reg.RegisterEvaluator(shell.New(version))
	for _, e := range extra {
		reg.RegisterEvaluator(e)
	}
	return &fixture{
		rt:    New(NewCapabilities(version), reg, s, WithLogger(logging.Discard())),
		store: s,
		dir:   t.TempDir(),
	}
}

func (f *fixture) file(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(f.dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fixture) shModule(t *testing.T, name, script string) Module {
	t.Helper()
	return Module{Name: name, Format: format.MustParseTag("module/sh"), Blob: f.file(t, name, script)}
}

func emptyManifest() *manifest.Manifest {
	return &manifest.Manifest{Format: manifest.FormatVersion}
}

func mustHash(t *testing.T, s string) *manifest.HashValue {
	t.Helper()

	h, err := manifest.ParseHash(s)
	if err != nil {
		t.Fatal(err)
	}
	return &h
}

func TestEvaluatePackage_WritesDeclaredOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	var logs []string
	var mu sync.Mutex

	pkg := Package{
		Name:     "demo",
		Manifest: emptyManifest(),
		Inputs:   []Resource{{Name: "greeting", Blob: f.file(t, "greeting", "hello")}},
		Outputs: []Output{
			{Name: "build.sh", Format: format.MustParseTag("module/sh")},
			{Name: "a.txt", Format: format.File, Declared: mustHash(t, helloSHA256)},
		},
		Modules: []Module{f.shModule(t, "build.sh", "log building\nread_input greeting | write_output a.txt\n")},
		Owner:   "s1",
		Log: func(module, line string) {
			mu.Lock()
			defer mu.Unlock()
			logs = append(logs, module+": "+line)
		},
	}
	pkg.Outputs[0].Resource = &Resource{Name: "build.sh", Format: pkg.Outputs[0].Format, Blob: pkg.Modules[0].Blob}

	outputs, err := f.rt.EvaluatePackage(t.Context(), pkg)
	if err != nil {
		t.Fatalf("EvaluatePackage() error: %v", err)
	}
	if len(outputs) != 2 || outputs[1].Name != "a.txt" {
		t.Fatalf("outputs = %+v", outputs)
	}
	if outputs[1].Address.String() != helloSHA256 {
		t.Errorf("a.txt address = %s", outputs[1].Address)
	}
	data, err := os.ReadFile(outputs[1].Blob)
	if err != nil || string(data) != "hello" {
		t.Errorf("a.txt = %q, %v", data, err)
	}
	if f.store.Refs(outputs[1].Address, store.KindBlob) != 1 {
		t.Error("written output should be retained for the owner")
	}
	if !slices.Contains(logs, "build.sh: building") {
		t.Errorf("logs = %q", logs)
	}
}

func TestEvaluatePackage_IncompatibleRunsNothing(t *testing.T) {
	t.Parallel()

	ev := &scriptedEvaluator{fn: func(format.Sandbox) error { return nil }}
	f := newFixture(t, 1, ev)

	m := emptyManifest()
	m.Runtime = &manifest.RuntimeRequirement{MinimalVersion: 2}
	pkg := Package{
		Name:     "future",
		Manifest: m,
		Modules:  []Module{{Name: "m.go", Format: format.MustParseTag("module/go"), Blob: f.file(t, "m.go", "")}},
	}

	_, err := f.rt.EvaluatePackage(t.Context(), pkg)

	var re *RuntimeError
	if !errors.As(err, &re) || re.Kind != KindIncompatible {
		t.Fatalf("EvaluatePackage() error = %v, want incompatible", err)
	}
	if re.Required != 2 || re.Actual != 1 || !errors.Is(err, ErrIncompatible) {
		t.Errorf("RuntimeError = %+v", re)
	}
	if ev.calls.Load() != 0 {
		t.Error("no module should be evaluated")
	}
}

func TestEvaluatePackage_UndeclaredOutputIsAFault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	pkg := Package{
		Name:     "sneaky",
		Manifest: emptyManifest(),
		Modules:  []Module{f.shModule(t, "m.sh", "write_output secret x || true\n")},
	}

	_, err := f.rt.EvaluatePackage(t.Context(), pkg)
	if !errors.Is(err, ErrModuleFault) || !errors.Is(err, ErrUndeclaredOutput) {
		t.Errorf("EvaluatePackage() error = %v, want module fault for undeclared output", err)
	}
}

func TestEvaluatePackage_PanicIsContained(t *testing.T) {
	t.Parallel()

	ev := &scriptedEvaluator{fn: func(format.Sandbox) error { panic("boom") }}
	f := newFixture(t, 1, ev)
	pkg := Package{
		Name:     "crashy",
		Manifest: emptyManifest(),
		Modules:  []Module{{Name: "m.go", Format: format.MustParseTag("module/go"), Blob: f.file(t, "m.go", "")}},
	}

	_, err := f.rt.EvaluatePackage(t.Context(), pkg)

	var re *RuntimeError
	if !errors.As(err, &re) || re.Kind != KindModuleFault || re.Module != "m.go" {
		t.Fatalf("EvaluatePackage() error = %v, want module fault", err)
	}
}

func TestEvaluatePackage_ModulesRunInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	var order []string
	pkg := Package{
		Name:     "ordered",
		Manifest: emptyManifest(),
		Outputs:  []Output{{Name: "out", Format: format.File}},
		Modules: []Module{
			f.shModule(t, "first.sh", "log one\nwrite_output out first\n"),
			f.shModule(t, "second.sh", "log two\nwrite_output out second\n"),
		},
		Log: func(module, _ string) { order = append(order, module) },
	}

	outputs, err := f.rt.EvaluatePackage(t.Context(), pkg)
	if err != nil {
		t.Fatalf("EvaluatePackage() error: %v", err)
	}
	if !slices.Equal(order, []string{"first.sh", "second.sh"}) {
		t.Errorf("order = %v", order)
	}
	data, _ := os.ReadFile(outputs[0].Blob)
	if string(data) != "second" {
		t.Errorf("out = %q, want the last write", data)
	}
}

func TestEvaluatePackage_OutputNotProduced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	pkg := Package{
		Name:     "lazy",
		Manifest: emptyManifest(),
		Outputs:  []Output{{Name: "never", Format: format.File}},
		Modules:  []Module{f.shModule(t, "m.sh", "log nothing to do\n")},
	}

	_, err := f.rt.EvaluatePackage(t.Context(), pkg)
	if !errors.Is(err, ErrOutputNotProduced) {
		t.Errorf("EvaluatePackage() error = %v, want ErrOutputNotProduced", err)
	}
}

func TestEvaluatePackage_WrittenOutputMustMatchHash(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	pkg := Package{
		Name:     "wrong",
		Manifest: emptyManifest(),
		Outputs:  []Output{{Name: "a.txt", Format: format.File, Declared: mustHash(t, helloSHA256)}},
		Modules:  []Module{f.shModule(t, "m.sh", "write_output a.txt world\n")},
	}

	_, err := f.rt.EvaluatePackage(t.Context(), pkg)
	if !errors.Is(err, acquire.ErrIntegrity) {
		t.Errorf("EvaluatePackage() error = %v, want ErrIntegrity", err)
	}
}

func TestEvaluatePackage_Cancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	pkg := Package{
		Name:     "cancelled",
		Manifest: emptyManifest(),
		Modules:  []Module{f.shModule(t, "m.sh", "log hi\n")},
	}
	if _, err := f.rt.EvaluatePackage(ctx, pkg); !errors.Is(err, context.Canceled) {
		t.Errorf("EvaluatePackage() error = %v, want context.Canceled", err)
	}
}

func TestSandbox_ReadInput(t *testing.T) {
	t.Parallel()

	tree := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tree, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "bin", "run.sh"), []byte("echo"), 0o644); err != nil {
		t.Fatal(err)
	}
	blob := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(blob, []byte("archive bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	sb := newSandbox([]Resource{{Name: "bundle", Blob: blob, Tree: tree}}, nil, nil)

	if data, err := sb.ReadInput("bundle"); err != nil || string(data) != "archive bytes" {
		t.Errorf("ReadInput(bundle) = %q, %v", data, err)
	}
	if data, err := sb.ReadInput("bundle/bin/run.sh"); err != nil || string(data) != "echo" {
		t.Errorf("ReadInput(bundle/bin/run.sh) = %q, %v", data, err)
	}
	for _, name := range []string{"bundle/../../etc/passwd", "bundle/bin", "other", "bundle/missing"} {
		if _, err := sb.ReadInput(name); err == nil {
			t.Errorf("ReadInput(%q) should fail", name)
		}
	}
	if got := sb.ListInputs(); !slices.Equal(got, []string{"bundle"}) {
		t.Errorf("ListInputs() = %v", got)
	}
}

func TestSandbox_ReadInputStaysInTree(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	secret := filepath.Join(base, "secret")
	if err := os.WriteFile(secret, []byte("outside"), 0o644); err != nil {
		t.Fatal(err)
	}
	tree := filepath.Join(base, "tree")
	if err := os.MkdirAll(filepath.Join(tree, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tree, "lib", "real"), []byte("inside"), 0o644); err != nil {
		t.Fatal(err)
	}
	links := map[string]string{
		"abs":        secret,
		"up":         filepath.Join("..", "secret"),
		"dir":        "..",
		"lib/inside": "real",
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(tree, filepath.FromSlash(name))); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
	}

	sb := newSandbox([]Resource{{Name: "bundle", Tree: tree}}, nil, nil)

	for _, name := range []string{"bundle/abs", "bundle/up", "bundle/dir/secret"} {
		if data, err := sb.ReadInput(name); err == nil {
			t.Errorf("ReadInput(%q) = %q, want error", name, data)
		}
	}
	if data, err := sb.ReadInput("bundle/lib/inside"); err != nil || string(data) != "inside" {
		t.Errorf("ReadInput(bundle/lib/inside) = %q, %v", data, err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	c := DefaultCapabilities()
	if c.Version != Version || !c.Has(FeatureWriteOutput) || c.Has("network") {
		t.Errorf("DefaultCapabilities() = %+v", c)
	}
	features := c.Features()
	features[0] = "mutated"
	if !c.Has(FeatureReadInput) {
		t.Error("Features() should return a copy")
	}
}
