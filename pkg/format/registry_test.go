// SPDX-License-Identifier: MPL-2.0

package format

import (
	"context"
	"crypto/sha256"
	"errors"
	"hash"
	"io"
	"slices"
	"testing"
)

type (
	stubHasher       struct{ name string }
	stubDecompressor struct {
		name  string
		magic []byte
	}
	stubExtractor struct{ name string }
	stubEvaluator struct {
		name string
		exts []string
	}
)

func (s stubHasher) Name() string    { return s.name }
func (s stubHasher) New() hash.Hash  { return sha256.New() }
func (s stubDecompressor) Name() string { return s.name }
func (s stubDecompressor) Magic() []byte { return s.magic }
func (s stubDecompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}
func (s stubExtractor) Name() string { return s.name }
func (s stubExtractor) Extract(context.Context, string, string) error {
	return nil
}
func (s stubEvaluator) Name() string         { return s.name }
func (s stubEvaluator) Extensions() []string { return s.exts }
func (s stubEvaluator) Evaluate(context.Context, string, []byte, Sandbox) error {
	return nil
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.RegisterHasher(stubHasher{name: "sha256"})
	r.RegisterDecompressor(stubDecompressor{name: "gzip", magic: []byte{0x1f, 0x8b}})
	r.RegisterExtractor(stubExtractor{name: ArchiveTar})
	r.RegisterExtractor(stubExtractor{name: ArchiveZip})
	r.RegisterEvaluator(stubEvaluator{name: "sh", exts: []string{".sh"}})
	return r
}

func TestRegistry_RegisterDuplicatePanics(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	defer func() {
		if recover() == nil {
			t.Error("registering a duplicate hasher should panic")
		}
	}()
	r.RegisterHasher(stubHasher{name: "sha256"})
}

func TestRegistry_RegisterEmptyNamePanics(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Error("registering an unnamed evaluator should panic")
		}
	}()
	r.RegisterEvaluator(stubEvaluator{})
}

func TestRegistry_ResolveFormat(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	archive := MustParseTag("archive")
	module := MustParseTag("module")
	zip := MustParseTag("archive/zip")

	tests := []struct {
		name     string
		uri      string
		declared *Tag
		want     Tag
	}{
		{"no declaration plain file", "a.txt", nil, File},
		{"no declaration archive", "a.tar.gz", nil, MustParseTag("archive/tar")},
		{"no declaration module by extension", "build.sh", nil, MustParseTag("module/sh")},
		{"no declaration manifest", "dep/package.toml", nil, Package},
		{"declared wins over shape", "a.tar.gz", &zip, zip},
		{"declared category narrowed by uri", "a.zip", &archive, zip},
		{"declared category left auto", "blob.bin", &archive, archive},
		{"module without hint uses the only evaluator", "script", &module, MustParseTag("module/sh")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := r.ResolveFormat(tt.uri, tt.declared)
			if err != nil {
				t.Fatalf("ResolveFormat() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveFormat(%q) = %v, want %v", tt.uri, got, tt.want)
			}
		})
	}
}

func TestRegistry_ResolveFormat_AmbiguousDialect(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.RegisterEvaluator(stubEvaluator{name: "other", exts: []string{".oth"}})

	module := MustParseTag("module")
	_, err := r.ResolveFormat("script", &module)
	if !errors.Is(err, ErrAmbiguousFormat) {
		t.Fatalf("expected ErrAmbiguousFormat, got %v", err)
	}

	got, err := r.ResolveFormat("script.oth", &module)
	if err != nil {
		t.Fatalf("extension should disambiguate: %v", err)
	}
	if got.Secondary != "other" {
		t.Errorf("got dialect %q, want other", got.Secondary)
	}
}

func TestRegistry_CapabilityFor(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()

	if c, err := r.CapabilityFor(File); err != nil || c != nil {
		t.Errorf("file should need no capability, got %v, %v", c, err)
	}

	c, err := r.CapabilityFor(MustParseTag("archive/zip"))
	if err != nil {
		t.Fatalf("zip extractor lookup: %v", err)
	}
	if _, ok := c.(Extractor); !ok {
		t.Errorf("archive/zip capability should be an Extractor, got %T", c)
	}

	if _, err := r.CapabilityFor(MustParseTag("archive/7z")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("unregistered 7z should be unknown, got %v", err)
	}
	if _, err := r.CapabilityFor(MustParseTag("archive")); !errors.Is(err, ErrAmbiguousFormat) {
		t.Errorf("undetected archive should be ambiguous, got %v", err)
	}
	if _, err := r.Evaluator(MustParseTag("module/lua")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("unregistered dialect should be unknown, got %v", err)
	}
	if _, err := r.Evaluator(MustParseTag("module")); err != nil {
		t.Errorf("single evaluator should serve module/auto: %v", err)
	}
}

func TestRegistry_SevenzAliasFindsExtractor(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.RegisterExtractor(stubExtractor{name: Archive7z})

	e, err := r.Extractor(MustParseTag("archive/sevenz"))
	if err != nil {
		t.Fatalf("Extractor(archive/sevenz) error: %v", err)
	}
	if e.Name() != Archive7z {
		t.Errorf("Extractor(archive/sevenz) = %s, want %s", e.Name(), Archive7z)
	}
}

func TestRegistry_DetectArchive(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()

	tarHeader := make([]byte, 512)
	copy(tarHeader[257:], "ustar")

	tests := []struct {
		name   string
		header []byte
		want   string
		ok     bool
	}{
		{"zip", []byte("PK\x03\x04rest"), ArchiveZip, true},
		{"7z", []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C, 0}, Archive7z, true},
		{"tar", tarHeader, ArchiveTar, true},
		{"gzip stream", []byte{0x1f, 0x8b, 8, 0}, ArchiveTar, true},
		{"unknown", []byte("hello world"), "", false},
	}

	for _, tt := range tests {
		got, ok := r.DetectArchive(tt.header)
		if ok != tt.ok || got.Secondary != tt.want {
			t.Errorf("%s: DetectArchive() = %v, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	names := newTestRegistry().Names()
	if !slices.Equal(names["extractors"], []string{"tar", "zip"}) {
		t.Errorf("extractors = %v", names["extractors"])
	}
	if !slices.Equal(names["evaluators"], []string{"sh"}) {
		t.Errorf("evaluators = %v", names["evaluators"])
	}
}
