// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/an-anime-team/wineyard/pkg/format"
)

func TestEncode_Golden(t *testing.T) {
	t.Parallel()

	m, err := Parse(readExample(t))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	got, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "example_encoded", got)
}

func TestMarkdown_Golden(t *testing.T) {
	t.Parallel()

	m, err := Parse(readExample(t))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "example_markdown", []byte(m.Markdown("example")))
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()

	hello, err := ParseHash(helloSHA256)
	if err != nil {
		t.Fatal(err)
	}
	zip := format.MustParseTag("archive/zip")
	sh := format.MustParseTag("module/sh")

	manifests := map[string]*Manifest{
		"minimal": {Format: FormatVersion},
		"scenario": {
			Format: FormatVersion,
			Outputs: Resources{
				{Name: "a.txt", Ref: ResourceRef{URI: "a.txt", Hash: &hello}},
			},
		},
		"everything": {
			Format:      FormatVersion,
			Description: "tabs\tand \"quotes\" and \\ and \x01 and ünïcode\nsecond line",
			Authors:     []string{"one", "two"},
			Runtime:     &RuntimeRequirement{MinimalVersion: 0},
			Inputs: Resources{
				{Name: "z last", Ref: ResourceRef{URI: "z.zip", Format: &zip}},
				{Name: "a-first", Ref: ResourceRef{URI: "https://example.org/a?b=c#d"}},
				{Name: "日本", Ref: ResourceRef{URI: "j.sh", Format: &sh, Hash: &hello}},
			},
			Outputs: Resources{
				{Name: "x.y.z", Ref: ResourceRef{URI: "out"}},
			},
		},
	}

	for name, m := range manifests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			data, err := m.Encode()
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			back, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse(Encode()) error: %v\n%s", err, data)
			}
			if !reflect.DeepEqual(back, m) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v\n%s", back, m, data)
			}
		})
	}
}

func TestEncode_KeepsDeclaredFormatSpelling(t *testing.T) {
	t.Parallel()

	src := []byte(`[package]
format = 1

[inputs.bundle]
uri = "bundle.bin"
format = "archive/sevenz"
`)
	m, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !strings.Contains(string(data), `format = "archive/sevenz"`) {
		t.Errorf("Encode() lost the declared spelling:\n%s", data)
	}
	if got := m.Inputs[0].Ref.DeclaredFormat().Canonical(); got != format.MustParseTag("archive/7z") {
		t.Errorf("Canonical() = %v, want archive/7z", got)
	}
}

func TestEncode_RejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	m := &Manifest{Format: 2}
	if _, err := m.Encode(); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Encode() error = %v, want ErrUnsupportedFormat", err)
	}
}
