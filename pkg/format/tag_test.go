// SPDX-License-Identifier: MPL-2.0

package format

import (
	"errors"
	"testing"
)

func TestParseTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Tag
		wantErr bool
	}{
		{in: "file", want: File},
		{in: "package", want: Package},
		{in: "module", want: Tag{Primary: PrimaryModule}},
		{in: "module/auto", want: Tag{Primary: PrimaryModule}},
		{in: "module/sh", want: Tag{Primary: PrimaryModule, Secondary: "sh"}},
		{in: "archive", want: Tag{Primary: PrimaryArchive}},
		{in: "archive/tar", want: Tag{Primary: PrimaryArchive, Secondary: ArchiveTar}},
		{in: "archive/zip", want: Tag{Primary: PrimaryArchive, Secondary: ArchiveZip}},
		{in: "archive/7z", want: Tag{Primary: PrimaryArchive, Secondary: Archive7z}},
		{in: "archive/sevenz", want: Tag{Primary: PrimaryArchive, Secondary: ArchiveSevenz}},
		{in: "archive/rar", wantErr: true},
		{in: "file/raw", wantErr: true},
		{in: "module/Bad Dialect", wantErr: true},
		{in: "blob", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTag(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTag(%q) = %v, want error", tt.in, got)
				}
				if !errors.Is(err, ErrUnknownFormat) {
					t.Errorf("ParseTag(%q) error should wrap ErrUnknownFormat, got %v", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTag(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTag(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTagString(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"file", "package", "module", "module/sh", "archive", "archive/tar", "archive/7z", "archive/sevenz"} {
		if got := MustParseTag(s).String(); got != s {
			t.Errorf("MustParseTag(%q).String() = %q", s, got)
		}
	}
	if got := MustParseTag("archive/sevenz").Canonical(); got != MustParseTag("archive/7z") {
		t.Errorf("sevenz alias should canonicalize to archive/7z, got %v", got)
	}
	if got := MustParseTag("archive/zip").Canonical(); got != MustParseTag("archive/zip") {
		t.Errorf("Canonical() changed archive/zip to %v", got)
	}
}

func TestFromURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri  string
		want Tag
	}{
		{"a.txt", File},
		{"assets/bundle.tar.gz", Tag{Primary: PrimaryArchive, Secondary: ArchiveTar}},
		{"https://example.org/dl/game.TGZ?x=1", Tag{Primary: PrimaryArchive, Secondary: ArchiveTar}},
		{"data.tar.zst", Tag{Primary: PrimaryArchive, Secondary: ArchiveTar}},
		{"pack.zip", Tag{Primary: PrimaryArchive, Secondary: ArchiveZip}},
		{"pack.zip.001", Tag{Primary: PrimaryArchive, Secondary: Archive7z}},
		{"pack.7z", Tag{Primary: PrimaryArchive, Secondary: Archive7z}},
		{"../dep/package.toml#x", Package},
		{`C:\deps\core\package.toml`, Package},
		{"git+https://example.org/repo.git//lib/package.toml?ref=v1", Package},
		{"https://example.org/", File},
		{"script.sh", File},
	}

	for _, tt := range tests {
		if got := FromURI(tt.uri); got != tt.want {
			t.Errorf("FromURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestTagIsAuto(t *testing.T) {
	t.Parallel()

	if !MustParseTag("archive").IsAuto() {
		t.Error("archive should be auto")
	}
	if !MustParseTag("module/auto").IsAuto() {
		t.Error("module/auto should be auto")
	}
	if MustParseTag("file").IsAuto() {
		t.Error("file has no secondary to detect")
	}
	if MustParseTag("archive/zip").IsAuto() {
		t.Error("archive/zip is fully specified")
	}
}
