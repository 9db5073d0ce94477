// SPDX-License-Identifier: MPL-2.0

package format

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	// PrimaryFile marks a resource used as-is.
	PrimaryFile Primary = "file"
	// PrimaryPackage marks another package manifest imported as a dependency.
	PrimaryPackage Primary = "package"
	// PrimaryModule marks a script executed by the module runtime.
	PrimaryModule Primary = "module"
	// PrimaryArchive marks an archive extracted into the content store.
	PrimaryArchive Primary = "archive"

	// Auto is the secondary tag requesting detection within a category.
	Auto = "auto"

	// ArchiveTar selects the tar extractor (optionally compressed).
	ArchiveTar = "tar"
	// ArchiveZip selects the zip extractor.
	ArchiveZip = "zip"
	// Archive7z selects the 7z extractor.
	Archive7z = "7z"
	// ArchiveSevenz is an alias of Archive7z. Tags keep the spelling they
	// were declared with.
	ArchiveSevenz = "sevenz"

	// ManifestFileName is the conventional name of a package manifest.
	ManifestFileName = "package.toml"
)

type (
	// Primary is the category part of a format tag.
	Primary string

	// Tag is a parsed format tag. An empty Secondary means auto-detection.
	Tag struct {
		Primary   Primary
		Secondary string
	}
)

var (
	// File is the tag of plain resources.
	File = Tag{Primary: PrimaryFile}
	// Package is the tag of dependency manifests.
	Package = Tag{Primary: PrimaryPackage}

	dialectPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	// archiveExtensions maps file name suffixes to archive secondaries.
	// Compressed tar variants are listed explicitly; the tar extractor
	// detects the compression from the stream itself.
	archiveExtensions = []struct {
		suffix    string
		secondary string
	}{
		{".tar", ArchiveTar},
		{".tar.gz", ArchiveTar},
		{".tgz", ArchiveTar},
		{".tar.bz2", ArchiveTar},
		{".tbz2", ArchiveTar},
		{".tar.xz", ArchiveTar},
		{".txz", ArchiveTar},
		{".tar.zst", ArchiveTar},
		{".tar.zstd", ArchiveTar},
		{".tzst", ArchiveTar},
		{".tzstd", ArchiveTar},
		{".zip", ArchiveZip},
		{".7z", Archive7z},
		{".7z.001", Archive7z},
		{".zip.001", Archive7z},
	}
)

// ParseTag parses a format tag string. Unknown primaries and unknown archive
// secondaries fail with an *Error of kind KindUnknown. Module dialects are
// only checked syntactically here; whether an evaluator exists for the
// dialect is decided by the Registry.
func ParseTag(s string) (Tag, error) {
	primary, secondary, _ := strings.Cut(strings.TrimSpace(s), "/")
	if secondary == Auto {
		secondary = ""
	}

	switch Primary(primary) {
	case PrimaryFile, PrimaryPackage:
		if secondary != "" {
			return Tag{}, &Error{Kind: KindUnknown, Tag: s}
		}
		return Tag{Primary: Primary(primary)}, nil

	case PrimaryArchive:
		switch secondary {
		case "", ArchiveTar, ArchiveZip, Archive7z, ArchiveSevenz:
		default:
			return Tag{}, &Error{Kind: KindUnknown, Tag: s}
		}
		return Tag{Primary: PrimaryArchive, Secondary: secondary}, nil

	case PrimaryModule:
		if secondary != "" && !dialectPattern.MatchString(secondary) {
			return Tag{}, &Error{Kind: KindUnknown, Tag: s}
		}
		return Tag{Primary: PrimaryModule, Secondary: secondary}, nil

	default:
		return Tag{}, &Error{Kind: KindUnknown, Tag: s}
	}
}

// MustParseTag is like ParseTag but panics on error. Intended for tests and
// package-level tables.
func MustParseTag(s string) Tag {
	t, err := ParseTag(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Canonical returns t with alias secondaries replaced by the name their
// capability is registered under.
func (t Tag) Canonical() Tag {
	if t.Primary == PrimaryArchive && t.Secondary == ArchiveSevenz {
		t.Secondary = Archive7z
	}
	return t
}

// String returns the textual form of the tag as declared.
func (t Tag) String() string {
	if t.Secondary == "" {
		return string(t.Primary)
	}
	return string(t.Primary) + "/" + t.Secondary
}

// IsZero reports whether the tag is unset.
func (t Tag) IsZero() bool {
	return t.Primary == ""
}

// IsAuto reports whether the tag still needs detection inside its category.
func (t Tag) IsAuto() bool {
	return t.Secondary == "" && (t.Primary == PrimaryArchive || t.Primary == PrimaryModule)
}

// FromURI infers a tag from the shape of a URI using the built-in tables:
// archive suffixes and the conventional manifest file name. Anything else is
// a plain file. Module dialects need the Registry (see Registry.ResolveFormat).
func FromURI(uri string) Tag {
	name := FileName(uri)
	if name == ManifestFileName {
		return Package
	}
	if secondary, ok := archiveSecondary(name); ok {
		return Tag{Primary: PrimaryArchive, Secondary: secondary}
	}
	return File
}

// FileName returns the last path segment of a URI or local path, without
// query string or fragment. Backslashes are treated as separators.
func FileName(uri string) string {
	s := strings.ReplaceAll(uri, `\`, "/")
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		s = u.Path
	} else {
		s, _, _ = strings.Cut(s, "#")
		s, _, _ = strings.Cut(s, "?")
	}
	s = strings.TrimRight(s, "/")
	if s == "" {
		return ""
	}
	return path.Base(s)
}

func archiveSecondary(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, e := range archiveExtensions {
		if strings.HasSuffix(lower, e.suffix) {
			return e.secondary, true
		}
	}
	return "", false
}
