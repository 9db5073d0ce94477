// SPDX-License-Identifier: MPL-2.0

// Package format defines resource format tags and the capability registry
// that maps them to concrete codec implementations.
//
// A format tag has the shape primary[/secondary]. The primary category is one
// of file, package, module or archive; the secondary tag selects the codec or
// evaluator inside the category. A missing secondary tag (or the literal
// "auto") asks for detection, first from the URI shape and then, for archives,
// from the leading bytes of the content.
//
// The Registry is a lookup table populated once at startup. The core packages
// depend only on the Hasher, Decompressor, Extractor and Evaluator interfaces
// declared here; internal/codec and internal/runtime/shell provide the
// implementations shipped with the daemon.
package format
