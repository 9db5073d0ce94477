// SPDX-License-Identifier: MPL-2.0

package codec

import "github.com/an-anime-team/wineyard/pkg/format"

// RegisterDefaults installs the built-in hashers, decompressors and
// extractors into r. It panics if any of them is already registered.
func RegisterDefaults(r *format.Registry) {
	for _, h := range Hashers() {
		r.RegisterHasher(h)
	}
	for _, d := range Decompressors() {
		r.RegisterDecompressor(d)
	}
	r.RegisterExtractor(NewTarExtractor(r))
	r.RegisterExtractor(ZipExtractor{})
	r.RegisterExtractor(SevenZipExtractor{})
}

// NewRegistry returns a registry with the defaults installed.
func NewRegistry() *format.Registry {
	r := format.NewRegistry()
	RegisterDefaults(r)
	return r
}
