// SPDX-License-Identifier: MPL-2.0

package format

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

const tarMagicOffset = 257

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	sevenZipMagic = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
	tarMagic      = []byte("ustar")
)

// Registry maps format tags to capabilities. It is safe for concurrent use;
// registration is expected to happen once at startup.
type Registry struct {
	mu            sync.RWMutex
	hashers       map[string]Hasher
	decompressors map[string]Decompressor
	extractors    map[string]Extractor
	evaluators    map[string]Evaluator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		hashers:       make(map[string]Hasher),
		decompressors: make(map[string]Decompressor),
		extractors:    make(map[string]Extractor),
		evaluators:    make(map[string]Evaluator),
	}
}

// RegisterHasher adds a hash algorithm.
// Panics if the name is empty or already registered.
func (r *Registry) RegisterHasher(h Hasher) {
	register(&r.mu, r.hashers, "hasher", h)
}

// RegisterDecompressor adds a compression codec.
// Panics if the name is empty or already registered.
func (r *Registry) RegisterDecompressor(d Decompressor) {
	register(&r.mu, r.decompressors, "decompressor", d)
}

// RegisterExtractor adds an archive extractor keyed by archive secondary tag.
// Panics if the name is empty or already registered.
func (r *Registry) RegisterExtractor(e Extractor) {
	register(&r.mu, r.extractors, "extractor", e)
}

// RegisterEvaluator adds a module evaluator keyed by dialect.
// Panics if the name is empty or already registered.
func (r *Registry) RegisterEvaluator(e Evaluator) {
	register(&r.mu, r.evaluators, "evaluator", e)
}

func register[C Capability](mu *sync.RWMutex, table map[string]C, kind string, c C) {
	mu.Lock()
	defer mu.Unlock()

	name := c.Name()
	if name == "" {
		panic(fmt.Sprintf("format: cannot register %s with empty name", kind))
	}
	if _, exists := table[name]; exists {
		panic(fmt.Sprintf("format: %s %q already registered", kind, name))
	}
	table[name] = c
}

// Hasher returns the hasher for an algorithm name.
func (r *Registry) Hasher(algorithm string) (Hasher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hashers[algorithm]
	if !ok {
		return nil, &Error{Kind: KindUnknown, Tag: algorithm, Detail: "no hasher registered"}
	}
	return h, nil
}

// Decompressor returns the decompressor registered under name.
func (r *Registry) Decompressor(name string) (Decompressor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.decompressors[name]
	if !ok {
		return nil, &Error{Kind: KindUnknown, Tag: name, Detail: "no decompressor registered"}
	}
	return d, nil
}

// DetectCompression returns the decompressor whose magic prefixes header.
func (r *Registry) DetectCompression(header []byte) (Decompressor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.decompressors) {
		d := r.decompressors[name]
		if magic := d.Magic(); len(magic) > 0 && bytes.HasPrefix(header, magic) {
			return d, true
		}
	}
	return nil, false
}

// DetectArchive narrows an archive tag from the first bytes of the content.
// header should hold at least 512 bytes when available so a plain tar header
// can be recognized.
func (r *Registry) DetectArchive(header []byte) (Tag, bool) {
	switch {
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, zipEmptyMagic):
		return Tag{Primary: PrimaryArchive, Secondary: ArchiveZip}, true
	case bytes.HasPrefix(header, sevenZipMagic):
		return Tag{Primary: PrimaryArchive, Secondary: Archive7z}, true
	case len(header) >= tarMagicOffset+len(tarMagic) &&
		bytes.Equal(header[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic):
		return Tag{Primary: PrimaryArchive, Secondary: ArchiveTar}, true
	}
	if _, ok := r.DetectCompression(header); ok {
		return Tag{Primary: PrimaryArchive, Secondary: ArchiveTar}, true
	}
	return Tag{}, false
}

// ResolveFormat decides the tag of a resource. A fully declared tag wins. A
// declared category without a secondary is narrowed by the URI shape. With no
// declaration the URI shape decides, falling back to file. Archives that stay
// undetermined are left as auto and narrowed later from their content.
func (r *Registry) ResolveFormat(uri string, declared *Tag) (Tag, error) {
	inferred := r.inferFromURI(uri)

	if declared == nil || declared.IsZero() {
		if inferred.Primary == PrimaryModule && inferred.Secondary == "" {
			return r.resolveDialect(uri)
		}
		return inferred, nil
	}

	tag := *declared
	if !tag.IsAuto() {
		return tag, nil
	}

	switch tag.Primary {
	case PrimaryArchive:
		if inferred.Primary == PrimaryArchive {
			return inferred, nil
		}
		return tag, nil
	case PrimaryModule:
		if inferred.Primary == PrimaryModule && inferred.Secondary != "" {
			return inferred, nil
		}
		return r.resolveDialect(uri)
	}
	return tag, nil
}

// resolveDialect picks the only registered evaluator when the URI gives no hint.
func (r *Registry) resolveDialect(uri string) (Tag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch len(r.evaluators) {
	case 0:
		return Tag{}, &Error{Kind: KindUnknown, Tag: string(PrimaryModule), URI: uri, Detail: "no evaluator registered"}
	case 1:
		for name := range r.evaluators {
			return Tag{Primary: PrimaryModule, Secondary: name}, nil
		}
	}
	return Tag{}, &Error{
		Kind:   KindAmbiguous,
		Tag:    string(PrimaryModule),
		URI:    uri,
		Detail: "candidates: " + strings.Join(sortedKeys(r.evaluators), ", "),
	}
}

func (r *Registry) inferFromURI(uri string) Tag {
	tag := FromURI(uri)
	if tag != File {
		return tag
	}

	name := strings.ToLower(FileName(uri))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dialect := range sortedKeys(r.evaluators) {
		for _, ext := range r.evaluators[dialect].Extensions() {
			if strings.HasSuffix(name, ext) {
				return Tag{Primary: PrimaryModule, Secondary: dialect}
			}
		}
	}
	return File
}

// CapabilityFor returns the capability serving a resolved tag: the Extractor
// of an archive or the Evaluator of a module. Tags that need no processing
// (file, package) return a nil Capability and no error.
func (r *Registry) CapabilityFor(tag Tag) (Capability, error) {
	switch tag.Primary {
	case PrimaryFile, PrimaryPackage:
		return nil, nil

	case PrimaryArchive:
		if tag.Secondary == "" {
			return nil, &Error{Kind: KindAmbiguous, Tag: tag.String(), Detail: "archive type must be detected from content"}
		}
		r.mu.RLock()
		defer r.mu.RUnlock()
		if e, ok := r.extractors[tag.Canonical().Secondary]; ok {
			return e, nil
		}
		return nil, &Error{Kind: KindUnknown, Tag: tag.String(), Detail: "no extractor registered"}

	case PrimaryModule:
		if tag.Secondary == "" {
			t, err := r.resolveDialect("")
			if err != nil {
				return nil, err
			}
			tag = t
		}
		r.mu.RLock()
		defer r.mu.RUnlock()
		if e, ok := r.evaluators[tag.Secondary]; ok {
			return e, nil
		}
		return nil, &Error{Kind: KindUnknown, Tag: tag.String(), Detail: "no evaluator registered"}
	}

	return nil, &Error{Kind: KindUnknown, Tag: tag.String()}
}

// Extractor is CapabilityFor narrowed to archives.
func (r *Registry) Extractor(tag Tag) (Extractor, error) {
	c, err := r.CapabilityFor(tag)
	if err != nil {
		return nil, err
	}
	e, ok := c.(Extractor)
	if !ok {
		return nil, &Error{Kind: KindUnknown, Tag: tag.String(), Detail: "not an archive format"}
	}
	return e, nil
}

// Evaluator is CapabilityFor narrowed to modules.
func (r *Registry) Evaluator(tag Tag) (Evaluator, error) {
	c, err := r.CapabilityFor(tag)
	if err != nil {
		return nil, err
	}
	e, ok := c.(Evaluator)
	if !ok {
		return nil, &Error{Kind: KindUnknown, Tag: tag.String(), Detail: "not a module format"}
	}
	return e, nil
}

// Names returns the registered names per capability kind, each sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string][]string{
		"hashers":       sortedKeys(r.hashers),
		"decompressors": sortedKeys(r.decompressors),
		"extractors":    sortedKeys(r.extractors),
		"evaluators":    sortedKeys(r.evaluators),
	}
}

// HasHasher reports whether algorithm is registered.
func (r *Registry) HasHasher(algorithm string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.hashers[algorithm]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return slices.Clip(keys)
}
