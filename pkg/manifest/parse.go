// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/an-anime-team/wineyard/pkg/format"
)

const (
	tablePackage = "package"
	tableRuntime = "runtime"
	tableInputs  = "inputs"
	tableOutputs = "outputs"
)

type (
	rawDocument struct {
		Package *rawPackage    `toml:"package"`
		Runtime *rawRuntime    `toml:"runtime"`
		Inputs  map[string]any `toml:"inputs"`
		Outputs map[string]any `toml:"outputs"`
	}

	rawPackage struct {
		Format      *int64   `toml:"format"`
		Description *string  `toml:"description"`
		Authors     []string `toml:"authors"`
	}

	rawRuntime struct {
		MinimalVersion *int64 `toml:"minimal_version"`
	}
)

// strictTables are checked for unknown keys through the decoder metadata.
// Resource tables are checked by parseResourceRef, and anything else at the
// top level is an extension point and is ignored.
var strictTables = []string{tablePackage, tableRuntime}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var raw rawDocument
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, malformed("", err)
	}

	if raw.Package == nil {
		return nil, malformed(tablePackage, errors.New("missing [package] table"))
	}
	if raw.Package.Format == nil {
		return nil, malformed("package.format", errors.New("missing format version"))
	}
	if *raw.Package.Format != FormatVersion {
		return nil, &ManifestError{
			Kind:  KindUnsupportedFormat,
			Field: "package.format",
			Err:   fmt.Errorf("got %d, supported %d", *raw.Package.Format, FormatVersion),
		}
	}

	for _, key := range meta.Undecoded() {
		if slices.Contains(strictTables, key[0]) {
			return nil, malformed(key.String(), errors.New("unknown key"))
		}
	}

	m := &Manifest{Format: FormatVersion}
	if len(raw.Package.Authors) > 0 {
		m.Authors = raw.Package.Authors
	}
	if raw.Package.Description != nil {
		m.Description = *raw.Package.Description
	}

	if raw.Runtime != nil && raw.Runtime.MinimalVersion != nil {
		v := *raw.Runtime.MinimalVersion
		if v < 0 || v > math.MaxUint32 {
			return nil, malformed("runtime.minimal_version", fmt.Errorf("out of range: %d", v))
		}
		m.Runtime = &RuntimeRequirement{MinimalVersion: uint32(v)}
	}

	if m.Inputs, err = parseResources(tableInputs, raw.Inputs, declarationOrder(meta, tableInputs)); err != nil {
		return nil, err
	}
	if m.Outputs, err = parseResources(tableOutputs, raw.Outputs, declarationOrder(meta, tableOutputs)); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// declarationOrder lists the resource names of a table in document order.
func declarationOrder(meta toml.MetaData, table string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, key := range meta.Keys() {
		if len(key) < 2 || key[0] != table {
			continue
		}
		if _, ok := seen[key[1]]; ok {
			continue
		}
		seen[key[1]] = struct{}{}
		names = append(names, key[1])
	}
	return names
}

func parseResources(table string, raw map[string]any, order []string) (Resources, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Keys() covers every decoded key; the fallback keeps the result complete
	// and deterministic should a key ever be missing from it.
	var rest []string
	for name := range raw {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	order = append(slices.Clone(order), rest...)

	out := make(Resources, 0, len(raw))
	for _, key := range order {
		value, ok := raw[key]
		if !ok {
			continue
		}
		field := table + "." + key

		name, err := NewResourceName(key)
		if err != nil {
			return nil, invalidRef(field, err)
		}
		ref, err := parseResourceRef(field, value)
		if err != nil {
			return nil, err
		}
		out = append(out, Resource{Name: name, Ref: ref})
	}
	return out, nil
}

// parseResourceRef accepts either a bare URI string or a table with the
// keys uri, format and hash.
func parseResourceRef(field string, value any) (ResourceRef, error) {
	switch v := value.(type) {
	case string:
		return ResourceRef{URI: v}, nil

	case map[string]any:
		var ref ResourceRef
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			s, ok := v[k].(string)
			if !ok {
				return ResourceRef{}, malformed(field+"."+k, fmt.Errorf("expected string, got %T", v[k]))
			}
			switch k {
			case "uri":
				ref.URI = s
			case "format":
				tag, err := format.ParseTag(s)
				if err != nil {
					return ResourceRef{}, invalidRef(field+".format", err)
				}
				ref.Format = &tag
			case "hash":
				h, err := ParseHash(s)
				if err != nil {
					return ResourceRef{}, invalidRef(field+".hash", err)
				}
				ref.Hash = &h
			default:
				return ResourceRef{}, malformed(field+"."+k, errors.New("unknown key"))
			}
		}
		if _, ok := v["uri"]; !ok {
			return ResourceRef{}, invalidRef(field, errors.New("missing uri"))
		}
		return ref, nil

	default:
		return ResourceRef{}, malformed(field, fmt.Errorf("expected string or table, got %T", value))
	}
}
