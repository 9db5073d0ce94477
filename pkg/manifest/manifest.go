// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/an-anime-team/wineyard/pkg/format"
)

// FormatVersion is the only manifest format this runtime understands.
const FormatVersion = 1

type (
	// Manifest is a parsed and validated package manifest.
	Manifest struct {
		// Format is package.format; always FormatVersion once validated.
		Format      int
		Description string
		Authors     []string
		// Runtime is nil when the manifest states no runtime requirement.
		Runtime *RuntimeRequirement
		Inputs  Resources
		Outputs Resources
	}

	// RuntimeRequirement is the [runtime] table.
	RuntimeRequirement struct {
		MinimalVersion uint32
	}

	// ResourceRef points at a resource. Format is nil when it must be inferred
	// from the URI; Hash is nil when the resource is unverified.
	ResourceRef struct {
		URI    string
		Format *format.Tag
		Hash   *HashValue
	}

	// Resource is a named reference, as declared under [inputs] or [outputs].
	Resource struct {
		Name ResourceName
		Ref  ResourceRef
	}

	// Resources is an ordered set of named references. Order is declaration
	// order.
	Resources []Resource
)

// MinimalRuntimeVersion returns the required runtime version, 0 when unset.
func (m *Manifest) MinimalRuntimeVersion() uint32 {
	if m.Runtime == nil {
		return 0
	}
	return m.Runtime.MinimalVersion
}

// Validate checks a manifest built in code with the same rules Parse applies.
func (m *Manifest) Validate() error {
	if m.Format != FormatVersion {
		return &ManifestError{
			Kind:  KindUnsupportedFormat,
			Field: "package.format",
			Err:   fmt.Errorf("got %d, supported %d", m.Format, FormatVersion),
		}
	}
	for i, a := range m.Authors {
		if strings.TrimSpace(a) == "" {
			return malformed(fmt.Sprintf("package.authors[%d]", i), errors.New("empty author"))
		}
	}
	if err := m.Inputs.validate("inputs"); err != nil {
		return err
	}
	return m.Outputs.validate("outputs")
}

// Verified reports whether the reference declares a hash.
func (r ResourceRef) Verified() bool {
	return r.Hash != nil
}

// DeclaredFormat returns the declared tag, or the zero Tag.
func (r ResourceRef) DeclaredFormat() format.Tag {
	if r.Format == nil {
		return format.Tag{}
	}
	return *r.Format
}

// Validate checks the reference fields.
func (r ResourceRef) Validate() error {
	if strings.TrimSpace(r.URI) == "" {
		return errors.New("empty uri")
	}
	if r.Hash != nil {
		if err := r.Hash.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the reference declared under name.
func (rs Resources) Get(name ResourceName) (ResourceRef, bool) {
	for _, r := range rs {
		if r.Name == name {
			return r.Ref, true
		}
	}
	return ResourceRef{}, false
}

// Has reports whether name is declared.
func (rs Resources) Has(name ResourceName) bool {
	_, ok := rs.Get(name)
	return ok
}

// Names returns the declared names in order.
func (rs Resources) Names() []ResourceName {
	names := make([]ResourceName, len(rs))
	for i, r := range rs {
		names[i] = r.Name
	}
	return names
}

func (rs Resources) validate(table string) error {
	seen := make(map[ResourceName]struct{}, len(rs))
	for _, r := range rs {
		field := table + "." + string(r.Name)
		if err := r.Name.Validate(); err != nil {
			return invalidRef(field, err)
		}
		if _, dup := seen[r.Name]; dup {
			return malformed(field, errors.New("duplicate resource name"))
		}
		seen[r.Name] = struct{}{}
		if err := r.Ref.Validate(); err != nil {
			return invalidRef(field, err)
		}
	}
	return nil
}

// ContentAddress returns the sha256 of the canonical encoding. Manifests
// that differ only in formatting or comments share an address.
func (m *Manifest) ContentAddress() (HashValue, error) {
	data, err := m.Encode()
	if err != nil {
		return HashValue{}, err
	}
	sum := sha256.Sum256(data)
	return HashValue{Algorithm: DefaultHashAlgorithm, Digest: hex.EncodeToString(sum[:])}, nil
}

// Modules returns the resources whose declared or inferred format is a
// module: inputs first, then outputs, each in declaration order. infer
// resolves refs without a declared format; nil treats them as files.
func (m *Manifest) Modules(infer func(ResourceRef) format.Tag) []Resource {
	var modules []Resource
	for _, rs := range []Resources{m.Inputs, m.Outputs} {
		for _, r := range rs {
			tag := r.Ref.DeclaredFormat()
			if tag.IsZero() && infer != nil {
				tag = infer(r.Ref)
			}
			if tag.Primary == format.PrimaryModule {
				modules = append(modules, r)
			}
		}
	}
	return modules
}
