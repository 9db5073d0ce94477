// SPDX-License-Identifier: MPL-2.0

package runtime

import "slices"

// Version is the module runtime version of this build.
const Version uint32 = 1

// Sandbox features every evaluator exposes.
const (
	FeatureReadInput   = "read_input"
	FeatureWriteOutput = "write_output"
	FeatureListInputs  = "list_inputs"
	FeatureLog         = "log"
)

// Capabilities describes the running module runtime. It is built once at
// startup and never changed.
type Capabilities struct {
	Version  uint32
	features []string
}

// NewCapabilities returns the capabilities of a runtime at version with
// the standard sandbox features.
func NewCapabilities(version uint32) Capabilities {
	return Capabilities{
		Version:  version,
		features: []string{FeatureReadInput, FeatureWriteOutput, FeatureListInputs, FeatureLog},
	}
}

// DefaultCapabilities returns the capabilities of this build.
func DefaultCapabilities() Capabilities {
	return NewCapabilities(Version)
}

// Features returns a copy of the feature list.
func (c Capabilities) Features() []string {
	return slices.Clone(c.features)
}

// Has reports whether feature is available.
func (c Capabilities) Has(feature string) bool {
	return slices.Contains(c.features, feature)
}
