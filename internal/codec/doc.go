// SPDX-License-Identifier: MPL-2.0

// Package codec provides the built-in capabilities of the format registry:
// hash algorithms, stream decompressors and archive extractors.
//
// RegisterDefaults installs all of them into a [format.Registry]. Module
// evaluators live with the runtime and are registered separately.
package codec
