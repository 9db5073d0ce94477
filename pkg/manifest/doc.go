// SPDX-License-Identifier: MPL-2.0

// Package manifest models package manifests: the TOML documents declaring a
// package's metadata, its runtime requirement, the resources it consumes
// (inputs) and the resources it publishes (outputs).
//
// Parsing is pure and synchronous. Inputs and outputs keep their declaration
// order, which drives resolution order elsewhere, and Encode writes them back
// in that order so that a parsed manifest round-trips exactly.
package manifest
